package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logus2k/agent-gateway/internal/domain"
	"github.com/logus2k/agent-gateway/internal/engine"
	"github.com/logus2k/agent-gateway/internal/memory"
	"github.com/logus2k/agent-gateway/internal/orchestrator"
	"github.com/logus2k/agent-gateway/internal/pool"
	"github.com/logus2k/agent-gateway/internal/protocol"
	"github.com/logus2k/agent-gateway/internal/session"
	"github.com/logus2k/agent-gateway/internal/tts"
)

// scriptedAdapter streams a fixed set of deltas, honoring cancellation
// between each one.
type scriptedAdapter struct {
	deltas []string
	delay  time.Duration
}

func (a *scriptedAdapter) GenerateStream(ctx context.Context, req engine.GenerateRequest) (<-chan engine.Delta, error) {
	out := make(chan engine.Delta, 8)
	go func() {
		defer close(out)
		for _, d := range a.deltas {
			if req.Cancel.IsSet() {
				return
			}
			select {
			case <-ctx.Done():
				out <- engine.Delta{Err: ctx.Err()}
				return
			case <-time.After(a.delay):
			}
			out <- engine.Delta{Text: d}
		}
		out <- engine.Delta{Done: true}
	}()
	return out, nil
}

func newTestPool(t *testing.T, adapter engine.Adapter) *pool.Pool {
	t.Helper()
	p, err := pool.New(func(i int) (engine.Adapter, error) { return adapter, nil }, 1)
	require.NoError(t, err)
	return p
}

// testHarness wires a Hub and WSHandler backed by a scripted adapter,
// with no TTS/STT/router collaborators, and serves it over a real
// websocket connection.
type testHarness struct {
	hub     *Hub
	server  *httptest.Server
	dialURL string
}

func newTestHarness(t *testing.T, adapter engine.Adapter, presets map[string]*domain.AgentPreset) *testHarness {
	t.Helper()

	orc := &orchestrator.Orchestrator{
		Pool:   newTestPool(t, adapter),
		Memory: memory.NewRegistry(),
		TTS:    tts.NewManager("ws://unused"),
	}
	sessions := session.NewRegistry()
	hub := NewHub(sessions, orc, nil, nil, nil, presets)
	orc.Emit = hub

	wsh := NewWSHandler(hub, nil)
	srv := httptest.NewServer(wsh)
	t.Cleanup(srv.Close)

	return &testHarness{
		hub:     hub,
		server:  srv,
		dialURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (h *testHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.dialURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType protocol.MessageType, body any) {
	t.Helper()
	env := protocol.NewEnvelope("", msgType, body)
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))
}

func recvEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.DecodeEnvelope(data)
	require.NoError(t, err)
	return env
}

func newAssistantPreset() map[string]*domain.AgentPreset {
	return map[string]*domain.AgentPreset{
		"assistant": {Name: "assistant", MemoryPolicy: domain.MemoryNone},
	}
}

func TestChatStreamsChunksThenDone(t *testing.T) {
	h := newTestHarness(t, &scriptedAdapter{deltas: []string{"Hel", "lo"}}, newAssistantPreset())
	conn := h.dial(t)

	sendEnvelope(t, conn, protocol.TypeChat, protocol.Chat{Agent: "assistant", Text: "hi"})

	started := recvEnvelope(t, conn)
	assert.Equal(t, protocol.TypeRunStarted, started.Type)

	chunk1 := recvEnvelope(t, conn)
	assert.Equal(t, protocol.TypeChatChunk, chunk1.Type)

	chunk2 := recvEnvelope(t, conn)
	assert.Equal(t, protocol.TypeChatChunk, chunk2.Type)

	done := recvEnvelope(t, conn)
	assert.Equal(t, protocol.TypeChatDone, done.Type)
}

func TestChatMissingAgentReturnsMissingParams(t *testing.T) {
	h := newTestHarness(t, &scriptedAdapter{deltas: []string{"x"}}, newAssistantPreset())
	conn := h.dial(t)

	sendEnvelope(t, conn, protocol.TypeChat, protocol.Chat{Text: "hi"})

	env := recvEnvelope(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)
	body, err := protocol.DecodeBody[protocol.Error](env)
	require.NoError(t, err)
	assert.Equal(t, "MISSING_PARAMS", body.Code)
}

func TestChatUnknownAgentReturnsAgentInvalid(t *testing.T) {
	h := newTestHarness(t, &scriptedAdapter{deltas: []string{"x"}}, newAssistantPreset())
	conn := h.dial(t)

	sendEnvelope(t, conn, protocol.TypeChat, protocol.Chat{Agent: "nope", Text: "hi"})

	env := recvEnvelope(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)
	body, err := protocol.DecodeBody[protocol.Error](env)
	require.NoError(t, err)
	assert.Equal(t, "AGENT_INVALID", body.Code)
}

func TestChatEmptyTextReturnsEmpty(t *testing.T) {
	h := newTestHarness(t, &scriptedAdapter{deltas: []string{"x"}}, newAssistantPreset())
	conn := h.dial(t)

	sendEnvelope(t, conn, protocol.TypeChat, protocol.Chat{Agent: "assistant", Text: "   "})

	env := recvEnvelope(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)
	body, err := protocol.DecodeBody[protocol.Error](env)
	require.NoError(t, err)
	assert.Equal(t, "EMPTY", body.Code)
}

func TestChatUnknownMemoryModeReturnsMemUnknown(t *testing.T) {
	h := newTestHarness(t, &scriptedAdapter{deltas: []string{"x"}}, newAssistantPreset())
	conn := h.dial(t)

	sendEnvelope(t, conn, protocol.TypeChat, protocol.Chat{Agent: "assistant", Text: "hi", MemMode: "bogus"})

	env := recvEnvelope(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)
	body, err := protocol.DecodeBody[protocol.Error](env)
	require.NoError(t, err)
	assert.Equal(t, "MEM_UNKNOWN", body.Code)
}

func TestChatThreadWindowWithoutThreadIDReturnsMemThreadRequired(t *testing.T) {
	h := newTestHarness(t, &scriptedAdapter{deltas: []string{"x"}}, newAssistantPreset())
	conn := h.dial(t)

	sendEnvelope(t, conn, protocol.TypeChat, protocol.Chat{Agent: "assistant", Text: "hi", MemMode: "thread_window"})

	env := recvEnvelope(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)
	body, err := protocol.DecodeBody[protocol.Error](env)
	require.NoError(t, err)
	assert.Equal(t, "MEM_THREAD_REQUIRED", body.Code)
}

func TestMalformedEnvelopeReturnsBadRequest(t *testing.T) {
	h := newTestHarness(t, &scriptedAdapter{deltas: []string{"x"}}, newAssistantPreset())
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0x00, 0x01}))

	env := recvEnvelope(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)
	body, err := protocol.DecodeBody[protocol.Error](env)
	require.NoError(t, err)
	assert.Equal(t, "BAD_REQUEST", body.Code)
}

func TestInterruptDuringChatEmitsInterruptedNotDone(t *testing.T) {
	h := newTestHarness(t, &scriptedAdapter{deltas: []string{"a", "b", "c"}, delay: 150 * time.Millisecond}, newAssistantPreset())
	conn := h.dial(t)

	sendEnvelope(t, conn, protocol.TypeChat, protocol.Chat{Agent: "assistant", Text: "hi"})
	started := recvEnvelope(t, conn)
	require.Equal(t, protocol.TypeRunStarted, started.Type)

	sendEnvelope(t, conn, protocol.TypeInterrupt, protocol.Interrupt{})

	var sawInterrupted bool
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		env := recvEnvelope(t, conn)
		if env.Type == protocol.TypeInterrupted {
			sawInterrupted = true
			break
		}
		if env.Type == protocol.TypeChatDone {
			t.Fatal("got ChatDone after interrupt, expected Interrupted")
		}
	}
	assert.True(t, sawInterrupted)
}

func TestJoinLeaveTTSMissingClientIDReturnsMissingParams(t *testing.T) {
	h := newTestHarness(t, &scriptedAdapter{deltas: []string{"x"}}, newAssistantPreset())
	conn := h.dial(t)

	sendEnvelope(t, conn, protocol.TypeJoinTTS, protocol.JoinTTS{})
	env := recvEnvelope(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)
	body, err := protocol.DecodeBody[protocol.Error](env)
	require.NoError(t, err)
	assert.Equal(t, "MISSING_PARAMS", body.Code)

	sendEnvelope(t, conn, protocol.TypeLeaveTTS, protocol.LeaveTTS{})
	env2 := recvEnvelope(t, conn)
	require.Equal(t, protocol.TypeError, env2.Type)
	body2, err := protocol.DecodeBody[protocol.Error](env2)
	require.NoError(t, err)
	assert.Equal(t, "MISSING_PARAMS", body2.Code)
}

func TestJoinLeaveSTTMissingParamsReturnsMissingParams(t *testing.T) {
	h := newTestHarness(t, &scriptedAdapter{deltas: []string{"x"}}, newAssistantPreset())
	conn := h.dial(t)

	sendEnvelope(t, conn, protocol.TypeJoinSTT, protocol.JoinSTT{Agent: "assistant"})
	env := recvEnvelope(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)
	body, err := protocol.DecodeBody[protocol.Error](env)
	require.NoError(t, err)
	assert.Equal(t, "MISSING_PARAMS", body.Code)

	sendEnvelope(t, conn, protocol.TypeLeaveSTT, protocol.LeaveSTT{})
	env2 := recvEnvelope(t, conn)
	require.Equal(t, protocol.TypeError, env2.Type)
	body2, err := protocol.DecodeBody[protocol.Error](env2)
	require.NoError(t, err)
	assert.Equal(t, "MISSING_PARAMS", body2.Code)
}

func TestLeaveTTSUnbindsClientFromIndex(t *testing.T) {
	h := newTestHarness(t, &scriptedAdapter{deltas: []string{"x"}}, newAssistantPreset())
	h.hub.ttsIndex.Store("c1", domain.TtsBinding{ClientID: "c1", SID: "some-sid"})

	conn := h.dial(t)
	sendEnvelope(t, conn, protocol.TypeLeaveTTS, protocol.LeaveTTS{ClientID: "c1"})

	env := recvEnvelope(t, conn)
	require.Equal(t, protocol.TypeTTSUnsubscribed, env.Type)

	_, ok := h.hub.ttsIndex.Load("c1")
	assert.False(t, ok)
}

func TestUnrecognizedMessageTypeReturnsBadRequest(t *testing.T) {
	h := newTestHarness(t, &scriptedAdapter{deltas: []string{"x"}}, newAssistantPreset())
	conn := h.dial(t)

	env := protocol.NewEnvelope("", protocol.MessageType(9999), struct{}{})
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))

	resp := recvEnvelope(t, conn)
	require.Equal(t, protocol.TypeError, resp.Type)
	body, err := protocol.DecodeBody[protocol.Error](resp)
	require.NoError(t, err)
	assert.Equal(t, "BAD_REQUEST", body.Code)
}
