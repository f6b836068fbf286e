// Package gateway implements the browser-facing event layer: envelope
// validation, the client_id/client_tts_id registries, and the binding
// from inbound events to the Orchestrator, STT Manager, TTS Manager, and
// Router Dispatcher.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/logus2k/agent-gateway/internal/domain"
	"github.com/logus2k/agent-gateway/internal/orchestrator"
	"github.com/logus2k/agent-gateway/internal/protocol"
	"github.com/logus2k/agent-gateway/internal/router"
	"github.com/logus2k/agent-gateway/internal/session"
	"github.com/logus2k/agent-gateway/internal/stt"
	"github.com/logus2k/agent-gateway/internal/tts"
)

const writeTimeout = 10 * time.Second

// connState pairs a live connection with the write-serialising lock
// gorilla/websocket requires: at most one writer goroutine per Conn.
type connState struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Hub owns every live browser connection plus the two process-wide
// client_id indices. Reads and writes to the indices come from many
// goroutines at once (transcript dispatch, JoinSTT/JoinTTS handlers,
// disconnect cleanup), so they use xsync.MapOf rather than the plain
// map+mutex the rest of this codebase favors for single-writer
// registries.
type Hub struct {
	sessions     *session.Registry
	orchestrator *orchestrator.Orchestrator
	router       *router.Dispatcher
	stt          *stt.Manager
	tts          *tts.Manager
	presets      map[string]*domain.AgentPreset

	mu    sync.RWMutex
	conns map[domain.SessionID]*connState

	clientIndex *xsync.MapOf[domain.ClientID, domain.SttSubscription]
	ttsIndex    *xsync.MapOf[domain.ClientID, domain.TtsBinding]
}

// NewHub wires the event layer to its collaborators. presets is keyed by
// lowercased, trimmed agent name, matching config.LoadPresets.
func NewHub(sessions *session.Registry, orc *orchestrator.Orchestrator, rtr *router.Dispatcher, sttMgr *stt.Manager, ttsMgr *tts.Manager, presets map[string]*domain.AgentPreset) *Hub {
	h := &Hub{
		sessions:     sessions,
		orchestrator: orc,
		router:       rtr,
		stt:          sttMgr,
		tts:          ttsMgr,
		presets:      presets,
		conns:        make(map[domain.SessionID]*connState),
		clientIndex:  xsync.NewMapOf[domain.ClientID, domain.SttSubscription](),
		ttsIndex:     xsync.NewMapOf[domain.ClientID, domain.TtsBinding](),
	}
	if orc != nil {
		orc.TTSBinder = h
	}
	return h
}

func (h *Hub) register(sid domain.SessionID, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[sid] = &connState{conn: conn}
}

func (h *Hub) unregister(sid domain.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, sid)
}

// cleanupClientIndices drops every client_id / client_tts_id index entry
// owned by sid on disconnect.
func (h *Hub) cleanupClientIndices(sid domain.SessionID) {
	var sttOrphans []domain.SttSubscription
	h.clientIndex.Range(func(clientID domain.ClientID, sub domain.SttSubscription) bool {
		if sub.SID == sid {
			sttOrphans = append(sttOrphans, sub)
		}
		return true
	})
	for _, sub := range sttOrphans {
		h.clientIndex.Delete(sub.ClientID)
		h.stt.Unsubscribe(sub.SttURL, sub.ClientID)
	}

	var ttsOrphans []domain.ClientID
	h.ttsIndex.Range(func(clientID domain.ClientID, binding domain.TtsBinding) bool {
		if binding.SID == sid {
			ttsOrphans = append(ttsOrphans, clientID)
		}
		return true
	})
	for _, clientID := range ttsOrphans {
		h.ttsIndex.Delete(clientID)
	}
}

// ClientIDFor implements orchestrator.TTSBinder: the client_id currently
// bound to sid in the TTS index, if any.
func (h *Hub) ClientIDFor(sid domain.SessionID) (domain.ClientID, bool) {
	var found domain.ClientID
	ok := false
	h.ttsIndex.Range(func(clientID domain.ClientID, binding domain.TtsBinding) bool {
		if binding.SID == sid {
			found, ok = clientID, true
			return false
		}
		return true
	})
	return found, ok
}

func (h *Hub) sendEnvelope(sid domain.SessionID, msgType protocol.MessageType, body any) {
	h.mu.RLock()
	cs := h.conns[sid]
	h.mu.RUnlock()
	if cs == nil {
		return
	}

	env := protocol.NewEnvelope(string(sid), msgType, body)
	data, err := env.Encode()
	if err != nil {
		slog.Error("gateway: encode envelope failed", "session_id", sid, "type", msgType, "error", err)
		return
	}

	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	cs.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := cs.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		slog.Warn("gateway: send failed", "session_id", sid, "type", msgType, "error", err)
	}
}

func (h *Hub) sendError(sid domain.SessionID, code, message string) {
	h.sendEnvelope(sid, protocol.TypeError, protocol.Error{Code: code, Message: message})
}

// The following methods implement orchestrator.Emitter.

func (h *Hub) RunStarted(sid domain.SessionID, runID domain.RunID, agent string) {
	h.sendEnvelope(sid, protocol.TypeRunStarted, protocol.RunStarted{RunID: string(runID), Agent: agent})
}

func (h *Hub) ChatChunk(sid domain.SessionID, runID domain.RunID, chunk string) {
	h.sendEnvelope(sid, protocol.TypeChatChunk, protocol.ChatChunk{RunID: string(runID), Chunk: chunk})
}

func (h *Hub) ChatDone(sid domain.SessionID, runID domain.RunID) {
	h.sendEnvelope(sid, protocol.TypeChatDone, protocol.ChatDone{RunID: string(runID)})
}

func (h *Hub) Interrupted(sid domain.SessionID, runID domain.RunID) {
	h.sendEnvelope(sid, protocol.TypeInterrupted, protocol.Interrupted{RunID: string(runID)})
}

func (h *Hub) Error(sid domain.SessionID, runID domain.RunID, message string) {
	h.sendEnvelope(sid, protocol.TypeError, protocol.Error{RunID: string(runID), Message: message})
}

// emitRouterResult matches router.Emitter's signature and is passed to
// router.NewDispatcher by the caller that wires this Hub up.
func (h *Hub) emitRouterResult(sid domain.SessionID, result protocol.RouterResult) {
	h.sendEnvelope(sid, protocol.TypeRouterResult, result)
}

// RouterEmitter exposes emitRouterResult as a router.Emitter value.
func (h *Hub) RouterEmitter() router.Emitter {
	return h.emitRouterResult
}

// HandleTranscript implements stt.TranscriptHandler: look up the owning
// subscription, announce the transcript, fire the Router Dispatcher, and
// invoke the Run Orchestrator with the subscription's preset, memory
// policy, and thread id.
func (h *Hub) HandleTranscript(clientID domain.ClientID, text string, duration float64, sttURL string) {
	sub, ok := h.clientIndex.Load(clientID)
	if !ok {
		return
	}

	h.sendEnvelope(sub.SID, protocol.TypeUserTranscript, protocol.UserTranscript{
		ClientID: string(clientID),
		ThreadID: string(sub.ThreadID),
		Text:     text,
		Final:    true,
		Duration: duration,
		Ts:       time.Now().UnixMilli(),
	})

	if h.router != nil {
		h.router.Dispatch(context.Background(), sub.SID, text)
	}

	sess, ok := h.sessions.Get(sub.SID)
	if !ok {
		return
	}
	preset, ok := h.presets[sub.Agent]
	if !ok {
		return
	}
	go func() {
		if err := h.orchestrator.Run(context.Background(), sess, sub.SID, text, preset, "", sub.ThreadID); err != nil {
			h.sendError(sub.SID, codeForRunError(err), err.Error())
		}
	}()
}
