package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logus2k/agent-gateway/internal/domain"
	"github.com/logus2k/agent-gateway/internal/engine"
	"github.com/logus2k/agent-gateway/internal/memory"
	"github.com/logus2k/agent-gateway/internal/pool"
	"github.com/logus2k/agent-gateway/internal/session"
	"github.com/logus2k/agent-gateway/internal/tts"
)

// scriptedAdapter streams a fixed set of deltas, honoring cancellation
// between each one the way the real engine bridge does.
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

// noBinding always reports no TTS binding, so the orchestrator skips TTS
// forwarding entirely.
type noBinding struct{}

func (noBinding) ClientIDFor(domain.SessionID) (domain.ClientID, bool) { return "", false }

type recordingEmitter struct {
	mu          sync.Mutex
	started     []domain.RunID
	chunks      []string
	done        []domain.RunID
	interrupted []domain.RunID
	errors      []string
}

func (e *recordingEmitter) RunStarted(sid domain.SessionID, runID domain.RunID, agent string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, runID)
}

func (e *recordingEmitter) ChatChunk(sid domain.SessionID, runID domain.RunID, chunk string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chunks = append(e.chunks, chunk)
}

func (e *recordingEmitter) ChatDone(sid domain.SessionID, runID domain.RunID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done = append(e.done, runID)
}

func (e *recordingEmitter) Interrupted(sid domain.SessionID, runID domain.RunID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interrupted = append(e.interrupted, runID)
}

func (e *recordingEmitter) Error(sid domain.SessionID, runID domain.RunID, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = append(e.errors, message)
}

func newPreset() *domain.AgentPreset {
	return &domain.AgentPreset{Name: "assistant", MemoryPolicy: domain.MemoryNone}
}

func TestRunSuccessEmitsChunksThenDone(t *testing.T) {
	emitter := &recordingEmitter{}
	orc := &Orchestrator{
		Pool:      newTestPool(t, &scriptedAdapter{deltas: []string{"Hel", "lo"}}),
		Memory:    memory.NewRegistry(),
		TTS:       tts.NewManager("ws://unused"),
		Emit:      emitter,
		TTSBinder: noBinding{},
	}
	reg := session.NewRegistry()
	sess := reg.Connect("sid-1")

	err := orc.Run(context.Background(), sess, "sid-1", "hi", newPreset(), "", "")
	require.NoError(t, err)

	assert.Len(t, emitter.started, 1)
	assert.Equal(t, []string{"Hel", "lo"}, emitter.chunks)
	assert.Len(t, emitter.done, 1)
	assert.Empty(t, emitter.interrupted)
	assert.Empty(t, emitter.errors)
}

func TestRunRejectsWhenBusy(t *testing.T) {
	emitter := &recordingEmitter{}
	orc := &Orchestrator{
		Pool:      newTestPool(t, &scriptedAdapter{deltas: []string{"a"}, delay: 50 * time.Millisecond}),
		Memory:    memory.NewRegistry(),
		TTS:       tts.NewManager("ws://unused"),
		Emit:      emitter,
		TTSBinder: noBinding{},
	}
	reg := session.NewRegistry()
	sess := reg.Connect("sid-2")

	go orc.Run(context.Background(), sess, "sid-2", "first", newPreset(), "", "")
	require.Eventually(t, func() bool { return sess.Busy() }, time.Second, time.Millisecond)

	err := orc.Run(context.Background(), sess, "sid-2", "second", newPreset(), "", "")
	assert.ErrorIs(t, err, domain.ErrBusy)
}

func TestRunInterruptedEmitsInterruptedNotChatDone(t *testing.T) {
	emitter := &recordingEmitter{}
	orc := &Orchestrator{
		Pool:      newTestPool(t, &scriptedAdapter{deltas: []string{"a", "b", "c"}, delay: 100 * time.Millisecond}),
		Memory:    memory.NewRegistry(),
		TTS:       tts.NewManager("ws://unused"),
		Emit:      emitter,
		TTSBinder: noBinding{},
	}
	reg := session.NewRegistry()
	sess := reg.Connect("sid-3")

	runDone := make(chan struct{})
	go func() {
		orc.Run(context.Background(), sess, "sid-3", "hi", newPreset(), "", "")
		close(runDone)
	}()

	time.Sleep(20 * time.Millisecond)
	sess.Cancel.Set()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after cancel")
	}

	assert.Len(t, emitter.interrupted, 1)
	assert.Empty(t, emitter.done)
}

func TestRunTimeoutEmitsExactMessage(t *testing.T) {
	emitter := &recordingEmitter{}
	orc := &Orchestrator{
		Pool:           newTestPool(t, &scriptedAdapter{deltas: []string{"a"}, delay: time.Second}),
		Memory:         memory.NewRegistry(),
		TTS:            tts.NewManager("ws://unused"),
		Emit:           emitter,
		TTSBinder:      noBinding{},
		RequestTimeout: 30 * time.Millisecond,
	}
	reg := session.NewRegistry()
	sess := reg.Connect("sid-4")

	err := orc.Run(context.Background(), sess, "sid-4", "hi", newPreset(), "", "")
	require.NoError(t, err)

	require.Len(t, emitter.errors, 1)
	assert.Equal(t, "Timeout after 0s", emitter.errors[0])
	assert.True(t, sess.Cancel.IsSet())
}

func TestRunWithThreadWindowMemoryRecordsTurnsOnlyOnSuccess(t *testing.T) {
	mem := memory.NewRegistry()
	mem.Register(memory.NewThreadWindowMemory(4096))

	emitter := &recordingEmitter{}
	orc := &Orchestrator{
		Pool:      newTestPool(t, &scriptedAdapter{deltas: []string{"hi there"}}),
		Memory:    mem,
		TTS:       tts.NewManager("ws://unused"),
		Emit:      emitter,
		TTSBinder: noBinding{},
	}
	reg := session.NewRegistry()
	sess := reg.Connect("sid-5")
	preset := newPreset()
	preset.MemoryPolicy = domain.MemoryThreadWindow

	err := orc.Run(context.Background(), sess, "sid-5", "hello", preset, "", "thread-1")
	require.NoError(t, err)

	strategy, ok := mem.Get("thread_window")
	require.True(t, ok)
	preamble, has := strategy.Preamble("thread-1")
	require.True(t, has)
	assert.Contains(t, preamble, "hello")
	assert.Contains(t, preamble, "hi there")
}

func TestRunRejectsThreadWindowWithoutThreadID(t *testing.T) {
	mem := memory.NewRegistry()
	mem.Register(memory.NewThreadWindowMemory(4096))

	orc := &Orchestrator{
		Pool:      newTestPool(t, &scriptedAdapter{deltas: []string{"x"}}),
		Memory:    mem,
		TTS:       tts.NewManager("ws://unused"),
		Emit:      &recordingEmitter{},
		TTSBinder: noBinding{},
	}
	reg := session.NewRegistry()
	sess := reg.Connect("sid-6")
	preset := newPreset()
	preset.MemoryPolicy = domain.MemoryThreadWindow

	err := orc.Run(context.Background(), sess, "sid-6", "hello", preset, "", "")
	assert.ErrorIs(t, err, domain.ErrBadConfig)
}
