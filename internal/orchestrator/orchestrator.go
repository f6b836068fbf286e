// Package orchestrator drives one generation from memory lookup through
// pool rental, stream fan-out, TTS coupling, and memory recording.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/logus2k/agent-gateway/internal/domain"
	"github.com/logus2k/agent-gateway/internal/engine"
	"github.com/logus2k/agent-gateway/internal/memory"
	"github.com/logus2k/agent-gateway/internal/pool"
	"github.com/logus2k/agent-gateway/internal/session"
	"github.com/logus2k/agent-gateway/internal/telemetry"
	"github.com/logus2k/agent-gateway/internal/tts"
)

// Emitter delivers Run lifecycle events to the originating session.
type Emitter interface {
	RunStarted(sid domain.SessionID, runID domain.RunID, agent string)
	ChatChunk(sid domain.SessionID, runID domain.RunID, chunk string)
	ChatDone(sid domain.SessionID, runID domain.RunID)
	Interrupted(sid domain.SessionID, runID domain.RunID)
	Error(sid domain.SessionID, runID domain.RunID, message string)
}

// TTSBinder resolves the client_id currently bound to a session for TTS
// forwarding, if any (a reverse lookup owned by the gateway event layer).
type TTSBinder interface {
	ClientIDFor(sid domain.SessionID) (domain.ClientID, bool)
}

// Orchestrator is the single entry point for running one generation.
type Orchestrator struct {
	Pool      *pool.Pool
	Memory    *memory.Registry
	TTS       *tts.Manager
	Emit      Emitter
	TTSBinder TTSBinder

	// RequestTimeout wraps the streaming phase; zero disables it.
	RequestTimeout time.Duration
}

// runHandle satisfies session.RunHandle so the Session Registry can await
// this run's completion on disconnect.
type runHandle struct {
	done chan struct{}
}

func newRunHandle() *runHandle             { return &runHandle{done: make(chan struct{})} }
func (h *runHandle) Done() <-chan struct{} { return h.done }
func (h *runHandle) finish()               { close(h.done) }

// Run drives one generation end to end: memory lookup, busy check, pool
// rental, stream fan-out with TTS coupling, and memory recording on
// success. memMode is either
// domain.MemoryNone, domain.MemoryThreadWindow, or "" (meaning "use the
// preset's policy").
func (o *Orchestrator) Run(ctx context.Context, sess *session.Session, sid domain.SessionID, text string, preset *domain.AgentPreset, memMode domain.MemoryPolicy, threadID domain.ThreadID) error {
	// Step 1: resolve memory strategy.
	effectiveMode := memMode
	if effectiveMode == "" {
		effectiveMode = preset.MemoryPolicy
	}

	var mem memory.Strategy
	if effectiveMode != domain.MemoryNone {
		if effectiveMode != domain.MemoryThreadWindow {
			return fmt.Errorf("%w: unknown memory mode %q", domain.ErrBadConfig, effectiveMode)
		}
		if threadID == "" {
			return fmt.Errorf("%w: thread_window requires thread_id", domain.ErrBadConfig)
		}
		strategy, ok := o.Memory.Get(string(effectiveMode))
		if !ok {
			return fmt.Errorf("%w: %q", domain.ErrBadConfig, effectiveMode)
		}
		mem = strategy
	}

	// Step 2: busy check (Busy pre-check, then the check-and-install inside
	// TryBeginRun; both take the session lock).
	if sess.Busy() {
		return domain.ErrBusy
	}
	handle := newRunHandle()
	if !sess.TryBeginRun(handle) {
		return domain.ErrBusy
	}
	defer func() {
		handle.finish()
		sess.EndRun(handle)
	}()

	// Step 3: reset cancel, assign run id, announce.
	sess.Cancel.Clear()
	runID := domain.NewRunID()
	run := domain.NewRun(runID, sid, preset.Name, effectiveMode, threadID)
	log := slog.With("session_id", sid, "run_id", runID, "agent", preset.Name)
	telemetry.RunsActive.Inc()
	defer telemetry.RunsActive.Dec()

	o.Emit.RunStarted(sid, runID, preset.Name)
	started := time.Now()

	// Step 4: pre-emptively stop any lingering TTS playback for this sid.
	if clientID, ok := o.TTSBinder.ClientIDFor(sid); ok {
		if err := o.TTS.StopGeneration(ctx, clientID); err != nil {
			log.Warn("pre-emptive tts stop failed", "error", err)
		}
	}

	// Step 5: compute preamble, append user turn before generation.
	var preamble string
	if mem != nil {
		preamble, _ = mem.Preamble(string(threadID))
		mem.OnUserMessage(string(threadID), text)
	}

	disposition, failErr := o.stream(ctx, sess, sid, run, preset, preamble, text)
	telemetry.RunDuration.Observe(time.Since(started).Seconds())

	switch disposition {
	case domain.RunInterrupted:
		log.Info("run interrupted")
		telemetry.RunsTotal.WithLabelValues("interrupted").Inc()
		o.Emit.Interrupted(sid, runID)
	case domain.RunTimeout:
		log.Warn("run timed out")
		telemetry.RunsTotal.WithLabelValues("timeout").Inc()
		o.Emit.Error(sid, runID, fmt.Sprintf("Timeout after %ds", int(o.RequestTimeout.Seconds())))
	case domain.RunError:
		log.Error("run failed", "error", failErr)
		telemetry.RunsTotal.WithLabelValues("error").Inc()
		o.Emit.Error(sid, runID, failErr.Error())
	case domain.RunDone:
		telemetry.RunsTotal.WithLabelValues("done").Inc()
		if mem != nil {
			mem.OnAssistantMessage(string(threadID), run.AssistantText())
		}
		o.Emit.ChatDone(sid, runID)
	}

	return nil
}

// stream performs step 6-8: acquire a Worker, fan out deltas, apply the
// optional timeout, and determine the terminal disposition.
func (o *Orchestrator) stream(ctx context.Context, sess *session.Session, sid domain.SessionID, run *domain.Run, preset *domain.AgentPreset, preamble, text string) (domain.RunState, error) {
	run.SetState(domain.RunStreaming)

	lease, err := o.Pool.Acquire(ctx)
	if err != nil {
		o.stopTTS(ctx, sid)
		run.SetState(domain.RunError)
		return domain.RunError, err
	}
	defer lease.Release()

	streamCtx := ctx
	var cancelTimeout context.CancelFunc
	if o.RequestTimeout > 0 {
		streamCtx, cancelTimeout = context.WithTimeout(ctx, o.RequestTimeout)
		defer cancelTimeout()
	}

	req := engine.GenerateRequest{
		UserText:          text,
		Cancel:            sess.Cancel,
		SystemPromptText:  preset.SystemPrompt,
		SamplingOverrides: preset.ParamsOverride,
		Preamble:          preamble,
	}

	deltas, err := lease.Worker.Engine.GenerateStream(streamCtx, req)
	if err != nil {
		o.stopTTS(ctx, sid)
		run.SetState(domain.RunError)
		return domain.RunError, err
	}

	clientID, hasTTS := o.TTSBinder.ClientIDFor(sid)

	for delta := range deltas {
		if delta.Err != nil {
			if errors.Is(delta.Err, context.DeadlineExceeded) && ctx.Err() == nil {
				sess.Cancel.Set()
				o.stopTTS(ctx, sid)
				run.SetState(domain.RunTimeout)
				return domain.RunTimeout, fmt.Errorf("%w: Timeout after %ds", domain.ErrTimeout, int(o.RequestTimeout.Seconds()))
			}
			if sess.Cancel.IsSet() {
				o.stopTTS(ctx, sid)
				run.SetState(domain.RunInterrupted)
				return domain.RunInterrupted, nil
			}
			o.stopTTS(ctx, sid)
			run.SetState(domain.RunError)
			return domain.RunError, delta.Err
		}
		if delta.Text != "" {
			run.AppendDelta(delta.Text)
			o.Emit.ChatChunk(sid, run.ID, delta.Text)
			telemetry.ChatChunksTotal.Inc()
			if hasTTS {
				if err := o.TTS.SendTextChunk(ctx, clientID, delta.Text, false); err != nil {
					slog.Warn("tts forward failed", "session_id", sid, "error", err)
				}
			}
		}
		if delta.Done {
			break
		}
	}

	if streamCtx.Err() != nil && ctx.Err() == nil {
		// The per-request timeout fired, not the caller's context.
		sess.Cancel.Set()
		o.stopTTS(ctx, sid)
		run.SetState(domain.RunTimeout)
		return domain.RunTimeout, fmt.Errorf("%w: Timeout after %ds", domain.ErrTimeout, int(o.RequestTimeout.Seconds()))
	}

	if sess.Cancel.IsSet() {
		o.stopTTS(ctx, sid)
		run.SetState(domain.RunInterrupted)
		return domain.RunInterrupted, nil
	}

	if hasTTS {
		if err := o.TTS.SendTextChunk(ctx, clientID, "", true); err != nil {
			slog.Warn("tts final flush failed", "session_id", sid, "error", err)
		}
	}
	run.SetState(domain.RunDone)
	return domain.RunDone, nil
}

func (o *Orchestrator) stopTTS(ctx context.Context, sid domain.SessionID) {
	if clientID, ok := o.TTSBinder.ClientIDFor(sid); ok {
		if err := o.TTS.StopGeneration(ctx, clientID); err != nil {
			slog.Warn("tts stop failed", "session_id", sid, "error", err)
		}
	}
}
