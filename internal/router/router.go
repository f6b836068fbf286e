// Package router implements the fire-and-forget classification pass that
// runs alongside the main generation.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/sourcegraph/conc/panics"

	"github.com/logus2k/agent-gateway/internal/domain"
	"github.com/logus2k/agent-gateway/internal/engine"
	"github.com/logus2k/agent-gateway/internal/pool"
	"github.com/logus2k/agent-gateway/internal/protocol"
	"github.com/logus2k/agent-gateway/internal/telemetry"
)

// Emitter delivers a RouterResult to the session that originated the
// dispatch. Implemented by the gateway event layer.
type Emitter func(sid domain.SessionID, result protocol.RouterResult)

// Dispatcher runs the "router" preset against accepted input, independent
// of any main Run's cancel flag, and emits the parsed JSON object (or an
// error fallback) back to the originating session.
type Dispatcher struct {
	pool    *pool.Pool
	preset  *domain.AgentPreset
	emit    Emitter
}

// NewDispatcher returns nil if preset is nil, matching the
// "router preset must exist if router dispatch is enabled" precondition —
// callers check for nil and treat router dispatch as disabled.
func NewDispatcher(p *pool.Pool, preset *domain.AgentPreset, emit Emitter) *Dispatcher {
	if preset == nil {
		return nil
	}
	return &Dispatcher{pool: p, preset: preset, emit: emit}
}

// Dispatch schedules an independent orchestration using the router preset
// with memory disabled and returns immediately; the result (or error) is
// delivered asynchronously via Emitter. Never blocks the caller and never
// propagates a panic past this call: the router must never kill the main run.
func (d *Dispatcher) Dispatch(ctx context.Context, sid domain.SessionID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	runID := domain.NewRouterRunID()
	log := slog.With("run_id", runID, "session_id", sid)

	go func() {
		var catcher panics.Catcher
		catcher.Try(func() {
			d.run(ctx, sid, runID, text, log)
		})
		if recovered := catcher.Recovered(); recovered != nil {
			log.Error("router dispatch panicked", "panic", recovered.AsError())
			telemetry.RouterDispatchTotal.WithLabelValues("error").Inc()
			d.emit(sid, protocol.NewRouterError(recovered.AsError().Error()))
		}
	}()
}

func (d *Dispatcher) run(ctx context.Context, sid domain.SessionID, runID domain.RunID, text string, log *slog.Logger) {
	log.Debug("router dispatch start")

	lease, err := d.pool.Acquire(ctx)
	if err != nil {
		d.fail(sid, err, log)
		return
	}
	defer lease.Release()

	req := engine.GenerateRequest{
		UserText:          text,
		Cancel:            domain.NeverCancel(),
		SystemPromptText:  d.preset.SystemPrompt,
		SamplingOverrides: d.preset.ParamsOverride,
	}

	deltas, err := lease.Worker.Engine.GenerateStream(ctx, req)
	if err != nil {
		d.fail(sid, err, log)
		return
	}

	var sb strings.Builder
	for delta := range deltas {
		if delta.Err != nil {
			d.fail(sid, delta.Err, log)
			return
		}
		sb.WriteString(delta.Text)
	}

	full := strings.TrimSpace(sb.String())
	var obj map[string]any
	if err := json.Unmarshal([]byte(full), &obj); err != nil {
		d.fail(sid, err, log)
		return
	}

	log.Info("router dispatch complete", "keys", len(obj))
	telemetry.RouterDispatchTotal.WithLabelValues("ok").Inc()
	d.emit(sid, protocol.RouterResult(obj))
}

func (d *Dispatcher) fail(sid domain.SessionID, err error, log *slog.Logger) {
	log.Warn("router dispatch failed", "error", err)
	telemetry.RouterDispatchTotal.WithLabelValues("error").Inc()
	d.emit(sid, protocol.NewRouterError(err.Error()))
}
