// Package session implements the per-connection Session Registry:
// single-inflight enforcement, cooperative cancellation, and disconnect
// cleanup.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/logus2k/agent-gateway/internal/domain"
)

// disconnectGrace bounds how long Disconnect waits for an in-flight run to
// observe cancellation before giving up.
const disconnectGrace = time.Second

// interruptGrace bounds how long Interrupt waits for the current run to
// observe cancellation before giving up.
const interruptGrace = 2 * time.Second

// RunHandle is the minimal shape the registry needs from an in-flight
// orchestration: something it can wait on for completion.
type RunHandle interface {
	Done() <-chan struct{}
}

// Session is a single browser connection's run state: its cancel signal,
// a lock serialising run acceptance, and a handle to the current run if
// any.
type Session struct {
	ID     domain.SessionID
	Cancel *domain.CancelSignal

	mu      sync.Mutex
	current RunHandle
}

func newSession(id domain.SessionID) *Session {
	return &Session{ID: id, Cancel: domain.NewCancelSignal()}
}

// TryBeginRun atomically checks for an in-flight run and, if none, installs
// handle as the current one. Returns false if a run is already active —
// callers must reply BUSY without retry.
func (s *Session) TryBeginRun(handle RunHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && !isDone(s.current) {
		return false
	}
	s.current = handle
	return true
}

// Busy reports whether a run is currently active. It takes the session
// lock only for the read and installs nothing — a cheap pre-check before
// the check-and-install in TryBeginRun.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && !isDone(s.current)
}

// EndRun clears the current run handle if it still matches handle. A run
// that was superseded (should not normally happen, single-inflight is
// enforced) leaves the newer handle untouched.
func (s *Session) EndRun(handle RunHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == handle {
		s.current = nil
	}
}

// Interrupt sets the cancel flag and awaits the current run's completion
// up to interruptGrace, without removing the Session from its registry.
// A no-op (beyond setting the flag) if no run is active.
func (s *Session) Interrupt(ctx context.Context) {
	s.Cancel.Set()

	s.mu.Lock()
	handle := s.current
	s.mu.Unlock()
	if handle == nil {
		return
	}

	timer := time.NewTimer(interruptGrace)
	defer timer.Stop()
	select {
	case <-handle.Done():
	case <-timer.C:
		slog.Warn("interrupt grace period elapsed, run still in flight", "session_id", s.ID)
	case <-ctx.Done():
	}
}

func isDone(h RunHandle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

// Registry owns all live Sessions: the sole authority on their creation
// and destruction.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.SessionID]*Session)}
}

// Connect allocates and registers a new Session.
func (r *Registry) Connect(id domain.SessionID) *Session {
	s := newSession(id)
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

// Get looks up a live Session.
func (r *Registry) Get(id domain.SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Disconnect removes the Session, sets its cancel flag, and best-effort
// awaits any in-flight run for disconnectGrace before giving up.
func (r *Registry) Disconnect(ctx context.Context, id domain.SessionID) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	s.Cancel.Set()

	s.mu.Lock()
	handle := s.current
	s.mu.Unlock()
	if handle == nil {
		return
	}

	timer := time.NewTimer(disconnectGrace)
	defer timer.Stop()
	select {
	case <-handle.Done():
	case <-timer.C:
		slog.Warn("session disconnect grace period elapsed, abandoning run", "session_id", id)
	case <-ctx.Done():
	}
}
