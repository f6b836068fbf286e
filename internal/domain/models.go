package domain

import (
	"sync"
	"sync/atomic"
)

// MemoryPolicy selects which memory strategy a preset or a Chat request
// asks the Run Orchestrator to apply.
type MemoryPolicy string

const (
	MemoryNone         MemoryPolicy = "none"
	MemoryThreadWindow MemoryPolicy = "thread_window"
)

// SamplingOverrides carries the recognized per-request generation
// parameters. Pointers distinguish "not set" from the zero value
// so merging with baseline params only overwrites what the caller sent.
type SamplingOverrides struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MinP        *float64 `json:"min_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// AgentPreset is an immutable record loaded at startup from a preset file.
type AgentPreset struct {
	Name           string
	SystemPrompt   string
	ParamsOverride SamplingOverrides
	MemoryPolicy   MemoryPolicy
}

// RunState is the terminal-or-not disposition of a Run.
type RunState int

const (
	RunAccepted RunState = iota
	RunStreaming
	RunDone
	RunInterrupted
	RunTimeout
	RunError
)

// Run is the ephemeral record of one generation attempt.
type Run struct {
	ID        RunID
	SessionID SessionID
	AgentName string
	MemMode   MemoryPolicy
	ThreadID  ThreadID

	mu    sync.Mutex
	state RunState
	buf   []byte
}

func NewRun(id RunID, sid SessionID, agent string, mem MemoryPolicy, thread ThreadID) *Run {
	return &Run{ID: id, SessionID: sid, AgentName: agent, MemMode: mem, ThreadID: thread, state: RunAccepted}
}

func (r *Run) AppendDelta(delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, delta...)
}

func (r *Run) AssistantText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}

func (r *Run) SetState(s RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// CancelSignal is a level-triggered, poll-based cancellation flag shared
// between a Run's originating Session and every component streaming on its
// behalf (engine adapter, TTS forwarding, timeout watchdog).
type CancelSignal struct {
	flag atomic.Bool
}

func NewCancelSignal() *CancelSignal { return &CancelSignal{} }

func (c *CancelSignal) Set()          { c.flag.Store(true) }
func (c *CancelSignal) IsSet() bool   { return c.flag.Load() }
func (c *CancelSignal) Clear()        { c.flag.Store(false) }

// neverCancel is shared by every Router Dispatcher run: constructed once,
// never set, satisfying the engine's cancel-signal parameter without ever
// actually cancelling a classification in flight.
var neverCancel = NewCancelSignal()

// NeverCancel returns the process-wide signal that the Router Dispatcher
// passes to the engine so a user interrupt can never poison a routing run.
func NeverCancel() *CancelSignal { return neverCancel }

// SttSubscription is the tuple recorded per client_id in the global
// client_id index.
type SttSubscription struct {
	ClientID ClientID
	SID      SessionID
	Agent    string
	ThreadID ThreadID
	SttURL   string
}

// TtsBinding is the tuple recorded per client_id in the TTS client index.
type TtsBinding struct {
	ClientID ClientID
	SID      SessionID
	Voice    string
	Speed    float64
}
