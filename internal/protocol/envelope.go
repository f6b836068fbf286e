// Package protocol defines the msgpack wire envelope and message bodies
// exchanged between the gateway and browser clients / STT / TTS upstreams.
package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Envelope wraps every wire message with routing/tracing metadata; Body
// carries the type-specific payload keyed off Type.
type Envelope struct {
	SessionID string      `msgpack:"session_id,omitempty"`
	RunID     string      `msgpack:"run_id,omitempty"`
	Type      MessageType `msgpack:"type"`
	Body      any         `msgpack:"body"`

	TraceID    string `msgpack:"trace_id,omitempty"`
	SpanID     string `msgpack:"span_id,omitempty"`
	TraceFlags byte   `msgpack:"trace_flags,omitempty"`
	UserID     string `msgpack:"user_id,omitempty"`
}

func (e *Envelope) HasTraceContext() bool {
	return e.TraceID != "" && e.SpanID != ""
}

// TraceParent renders the W3C traceparent header value, or "" when no
// trace context is attached.
func (e *Envelope) TraceParent() string {
	if !e.HasTraceContext() {
		return ""
	}
	return fmt.Sprintf("00-%s-%s-%02x", e.TraceID, e.SpanID, e.TraceFlags)
}

// NewEnvelope builds an Envelope for sessionID carrying body under msgType.
func NewEnvelope(sessionID string, msgType MessageType, body any) *Envelope {
	return &Envelope{SessionID: sessionID, Type: msgType, Body: body}
}

func (e *Envelope) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// DecodeBody converts e.Body (typically a map[string]any after msgpack
// decoding) into a concrete T by round-tripping through msgpack.
func DecodeBody[T any](e *Envelope) (*T, error) {
	if typed, ok := e.Body.(T); ok {
		return &typed, nil
	}

	data, err := msgpack.Marshal(e.Body)
	if err != nil {
		return nil, fmt.Errorf("re-encode body: %w", err)
	}

	var result T
	if err := msgpack.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode body to %T: %w", result, err)
	}
	return &result, nil
}
