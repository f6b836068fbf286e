package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeEncodeDecodeRoundTrip(t *testing.T) {
	env := NewEnvelope("sess-1", TypeChat, Chat{Agent: "router", Text: "hello"})
	env.TraceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	env.SpanID = "00f067aa0ba902b7"

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)

	assert.Equal(t, env.SessionID, decoded.SessionID)
	assert.Equal(t, TypeChat, decoded.Type)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-00", decoded.TraceParent())

	body, err := DecodeBody[Chat](decoded)
	require.NoError(t, err)
	assert.Equal(t, "router", body.Agent)
	assert.Equal(t, "hello", body.Text)
}

func TestDecodeBodyHandlesJoinSTT(t *testing.T) {
	env := NewEnvelope("sess-1", TypeJoinSTT, JoinSTT{SttURL: "ws://stt", ClientID: "c1", Agent: "topic"})
	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)

	body, err := DecodeBody[JoinSTT](decoded)
	require.NoError(t, err)
	assert.Equal(t, "c1", body.ClientID)
}

func TestNewRouterErrorShape(t *testing.T) {
	r := NewRouterError("boom")
	assert.Equal(t, "ERROR", r["Operation"])
	assert.Equal(t, "boom", r["Reason"])
}
