// Package engine wraps a language model as a cancellable, bounded-buffer
// stream of text deltas.
package engine

import (
	"context"

	"github.com/logus2k/agent-gateway/internal/domain"
)

// GenerateRequest carries everything needed to resolve the effective
// prompt and sampling parameters for one generation call.
type GenerateRequest struct {
	UserText          string
	Cancel            *domain.CancelSignal
	SystemPromptPath  string
	SystemPromptText  string
	SamplingOverrides domain.SamplingOverrides
	Preamble          string
}

// Delta is one tagged item flowing out of a generation stream: either a
// non-empty text fragment, a terminal error, or plain end-of-stream (Done
// with no error). At most one of Err/Done carries meaning per item; Text
// deltas always carry Done=false and Err=nil.
type Delta struct {
	Text string
	Err  error
	Done bool
}

// Adapter is implemented by anything that can turn a prompt into a stream
// of text deltas. The returned channel has capacity 256 and is always
// closed by the producer, with a final Done (or Err) item preceding
// closure.
type Adapter interface {
	GenerateStream(ctx context.Context, req GenerateRequest) (<-chan Delta, error)
}

// bufferCapacity is the bounded handoff buffer size between the blocking
// producer and the async consumer.
const bufferCapacity = 256
