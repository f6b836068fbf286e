package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/logus2k/agent-gateway/internal/circuitbreaker"
	"github.com/logus2k/agent-gateway/internal/domain"
)

// Service is the default Adapter: an OpenAI-compatible streaming client
// guarded by a circuit breaker, with the prompt-resolution and
// cancellation semantics layered on top.
type Service struct {
	client      *Client
	breaker     *circuitbreaker.CircuitBreaker
	defaultSys  string
	defaultGen  chatCompletionRequest
}

// NewService wraps client with a circuit breaker (5 failures, 30s
// half-open timeout, a conservative retry posture for LLM calls)
// and a default system prompt / generation baseline.
func NewService(client *Client, defaultSystemPrompt string, baseline domain.SamplingOverrides) *Service {
	return &Service{
		client:     client,
		breaker:    circuitbreaker.New(5, 30*time.Second),
		defaultSys: defaultSystemPrompt,
		defaultGen: overridesToRequest(baseline),
	}
}

// GenerateStream implements Adapter. It resolves the effective system
// prompt, composes the user payload with the optional preamble, opens the
// upstream stream behind the circuit breaker, and bridges it through a
// bounded channel that a dedicated goroutine drains while polling req.Cancel.
func (s *Service) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan Delta, error) {
	systemText, err := s.resolveSystemPrompt(req)
	if err != nil {
		return nil, err
	}

	userText := req.UserText
	if req.Preamble != "" {
		userText = req.Preamble + "\n\n" + userText
	}

	messages := make([]ChatMessage, 0, 2)
	if strings.TrimSpace(systemText) != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: systemText})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: userText})

	gen := mergeSampling(s.defaultGen, req.SamplingOverrides)

	var clientChan <-chan streamChunk
	err = s.breaker.Execute(func() error {
		var execErr error
		clientChan, execErr = s.client.ChatStream(ctx, messages, gen)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrEngineUnavailable, err)
	}

	out := make(chan Delta, bufferCapacity)
	go s.pump(ctx, req.Cancel, clientChan, out)
	return out, nil
}

// resolveSystemPrompt prefers an explicit path (read fresh, trimmed) over
// inline text, falling back to the service's configured default.
func (s *Service) resolveSystemPrompt(req GenerateRequest) (string, error) {
	if req.SystemPromptPath != "" {
		data, err := os.ReadFile(req.SystemPromptPath)
		if err != nil {
			return "", fmt.Errorf("reading system prompt: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if req.SystemPromptText != "" {
		return req.SystemPromptText, nil
	}
	return s.defaultSys, nil
}

// pump drains clientChan, polling cancel before forwarding each item, and
// always terminates the output channel with exactly one terminal Delta.
func (s *Service) pump(ctx context.Context, cancel *domain.CancelSignal, in <-chan streamChunk, out chan<- Delta) {
	defer close(out)

	for {
		if cancel != nil && cancel.IsSet() {
			out <- Delta{Done: true}
			return
		}

		select {
		case <-ctx.Done():
			out <- Delta{Err: ctx.Err()}
			return
		case chunk, ok := <-in:
			if !ok {
				out <- Delta{Done: true}
				return
			}
			if chunk.Error != nil {
				out <- Delta{Err: chunk.Error}
				return
			}
			if chunk.Content != "" {
				out <- Delta{Text: chunk.Content}
			}
			if chunk.Done {
				out <- Delta{Done: true}
				return
			}
		}
	}
}

// overridesToRequest seeds a chatCompletionRequest's generation fields
// from a baseline SamplingOverrides (the service's construction-time
// defaults).
func overridesToRequest(o domain.SamplingOverrides) chatCompletionRequest {
	return chatCompletionRequest{
		MaxTokens:   o.MaxTokens,
		Temperature: o.Temperature,
		TopK:        o.TopK,
		TopP:        o.TopP,
		MinP:        o.MinP,
		Stop:        o.Stop,
	}
}

// mergeSampling overlays non-nil override fields onto the baseline; nil
// overrides are left at the baseline value.
func mergeSampling(baseline chatCompletionRequest, overrides domain.SamplingOverrides) chatCompletionRequest {
	merged := baseline
	if overrides.MaxTokens != nil {
		merged.MaxTokens = overrides.MaxTokens
	}
	if overrides.Temperature != nil {
		merged.Temperature = overrides.Temperature
	}
	if overrides.TopK != nil {
		merged.TopK = overrides.TopK
	}
	if overrides.TopP != nil {
		merged.TopP = overrides.TopP
	}
	if overrides.MinP != nil {
		merged.MinP = overrides.MinP
	}
	if overrides.Stop != nil {
		merged.Stop = overrides.Stop
	}
	return merged
}
