package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/logus2k/agent-gateway/internal/retry"
)

// ChatMessage is one entry in an OpenAI-compatible chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

// Client is an OpenAI-compatible streaming chat completion client, the
// concrete Adapter used against a local or remote model server.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	httpClient  *http.Client
	retryConfig retry.BackoffConfig
}

// NewClient builds a Client against baseURL (with or without a trailing
// /v1, normalised away).
func NewClient(baseURL, apiKey, model string) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 0, // streaming: bounded by the caller's context instead
		},
		retryConfig: retry.HTTPConfig(),
	}
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopK        *int          `json:"top_k,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MinP        *float64      `json:"min_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

// streamChunk is one raw SSE-decoded delta from the upstream server.
type streamChunk struct {
	Content      string
	FinishReason string
	Error        error
	Done         bool
}

// ChatStream opens a streaming chat completion and returns a channel of
// raw upstream chunks. The initial connection is retried per retryConfig;
// once the stream is open no mid-stream retry occurs (streamed
// deltas are not idempotent to replay).
func (c *Client) ChatStream(ctx context.Context, messages []ChatMessage, gen chatCompletionRequest) (<-chan streamChunk, error) {
	gen.Model = c.model
	gen.Messages = messages
	gen.Stream = true

	body, err := json.Marshal(gen)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	var resp *http.Response
	err = retry.WithBackoffHTTP(ctx, c.retryConfig, func() (int, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return 0, fmt.Errorf("build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err = c.httpClient.Do(httpReq)
		if err != nil {
			return 0, fmt.Errorf("send request: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return resp.StatusCode, fmt.Errorf("engine returned %s: %s", resp.Status, string(respBody))
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan streamChunk, bufferCapacity)
	go c.pumpSSE(ctx, resp.Body, chunks)
	return chunks, nil
}

func (c *Client) pumpSSE(ctx context.Context, body io.ReadCloser, chunks chan<- streamChunk) {
	defer close(chunks)
	defer body.Close()

	reader := bufio.NewReader(body)
	for {
		select {
		case <-ctx.Done():
			chunks <- streamChunk{Error: ctx.Err()}
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				chunks <- streamChunk{Error: fmt.Errorf("stream decode error: %w", err)}
			}
			chunks <- streamChunk{Done: true}
			return
		}

		lineStr := strings.TrimSpace(string(line))
		if lineStr == "" || !strings.HasPrefix(lineStr, "data: ") {
			continue
		}

		data := strings.TrimPrefix(lineStr, "data: ")
		if data == "[DONE]" {
			chunks <- streamChunk{Done: true}
			return
		}

		var decoded struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &decoded); err != nil {
			continue
		}
		if len(decoded.Choices) == 0 {
			continue
		}

		choice := decoded.Choices[0]
		out := streamChunk{Content: choice.Delta.Content, FinishReason: choice.FinishReason}
		if choice.FinishReason != "" {
			out.Done = true
		}
		if out.Content != "" || out.Done {
			chunks <- out
		}
	}
}
