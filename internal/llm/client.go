// Package llm implements the Streaming LLM Client of spec.md §4.3: a thin
// HTTP client targeting an OpenAI-compatible POST {base_url}/chat/completions
// endpoint, consuming Server-Sent Events when streaming is requested.
// Grounded on internal/agent/providers/openai.go's Complete/processStream
// pair, adapted from the Anthropic/OpenAI multi-provider abstraction down to
// the single OpenAI-compatible surface spec.md requires.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// Message is one turn in a chat-completion request.
type Message struct {
	Role    string
	Content string
}

// Request is the input to Complete, mirroring spec.md §4.3's
// {model, messages, temperature, max_tokens, stream, api_key?}.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Stream      bool
}

// Chunk is one unit delivered to the caller's sink: either a content delta,
// a terminal error, or the final Done signal carrying usage.
type Chunk struct {
	Delta string
	Done  bool
	Err   error
	Usage Usage
}

// Usage carries token accounting, recorded when the upstream response
// includes it and estimated otherwise (spec.md §4.3).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Estimated        bool
}

// UpstreamError wraps a non-2xx response or transport failure from the
// completions endpoint, surfacing the response body to the caller per
// spec.md §4.3's failure modes.
type UpstreamError struct {
	StatusCode int
	Body       string
	Cause      error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream error: status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("upstream error: %v", e.Cause)
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// Client is a thin, retry-free wrapper over github.com/sashabaranov/go-openai
// aimed at an OpenAI-compatible base URL. Retries are the Agent layer's
// responsibility, per spec.md §4.3: "Retries are not performed at this
// layer; the Agent layer decides."
type Client struct {
	inner  *openai.Client
	logger *slog.Logger
}

// New constructs a Client against baseURL using apiKey for bearer auth. An
// empty apiKey is valid: some OpenAI-compatible servers (local inference)
// don't require one.
func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{inner: openai.NewClientWithConfig(cfg), logger: logger}
}

// Complete sends req to the completions endpoint. When req.Stream is true,
// chunks are delivered to sink in arrival order as they are received; the
// final chunk has Done set and carries Usage (estimated from accumulated
// content length, since most streaming servers omit usage on each delta).
// When req.Stream is false, sink receives exactly one non-Done content
// chunk followed by a Done chunk carrying the server-reported usage.
//
// Complete blocks until the stream closes or ctx is cancelled; it performs
// no retries.
func (c *Client) Complete(ctx context.Context, req Request, sink func(Chunk)) error {
	if req.Stream {
		return c.completeStream(ctx, req, sink)
	}
	return c.completeOnce(ctx, req, sink)
}

func (c *Client) completeOnce(ctx context.Context, req Request, sink func(Chunk)) error {
	resp, err := c.inner.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return &UpstreamError{Cause: errors.New("no choices in response")}
	}

	content := resp.Choices[0].Message.Content
	sink(Chunk{Delta: content})
	sink(Chunk{
		Done: true,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	})
	return nil
}

func (c *Client) completeStream(ctx context.Context, req Request, sink func(Chunk)) error {
	stream, err := c.inner.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return classifyError(err)
	}
	defer stream.Close()

	var charCount int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				sink(Chunk{Done: true, Usage: estimateUsage(charCount)})
				return nil
			}
			wrapped := classifyError(err)
			sink(Chunk{Done: true, Err: wrapped})
			return wrapped
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		charCount += len(delta)
		sink(Chunk{Delta: delta})
	}
}

// estimateUsage produces a rough token estimate (roughly 4 characters per
// token, a standard approximation for English text) when the upstream
// stream did not carry a usage field, per spec.md §4.3's "estimates
// otherwise".
func estimateUsage(charCount int) Usage {
	return Usage{
		CompletionTokens: charCount / 4,
		TotalTokens:      charCount / 4,
		Estimated:        true,
	}
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// classifyError wraps a go-openai error in UpstreamError, extracting the
// HTTP status code and response body when the error is an *openai.APIError
// so callers can inspect them per spec.md §4.3's failure modes.
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message, Cause: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &UpstreamError{StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error(), Cause: err}
	}
	return &UpstreamError{Cause: err}
}
