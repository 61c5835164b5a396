// Package llm is the single boundary to the chat-completion provider. It
// exposes a text channel and a vision channel, both under a strict
// JSON-object response contract, with bounded transport retry, token
// accounting, and a repair protocol for malformed model output.
package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Request is a text-channel completion call.
type Request struct {
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

// VisionRequest is a vision-channel completion call. ImageBytes must be an
// encoded PNG or JPEG; MimeType defaults to image/png.
type VisionRequest struct {
	Request
	ImageBytes []byte
	MimeType   string
}

// Response is the provider's reply with accounting attached. Parsed is nil
// when the content is not a syntactically valid JSON object.
type Response struct {
	Content          string
	Parsed           json.RawMessage
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Model            string
	LatencyMs        int64
}

// Client is the gateway interface every caller depends on.
type Client interface {
	// Complete performs a text-channel call.
	Complete(ctx context.Context, req Request) (*Response, error)

	// VisionComplete performs a vision-channel call.
	VisionComplete(ctx context.Context, req VisionRequest) (*Response, error)
}

// Options configures the gateway chain.
type Options struct {
	// APIKey authenticates against the provider.
	APIKey string

	// BaseURL overrides the provider endpoint (for proxies and tests).
	BaseURL string

	// Model is the chat model used for both channels.
	Model string

	// CallTimeout bounds a single provider call, retries excluded.
	CallTimeout time.Duration

	// MaxRetries bounds transport retry attempts (total calls = MaxRetries).
	MaxRetries int

	// Logger receives per-call telemetry. Nil disables the logging layer.
	Logger *slog.Logger
}

// NewClient builds the production gateway: an OpenAI transport wrapped with
// transport retry and request logging.
func NewClient(opts Options) Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 120 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	var c Client = newOpenAIClient(opts)
	c = withRetry(c, opts.MaxRetries)
	if opts.Logger != nil {
		c = withLogging(c, opts.Logger)
	}
	return c
}

// tryParseObject returns the content as a RawMessage when it is a valid JSON
// object, stripping markdown code fences first. Models occasionally wrap
// JSON in fences despite the response-format directive.
func tryParseObject(content string) json.RawMessage {
	stripped := stripCodeFence(content)
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripped), &probe); err != nil {
		return nil
	}
	return json.RawMessage(stripped)
}
