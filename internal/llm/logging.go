package llm

import (
	"context"
	"log/slog"
)

// loggingClient emits one structured record per gateway call with latency
// and token accounting. Errors are logged and passed through unchanged.
type loggingClient struct {
	next   Client
	logger *slog.Logger
}

func withLogging(next Client, logger *slog.Logger) Client {
	return &loggingClient{next: next, logger: logger}
}

// Complete implements Client.
func (l *loggingClient) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := l.next.Complete(ctx, req)
	l.log(ctx, "text", resp, err)
	return resp, err
}

// VisionComplete implements Client.
func (l *loggingClient) VisionComplete(ctx context.Context, req VisionRequest) (*Response, error) {
	resp, err := l.next.VisionComplete(ctx, req)
	l.log(ctx, "vision", resp, err)
	return resp, err
}

func (l *loggingClient) log(ctx context.Context, channel string, resp *Response, err error) {
	if err != nil {
		l.logger.ErrorContext(ctx, "llm call failed", "channel", channel, "error", err)
		return
	}
	l.logger.InfoContext(ctx, "llm call completed",
		"channel", channel,
		"model", resp.Model,
		"latency_ms", resp.LatencyMs,
		"prompt_tokens", resp.PromptTokens,
		"completion_tokens", resp.CompletionTokens,
		"parsed", resp.Parsed != nil,
	)
}
