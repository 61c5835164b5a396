package llm

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Transport retry tuning. Full jitter keeps concurrent page and criterion
// calls from synchronizing their retries against the provider.
const (
	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 8 * time.Second
	retryMultiplier      = 2.0
)

// retryClient retries transient transport failures with exponential backoff
// and full jitter, bounded by maxAttempts. Non-transient failures and parse
// problems pass straight through; exhausting attempts wraps the last error
// in ErrUnavailable.
type retryClient struct {
	next        Client
	maxAttempts int
}

func withRetry(next Client, maxAttempts int) Client {
	return &retryClient{next: next, maxAttempts: maxAttempts}
}

// Complete implements Client.
func (r *retryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	return r.do(ctx, func() (*Response, error) { return r.next.Complete(ctx, req) })
}

// VisionComplete implements Client.
func (r *retryClient) VisionComplete(ctx context.Context, req VisionRequest) (*Response, error) {
	return r.do(ctx, func() (*Response, error) { return r.next.VisionComplete(ctx, req) })
}

func (r *retryClient) do(ctx context.Context, call func() (*Response, error)) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff(attempt - 1)):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
			}
		}

		resp, err := call()
		if err == nil {
			return resp, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrUnavailable, r.maxAttempts, lastErr)
}

// backoff computes the delay before the given retry with full jitter:
// uniform in [0, min(initial * multiplier^(attempt-1), max)].
func backoff(attempt int) time.Duration {
	interval := retryInitialInterval
	for i := 1; i < attempt; i++ {
		interval = time.Duration(float64(interval) * retryMultiplier)
		if interval > retryMaxInterval {
			interval = retryMaxInterval
			break
		}
	}
	jitterMs := rand.Int64N(interval.Milliseconds() + 1)
	return time.Duration(jitterMs) * time.Millisecond
}
