package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors crossing the gateway boundary.
var (
	// ErrUnavailable signals transport failure that survived bounded retry:
	// network errors, 5xx responses, rate limiting. The enclosing task may
	// retry the whole unit with backoff.
	ErrUnavailable = errors.New("llm provider unavailable")

	// ErrMalformed signals model output that stayed unparseable or
	// schema-invalid after the repair protocol. Fatal for the unit.
	ErrMalformed = errors.New("llm response malformed")
)

// ProviderError carries transport-level detail from the provider.
type ProviderError struct {
	StatusCode int
	Message    string
	RetryAfter int // seconds, 0 when the provider gave no guidance
}

// Error returns the formatted provider failure.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the failure is transient: rate limiting,
// server-side errors, or request timeout.
func (e *ProviderError) IsRetryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500 || e.StatusCode == 408
}

// IsRetryable classifies an arbitrary gateway error as transient. Typed
// provider errors are inspected first, then context deadlines and network
// errors, then message patterns for untyped failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "temporarily"):
		return true
	}
	return false
}
