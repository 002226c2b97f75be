package requester

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSessionClosed is returned once a provider session has been released.
var ErrSessionClosed = errors.New("provider session closed")

// TransientError covers network failures, timeouts and 5xx responses.
// It is retried by the engine's policy and surfaced once attempts run out.
type TransientError struct {
	Provider   string
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: transient error (status %d): %v", e.Provider, e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: transient error: %v", e.Provider, e.Endpoint, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Kind() string { return "transient" }

// ProtocolError is a response the engine cannot use: an unexpected status or
// a body that is not JSON. It is never retried.
type ProtocolError struct {
	Provider   string
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *ProtocolError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: protocol error (status %d): %v", e.Provider, e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: protocol error: %v", e.Provider, e.Endpoint, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Kind() string { return "protocol" }

// RateLimitedError carries a 429 cool-down. The engine absorbs it by waiting
// and re-issuing the call, so callers never see it.
type RateLimitedError struct {
	Provider   string
	Endpoint   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s %s: rate limited, retry after %s", e.Provider, e.Endpoint, e.RetryAfter)
}

func (e *RateLimitedError) Kind() string { return "rate_limited" }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrorKind maps an error to a short label used in metrics and logs.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var kinded interface{ Kind() string }
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "unknown"
}
