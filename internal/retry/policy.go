// Package retry wraps a call site in an explicit, testable retry policy.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy governs how often, and how patiently, a failed call is repeated.
// Only errors accepted by Retryable are retried; anything else is returned
// immediately.
type Policy struct {
	MaxAttempts int
	BackoffBase float64
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	Retryable   func(error) bool
}

// DefaultPolicy is 3 attempts with waits of 2s, 4s clamped to [2s, 10s].
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BackoffBase: 2,
		BackoffMin:  2 * time.Second,
		BackoffMax:  10 * time.Second,
	}
}

// Delay is the wait after the given failed attempt (1-based):
// min(BackoffMax, max(BackoffMin, BackoffBase^attempt seconds)).
func (p Policy) Delay(attempt int) time.Duration {
	secs := math.Pow(p.BackoffBase, float64(attempt))
	d := p.BackoffMax
	if !math.IsInf(secs, 0) && !math.IsNaN(secs) && secs*float64(time.Second) < float64(p.BackoffMax) {
		d = time.Duration(secs * float64(time.Second))
	}
	if d < p.BackoffMin {
		d = p.BackoffMin
	}
	if d > p.BackoffMax {
		d = p.BackoffMax
	}
	return d
}

// Notify is called before each wait with the error of the failed attempt.
type Notify func(err error, attempt int, wait time.Duration)

// Do runs op until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The last error is returned unchanged.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error, notify Notify) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if !p.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) {
			notify(err, attempt, wait)
		}
	}

	return backoff.RetryNotify(operation, backoff.WithContext(&policyBackOff{policy: p}, ctx), onRetry)
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// policyBackOff adapts Policy to backoff.BackOff.
type policyBackOff struct {
	policy  Policy
	retries int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.retries++
	if b.retries >= b.policy.MaxAttempts {
		return backoff.Stop
	}
	return b.policy.Delay(b.retries)
}

func (b *policyBackOff) Reset() {
	b.retries = 0
}
