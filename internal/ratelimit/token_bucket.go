// Package ratelimit throttles outbound calls to one provider.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// TokenBucket is a continuously refilled bucket sized in calls per minute.
//
// Acquire holds the bucket for the whole of its wait, so callers are served
// one at a time in arrival order and each wait is computed from the state
// left by the previous caller.
type TokenBucket struct {
	// slot is a one-element semaphore. Blocked senders on a channel are
	// queued FIFO, which gives first-come first-served acquisition.
	slot chan struct{}

	capacity   float64
	tokens     float64
	lastRefill time.Time
	snapshot   atomic.Uint64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customises a TokenBucket.
type Option func(*TokenBucket)

// WithClock replaces the time source and the sleep function. Used by tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(b *TokenBucket) {
		b.now = now
		b.sleep = sleep
	}
}

// New returns a full bucket allowing callsPerMinute acquisitions per minute.
func New(callsPerMinute int, opts ...Option) (*TokenBucket, error) {
	if callsPerMinute <= 0 {
		return nil, fmt.Errorf("calls per minute must be positive, got %d", callsPerMinute)
	}

	b := &TokenBucket{
		slot:     make(chan struct{}, 1),
		capacity: float64(callsPerMinute),
		tokens:   float64(callsPerMinute),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastRefill = b.now()
	b.publish()
	return b, nil
}

// Acquire takes one token, waiting for the bucket to refill when empty.
// It returns ctx.Err() if the context ends while queued or waiting; in that
// case no token is consumed.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	select {
	case b.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() {
		b.publish()
		<-b.slot
	}()

	b.refill(b.now())
	if b.tokens >= 1 {
		b.tokens--
		return nil
	}

	wait := time.Duration((1 - b.tokens) * 60 / b.capacity * float64(time.Second))
	if err := b.sleep(ctx, wait); err != nil {
		return err
	}

	// The wait covered the deficit exactly; the new token is spent at once.
	b.tokens = 0
	b.lastRefill = b.now()
	return nil
}

// Tokens reports the tokens left after the most recent acquisition. It
// never blocks, even while another caller is waiting on the bucket.
func (b *TokenBucket) Tokens() float64 {
	return math.Float64frombits(b.snapshot.Load())
}

// Capacity is the configured calls per minute.
func (b *TokenBucket) Capacity() float64 {
	return b.capacity
}

func (b *TokenBucket) publish() {
	b.snapshot.Store(math.Float64bits(b.tokens))
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.capacity / 60
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
