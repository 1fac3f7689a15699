// Package ratelimit throttles how often a subscription may run its callback.
//
// Throttling combines naturally with conflation: while a throttled listener
// waits for a token, newer posts keep overwriting its pending slot, so when
// the token arrives the callback sees the latest value instead of a backlog.
//
//	// at most 10 callbacks per second, bursts of 1
//	limiter := ratelimit.NewTokenBucket(10, 1)
//
//	// or: at most one callback every 250ms
//	limiter := ratelimit.Every(250*time.Millisecond)
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides when the next callback may run.
//
// All implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether a callback may run right now, consuming a token
	// if so.
	Allow() bool

	// Wait blocks until a callback may run or ctx is done.
	Wait(ctx context.Context) error
}

// TokenBucket is an in-memory token bucket backed by golang.org/x/time/rate.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a limiter adding rps tokens per second and holding
// at most burst tokens. A burst below 1 is raised to 1 so Wait can succeed.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Every creates a limiter that allows one callback per interval.
func Every(interval time.Duration) *TokenBucket {
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Allow reports whether a token is available and consumes it.
func (t *TokenBucket) Allow() bool {
	return t.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// SetLimit changes the refill rate.
func (t *TokenBucket) SetLimit(rps float64) {
	t.limiter.SetLimit(rate.Limit(rps))
}

// Limit returns the refill rate in tokens per second.
func (t *TokenBucket) Limit() float64 {
	return float64(t.limiter.Limit())
}

// Burst returns the bucket size.
func (t *TokenBucket) Burst() int {
	return t.limiter.Burst()
}

// Compile-time check
var _ Limiter = (*TokenBucket)(nil)
