package channelbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Middleware wraps a callback
type Middleware[T any] func(Callback[T]) Callback[T]

// Chain wraps cb with mws. The first middleware is the outermost, so
// Chain(cb, a, b) runs a, then b, then cb.
//
// Example usage:
//
//	channelbus.Subscribe(r, channelbus.Chain(onPosition,
//	    channelbus.Distinct[Position](),
//	    channelbus.CircuitBreakerMiddleware[Position](cb)))
func Chain[T any](cb Callback[T], mws ...Middleware[T]) Callback[T] {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			cb = mws[i](cb)
		}
	}
	return cb
}

// Distinct skips a value equal to the last one the callback accepted. A value
// whose callback returned an error is not remembered, so it is retried if
// posted again.
func Distinct[T comparable]() Middleware[T] {
	var (
		mu   sync.Mutex
		last T
		seen bool
	)
	return func(next Callback[T]) Callback[T] {
		return func(ctx context.Context, v T) error {
			mu.Lock()
			dup := seen && last == v
			mu.Unlock()
			if dup {
				ContextLogger(ctx).Debug("skipping unchanged value")
				return nil
			}

			if err := next(ctx, v); err != nil {
				return err
			}

			mu.Lock()
			last, seen = v, true
			mu.Unlock()
			return nil
		}
	}
}

// Filter calls the callback only for values accepted by keep
func Filter[T any](keep func(T) bool) Middleware[T] {
	return func(next Callback[T]) Callback[T] {
		return func(ctx context.Context, v T) error {
			if !keep(v) {
				return nil
			}
			return next(ctx, v)
		}
	}
}

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// CircuitClosed means the circuit is functioning normally
	CircuitClosed CircuitState = iota
	// CircuitOpen means callbacks are skipped
	CircuitOpen
	// CircuitHalfOpen means the circuit is testing whether the callback recovered
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("CircuitState(%d)", int(s))
	}
}

// CircuitOpenError is returned instead of calling a callback while its
// circuit is open
type CircuitOpenError struct {
	Type EventType
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s", e.Type)
}

// CircuitBreaker stops calling a failing callback for a while.
// After failureThreshold consecutive failures it opens; after timeout one call
// is let through (half-open), and successThreshold successes close it again.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	successThreshold int
	timeout          time.Duration

	state     CircuitState
	failures  int
	successes int
	changedAt time.Time
	now       func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
// Non-positive arguments select the defaults: 5 failures, 2 successes, 30s.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		state:            CircuitClosed,
		changedAt:        time.Now(),
		now:              time.Now,
	}
}

// State returns the current circuit state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.changedAt) < cb.timeout {
			return false
		}
		cb.setState(CircuitHalfOpen)
	}
	return true
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == CircuitHalfOpen {
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.setState(CircuitClosed)
		}
	}
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes = 0
	cb.failures++
	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.failureThreshold {
			cb.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.setState(CircuitOpen)
	}
}

// setState requires cb.mu
func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	cb.successes = 0
	cb.changedAt = cb.now()
}

// CircuitBreakerMiddleware skips the callback while cb is open, returning a
// *CircuitOpenError instead.
func CircuitBreakerMiddleware[T any](cb *CircuitBreaker) Middleware[T] {
	return func(next Callback[T]) Callback[T] {
		return func(ctx context.Context, v T) error {
			if !cb.Allow() {
				ContextLogger(ctx).Warn("circuit breaker open, skipping callback",
					"state", cb.State().String())
				return &CircuitOpenError{Type: TypeOf[T]()}
			}

			err := next(ctx, v)
			if err == nil {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			return err
		}
	}
}
