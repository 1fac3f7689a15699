package channelbus

import (
	"context"
	"sync"
	"time"
)

// TestBus creates a bus configured for testing, with tracing and metrics
// disabled.
//
// Example:
//
//	bus := channelbus.TestBus()
//	defer bus.Close(context.Background())
func TestBus(opts ...BusOption) *Bus {
	opts = append([]BusOption{
		WithBusTracing(false),
		WithBusMetrics(false),
	}, opts...)
	return NewBus("test-bus", opts...)
}

// RecordedValue is a single callback invocation seen by a Recorder
type RecordedValue[T any] struct {
	Value          T
	SubscriptionID string
	PostedAt       time.Time
	ReceivedAt     time.Time
}

// Recorder collects every value delivered to its callback for later
// assertions.
type Recorder[T any] struct {
	mu       sync.Mutex
	received []RecordedValue[T]
	notify   chan struct{}
	handler  Callback[T]
}

// NewRecorder creates a recorder. If handler is non-nil it is called after
// each value is recorded and its error is returned to the receiver.
func NewRecorder[T any](handler Callback[T]) *Recorder[T] {
	return &Recorder[T]{
		notify:  make(chan struct{}, 1),
		handler: handler,
	}
}

// Callback returns the callback to pass to Subscribe
func (r *Recorder[T]) Callback() Callback[T] {
	return func(ctx context.Context, v T) error {
		r.mu.Lock()
		r.received = append(r.received, RecordedValue[T]{
			Value:          v,
			SubscriptionID: ContextSubscriptionID(ctx),
			PostedAt:       ContextPostedAt(ctx),
			ReceivedAt:     time.Now(),
		})
		r.mu.Unlock()

		select {
		case r.notify <- struct{}{}:
		default:
		}

		if r.handler != nil {
			return r.handler(ctx, v)
		}
		return nil
	}
}

// Received returns a copy of every recorded invocation
func (r *Recorder[T]) Received() []RecordedValue[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]RecordedValue[T], len(r.received))
	copy(result, r.received)
	return result
}

// Values returns the recorded values in delivery order
func (r *Recorder[T]) Values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	values := make([]T, len(r.received))
	for i, rv := range r.received {
		values[i] = rv.Value
	}
	return values
}

// Count returns the number of recorded invocations
func (r *Recorder[T]) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

// Last returns the last recorded value
func (r *Recorder[T]) Last() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if len(r.received) == 0 {
		return zero, false
	}
	return r.received[len(r.received)-1].Value, true
}

// Reset forgets every recorded invocation
func (r *Recorder[T]) Reset() {
	r.mu.Lock()
	r.received = nil
	r.mu.Unlock()
}

// WaitFor waits until at least n invocations were recorded.
// Returns false on timeout.
func (r *Recorder[T]) WaitFor(n int, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if r.Count() >= n {
			return true
		}
		select {
		case <-r.notify:
		case <-timer.C:
			return r.Count() >= n
		}
	}
}

// WaitForValue waits until the last recorded value satisfies match.
// Returns false on timeout.
func (r *Recorder[T]) WaitForValue(match func(T) bool, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if v, ok := r.Last(); ok && match(v) {
			return true
		}
		select {
		case <-r.notify:
		case <-timer.C:
			v, ok := r.Last()
			return ok && match(v)
		}
	}
}
