package channelbus

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/channelbus/executor"
	"github.com/rbaliyan/channelbus/ratelimit"
)

// busOptions holds configuration for bus (unexported)
type busOptions struct {
	logger         *slog.Logger
	tracingEnabled bool
	metricsEnabled bool
}

// BusOption option function for bus configuration
type BusOption func(*busOptions)

// WithBusTracing enables/disables tracing for posts and callbacks
func WithBusTracing(enabled bool) BusOption {
	return func(o *busOptions) {
		o.tracingEnabled = enabled
	}
}

// WithBusMetrics enables/disables OpenTelemetry metrics for the bus and
// every receiver attached to it
func WithBusMetrics(enabled bool) BusOption {
	return func(o *busOptions) {
		o.metricsEnabled = enabled
	}
}

// WithBusLogger sets a custom logger for the bus
func WithBusLogger(l *slog.Logger) BusOption {
	return func(o *busOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// newBusOptions creates options with defaults and applies provided options
func newBusOptions(opts ...BusOption) *busOptions {
	o := &busOptions{
		logger:         slog.Default(),
		tracingEnabled: true,
		metricsEnabled: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type postOptions struct {
	retain bool
}

// PostOption configures a single Post
type PostOption func(*postOptions)

// WithRetain controls whether the posted value stays retained for later
// subscribers. Retaining is the default. With WithRetain(false) the value is
// still delivered once to everyone subscribed at the time of the post, then
// the retained slot is cleared.
func WithRetain(retain bool) PostOption {
	return func(o *postOptions) {
		o.retain = retain
	}
}

func newPostOptions(opts ...PostOption) *postOptions {
	o := &postOptions{retain: true}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type awaitOptions struct {
	skipRetained bool
}

// AwaitOption configures Await
type AwaitOption func(*awaitOptions)

// AwaitNew makes Await ignore the currently retained value and wait for the
// next post.
func AwaitNew() AwaitOption {
	return func(o *awaitOptions) {
		o.skipRetained = true
	}
}

func newAwaitOptions(opts ...AwaitOption) *awaitOptions {
	o := &awaitOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// receiverOptions holds configuration for a receiver (unexported)
type receiverOptions struct {
	executor        executor.Executor
	logger          *slog.Logger
	onError         func(EventType, error)
	recoveryEnabled bool
}

// ReceiverOption option function for receiver configuration
type ReceiverOption func(*receiverOptions)

// WithExecutor sets where callbacks run. The default is executor.Inline(),
// i.e. on each subscription's own listener goroutine.
func WithExecutor(e executor.Executor) ReceiverOption {
	return func(o *receiverOptions) {
		if e != nil {
			o.executor = e
		}
	}
}

// WithReceiverLogger sets a custom logger for the receiver
func WithReceiverLogger(l *slog.Logger) ReceiverOption {
	return func(o *receiverOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithErrorHandler sets a function called with every error a callback
// returns, including recovered panics (as *PanicError).
func WithErrorHandler(fn func(EventType, error)) ReceiverOption {
	return func(o *receiverOptions) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithRecovery enables/disables panic recovery in callbacks.
// Recovery should stay enabled; disabling it is meant for tests.
func WithRecovery(enabled bool) ReceiverOption {
	return func(o *receiverOptions) {
		o.recoveryEnabled = enabled
	}
}

func newReceiverOptions(bus *Bus, opts ...ReceiverOption) *receiverOptions {
	o := &receiverOptions{
		executor:        executor.Inline(),
		logger:          bus.logger.With("receiver", NewID()),
		onError:         func(EventType, error) {},
		recoveryEnabled: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type subscribeOptions struct {
	skipRetained bool
	failFast     bool
	limiter      ratelimit.Limiter
	timeout      time.Duration
}

// SubscribeOption configures a single subscription
type SubscribeOption func(*subscribeOptions)

// WithSkipRetained ignores the value retained at subscription time; the first
// callback is for the next post.
func WithSkipRetained() SubscribeOption {
	return func(o *subscribeOptions) {
		o.skipRetained = true
	}
}

// WithFailFast cancels the subscription after the first callback error.
// By default errors are reported and the subscription keeps running.
func WithFailFast() SubscribeOption {
	return func(o *subscribeOptions) {
		o.failFast = true
	}
}

// WithThrottle limits how often the callback runs. Values posted while the
// listener waits for the limiter are conflated, so the callback receives the
// newest one.
func WithThrottle(l ratelimit.Limiter) SubscribeOption {
	return func(o *subscribeOptions) {
		o.limiter = l
	}
}

// WithCallbackTimeout bounds each callback invocation with a context
// deadline. Zero means no timeout.
func WithCallbackTimeout(d time.Duration) SubscribeOption {
	return func(o *subscribeOptions) {
		if d >= 0 {
			o.timeout = d
		}
	}
}

func newSubscribeOptions(opts ...SubscribeOption) *subscribeOptions {
	o := &subscribeOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
