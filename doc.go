// Package channelbus provides an in-process, type-keyed publish/subscribe bus
// with retained, conflated delivery.
//
// Each Go type used as an event gets its own cell on the bus. A cell keeps
// the latest posted value (unless cleared) and hands every subscriber only
// the newest value it has not yet seen: a slow subscriber skips intermediate
// values instead of queueing them, and a new subscriber immediately receives
// the retained value.
//
// Architecture:
//   - Bus owns the cells, tracing and metrics. Create as many as needed.
//   - Post, GetLast, Clear and Await are generic functions keyed by the type
//     parameter, so publishers and subscribers agree on types at compile time
//   - Receiver owns subscriptions, at most one per event type, and runs
//     callbacks on an executor (inline by default, or an executor.Loop that
//     acts as an application's main thread)
//
// Basic example:
//
//	type RandomNumber struct {
//	    Number int
//	}
//
//	bus := channelbus.NewBus("app")
//	defer bus.Close(ctx)
//
//	r := channelbus.NewReceiver(bus)
//	defer r.Close()
//
//	channelbus.Subscribe(r, func(ctx context.Context, n RandomNumber) error {
//	    fmt.Println("new random number:", n.Number)
//	    return nil
//	})
//
//	channelbus.Post(ctx, bus, RandomNumber{Number: 4})
//
//	// Latest value, without subscribing
//	n, ok := channelbus.GetLast[RandomNumber](bus)
//
//	// Wait for a value
//	n, err := channelbus.Await[RandomNumber](ctx, bus)
//
// Bus Options:
//   - WithBusTracing: enable/disable OpenTelemetry tracing. Default is true.
//   - WithBusMetrics: enable/disable OpenTelemetry metrics. Default is true.
//   - WithBusLogger: set logger for the bus.
//
// Post Options:
//   - WithRetain: keep the value for GetLast and later subscribers. Default is true.
//
// Receiver Options:
//   - WithExecutor: where callbacks run. Default is executor.Inline().
//   - WithErrorHandler: called with every callback error.
//   - WithRecovery: enable/disable panic recovery in callbacks. Default is true.
//   - WithReceiverLogger: set logger for the receiver.
//
// Subscribe Options:
//   - WithSkipRetained: do not deliver the value retained at subscription time.
//   - WithFailFast: cancel the subscription after the first callback error.
//   - WithThrottle: rate limit the callback; values posted meanwhile are conflated.
//   - WithCallbackTimeout: bound every callback with a deadline.
//
// Ordering:
// Within one subscription callbacks never overlap and values arrive in post
// order, minus the ones that were conflated away. There is no ordering
// between different event types or different subscriptions.
package channelbus
