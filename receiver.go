package channelbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/channelbus/conflated"
	"github.com/rbaliyan/channelbus/executor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Callback handles one delivered value. Callbacks of one subscription never
// run concurrently; the next value is not received until the callback returns.
type Callback[T any] func(ctx context.Context, v T) error

// Listener is the interface form of Callback.
type Listener[T any] interface {
	OnEvent(ctx context.Context, v T) error
}

// SubscriptionState is the lifecycle state of a Subscription
type SubscriptionState int32

const (
	// StateCreated is the state between registration and listener start
	StateCreated SubscriptionState = iota
	// StateRunning means the listener is receiving values
	StateRunning
	// StateCancelled is terminal
	StateCancelled
)

func (s SubscriptionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("SubscriptionState(%d)", int32(s))
	}
}

// Subscription binds one callback to one event type of a receiver.
type Subscription struct {
	id       string
	typ      EventType
	receiver *Receiver
	state    int32
	cancel   context.CancelFunc
	closeCur func()
	done     chan struct{}
}

// ID returns the unique subscription identifier
func (s *Subscription) ID() string {
	return s.id
}

// Type returns the subscribed event type
func (s *Subscription) Type() EventType {
	return s.typ
}

// State returns the current lifecycle state
func (s *Subscription) State() SubscriptionState {
	return SubscriptionState(atomic.LoadInt32(&s.state))
}

// Done is closed once the listener goroutine has exited. A callback that is
// still running on a non-inline executor may outlive it.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe cancels the subscription. It is equivalent to
// s.Receiver().Unsubscribe(s).
func (s *Subscription) Unsubscribe() bool {
	return s.receiver.Unsubscribe(s)
}

// Receiver returns the receiver owning the subscription
func (s *Subscription) Receiver() *Receiver {
	return s.receiver
}

// cancelListener moves the subscription to StateCancelled, cancels the
// listener context and closes the cursor. It never waits for the listener,
// so it is safe to call from inside the subscription's own callback.
func (s *Subscription) cancelListener() bool {
	for {
		cur := atomic.LoadInt32(&s.state)
		if SubscriptionState(cur) == StateCancelled {
			return false
		}
		if atomic.CompareAndSwapInt32(&s.state, cur, int32(StateCancelled)) {
			break
		}
	}
	s.cancel()
	s.closeCur()
	return true
}

// Receiver owns a set of subscriptions, at most one per event type, and runs
// their callbacks on an executor.
//
// Example:
//
//	r := channelbus.NewReceiver(bus, channelbus.WithExecutor(mainLoop))
//	defer r.Close()
//
//	channelbus.Subscribe(r, func(ctx context.Context, n RandomNumber) error {
//	    fmt.Println("new random number:", n.Number)
//	    return nil
//	})
type Receiver struct {
	bus             *Bus
	mu              sync.Mutex
	exec            executor.Executor
	subs            map[EventType]*Subscription
	closed          bool
	logger          *slog.Logger
	onError         func(EventType, error)
	recoveryEnabled bool
}

// NewReceiver creates a receiver for bus.
func NewReceiver(bus *Bus, opts ...ReceiverOption) *Receiver {
	o := newReceiverOptions(bus, opts...)
	return &Receiver{
		bus:             bus,
		exec:            o.executor,
		subs:            make(map[EventType]*Subscription),
		logger:          o.logger,
		onError:         o.onError,
		recoveryEnabled: o.recoveryEnabled,
	}
}

// RunCallbacksOn changes the executor used by subscriptions created after
// this call. It returns r for chaining.
func (r *Receiver) RunCallbacksOn(e executor.Executor) *Receiver {
	if e == nil {
		return r
	}
	r.mu.Lock()
	r.exec = e
	r.mu.Unlock()
	return r
}

// Bus returns the bus the receiver subscribes to
func (r *Receiver) Bus() *Bus {
	return r.bus
}

// Subscriptions returns the live subscriptions, sorted by event type name
func (r *Receiver) Subscriptions() []*Subscription {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].typ.String() < subs[j].typ.String()
	})
	return subs
}

// Subscribe starts delivering values of type T to cb. Unless WithSkipRetained
// is given, the value retained at subscription time is delivered first.
//
// Subscribe returns ErrAlreadySubscribed if r already has a live subscription
// for T, ErrReceiverClosed after Close and ErrBusClosed once the bus is closed.
func Subscribe[T any](r *Receiver, cb Callback[T], opts ...SubscribeOption) (*Subscription, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}
	if !r.bus.Running() {
		return nil, ErrBusClosed
	}

	o := newSubscribeOptions(opts...)
	t := TypeOf[T]()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrReceiverClosed
	}
	if existing, ok := r.subs[t]; ok && existing.State() != StateCancelled {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, t)
	}

	cell := forType[T](r.bus).cell
	open := cell.Open
	if o.skipRetained {
		open = cell.OpenNew
	}
	cur := open()

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		id:       NewID(),
		typ:      t,
		receiver: r,
		state:    int32(StateCreated),
		cancel:   cancel,
		closeCur: cur.Close,
		done:     make(chan struct{}),
	}
	r.subs[t] = sub

	l := &listener[T]{
		sub:    sub,
		cursor: cur,
		cb:     cb,
		exec:   r.exec,
		opts:   o,
		logger: r.logger.With("event", t.String(), "subscription", sub.id),
	}
	atomic.CompareAndSwapInt32(&sub.state, int32(StateCreated), int32(StateRunning))
	r.bus.metrics.subscriptionAdded(t)
	go l.run(ctx)

	r.logger.Debug("subscribed", "event", t.String(), "subscription", sub.id)
	return sub, nil
}

// SubscribeListener is Subscribe for a Listener implementation.
func SubscribeListener[T any](r *Receiver, l Listener[T], opts ...SubscribeOption) (*Subscription, error) {
	if l == nil {
		return nil, ErrNilCallback
	}
	return Subscribe[T](r, l.OnEvent, opts...)
}

// Unsubscribe cancels r's subscription for T. It reports whether there was
// one to cancel.
func Unsubscribe[T any](r *Receiver) bool {
	r.mu.Lock()
	sub, ok := r.subs[TypeOf[T]()]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.Unsubscribe(sub)
}

// Unsubscribe cancels sub. A callback that is running is not interrupted
// beyond having its context cancelled. Unsubscribe reports whether sub was
// still live; it is safe to call from any goroutine, including sub's own
// callback.
func (r *Receiver) Unsubscribe(sub *Subscription) bool {
	if sub == nil || sub.receiver != r {
		return false
	}

	r.mu.Lock()
	if r.subs[sub.typ] == sub {
		delete(r.subs, sub.typ)
	}
	r.mu.Unlock()

	return r.cancel(sub)
}

// UnsubscribeAll cancels every subscription. With no subscriptions it does
// nothing. Like Unsubscribe it does not wait for listeners to exit.
func (r *Receiver) UnsubscribeAll() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[EventType]*Subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		r.cancel(sub)
	}
}

// Close cancels every subscription and rejects future ones.
func (r *Receiver) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.UnsubscribeAll()
}

func (r *Receiver) cancel(sub *Subscription) bool {
	if !sub.cancelListener() {
		return false
	}
	r.bus.metrics.subscriptionRemoved(sub.typ)
	r.logger.Debug("unsubscribed", "event", sub.typ.String(), "subscription", sub.id)
	return true
}

// listener is the goroutine side of a subscription
type listener[T any] struct {
	sub    *Subscription
	cursor *conflated.Cursor[envelope[T]]
	cb     Callback[T]
	exec   executor.Executor
	opts   *subscribeOptions
	logger *slog.Logger
}

func (l *listener[T]) run(ctx context.Context) {
	defer close(l.sub.done)
	// The listener also ends when the bus closes the cursor
	defer l.sub.receiver.Unsubscribe(l.sub)

	for {
		env, ok, err := l.next(ctx)
		if err != nil {
			return
		}
		if !ok {
			continue
		}
		// Unsubscribed between receive and dispatch
		if ctx.Err() != nil {
			return
		}
		if err := l.dispatch(ctx, env); err != nil && l.opts.failFast {
			l.logger.Warn("cancelling subscription after callback failure", "error", err)
			return
		}
	}
}

// next receives the next delivery. It reports ok=false for a clear.
func (l *listener[T]) next(ctx context.Context) (envelope[T], bool, error) {
	d, err := l.cursor.Receive(ctx)
	if err != nil {
		return envelope[T]{}, false, err
	}
	env, ok := d.Get()
	if !ok || l.opts.limiter == nil {
		return env, ok, nil
	}

	if err := l.opts.limiter.Wait(ctx); err != nil {
		return envelope[T]{}, false, err
	}
	// A newer value may have arrived while throttled. A clear does not
	// retract the value already taken.
	if newer, polled := l.cursor.Poll(); polled {
		if v, isValue := newer.Get(); isValue {
			env = v
		}
	}
	return env, true, nil
}

// dispatch runs the callback for env on the executor and waits for it
func (l *listener[T]) dispatch(ctx context.Context, env envelope[T]) error {
	r := l.sub.receiver
	t := l.sub.typ

	ctx = contextWithCallbackInfo(ctx, &callbackInfo{
		bus:            r.bus.name,
		subscriptionID: l.sub.id,
		eventType:      t,
		postedAt:       env.postedAt,
		logger:         l.logger,
	})

	if r.bus.tracingEnabled {
		var span trace.Span
		ctx, span = otel.Tracer(r.bus.name).Start(ctx, t.String()+".callback",
			trace.WithAttributes(
				attribute.String(spanKeyEventType, t.String()),
				attribute.String(spanKeyEventBus, r.bus.name),
				attribute.String(spanKeySubscriptionID, l.sub.id)),
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithLinks(trace.Link{SpanContext: env.span}))
		defer span.End()
	}

	if l.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.timeout)
		defer cancel()
	}

	err := l.exec.Execute(ctx, func(ctx context.Context) error {
		return l.call(ctx, env.value)
	})

	if err == nil {
		r.bus.metrics.recordDelivered(ctx, t)
		return nil
	}
	// Executor gave up because the subscription was cancelled: not a failure
	if l.sub.State() == StateCancelled && errors.Is(err, context.Canceled) {
		return nil
	}

	r.bus.metrics.recordFailed(ctx, t)
	l.logger.Warn("callback failed", "error", err)
	r.onError(t, err)
	return err
}

// call invokes the callback, converting a panic into *PanicError when
// recovery is enabled
func (l *listener[T]) call(ctx context.Context, v T) (err error) {
	if l.sub.receiver.recoveryEnabled {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				l.logger.Error("callback panic recovered",
					"panic", rec,
					"stack", string(stack))
				err = &PanicError{Type: l.sub.typ, Value: rec, Stack: stack}
			}
		}()
	}
	return l.cb(ctx, v)
}
