package channelbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/channelbus/executor"
	"github.com/rbaliyan/channelbus/ratelimit"
	"syreclabs.com/go/faker"
)

func waitDone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(waitTimeout):
		t.Fatal("listener did not exit")
	}
}

func TestRandomNumberScenario(t *testing.T) {
	ctx := context.Background()
	bus := TestBus()
	defer bus.Close(ctx)

	Post(ctx, bus, RandomNumber{Number: 7})

	r := NewReceiver(bus)
	defer r.Close()
	rec := NewRecorder[RandomNumber](nil)
	if _, err := Subscribe(r, rec.Callback()); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if !rec.WaitFor(1, waitTimeout) {
		t.Fatal("retained 7 not delivered")
	}

	Post(ctx, bus, RandomNumber{Number: 8})
	if !rec.WaitFor(2, waitTimeout) {
		t.Fatal("8 not delivered")
	}

	Clear[RandomNumber](ctx, bus)
	if _, ok := GetLast[RandomNumber](bus); ok {
		t.Error("expected no retained value after clear")
	}
	time.Sleep(20 * time.Millisecond)

	want := []RandomNumber{{Number: 7}, {Number: 8}}
	if diff := cmp.Diff(want, rec.Values()); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	noop := func(context.Context, RandomNumber) error { return nil }

	t.Run("duplicate rejected", func(t *testing.T) {
		bus := TestBus()
		r := NewReceiver(bus)
		defer r.Close()

		first, err := Subscribe(r, noop)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		if _, err := Subscribe(r, noop); !errors.Is(err, ErrAlreadySubscribed) {
			t.Errorf("expected ErrAlreadySubscribed, got %v", err)
		}
		if first.State() != StateRunning {
			t.Errorf("existing subscription disturbed: %s", first.State())
		}
		if n := len(r.Subscriptions()); n != 1 {
			t.Errorf("expected 1 subscription, got %d", n)
		}
	})

	t.Run("other types allowed", func(t *testing.T) {
		bus := TestBus()
		r := NewReceiver(bus)
		defer r.Close()

		Subscribe(r, noop)
		if _, err := Subscribe(r, func(context.Context, Greeting) error { return nil }); err != nil {
			t.Errorf("Subscribe for another type failed: %v", err)
		}
		subs := r.Subscriptions()
		if len(subs) != 2 || subs[0].Type() != TypeOf[Greeting]() {
			t.Errorf("unexpected subscriptions %v", subs)
		}
	})

	t.Run("nil callback", func(t *testing.T) {
		r := NewReceiver(TestBus())
		if _, err := Subscribe[RandomNumber](r, nil); !errors.Is(err, ErrNilCallback) {
			t.Errorf("expected ErrNilCallback, got %v", err)
		}
	})

	t.Run("closed receiver", func(t *testing.T) {
		r := NewReceiver(TestBus())
		r.Close()
		if _, err := Subscribe(r, noop); !errors.Is(err, ErrReceiverClosed) {
			t.Errorf("expected ErrReceiverClosed, got %v", err)
		}
	})

	t.Run("late subscriber", func(t *testing.T) {
		bus := TestBus()
		n := faker.RandomInt(1, 1000)
		Post(ctx, bus, RandomNumber{Number: n})

		r := NewReceiver(bus)
		defer r.Close()
		withRetained := NewRecorder[RandomNumber](nil)
		Subscribe(r, withRetained.Callback())

		r2 := NewReceiver(bus)
		defer r2.Close()
		skipped := NewRecorder[RandomNumber](nil)
		Subscribe(r2, skipped.Callback(), WithSkipRetained())

		if !withRetained.WaitFor(1, waitTimeout) {
			t.Fatal("retained value not delivered")
		}
		if v, _ := withRetained.Last(); v.Number != n {
			t.Errorf("expected %d, got %d", n, v.Number)
		}
		if skipped.WaitFor(1, 50*time.Millisecond) {
			t.Errorf("skipRetained subscriber received %v", skipped.Values())
		}

		Post(ctx, bus, RandomNumber{Number: n + 1})
		if !skipped.WaitFor(1, waitTimeout) {
			t.Fatal("next value not delivered")
		}
		if v, _ := skipped.Last(); v.Number != n+1 {
			t.Errorf("expected %d, got %d", n+1, v.Number)
		}
	})

	t.Run("fan out", func(t *testing.T) {
		bus := TestBus()
		var recs []*Recorder[Greeting]
		for range 5 {
			r := NewReceiver(bus)
			defer r.Close()
			rec := NewRecorder[Greeting](nil)
			Subscribe(r, rec.Callback())
			recs = append(recs, rec)
		}

		text := faker.Lorem().Sentence(4)
		Post(ctx, bus, Greeting{Text: text})
		for i, rec := range recs {
			if !rec.WaitFor(1, waitTimeout) {
				t.Fatalf("receiver %d got nothing", i)
			}
			if v, _ := rec.Last(); v.Text != text {
				t.Errorf("receiver %d: expected %q, got %q", i, text, v.Text)
			}
		}
	})

	t.Run("listener interface", func(t *testing.T) {
		bus := TestBus()
		r := NewReceiver(bus)
		defer r.Close()

		l := &greetingListener{got: make(chan string, 1)}
		if _, err := SubscribeListener[Greeting](r, l); err != nil {
			t.Fatalf("SubscribeListener failed: %v", err)
		}
		Post(ctx, bus, Greeting{Text: "hello"})
		select {
		case s := <-l.got:
			if s != "hello" {
				t.Errorf("expected hello, got %q", s)
			}
		case <-time.After(waitTimeout):
			t.Fatal("listener not called")
		}
	})

	t.Run("callback context", func(t *testing.T) {
		bus := TestBus()
		r := NewReceiver(bus)
		defer r.Close()

		type info struct {
			bus, sub, typ string
			posted       bool
		}
		got := make(chan info, 1)
		sub, _ := Subscribe(r, func(ctx context.Context, _ RandomNumber) error {
			got <- info{
				bus:    ContextBusName(ctx),
				sub:    ContextSubscriptionID(ctx),
				typ:    ContextEventType(ctx).String(),
				posted: !ContextPostedAt(ctx).IsZero(),
			}
			return nil
		})
		Post(ctx, bus, RandomNumber{Number: 1})

		select {
		case i := <-got:
			want := info{bus: "test-bus", sub: sub.ID(), typ: "channelbus.RandomNumber", posted: true}
			if diff := cmp.Diff(want, i, cmp.AllowUnexported(info{})); diff != "" {
				t.Errorf("context mismatch (-want +got):\n%s", diff)
			}
		case <-time.After(waitTimeout):
			t.Fatal("callback not called")
		}
	})
}

type greetingListener struct {
	got chan string
}

func (l *greetingListener) OnEvent(_ context.Context, g Greeting) error {
	l.got <- g.Text
	return nil
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("stops delivery", func(t *testing.T) {
		bus := TestBus()
		r := NewReceiver(bus)
		rec := NewRecorder[RandomNumber](nil)
		sub, _ := Subscribe(r, rec.Callback())

		Post(ctx, bus, RandomNumber{Number: 1})
		rec.WaitFor(1, waitTimeout)

		if !Unsubscribe[RandomNumber](r) {
			t.Fatal("expected Unsubscribe to report a live subscription")
		}
		if Unsubscribe[RandomNumber](r) {
			t.Error("second Unsubscribe must report false")
		}
		waitDone(t, sub)
		if sub.State() != StateCancelled {
			t.Errorf("expected cancelled, got %s", sub.State())
		}

		Post(ctx, bus, RandomNumber{Number: 2})
		time.Sleep(20 * time.Millisecond)
		if n := rec.Count(); n != 1 {
			t.Errorf("expected 1 delivery, got %d", n)
		}
		if s := bus.Stats(); s[0].Cursors != 0 {
			t.Errorf("cursor leaked: %+v", s[0])
		}
	})

	t.Run("resubscribe", func(t *testing.T) {
		bus := TestBus()
		r := NewReceiver(bus)
		defer r.Close()
		sub, _ := Subscribe(r, func(context.Context, RandomNumber) error { return nil })
		sub.Unsubscribe()

		rec := NewRecorder[RandomNumber](nil)
		if _, err := Subscribe(r, rec.Callback()); err != nil {
			t.Fatalf("resubscribe failed: %v", err)
		}
		Post(ctx, bus, RandomNumber{Number: 3})
		if !rec.WaitFor(1, waitTimeout) {
			t.Error("resubscribed callback not called")
		}
	})

	t.Run("from inside callback", func(t *testing.T) {
		bus := TestBus()
		r := NewReceiver(bus)
		var calls int32
		sub, _ := Subscribe(r, func(ctx context.Context, _ RandomNumber) error {
			atomic.AddInt32(&calls, 1)
			r.UnsubscribeAll()
			return nil
		})

		Post(ctx, bus, RandomNumber{Number: 1})
		waitDone(t, sub)
		Post(ctx, bus, RandomNumber{Number: 2})
		time.Sleep(20 * time.Millisecond)
		if n := atomic.LoadInt32(&calls); n != 1 {
			t.Errorf("expected 1 call, got %d", n)
		}
	})

	t.Run("unsubscribe all", func(t *testing.T) {
		bus := TestBus()
		r := NewReceiver(bus)
		r.UnsubscribeAll()

		a, _ := Subscribe(r, func(context.Context, RandomNumber) error { return nil })
		b, _ := Subscribe(r, func(context.Context, Greeting) error { return nil })
		r.UnsubscribeAll()
		r.UnsubscribeAll()

		waitDone(t, a)
		waitDone(t, b)
		if n := len(r.Subscriptions()); n != 0 {
			t.Errorf("expected no subscriptions, got %d", n)
		}
	})

	t.Run("foreign subscription", func(t *testing.T) {
		bus := TestBus()
		r1, r2 := NewReceiver(bus), NewReceiver(bus)
		defer r1.Close()
		sub, _ := Subscribe(r1, func(context.Context, RandomNumber) error { return nil })
		if r2.Unsubscribe(sub) {
			t.Error("receiver must not cancel another receiver's subscription")
		}
		if sub.State() != StateRunning {
			t.Errorf("expected running, got %s", sub.State())
		}
	})

	t.Run("bus close ends subscriptions", func(t *testing.T) {
		bus := TestBus()
		r := NewReceiver(bus)
		sub, _ := Subscribe(r, func(context.Context, RandomNumber) error { return nil })
		bus.Close(ctx)
		waitDone(t, sub)
		if sub.State() != StateCancelled {
			t.Errorf("expected cancelled, got %s", sub.State())
		}
	})
}

func TestCallbackErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("panic recovered", func(t *testing.T) {
		bus := TestBus()
		errs := make(chan error, 4)
		r := NewReceiver(bus, WithErrorHandler(func(_ EventType, err error) { errs <- err }))
		defer r.Close()

		rec := NewRecorder(func(_ context.Context, n RandomNumber) error {
			if n.Number == 1 {
				panic("boom")
			}
			return nil
		})
		Subscribe(r, rec.Callback())

		Post(ctx, bus, RandomNumber{Number: 1})
		select {
		case err := <-errs:
			var pe *PanicError
			if !errors.As(err, &pe) || !errors.Is(err, ErrCallbackPanic) {
				t.Fatalf("expected *PanicError, got %v", err)
			}
			if pe.Value != "boom" || len(pe.Stack) == 0 {
				t.Errorf("unexpected panic error %+v", pe)
			}
		case <-time.After(waitTimeout):
			t.Fatal("error handler not called")
		}

		Post(ctx, bus, RandomNumber{Number: 2})
		if !rec.WaitFor(2, waitTimeout) {
			t.Error("subscription did not survive the panic")
		}
	})

	t.Run("error keeps subscription", func(t *testing.T) {
		bus := TestBus()
		var failures int32
		r := NewReceiver(bus, WithErrorHandler(func(EventType, error) { atomic.AddInt32(&failures, 1) }))
		defer r.Close()

		rec := NewRecorder(func(context.Context, RandomNumber) error { return errors.New("failed") })
		sub, _ := Subscribe(r, rec.Callback())
		Post(ctx, bus, RandomNumber{Number: 1})
		rec.WaitFor(1, waitTimeout)
		Post(ctx, bus, RandomNumber{Number: 2})
		if !rec.WaitFor(2, waitTimeout) {
			t.Fatal("second value not delivered")
		}
		if sub.State() != StateRunning {
			t.Errorf("expected running, got %s", sub.State())
		}
		time.Sleep(10 * time.Millisecond)
		if n := atomic.LoadInt32(&failures); n != 2 {
			t.Errorf("expected 2 reported failures, got %d", n)
		}
	})

	t.Run("fail fast", func(t *testing.T) {
		bus := TestBus()
		r := NewReceiver(bus)
		defer r.Close()

		sub, _ := Subscribe(r, func(context.Context, RandomNumber) error {
			return errors.New("failed")
		}, WithFailFast())
		Post(ctx, bus, RandomNumber{Number: 1})
		waitDone(t, sub)
		if sub.State() != StateCancelled {
			t.Errorf("expected cancelled, got %s", sub.State())
		}
		if n := len(r.Subscriptions()); n != 0 {
			t.Errorf("expected subscription removed, got %d", n)
		}
	})

	t.Run("callback timeout", func(t *testing.T) {
		bus := TestBus()
		errs := make(chan error, 1)
		r := NewReceiver(bus, WithErrorHandler(func(_ EventType, err error) { errs <- err }))
		defer r.Close()

		Subscribe(r, func(ctx context.Context, _ RandomNumber) error {
			<-ctx.Done()
			return ctx.Err()
		}, WithCallbackTimeout(10*time.Millisecond))
		Post(ctx, bus, RandomNumber{Number: 1})

		select {
		case err := <-errs:
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("expected DeadlineExceeded, got %v", err)
			}
		case <-time.After(waitTimeout):
			t.Fatal("callback did not time out")
		}
	})
}

func TestExecutors(t *testing.T) {
	ctx := context.Background()

	t.Run("loop", func(t *testing.T) {
		bus := TestBus()
		loop := executor.NewLoop()
		defer loop.Stop()

		r := NewReceiver(bus, WithExecutor(loop))
		defer r.Close()
		rec := NewRecorder[RandomNumber](nil)
		Subscribe(r, rec.Callback())
		Post(ctx, bus, RandomNumber{Number: 1})

		if rec.WaitFor(1, 30*time.Millisecond) {
			t.Fatal("callback ran before the loop started")
		}

		loopCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		loop.Start(loopCtx)
		if !rec.WaitFor(1, waitTimeout) {
			t.Fatal("callback not run by the loop")
		}
	})

	t.Run("run callbacks on", func(t *testing.T) {
		bus := TestBus()
		var wrapped int32
		counting := executor.Func(func(ctx context.Context, fn func(context.Context) error) error {
			atomic.AddInt32(&wrapped, 1)
			return fn(ctx)
		})

		r := NewReceiver(bus).RunCallbacksOn(counting)
		defer r.Close()
		rec := NewRecorder[RandomNumber](nil)
		Subscribe(r, rec.Callback())
		Post(ctx, bus, RandomNumber{Number: 1})

		if !rec.WaitFor(1, waitTimeout) {
			t.Fatal("callback not called")
		}
		if n := atomic.LoadInt32(&wrapped); n != 1 {
			t.Errorf("expected executor to run 1 callback, got %d", n)
		}
	})

	t.Run("callbacks never overlap", func(t *testing.T) {
		bus := TestBus()
		r := NewReceiver(bus, WithExecutor(executor.NewBounded(4)))
		defer r.Close()

		var active, overlaps int32
		rec := NewRecorder(func(context.Context, RandomNumber) error {
			if atomic.AddInt32(&active, 1) > 1 {
				atomic.AddInt32(&overlaps, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		})
		Subscribe(r, rec.Callback())
		for i := range 100 {
			Post(ctx, bus, RandomNumber{Number: i})
		}
		if !rec.WaitForValue(func(n RandomNumber) bool { return n.Number == 99 }, waitTimeout) {
			t.Fatal("latest value never delivered")
		}
		if n := atomic.LoadInt32(&overlaps); n != 0 {
			t.Errorf("callbacks overlapped %d times", n)
		}

		values := rec.Values()
		for i := 1; i < len(values); i++ {
			if values[i].Number <= values[i-1].Number {
				t.Fatalf("out of order delivery: %v", values)
			}
		}
	})
}

func TestThrottle(t *testing.T) {
	ctx := context.Background()
	bus := TestBus()
	r := NewReceiver(bus)
	defer r.Close()

	rec := NewRecorder[RandomNumber](nil)
	Subscribe(r, rec.Callback(), WithThrottle(ratelimit.Every(50*time.Millisecond)))

	for i := range 20 {
		Post(ctx, bus, RandomNumber{Number: i})
		time.Sleep(2 * time.Millisecond)
	}

	if !rec.WaitForValue(func(n RandomNumber) bool { return n.Number == 19 }, waitTimeout) {
		t.Fatalf("latest value never delivered, got %v", rec.Values())
	}
	if n := rec.Count(); n >= 20 {
		t.Errorf("expected throttling to conflate values, got %d callbacks", n)
	}
}

func TestMiddleware(t *testing.T) {
	ctx := context.Background()

	t.Run("chain order", func(t *testing.T) {
		var order []string
		mw := func(name string) Middleware[int] {
			return func(next Callback[int]) Callback[int] {
				return func(ctx context.Context, v int) error {
					order = append(order, name)
					return next(ctx, v)
				}
			}
		}
		cb := Chain(func(context.Context, int) error {
			order = append(order, "callback")
			return nil
		}, mw("a"), nil, mw("b"))

		cb(ctx, 1)
		if diff := cmp.Diff([]string{"a", "b", "callback"}, order); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("distinct", func(t *testing.T) {
		var got []int
		fail := true
		cb := Chain(func(_ context.Context, v int) error {
			got = append(got, v)
			if v == 3 && fail {
				fail = false
				return errors.New("failed")
			}
			return nil
		}, Distinct[int]())

		for _, v := range []int{1, 1, 2, 2, 3, 3, 1} {
			cb(ctx, v)
		}
		if diff := cmp.Diff([]int{1, 2, 3, 3, 1}, got); diff != "" {
			t.Errorf("values mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("filter", func(t *testing.T) {
		var got []int
		cb := Chain(func(_ context.Context, v int) error {
			got = append(got, v)
			return nil
		}, Filter(func(v int) bool { return v%2 == 0 }))
		for v := range 6 {
			cb(ctx, v)
		}
		if diff := cmp.Diff([]int{0, 2, 4}, got); diff != "" {
			t.Errorf("values mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("circuit breaker", func(t *testing.T) {
		breaker := NewCircuitBreaker(2, 1, time.Minute)
		now := time.Now()
		breaker.now = func() time.Time { return now }

		var calls int
		failing := true
		cb := Chain(func(context.Context, int) error {
			calls++
			if failing {
				return errors.New("failed")
			}
			return nil
		}, CircuitBreakerMiddleware[int](breaker))

		cb(ctx, 1)
		cb(ctx, 2)
		if breaker.State() != CircuitOpen {
			t.Fatalf("expected open, got %s", breaker.State())
		}

		var open *CircuitOpenError
		if err := cb(ctx, 3); !errors.As(err, &open) {
			t.Errorf("expected *CircuitOpenError, got %v", err)
		}
		if calls != 2 {
			t.Errorf("expected 2 calls, got %d", calls)
		}

		now = now.Add(2 * time.Minute)
		failing = false
		if err := cb(ctx, 4); err != nil {
			t.Errorf("half-open call failed: %v", err)
		}
		if breaker.State() != CircuitClosed {
			t.Errorf("expected closed, got %s", breaker.State())
		}
	})
}
