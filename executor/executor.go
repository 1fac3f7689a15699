// Package executor provides the execution contexts that receivers dispatch
// callbacks onto.
//
// An Executor runs one function and returns when that function has finished
// (or when the caller's context gives up waiting). The stock executors are:
//
//   - Inline: runs on the calling goroutine (the subscription's listener)
//   - Loop: a single goroutine that runs every submitted function in order,
//     useful as the "main thread" of an application
//   - Bounded: runs on the calling goroutine but caps how many functions
//     may run at once across all callers
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrStopped is returned by Loop.Execute after the loop has stopped.
var ErrStopped = errors.New("executor stopped")

// Executor runs a function and waits for it.
type Executor interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
}

// Func adapts an ordinary function to the Executor interface.
type Func func(ctx context.Context, fn func(context.Context) error) error

// Execute calls f(ctx, fn)
func (f Func) Execute(ctx context.Context, fn func(context.Context) error) error {
	return f(ctx, fn)
}

type inline struct{}

func (inline) Execute(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// Inline returns an executor that runs functions on the calling goroutine.
func Inline() Executor {
	return inline{}
}

// Bounded runs functions on the calling goroutine while limiting the number
// running concurrently.
type Bounded struct {
	sem *semaphore.Weighted
}

// NewBounded creates a Bounded executor allowing n concurrent functions.
// n below 1 is treated as 1.
func NewBounded(n int64) *Bounded {
	if n < 1 {
		n = 1
	}
	return &Bounded{sem: semaphore.NewWeighted(n)}
}

// Execute waits for a free slot, then runs fn.
func (b *Bounded) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer b.sem.Release(1)
	return fn(ctx)
}

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Loop runs submitted functions one at a time on a single goroutine.
type Loop struct {
	status int32
	jobs   chan *job
	stop   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// LoopOption configures a Loop
type LoopOption func(*loopOptions)

type loopOptions struct {
	queueSize int
	logger    *slog.Logger
}

// WithQueueSize sets how many functions may wait for the loop before
// Execute blocks.
func WithQueueSize(n int) LoopOption {
	return func(o *loopOptions) {
		if n >= 0 {
			o.queueSize = n
		}
	}
}

// WithLogger sets the loop logger
func WithLogger(l *slog.Logger) LoopOption {
	return func(o *loopOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewLoop creates a loop. Nothing runs until Run or Start is called.
func NewLoop(opts ...LoopOption) *Loop {
	o := &loopOptions{
		queueSize: 64,
		logger:    slog.Default().With("component", "executor>loop"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Loop{
		jobs:   make(chan *job, o.queueSize),
		stop:   make(chan struct{}),
		logger: o.logger,
	}
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start(ctx context.Context) {
	go l.Run(ctx)
}

// Run processes functions on the calling goroutine until ctx is done or Stop
// is called. Only one Run may be active at a time; extra calls return
// immediately.
func (l *Loop) Run(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&l.status, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&l.status, 0)

	l.logger.Debug("loop started")
	defer l.logger.Debug("loop stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case j := <-l.jobs:
			l.run(j)
		}
	}
}

func (l *Loop) run(j *job) {
	if err := j.ctx.Err(); err != nil {
		j.done <- err
		return
	}
	j.done <- j.fn(j.ctx)
}

// Stop ends Run. Functions still queued are abandoned and their callers
// receive ErrStopped.
func (l *Loop) Stop() {
	l.once.Do(func() {
		close(l.stop)
	})
}

// Execute queues fn and waits until the loop has run it. If ctx is done
// first, Execute returns ctx.Err() and the loop skips fn if it has not
// started it yet.
func (l *Loop) Execute(ctx context.Context, fn func(context.Context) error) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case <-l.stop:
		return ErrStopped
	default:
	}

	select {
	case l.jobs <- j:
	case <-l.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-l.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compile-time interface checks
var _ Executor = inline{}
var _ Executor = (*Bounded)(nil)
var _ Executor = (*Loop)(nil)
var _ Executor = Func(nil)
