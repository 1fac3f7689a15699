// Package stream publishes monitor snapshots as events.
//
// A Broadcaster periodically takes a snapshot of a source bus and posts it,
// as a monitor.Snapshot value, onto a target bus. Watchers subscribe to
// monitor.Snapshot like any other event type and get the usual retained,
// conflated delivery: a new watcher immediately sees the latest snapshot and
// a slow watcher only sees the newest one.
//
//	b := stream.NewBroadcaster(appBus, stream.WithTarget(opsBus))
//	b.Start(ctx)
//	defer b.Stop()
//
//	stream.Watch(opsReceiver, func(ctx context.Context, s monitor.Snapshot) error {
//	    log.Println(s.Bus, s.Status)
//	    return nil
//	})
package stream

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rbaliyan/channelbus"
	"github.com/rbaliyan/channelbus/monitor"
)

// DefaultInterval is the default interval between snapshots.
const DefaultInterval = time.Second

type options struct {
	target   *channelbus.Bus
	interval time.Duration
	always   bool
	logger   *slog.Logger
}

// Option configures a Broadcaster
type Option func(*options)

// WithTarget posts snapshots onto bus instead of the source bus
func WithTarget(bus *channelbus.Bus) Option {
	return func(o *options) {
		o.target = bus
	}
}

// WithInterval sets the snapshot interval
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithUnchanged posts every snapshot, even when nothing but its timestamp
// changed. By default unchanged snapshots are skipped.
func WithUnchanged() Option {
	return func(o *options) {
		o.always = true
	}
}

// WithLogger sets the broadcaster logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Broadcaster posts snapshots of a bus at a fixed interval.
type Broadcaster struct {
	source   *channelbus.Bus
	target   *channelbus.Bus
	interval time.Duration
	always   bool
	logger   *slog.Logger

	mu      sync.Mutex
	last    *monitor.Snapshot
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewBroadcaster creates a Broadcaster for source.
func NewBroadcaster(source *channelbus.Bus, opts ...Option) *Broadcaster {
	o := &options{
		target:   source,
		interval: DefaultInterval,
		logger:   source.Logger().With("component", "monitor>stream"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.target == nil {
		o.target = source
	}

	return &Broadcaster{
		source:   source,
		target:   o.target,
		interval: o.interval,
		always:   o.always,
		logger:   o.logger,
	}
}

// Start posts a first snapshot and keeps posting until ctx is done or Stop is
// called. Calling Start while running has no effect; after Stop it starts
// again.
func (b *Broadcaster) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.done = make(chan struct{})

	b.wg.Add(1)
	go b.loop(ctx, b.done)
}

// Stop stops the broadcaster and waits for its goroutine.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	done := b.done
	b.mu.Unlock()

	close(done)
	b.wg.Wait()
}

func (b *Broadcaster) loop(ctx context.Context, done <-chan struct{}) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		if err := b.Publish(ctx); err != nil {
			b.logger.Debug("snapshot not published", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

// Publish takes a snapshot now and posts it if it differs from the previous
// one. It returns channelbus.ErrBusClosed once the target bus is closed.
func (b *Broadcaster) Publish(ctx context.Context) error {
	snap := monitor.Take(ctx, b.source)

	b.mu.Lock()
	if !b.always && b.last != nil && b.sameState(b.last, snap) {
		b.mu.Unlock()
		return nil
	}
	b.last = snap
	b.mu.Unlock()

	return channelbus.Post(ctx, b.target, *snap)
}

// Last returns the last snapshot posted, or nil
func (b *Broadcaster) Last() *monitor.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// sameState compares two snapshots. When snapshots are posted onto the bus
// they describe, the stats of monitor.Snapshot itself are ignored, since
// every post changes them.
func (b *Broadcaster) sameState(x, y *monitor.Snapshot) bool {
	if x.Status != y.Status || x.Message != y.Message {
		return false
	}
	if b.target != b.source {
		return slices.Equal(x.Types, y.Types)
	}
	return slices.Equal(withoutSnapshots(x.Types), withoutSnapshots(y.Types))
}

var snapshotType = channelbus.TypeOf[monitor.Snapshot]().String()

func withoutSnapshots(types []channelbus.TypeStats) []channelbus.TypeStats {
	return slices.DeleteFunc(slices.Clone(types), func(s channelbus.TypeStats) bool {
		return s.Type == snapshotType
	})
}

// Watch subscribes fn to the snapshots posted on r's bus.
func Watch(r *channelbus.Receiver, fn channelbus.Callback[monitor.Snapshot], opts ...channelbus.SubscribeOption) (*channelbus.Subscription, error) {
	return channelbus.Subscribe(r, fn, opts...)
}
