package channelbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/channelbus/conflated"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	busRunning = 1
	busStopped = 0
)

// DefaultBusName is used when NewBus is called with an empty name
var DefaultBusName = "channelbus"

// StatusCode represents the health state of the bus
type StatusCode string

const (
	// StatusHealthy indicates the bus is functioning normally
	StatusHealthy StatusCode = "healthy"
	// StatusUnhealthy indicates the bus is closed
	StatusUnhealthy StatusCode = "unhealthy"
)

// Status contains detailed status information for the bus
type Status struct {
	Code      StatusCode     `json:"status" msgpack:"status"`
	Message   string         `json:"message,omitempty" msgpack:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty" msgpack:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at" msgpack:"checked_at"`
}

// IsHealthy returns true if the status code is healthy
func (s *Status) IsHealthy() bool {
	return s.Code == StatusHealthy
}

// TypeStats describes the cell of one event type
type TypeStats struct {
	Type      string `json:"type" msgpack:"type"`
	Retained  bool   `json:"retained" msgpack:"retained"`
	Cursors   int    `json:"cursors" msgpack:"cursors"`
	Posts     uint64 `json:"posts" msgpack:"posts"`
	Conflated uint64 `json:"conflated" msgpack:"conflated"`
}

// envelope is what a cell actually stores for a value of type T
type envelope[T any] struct {
	value    T
	span     trace.SpanContext
	postedAt time.Time
}

// cellHandle is the type-erased view of a cell used for bus-wide operations
type cellHandle interface {
	eventType() EventType
	stats() TypeStats
	close()
}

// typedCell binds a conflated cell to its event type
type typedCell[T any] struct {
	typ  EventType
	cell *conflated.Cell[envelope[T]]
}

func (c *typedCell[T]) eventType() EventType {
	return c.typ
}

func (c *typedCell[T]) stats() TypeStats {
	posts, dropped := c.cell.Stats()
	d, ok := c.cell.Peek()
	return TypeStats{
		Type:      c.typ.String(),
		Retained:  ok && !d.IsCleared(),
		Cursors:   c.cell.Cursors(),
		Posts:     posts,
		Conflated: dropped,
	}
}

func (c *typedCell[T]) close() {
	c.cell.Close()
}

// Bus is a registry of conflated cells, one per event type.
//
// Cells are created on first use and live until the bus is closed. A Bus is
// safe for concurrent use; create as many independent buses as needed.
type Bus struct {
	status         int32
	id             string
	name           string
	cells          sync.Map // map[EventType]cellHandle
	logger         *slog.Logger
	tracingEnabled bool
	metrics        *busMetrics
}

// NewBus creates a new, empty bus.
//
// Example:
//
//	bus := channelbus.NewBus("app")
//	defer bus.Close(ctx)
//
//	channelbus.Post(ctx, bus, RandomNumber{Number: 7})
//	n, ok := channelbus.GetLast[RandomNumber](bus)
func NewBus(name string, opts ...BusOption) *Bus {
	o := newBusOptions(opts...)

	if name == "" {
		name = DefaultBusName
	}

	return &Bus{
		status:         busRunning,
		id:             NewID(),
		name:           name,
		logger:         o.logger.With("component", "bus>"+name),
		tracingEnabled: o.tracingEnabled,
		metrics:        newBusMetrics(name, o.metricsEnabled),
	}
}

// ID returns the bus ID
func (b *Bus) ID() string {
	return b.id
}

// Name returns the bus name
func (b *Bus) Name() string {
	return b.name
}

// Running returns true if bus is running
func (b *Bus) Running() bool {
	return atomic.LoadInt32(&b.status) == busRunning
}

// Logger returns the bus logger
func (b *Bus) Logger() *slog.Logger {
	return b.logger
}

// Close closes every cell. Pending Await calls return ErrBusClosed and all
// subscriptions on the bus end. Retained values remain readable with GetLast.
func (b *Bus) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&b.status, busRunning, busStopped) {
		b.cells.Range(func(key, value any) bool {
			value.(cellHandle).close()
			return true
		})
		b.logger.Debug("bus closed")
	}
	return nil
}

// Types returns every event type that has a cell, sorted by name
func (b *Bus) Types() []EventType {
	var types []EventType
	b.cells.Range(func(key, value any) bool {
		types = append(types, key.(EventType))
		return true
	})
	sort.Slice(types, func(i, j int) bool {
		return types[i].String() < types[j].String()
	})
	return types
}

// Stats returns per-type cell statistics, sorted by type name
func (b *Bus) Stats() []TypeStats {
	var stats []TypeStats
	b.cells.Range(func(key, value any) bool {
		stats = append(stats, value.(cellHandle).stats())
		return true
	})
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Type < stats[j].Type
	})
	return stats
}

// Status returns detailed status information about the bus.
func (b *Bus) Status(ctx context.Context) *Status {
	result := &Status{
		CheckedAt: time.Now(),
		Details:   map[string]any{"bus_name": b.name, "bus_id": b.id},
	}

	if !b.Running() {
		result.Code = StatusUnhealthy
		result.Message = "bus is closed"
		return result
	}

	var types, cursors, retained int
	for _, s := range b.Stats() {
		types++
		cursors += s.Cursors
		if s.Retained {
			retained++
		}
	}
	result.Code = StatusHealthy
	result.Message = "bus is healthy"
	result.Details["event_types"] = types
	result.Details["cursors"] = cursors
	result.Details["retained"] = retained
	return result
}

// Health performs a health check suitable for health probes.
// Returns nil if the bus is healthy, or an error describing the issue.
func (b *Bus) Health(ctx context.Context) error {
	status := b.Status(ctx)
	if status.Code == StatusUnhealthy {
		return errors.New(status.Message)
	}
	return nil
}

// forType returns the cell for T, creating it on first use. Concurrent first
// calls for the same type agree on a single cell.
func forType[T any](b *Bus) *typedCell[T] {
	t := TypeOf[T]()
	if v, ok := b.cells.Load(t); ok {
		return v.(*typedCell[T])
	}

	c := &typedCell[T]{
		typ: t,
		cell: conflated.New[envelope[T]](conflated.WithConflateHook(func() {
			b.metrics.recordConflated(t)
		})),
	}
	actual, loaded := b.cells.LoadOrStore(t, c)
	if !loaded {
		b.logger.Debug("created cell", "event", t.String())
		// Close raced with creation: make sure the new cell does not outlive the bus
		if !b.Running() {
			c.close()
		}
	}
	return actual.(*typedCell[T])
}

// lookup returns the cell for T without creating it
func lookup[T any](b *Bus) (*typedCell[T], bool) {
	v, ok := b.cells.Load(TypeOf[T]())
	if !ok {
		return nil, false
	}
	return v.(*typedCell[T]), true
}

// postTo delivers d to c, translating a refusal into ErrBusClosed when the
// bus was closed meanwhile
func postTo[T any](b *Bus, c *typedCell[T], d conflated.Delivery[envelope[T]]) error {
	err := c.cell.Post(d)
	if err != nil && !b.Running() {
		return fmt.Errorf("%w: post %s", ErrBusClosed, c.typ)
	}
	// Panics on refusal while running; see mustPost
	mustPost(c.typ, err)
	return nil
}

// Post stores v as the latest value of its type and delivers it to every
// current subscriber of that type. Post never blocks on subscribers.
//
// With WithRetain(false), current subscribers still receive v once, but the
// retained slot is cleared right after, so GetLast and later subscribers do
// not see it.
func Post[T any](ctx context.Context, b *Bus, v T, opts ...PostOption) error {
	if !b.Running() {
		return ErrBusClosed
	}

	o := newPostOptions(opts...)
	c := forType[T](b)

	if b.tracingEnabled {
		var span trace.Span
		ctx, span = otel.Tracer(b.name).Start(ctx, c.typ.String()+".post",
			trace.WithAttributes(
				attribute.String(spanKeyEventType, c.typ.String()),
				attribute.String(spanKeyEventBus, b.name),
				attribute.Bool(spanKeyEventRetain, o.retain)),
			trace.WithSpanKind(trace.SpanKindProducer))
		defer span.End()
	}

	env := envelope[T]{
		value:    v,
		span:     trace.SpanContextFromContext(ctx),
		postedAt: time.Now(),
	}
	if err := postTo(b, c, conflated.Value(env)); err != nil {
		return err
	}
	b.metrics.recordPosted(ctx, c.typ)

	if !o.retain {
		return clearCell(ctx, b, c)
	}
	return nil
}

// GetLast returns the retained value of type T. It reports false if nothing
// was posted yet or the value was cleared. GetLast never creates a cell.
func GetLast[T any](b *Bus) (T, bool) {
	var zero T
	c, ok := lookup[T](b)
	if !ok {
		return zero, false
	}
	d, ok := c.cell.Peek()
	if !ok {
		return zero, false
	}
	env, ok := d.Get()
	if !ok {
		return zero, false
	}
	return env.value, true
}

// Clear drops the retained value of type T. Subscribers are not called for a
// clear. Clearing a type that was never used is a no-op.
func Clear[T any](ctx context.Context, b *Bus) error {
	if !b.Running() {
		return ErrBusClosed
	}
	c, ok := lookup[T](b)
	if !ok {
		return nil
	}
	return clearCell(ctx, b, c)
}

func clearCell[T any](ctx context.Context, b *Bus, c *typedCell[T]) error {
	if err := postTo(b, c, conflated.Cleared[envelope[T]]()); err != nil {
		return err
	}
	b.metrics.recordCleared(ctx, c.typ)
	b.logger.Debug("cleared retained value", "event", c.typ.String())
	return nil
}

// Await returns the retained value of type T, or waits for the next post if
// none is retained. With AwaitNew the retained value is ignored. Clears are
// skipped while waiting.
//
// Await returns ctx.Err() if ctx is done first, and ErrBusClosed if the bus
// is closed while waiting.
func Await[T any](ctx context.Context, b *Bus, opts ...AwaitOption) (T, error) {
	var zero T
	if !b.Running() {
		return zero, ErrBusClosed
	}

	o := newAwaitOptions(opts...)
	cell := forType[T](b).cell
	open := cell.Open
	if o.skipRetained {
		open = cell.OpenNew
	}
	cur := open()
	defer cur.Close()

	for {
		d, err := cur.Receive(ctx)
		if err != nil {
			if errors.Is(err, conflated.ErrCursorClosed) {
				return zero, ErrBusClosed
			}
			return zero, err
		}
		if env, ok := d.Get(); ok {
			return env.value, nil
		}
	}
}
