// Package conflated provides a single-slot, multi-reader broadcast cell.
//
// A Cell holds at most one retained Delivery and any number of Cursors. Posting
// overwrites the retained slot and the pending slot of every cursor, so a slow
// reader only ever observes the latest item and a post never blocks:
//
//	cell := conflated.New[int]()
//	cur := cell.Open()
//	defer cur.Close()
//
//	cell.Post(conflated.Value(1))
//	cell.Post(conflated.Value(2)) // cur will only see 2
//
//	d, err := cur.Receive(ctx)
//
// A Cleared delivery travels through the same slots as values and wakes
// waiting readers, but it never replaces a value a cursor has not consumed
// yet: clearing erases the retained slot without retracting deliveries.
package conflated

import (
	"context"
	"errors"
	"sync"
)

// Cell errors
var (
	ErrClosed       = errors.New("cell closed")
	ErrCursorClosed = errors.New("cursor closed")
)

// Delivery is either a value or the cleared marker.
type Delivery[T any] struct {
	value   T
	cleared bool
}

// Value wraps v as a delivery.
func Value[T any](v T) Delivery[T] {
	return Delivery[T]{value: v}
}

// Cleared returns the delivery that erases the retained value.
func Cleared[T any]() Delivery[T] {
	return Delivery[T]{cleared: true}
}

// Get returns the carried value and true, or the zero value and false for a
// cleared delivery.
func (d Delivery[T]) Get() (T, bool) {
	if d.cleared {
		var zero T
		return zero, false
	}
	return d.value, true
}

// IsCleared reports whether d is the cleared marker.
func (d Delivery[T]) IsCleared() bool {
	return d.cleared
}

// Cell is a conflated broadcast cell for one event type. The zero value is not
// usable; create cells with New.
type Cell[T any] struct {
	mu         sync.Mutex
	retained   Delivery[T]
	hasValue   bool
	cursors    map[*Cursor[T]]struct{}
	closed     bool
	posts      uint64
	conflated  uint64
	onConflate func()
}

// Option configures a cell
type Option func(*options)

type options struct {
	onConflate func()
}

// WithConflateHook sets a function called every time a post overwrites an
// item that a cursor had not consumed yet. It runs with the cell locked and
// must not call back into the cell.
func WithConflateHook(fn func()) Option {
	return func(o *options) {
		if fn != nil {
			o.onConflate = fn
		}
	}
}

// New creates an empty cell.
func New[T any](opts ...Option) *Cell[T] {
	o := &options{onConflate: func() {}}
	for _, opt := range opts {
		opt(o)
	}
	return &Cell[T]{
		cursors:    make(map[*Cursor[T]]struct{}),
		onConflate: o.onConflate,
	}
}

// Post stores d as the retained delivery and makes it the next item of every
// open cursor, replacing anything a cursor has not consumed. A Cleared
// delivery only reaches cursors with nothing pending.
func (c *Cell[T]) Post(d Delivery[T]) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.retained = d
	c.hasValue = true
	c.posts++

	for cur := range c.cursors {
		if cur.hasPending {
			if d.cleared && !cur.pending.cleared {
				continue
			}
			if !cur.pending.cleared {
				c.conflated++
				c.onConflate()
			}
		}
		cur.pending = d
		cur.hasPending = true
		cur.wake()
	}
	return nil
}

// Peek returns the retained delivery without consuming anything. It reports
// false if nothing was ever posted.
func (c *Cell[T]) Peek() (Delivery[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retained, c.hasValue
}

// Open creates a cursor. The retained delivery, if any, is its first item.
// Opening a cursor on a closed cell returns a cursor that is already closed.
func (c *Cell[T]) Open() *Cursor[T] {
	return c.open(true)
}

// OpenNew creates a cursor that starts empty and only sees deliveries posted
// after it was opened.
func (c *Cell[T]) OpenNew() *Cursor[T] {
	return c.open(false)
}

func (c *Cell[T]) open(withRetained bool) *Cursor[T] {
	cur := &Cursor[T]{
		cell:   c,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		cur.closeLocked()
		return cur
	}
	if withRetained && c.hasValue {
		cur.pending = c.retained
		cur.hasPending = true
		cur.wake()
	}
	c.cursors[cur] = struct{}{}
	return cur
}

// Cursors returns the number of open cursors.
func (c *Cell[T]) Cursors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cursors)
}

// Stats returns the number of posts and the number of items overwritten
// before any cursor consumed them.
func (c *Cell[T]) Stats() (posts, conflated uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.posts, c.conflated
}

// Close closes every cursor and rejects further posts. The retained delivery
// stays readable through Peek.
func (c *Cell[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for cur := range c.cursors {
		cur.closeLocked()
		delete(c.cursors, cur)
	}
}

// Cursor is one reader's position in a cell. Pending state is guarded by the
// owning cell's mutex.
type Cursor[T any] struct {
	cell       *Cell[T]
	pending    Delivery[T]
	hasPending bool
	closed     bool
	notify     chan struct{}
	done       chan struct{}
}

func (cur *Cursor[T]) wake() {
	select {
	case cur.notify <- struct{}{}:
	default:
	}
}

// take consumes the pending item. Caller holds the cell lock.
func (cur *Cursor[T]) take() (Delivery[T], bool) {
	if !cur.hasPending {
		return Delivery[T]{}, false
	}
	d := cur.pending
	cur.pending = Delivery[T]{}
	cur.hasPending = false
	return d, true
}

// Receive blocks until an item is pending and consumes it. It returns
// ErrCursorClosed once the cursor is closed and ctx.Err() when ctx is done.
func (cur *Cursor[T]) Receive(ctx context.Context) (Delivery[T], error) {
	for {
		cur.cell.mu.Lock()
		if cur.closed {
			cur.cell.mu.Unlock()
			return Delivery[T]{}, ErrCursorClosed
		}
		d, ok := cur.take()
		cur.cell.mu.Unlock()
		if ok {
			return d, nil
		}

		select {
		case <-cur.notify:
		case <-cur.done:
			return Delivery[T]{}, ErrCursorClosed
		case <-ctx.Done():
			return Delivery[T]{}, ctx.Err()
		}
	}
}

// Poll consumes the pending item if there is one. It never blocks.
func (cur *Cursor[T]) Poll() (Delivery[T], bool) {
	cur.cell.mu.Lock()
	defer cur.cell.mu.Unlock()
	if cur.closed {
		return Delivery[T]{}, false
	}
	return cur.take()
}

// Done is closed when the cursor is closed.
func (cur *Cursor[T]) Done() <-chan struct{} {
	return cur.done
}

// Close removes the cursor from its cell and releases a blocked Receive.
// It is safe to call more than once and from any goroutine.
func (cur *Cursor[T]) Close() {
	cur.cell.mu.Lock()
	defer cur.cell.mu.Unlock()
	if cur.closed {
		return
	}
	cur.closeLocked()
	delete(cur.cell.cursors, cur)
}

func (cur *Cursor[T]) closeLocked() {
	if cur.closed {
		return
	}
	cur.closed = true
	cur.pending = Delivery[T]{}
	cur.hasPending = false
	close(cur.done)
}
