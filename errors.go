package channelbus

import (
	"errors"
	"fmt"
)

// Bus and receiver errors.
// Use errors.Is() to check for these errors as they are usually wrapped with
// the event type they refer to.
var (
	// ErrBusClosed is returned by operations on a closed bus.
	ErrBusClosed = errors.New("bus is closed")

	// ErrAlreadySubscribed is returned when a receiver already holds a live
	// subscription for the requested event type. It is a configuration
	// error: nothing was subscribed and the existing subscription is intact.
	ErrAlreadySubscribed = errors.New("already subscribed for event type")

	// ErrReceiverClosed is returned by Subscribe after Receiver.Close.
	ErrReceiverClosed = errors.New("receiver is closed")

	// ErrNilCallback is returned by Subscribe when no callback is given.
	ErrNilCallback = errors.New("callback is required")

	// ErrCallbackPanic wraps a panic recovered from a callback.
	ErrCallbackPanic = errors.New("callback panicked")
)

// PanicError carries a value recovered from a panicking callback.
type PanicError struct {
	Type  EventType
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrCallbackPanic, e.Type, e.Value)
}

func (e *PanicError) Unwrap() error {
	return ErrCallbackPanic
}

// mustPost panics when a cell refuses a delivery while its bus is open.
// Cells only refuse after Close, so reaching this is a programming error.
func mustPost(t EventType, err error) {
	if err != nil {
		panic(fmt.Sprintf("channelbus: cell for %s rejected a delivery on an open bus: %v", t, err))
	}
}
