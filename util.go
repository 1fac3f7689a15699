package channelbus

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	spanKeyEventType      = "event.type"
	spanKeyEventBus       = "event.bus"
	spanKeyEventRetain    = "event.retain"
	spanKeySubscriptionID = "subscription.id"
)

// ID generation
var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}
