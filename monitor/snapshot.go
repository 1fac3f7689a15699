package monitor

import (
	"context"
	"time"

	"github.com/rbaliyan/channelbus"
)

// Snapshot is a point-in-time view of a bus.
type Snapshot struct {
	BusID   string                 `json:"bus_id" msgpack:"bus_id"`
	Bus     string                 `json:"bus" msgpack:"bus"`
	Status  channelbus.StatusCode  `json:"status" msgpack:"status"`
	Message string                 `json:"message,omitempty" msgpack:"message,omitempty"`
	Types   []channelbus.TypeStats `json:"types" msgpack:"types"`
	TakenAt time.Time              `json:"taken_at" msgpack:"taken_at"`
}

// Take captures the current state of bus.
func Take(ctx context.Context, bus *channelbus.Bus) *Snapshot {
	status := bus.Status(ctx)
	return &Snapshot{
		BusID:   bus.ID(),
		Bus:     bus.Name(),
		Status:  status.Code,
		Message: status.Message,
		Types:   bus.Stats(),
		TakenAt: status.CheckedAt,
	}
}

// IsHealthy reports whether the bus was healthy when the snapshot was taken
func (s *Snapshot) IsHealthy() bool {
	return s.Status == channelbus.StatusHealthy
}

// Type returns the statistics of the named event type
func (s *Snapshot) Type(name string) (channelbus.TypeStats, bool) {
	for _, t := range s.Types {
		if t.Type == name {
			return t, true
		}
	}
	return channelbus.TypeStats{}, false
}
