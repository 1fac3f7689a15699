// Package monitor provides callback tracking and bus introspection.
//
// Two kinds of data are exposed:
//   - Entries: one record per callback invocation, written by Middleware into
//     a Store (status, duration, error, trace correlation)
//   - Snapshots: a point-in-time view of a bus (status and per-type cell
//     statistics), taken with Take
//
// Example usage:
//
//	store := monitor.NewMemoryStore(monitor.WithMaxEntries(10000))
//	defer store.Close()
//
//	channelbus.Subscribe(r, channelbus.Chain(onPosition,
//	    monitor.Middleware[Position](store)))
//
//	page, err := store.List(ctx, monitor.Filter{
//	    Status:    []monitor.Status{monitor.StatusFailed},
//	    StartTime: time.Now().Add(-time.Hour),
//	    Limit:     100,
//	})
package monitor

import (
	"time"
)

// Status represents the processing status of a monitor entry.
type Status string

const (
	// StatusPending indicates the callback has started but not completed.
	StatusPending Status = "pending"

	// StatusCompleted indicates the callback returned nil.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the callback returned an error or panicked.
	StatusFailed Status = "failed"
)

// ParseStatus parses a string into a Status.
// Returns false for unknown values.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusCompleted, StatusFailed:
		return Status(s), true
	default:
		return "", false
	}
}

// Entry represents a single callback invocation.
type Entry struct {
	// ID is unique per invocation
	ID             string `json:"id" msgpack:"id"`
	SubscriptionID string `json:"subscription_id" msgpack:"subscription_id"`

	// Delivery context
	EventType string `json:"event_type" msgpack:"event_type"`
	Bus       string `json:"bus" msgpack:"bus"`

	// Processing status
	Status Status `json:"status" msgpack:"status"`
	Error  string `json:"error,omitempty" msgpack:"error,omitempty"`

	// Timing. Latency is the time between the post and the callback start.
	PostedAt    time.Time     `json:"posted_at" msgpack:"posted_at"`
	StartedAt   time.Time     `json:"started_at" msgpack:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty" msgpack:"completed_at,omitempty"`
	Latency     time.Duration `json:"latency,omitempty" msgpack:"latency,omitempty"`
	Duration    time.Duration `json:"duration,omitempty" msgpack:"duration,omitempty"`

	// Tracing correlation (OpenTelemetry)
	TraceID string `json:"trace_id,omitempty" msgpack:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty" msgpack:"span_id,omitempty"`
}

// IsComplete returns true if the callback has returned.
func (e *Entry) IsComplete() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}

// HasError returns true if the entry has an error recorded.
func (e *Entry) HasError() bool {
	return e.Error != ""
}
