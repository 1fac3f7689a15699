package monitor

import (
	"context"
	"errors"
	"time"
)

// ErrStoreClosed is returned by every Store method after Close.
var ErrStoreClosed = errors.New("store is closed")

// Store defines the interface for monitor storage.
// Implementations must be safe for concurrent use.
type Store interface {
	// Record creates or replaces the entry with entry.ID.
	Record(ctx context.Context, entry *Entry) error

	// Get retrieves an entry by ID. It returns nil, nil if there is none.
	Get(ctx context.Context, id string) (*Entry, error)

	// List returns a page of entries matching the filter.
	// Uses cursor-based pagination.
	List(ctx context.Context, filter Filter) (*Page, error)

	// Count returns the number of entries matching the filter.
	Count(ctx context.Context, filter Filter) (int64, error)

	// UpdateStatus completes an existing entry.
	UpdateStatus(ctx context.Context, id string, status Status, err error, duration time.Duration) error

	// DeleteOlderThan removes entries started more than age ago.
	// Returns the number of entries deleted.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Filter specifies criteria for listing monitor entries.
// All fields are optional. Empty filter returns all entries.
type Filter struct {
	// Identity filters
	SubscriptionID string // Exact match on subscription ID
	EventType      string // Exact match on event type name
	Bus            string // Exact match on bus name

	// Status filters
	Status   []Status // Filter by status (empty = all statuses)
	HasError *bool    // nil = ignore, true = has error, false = no error

	// Time filters
	StartTime time.Time // Entries started at or after this time
	EndTime   time.Time // Entries started before this time

	// Performance filters
	MinDuration time.Duration // Entries with duration >= this value
	MinLatency  time.Duration // Entries with post-to-start latency >= this value

	// Cursor-based pagination
	Cursor    string // Opaque cursor from previous page (empty for first page)
	Limit     int    // Max results per page (0 = default limit)
	OrderDesc bool   // Order by started_at descending (default: ascending)
}

// Matches reports whether entry satisfies every criterion of f.
// Pagination fields are ignored.
func (f *Filter) Matches(entry *Entry) bool {
	if f.SubscriptionID != "" && entry.SubscriptionID != f.SubscriptionID {
		return false
	}
	if f.EventType != "" && entry.EventType != f.EventType {
		return false
	}
	if f.Bus != "" && entry.Bus != f.Bus {
		return false
	}
	if len(f.Status) > 0 {
		found := false
		for _, s := range f.Status {
			if entry.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.HasError != nil && *f.HasError != entry.HasError() {
		return false
	}
	if !f.StartTime.IsZero() && entry.StartedAt.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && !entry.StartedAt.Before(f.EndTime) {
		return false
	}
	if f.MinDuration > 0 && entry.Duration < f.MinDuration {
		return false
	}
	if f.MinLatency > 0 && entry.Latency < f.MinLatency {
		return false
	}
	return true
}

// Page represents a page of monitor entries with cursor-based pagination.
type Page struct {
	// Entries contains the monitor entries for this page.
	Entries []*Entry `json:"entries" msgpack:"entries"`

	// NextCursor is the opaque cursor for the next page.
	// Empty if there are no more pages.
	NextCursor string `json:"next_cursor,omitempty" msgpack:"next_cursor,omitempty"`

	// HasMore indicates whether there are more pages available.
	HasMore bool `json:"has_more" msgpack:"has_more"`
}

// DefaultLimit is the default page size when Limit is 0.
const DefaultLimit = 100

// MaxLimit is the maximum allowed page size.
const MaxLimit = 1000

// EffectiveLimit returns the effective limit, applying defaults and bounds.
func (f *Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	if f.Limit > MaxLimit {
		return MaxLimit
	}
	return f.Limit
}
