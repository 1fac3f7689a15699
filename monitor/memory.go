package monitor

import (
	"container/list"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store using in-memory storage.
//
// Entries are kept in insertion order and the oldest one is evicted once
// WithMaxEntries is reached, so memory stays bounded for long running
// processes.
//
// Example:
//
//	store := monitor.NewMemoryStore()
//	defer store.Close()
//
//	middleware := monitor.Middleware[Position](store)
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*list.Element // value: *Entry
	order   *list.List
	opts    *storeOptions
	closed  bool
	done    chan struct{}
}

// NewMemoryStore creates a new in-memory monitor store.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(o)
	}

	s := &MemoryStore{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		opts:    o,
		done:    make(chan struct{}),
	}
	if o.retention > 0 {
		go s.cleanupLoop()
	}
	return s
}

// Sample reports whether the next callback should be recorded.
func (s *MemoryStore) Sample() bool {
	rate := s.opts.samplingRate
	if rate >= 1 {
		return true
	}
	return rand.Float64() < rate
}

// Record creates or replaces an entry.
func (s *MemoryStore) Record(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	// Store a copy so callers can keep mutating theirs
	entryCopy := *entry
	if entry.CompletedAt != nil {
		t := *entry.CompletedAt
		entryCopy.CompletedAt = &t
	}

	if el, ok := s.entries[entry.ID]; ok {
		el.Value = &entryCopy
		return nil
	}

	s.entries[entry.ID] = s.order.PushBack(&entryCopy)
	for s.opts.maxEntries > 0 && s.order.Len() > s.opts.maxEntries {
		s.removeLocked(s.order.Front())
	}
	return nil
}

func (s *MemoryStore) removeLocked(el *list.Element) {
	s.order.Remove(el)
	delete(s.entries, el.Value.(*Entry).ID)
}

// Get retrieves an entry by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	el, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	entry := *el.Value.(*Entry)
	return &entry, nil
}

// cursor represents the pagination cursor state.
type cursor struct {
	StartedAt time.Time `json:"s"`
	ID        string    `json:"k"`
}

// encodeCursor encodes a cursor to a string.
func encodeCursor(c cursor) string {
	data, _ := json.Marshal(c)
	return base64.StdEncoding.EncodeToString(data)
}

// decodeCursor decodes a cursor from a string.
func decodeCursor(s string) (cursor, error) {
	var c cursor
	if s == "" {
		return c, nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return c, err
	}
	err = json.Unmarshal(data, &c)
	return c, err
}

// before orders entries by start time, then ID
func before(a *Entry, startedAt time.Time, id string) bool {
	if a.StartedAt.Equal(startedAt) {
		return a.ID < id
	}
	return a.StartedAt.Before(startedAt)
}

// List returns a page of entries matching the filter.
func (s *MemoryStore) List(ctx context.Context, filter Filter) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var after *cursor
	if filter.Cursor != "" {
		cur, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		after = &cur
	}

	var matches []*Entry
	for el := s.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*Entry)
		if !filter.Matches(entry) {
			continue
		}
		if after != nil {
			if filter.OrderDesc && !before(entry, after.StartedAt, after.ID) {
				continue
			}
			if !filter.OrderDesc && (before(entry, after.StartedAt, after.ID) || entry.ID == after.ID) {
				continue
			}
		}
		entryCopy := *entry
		matches = append(matches, &entryCopy)
	}

	sort.Slice(matches, func(i, j int) bool {
		if filter.OrderDesc {
			return before(matches[j], matches[i].StartedAt, matches[i].ID)
		}
		return before(matches[i], matches[j].StartedAt, matches[j].ID)
	})

	limit := filter.EffectiveLimit()
	hasMore := len(matches) > limit
	if hasMore {
		matches = matches[:limit]
	}

	var nextCursor string
	if hasMore && len(matches) > 0 {
		last := matches[len(matches)-1]
		nextCursor = encodeCursor(cursor{StartedAt: last.StartedAt, ID: last.ID})
	}

	return &Page{
		Entries:    matches,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// Count returns the number of entries matching the filter.
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var count int64
	for el := s.order.Front(); el != nil; el = el.Next() {
		if filter.Matches(el.Value.(*Entry)) {
			count++
		}
	}
	return count, nil
}

// UpdateStatus completes an existing entry.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, err error, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	el, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("entry not found: %s", id)
	}

	entry := el.Value.(*Entry)
	entry.Status = status
	if err != nil {
		entry.Error = err.Error()
	}
	entry.Duration = duration
	now := time.Now()
	entry.CompletedAt = &now
	return nil
}

// DeleteOlderThan removes entries started more than age ago.
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	return s.deleteOlderThanLocked(age), nil
}

func (s *MemoryStore) deleteOlderThanLocked(age time.Duration) int64 {
	cutoff := time.Now().Add(-age)
	var deleted int64
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*Entry).StartedAt.Before(cutoff) {
			s.removeLocked(el)
			deleted++
		}
		el = next
	}
	return deleted
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.opts.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.closed {
				s.deleteOlderThanLocked(s.opts.retention)
			}
			s.mu.Unlock()
		}
	}
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.entries = nil
	s.order.Init()
	close(s.done)
	return nil
}

// Len returns the number of entries in the store.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
