package monitor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rbaliyan/channelbus"
)

type Position struct {
	X, Y int
}

func TestStatus(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusCompleted, StatusFailed} {
		if got, ok := ParseStatus(string(s)); !ok || got != s {
			t.Errorf("ParseStatus(%q) = %q, %v", s, got, ok)
		}
	}
	if _, ok := ParseStatus("retrying"); ok {
		t.Error("expected unknown status to be rejected")
	}
}

func TestEntry(t *testing.T) {
	t.Run("IsComplete", func(t *testing.T) {
		entry := &Entry{Status: StatusPending}
		if entry.IsComplete() {
			t.Error("pending should not be complete")
		}

		entry.Status = StatusCompleted
		if !entry.IsComplete() {
			t.Error("completed should be complete")
		}

		entry.Status = StatusFailed
		if !entry.IsComplete() {
			t.Error("failed should be complete")
		}
	})

	t.Run("HasError", func(t *testing.T) {
		entry := &Entry{}
		if entry.HasError() {
			t.Error("expected no error")
		}
		entry.Error = "failed"
		if !entry.HasError() {
			t.Error("expected error")
		}
	})
}

func TestFilter(t *testing.T) {
	t.Run("EffectiveLimit", func(t *testing.T) {
		tests := []struct {
			limit int
			want  int
		}{
			{0, DefaultLimit},
			{-1, DefaultLimit},
			{50, 50},
			{MaxLimit + 1, MaxLimit},
		}
		for _, tt := range tests {
			f := Filter{Limit: tt.limit}
			if got := f.EffectiveLimit(); got != tt.want {
				t.Errorf("EffectiveLimit(%d) = %d, want %d", tt.limit, got, tt.want)
			}
		}
	})

	t.Run("Matches", func(t *testing.T) {
		now := time.Now()
		entry := &Entry{
			SubscriptionID: "sub-1",
			EventType:      "main.Position",
			Bus:            "app",
			Status:         StatusFailed,
			Error:          "boom",
			StartedAt:      now,
			Duration:       time.Second,
			Latency:        time.Millisecond,
		}
		yes, no := true, false

		tests := []struct {
			name   string
			filter Filter
			want   bool
		}{
			{"empty", Filter{}, true},
			{"subscription", Filter{SubscriptionID: "sub-1"}, true},
			{"other subscription", Filter{SubscriptionID: "sub-2"}, false},
			{"event type", Filter{EventType: "main.Position"}, true},
			{"bus", Filter{Bus: "other"}, false},
			{"status", Filter{Status: []Status{StatusCompleted, StatusFailed}}, true},
			{"other status", Filter{Status: []Status{StatusCompleted}}, false},
			{"has error", Filter{HasError: &yes}, true},
			{"no error", Filter{HasError: &no}, false},
			{"start time", Filter{StartTime: now.Add(time.Second)}, false},
			{"end time", Filter{EndTime: now}, false},
			{"min duration", Filter{MinDuration: 2 * time.Second}, false},
			{"min latency", Filter{MinLatency: time.Millisecond}, true},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if got := tt.filter.Matches(entry); got != tt.want {
					t.Errorf("Matches = %v, want %v", got, tt.want)
				}
			})
		}
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Record and Get", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		entry := &Entry{
			ID:             "e-1",
			SubscriptionID: "sub-1",
			EventType:      "main.Position",
			Bus:            "app",
			Status:         StatusPending,
			StartedAt:      time.Now(),
		}
		if err := store.Record(ctx, entry); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		entry.Status = StatusFailed

		got, err := store.Get(ctx, "e-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got == nil || got.Status != StatusPending {
			t.Errorf("expected stored copy to be pending, got %+v", got)
		}
	})

	t.Run("Get non-existent returns nil", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		entry, err := store.Get(ctx, "missing")
		if err != nil || entry != nil {
			t.Errorf("expected nil, nil; got %v, %v", entry, err)
		}
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		store.Record(ctx, &Entry{ID: "e-1", Status: StatusPending, StartedAt: time.Now()})
		if err := store.UpdateStatus(ctx, "e-1", StatusFailed, errors.New("boom"), time.Second); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		got, _ := store.Get(ctx, "e-1")
		if got.Status != StatusFailed || got.Error != "boom" || got.Duration != time.Second || got.CompletedAt == nil {
			t.Errorf("unexpected entry %+v", got)
		}

		if err := store.UpdateStatus(ctx, "missing", StatusCompleted, nil, 0); err == nil {
			t.Error("expected error for missing entry")
		}
	})

	t.Run("List pagination", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		now := time.Now()
		for i := range 5 {
			store.Record(ctx, &Entry{
				ID:        "e-" + strconv.Itoa(i),
				Status:    StatusCompleted,
				StartedAt: now.Add(time.Duration(i) * time.Second),
			})
		}

		var ids []string
		filter := Filter{Limit: 2}
		for {
			page, err := store.List(ctx, filter)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			for _, e := range page.Entries {
				ids = append(ids, e.ID)
			}
			if !page.HasMore {
				break
			}
			filter.Cursor = page.NextCursor
		}
		if diff := cmp.Diff([]string{"e-0", "e-1", "e-2", "e-3", "e-4"}, ids); diff != "" {
			t.Errorf("ids mismatch (-want +got):\n%s", diff)
		}

		ids = nil
		filter = Filter{Limit: 3, OrderDesc: true}
		page, _ := store.List(ctx, filter)
		for _, e := range page.Entries {
			ids = append(ids, e.ID)
		}
		filter.Cursor = page.NextCursor
		page, _ = store.List(ctx, filter)
		for _, e := range page.Entries {
			ids = append(ids, e.ID)
		}
		if diff := cmp.Diff([]string{"e-4", "e-3", "e-2", "e-1", "e-0"}, ids); diff != "" {
			t.Errorf("descending ids mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("invalid cursor", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()
		if _, err := store.List(ctx, Filter{Cursor: "!!"}); err == nil {
			t.Error("expected error for invalid cursor")
		}
	})

	t.Run("Count", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		store.Record(ctx, &Entry{ID: "a", Status: StatusCompleted, StartedAt: time.Now()})
		store.Record(ctx, &Entry{ID: "b", Status: StatusFailed, StartedAt: time.Now()})
		store.Record(ctx, &Entry{ID: "c", Status: StatusFailed, StartedAt: time.Now()})

		n, err := store.Count(ctx, Filter{Status: []Status{StatusFailed}})
		if err != nil || n != 2 {
			t.Errorf("expected 2 failed, got %d (err=%v)", n, err)
		}
	})

	t.Run("max entries evicts oldest", func(t *testing.T) {
		store := NewMemoryStore(WithMaxEntries(3))
		defer store.Close()

		for i := range 5 {
			store.Record(ctx, &Entry{ID: strconv.Itoa(i), StartedAt: time.Now()})
		}
		if store.Len() != 3 {
			t.Errorf("expected 3 entries, got %d", store.Len())
		}
		if e, _ := store.Get(ctx, "1"); e != nil {
			t.Error("expected entry 1 to be evicted")
		}
		if e, _ := store.Get(ctx, "4"); e == nil {
			t.Error("expected entry 4 to be kept")
		}
	})

	t.Run("DeleteOlderThan", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		store.Record(ctx, &Entry{ID: "old", StartedAt: time.Now().Add(-2 * time.Hour)})
		store.Record(ctx, &Entry{ID: "new", StartedAt: time.Now()})

		n, err := store.DeleteOlderThan(ctx, time.Hour)
		if err != nil || n != 1 {
			t.Errorf("expected 1 deleted, got %d (err=%v)", n, err)
		}
		if store.Len() != 1 {
			t.Errorf("expected 1 entry left, got %d", store.Len())
		}
	})

	t.Run("retention cleanup", func(t *testing.T) {
		store := NewMemoryStore(WithRetention(10*time.Millisecond), WithCleanupInterval(5*time.Millisecond))
		defer store.Close()

		store.Record(ctx, &Entry{ID: "a", StartedAt: time.Now()})
		deadline := time.Now().Add(time.Second)
		for store.Len() != 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if store.Len() != 0 {
			t.Error("expected entry to expire")
		}
	})

	t.Run("closed store", func(t *testing.T) {
		store := NewMemoryStore()
		store.Close()
		store.Close()

		if err := store.Record(ctx, &Entry{ID: "a"}); !errors.Is(err, ErrStoreClosed) {
			t.Errorf("expected ErrStoreClosed, got %v", err)
		}
		if _, err := store.List(ctx, Filter{}); !errors.Is(err, ErrStoreClosed) {
			t.Errorf("expected ErrStoreClosed, got %v", err)
		}
	})

	t.Run("concurrent access", func(t *testing.T) {
		store := NewMemoryStore(WithMaxEntries(50))
		defer store.Close()

		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for j := range 20 {
					id := strconv.Itoa(i*100 + j)
					store.Record(ctx, &Entry{ID: id, StartedAt: time.Now()})
					store.UpdateStatus(ctx, id, StatusCompleted, nil, time.Millisecond)
					store.List(ctx, Filter{Limit: 10})
				}
			}(i)
		}
		wg.Wait()
		if store.Len() != 50 {
			t.Errorf("expected 50 entries, got %d", store.Len())
		}
	})
}

func TestMiddleware(t *testing.T) {
	ctx := context.Background()
	bus := channelbus.TestBus()
	defer bus.Close(ctx)

	store := NewMemoryStore()
	defer store.Close()

	r := channelbus.NewReceiver(bus)
	defer r.Close()

	rec := channelbus.NewRecorder(func(_ context.Context, p Position) error {
		if p.X < 0 {
			return errors.New("negative position")
		}
		return nil
	})
	sub, err := channelbus.Subscribe(r, channelbus.Chain(rec.Callback(), Middleware[Position](store)))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	channelbus.Post(ctx, bus, Position{X: 1, Y: 2})
	rec.WaitFor(1, time.Second)
	channelbus.Post(ctx, bus, Position{X: -1})
	rec.WaitFor(2, time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n, _ := store.Count(ctx, Filter{Status: []Status{StatusCompleted, StatusFailed}}); n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	page, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	want := []*Entry{
		{SubscriptionID: sub.ID(), EventType: "monitor.Position", Bus: "test-bus", Status: StatusCompleted},
		{SubscriptionID: sub.ID(), EventType: "monitor.Position", Bus: "test-bus", Status: StatusFailed, Error: "negative position"},
	}
	ignore := cmpopts.IgnoreFields(Entry{}, "ID", "PostedAt", "StartedAt", "CompletedAt", "Latency", "Duration")
	if diff := cmp.Diff(want, page.Entries, ignore); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	for _, e := range page.Entries {
		if e.PostedAt.IsZero() || e.CompletedAt == nil {
			t.Errorf("expected timing to be recorded: %+v", e)
		}
	}
}

func TestMiddlewareSampling(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(WithSampling(0))
	defer store.Close()

	fail := false
	cb := channelbus.Chain(func(context.Context, Position) error {
		if fail {
			return errors.New("failed")
		}
		return nil
	}, Middleware[Position](store))

	for range 10 {
		cb(ctx, Position{})
	}
	if store.Len() != 0 {
		t.Errorf("expected successful callbacks to be sampled out, got %d", store.Len())
	}

	fail = true
	cb(ctx, Position{})
	page, _ := store.List(ctx, Filter{})
	if len(page.Entries) != 1 || page.Entries[0].Status != StatusFailed {
		t.Errorf("expected the failure to be recorded, got %+v", page.Entries)
	}
}

func TestTake(t *testing.T) {
	ctx := context.Background()
	bus := channelbus.TestBus()
	channelbus.Post(ctx, bus, Position{X: 1})

	snap := Take(ctx, bus)
	if !snap.IsHealthy() || snap.Bus != "test-bus" || snap.BusID != bus.ID() {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	ts, ok := snap.Type("monitor.Position")
	if !ok || !ts.Retained || ts.Posts != 1 {
		t.Errorf("unexpected type stats %+v (ok=%v)", ts, ok)
	}
	if _, ok := snap.Type("missing"); ok {
		t.Error("expected missing type")
	}

	bus.Close(ctx)
	if Take(ctx, bus).IsHealthy() {
		t.Error("closed bus must be unhealthy")
	}
}
