package monitor

import (
	"time"
)

// storeOptions holds configuration for the memory store.
type storeOptions struct {
	maxEntries      int
	retention       time.Duration
	cleanupInterval time.Duration
	samplingRate    float64
}

// defaultStoreOptions returns the default store options.
func defaultStoreOptions() *storeOptions {
	return &storeOptions{
		maxEntries:      10000,
		retention:       0,
		cleanupInterval: time.Minute,
		samplingRate:    1.0, // record every callback
	}
}

// StoreOption configures a Store.
type StoreOption func(*storeOptions)

// WithMaxEntries bounds the number of entries kept. When full, the entry
// that started first is evicted.
//
// Default is 10000. Zero or negative means unbounded.
func WithMaxEntries(n int) StoreOption {
	return func(o *storeOptions) {
		o.maxEntries = n
	}
}

// WithRetention removes entries older than age every cleanup interval.
//
// Default is 0 (keep until evicted or deleted with DeleteOlderThan).
//
// Example:
//
//	store := monitor.NewMemoryStore(
//	    monitor.WithRetention(time.Hour),
//	    monitor.WithCleanupInterval(5*time.Minute),
//	)
func WithRetention(age time.Duration) StoreOption {
	return func(o *storeOptions) {
		if age >= 0 {
			o.retention = age
		}
	}
}

// WithCleanupInterval sets how often expired entries are removed when a
// retention is configured. Default is 1 minute.
func WithCleanupInterval(interval time.Duration) StoreOption {
	return func(o *storeOptions) {
		if interval > 0 {
			o.cleanupInterval = interval
		}
	}
}

// WithSampling records only a fraction of callbacks.
//
// Rate must be between 0.0 and 1.0. Default is 1.0 (record all).
// Failed callbacks are always recorded regardless of the rate.
//
// Example:
//
//	// Record 10% of callbacks (plus all failures)
//	store := monitor.NewMemoryStore(monitor.WithSampling(0.1))
func WithSampling(rate float64) StoreOption {
	return func(o *storeOptions) {
		if rate >= 0 && rate <= 1 {
			o.samplingRate = rate
		}
	}
}
