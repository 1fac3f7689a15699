package monitor

import (
	"context"
	"time"

	"github.com/rbaliyan/channelbus"
	"go.opentelemetry.io/otel/trace"
)

// sampler is implemented by stores that record only a fraction of callbacks
type sampler interface {
	Sample() bool
}

// Middleware creates a middleware that records every callback invocation in
// the monitor store.
//
// The middleware:
//  1. Records a pending entry when the callback starts
//  2. Runs the callback
//  3. Completes the entry with the final status, duration and error
//
// Store failures are logged and never fail the callback. When the store
// samples, unsampled invocations are only recorded if they fail.
//
// Example:
//
//	store := monitor.NewMemoryStore()
//	channelbus.Subscribe(r, channelbus.Chain(onPosition,
//	    monitor.Middleware[Position](store)))
func Middleware[T any](store Store) channelbus.Middleware[T] {
	return func(next channelbus.Callback[T]) channelbus.Callback[T] {
		return func(ctx context.Context, v T) error {
			sampled := true
			if s, ok := store.(sampler); ok {
				sampled = s.Sample()
			}

			start := time.Now()
			entry := &Entry{
				ID:             channelbus.NewID(),
				SubscriptionID: channelbus.ContextSubscriptionID(ctx),
				EventType:      channelbus.ContextEventType(ctx).String(),
				Bus:            channelbus.ContextBusName(ctx),
				Status:         StatusPending,
				PostedAt:       channelbus.ContextPostedAt(ctx),
				StartedAt:      start,
			}
			if !entry.PostedAt.IsZero() {
				entry.Latency = start.Sub(entry.PostedAt)
			}
			if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
				entry.TraceID = sc.TraceID().String()
				entry.SpanID = sc.SpanID().String()
			}

			if sampled {
				if err := store.Record(ctx, entry); err != nil {
					channelbus.ContextLogger(ctx).Warn("monitor record failed", "error", err)
					sampled = false
				}
			}

			cbErr := next(ctx, v)
			duration := time.Since(start)

			status := StatusCompleted
			if cbErr != nil {
				status = StatusFailed
			}

			switch {
			case sampled:
				if err := store.UpdateStatus(ctx, entry.ID, status, cbErr, duration); err != nil {
					channelbus.ContextLogger(ctx).Warn("monitor update failed", "error", err)
				}
			case cbErr != nil:
				completed := start.Add(duration)
				entry.Status = status
				entry.Error = cbErr.Error()
				entry.Duration = duration
				entry.CompletedAt = &completed
				if err := store.Record(ctx, entry); err != nil {
					channelbus.ContextLogger(ctx).Warn("monitor record failed", "error", err)
				}
			}

			return cbErr
		}
	}
}
