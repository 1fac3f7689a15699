package channelbus

import (
	"context"
	"log/slog"
	"time"
)

// contextKey
type contextKey int

const (
	callbackContextKey contextKey = iota
)

// callbackInfo is attached to the context every callback receives
type callbackInfo struct {
	bus            string
	subscriptionID string
	eventType      EventType
	postedAt       time.Time
	logger         *slog.Logger
}

func contextWithCallbackInfo(ctx context.Context, info *callbackInfo) context.Context {
	return context.WithValue(ctx, callbackContextKey, info)
}

func callbackInfoFrom(ctx context.Context) (*callbackInfo, bool) {
	info, ok := ctx.Value(callbackContextKey).(*callbackInfo)
	return info, ok
}

// ContextBusName returns the name of the bus that delivered the value, or ""
// outside a callback
func ContextBusName(ctx context.Context) string {
	if info, ok := callbackInfoFrom(ctx); ok {
		return info.bus
	}
	return ""
}

// ContextSubscriptionID returns the ID of the subscription running the
// callback, or "" outside a callback
func ContextSubscriptionID(ctx context.Context) string {
	if info, ok := callbackInfoFrom(ctx); ok {
		return info.subscriptionID
	}
	return ""
}

// ContextEventType returns the event type being delivered, or the zero
// EventType outside a callback
func ContextEventType(ctx context.Context) EventType {
	if info, ok := callbackInfoFrom(ctx); ok {
		return info.eventType
	}
	return EventType{}
}

// ContextPostedAt returns when the delivered value was posted
func ContextPostedAt(ctx context.Context) time.Time {
	if info, ok := callbackInfoFrom(ctx); ok {
		return info.postedAt
	}
	return time.Time{}
}

// ContextLogger returns the receiver logger annotated with the subscription,
// or slog.Default() outside a callback
func ContextLogger(ctx context.Context) *slog.Logger {
	if info, ok := callbackInfoFrom(ctx); ok && info.logger != nil {
		return info.logger
	}
	return slog.Default()
}
