package channelbus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// metricAttrEvent is the attribute key carrying the event type name
const metricAttrEvent = "event"

// busMetrics holds the instruments shared by a bus and its receivers
type busMetrics struct {
	posted        metric.Int64Counter
	cleared       metric.Int64Counter
	conflated     metric.Int64Counter
	delivered     metric.Int64Counter
	failed        metric.Int64Counter
	subscriptions metric.Int64UpDownCounter
}

// newBusMetrics creates instruments on the global meter provider, or on a
// no-op meter when metrics are disabled
func newBusMetrics(name string, enabled bool) *busMetrics {
	var meter metric.Meter
	if enabled {
		meter = otel.Meter("channelbus/" + name)
	} else {
		meter = noop.NewMeterProvider().Meter("channelbus/" + name)
	}

	// Instrument creation only fails on invalid names, which are constants here
	posted, _ := meter.Int64Counter("channelbus.posted",
		metric.WithDescription("Number of values posted"),
		metric.WithUnit("{event}"))
	cleared, _ := meter.Int64Counter("channelbus.cleared",
		metric.WithDescription("Number of clears posted"),
		metric.WithUnit("{event}"))
	conflated, _ := meter.Int64Counter("channelbus.conflated",
		metric.WithDescription("Number of pending deliveries overwritten before a reader consumed them"),
		metric.WithUnit("{event}"))
	delivered, _ := meter.Int64Counter("channelbus.delivered",
		metric.WithDescription("Number of callbacks completed"),
		metric.WithUnit("{call}"))
	failed, _ := meter.Int64Counter("channelbus.callback.failed",
		metric.WithDescription("Number of callbacks that returned an error or panicked"),
		metric.WithUnit("{call}"))
	subscriptions, _ := meter.Int64UpDownCounter("channelbus.subscriptions",
		metric.WithDescription("Number of live subscriptions"),
		metric.WithUnit("{subscription}"))

	return &busMetrics{
		posted:        posted,
		cleared:       cleared,
		conflated:     conflated,
		delivered:     delivered,
		failed:        failed,
		subscriptions: subscriptions,
	}
}

func eventAttrs(t EventType) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(metricAttrEvent, t.String()))
}

func (m *busMetrics) recordPosted(ctx context.Context, t EventType) {
	m.posted.Add(ctx, 1, eventAttrs(t))
}

func (m *busMetrics) recordCleared(ctx context.Context, t EventType) {
	m.cleared.Add(ctx, 1, eventAttrs(t))
}

func (m *busMetrics) recordConflated(t EventType) {
	m.conflated.Add(context.Background(), 1, eventAttrs(t))
}

func (m *busMetrics) recordDelivered(ctx context.Context, t EventType) {
	m.delivered.Add(ctx, 1, eventAttrs(t))
}

func (m *busMetrics) recordFailed(ctx context.Context, t EventType) {
	m.failed.Add(ctx, 1, eventAttrs(t))
}

func (m *busMetrics) subscriptionAdded(t EventType) {
	m.subscriptions.Add(context.Background(), 1, eventAttrs(t))
}

func (m *busMetrics) subscriptionRemoved(t EventType) {
	m.subscriptions.Add(context.Background(), -1, eventAttrs(t))
}
