// Package monitorpb converts monitor data into protobuf well-known types so
// that transports can render it with protojson or send it over gRPC without
// generated message types.
package monitorpb

import (
	"time"

	"github.com/rbaliyan/channelbus/monitor"
	"google.golang.org/protobuf/types/known/structpb"
)

// EntryToProto converts a monitor.Entry to a protobuf Struct.
func EntryToProto(e *monitor.Entry) *structpb.Struct {
	if e == nil {
		return nil
	}

	fields := map[string]*structpb.Value{
		"id":              structpb.NewStringValue(e.ID),
		"subscription_id": structpb.NewStringValue(e.SubscriptionID),
		"event_type":      structpb.NewStringValue(e.EventType),
		"bus":             structpb.NewStringValue(e.Bus),
		"status":          structpb.NewStringValue(string(e.Status)),
		"started_at":      timeValue(e.StartedAt),
		"duration":        durationValue(e.Duration),
		"latency":         durationValue(e.Latency),
	}
	if !e.PostedAt.IsZero() {
		fields["posted_at"] = timeValue(e.PostedAt)
	}
	if e.CompletedAt != nil {
		fields["completed_at"] = timeValue(*e.CompletedAt)
	}
	if e.Error != "" {
		fields["error"] = structpb.NewStringValue(e.Error)
	}
	if e.TraceID != "" {
		fields["trace_id"] = structpb.NewStringValue(e.TraceID)
		fields["span_id"] = structpb.NewStringValue(e.SpanID)
	}

	return &structpb.Struct{Fields: fields}
}

// EntriesToProto converts a slice of monitor.Entry to a protobuf ListValue.
func EntriesToProto(entries []*monitor.Entry) *structpb.ListValue {
	values := make([]*structpb.Value, 0, len(entries))
	for _, e := range entries {
		values = append(values, structpb.NewStructValue(EntryToProto(e)))
	}
	return &structpb.ListValue{Values: values}
}

// PageToProto converts a monitor.Page to a protobuf Struct with the fields
// entries, next_cursor and has_more.
func PageToProto(p *monitor.Page) *structpb.Struct {
	if p == nil {
		p = &monitor.Page{}
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"entries":     structpb.NewListValue(EntriesToProto(p.Entries)),
		"next_cursor": structpb.NewStringValue(p.NextCursor),
		"has_more":    structpb.NewBoolValue(p.HasMore),
	}}
}

// SnapshotToProto converts a monitor.Snapshot to a protobuf Struct.
func SnapshotToProto(s *monitor.Snapshot) *structpb.Struct {
	if s == nil {
		return nil
	}

	types := make([]*structpb.Value, 0, len(s.Types))
	for _, t := range s.Types {
		types = append(types, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"type":      structpb.NewStringValue(t.Type),
			"retained":  structpb.NewBoolValue(t.Retained),
			"cursors":   structpb.NewNumberValue(float64(t.Cursors)),
			"posts":     structpb.NewNumberValue(float64(t.Posts)),
			"conflated": structpb.NewNumberValue(float64(t.Conflated)),
		}}))
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"bus_id":   structpb.NewStringValue(s.BusID),
		"bus":      structpb.NewStringValue(s.Bus),
		"status":   structpb.NewStringValue(string(s.Status)),
		"message":  structpb.NewStringValue(s.Message),
		"types":    structpb.NewListValue(&structpb.ListValue{Values: types}),
		"taken_at": timeValue(s.TakenAt),
	}}
}

// CountToProto wraps a count as {"count": n}.
func CountToProto(n int64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"count": structpb.NewNumberValue(float64(n)),
	}}
}

// DeletedToProto wraps a deletion result as {"deleted": n}.
func DeletedToProto(n int64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"deleted": structpb.NewNumberValue(float64(n)),
	}}
}

// ErrorToProto wraps an error message as {"error": msg}.
func ErrorToProto(msg string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"error": structpb.NewStringValue(msg),
	}}
}

func timeValue(t time.Time) *structpb.Value {
	return structpb.NewStringValue(t.UTC().Format(time.RFC3339Nano))
}

func durationValue(d time.Duration) *structpb.Value {
	return structpb.NewStringValue(d.String())
}
