package channelbus

import "reflect"

// EventType identifies the cell a value is posted to. It is derived from the
// static type parameter at the call site, so posting a value through an
// interface type keys it by that interface type and not by the dynamic type
// it holds.
type EventType struct {
	typ reflect.Type
}

// TypeOf returns the EventType for T.
func TypeOf[T any]() EventType {
	return EventType{typ: reflect.TypeFor[T]()}
}

// String returns the Go type name, e.g. "main.RandomNumber".
func (t EventType) String() string {
	if t.typ == nil {
		return "<nil>"
	}
	return t.typ.String()
}

// IsZero reports whether t is the zero EventType.
func (t EventType) IsZero() bool {
	return t.typ == nil
}
