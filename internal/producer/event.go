// Package producer implements the producer-side API of a
// bounded, mutex-guarded (not lock-free) buffer feeding a single
// bidirectional stream to the event processor, reached through the
// Transport interface.
package producer

// EventKind tags the variant carried by a CaptureEvent.
type EventKind int

const (
	EventFunctionEntry EventKind = iota
	EventFunctionExit
	EventIntrospectionScope
	EventInternedString
	EventInternedCallstack
	EventCallstackSample
)

// CaptureEvent is the producer-local tagged union sent over the wire
// ("typed variants"). Only the field matching Kind is valid.
type CaptureEvent struct {
	Kind EventKind

	FunctionEntry FunctionEntry
	FunctionExit FunctionExit
	IntrospectionScope IntrospectionScope
	InternedString InternedString
	InternedCallstack InternedCallstack
	CallstackSample CallstackSample
}

type FunctionEntry struct {
	TID int32
	FunctionID uint64
	TimestampNs int64
	LocalCallstackKey uint64
}

type FunctionExit struct {
	TID int32
	TimestampNs int64
}

// IntrospectionScope carries an in-process ORBIT_SCOPE measurement.
// Depth is computed by the producer itself (the nesting counter on the
// thread that opened the scope) and merely forwarded from here on; the
// event processor and capture processor never recompute it.
type IntrospectionScope struct {
	TID int32
	Name string
	BeginNs int64
	EndNs int64
	Depth int32
}

// InternedString carries a producer-local key for value, defining a
// new (producer_id, local_key) pair the event processor must resolve
// to a global key.
type InternedString struct {
	LocalKey uint64
	Value string
}

type InternedCallstack struct {
	LocalKey uint64
	Addresses []uint64
}

type CallstackSample struct {
	PID int32
	TID int32
	TimestampNs int64
	LocalCallstackKey uint64
}
