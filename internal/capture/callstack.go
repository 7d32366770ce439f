package capture

import (
	"encoding/binary"
	"sync"

	"github.com/zeebo/xxh3"
)

// StringTable is the interned string table: set once per key,
// conflicting re-insertions are ignored (at-most-once semantics).
type StringTable struct {
	mu sync.RWMutex
	values map[uint64]string
}

// NewStringTable returns an empty StringTable.
func NewStringTable() *StringTable {
	return &StringTable{values: make(map[uint64]string)}
}

// Intern records key→value if key has not already been set. Returns
// false if key was already present (the new value is discarded, per
// the at-most-once semantics).
func (t *StringTable) Intern(key uint64, value string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.values[key]; exists {
		return false
	}
	t.values[key] = value
	return true
}

// Get returns the string interned at key.
func (t *StringTable) Get(key uint64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.values[key]
	return v, ok
}

// All returns a snapshot of every interned (key, value) pair.
func (t *StringTable) All() map[uint64]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[uint64]string, len(t.values))
	for k, v := range t.values {
		out[k] = v
	}
	return out
}

// Callstack is spec glossary's "sequence of instruction pointers,
// innermost first".
type Callstack struct {
	Frames []uint64
	Type int32 // mirrors internal/tracer/unwind.CallstackType.
}

// CallstackEvent is the CallstackEvent: an append-only record
// tying a sampled-at timestamp on a thread to an interned callstack.
type CallstackEvent struct {
	Pid int32
	Tid int32
	TimestampNs int64
	CallstackID uint64
}

// CallstackData is the CallstackData: an interned set of
// (id → Callstack) plus an append-only ordered sequence of
// CallstackEvents. Invariant: every event's CallstackID is present in
// the interned set (the first testable property).
type CallstackData struct {
	mu sync.RWMutex
	callstacks map[uint64]Callstack
	events []CallstackEvent
}

// NewCallstackData returns an empty CallstackData.
func NewCallstackData() *CallstackData {
	return &CallstackData{callstacks: make(map[uint64]Callstack)}
}

// CallstackID is the content hash: "two callstacks with identical
// frames share an id". Computed with xxh3.Hash over the
// little-endian-encoded instruction-pointer sequence plus the
// CallstackType, so a Complete and a DwarfError callstack over the same
// frames (which can legitimately happen across two different samples)
// still intern as distinct entries with distinct statistical treatment.
func CallstackID(frames []uint64, callstackType int32) uint64 {
	buf := make([]byte, len(frames)*8+4)
	for i, f := range frames {
		binary.LittleEndian.PutUint64(buf[i*8:], f)
	}
	binary.LittleEndian.PutUint32(buf[len(frames)*8:], uint32(callstackType))
	return xxh3.Hash(buf)
}

// InternCallstack computes cs's content-hash id, stores it if not
// already present, and returns the id. Re-interning the same frames
// (and type) is a no-op beyond returning the existing id, matching
// the "two callstacks with identical frames share an id".
func (c *CallstackData) InternCallstack(cs Callstack) uint64 {
	id := CallstackID(cs.Frames, cs.Type)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.callstacks[id]; !ok {
		c.callstacks[id] = cs
	}
	return id
}

// InternCallstackWithID stores cs under the caller-provided id rather
// than recomputing CallstackID, so that the id a producer puts on the
// wire (which need not be the content hash: the tracer and the
// producer both re-key interned callstacks to small sequential ids
// before they cross the wire) is the same id CallstackSample events
// reference. Re-interning an id that is already present is a no-op.
func (c *CallstackData) InternCallstackWithID(id uint64, cs Callstack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.callstacks[id]; !ok {
		c.callstacks[id] = cs
	}
}

// Callstack looks up the interned callstack for id.
func (c *CallstackData) Callstack(id uint64) (Callstack, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cs, ok := c.callstacks[id]
	return cs, ok
}

// AppendEvent appends ev to the ordered event log. The caller is
// responsible for having interned ev.CallstackID already (the
// idempotence note: "provided strings and callstacks arrive before the
// events that reference them, which the producer protocol guarantees").
func (c *CallstackData) AppendEvent(ev CallstackEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

// Events returns a copy of the ordered CallstackEvent log.
func (c *CallstackData) Events() []CallstackEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CallstackEvent, len(c.events))
	copy(out, c.events)
	return out
}

// GetUniqueCallstacksCopy returns a snapshot of every interned
// callstack, keyed by id. Named after the original model's accessor
// ("coarse-grained snapshots (e.g. GetUniqueCallstacksCopy)
// guarded by a mutex").
func (c *CallstackData) GetUniqueCallstacksCopy() map[uint64]Callstack {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[uint64]Callstack, len(c.callstacks))
	for k, v := range c.callstacks {
		out[k] = v
	}
	return out
}

// TracepointEvent is one arbitrary (non-scheduling, non-GPU) tracepoint
// occurrence selected via CaptureOptions.SelectedTracepoints (§6),
// supplementing the spec per SPEC_FULL.md's "Tracepoint event buffer".
type TracepointEvent struct {
	Tid int32
	TimestampNs int64
	TracepointKey uint64 // interned (category, name) pair.
}

// TracepointData is the per-tid ordered buffer of TracepointEvents,
// grounded on original_source/.../TracepointEventBuffer.h.
type TracepointData struct {
	mu sync.RWMutex
	byTid map[int32][]TracepointEvent
}

// NewTracepointData returns an empty TracepointData.
func NewTracepointData() *TracepointData {
	return &TracepointData{byTid: make(map[int32][]TracepointEvent)}
}

// AddEvent appends ev to tid's ordered buffer. Arrival on a single tid
// is assumed monotonic (the same guarantee CallstackData relies on).
func (t *TracepointData) AddEvent(ev TracepointEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byTid[ev.Tid] = append(t.byTid[ev.Tid], ev)
}

// EventsForThread returns a copy of tid's ordered tracepoint events.
func (t *TracepointData) EventsForThread(tid int32) []TracepointEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seq := t.byTid[tid]
	out := make([]TracepointEvent, len(seq))
	copy(out, seq)
	return out
}

// AllEvents returns a copy of every tracepoint event across all threads,
// unordered across tids (callers that need per-tid order should use
// EventsForThread).
func (t *TracepointData) AllEvents() []TracepointEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []TracepointEvent
	for _, seq := range t.byTid {
		out = append(out, seq...)
	}
	return out
}
