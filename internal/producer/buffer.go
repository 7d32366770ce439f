package producer

import "sync"

// RingBuffer is a bounded buffer guarded by a mutex; it is not
// lock-free. Enqueue never waits for space: once full, the oldest event
// is dropped to make room for the newest, with the number of drops
// tracked for the next reconnect's LostEvents report.
//
// Grounded on the teacher's own uprobe_collector.go buffering shape
// (mutex-guarded slice, "drop oldest" on overflow); unlike the teacher
// this buffer also accumulates a running loss counter that survives
// across Drain calls, since requires reporting it only "on
// reconnect", not on every drain.
type RingBuffer struct {
	mu sync.Mutex
	capacity int
	events []CaptureEvent
	lost uint64
}

// NewRingBuffer returns an empty buffer bounded to capacity events.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		capacity: capacity,
		events: make([]CaptureEvent, 0, capacity),
	}
}

// Enqueue appends ev, dropping the oldest buffered event if full. It
// never waits for space, but it takes the buffer's mutex, so it waits
// while a concurrent Drain or TakeLostCount holds it.
func (b *RingBuffer) Enqueue(ev CaptureEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) >= b.capacity {
		b.events = b.events[1:]
		b.lost++
	}
	b.events = append(b.events, ev)
}

// Drain removes and returns every currently buffered event, in
// enqueue order.
func (b *RingBuffer) Drain() []CaptureEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) == 0 {
		return nil
	}
	out := make([]CaptureEvent, len(b.events))
	copy(out, b.events)
	b.events = b.events[:0]
	return out
}

// Len reports the number of events currently buffered.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// TakeLostCount returns and resets the number of events dropped for
// overflow since the last call ("reporting a LostEvents
// count on reconnect").
func (b *RingBuffer) TakeLostCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.lost
	b.lost = 0
	return n
}
