// Package stream implements the ordered event stream merger of spec
// §4.3: per-source FIFOs merged into one global timestamp order with a
// bounded visibility delay Δ, discarding (and reporting) events that
// arrive too far out of order to merge safely.
package stream

import (
	"container/heap"
	"time"
)

// StreamID identifies an ordered stream, typically a ring buffer's file
// descriptor. NoneStream designates sources known to be out of order
// within themselves (dma_fence_signaled on AMD GPUs),
// which participate in ordering purely by timestamp and are given a
// larger discard tolerance.
type StreamID int64

const NoneStream StreamID = -1

// Event is one item pushed into the merger: a timestamp, the stream it
// arrived on, and an opaque payload the caller interprets after Pop.
type Event struct {
	TimestampNs int64
	Stream StreamID
	Payload any
}

// OutOfOrderEventsDiscardedEvent reports a run of events dropped because
// they arrived more than Δ behind the last emitted timestamp (spec
// §4.3/§7 OutOfOrderDiscard).
type OutOfOrderEventsDiscardedEvent struct {
	BeginNs uint64
	EndNs uint64
	Count uint64
}

type headEntry struct {
	timestampNs int64
	stream StreamID
}

type headHeap []headEntry

func (h headHeap) Len() int { return len(h) }
func (h headHeap) Less(i, j int) bool { return h[i].timestampNs < h[j].timestampNs }
func (h headHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *headHeap) Push(x interface{}) { *h = append(*h, x.(headEntry)) }
func (h *headHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Merger performs the N-way merge described in.
type Merger struct {
	deltaNs int64
	deltaNoneNs int64

	queues map[StreamID][]Event
	deliveredUpTo map[StreamID]int64
	flushed map[StreamID]bool
	known map[StreamID]struct{}
	heads headHeap

	lastEmittedNs int64
	haveLastEmitted bool

	discardPending bool
	discardBeginNs, discardEndNs int64
	discardCount uint64
}

// NewMerger builds a Merger with visibility delay delta applied to
// regular streams. None-stream events (see NoneStream) get a larger
// tolerance, noneDelta, before being discarded.
func NewMerger(delta, noneDelta time.Duration) *Merger {
	return &Merger{
		deltaNs: delta.Nanoseconds(),
		deltaNoneNs: noneDelta.Nanoseconds(),
		queues: make(map[StreamID][]Event),
		deliveredUpTo: make(map[StreamID]int64),
		flushed: make(map[StreamID]bool),
		known: make(map[StreamID]struct{}),
	}
}

// Push enqueues ev unless it falls further than the applicable tolerance
// behind the last emitted timestamp, in which case it is dropped and
// folded into the pending discard window.
func (m *Merger) Push(ev Event) (discarded bool) {
	m.known[ev.Stream] = struct{}{}

	tolerance := m.deltaNs
	if ev.Stream == NoneStream {
		tolerance = m.deltaNoneNs
	}
	if m.haveLastEmitted && ev.TimestampNs < m.lastEmittedNs-tolerance {
		m.recordDiscard(ev.TimestampNs)
		return true
	}

	if cur, ok := m.deliveredUpTo[ev.Stream]; !ok || ev.TimestampNs > cur {
		m.deliveredUpTo[ev.Stream] = ev.TimestampNs
	}

	wasEmpty := len(m.queues[ev.Stream]) == 0
	m.queues[ev.Stream] = append(m.queues[ev.Stream], ev)
	if wasEmpty {
		heap.Push(&m.heads, headEntry{timestampNs: ev.TimestampNs, stream: ev.Stream})
	}
	return false
}

func (m *Merger) recordDiscard(ts int64) {
	if !m.discardPending {
		m.discardPending = true
		m.discardBeginNs, m.discardEndNs = ts, ts
	} else {
		if ts < m.discardBeginNs {
			m.discardBeginNs = ts
		}
		if ts > m.discardEndNs {
			m.discardEndNs = ts
		}
	}
	m.discardCount++
}

// TakeDiscarded returns and clears the pending OutOfOrderEventsDiscardedEvent
// window, if any events have been discarded since the last call.
func (m *Merger) TakeDiscarded()(OutOfOrderEventsDiscardedEvent, bool) {
	if !m.discardPending {
		return OutOfOrderEventsDiscardedEvent{}, false
	}
	ev := OutOfOrderEventsDiscardedEvent{
		BeginNs: uint64(m.discardBeginNs),
		EndNs: uint64(m.discardEndNs),
		Count: m.discardCount,
	}
	m.discardPending = false
	m.discardCount = 0
	return ev, true
}

// Flush marks stream as having no further events, unblocking the
// watermark for any event waiting on confirmation from it.
func (m *Merger) Flush(stream StreamID) {
	m.known[stream] = struct{}{}
	m.flushed[stream] = true
}

// Pop returns the next event in global timestamp order, or ok=false if
// no event is yet safe to emit (either the ring is empty, or the
// smallest-timestamp candidate hasn't been confirmed by every other
// known, unflushed stream).
func (m *Merger) Pop()(Event, bool) {
	if m.heads.Len() == 0 {
		return Event{}, false
	}
	cand := m.heads[0]

	for s := range m.known {
		if s == cand.stream || m.flushed[s] {
			continue
		}
		delivered, ok := m.deliveredUpTo[s]
		if !ok || delivered < cand.timestampNs+m.deltaNs {
			return Event{}, false
		}
	}

	heap.Pop(&m.heads)
	q := m.queues[cand.stream]
	ev := q[0]
	m.queues[cand.stream] = q[1:]
	if len(m.queues[cand.stream]) > 0 {
		heap.Push(&m.heads, headEntry{timestampNs: m.queues[cand.stream][0].TimestampNs, stream: cand.stream})
	}

	m.lastEmittedNs = ev.TimestampNs
	m.haveLastEmitted = true
	return ev, true
}

// Pending reports the total number of events still queued across all
// streams, regardless of whether they are safe to Pop yet.
func (m *Merger) Pending() int {
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}

// DrainIgnoringWatermark pops every remaining queued event in
// timestamp order, ignoring the cross-stream confirmation watermark.
// Used when a caller's own drain deadline (e.g. the T_drain)
// expires before every stream has flushed.
func (m *Merger) DrainIgnoringWatermark() []Event {
	var out []Event
	for m.heads.Len() > 0 {
		cand := heap.Pop(&m.heads).(headEntry)
		q := m.queues[cand.stream]
		ev := q[0]
		m.queues[cand.stream] = q[1:]
		if len(m.queues[cand.stream]) > 0 {
			heap.Push(&m.heads, headEntry{timestampNs: m.queues[cand.stream][0].TimestampNs, stream: cand.stream})
		}
		out = append(out, ev)
		m.lastEmittedNs = ev.TimestampNs
		m.haveLastEmitted = true
	}
	return out
}
