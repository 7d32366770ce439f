// Package eventprocessor implements the server-side producer–event
// processor of merging N producers' event streams into one
// globally ordered, globally-keyed stream.
package eventprocessor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitprof/orbit/internal/producer"
	"github.com/orbitprof/orbit/internal/tracer/stream"
)

// internKey identifies a producer-local interned key. Producer-local
// namespaces mean the same localKey from two producers is unrelated
//.
type internKey struct {
	producerID int32
	localKey uint64
}

// Processor merges events from N producers, reusing the ordered-stream
// merger of §4.3 keyed by producer id, and rewrites producer-local
// string/callstack keys to global ones.
//
// Grounded on the teacher's multi-source polling/merge idiom in
// internal/colony/beyla_poller.go and the per-resource map+mutex
// pattern of internal/agent/ebpf/manager.go, applied here to
// per-producer queues instead of per-agent polling.
type Processor struct {
	logger zerolog.Logger
	merger *stream.Merger

	mu sync.Mutex
	stringGlobal map[internKey]uint64
	callstackGlobal map[internKey]uint64
	nextGlobalKey uint64

	allEventsSent map[int32]bool
}

// NewProcessor returns a Processor applying visibilityDelay as the
// merger's tolerance .
func NewProcessor(logger zerolog.Logger, visibilityDelay time.Duration) *Processor {
	return &Processor{
		logger: logger.With().Str("component", "event_processor").Logger(),
		merger: stream.NewMerger(visibilityDelay, visibilityDelay),
		stringGlobal: make(map[internKey]uint64),
		callstackGlobal: make(map[internKey]uint64),
		allEventsSent: make(map[int32]bool),
	}
}

// PushFromProducer submits events received from one producer. Interned
// string/callstack definitions are resolved to global keys immediately;
// everything else is timestamp-merged.
func (p *Processor) PushFromProducer(producerID int32, events []producer.CaptureEvent) {
	for _, ev := range events {
		switch ev.Kind {
		case producer.EventInternedString:
			p.internString(producerID, ev.InternedString.LocalKey)
			p.pushTimestamped(producerID, 0, ev)
			continue
		case producer.EventInternedCallstack:
			p.internCallstack(producerID, ev.InternedCallstack.LocalKey)
			p.pushTimestamped(producerID, 0, ev)
			continue
		default:
		}
		ts, ok := timestampOf(ev)
		if !ok {
			continue
		}
		p.pushTimestamped(producerID, ts, ev)
	}
}

func (p *Processor) pushTimestamped(producerID int32, ts int64, ev producer.CaptureEvent) {
	p.merger.Push(stream.Event{
		TimestampNs: ts,
		Stream: stream.StreamID(producerID),
		Payload: ev,
	})
}

func (p *Processor) internString(producerID int32, localKey uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := internKey{producerID, localKey}
	if g, ok := p.stringGlobal[key]; ok {
		return g
	}
	g := p.nextGlobalKey
	p.nextGlobalKey++
	p.stringGlobal[key] = g
	return g
}

func (p *Processor) internCallstack(producerID int32, localKey uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := internKey{producerID, localKey}
	if g, ok := p.callstackGlobal[key]; ok {
		return g
	}
	g := p.nextGlobalKey
	p.nextGlobalKey++
	p.callstackGlobal[key] = g
	return g
}

// GlobalStringKey resolves a producer-local string key after
// InternString has been processed for it.
func (p *Processor) GlobalStringKey(producerID int32, localKey uint64) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.stringGlobal[internKey{producerID, localKey}]
	return g, ok
}

// GlobalCallstackKey resolves a producer-local callstack key after
// InternedCallstack has been processed for it.
func (p *Processor) GlobalCallstackKey(producerID int32, localKey uint64) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.callstackGlobal[internKey{producerID, localKey}]
	return g, ok
}

// Pop returns the next globally ordered event along with the producer
// it came from, rewriting its local callstack key to the global one.
func (p *Processor) Pop()(producerID int32, ev producer.CaptureEvent, ok bool) {
	raw, popped := p.merger.Pop()
	if !popped {
		return 0, producer.CaptureEvent{}, false
	}
	pid := int32(raw.Stream)
	ev = raw.Payload.(producer.CaptureEvent)
	p.rewriteLocalKeys(pid, &ev)
	return pid, ev, true
}

func (p *Processor) rewriteLocalKeys(producerID int32, ev *producer.CaptureEvent) {
	switch ev.Kind {
	case producer.EventFunctionEntry:
		if g, ok := p.GlobalCallstackKey(producerID, ev.FunctionEntry.LocalCallstackKey); ok {
			ev.FunctionEntry.LocalCallstackKey = g
		}
	case producer.EventCallstackSample:
		if g, ok := p.GlobalCallstackKey(producerID, ev.CallstackSample.LocalCallstackKey); ok {
			ev.CallstackSample.LocalCallstackKey = g
		}
	}
}

// AllEventsSent records that producerID has fully drained, unblocking
// the merge watermark for the other producers .
func (p *Processor) AllEventsSent(producerID int32) {
	p.mu.Lock()
	p.allEventsSent[producerID] = true
	p.mu.Unlock()
	p.merger.Flush(stream.StreamID(producerID))
}

func (p *Processor) allDone(knownProducers []int32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range knownProducers {
		if !p.allEventsSent[id] {
			return false
		}
	}
	return true
}

// Drain pops events, forwarding each to emit, until every producer in
// knownProducers has reported AllEventsSent or drainTimeout elapses —
// whichever first. Any events still queued once the
// timeout fires are discarded and the discarded count is returned.
func (p *Processor) Drain(ctx context.Context, knownProducers []int32, drainTimeout time.Duration, emit func(producerID int32, ev producer.CaptureEvent)) (discarded int) {
	deadline := time.Now().Add(drainTimeout)

	for {
		for {
			pid, ev, ok := p.Pop()
			if !ok {
				break
			}
			emit(pid, ev)
		}

		if p.allDone(knownProducers) && p.merger.Pending() == 0 {
			return 0
		}
		if time.Now().After(deadline) {
			remaining := p.merger.DrainIgnoringWatermark()
			p.logger.Warn().Int("discarded", len(remaining)).Msg("T_drain elapsed, discarding undelivered events")
			return len(remaining)
		}
		select {
		case <-ctx.Done():
			remaining := p.merger.DrainIgnoringWatermark()
			return len(remaining)
		case <-time.After(time.Millisecond):
		}
	}
}

func timestampOf(ev producer.CaptureEvent) (int64, bool) {
	switch ev.Kind {
	case producer.EventFunctionEntry:
		return ev.FunctionEntry.TimestampNs, true
	case producer.EventFunctionExit:
		return ev.FunctionExit.TimestampNs, true
	case producer.EventIntrospectionScope:
		return ev.IntrospectionScope.BeginNs, true
	case producer.EventCallstackSample:
		return ev.CallstackSample.TimestampNs, true
	default:
		return 0, false
	}
}
