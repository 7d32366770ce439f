package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/orbitprof/orbit/internal/capture"
	"github.com/orbitprof/orbit/internal/config"
	"github.com/orbitprof/orbit/internal/producer"
	"github.com/orbitprof/orbit/internal/tracer/unwind"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	opts := config.DefaultCaptureOptions(1234)
	opts.VisibilityDelay = time.Millisecond
	proc := capture.ProcessInfo{Pid: 1234, Name: "test"}
	return NewSession(zerolog.Nop(), opts, proc, nil, nil, nil, nil, nil, nil, nil)
}

// A Session with no rings still runs a full Start/Stop lifecycle: the
// tracer session's Run returns immediately (no rings to read), and
// Stop produces a Result carrying a non-empty CaptureID (the
// quiesce sequence). Mirrors cmd/orbitd's own pattern of a short-lived
// outer context for Start and a separate bounded context for Stop's
// drain (internal/producer.Client.Run only returns once its Start
// context is done, so the outer context's deadline is what actually
// bounds the producer drain here, same as in production).
func TestSessionStartStopEmptyLifecycle(t *testing.T) {
	s := newTestSession(t)
	require.NotEmpty(t, s.ID())

	runCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Start(runCtx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	result, err := s.Stop(stopCtx)
	require.NoError(t, err)
	require.Equal(t, s.ID(), result.CaptureID)
	require.NotNil(t, result.Summary)
}

func TestSessionTranslateFunctionEntryExit(t *testing.T) {
	s := newTestSession(t)

	entry := s.translate(kernelTracerProducerID, producer.CaptureEvent{
		Kind: producer.EventFunctionEntry,
		FunctionEntry: producer.FunctionEntry{
			TID: 42, FunctionID: 7, TimestampNs: 100, LocalCallstackKey: 0,
		},
	})
	require.Equal(t, capture.EventFunctionEntry, entry.Kind)

	exit := s.translate(kernelTracerProducerID, producer.CaptureEvent{
		Kind: producer.EventFunctionExit,
		FunctionExit: producer.FunctionExit{TID: 42, TimestampNs: 150},
	})
	require.Equal(t, capture.EventFunctionExit, exit.Kind)

	s.process(entry)
	s.process(exit)

	timers := s.collectedTimersForTest()
	require.Len(t, timers, 1)
	require.Equal(t, int64(100), timers[0].StartNs)
	require.Equal(t, int64(150), timers[0].EndNs)
}

func TestSessionTranslateIntrospectionScopeCarriesDepth(t *testing.T) {
	s := newTestSession(t)

	ev := s.translate(kernelTracerProducerID, producer.CaptureEvent{
		Kind: producer.EventIntrospectionScope,
		IntrospectionScope: producer.IntrospectionScope{
			TID: 9, Name: "scope", BeginNs: 10, EndNs: 20, Depth: 3,
		},
	})
	require.Equal(t, capture.EventIntrospectionScope, ev.Kind)

	s.process(ev)
	timers := s.collectedTimersForTest()
	require.Len(t, timers, 1)
	require.EqualValues(t, 3, timers[0].Depth)
}

func TestSessionTranslateInternedStringRewritesLocalKey(t *testing.T) {
	s := newTestSession(t)

	globalKey, _ := s.eventProc.GlobalStringKey(kernelTracerProducerID, 5)
	ev := s.translate(kernelTracerProducerID, producer.CaptureEvent{
		Kind: producer.EventInternedString,
		InternedString: producer.InternedString{
			LocalKey: 5, Value: "hello",
		},
	})
	require.Equal(t, capture.EventInternedString, ev.Kind)

	s.process(ev)
	got, ok := s.data.Strings.Get(globalKey)
	require.True(t, ok)
	require.Equal(t, "hello", got)
}

// TestSessionCallstackSampleResolvesThroughProducerInterning drives a
// callstack sample through the real interning path (eventProc assigns
// a global key unrelated to CallstackID's content hash, translate
// carries that key across, capture.Processor must store and look the
// callstack up under that same key) rather than hand-feeding a content
// hash as the wire key.
func TestSessionCallstackSampleResolvesThroughProducerInterning(t *testing.T) {
	s := newTestSession(t)

	addresses := []uint64{0x1000, 0x2000}
	s.eventProc.PushFromProducer(kernelTracerProducerID, []producer.CaptureEvent{
		{
			Kind: producer.EventInternedCallstack,
			InternedCallstack: producer.InternedCallstack{LocalKey: 3, Addresses: addresses},
		},
		{
			Kind: producer.EventCallstackSample,
			CallstackSample: producer.CallstackSample{PID: 1, TID: 2, TimestampNs: 100, LocalCallstackKey: 3},
		},
	})

	// Pop rewrites the producer-local key 3 to the global key, as Drain
	// does for every event before translate sees it.
	_, internedEv, ok := s.eventProc.Pop()
	require.True(t, ok)
	_, sampleEv, ok := s.eventProc.Pop()
	require.True(t, ok)
	interned := s.translate(kernelTracerProducerID, internedEv)
	sample := s.translate(kernelTracerProducerID, sampleEv)

	globalKey, ok := s.eventProc.GlobalCallstackKey(kernelTracerProducerID, 3)
	require.True(t, ok)
	require.NotEqual(t, capture.CallstackID(addresses, int32(unwind.Complete)), globalKey,
		"the wire key must be the producer's assigned global key, not the content hash")

	s.process(interned)
	s.process(sample)

	events := s.data.Callstacks.Events()
	require.Len(t, events, 1)
	require.EqualValues(t, globalKey, events[0].CallstackID)

	cs, ok := s.data.Callstacks.Callstack(events[0].CallstackID)
	require.True(t, ok)
	require.Equal(t, addresses, cs.Frames)
}

// collectedTimersForTest exposes the Session's accumulated timers for
// white-box assertions without racing Stop's own read of s.timers.
func (s *Session) collectedTimersForTest() []capture.TimerInfo {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	out := make([]capture.TimerInfo, len(s.timers))
	copy(out, s.timers)
	return out
}
