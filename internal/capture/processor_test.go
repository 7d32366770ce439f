package capture

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type timerCollector struct {
	timers []TimerInfo
}

func (c *timerCollector) OnTimer(t TimerInfo) { c.timers = append(c.timers, t) }

func newTestProcessor()(*Processor, *timerCollector) {
	collector := &timerCollector{}
	data := NewData(ProcessInfo{Pid: 1}, time.Time{})
	return NewProcessor(zerolog.Nop(), data, collector), collector
}

// TestFunctionCallDepthTracking verifies the depth invariant:
// "depth equals the number of currently open calls on the same tid".
func TestFunctionCallDepthTracking(t *testing.T) {
	p, collector := newTestProcessor()

	p.Process(NewFunctionEntryEvent(1, 10, 100, 0, false)) // depth 0
	p.Process(NewFunctionEntryEvent(1, 11, 110, 0, false)) // depth 1
	p.Process(NewFunctionExitEvent(1, 200)) // closes 11 at depth 1
	p.Process(NewFunctionExitEvent(1, 300)) // closes 10 at depth 0

	require.Len(t, collector.timers, 2)
	require.EqualValues(t, 1, collector.timers[0].Depth)
	require.EqualValues(t, 11, collector.timers[0].FunctionID)
	require.EqualValues(t, 0, collector.timers[1].Depth)
	require.EqualValues(t, 10, collector.timers[1].FunctionID)
	require.LessOrEqual(t, collector.timers[0].StartNs, collector.timers[0].EndNs)
}

// TestIntrospectionScopeUsesProducerSuppliedDepth verifies an
// IntrospectionScope's depth comes from the event itself, independent of
// any concurrently open instrumented-function calls on the same tid.
func TestIntrospectionScopeUsesProducerSuppliedDepth(t *testing.T) {
	p, collector := newTestProcessor()

	p.Process(NewFunctionEntryEvent(1, 10, 50, 0, false)) // one open instrumented call on tid 1.
	p.Process(NewIntrospectionScopeEvent(1, "outer", 100, 300, 0))
	p.Process(NewIntrospectionScopeEvent(1, "inner", 150, 250, 1))

	require.Len(t, collector.timers, 2)
	require.EqualValues(t, 0, collector.timers[0].Depth)
	require.EqualValues(t, 1, collector.timers[1].Depth)
	for _, timer := range collector.timers {
		require.Equal(t, TimerIntrospection, timer.Type)
	}
}

// TestCallstackEventInvariant verifies the first testable
// property: every CallstackEvent's callstack_id is present in the
// interned set. The wire key here is deliberately a small sequential
// id distinct from CallstackID's content hash, matching what a real
// producer puts on the wire (see eventprocessor.Processor.internCallstack
// and tracer.Session.internLocalCallstack): the store must key on
// whatever id arrives with the event, not recompute a hash.
func TestCallstackEventInvariant(t *testing.T) {
	p, _ := newTestProcessor()

	frames := []uint64{0x1000, 0x2000}
	const wireID = uint64(7)
	p.Process(NewInternedCallstackEvent(wireID, frames, 0))
	p.Process(NewCallstackSampleEvent(1, 1, 100, wireID))

	events := p.Data().Callstacks.Events()
	require.Len(t, events, 1)
	require.EqualValues(t, wireID, events[0].CallstackID)
	cs, ok := p.Data().Callstacks.Callstack(events[0].CallstackID)
	require.True(t, ok)
	require.Equal(t, frames, cs.Frames)
}

func TestCallstackSampleForUnknownIDIsDropped(t *testing.T) {
	p, _ := newTestProcessor()
	p.Process(NewCallstackSampleEvent(1, 1, 100, 0xdeadbeef))
	require.Empty(t, p.Data().Callstacks.Events())
}

// TestThreadStateTransitions implements the thread-state transition scenario.
func TestThreadStateTransitions(t *testing.T) {
	p, _ := newTestProcessor()

	tid42 := int32(42)
	p.Process(NewThreadStateSliceEvent(1, -1, 100, int32(1) /* Running */, nil, nil))
	p.Process(NewThreadStateSliceEvent(1, 100, 200, int32(2) /* InterruptibleSleep */, nil, nil))
	p.Process(NewThreadStateSliceEvent(1, 200, 210, int32(0) /* Runnable */, &tid42, nil))
	p.Process(NewThreadStateSliceEvent(1, 210, 300, int32(1) /* Running */, nil, nil))

	slices := p.Data().ThreadStateSlices(1)
	require.Len(t, slices, 4)
	require.EqualValues(t, -1, slices[0].BeginNs)
	require.EqualValues(t, 100, slices[0].EndNs)
	require.EqualValues(t, 100, slices[1].BeginNs)
	require.EqualValues(t, 200, slices[1].EndNs)
	require.EqualValues(t, 200, slices[2].BeginNs)
	require.EqualValues(t, 210, slices[2].EndNs)
	require.NotNil(t, slices[2].WakeupTid)
	require.EqualValues(t, 42, *slices[2].WakeupTid)
	require.EqualValues(t, 210, slices[3].BeginNs)
	require.EqualValues(t, 300, slices[3].EndNs)

	for i := 1; i < len(slices); i++ {
		require.LessOrEqual(t, slices[i-1].EndNs, slices[i].BeginNs)
	}
}

// TestGpuJobEmitsThreeChildTimers implements the GPU job join scenario.
func TestGpuJobEmitsThreeChildTimers(t *testing.T) {
	p, collector := newTestProcessor()

	p.Process(NewGpuJobEvent(41, 42, 1, 10, "g", 0, 100, 200, 200, 300))

	require.Len(t, collector.timers, 3)
	require.EqualValues(t, 100, collector.timers[0].StartNs)
	require.EqualValues(t, 200, collector.timers[0].EndNs)
	require.EqualValues(t, 200, collector.timers[1].StartNs)
	require.EqualValues(t, 200, collector.timers[1].EndNs)
	require.EqualValues(t, 200, collector.timers[2].StartNs)
	require.EqualValues(t, 300, collector.timers[2].EndNs)
	for _, timer := range collector.timers {
		require.Equal(t, TimerGpuActivity, timer.Type)
		require.True(t, timer.HasTimelineHash)
	}
}

// TestGpuQueueSubmissionMapsCommandBuffersIntoHardwareWindow exercises
// the proportional CPU->GPU mapping of.
func TestGpuQueueSubmissionMapsCommandBuffersIntoHardwareWindow(t *testing.T) {
	p, collector := newTestProcessor()

	p.Process(NewGpuJobEvent(41, 42, 1, 10, "g", 0, 1000, 1100, 1100, 1300))
	collector.timers = nil

	p.Process(NewGpuQueueSubmissionEvent(42, 1000, 200,
		[]gpuCommandBufferSpan{NewCommandBufferSpan(0, 200)},
		[]gpuDebugMarkerBeginEvent{NewDebugMarkerBegin("draw", 0, 1)},
		[]gpuDebugMarkerEndEvent{NewDebugMarkerEnd(200, 1)},
	))

	require.Len(t, collector.timers, 2)
	cmdBuf := collector.timers[0]
	require.Equal(t, TimerGpuCommandBuffer, cmdBuf.Type)
	require.EqualValues(t, 1100, cmdBuf.StartNs)
	require.EqualValues(t, 1300, cmdBuf.EndNs)

	marker := collector.timers[1]
	require.Equal(t, TimerGpuDebugMarker, marker.Type)
	require.EqualValues(t, 1100, marker.StartNs)
	require.EqualValues(t, 1300, marker.EndNs)
	require.NotEqual(t, debugMarkerUnknownBeginTid, marker.Tid)
}

// TestDebugMarkerWithoutBeginUsesSentinel implements the "a
// debug marker whose begin is never seen" case.
func TestDebugMarkerWithoutBeginUsesSentinel(t *testing.T) {
	p, collector := newTestProcessor()

	p.Process(NewGpuJobEvent(41, 42, 1, 10, "g", 0, 1000, 1100, 1100, 1300))
	p.gpu.noteGpuTimestamp(1100)
	collector.timers = nil

	p.Process(NewGpuQueueSubmissionEvent(42, 1000, 200, nil, nil,
		[]gpuDebugMarkerEndEvent{NewDebugMarkerEnd(100, 1)},
	))

	require.Len(t, collector.timers, 1)
	require.EqualValues(t, debugMarkerUnknownBeginTid, collector.timers[0].Tid)
	require.EqualValues(t, 1100, collector.timers[0].StartNs)
}

// TestCaptureFinishedStopsFurtherProcessing implements "no
// further events are delivered after that callback".
func TestCaptureFinishedStopsFurtherProcessing(t *testing.T) {
	p, collector := newTestProcessor()
	p.Process(NewCaptureFinishedEvent(true, ""))
	require.True(t, p.Finished())

	p.Process(NewFunctionEntryEvent(1, 10, 100, 0, false))
	p.Process(NewFunctionExitEvent(1, 200))
	require.Empty(t, collector.timers)
}
