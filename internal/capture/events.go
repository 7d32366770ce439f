package capture

import "github.com/orbitprof/orbit/internal/config"

// EventKind discriminates the variants the capture event processor
// accepts. These mirror proto/orbit/capture/v1/capture.proto's
// ClientCaptureEvent oneof plus the lower-level producer events spec
// §4.10 names as inputs (FunctionCall/FunctionEntry+Exit,
// IntrospectionScope, SchedulingSlice) before they have been turned
// into TimerInfo — the client processor is the component that performs
// that conversion, so it must see the pre-conversion shapes too, not
// only the already-computed TimerInfo wire message.
type EventKind int

const (
	EventFunctionEntry EventKind = iota
	EventFunctionExit
	EventIntrospectionScope
	EventSchedulingSlice
	EventInternedString
	EventInternedCallstack
	EventCallstackSample
	EventThreadName
	EventThreadStateSlice
	EventAddressInfo
	EventGpuJob
	EventGpuQueueSubmission
	EventTracepoint
	EventOutOfOrderDiscarded
	EventCaptureStarted
	EventCaptureFinished
)

// TimerInfo is the TimerInfo, emitted by the processor to its
// TimerSink (the "listener" of a UI would attach, out of
// scope here).
type TimerInfo struct {
	Pid, Tid int32
	StartNs int64
	EndNs int64
	Depth int32
	Type TimerType
	FunctionID uint64
	HasFunctionID bool
	CallstackID uint64
	HasCallstackID bool
	TimelineHash uint64
	HasTimelineHash bool
	UserDataKey uint64
	HasUserDataKey bool
	Color uint32
	HasColor bool
}

type functionEntry struct {
	Tid int32
	FunctionID uint64
	TimestampNs int64
	CallstackID uint64
	HasCallstackID bool
}

type functionExit struct {
	Tid int32
	TimestampNs int64
}

type introspectionScope struct {
	Tid int32
	Name string
	BeginNs int64
	EndNs int64
	// Depth is the scope's nesting depth as computed by the in-process
	// producer that opened it (ORBIT_SCOPE's own nesting counter), not
	// derived from anything the capture processor tracks itself.
	Depth int32
}

// schedulingSlice is a core-activity interval derived from sched
// tracepoints directly ("SchedulingSlice → TimerInfo{type=
// CoreActivity}").
type schedulingSlice struct {
	Pid, Tid int32
	Core int32
	BeginNs int64
	EndNs int64
}

type internedString struct {
	Key uint64
	Value string
}

type internedCallstack struct {
	Key uint64
	Addresses []uint64
	Type int32
}

type callstackSample struct {
	Pid, Tid int32
	TimestampNs int64
	CallstackID uint64
}

type threadNameEvent struct {
	Tid int32
	Name string
}

type threadStateSliceEvent struct {
	Tid int32
	BeginNs int64
	EndNs int64
	State int32
	WakeupTid *int32
	WakeupPid *int32
}

type addressInfoEvent struct {
	Address uint64
	FunctionID uint64
	OffsetInFunction uint64
	ModuleNameKey uint64
}

// gpuJobEvent mirrors proto's GpuJobEvent / internal/tracer/gpu.FullGpuJob.
type gpuJobEvent struct {
	Pid, Tid int32
	Context uint32
	Seqno uint32
	Timeline string
	Depth int32
	IoctlTimeNs int64
	SchedRunJobTimeNs int64
	GpuHardwareStartTimeNs int64
	DmaFenceSignaledTimeNs int64
}

// gpuCommandBufferSpan is a CPU-side-relative command buffer interval
// within one GpuQueueSubmission, mapped proportionally onto the job's
// hardware-execution window.
type gpuCommandBufferSpan struct {
	CPUBeginOffsetNs int64
	CPUEndOffsetNs int64
}

type gpuDebugMarkerBeginEvent struct {
	Text string
	CPUOffsetNs int64
	NumBeginMarkers int32
}

type gpuDebugMarkerEndEvent struct {
	CPUOffsetNs int64
	NumBeginMarkers int32
}

// gpuQueueSubmissionEvent is matched back to a previously emitted
// FullGpuJob by (Tid, SubmissionCPUTimestampNs) — "may
// reference the job by (submission_cpu_timestamp, tid)". The
// submission's CPU-side timestamp is the same timestamp as the job's
// amdgpu_cs_ioctl event, since that ioctl call *is* the CPU submission.
type gpuQueueSubmissionEvent struct {
	Tid int32
	SubmissionCPUTimestampNs int64
	SubmissionCPUDurationNs int64
	CommandBuffers []gpuCommandBufferSpan
	DebugMarkerBegins []gpuDebugMarkerBeginEvent
	DebugMarkerEnds []gpuDebugMarkerEndEvent
}

type tracepointEvent struct {
	Tid int32
	TimestampNs int64
	TracepointKey uint64
}

type outOfOrderEventsDiscardedEvent struct {
	BeginNs int64
	EndNs int64
	Count uint64
}

type captureStartedEvent struct {
	CaptureOptions config.CaptureOptions
	CaptureProcessPid int32
}

type captureFinishedEvent struct {
	Successful bool
	ErrorMessage string
}

// Event is the tagged union Processor.Process accepts; only the field
// matching Kind is populated (the "tagged sum type... rather than
// runtime class dispatch" guidance).
type Event struct {
	Kind EventKind

	functionEntry functionEntry
	functionExit functionExit
	introspectionScope introspectionScope
	schedulingSlice schedulingSlice
	internedString internedString
	internedCallstack internedCallstack
	callstackSample callstackSample
	threadName threadNameEvent
	threadStateSlice threadStateSliceEvent
	addressInfo addressInfoEvent
	gpuJob gpuJobEvent
	gpuQueueSubmission gpuQueueSubmissionEvent
	tracepoint tracepointEvent
	outOfOrderDiscarded outOfOrderEventsDiscardedEvent
	captureStarted captureStartedEvent
	captureFinished captureFinishedEvent
}

// NewFunctionEntryEvent builds an EventFunctionEntry. callstackID/hasCS
// carries the (already globally-keyed, per §4.9) callstack captured at
// entry, if any was attached.
func NewFunctionEntryEvent(tid int32, functionID uint64, timestampNs int64, callstackID uint64, hasCallstackID bool) Event {
	return Event{Kind: EventFunctionEntry, functionEntry: functionEntry{
		Tid: tid, FunctionID: functionID, TimestampNs: timestampNs,
		CallstackID: callstackID, HasCallstackID: hasCallstackID,
	}}
}

// NewFunctionExitEvent builds an EventFunctionExit.
func NewFunctionExitEvent(tid int32, timestampNs int64) Event {
	return Event{Kind: EventFunctionExit, functionExit: functionExit{Tid: tid, TimestampNs: timestampNs}}
}

// NewIntrospectionScopeEvent builds an EventIntrospectionScope. depth is
// the producer's own nesting counter for this scope, carried through
// verbatim rather than recomputed here.
func NewIntrospectionScopeEvent(tid int32, name string, beginNs, endNs int64, depth int32) Event {
	return Event{Kind: EventIntrospectionScope, introspectionScope: introspectionScope{
		Tid: tid, Name: name, BeginNs: beginNs, EndNs: endNs, Depth: depth,
	}}
}

// NewSchedulingSliceEvent builds an EventSchedulingSlice.
func NewSchedulingSliceEvent(pid, tid, core int32, beginNs, endNs int64) Event {
	return Event{Kind: EventSchedulingSlice, schedulingSlice: schedulingSlice{
		Pid: pid, Tid: tid, Core: core, BeginNs: beginNs, EndNs: endNs,
	}}
}

// NewInternedStringEvent builds an EventInternedString.
func NewInternedStringEvent(key uint64, value string) Event {
	return Event{Kind: EventInternedString, internedString: internedString{Key: key, Value: value}}
}

// NewInternedCallstackEvent builds an EventInternedCallstack.
func NewInternedCallstackEvent(key uint64, addresses []uint64, callstackType int32) Event {
	return Event{Kind: EventInternedCallstack, internedCallstack: internedCallstack{
		Key: key, Addresses: addresses, Type: callstackType,
	}}
}

// NewCallstackSampleEvent builds an EventCallstackSample referencing a
// callstack already interned via EventInternedCallstack.
func NewCallstackSampleEvent(pid, tid int32, timestampNs int64, callstackID uint64) Event {
	return Event{Kind: EventCallstackSample, callstackSample: callstackSample{
		Pid: pid, Tid: tid, TimestampNs: timestampNs, CallstackID: callstackID,
	}}
}

// NewThreadNameEvent builds an EventThreadName.
func NewThreadNameEvent(tid int32, name string) Event {
	return Event{Kind: EventThreadName, threadName: threadNameEvent{Tid: tid, Name: name}}
}

// NewThreadStateSliceEvent builds an EventThreadStateSlice.
func NewThreadStateSliceEvent(tid int32, beginNs, endNs int64, state int32, wakeupTid, wakeupPid *int32) Event {
	return Event{Kind: EventThreadStateSlice, threadStateSlice: threadStateSliceEvent{
		Tid: tid, BeginNs: beginNs, EndNs: endNs, State: state,
		WakeupTid: wakeupTid, WakeupPid: wakeupPid,
	}}
}

// NewAddressInfoEvent builds an EventAddressInfo.
func NewAddressInfoEvent(address, functionID, offsetInFunction, moduleNameKey uint64) Event {
	return Event{Kind: EventAddressInfo, addressInfo: addressInfoEvent{
		Address: address, FunctionID: functionID,
		OffsetInFunction: offsetInFunction, ModuleNameKey: moduleNameKey,
	}}
}

// NewGpuJobEvent builds an EventGpuJob from a tracer/gpu.FullGpuJob-shaped
// set of fields.
func NewGpuJobEvent(pid, tid int32, context, seqno uint32, timeline string, depth int32, ioctlNs, schedNs, hwStartNs, signaledNs int64) Event {
	return Event{Kind: EventGpuJob, gpuJob: gpuJobEvent{
		Pid: pid, Tid: tid, Context: context, Seqno: seqno, Timeline: timeline, Depth: depth,
		IoctlTimeNs: ioctlNs, SchedRunJobTimeNs: schedNs,
		GpuHardwareStartTimeNs: hwStartNs, DmaFenceSignaledTimeNs: signaledNs,
	}}
}

// NewGpuQueueSubmissionEvent builds an EventGpuQueueSubmission.
func NewGpuQueueSubmissionEvent(tid int32, submissionCPUTimestampNs, submissionCPUDurationNs int64, cmdBufs []gpuCommandBufferSpan, begins []gpuDebugMarkerBeginEvent, ends []gpuDebugMarkerEndEvent) Event {
	return Event{Kind: EventGpuQueueSubmission, gpuQueueSubmission: gpuQueueSubmissionEvent{
		Tid: tid, SubmissionCPUTimestampNs: submissionCPUTimestampNs,
		SubmissionCPUDurationNs: submissionCPUDurationNs,
		CommandBuffers: cmdBufs,
		DebugMarkerBegins: begins,
		DebugMarkerEnds: ends,
	}}
}

// NewCommandBufferSpan builds one command-buffer interval for
// NewGpuQueueSubmissionEvent, expressed as CPU-relative offsets from the
// submission's own CPU timestamp.
func NewCommandBufferSpan(cpuBeginOffsetNs, cpuEndOffsetNs int64) gpuCommandBufferSpan {
	return gpuCommandBufferSpan{CPUBeginOffsetNs: cpuBeginOffsetNs, CPUEndOffsetNs: cpuEndOffsetNs}
}

// NewDebugMarkerBegin builds one debug-marker begin for
// NewGpuQueueSubmissionEvent.
func NewDebugMarkerBegin(text string, cpuOffsetNs int64, numBeginMarkers int32) gpuDebugMarkerBeginEvent {
	return gpuDebugMarkerBeginEvent{Text: text, CPUOffsetNs: cpuOffsetNs, NumBeginMarkers: numBeginMarkers}
}

// NewDebugMarkerEnd builds one debug-marker end for
// NewGpuQueueSubmissionEvent.
func NewDebugMarkerEnd(cpuOffsetNs int64, numBeginMarkers int32) gpuDebugMarkerEndEvent {
	return gpuDebugMarkerEndEvent{CPUOffsetNs: cpuOffsetNs, NumBeginMarkers: numBeginMarkers}
}

// NewTracepointEvent builds an EventTracepoint.
func NewTracepointEvent(tid int32, timestampNs int64, tracepointKey uint64) Event {
	return Event{Kind: EventTracepoint, tracepoint: tracepointEvent{
		Tid: tid, TimestampNs: timestampNs, TracepointKey: tracepointKey,
	}}
}

// NewOutOfOrderDiscardedEvent builds an EventOutOfOrderDiscarded.
func NewOutOfOrderDiscardedEvent(beginNs, endNs int64, count uint64) Event {
	return Event{Kind: EventOutOfOrderDiscarded, outOfOrderDiscarded: outOfOrderEventsDiscardedEvent{
		BeginNs: beginNs, EndNs: endNs, Count: count,
	}}
}

// NewCaptureStartedEvent builds an EventCaptureStarted.
func NewCaptureStartedEvent(opts config.CaptureOptions, pid int32) Event {
	return Event{Kind: EventCaptureStarted, captureStarted: captureStartedEvent{CaptureOptions: opts, CaptureProcessPid: pid}}
}

// NewCaptureFinishedEvent builds an EventCaptureFinished.
func NewCaptureFinishedEvent(successful bool, errorMessage string) Event {
	return Event{Kind: EventCaptureFinished, captureFinished: captureFinishedEvent{
		Successful: successful, ErrorMessage: errorMessage,
	}}
}
