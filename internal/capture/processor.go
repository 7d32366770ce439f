package capture

import (
	"fmt"

	"github.com/rs/zerolog"
)

// TimerSink receives each TimerInfo the processor materializes. In the
// full system this is the UI's timer track (out of scope);
// tests and internal/sampling instead collect them directly.
type TimerSink interface {
	OnTimer(TimerInfo)
}

// TimerSinkFunc adapts a function to TimerSink.
type TimerSinkFunc func(TimerInfo)

// OnTimer implements TimerSink.
func (f TimerSinkFunc) OnTimer(t TimerInfo) { f(t) }

type openCall struct {
	functionID uint64
	startNs int64
	callstackID uint64
	hasCallstackID bool
}

// Processor is the capture event processor: it runs on a
// single thread mutating a Data until OnCaptureFinished is
// called exactly once, after which Data becomes read-only.
type Processor struct {
	logger zerolog.Logger
	data *Data
	sink TimerSink

	openCalls map[int32][]openCall // per-tid open-call stack (depth tracking).

	gpu *gpuState

	finished bool
}

// NewProcessor returns a Processor materializing events into data and
// forwarding completed timers to sink.
func NewProcessor(logger zerolog.Logger, data *Data, sink TimerSink) *Processor {
	return &Processor{
		logger: logger.With().Str("component", "capture_processor").Logger(),
		data: data,
		sink: sink,
		openCalls: make(map[int32][]openCall),
		gpu: newGPUState(),
	}
}

// Data returns the CaptureData this processor mutates.
func (p *Processor) Data() *Data { return p.data }

// Process dispatches ev to the appropriate handler. It
// must not be called concurrently, and must not be called again after
// the EventCaptureFinished event ("no further events are
// delivered after that callback").
func (p *Processor) Process(ev Event) {
	if p.finished {
		p.logger.Warn().Msg("event delivered after capture finished, ignoring")
		return
	}

	switch ev.Kind {
	case EventFunctionEntry:
		p.onFunctionEntry(ev.functionEntry)
	case EventFunctionExit:
		p.onFunctionExit(ev.functionExit)
	case EventIntrospectionScope:
		p.onIntrospectionScope(ev.introspectionScope)
	case EventSchedulingSlice:
		p.onSchedulingSlice(ev.schedulingSlice)
	case EventInternedString:
		p.data.Strings.Intern(ev.internedString.Key, ev.internedString.Value)
	case EventInternedCallstack:
		p.onInternedCallstack(ev.internedCallstack)
	case EventCallstackSample:
		p.onCallstackSample(ev.callstackSample)
	case EventThreadName:
		p.data.SetThreadName(ev.threadName.Tid, ev.threadName.Name)
	case EventThreadStateSlice:
		p.onThreadStateSlice(ev.threadStateSlice)
	case EventAddressInfo:
		p.data.SetAddressInfo(AddressInfo(ev.addressInfo))
	case EventGpuJob:
		p.onGpuJob(ev.gpuJob)
	case EventGpuQueueSubmission:
		p.onGpuQueueSubmission(ev.gpuQueueSubmission)
	case EventTracepoint:
		p.data.Tracepoints.AddEvent(TracepointEvent(ev.tracepoint))
	case EventOutOfOrderDiscarded:
		p.logger.Warn().
			Int64("begin_ns", ev.outOfOrderDiscarded.BeginNs).
			Int64("end_ns", ev.outOfOrderDiscarded.EndNs).
			Uint64("count", ev.outOfOrderDiscarded.Count).
			Msg("events discarded by the ordered-stream merger")
	case EventCaptureStarted:
		p.logger.Info().Int32("pid", ev.captureStarted.CaptureProcessPid).Msg("capture started")
	case EventCaptureFinished:
		p.onCaptureFinished(ev.captureFinished)
	default:
		p.logger.Warn().Int("kind", int(ev.Kind)).Msg("unknown event kind")
	}
}

func (p *Processor) emitTimer(t TimerInfo) {
	p.data.RecordFunctionDurationIfAttributed(t)
	if p.sink != nil {
		p.sink.OnTimer(t)
	}
}

// RecordFunctionDurationIfAttributed folds t's duration into
// function_stats when t carries a function id resolvable against
// selected_functions ( function_stats is keyed by FunctionInfo,
// derived here from TimerInfo.FunctionID).
func (d *Data) RecordFunctionDurationIfAttributed(t TimerInfo) {
	if !t.HasFunctionID {
		return
	}
	fn, ok := d.SelectedFunction(t.FunctionID)
	if !ok {
		return
	}
	d.RecordFunctionDuration(fn, t.EndNs-t.StartNs)
}

func (p *Processor) pushOpenCall(tid int32, c openCall) int32 {
	stack := p.openCalls[tid]
	depth := int32(len(stack))
	p.openCalls[tid] = append(stack, c)
	return depth
}

func (p *Processor) popOpenCall(tid int32) (openCall, bool) {
	stack := p.openCalls[tid]
	if len(stack) == 0 {
		return openCall{}, false
	}
	c := stack[len(stack)-1]
	p.openCalls[tid] = stack[:len(stack)-1]
	return c, true
}

// onFunctionEntry opens a call on tid, to be closed by a matching
// FunctionExit ("FunctionEntry+FunctionExit → TimerInfo").
func (p *Processor) onFunctionEntry(e functionEntry) {
	p.pushOpenCall(e.Tid, openCall{
		functionID: e.FunctionID, startNs: e.TimestampNs,
		callstackID: e.CallstackID, hasCallstackID: e.HasCallstackID,
	})
}

// onFunctionExit closes the innermost open call on tid and emits its
// TimerInfo, with depth equal to the number of enclosing calls still
// open on tid once this one is popped ("depth equals the number of
// currently open calls on the same tid").
func (p *Processor) onFunctionExit(e functionExit) {
	c, ok := p.popOpenCall(e.Tid)
	if !ok {
		p.logger.Warn().Int32("tid", e.Tid).Msg("function exit with no matching open call")
		return
	}
	depth := int32(len(p.openCalls[e.Tid]))
	p.emitTimer(TimerInfo{
		Tid: e.Tid, StartNs: c.startNs, EndNs: e.TimestampNs, Depth: depth,
		Type: TimerNone, FunctionID: c.functionID, HasFunctionID: true,
		CallstackID: c.callstackID, HasCallstackID: c.hasCallstackID,
	})
}

// onIntrospectionScope emits a TimerInfo directly, since introspection
// scopes (in-process instrumentation) already carry both endpoints
// ("IntrospectionScope → TimerInfo{type=Introspection}").
// Depth comes straight from the producer's own nesting counter (e.Depth):
// introspection scopes can nest independently of any instrumented
// FunctionEntry/Exit pair on the same tid, so it is never derived from
// p.openCalls.
func (p *Processor) onIntrospectionScope(e introspectionScope) {
	p.emitTimer(TimerInfo{
		Tid: e.Tid, StartNs: e.BeginNs, EndNs: e.EndNs, Depth: e.Depth,
		Type: TimerIntrospection,
	})
}

// onSchedulingSlice emits a CoreActivity timer directly.
func (p *Processor) onSchedulingSlice(e schedulingSlice) {
	p.emitTimer(TimerInfo{
		Pid: e.Pid, Tid: e.Tid, StartNs: e.BeginNs, EndNs: e.EndNs,
		Depth: 0, Type: TimerCoreActivity,
	})
}

func (p *Processor) onInternedCallstack(e internedCallstack) {
	p.data.Callstacks.InternCallstackWithID(e.Key, Callstack{Frames: e.Addresses, Type: e.Type})
}

func (p *Processor) onCallstackSample(e callstackSample) {
	if _, ok := p.data.Callstacks.Callstack(e.CallstackID); !ok {
		p.logger.Warn().Uint64("callstack_id", e.CallstackID).Msg("callstack sample references unknown callstack id")
		return
	}
	p.data.Callstacks.AppendEvent(CallstackEvent{
		Pid: e.Pid, Tid: e.Tid, TimestampNs: e.TimestampNs, CallstackID: e.CallstackID,
	})
}

func (p *Processor) onThreadStateSlice(e threadStateSliceEvent) {
	p.data.AppendThreadStateSlice(ThreadStateSlice{
		Tid: e.Tid, BeginNs: e.BeginNs, EndNs: e.EndNs, State: e.State,
		WakeupTid: e.WakeupTid, WakeupPid: e.WakeupPid,
	})
}

// onCaptureFinished marks the processor done: no further Process calls
// are honored. Any threads with a still-open call are logged
// but not synthesized into timers, since their true end time was never
// observed.
func (p *Processor) onCaptureFinished(e captureFinishedEvent) {
	p.finished = true
	for tid, stack := range p.openCalls {
		if len(stack) > 0 {
			p.logger.Warn().Int32("tid", tid).Int("open_calls", len(stack)).
				Msg("capture finished with unterminated function calls")
		}
	}
	if !e.Successful {
		p.logger.Error().Str("error", e.ErrorMessage).Msg("capture finished with an error")
	}
}

// Finished reports whether OnCaptureFinished has been processed.
func (p *Processor) Finished() bool { return p.finished }

// ResolveAddressInfoKeys de-interns an AddressInfo's function/module
// name keys against data's string table, returning a FunctionInfo
// ("AddressInfo → store, de-interning function- and
// module-name keys").
func ResolveAddressInfoKeys(data *Data, info AddressInfo, functionNameKey uint64) (FunctionInfo, error) {
	name, ok := data.Strings.Get(functionNameKey)
	if !ok {
		return FunctionInfo{}, fmt.Errorf("address info %d: function name key %d not interned", info.Address, functionNameKey)
	}
	module, _ := data.Strings.Get(info.ModuleNameKey)
	return FunctionInfo{
		Name: name,
		ModuleName: module,
		Address: info.Address - info.OffsetInFunction,
	}, nil
}
