// Package tracer assembles the components of into the
// runnable capture pipeline: a goroutine per ring buffer parses raw
// records and hands them to a single aggregator goroutine, which merges
// them into global timestamp order (internal/tracer/stream) and drives
// the unwinding, scheduling and GPU visitors.
//
// Grounded on the teacher's internal/agent/ebpf/manager.go long-lived
// session shape (background goroutines feeding a single owning
// goroutine through channels rather than shared locks).
package tracer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitprof/orbit/internal/capture"
	"github.com/orbitprof/orbit/internal/config"
	"github.com/orbitprof/orbit/internal/producer"
	"github.com/orbitprof/orbit/internal/safe"
	"github.com/orbitprof/orbit/internal/tracer/gpu"
	"github.com/orbitprof/orbit/internal/tracer/perfrecord"
	"github.com/orbitprof/orbit/internal/tracer/ring"
	"github.com/orbitprof/orbit/internal/tracer/sched"
	"github.com/orbitprof/orbit/internal/tracer/stream"
	"github.com/orbitprof/orbit/internal/tracer/unwind"
	"github.com/orbitprof/orbit/internal/tracer/uprobes"
)

// ringPollInterval bounds how long a ring's reader goroutine sleeps
// between HasRecord checks when its ring is empty.
const ringPollInterval = time.Millisecond

// RingRole tags which tracepoint (or plain CPU sampling) a ring buffer
// carries, resolving the PERF_RECORD_SAMPLE/tracepoint ambiguity
// perfrecord.TypeSample/TypeTracepoint documents.
type RingRole int

const (
	RoleSampling RingRole = iota
	RoleSchedSwitch
	RoleSchedWakeup
	RoleTaskNewtask
	RoleAmdgpuCsIoctl
	RoleAmdgpuSchedRunJob
	RoleDmaFenceSignaled
	RoleGenericTracepoint
)

// RingSource is the subset of *ring.Reader's contract Session drives.
// Tests supply a fake so the dispatch logic can run without a real
// mmap'd perf_event_open fd.
type RingSource interface {
	FileDescriptor() int
	HasRecord() bool
	PeekHeader() (ring.RecordHeader, bool)
	ReadAtOffset(dst []byte, byteOffset uint64, size int)
	Consume(hdr ring.RecordHeader)
	Skip(hdr ring.RecordHeader)
	Close() error
}

// RingHandle pairs one ring with the role that disambiguates its
// tracepoint-sample records.
type RingHandle struct {
	Source RingSource
	Role RingRole
}

// TracepointDecoder extracts the fields Session needs from a
// tracepoint sample's PERF_SAMPLE_RAW payload. internal/tracer/perfdecode
// implements it against the format description under tracefs's
// events/<category>/<name>/format; tests back it with a fake.
type TracepointDecoder interface {
	DecodeSchedSwitch(raw []byte) (prevTid int64, prevStateChar byte, nextTid int64, ok bool)
	DecodeSchedWakeup(raw []byte) (tid, wakerTid, wakerPid int64, ok bool)
	DecodeTaskNewtask(raw []byte) (pid, tid int64, ok bool)
	DecodeAmdgpuCsIoctl(raw []byte) (pid, tid uint32, key gpu.JobKey, ok bool)
	DecodeAmdgpuSchedRunJob(raw []byte) (key gpu.JobKey, ok bool)
	DecodeDmaFenceSignaled(raw []byte) (key gpu.JobKey, ok bool)
	DecodeGeneric(raw []byte) (category, name string, ok bool)
}

type queuedEvent struct {
	streamID stream.StreamID
	tsNs int64
	payload any
}

type samplingPayload perfrecord.CallchainSampleEvent
type commPayload perfrecord.CommEvent
type forkPayload perfrecord.ForkEvent
type exitPayload perfrecord.ExitEvent

type schedSwitchPayload struct {
	prevTid int64
	prevState byte
	nextTid int64
}

type schedWakeupPayload struct {
	tid, wakerTid, wakerPid int64
}

type taskNewtaskPayload struct {
	pid, tid int64
}

type gpuCsIoctlPayload struct {
	pid, tid uint32
	key gpu.JobKey
}

type gpuSchedRunJobPayload struct{ key gpu.JobKey }

type gpuDmaFenceSignaledPayload struct{ key gpu.JobKey }

type genericTracepointPayload struct {
	tid int32
	category, name string
}

type uprobeEntryPayload struct {
	tid int64
	functionID uint64
	returnAddress uint64
	stackPointer uint64
}

type uprobeReturnPayload struct {
	tid int64
	stackPointer uint64
}

// UprobeEventSource is the subset of *ringbuf.Reader's contract Session
// drives for one instrumented function's entry+return ring buffer
// (internal/tracer/uprobes.AttachResult.Reader, adapted by the caller).
// Read blocks until a record is available and returns an error once the
// ring is closed, matching ringbuf.Reader.Read's own contract.
type UprobeEventSource interface {
	Read() ([]byte, error)
	Close() error
}

// Session wires one capture's ring readers, ordered-stream merger and
// visitors together (the "Flow: ring-buffer reader → parser →
// ordered event stream → visitors"). Per-thread samples that feed the
// callstack-interning path are routed through producerClient, matching
// the wire protocol's CallstackSample/InternedCallstack variants
// (proto/orbit/producer/v1); everything the producer protocol has no
// variant for (scheduling slices, GPU jobs, thread names, generic
// tracepoints, discard markers) is emitted directly on DirectEvents,
// to be merged by the caller alongside the producer–event processor's
// output before reaching the client capture processor.
type Session struct {
	logger zerolog.Logger
	opts config.CaptureOptions

	rings []RingHandle
	decoder TracepointDecoder

	frameInfo unwind.FrameInfoProvider
	shadow *uprobes.ShadowStackManager
	schedVisitor *sched.Visitor
	gpuVisitor *gpu.Visitor

	producerClient *producer.Client

	merger *stream.Merger
	direct chan capture.Event
	ctx context.Context

	localCallstackKeys map[uint64]uint64
	nextLocalCallstackKey uint64

	schedEmitted int

	uprobeEvents []UprobeEventSource
}

// SetUprobeEventSources attaches one UprobeEventSource per instrumented
// function the caller has uprobe/uretprobe-attached
// (internal/tracer/uprobes.Attach). Each source is read on its own
// goroutine for the lifetime of Run and funneled into the shadow
// stack's PushEntry/PopReturn, the same ShadowStackManager
// handleSample's PatchTrampolineFrame reads from. Must be called before
// Run; a nil or empty list (the default) leaves the shadow stack
// unpopulated, same as passing a nil ShadowStackManager.
func (s *Session) SetUprobeEventSources(sources []UprobeEventSource) {
	s.uprobeEvents = sources
}

// NewSession returns a Session ready to Run. frameInfo, shadow,
// schedVisitor, gpuVisitor and producerClient may be nil to disable
// the respective facet (e.g. a capture with CollectSchedulingInfo
// false supplies no schedVisitor).
func NewSession(
	logger zerolog.Logger,
	opts config.CaptureOptions,
	rings []RingHandle,
	decoder TracepointDecoder,
	frameInfo unwind.FrameInfoProvider,
	shadow *uprobes.ShadowStackManager,
	schedVisitor *sched.Visitor,
	gpuVisitor *gpu.Visitor,
	producerClient *producer.Client,
) *Session {
	noneTolerance := opts.VisibilityDelay * 4
	return &Session{
		logger: logger.With().Str("component", "tracer_session").Logger(),
		opts: opts,
		rings: rings,
		decoder: decoder,
		frameInfo: frameInfo,
		shadow: shadow,
		schedVisitor: schedVisitor,
		gpuVisitor: gpuVisitor,
		producerClient: producerClient,
		merger: stream.NewMerger(opts.VisibilityDelay, noneTolerance),
		direct: make(chan capture.Event, 4096),
		localCallstackKeys: make(map[uint64]uint64),
	}
}

// DirectEvents returns the stream of capture.Events this session emits
// outside the producer protocol. It closes once Run returns.
func (s *Session) DirectEvents() <-chan capture.Event { return s.direct }

// Run starts one reader goroutine per ring plus the aggregator, and
// blocks until ctx is cancelled and every ring has stopped. On return,
// any still-open scheduling state is closed and emitted, and
// DirectEvents is closed.
func (s *Session) Run(ctx context.Context) {
	s.ctx = ctx
	in := make(chan queuedEvent, 4096)

	var wg sync.WaitGroup
	for _, h := range s.rings {
		wg.Add(1)
		go func(h RingHandle) {
			defer wg.Done()
			s.readRing(ctx, h, in)
		}(h)
	}
	if s.shadow != nil {
		for _, src := range s.uprobeEvents {
			wg.Add(1)
			go func(src UprobeEventSource) {
				defer wg.Done()
				s.readUprobeEvents(ctx, src, in)
			}(src)
			// Read blocks until a record arrives, so unlike readRing's
			// polling loop it cannot notice ctx.Done() on its own:
			// closing the source from here unblocks the pending Read
			// with an error, same as stopping a real ringbuf.Reader.
			go func(src UprobeEventSource) {
				<-ctx.Done()
				_ = src.Close()
			}(src)
		}
	}
	go func() {
		wg.Wait()
		close(in)
	}()

	s.aggregate(ctx, in)

	if s.schedVisitor != nil {
		endNs := time.Now().UnixNano()
		slices := s.schedVisitor.Finish(endNs)
		for _, sl := range slices[s.schedEmitted:] {
			s.emitThreadStateSlice(sl)
		}
	}
	close(s.direct)
}

// readRing parses one ring's records and forwards them to the
// aggregator, touching no shared state beyond the channel send (spec
// §5: "parse+enqueue only, no shared locks on hot path").
func (s *Session) readRing(ctx context.Context, h RingHandle, out chan<- queuedEvent) {
	defer func() {
		if err := h.Source.Close(); err != nil {
			s.logger.Warn().Err(err).Int("fd", h.Source.FileDescriptor()).Msg("error closing ring")
		}
	}()

	streamID := stream.StreamID(h.Source.FileDescriptor())
	if h.Role == RoleDmaFenceSignaled {
		// dma_fence_signaled can complete out of submission order across
		// GPU queues; give it the larger None tolerance
		// instead of this ring's own per-fd stream.
		streamID = stream.NoneStream
	}

	var lastTsNs int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !h.Source.HasRecord() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(ringPollInterval):
			}
			continue
		}

		hdr, ok := h.Source.PeekHeader()
		if !ok {
			continue
		}
		if hdr.Size() < 8 {
			h.Source.Skip(hdr)
			continue
		}

		buf := make([]byte, hdr.Size())
		h.Source.ReadAtOffset(buf, 0, int(hdr.Size()))
		h.Source.Consume(hdr)

		qe, ok := s.parseRecord(h.Role, perfrecord.Type(hdr.Type), buf[8:])
		if !ok {
			continue
		}
		if qe.tsNs == 0 {
			// Ancillary record types (COMM) carry no kernel timestamp;
			// approximate their position using this stream's last known
			// timestamp so they still merge close to where they occurred.
			qe.tsNs = lastTsNs
		} else {
			lastTsNs = qe.tsNs
		}
		qe.streamID = streamID

		select {
		case out <- qe:
		case <-ctx.Done():
			return
		}
	}
}

// readUprobeEvents parses one instrumented function's uprobe/uretprobe
// ring buffer records and forwards them to the aggregator, same as
// readRing does for perf_event_open rings. Records carry their own
// timestamp (the BPF program's bpf_ktime_get_ns()), so unlike
// ancillary perf records there is no lastTsNs fallback needed.
func (s *Session) readUprobeEvents(ctx context.Context, src UprobeEventSource, out chan<- queuedEvent) {
	for {
		raw, err := src.Read()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug().Err(err).Msg("uprobe event source stopped")
			}
			return
		}

		rec, err := uprobes.ParseRecord(raw)
		if err != nil {
			s.logger.Debug().Err(err).Msg("dropping malformed uprobe record")
			continue
		}

		var payload any
		switch rec.Kind {
		case uprobes.RecordKindEntry:
			payload = uprobeEntryPayload{
				tid: rec.TID, functionID: rec.FunctionID,
				returnAddress: rec.ReturnAddress, stackPointer: rec.StackPointer,
			}
		case uprobes.RecordKindReturn:
			payload = uprobeReturnPayload{tid: rec.TID, stackPointer: rec.StackPointer}
		default:
			continue
		}

		qe := queuedEvent{streamID: stream.NoneStream, tsNs: rec.TimestampNs, payload: payload}
		select {
		case out <- qe:
		case <-ctx.Done():
			return
		}
	}
}

// parseRecord decodes one record's payload (the bytes after its 8-byte
// header) according to its kernel record type, dispatching ambiguous
// PERF_RECORD_SAMPLE records to parseSampleByRole.
func (s *Session) parseRecord(role RingRole, typ perfrecord.Type, payload []byte) (queuedEvent, bool) {
	switch typ {
	case perfrecord.TypeLost:
		lost, err := perfrecord.ParseLost(payload)
		if err == nil {
			s.logger.Warn().Uint64("lost", lost.Lost).Msg("ring reported PERF_RECORD_LOST")
		}
		return queuedEvent{}, false
	case perfrecord.TypeMmap:
		// Mapping changes feed an external FrameInfoProvider (ELF/DWARF
		// resolution is out of scope here); nothing to enqueue.
		return queuedEvent{}, false
	case perfrecord.TypeComm:
		comm, err := perfrecord.ParseComm(payload)
		if err != nil {
			return queuedEvent{}, false
		}
		return queuedEvent{payload: commPayload(comm)}, true
	case perfrecord.TypeFork:
		fork, err := perfrecord.ParseFork(payload)
		if err != nil {
			return queuedEvent{}, false
		}
		ts, _ := safe.Uint64ToInt64(fork.TimestampNs)
		return queuedEvent{tsNs: ts, payload: forkPayload(fork)}, true
	case perfrecord.TypeExit:
		exit, err := perfrecord.ParseExit(payload)
		if err != nil {
			return queuedEvent{}, false
		}
		ts, _ := safe.Uint64ToInt64(exit.TimestampNs)
		return queuedEvent{tsNs: ts, payload: exitPayload(exit)}, true
	case perfrecord.TypeSample: // == TypeTracepoint; Role disambiguates.
		return s.parseSampleByRole(role, payload)
	default:
		return queuedEvent{}, false
	}
}

func (s *Session) parseSampleByRole(role RingRole, payload []byte) (queuedEvent, bool) {
	if role == RoleSampling {
		ev, err := perfrecord.ParseCallchainSample(payload, perfrecord.UserRegMask, s.opts.StackDumpSize)
		if err != nil {
			s.logger.Debug().Err(err).Msg("dropping malformed sampling record")
			return queuedEvent{}, false
		}
		ts, _ := safe.Uint64ToInt64(ev.TimestampNs)
		return queuedEvent{tsNs: ts, payload: samplingPayload(ev)}, true
	}

	ev, err := perfrecord.ParseTracepointSample(payload)
	if err != nil {
		s.logger.Debug().Err(err).Msg("dropping malformed tracepoint sample")
		return queuedEvent{}, false
	}
	return s.decodeTracepoint(role, ev)
}

func (s *Session) decodeTracepoint(role RingRole, ev perfrecord.SampleEvent) (queuedEvent, bool) {
	if s.decoder == nil {
		return queuedEvent{}, false
	}
	ts, _ := safe.Uint64ToInt64(ev.TimestampNs)

	switch role {
	case RoleSchedSwitch:
		prevTid, prevState, nextTid, ok := s.decoder.DecodeSchedSwitch(ev.Raw)
		if !ok {
			return queuedEvent{}, false
		}
		return queuedEvent{tsNs: ts, payload: schedSwitchPayload{prevTid: prevTid, prevState: prevState, nextTid: nextTid}}, true
	case RoleSchedWakeup:
		tid, wakerTid, wakerPid, ok := s.decoder.DecodeSchedWakeup(ev.Raw)
		if !ok {
			return queuedEvent{}, false
		}
		return queuedEvent{tsNs: ts, payload: schedWakeupPayload{tid: tid, wakerTid: wakerTid, wakerPid: wakerPid}}, true
	case RoleTaskNewtask:
		pid, tid, ok := s.decoder.DecodeTaskNewtask(ev.Raw)
		if !ok {
			return queuedEvent{}, false
		}
		return queuedEvent{tsNs: ts, payload: taskNewtaskPayload{pid: pid, tid: tid}}, true
	case RoleAmdgpuCsIoctl:
		pid, tid, key, ok := s.decoder.DecodeAmdgpuCsIoctl(ev.Raw)
		if !ok {
			return queuedEvent{}, false
		}
		return queuedEvent{tsNs: ts, payload: gpuCsIoctlPayload{pid: pid, tid: tid, key: key}}, true
	case RoleAmdgpuSchedRunJob:
		key, ok := s.decoder.DecodeAmdgpuSchedRunJob(ev.Raw)
		if !ok {
			return queuedEvent{}, false
		}
		return queuedEvent{tsNs: ts, payload: gpuSchedRunJobPayload{key: key}}, true
	case RoleDmaFenceSignaled:
		key, ok := s.decoder.DecodeDmaFenceSignaled(ev.Raw)
		if !ok {
			return queuedEvent{}, false
		}
		return queuedEvent{tsNs: ts, payload: gpuDmaFenceSignaledPayload{key: key}}, true
	case RoleGenericTracepoint:
		category, name, ok := s.decoder.DecodeGeneric(ev.Raw)
		if !ok {
			return queuedEvent{}, false
		}
		tid, _ := safe.Uint32ToInt32(ev.TID)
		return queuedEvent{tsNs: ts, payload: genericTracepointPayload{tid: tid, category: category, name: name}}, true
	default:
		return queuedEvent{}, false
	}
}

// aggregate is the sole goroutine running the merger and visitors
//. It drains every event it can safely Pop after each push,
// then does a final unordered drain once every ring has stopped.
func (s *Session) aggregate(ctx context.Context, in <-chan queuedEvent) {
	for {
		select {
		case qe, ok := <-in:
			if !ok {
				s.finalDrain()
				return
			}
			s.merger.Push(stream.Event{TimestampNs: qe.tsNs, Stream: qe.streamID, Payload: qe.payload})
			s.drainReady()
		case <-ctx.Done():
			s.finalDrain()
			return
		}
	}
}

func (s *Session) drainReady() {
	for {
		ev, ok := s.merger.Pop()
		if !ok {
			break
		}
		s.dispatch(ev)
	}
	if discarded, ok := s.merger.TakeDiscarded(); ok {
		begin, _ := safe.Uint64ToInt64(discarded.BeginNs)
		end, _ := safe.Uint64ToInt64(discarded.EndNs)
		s.emitDirect(capture.NewOutOfOrderDiscardedEvent(begin, end, discarded.Count))
	}
}

func (s *Session) finalDrain() {
	for _, ev := range s.merger.DrainIgnoringWatermark() {
		s.dispatch(ev)
	}
}

// dispatch routes one merged event to the visitor (or direct emission)
// appropriate to its payload type.
func (s *Session) dispatch(ev stream.Event) {
	switch p := ev.Payload.(type) {
	case samplingPayload:
		s.handleSample(perfrecord.CallchainSampleEvent(p))
	case commPayload:
		tid, _ := safe.Uint32ToInt32(p.TID)
		s.emitDirect(capture.NewThreadNameEvent(tid, p.Comm))
	case forkPayload:
		if s.schedVisitor != nil {
			s.schedVisitor.OnTaskNewtask(int64(p.PID), int64(p.TID), ev.TimestampNs)
			s.flushSchedSlices()
		}
	case exitPayload:
		if s.schedVisitor != nil {
			s.schedVisitor.OnExit(int64(p.TID))
		}
		if s.shadow != nil {
			s.shadow.DropThread(int64(p.TID))
		}
	case taskNewtaskPayload:
		if s.schedVisitor != nil {
			s.schedVisitor.OnTaskNewtask(p.pid, p.tid, ev.TimestampNs)
			s.flushSchedSlices()
		}
	case schedSwitchPayload:
		if s.schedVisitor != nil {
			s.schedVisitor.OnSchedSwitchOut(p.prevTid, p.prevState, ev.TimestampNs)
			s.schedVisitor.OnSchedSwitchIn(p.nextTid, ev.TimestampNs)
			s.flushSchedSlices()
		}
	case schedWakeupPayload:
		if s.schedVisitor != nil {
			s.schedVisitor.OnSchedWakeup(p.tid, p.wakerTid, p.wakerPid, ev.TimestampNs)
			s.flushSchedSlices()
		}
	case gpuCsIoctlPayload:
		if s.gpuVisitor != nil {
			ts, _ := safe.Int64ToUint64(ev.TimestampNs)
			if job, ok := s.gpuVisitor.OnAmdgpuCsIoctl(p.pid, p.tid, p.key, ts); ok {
				s.emitGpuJob(job)
			}
		}
	case gpuSchedRunJobPayload:
		if s.gpuVisitor != nil {
			ts, _ := safe.Int64ToUint64(ev.TimestampNs)
			if job, ok := s.gpuVisitor.OnAmdgpuSchedRunJob(p.key, ts); ok {
				s.emitGpuJob(job)
			}
		}
	case gpuDmaFenceSignaledPayload:
		if s.gpuVisitor != nil {
			ts, _ := safe.Int64ToUint64(ev.TimestampNs)
			if job, ok := s.gpuVisitor.OnDmaFenceSignaled(p.key, ts); ok {
				s.emitGpuJob(job)
			}
		}
	case genericTracepointPayload:
		if key, ok := s.tracepointKey(p.category, p.name); ok {
			s.emitDirect(capture.NewTracepointEvent(p.tid, ev.TimestampNs, key))
		}
	case uprobeEntryPayload:
		if s.shadow != nil {
			s.shadow.PushEntry(p.tid, uprobes.Frame{
				FunctionID: p.functionID, ReturnAddress: p.returnAddress, StackPointer: p.stackPointer,
			})
		}
	case uprobeReturnPayload:
		if s.shadow != nil {
			if _, matched, discarded := s.shadow.PopReturn(p.tid, p.stackPointer); !matched && discarded > 0 {
				s.logger.Debug().Int64("tid", p.tid).Int("discarded", discarded).
					Msg("uretprobe return matched no open shadow-stack frame")
			}
		}
	default:
		s.logger.Warn().Msg("aggregator received an unrecognized payload")
	}
}

// handleSample unwinds one CPU-cycle sample and routes the resolved
// callstack through the producer-local interning path (,
// §4.9).
func (s *Session) handleSample(ev perfrecord.CallchainSampleEvent) {
	const leafIndex = 0 // perfrecord's callchain is innermost-first.

	var frameInfo unwind.FrameInfoProvider = noopFrameInfoProvider{}
	if s.frameInfo != nil {
		frameInfo = s.frameInfo
	}

	spOffset, bpOffset := unwindRegisterOffsets(ev.StackPointer, ev.FramePointer)
	result := unwind.Unwind(unwind.Input{
		Callchain: ev.Callchain,
		StackPointerOffset: spOffset,
		FramePointerOffset: bpOffset,
		StackDump: ev.StackDump,
		LeafIndex: leafIndex,
	}, frameInfo)

	if s.shadow != nil && result.Type == unwind.InUprobes && len(result.Callstack) > leafIndex {
		if patched, ok := s.shadow.PatchTrampolineFrame(int64(ev.TID), result.Callstack[leafIndex], frameInfo.InUprobesTrampoline); ok {
			result.Callstack[leafIndex] = patched
		}
	}

	pid, _ := safe.Uint32ToInt32(ev.PID)
	tid, _ := safe.Uint32ToInt32(ev.TID)
	ts, _ := safe.Uint64ToInt64(ev.TimestampNs)
	s.emitCallstackSample(pid, tid, ts, result.Callstack, int32(result.Type))
}

// unwindRegisterOffsets converts the leaf frame's raw sp/bp register
// values into unwind.Input's coordinate space, where 0 is the stack
// pointer itself (PERF_SAMPLE_STACK_USER's dump starts there, so sp
// always sits at offset 0 within it). A frame pointer below the stack
// pointer is a broken frame; unwind.Unwind detects it by comparing the
// two offsets, which a plain bp-sp subtraction can't express once it
// underflows, so that case is encoded directly instead.
func unwindRegisterOffsets(sp, bp uint64) (spOffset, bpOffset uint64) {
	if bp < sp {
		return 1, 0
	}
	return 0, bp - sp
}

// noopFrameInfoProvider backs Unwind when no FrameInfoProvider was
// configured (e.g. a capture with no symbolizer attached yet),
// treating every leaf as unresolved.
type noopFrameInfoProvider struct{}

func (noopFrameInfoProvider) IsExecutable(uint64) bool { return false }
func (noopFrameInfoProvider) HasFramePointerPrologue(uint64) bool { return false }
func (noopFrameInfoProvider) HasCFI(uint64) bool { return false }
func (noopFrameInfoProvider) InUprobesTrampoline(uint64) bool { return false }

func (s *Session) emitGpuJob(job gpu.FullGpuJob) {
	pid, _ := safe.Uint32ToInt32(job.PID)
	tid, _ := safe.Uint32ToInt32(job.TID)
	ioctlNs, _ := safe.Uint64ToInt64(job.IoctlTimeNs)
	schedNs, _ := safe.Uint64ToInt64(job.SchedRunJobTimeNs)
	hwStartNs, _ := safe.Uint64ToInt64(job.GpuHardwareStartTimeNs)
	signaledNs, _ := safe.Uint64ToInt64(job.DmaFenceSignaledTimeNs)
	s.emitDirect(capture.NewGpuJobEvent(pid, tid, job.Context, job.Seqno, job.Timeline, job.Depth, ioctlNs, schedNs, hwStartNs, signaledNs))
}

func (s *Session) flushSchedSlices() {
	if s.schedVisitor == nil {
		return
	}
	all := s.schedVisitor.Slices()
	for _, sl := range all[s.schedEmitted:] {
		s.emitThreadStateSlice(sl)
	}
	s.schedEmitted = len(all)
}

func (s *Session) emitThreadStateSlice(sl sched.ThreadStateSlice) {
	tid, _ := safe.IntToInt32(int(sl.Tid))
	s.emitDirect(capture.NewThreadStateSliceEvent(tid, sl.BeginNs, sl.EndNs, int32(sl.State), threadIDPtr(sl.WakeupTid), threadIDPtr(sl.WakeupPid)))
}

func threadIDPtr(v *int64) *int32 {
	if v == nil {
		return nil
	}
	i, _ := safe.IntToInt32(int(*v))
	return &i
}

// tracepointKey resolves (category, name) to the index into
// opts.SelectedTracepoints, matching captureformat.CaptureInfo's
// parallel Tracepoints list.
func (s *Session) tracepointKey(category, name string) (uint64, bool) {
	for i, tp := range s.opts.SelectedTracepoints {
		if tp.Category == category && tp.Name == name {
			return uint64(i), true
		}
	}
	return 0, false
}

// emitCallstackSample interns frames producer-locally (if new) and
// enqueues it through producerClient, or -- when no producer client is
// configured -- emits the equivalent pair of capture.Events directly,
// so Session.dispatch stays testable without a full producer/
// eventprocessor round trip.
func (s *Session) emitCallstackSample(pid, tid int32, timestampNs int64, frames []uint64, callstackType int32) {
	localKey, isNew := s.internLocalCallstack(frames, callstackType)

	if s.producerClient != nil {
		if isNew {
			s.producerClient.Enqueue(producer.CaptureEvent{
				Kind: producer.EventInternedCallstack,
				InternedCallstack: producer.InternedCallstack{LocalKey: localKey, Addresses: frames},
			})
		}
		s.producerClient.Enqueue(producer.CaptureEvent{
			Kind: producer.EventCallstackSample,
			CallstackSample: producer.CallstackSample{
				PID: pid, TID: tid, TimestampNs: timestampNs, LocalCallstackKey: localKey,
			},
		})
		return
	}

	if isNew {
		s.emitDirect(capture.NewInternedCallstackEvent(localKey, frames, callstackType))
	}
	s.emitDirect(capture.NewCallstackSampleEvent(pid, tid, timestampNs, localKey))
}

func (s *Session) internLocalCallstack(frames []uint64, callstackType int32) (key uint64, isNew bool) {
	hash := capture.CallstackID(frames, callstackType)
	if existing, ok := s.localCallstackKeys[hash]; ok {
		return existing, false
	}
	key = s.nextLocalCallstackKey
	s.nextLocalCallstackKey++
	s.localCallstackKeys[hash] = key
	return key, true
}

func (s *Session) emitDirect(ev capture.Event) {
	select {
	case s.direct <- ev:
	case <-s.ctx.Done():
	}
}
