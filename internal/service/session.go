package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orbitprof/orbit/internal/capture"
	"github.com/orbitprof/orbit/internal/captureformat"
	"github.com/orbitprof/orbit/internal/config"
	"github.com/orbitprof/orbit/internal/eventprocessor"
	"github.com/orbitprof/orbit/internal/producer"
	"github.com/orbitprof/orbit/internal/safe"
	"github.com/orbitprof/orbit/internal/sampling"
	"github.com/orbitprof/orbit/internal/tracer"
	"github.com/orbitprof/orbit/internal/tracer/gpu"
	"github.com/orbitprof/orbit/internal/tracer/sched"
	"github.com/orbitprof/orbit/internal/tracer/unwind"
	"github.com/orbitprof/orbit/internal/tracer/uprobes"
)

// kernelTracerProducerID is the producer identity the in-process kernel
// tracer is assigned on the eventprocessor's multi-producer merge (spec
// §4.9). A real deployment also admits per-binary instrumented-process
// producers at higher ids; this capture session only ever runs one.
const kernelTracerProducerID int32 = 0

const defaultDrainTimeout = 2 * time.Second

// Result is what Stop returns: the finished capture ready to write
// (internal/captureformat) alongside its post-processed sampling
// summary.
type Result struct {
	CaptureID string
	Info captureformat.CaptureInfo
	Timers []capture.TimerInfo
	Summary *sampling.PostProcessedSamplingData
}

// Session ties one capture's components together end to end (spec
// §2's "Flow"): ring buffers and visitors (internal/tracer) feed a
// producer.Client, whose events reach the eventprocessor.Processor
// through an in-process localTransport; Stop drains both the
// producer-sourced stream and the tracer's direct events into a single
// capture.Processor, then runs internal/sampling over the result.
//
// Grounded on the teacher's internal/agent/ebpf/manager.go, which
// wires reader goroutines, a single owning aggregator and a
// Start/Stop lifecycle the same way.
type Session struct {
	logger zerolog.Logger
	opts config.CaptureOptions
	captureID string

	transport *localTransport
	producerClient *producer.Client
	eventProc *eventprocessor.Processor
	tracerSession *tracer.Session
	captureProc *capture.Processor
	profiler *sampling.Profiler

	data *capture.Data
	startedAt time.Time

	timersMu sync.Mutex
	timers []capture.TimerInfo

	processMu sync.Mutex

	cancel context.CancelFunc
	producerErr error
	producerDone chan struct{}
	directDone chan struct{}

	drainTimeout time.Duration
}

// NewSession wires a capture session for opts against process. rings
// and decoder drive the kernel tracer (internal/tracer.Session);
// frameInfo/shadow/schedVisitor/gpuVisitor/resolver may be nil to
// disable the facet they back (e.g. a capture with
// CollectSchedulingInfo false passes a nil schedVisitor).
func NewSession(
	logger zerolog.Logger,
	opts config.CaptureOptions,
	process capture.ProcessInfo,
	rings []tracer.RingHandle,
	decoder tracer.TracepointDecoder,
	frameInfo unwind.FrameInfoProvider,
	shadow *uprobes.ShadowStackManager,
	schedVisitor *sched.Visitor,
	gpuVisitor *gpu.Visitor,
	resolver sampling.FunctionResolver,
) *Session {
	captureID := uuid.New().String()
	logger = logger.With().Str("component", "capture_session").Str("capture_id", captureID).Int("pid", opts.PID).Logger()

	data := capture.NewData(process, time.Now())
	eventProc := eventprocessor.NewProcessor(logger, opts.VisibilityDelay)
	transport := newLocalTransport(kernelTracerProducerID, eventProc)
	producerClient := producer.NewClient(logger, transport, 4096)

	s := &Session{
		logger: logger,
		opts: opts,
		captureID: captureID,
		transport: transport,
		producerClient: producerClient,
		eventProc: eventProc,
		profiler: sampling.NewProfiler(resolver),
		data: data,
		producerDone: make(chan struct{}),
		directDone: make(chan struct{}),
		drainTimeout: defaultDrainTimeout,
	}
	s.captureProc = capture.NewProcessor(logger, data, capture.TimerSinkFunc(s.collectTimer))
	s.tracerSession = tracer.NewSession(logger, opts, rings, decoder, frameInfo, shadow, schedVisitor, gpuVisitor, producerClient)

	return s
}

// collectTimer is the Session's capture.TimerSink: it accumulates every
// materialized TimerInfo so Stop can hand them to a file writer or
// streaming listener (the "subsequent messages are TimerInfos
// streamed individually").
func (s *Session) collectTimer(t capture.TimerInfo) {
	s.timersMu.Lock()
	s.timers = append(s.timers, t)
	s.timersMu.Unlock()
}

// ID returns this session's capture correlation id, generated once in
// NewSession. It has no meaning to the capture file format (spec
// §4.12 has no such field); it exists purely to tie together log lines
// and external tooling across a single capture's lifetime, the same
// role the teacher's uuid.New().String() session ids play in
// internal/colony/debug/session_manager.go.
func (s *Session) ID() string { return s.captureID }

// Data returns the CaptureData this session mutates. Safe to read
// concurrently with an ongoing capture: its sub-structures
// each hold their own lock.
func (s *Session) Data() *capture.Data { return s.data }

// SetDrainTimeout overrides T_drain, the bound Stop waits for
// in-flight producer events to settle before discarding them (spec
// §4.9).
func (s *Session) SetDrainTimeout(d time.Duration) { s.drainTimeout = d }

// Start begins the capture: the kernel tracer's ring readers, the
// producer client's transmit loop and the direct-event forwarder all
// run until ctx is cancelled or Stop is called.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startedAt = time.Now()

	pid, _ := safe.IntToInt32(s.opts.PID)
	s.process(capture.NewCaptureStartedEvent(s.opts, pid))

	go func() {
		_, err := s.producerClient.Run(ctx)
		s.producerErr = err
		close(s.producerDone)
	}()
	go s.tracerSession.Run(ctx)
	go s.forwardDirectEvents()

	s.transport.commands <- producer.Command{Kind: producer.CommandStartCapture, CaptureOptions: s.opts}
}

// Stop ends the capture: it signals the producer client to flush and
// disconnect, drains its events into the capture processor, then stops
// the kernel tracer and waits for its direct events to finish, and
// finally runs the post-processing sampling pass.
func (s *Session) Stop(ctx context.Context) (Result, error) {
	s.transport.commands <- producer.Command{Kind: producer.CommandStopCapture}
	s.transport.commands <- producer.Command{Kind: producer.CommandCaptureFinished}
	<-s.producerDone
	if s.producerErr != nil {
		s.logger.Warn().Err(s.producerErr).Msg("kernel tracer producer stream ended with an error")
	}

	discarded := s.eventProc.Drain(ctx, []int32{kernelTracerProducerID}, s.drainTimeout, func(producerID int32, ev producer.CaptureEvent) {
		s.process(s.translate(producerID, ev))
	})
	if discarded > 0 {
		s.logger.Warn().Int("discarded", discarded).Msg("capture stopped with undelivered producer events")
	}

	s.cancel()
	<-s.directDone

	s.process(capture.NewCaptureFinishedEvent(true, ""))

	summary := s.profiler.Process(s.data, true)
	info := captureformat.BuildCaptureInfo(s.data, s.opts, s.startedAt.UnixNano())

	s.timersMu.Lock()
	timers := s.timers
	s.timersMu.Unlock()

	return Result{CaptureID: s.captureID, Info: info, Timers: timers, Summary: summary}, nil
}

// forwardDirectEvents is the single goroutine draining the kernel
// tracer's events that bypass the producer protocol (scheduling
// slices, GPU jobs, thread names, generic tracepoints, discard
// markers). It runs for the whole capture, concurrently with Stop's
// producer-drain pass; process serializes both against captureProc.
func (s *Session) forwardDirectEvents() {
	for ev := range s.tracerSession.DirectEvents() {
		s.process(ev)
	}
	close(s.directDone)
}

// process is capture.Processor.Process's only call site, serialized
// across the direct-event forwarder and Stop's producer-drain pass
// (capture.Processor must not be called concurrently).
func (s *Session) process(ev capture.Event) {
	s.processMu.Lock()
	defer s.processMu.Unlock()
	s.captureProc.Process(ev)
}

// translate converts one globally-keyed producer.CaptureEvent (already
// rewritten to global string/callstack keys by eventProc.Pop) into its
// capture.Event equivalent ( -> §4.10 handoff).
//
// Producer-sourced callstacks carry no unwind-quality tag of their own
// (producer.InternedCallstack has no CallstackType field, unlike the
// kernel tracer's direct path): they are always attributed
// unwind.Complete, since the instrumented-function path only forwards
// a callstack when uprobes.ShadowStackManager's entry capture succeeded.
func (s *Session) translate(producerID int32, ev producer.CaptureEvent) capture.Event {
	switch ev.Kind {
	case producer.EventFunctionEntry:
		return capture.NewFunctionEntryEvent(
			ev.FunctionEntry.TID, ev.FunctionEntry.FunctionID, ev.FunctionEntry.TimestampNs,
			ev.FunctionEntry.LocalCallstackKey, true,
		)
	case producer.EventFunctionExit:
		return capture.NewFunctionExitEvent(ev.FunctionExit.TID, ev.FunctionExit.TimestampNs)
	case producer.EventIntrospectionScope:
		return capture.NewIntrospectionScopeEvent(
			ev.IntrospectionScope.TID, ev.IntrospectionScope.Name,
			ev.IntrospectionScope.BeginNs, ev.IntrospectionScope.EndNs,
			ev.IntrospectionScope.Depth,
		)
	case producer.EventInternedString:
		key, _ := s.eventProc.GlobalStringKey(producerID, ev.InternedString.LocalKey)
		return capture.NewInternedStringEvent(key, ev.InternedString.Value)
	case producer.EventInternedCallstack:
		key, _ := s.eventProc.GlobalCallstackKey(producerID, ev.InternedCallstack.LocalKey)
		return capture.NewInternedCallstackEvent(key, ev.InternedCallstack.Addresses, int32(unwind.Complete))
	case producer.EventCallstackSample:
		return capture.NewCallstackSampleEvent(
			ev.CallstackSample.PID, ev.CallstackSample.TID,
			ev.CallstackSample.TimestampNs, ev.CallstackSample.LocalCallstackKey,
		)
	default:
		s.logger.Warn().Int("kind", int(ev.Kind)).Msg("unexpected producer event kind reached translate")
		return capture.Event{}
	}
}

