//go:build linux

package main

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/orbitprof/orbit/internal/capture"
	"github.com/orbitprof/orbit/internal/config"
	"github.com/orbitprof/orbit/internal/service"
	"github.com/orbitprof/orbit/internal/sys/proc"
	"github.com/orbitprof/orbit/internal/tracer"
	"github.com/orbitprof/orbit/internal/tracer/gpu"
	"github.com/orbitprof/orbit/internal/tracer/perfdecode"
	"github.com/orbitprof/orbit/internal/tracer/perfrecord"
	"github.com/orbitprof/orbit/internal/tracer/procmaps"
	"github.com/orbitprof/orbit/internal/tracer/ring"
	"github.com/orbitprof/orbit/internal/tracer/sched"
	"github.com/orbitprof/orbit/internal/tracer/uprobes"
)

// ringPageCount is the data-page count (power of two) backing each
// perf_event_open ring this daemon opens. A real deployment would size
// this off config.HostCapabilities; a fixed count keeps the daemon
// simple since the in-process merger (internal/tracer/stream) already
// tolerates per-ring discards under sustained overflow.
const ringPageCount = 64

// perfEventAttrSize is perf_event_open(2)'s required attr.size field:
// the kernel uses it to tell which struct version the caller compiled
// against.
var perfEventAttrSize = uint32(unsafe.Sizeof(unix.PerfEventAttr{}))

// tracepointSpec names one tracepoint ring to open and the RingRole it
// should carry.
type tracepointSpec struct {
	group, name string
	role tracer.RingRole
}

// captureResult is what one captureOnHost call produces: a fully
// written Stop result, ready for writeCaptureFile.
type captureResult = service.Result

// captureOnHost assembles the real Linux capture pipeline (per-thread
// CPU-sampling rings, the fixed scheduling/GPU tracepoint rings, a
// procmaps.Provider-backed unwinder) and runs it against opts.PID for
// duration, returning the finished service.Result.
func captureOnHost(ctx context.Context, logger zerolog.Logger, opts config.CaptureOptions, duration time.Duration) (captureResult, error) {
	binaryPath, err := proc.GetBinaryPath(opts.PID)
	if err != nil {
		return captureResult{}, fmt.Errorf("resolve binary path for pid %d: %w", opts.PID, err)
	}
	logger.Info().Str("binary", binaryPath).Msg("resolved target binary")

	decoder := perfdecode.New(logger, "", opts.SelectedTracepoints)

	rings, closeRings, err := openRings(logger, opts, decoder)
	if err != nil {
		return captureResult{}, err
	}
	defer closeRings()

	mapsProvider := procmaps.New(opts.PID)
	if err := mapsProvider.Refresh(); err != nil {
		logger.Warn().Err(err).Msg("initial /proc/pid/maps read failed, unwinding will degrade until it succeeds")
	}
	stopMapsPoll := pollMaps(ctx, logger, mapsProvider)
	defer stopMapsPoll()

	var schedVisitor *sched.Visitor
	if opts.CollectSchedulingInfo || opts.CollectThreadState {
		tids, err := proc.ListThreads(opts.PID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to seed thread list for scheduling visitor")
		}
		tids64 := make([]int64, len(tids))
		for i, t := range tids {
			tids64[i] = int64(t)
		}
		schedVisitor = sched.NewVisitorWithSeedTids(int64(opts.PID), tids64)
	}

	gpuVisitor := gpu.NewVisitor(logger)
	shadow := uprobes.NewShadowStackManager()

	if len(opts.SelectedFunctions) > 0 {
		logger.Warn().Int("count", len(opts.SelectedFunctions)).Msg(
			"selected_functions requested but no compiled uprobe program is bundled with this build; skipping uprobe attachment")
	}

	process := capture.ProcessInfo{Pid: int32(opts.PID), Name: binaryPath}

	sess := service.NewSession(logger, opts, process, rings, decoder, mapsProvider, shadow, schedVisitor, gpuVisitor, nil)
	sess.Start(ctx)

	select {
	case <-time.After(duration):
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sess.Stop(stopCtx)
}

// pollMaps refreshes mapsProvider roughly every 200ms until ctx is
// done, standing in for the Mmap-driven incremental updates the
// internal/tracer.Session dispatch loop deliberately doesn't surface
// (see tracer.Session's PERF_RECORD_MMAP case).
func pollMaps(ctx context.Context, logger zerolog.Logger, p *procmaps.Provider) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case <-ticker.C:
				if err := p.Refresh(); err != nil {
					logger.Debug().Err(err).Msg("periodic /proc/pid/maps refresh failed")
				}
			}
		}
	}()
	return func() { <-done }
}

// openRings opens one CPU-sampling ring per thread of opts.PID plus one
// ring per resolvable fixed/selected tracepoint, returning them tagged
// with their RingRole and a closer that unwinds every successfully
// opened ring.
func openRings(logger zerolog.Logger, opts config.CaptureOptions, decoder *perfdecode.Decoder) ([]tracer.RingHandle, func(), error) {
	var rings []tracer.RingHandle
	var readers []*ring.Reader

	closeAll := func() {
		for _, r := range readers {
			if err := r.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close perf ring")
			}
		}
	}

	tids, err := proc.ListThreads(opts.PID)
	if err != nil {
		return nil, func() {}, fmt.Errorf("list threads for pid %d: %w", opts.PID, err)
	}

	for _, tid := range tids {
		attr := samplingAttr(opts)
		reader, err := ring.OpenPerfEventRing(attr, tid, -1, ringPageCount)
		if err != nil {
			logger.Warn().Err(err).Int("tid", tid).Msg("failed to open sampling ring for thread, skipping")
			continue
		}
		readers = append(readers, reader)
		rings = append(rings, tracer.RingHandle{Source: reader, Role: tracer.RoleSampling})
	}
	if len(rings) == 0 {
		closeAll()
		return nil, func() {}, fmt.Errorf("failed to open a sampling ring for any thread of pid %d", opts.PID)
	}

	fixed := []tracepointSpec{
		{"sched", "sched_switch", tracer.RoleSchedSwitch},
		{"sched", "sched_wakeup", tracer.RoleSchedWakeup},
		{"task", "task_newtask", tracer.RoleTaskNewtask},
		{"amdgpu", "amdgpu_cs_ioctl", tracer.RoleAmdgpuCsIoctl},
		{"amdgpu", "amdgpu_sched_run_job", tracer.RoleAmdgpuSchedRunJob},
		{"dma_fence", "dma_fence_signaled", tracer.RoleDmaFenceSignaled},
	}
	if opts.CollectSchedulingInfo {
		rings, readers = openTracepointRings(logger, opts, decoder, fixed[:3], rings, readers)
	}
	rings, readers = openTracepointRings(logger, opts, decoder, fixed[3:], rings, readers)

	var selected []tracepointSpec
	for _, tp := range opts.SelectedTracepoints {
		selected = append(selected, tracepointSpec{tp.Category, tp.Name, tracer.RoleGenericTracepoint})
	}
	rings, readers = openTracepointRings(logger, opts, decoder, selected, rings, readers)

	return rings, closeAll, nil
}

func openTracepointRings(
	logger zerolog.Logger,
	opts config.CaptureOptions,
	decoder *perfdecode.Decoder,
	specs []tracepointSpec,
	rings []tracer.RingHandle,
	readers []*ring.Reader,
) ([]tracer.RingHandle, []*ring.Reader) {
	for _, spec := range specs {
		id, ok := decoder.ConfigFor(spec.group, spec.name)
		if !ok {
			logger.Debug().Str("tracepoint", spec.group+"/"+spec.name).Msg("tracepoint unavailable, skipping ring")
			continue
		}
		attr := tracepointAttr(uint64(id))
		reader, err := ring.OpenPerfEventRing(attr, opts.PID, -1, ringPageCount)
		if err != nil {
			logger.Warn().Err(err).Str("tracepoint", spec.group+"/"+spec.name).Msg("failed to open tracepoint ring, skipping")
			continue
		}
		readers = append(readers, reader)
		rings = append(rings, tracer.RingHandle{Source: reader, Role: spec.role})
	}
	return rings, readers
}

// samplingAttr builds the perf_event_attr for a per-thread CPU-clock
// sampling ring with callchain and raw user-stack capture (the
// PERF_SAMPLE_CALLCHAIN / PERF_SAMPLE_STACK_USER / PERF_SAMPLE_REGS_USER).
func samplingAttr(opts config.CaptureOptions) *unix.PerfEventAttr {
	attr := &unix.PerfEventAttr{
		Type: unix.PERF_TYPE_SOFTWARE,
		Config: unix.PERF_COUNT_SW_CPU_CLOCK,
		Size: perfEventAttrSize,
		Sample: opts.SamplingPeriodNs,
		Sample_type: unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME |
			unix.PERF_SAMPLE_CALLCHAIN | unix.PERF_SAMPLE_REGS_USER | unix.PERF_SAMPLE_STACK_USER,
		Sample_regs_user: perfrecord.UserRegMask,
		Sample_stack_user: opts.StackDumpSize,
		Wakeup: 1,
	}
	if opts.SamplingFrequency {
		attr.Bits = unix.PerfBitFreq
	}
	attr.Bits |= unix.PerfBitInherit
	return attr
}

// tracepointAttr builds the perf_event_attr for a tracepoint ring
// keyed by the resolved tracefs config id .
func tracepointAttr(configID uint64) *unix.PerfEventAttr {
	return &unix.PerfEventAttr{
		Type: unix.PERF_TYPE_TRACEPOINT,
		Config: configID,
		Size: perfEventAttrSize,
		Sample: 1,
		Sample_type: unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_RAW,
		Wakeup: 1,
		Bits: unix.PerfBitInherit,
	}
}
