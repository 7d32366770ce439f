// Package gpu implements the GPU tracepoint visitor of // joining amdgpu_cs_ioctl, amdgpu_sched_run_job and dma_fence_signaled
// tracepoints into FullGpuJob records keyed by (context, seqno,
// timeline), with derived hardware-start time and depth.
package gpu

import "github.com/rs/zerolog"

// JobKey identifies one in-flight GPU job.
type JobKey struct {
	Context uint32
	Seqno uint32
	Timeline string
}

// FullGpuJob is emitted once all three tracepoints for a job have
// arrived.
type FullGpuJob struct {
	PID, TID uint32
	Context uint32
	Seqno uint32
	Timeline string
	Depth int32
	IoctlTimeNs uint64
	SchedRunJobTimeNs uint64
	GpuHardwareStartTimeNs uint64
	DmaFenceSignaledTimeNs uint64
}

type signaledMark struct {
	ns uint64
	ok bool
}

type partialJob struct {
	pid, tid uint32
	ioctlNs uint64
	schedNs uint64
	haveIoctl bool
	haveSched bool
	signaled signaledMark
}

type completedJob struct {
	depth int32
	ioctlNs uint64
	signaledNs uint64
}

type timelineContextKey struct {
	context uint32
	timeline string
}

// Visitor joins the three AMD GPU tracepoints.
type Visitor struct {
	logger zerolog.Logger

	pending map[JobKey]*partialJob
	completed map[JobKey]struct{} // guards against a 4th event on an already-complete key.

	// lastSignaledByContextTimeline tracks the previous completed job's
	// dma_fence_signaled time for (context, timeline), used to compute
	// gpu_hardware_start_time_ns (serial hardware execution per queue).
	lastSignaledByContextTimeline map[timelineContextKey]uint64

	// depthTrackByTimeline holds every completed job on a timeline, used
	// to assign the smallest depth not overlapping any other job's
	// [ioctl, signaled) interval on that timeline.
	depthTrackByTimeline map[string][]completedJob
}

// NewVisitor returns an empty Visitor.
func NewVisitor(logger zerolog.Logger) *Visitor {
	return &Visitor{
		logger: logger.With().Str("component", "gpu_visitor").Logger(),
		pending: make(map[JobKey]*partialJob),
		completed: make(map[JobKey]struct{}),
		lastSignaledByContextTimeline: make(map[timelineContextKey]uint64),
		depthTrackByTimeline: make(map[string][]completedJob),
	}
}

func (v *Visitor) getOrCreate(key JobKey) *partialJob {
	if v.pending[key] == nil {
		v.pending[key] = &partialJob{}
	}
	return v.pending[key]
}

// OnAmdgpuCsIoctl records a job's CPU submission.
func (v *Visitor) OnAmdgpuCsIoctl(pid, tid uint32, key JobKey, timestampNs uint64) (FullGpuJob, bool) {
	if v.rejectIfComplete(key) {
		return FullGpuJob{}, false
	}
	job := v.getOrCreate(key)
	job.pid, job.tid = pid, tid
	job.ioctlNs = timestampNs
	job.haveIoctl = true
	return v.tryComplete(key)
}

// OnAmdgpuSchedRunJob records the driver scheduler's dispatch.
func (v *Visitor) OnAmdgpuSchedRunJob(key JobKey, timestampNs uint64) (FullGpuJob, bool) {
	if v.rejectIfComplete(key) {
		return FullGpuJob{}, false
	}
	job := v.getOrCreate(key)
	job.schedNs = timestampNs
	job.haveSched = true
	return v.tryComplete(key)
}

// OnDmaFenceSignaled records hardware completion, emitting the
// FullGpuJob once the ioctl and sched_run events have also arrived.
func (v *Visitor) OnDmaFenceSignaled(key JobKey, timestampNs uint64) (FullGpuJob, bool) {
	if v.rejectIfComplete(key) {
		return FullGpuJob{}, false
	}
	job := v.getOrCreate(key)
	job.signaled = signaledMark{ns: timestampNs, ok: true}
	return v.tryComplete(key)
}

func (v *Visitor) rejectIfComplete(key JobKey) bool {
	if _, done := v.completed[key]; done {
		v.logger.Warn().
			Uint32("context", key.Context).
			Uint32("seqno", key.Seqno).
			Str("timeline", key.Timeline).
			Msg("discarding GPU tracepoint for an already-complete job")
		return true
	}
	return false
}

func (v *Visitor) tryComplete(key JobKey) (FullGpuJob, bool) {
	job := v.pending[key]
	if job == nil || !job.haveIoctl || !job.haveSched || !job.signaled.ok {
		return FullGpuJob{}, false
	}

	delete(v.pending, key)
	v.completed[key] = struct{}{}

	ctKey := timelineContextKey{context: key.Context, timeline: key.Timeline}
	hwStart := job.schedNs
	if prev, ok := v.lastSignaledByContextTimeline[ctKey]; ok && prev > hwStart {
		hwStart = prev
	}
	v.lastSignaledByContextTimeline[ctKey] = job.signaled.ns

	depth := v.assignDepth(key.Timeline, job.ioctlNs, job.signaled.ns)

	return FullGpuJob{
		PID: job.pid, TID: job.tid,
		Context: key.Context, Seqno: key.Seqno, Timeline: key.Timeline,
		Depth: depth,
		IoctlTimeNs: job.ioctlNs,
		SchedRunJobTimeNs: job.schedNs,
		GpuHardwareStartTimeNs: hwStart,
		DmaFenceSignaledTimeNs: job.signaled.ns,
	}, true
}

// assignDepth picks the smallest non-negative depth not already held by
// another completed job on timeline whose [ioctl, signaled) interval
// overlaps [ioctlNs, signaledNs).
func (v *Visitor) assignDepth(timeline string, ioctlNs, signaledNs uint64) int32 {
	existing := v.depthTrackByTimeline[timeline]

	var depth int32
	for {
		conflict := false
		for _, c := range existing {
			if c.depth != depth {
				continue
			}
			if ioctlNs < c.signaledNs && c.ioctlNs < signaledNs {
				conflict = true
				break
			}
		}
		if !conflict {
			break
		}
		depth++
	}

	v.depthTrackByTimeline[timeline] = append(existing, completedJob{
		depth: depth, ioctlNs: ioctlNs, signaledNs: signaledNs,
	})
	return depth
}
