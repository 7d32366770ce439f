package capture

import "github.com/zeebo/xxh3"

// debugMarkerUnknownBeginTid is the literal sentinel names
// for a debug marker whose begin was never observed ("tid = -1").
const debugMarkerUnknownBeginTid int32 = -1

type jobIndexKey struct {
	tid int32
	submissionCPUTsNs int64
}

type openDebugMarker struct {
	text string
	beginNs int64
}

// gpuState is the cross-event bookkeeping the GPU job/submission/
// debug-marker handling in processor.go needs: an index from (tid,
// submission CPU timestamp) back to the FullGpuJob that submission
// belongs to ("Subsequent GpuQueueSubmission events may
// reference the job by (submission_cpu_timestamp, tid)"), and a
// per-tid stack of still-open debug markers, since "debug markers may
// span submissions".
type gpuState struct {
	jobsByKey map[jobIndexKey]gpuJobEvent

	openMarkers map[int32][]openDebugMarker

	haveFirstKnownGpuTs bool
	firstKnownGpuTsNs int64
}

func newGPUState() *gpuState {
	return &gpuState{
		jobsByKey: make(map[jobIndexKey]gpuJobEvent),
		openMarkers: make(map[int32][]openDebugMarker),
	}
}

func (s *gpuState) noteGpuTimestamp(ns int64) {
	if !s.haveFirstKnownGpuTs || ns < s.firstKnownGpuTsNs {
		s.haveFirstKnownGpuTs = true
		s.firstKnownGpuTsNs = ns
	}
}

// onGpuJob indexes job for later GpuQueueSubmission matching and emits
// its three child timers: sw-queue (CPU submission to driver dispatch),
// hw-queue (driver dispatch to the GPU actually starting), and
// hw-execution (GPU start to completion) — "emit three
// child timers (sw-queue, hw-queue, hw-execution) covering the four
// timestamps".
func (p *Processor) onGpuJob(e gpuJobEvent) {
	p.gpu.jobsByKey[jobIndexKey{tid: e.Tid, submissionCPUTsNs: e.IoctlTimeNs}] = e
	p.gpu.noteGpuTimestamp(e.GpuHardwareStartTimeNs)
	p.gpu.noteGpuTimestamp(e.DmaFenceSignaledTimeNs)

	timelineHash := xxh3.HashString(e.Timeline)
	p.data.Strings.Intern(timelineHash, e.Timeline)

	p.emitTimer(TimerInfo{
		Pid: e.Pid, Tid: e.Tid, StartNs: e.IoctlTimeNs, EndNs: e.SchedRunJobTimeNs,
		Depth: e.Depth, Type: TimerGpuActivity, TimelineHash: timelineHash, HasTimelineHash: true,
	})
	p.emitTimer(TimerInfo{
		Pid: e.Pid, Tid: e.Tid, StartNs: e.SchedRunJobTimeNs, EndNs: e.GpuHardwareStartTimeNs,
		Depth: e.Depth, Type: TimerGpuActivity, TimelineHash: timelineHash, HasTimelineHash: true,
	})
	p.emitTimer(TimerInfo{
		Pid: e.Pid, Tid: e.Tid, StartNs: e.GpuHardwareStartTimeNs, EndNs: e.DmaFenceSignaledTimeNs,
		Depth: e.Depth, Type: TimerGpuActivity, TimelineHash: timelineHash, HasTimelineHash: true,
	})
}

// onGpuQueueSubmission maps the submission's command buffers and debug
// markers onto its job's hardware-execution window by proportional
// CPU-to-GPU time mapping.
func (p *Processor) onGpuQueueSubmission(e gpuQueueSubmissionEvent) {
	job, ok := p.gpu.jobsByKey[jobIndexKey{tid: e.Tid, submissionCPUTsNs: e.SubmissionCPUTimestampNs}]
	if !ok {
		p.logger.Warn().Int32("tid", e.Tid).Int64("submission_cpu_ts_ns", e.SubmissionCPUTimestampNs).
			Msg("gpu queue submission references an unknown job")
		return
	}

	gpuStart := job.GpuHardwareStartTimeNs
	gpuSpan := job.DmaFenceSignaledTimeNs - gpuStart
	cpuDuration := e.SubmissionCPUDurationNs

	mapToGpu := func(cpuOffsetNs int64) int64 {
		if cpuDuration <= 0 {
			return gpuStart
		}
		frac := float64(cpuOffsetNs) / float64(cpuDuration)
		return gpuStart + int64(float64(gpuSpan)*frac)
	}

	timelineHash := xxh3.HashString(job.Timeline)

	for _, cb := range e.CommandBuffers {
		p.emitTimer(TimerInfo{
			Pid: job.Pid, Tid: e.Tid,
			StartNs: mapToGpu(cb.CPUBeginOffsetNs), EndNs: mapToGpu(cb.CPUEndOffsetNs),
			Type: TimerGpuCommandBuffer, TimelineHash: timelineHash, HasTimelineHash: true,
		})
	}

	for _, begin := range e.DebugMarkerBegins {
		p.gpu.openMarkers[e.Tid] = append(p.gpu.openMarkers[e.Tid], openDebugMarker{
			text: begin.Text, beginNs: mapToGpu(begin.CPUOffsetNs),
		})
	}

	for _, end := range e.DebugMarkerEnds {
		p.closeDebugMarker(e.Tid, mapToGpu(end.CPUOffsetNs), timelineHash)
	}
}

// closeDebugMarker pops the innermost still-open marker on tid and
// emits it. If none is open (the begin was never seen — // "a debug marker whose begin is never seen"), the marker is emitted
// starting at the first GPU timestamp this processor has observed, on
// the literal sentinel tid -1.
func (p *Processor) closeDebugMarker(tid int32, endNs int64, timelineHash uint64) {
	stack := p.gpu.openMarkers[tid]
	if len(stack) == 0 {
		beginNs := int64(0)
		if p.gpu.haveFirstKnownGpuTs {
			beginNs = p.gpu.firstKnownGpuTsNs
		}
		p.emitTimer(TimerInfo{
			Tid: debugMarkerUnknownBeginTid, StartNs: beginNs, EndNs: endNs,
			Type: TimerGpuDebugMarker, TimelineHash: timelineHash, HasTimelineHash: true,
		})
		return
	}

	marker := stack[len(stack)-1]
	p.gpu.openMarkers[tid] = stack[:len(stack)-1]

	nameKey := xxh3.HashString(marker.text)
	p.data.Strings.Intern(nameKey, marker.text)
	p.emitTimer(TimerInfo{
		Tid: tid, StartNs: marker.beginNs, EndNs: endNs,
		Type: TimerGpuDebugMarker, TimelineHash: timelineHash, HasTimelineHash: true,
		UserDataKey: nameKey, HasUserDataKey: true,
	})
}
