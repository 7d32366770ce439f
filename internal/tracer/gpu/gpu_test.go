package gpu

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// TestJobCreatedWithAllThreeTracepoints implements the GPU job join scenario.
func TestJobCreatedWithAllThreeTracepoints(t *testing.T) {
	v := NewVisitor(zerolog.Nop())
	key := JobKey{Context: 1, Seqno: 10, Timeline: "g"}

	_, ok := v.OnAmdgpuCsIoctl(41, 42, key, 100)
	require.False(t, ok)

	_, ok = v.OnAmdgpuSchedRunJob(key, 200)
	require.False(t, ok)

	job, ok := v.OnDmaFenceSignaled(key, 300)
	require.True(t, ok)

	require.EqualValues(t, 41, job.PID)
	require.EqualValues(t, 42, job.TID)
	require.EqualValues(t, 0, job.Depth)
	require.EqualValues(t, 100, job.IoctlTimeNs)
	require.EqualValues(t, 200, job.SchedRunJobTimeNs)
	require.EqualValues(t, 200, job.GpuHardwareStartTimeNs)
	require.EqualValues(t, 300, job.DmaFenceSignaledTimeNs)
}

// TestOverlappingJobsGetDepths implements the overlapping GPU job scenario.
func TestOverlappingJobsGetDepths(t *testing.T) {
	v := NewVisitor(zerolog.Nop())

	keyA := JobKey{Context: 1, Seqno: 1, Timeline: "g"}
	v.OnAmdgpuCsIoctl(41, 42, keyA, 100)
	v.OnAmdgpuSchedRunJob(keyA, 100)
	jobA, ok := v.OnDmaFenceSignaled(keyA, 300)
	require.True(t, ok)
	require.EqualValues(t, 0, jobA.Depth)

	keyB := JobKey{Context: 1, Seqno: 2, Timeline: "g"}
	v.OnAmdgpuCsIoctl(41, 42, keyB, 110)
	v.OnAmdgpuSchedRunJob(keyB, 110)
	jobB, ok := v.OnDmaFenceSignaled(keyB, 410)
	require.True(t, ok)

	require.EqualValues(t, 1, jobB.Depth)
	require.EqualValues(t, 300, jobB.GpuHardwareStartTimeNs, "B's hw start is delayed because A was still executing")
}

func TestFourthEventOnCompletedJobIsDiscarded(t *testing.T) {
	v := NewVisitor(zerolog.Nop())
	key := JobKey{Context: 1, Seqno: 10, Timeline: "g"}
	v.OnAmdgpuCsIoctl(41, 42, key, 100)
	v.OnAmdgpuSchedRunJob(key, 200)
	_, ok := v.OnDmaFenceSignaled(key, 300)
	require.True(t, ok)

	_, ok = v.OnAmdgpuCsIoctl(41, 42, key, 999)
	require.False(t, ok)
}

func TestNonOverlappingJobsReuseDepth(t *testing.T) {
	v := NewVisitor(zerolog.Nop())

	keyA := JobKey{Context: 1, Seqno: 1, Timeline: "g"}
	v.OnAmdgpuCsIoctl(41, 42, keyA, 100)
	v.OnAmdgpuSchedRunJob(keyA, 100)
	jobA, _ := v.OnDmaFenceSignaled(keyA, 200)
	require.EqualValues(t, 0, jobA.Depth)

	keyB := JobKey{Context: 1, Seqno: 2, Timeline: "g"}
	v.OnAmdgpuCsIoctl(41, 42, keyB, 300) // starts only after A fully signaled.
	v.OnAmdgpuSchedRunJob(keyB, 300)
	jobB, _ := v.OnDmaFenceSignaled(keyB, 400)
	require.EqualValues(t, 0, jobB.Depth)
}

func TestDifferentTimelinesGetIndependentDepths(t *testing.T) {
	v := NewVisitor(zerolog.Nop())

	keyA := JobKey{Context: 1, Seqno: 1, Timeline: "a"}
	v.OnAmdgpuCsIoctl(41, 42, keyA, 100)
	v.OnAmdgpuSchedRunJob(keyA, 100)
	jobA, _ := v.OnDmaFenceSignaled(keyA, 300)

	keyB := JobKey{Context: 1, Seqno: 2, Timeline: "b"}
	v.OnAmdgpuCsIoctl(41, 42, keyB, 110)
	v.OnAmdgpuSchedRunJob(keyB, 110)
	jobB, _ := v.OnDmaFenceSignaled(keyB, 410)

	require.EqualValues(t, 0, jobA.Depth)
	require.EqualValues(t, 0, jobB.Depth)
}
