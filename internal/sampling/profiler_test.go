package sampling

import (
	"testing"
	"time"

	"github.com/orbitprof/orbit/internal/capture"
	"github.com/orbitprof/orbit/internal/tracer/unwind"
	"github.com/stretchr/testify/require"
)

func internAndSample(t *testing.T, data *capture.Data, pid, tid int32, ts int64, frames []uint64, callstackType unwind.CallstackType) {
	t.Helper()
	id := capture.CallstackID(frames, int32(callstackType))
	data.Callstacks.InternCallstack(capture.Callstack{Frames: frames, Type: int32(callstackType)})
	data.Callstacks.AppendEvent(capture.CallstackEvent{Pid: pid, Tid: tid, TimestampNs: ts, CallstackID: id})
}

// TestCompleteCallstackInclusiveExclusiveInvariant verifies the
// sampling invariant: for Complete callstacks, sum(exclusive) across all
// addresses equals samples_count, and every address's inclusive count is
// at least its exclusive count.
func TestCompleteCallstackInclusiveExclusiveInvariant(t *testing.T) {
	data := capture.NewData(capture.ProcessInfo{Pid: 1}, time.Time{})
	internAndSample(t, data, 1, 7, 100, []uint64{0x10, 0x20, 0x30}, unwind.Complete)
	internAndSample(t, data, 1, 7, 200, []uint64{0x10, 0x20, 0x30}, unwind.Complete)
	internAndSample(t, data, 1, 7, 300, []uint64{0x40, 0x20, 0x30}, unwind.Complete)

	p := NewProfiler(nil)
	result := p.Process(data, false)

	thread, ok := result.ThreadData(TID(7))
	require.True(t, ok)
	require.EqualValues(t, 3, thread.SamplesCount)

	var totalExclusive uint64
	for _, addr := range thread.FunctionAddresses() {
		counts, ok := thread.CountsFor(addr)
		require.True(t, ok)
		require.GreaterOrEqual(t, counts.InclusiveCount, counts.ExclusiveCount)
		totalExclusive += counts.ExclusiveCount
	}
	require.EqualValues(t, thread.SamplesCount, totalExclusive)

	leaf10, ok := thread.CountsFor(0x10)
	require.True(t, ok)
	require.EqualValues(t, 2, leaf10.InclusiveCount)
	require.EqualValues(t, 2, leaf10.ExclusiveCount)

	leaf40, ok := thread.CountsFor(0x40)
	require.True(t, ok)
	require.EqualValues(t, 1, leaf40.ExclusiveCount)

	shared30, ok := thread.CountsFor(0x30)
	require.True(t, ok)
	require.EqualValues(t, 3, shared30.InclusiveCount)
	require.EqualValues(t, 0, shared30.ExclusiveCount)
}

// TestNonCompleteCallstackUsesInnermostFrameOnly implements 
// step 2's non-Complete handling.
func TestNonCompleteCallstackUsesInnermostFrameOnly(t *testing.T) {
	data := capture.NewData(capture.ProcessInfo{Pid: 1}, time.Time{})
	internAndSample(t, data, 1, 7, 100, []uint64{0x10, 0x20, 0x30}, unwind.DwarfError)

	p := NewProfiler(nil)
	result := p.Process(data, false)

	thread, ok := result.ThreadData(TID(7))
	require.True(t, ok)

	counts, ok := thread.CountsFor(0x10)
	require.True(t, ok)
	require.EqualValues(t, 1, counts.InclusiveCount)
	require.EqualValues(t, 1, counts.ExclusiveCount)
	require.EqualValues(t, 1, counts.UnwindErrorCount)

	_, ok = thread.CountsFor(0x20)
	require.False(t, ok)
}

type stubResolver struct {
	byAddr map[uint64]capture.FunctionInfo
}

func (r stubResolver) FindFunctionByAddress(addr uint64) (capture.FunctionInfo, bool) {
	fn, ok := r.byAddr[addr]
	return fn, ok
}

// TestResolutionPriorityPrefersSymbolTableThenAddressInfo implements spec
// §4.11 step 3's priority chain.
func TestResolutionPriorityPrefersSymbolTableThenAddressInfo(t *testing.T) {
	data := capture.NewData(capture.ProcessInfo{Pid: 1}, time.Time{})
	data.SetAddressInfo(capture.AddressInfo{Address: 0x1050, FunctionID: 1, OffsetInFunction: 0x50})
	internAndSample(t, data, 1, 7, 100, []uint64{0x1050, 0x2030}, unwind.Complete)

	resolver := stubResolver{byAddr: map[uint64]capture.FunctionInfo{
		0x1050: {Name: "known", Address: 0x1000},
	}}
	p := NewProfiler(resolver)
	result := p.Process(data, false)

	resolved := result.idToResolvedCallstack
	require.Len(t, resolved, 1)
	for _, rc := range resolved {
		require.Equal(t, uint64(0x1000), rc.Frames[0]) // from the resolver.
		require.Equal(t, uint64(0x2030), rc.Frames[1]) // falls back to the address itself.
	}
}

// TestAllThreadsSummaryIsSumOfPerTid implements the "its counts
// are the sum of per-tid counts".
func TestAllThreadsSummaryIsSumOfPerTid(t *testing.T) {
	data := capture.NewData(capture.ProcessInfo{Pid: 1}, time.Time{})
	internAndSample(t, data, 1, 7, 100, []uint64{0x10}, unwind.Complete)
	internAndSample(t, data, 1, 8, 200, []uint64{0x10}, unwind.Complete)

	p := NewProfiler(nil)
	result := p.Process(data, true)

	summary, ok := result.ThreadData(AllThreadsTID)
	require.True(t, ok)
	require.EqualValues(t, 2, summary.SamplesCount)
	counts, ok := summary.CountsFor(0x10)
	require.True(t, ok)
	require.EqualValues(t, 2, counts.InclusiveCount)
}

func TestAllThreadsSummaryOmittedWhenNotRequested(t *testing.T) {
	data := capture.NewData(capture.ProcessInfo{Pid: 1}, time.Time{})
	internAndSample(t, data, 1, 7, 100, []uint64{0x10}, unwind.Complete)

	p := NewProfiler(nil)
	result := p.Process(data, false)

	_, ok := result.ThreadData(AllThreadsTID)
	require.False(t, ok)
}
