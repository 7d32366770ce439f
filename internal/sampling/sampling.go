// Package sampling implements the post-processed sampling profiler of
// resolving raw sampled callchains to function-attributed
// inclusive/exclusive/unwind-error counts and top-down/bottom-up call
// trees, once a capture completes (and again whenever new symbols load).
package sampling

import "math"

// TID mirrors the wider tid type Open Question (iii)
// recommends ("implementers should choose a wider sentinel space" than
// int32, which the original source's fake tids collide with on some
// kernels).
type TID int64

// NoTID is an explicit "no thread" sentinel, distinct from any real tid
// on any platform since it falls far outside the int32 range real tids
// occupy.
const NoTID TID = math.MinInt64

// AllThreadsTID is the reserved sentinel describes for the
// "All Threads" cross-thread summary row ("the process id is used for
// it" in the original; here a dedicated wide sentinel is used instead,
// per §9 Open Question (iii), so it can never collide with a real tid).
const AllThreadsTID TID = math.MinInt64 + 1

// FunctionSampleCounts is the per-function accumulator.
type FunctionSampleCounts struct {
	InclusiveCount uint64
	ExclusiveCount uint64
	UnwindErrorCount uint64
}

// ThreadSampleData is the per-tid ThreadSampleData.
type ThreadSampleData struct {
	SamplesCount uint64
	functions map[uint64]*FunctionSampleCounts
}

func newThreadSampleData() *ThreadSampleData {
	return &ThreadSampleData{functions: make(map[uint64]*FunctionSampleCounts)}
}

func (t *ThreadSampleData) countsFor(functionAddress uint64) *FunctionSampleCounts {
	c, ok := t.functions[functionAddress]
	if !ok {
		c = &FunctionSampleCounts{}
		t.functions[functionAddress] = c
	}
	return c
}

// CountsFor returns a copy of functionAddress's accumulated counts.
func (t *ThreadSampleData) CountsFor(functionAddress uint64) (FunctionSampleCounts, bool) {
	c, ok := t.functions[functionAddress]
	if !ok {
		return FunctionSampleCounts{}, false
	}
	return *c, true
}

// FunctionAddresses returns every function address with at least one
// recorded sample, unordered.
func (t *ThreadSampleData) FunctionAddresses() []uint64 {
	out := make([]uint64, 0, len(t.functions))
	for addr := range t.functions {
		out = append(out, addr)
	}
	return out
}

// SortedByInclusiveCount returns every sampled function address ordered
// by descending inclusive count ("a sorted-by-inclusive-count
// list for display"), breaking ties by ascending address for a
// deterministic order.
func (t *ThreadSampleData) SortedByInclusiveCount() []uint64 {
	addrs := t.FunctionAddresses()
	// Simple insertion sort: thread function counts are small relative
	// to the cost of a post-processing pass already proportional to
	// sample count, and this keeps the comparator trivial to verify.
	for i := 1; i < len(addrs); i++ {
		for j := i; j > 0; j-- {
			a, b := addrs[j-1], addrs[j]
			if less(t.functions[a].InclusiveCount, a, t.functions[b].InclusiveCount, b) {
				break
			}
			addrs[j-1], addrs[j] = addrs[j], addrs[j-1]
		}
	}
	return addrs
}

func less(aInclusive, aAddr, bInclusive, bAddr uint64) bool {
	if aInclusive != bInclusive {
		return aInclusive > bInclusive
	}
	return aAddr < bAddr
}

// ResolvedCallstack is spec glossary's "resolved callstack": every
// frame's address replaced with the start address of its containing
// function, innermost first (same order as capture.Callstack).
type ResolvedCallstack struct {
	Frames []uint64
}

// PostProcessedSamplingData is the PostProcessedSamplingData.
type PostProcessedSamplingData struct {
	perTid map[TID]*ThreadSampleData
	idToResolvedCallstack map[uint64]ResolvedCallstack
}

func newPostProcessedSamplingData() *PostProcessedSamplingData {
	return &PostProcessedSamplingData{
		perTid: make(map[TID]*ThreadSampleData),
		idToResolvedCallstack: make(map[uint64]ResolvedCallstack),
	}
}

func (d *PostProcessedSamplingData) threadData(tid TID) *ThreadSampleData {
	t, ok := d.perTid[tid]
	if !ok {
		t = newThreadSampleData()
		d.perTid[tid] = t
	}
	return t
}

// ThreadData returns tid's ThreadSampleData, or nil if tid has no
// recorded samples.
func (d *PostProcessedSamplingData) ThreadData(tid TID) (*ThreadSampleData, bool) {
	t, ok := d.perTid[tid]
	return t, ok
}

// ThreadIDs returns every tid with at least one sample, unordered.
func (d *PostProcessedSamplingData) ThreadIDs() []TID {
	out := make([]TID, 0, len(d.perTid))
	for tid := range d.perTid {
		out = append(out, tid)
	}
	return out
}

// IDToResolvedCallstack returns the shared id→ResolvedCallstack table
// ("a shared id_to_resolved_callstack table").
func (d *PostProcessedSamplingData) IDToResolvedCallstack() map[uint64]ResolvedCallstack {
	return d.idToResolvedCallstack
}
