package sampling

import (
	"github.com/orbitprof/orbit/internal/capture"
	"github.com/orbitprof/orbit/internal/tracer/unwind"
)

// FunctionResolver is the seam to an external ELF/DWARF symbol table
// (out of scope), mirroring how internal/tracer/unwind keeps
// address resolution behind FrameInfoProvider rather than a concrete
// dependency.
type FunctionResolver interface {
	// FindFunctionByAddress returns the FunctionInfo whose range covers
	// absoluteAddress, if the resolver's loaded symbol tables know one.
	FindFunctionByAddress(absoluteAddress uint64) (capture.FunctionInfo, bool)
}

// Profiler runs the post-processing pass: every time it runs
// (once at capture end, and again whenever new symbols load) it rebuilds
// a PostProcessedSamplingData from scratch off the capture's
// CallstackEvents, since resolution results change as symbols load.
type Profiler struct {
	resolver FunctionResolver

	// resolvedFunctionAddr caches absolute address -> resolved function
	// start address across runs ("Cache absolute->function
	// mappings").
	resolvedFunctionAddr map[uint64]uint64
}

// NewProfiler returns a Profiler resolving addresses through resolver.
func NewProfiler(resolver FunctionResolver) *Profiler {
	return &Profiler{
		resolver: resolver,
		resolvedFunctionAddr: make(map[uint64]uint64),
	}
}

// Process implements the five-step algorithm over data's
// recorded CallstackEvents, returning fresh PostProcessedSamplingData.
// generateSummary controls whether the "All Threads" sentinel row is
// populated.
func (p *Profiler) Process(data *capture.Data, generateSummary bool) *PostProcessedSamplingData {
	out := newPostProcessedSamplingData()
	callstacks := data.Callstacks.GetUniqueCallstacksCopy()

	var summary *ThreadSampleData
	if generateSummary {
		summary = newThreadSampleData()
	}

	for _, ev := range data.Callstacks.Events() {
		cs, ok := callstacks[ev.CallstackID]
		if !ok {
			continue
		}

		resolved := p.resolveCallstack(data, cs)
		out.idToResolvedCallstack[ev.CallstackID] = resolved

		thread := out.threadData(TID(ev.Tid))
		thread.SamplesCount++
		if summary != nil {
			summary.SamplesCount++
		}

		p.accumulate(thread, summary, resolved, cs.Type)
	}

	if summary != nil {
		out.perTid[AllThreadsTID] = summary
	}

	return out
}

// accumulate folds one resolved callstack's addresses into thread's
// (and, if non-nil, the cross-thread summary's) per-function counts per
// step 2: Complete callstacks attribute inclusive counts to
// every unique address and exclusive to the innermost; non-Complete
// callstacks attribute only their innermost frame, to both inclusive and
// exclusive, plus an unwind-error tally.
func (p *Profiler) accumulate(thread, summary *ThreadSampleData, resolved ResolvedCallstack, callstackType int32) {
	if len(resolved.Frames) == 0 {
		return
	}

	innermost := resolved.Frames[0]
	if callstackType != int32(unwind.Complete) {
		bump(thread, innermost, true, true, true)
		if summary != nil {
			bump(summary, innermost, true, true, true)
		}
		return
	}

	seen := make(map[uint64]bool, len(resolved.Frames))
	for _, addr := range resolved.Frames {
		if seen[addr] {
			continue
		}
		seen[addr] = true
		bump(thread, addr, true, false, false)
		if summary != nil {
			bump(summary, addr, true, false, false)
		}
	}
	bump(thread, innermost, false, true, false)
	if summary != nil {
		bump(summary, innermost, false, true, false)
	}
}

func bump(t *ThreadSampleData, functionAddress uint64, inclusive, exclusive, unwindError bool) {
	c := t.countsFor(functionAddress)
	if inclusive {
		c.InclusiveCount++
	}
	if exclusive {
		c.ExclusiveCount++
	}
	if unwindError {
		c.UnwindErrorCount++
	}
}

// resolveCallstack replaces every frame's address with its resolved
// function start address ( steps 3-4).
func (p *Profiler) resolveCallstack(data *capture.Data, cs capture.Callstack) ResolvedCallstack {
	frames := make([]uint64, len(cs.Frames))
	for i, addr := range cs.Frames {
		frames[i] = p.resolveFunctionAddress(data, addr)
	}
	return ResolvedCallstack{Frames: frames}
}

// resolveFunctionAddress implements step 3's priority chain:
// (a) the symbol table's FindFunctionByAddress, (b) the recorded
// AddressInfo's offset_in_function, (c) the address itself.
func (p *Profiler) resolveFunctionAddress(data *capture.Data, absoluteAddress uint64) uint64 {
	if cached, ok := p.resolvedFunctionAddr[absoluteAddress]; ok {
		return cached
	}

	resolved := absoluteAddress
	if p.resolver != nil {
		if fn, ok := p.resolver.FindFunctionByAddress(absoluteAddress); ok {
			resolved = fn.Address
		} else if info, ok := data.AddressInfoFor(absoluteAddress); ok {
			resolved = absoluteAddress - info.OffsetInFunction
		}
	} else if info, ok := data.AddressInfoFor(absoluteAddress); ok {
		resolved = absoluteAddress - info.OffsetInFunction
	}

	p.resolvedFunctionAddr[absoluteAddress] = resolved
	return resolved
}
