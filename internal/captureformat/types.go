package captureformat

import (
	"github.com/orbitprof/orbit/internal/capture"
	"github.com/orbitprof/orbit/internal/config"
)

// FunctionStatsEntry pairs a capture.FunctionInfo key with its
// accumulated capture.FunctionStats, since CaptureInfo serializes
// function_stats as an ordered list rather than a map.
type FunctionStatsEntry struct {
	Function capture.FunctionInfo
	Stats capture.FunctionStats
}

// InternedCallstackEntry is one (id, Callstack) pair from CallstackData.
type InternedCallstackEntry struct {
	ID uint64
	Callstack capture.Callstack
}

// CaptureInfo is the second file message: "a CaptureInfo
// bundling selected functions, thread names, address infos, function
// stats, interned callstacks, callstack events, tracepoint infos/events,
// and the string table."
type CaptureInfo struct {
	Process capture.ProcessInfo
	StartUnixNs int64

	SelectedFunctions map[uint64]capture.FunctionInfo
	ThreadNames map[int32]string
	AddressInfos map[uint64]capture.AddressInfo
	FunctionStats []FunctionStatsEntry
	Callstacks []InternedCallstackEntry
	CallstackEvents []capture.CallstackEvent
	Tracepoints []config.TracepointInfo
	TracepointEvents []capture.TracepointEvent
	Strings map[uint64]string
}

// BuildCaptureInfo snapshots data (and the tracepoint selection from
// opts) into a CaptureInfo ready to serialize.
func BuildCaptureInfo(data *capture.Data, opts config.CaptureOptions, startUnixNs int64) CaptureInfo {
	return CaptureInfo{
		Process: data.Process,
		StartUnixNs: startUnixNs,
		SelectedFunctions: data.SelectedFunctionsCopy(),
		ThreadNames: data.ThreadNamesCopy(),
		AddressInfos: data.AddressInfosCopy(),
		FunctionStats: functionStatsEntries(data),
		Callstacks: internedCallstackEntries(data),
		CallstackEvents: data.Callstacks.Events(),
		Tracepoints: opts.SelectedTracepoints,
		TracepointEvents: data.Tracepoints.AllEvents(),
		Strings: data.Strings.All(),
	}
}

func functionStatsEntries(data *capture.Data) []FunctionStatsEntry {
	stats := data.FunctionStatsCopy()
	out := make([]FunctionStatsEntry, 0, len(stats))
	for fn, s := range stats {
		out = append(out, FunctionStatsEntry{Function: fn, Stats: s})
	}
	return out
}

func internedCallstackEntries(data *capture.Data) []InternedCallstackEntry {
	callstacks := data.Callstacks.GetUniqueCallstacksCopy()
	out := make([]InternedCallstackEntry, 0, len(callstacks))
	for id, cs := range callstacks {
		out = append(out, InternedCallstackEntry{ID: id, Callstack: cs})
	}
	return out
}

// ApplyTo replays info into data, the inverse of BuildCaptureInfo. A
// freshly constructed capture.Data is expected; this does not clear
// pre-existing state.
func (info CaptureInfo) ApplyTo(data *capture.Data) {
	for addr, fn := range info.SelectedFunctions {
		data.SetSelectedFunction(addr, fn)
	}
	for tid, name := range info.ThreadNames {
		data.SetThreadName(tid, name)
	}
	for _, addrInfo := range info.AddressInfos {
		data.SetAddressInfo(addrInfo)
	}
	for _, entry := range info.FunctionStats {
		// RecordFunctionDuration folds one observation at a time; to
		// restore an already-aggregated FunctionStats verbatim we fold
		// its total back in as a single observation is not faithful
		// (it would discard count/variance), so replay is done by
		// reapplying the Welford state wholesale instead.
		data.RestoreFunctionStats(entry.Function, entry.Stats)
	}
	for _, entry := range info.Callstacks {
		data.Callstacks.InternCallstackWithID(entry.ID, entry.Callstack)
	}
	for _, ev := range info.CallstackEvents {
		data.Callstacks.AppendEvent(ev)
	}
	for _, ev := range info.TracepointEvents {
		data.Tracepoints.AddEvent(ev)
	}
	for key, value := range info.Strings {
		data.Strings.Intern(key, value)
	}
}
