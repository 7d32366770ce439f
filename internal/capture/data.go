// Package capture implements the client-side capture event processor
// and data model of it consumes the totally-ordered
// stream the producer–event processor (internal/eventprocessor)
// forwards and materializes it into a queryable CaptureData, the model
// a UI (out of scope) would read from.
package capture

import (
	"sync"
	"time"
)

// TimerType is the discriminant of the TimerInfo.type.
type TimerType int

const (
	TimerNone TimerType = iota
	TimerCoreActivity
	TimerIntrospection
	TimerGpuActivity
	TimerGpuCommandBuffer
	TimerGpuDebugMarker
)

// FunctionInfo identifies a function a sample or timer attributes to.
// It is comparable so it can key function_stats (// "map<FunctionInfo → {...}>").
type FunctionInfo struct {
	Name string
	ModuleName string
	Address uint64
	Size uint64
}

// AddressInfo is the per-address metadata, de-interning its
// function/module name keys against the capture's StringTable.
type AddressInfo struct {
	Address uint64
	FunctionID uint64
	OffsetInFunction uint64
	ModuleNameKey uint64
}

// ThreadStateSlice is the client-side ThreadStateSlice. WakeupReason
// is carried for spec-completeness (§3 lists it as optional) but is left
// empty: the wire protocol (proto/orbit/capture/v1) does not yet carry a
// wakeup reason string, only wakeup_tid/wakeup_pid.
type ThreadStateSlice struct {
	Tid int32
	BeginNs int64
	EndNs int64
	State int32
	WakeupTid *int32
	WakeupPid *int32
	WakeupReason string
}

// FunctionStats accumulates the per-function timer statistics
// using Welford's online recurrence so variance stays
// numerically stable for durations reaching 1e16 ns on long captures.
type FunctionStats struct {
	Count uint64
	TotalNs int64
	AvgNs float64
	MinNs int64
	MaxNs int64
	VarianceNs float64
}

// Add folds one more observed duration into the running statistics
// using the Welford recurrence specified in //
//	variance_n = ((n-1)*variance_{n-1} + (x-avg_n)(x-avg_{n-1})) / n
func (s *FunctionStats) Add(durationNs int64) {
	prevAvg := s.AvgNs
	s.Count++
	s.TotalNs += durationNs
	n := float64(s.Count)

	s.AvgNs = prevAvg + (float64(durationNs)-prevAvg)/n
	if s.Count > 1 {
		s.VarianceNs = ((n-1)*s.VarianceNs + (float64(durationNs)-s.AvgNs)*(float64(durationNs)-prevAvg)) / n
	} else {
		s.VarianceNs = 0
	}

	if s.Count == 1 || durationNs < s.MinNs {
		s.MinNs = durationNs
	}
	if s.Count == 1 || durationNs > s.MaxNs {
		s.MaxNs = durationNs
	}
}

// ProcessInfo is the minimal identity of the traced process the capture
// targets.
type ProcessInfo struct {
	Pid int32
	Name string
}

// Data is the CaptureData: owned by one capture, mutated only by
// the event-processor thread (Processor) until OnCaptureFinished, then
// read-only. Sub-structures that the UI (out of scope) would
// read during capture are each guarded by their own mutex so readers
// can take coarse-grained snapshots without stalling the writer on
// unrelated sub-structures, exactly as describes.
type Data struct {
	Process ProcessInfo
	StartTime time.Time

	mu sync.RWMutex
	selectedFunctions map[uint64]FunctionInfo
	addressInfos map[uint64]AddressInfo
	threadNames map[int32]string
	functionStats map[FunctionInfo]*FunctionStats

	stateMu sync.RWMutex
	threadStateSlices map[int32][]ThreadStateSlice

	// Strings is the capture's interned string table.
	Strings *StringTable
	// Callstacks is the capture's interned callstack set plus event log.
	Callstacks *CallstackData
	// Tracepoints is the capture's generic tracepoint event buffer
	// (supplemented feature, see SPEC_FULL.md).
	Tracepoints *TracepointData
}

// NewData returns an empty CaptureData for a capture of process.
func NewData(process ProcessInfo, startTime time.Time) *Data {
	return &Data{
		Process: process,
		StartTime: startTime,
		selectedFunctions: make(map[uint64]FunctionInfo),
		addressInfos: make(map[uint64]AddressInfo),
		threadNames: make(map[int32]string),
		functionStats: make(map[FunctionInfo]*FunctionStats),
		threadStateSlices: make(map[int32][]ThreadStateSlice),
		Strings: NewStringTable(),
		Callstacks: NewCallstackData(),
		Tracepoints: NewTracepointData(),
	}
}

// SetSelectedFunction registers or overwrites the FunctionInfo known at
// absoluteAddress ("selected_functions: map<absolute_address →
// FunctionInfo> (keyed uniquely)").
func (d *Data) SetSelectedFunction(absoluteAddress uint64, fn FunctionInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selectedFunctions[absoluteAddress] = fn
}

// SelectedFunction looks up the FunctionInfo registered at
// absoluteAddress.
func (d *Data) SelectedFunction(absoluteAddress uint64) (FunctionInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.selectedFunctions[absoluteAddress]
	return fn, ok
}

// SelectedFunctionsCopy returns a snapshot of every registered
// selected_functions entry, keyed by absolute address.
func (d *Data) SelectedFunctionsCopy() map[uint64]FunctionInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[uint64]FunctionInfo, len(d.selectedFunctions))
	for k, v := range d.selectedFunctions {
		out[k] = v
	}
	return out
}

// AddressInfosCopy returns a snapshot of every registered address_infos
// entry, keyed by absolute address.
func (d *Data) AddressInfosCopy() map[uint64]AddressInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[uint64]AddressInfo, len(d.addressInfos))
	for k, v := range d.addressInfos {
		out[k] = v
	}
	return out
}

// ThreadNamesCopy returns a snapshot of every recorded thread name,
// keyed by tid.
func (d *Data) ThreadNamesCopy() map[int32]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[int32]string, len(d.threadNames))
	for k, v := range d.threadNames {
		out[k] = v
	}
	return out
}

// FunctionStatsCopy returns a snapshot of function_stats.
func (d *Data) FunctionStatsCopy() map[FunctionInfo]FunctionStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[FunctionInfo]FunctionStats, len(d.functionStats))
	for k, v := range d.functionStats {
		out[k] = *v
	}
	return out
}

// SetAddressInfo registers info at its own Address key (// "address_infos: map<absolute_address → AddressInfo> (keyed
// uniquely)").
func (d *Data) SetAddressInfo(info AddressInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addressInfos[info.Address] = info
}

// AddressInfoFor looks up the AddressInfo registered at address.
func (d *Data) AddressInfoFor(address uint64) (AddressInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.addressInfos[address]
	return info, ok
}

// SetThreadName records tid's name ("ThreadName →
// thread_names[tid] = name").
func (d *Data) SetThreadName(tid int32, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threadNames[tid] = name
}

// ThreadName looks up tid's last-recorded name.
func (d *Data) ThreadName(tid int32) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.threadNames[tid]
	return name, ok
}

// RecordFunctionDuration folds a completed timer's duration into
// fn's running statistics ( function_stats, §4.11 Welford
// recurrence).
func (d *Data) RecordFunctionDuration(fn FunctionInfo, durationNs int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats, ok := d.functionStats[fn]
	if !ok {
		stats = &FunctionStats{}
		d.functionStats[fn] = stats
	}
	stats.Add(durationNs)
}

// RestoreFunctionStats overwrites fn's accumulated statistics with
// stats wholesale, for reloading an already-aggregated capture (e.g.
// from internal/captureformat) where replaying one Add per original
// observation is not possible.
func (d *Data) RestoreFunctionStats(fn FunctionInfo, stats FunctionStats) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := stats
	d.functionStats[fn] = &s
}

// FunctionStatsFor returns a copy of fn's accumulated statistics.
func (d *Data) FunctionStatsFor(fn FunctionInfo) (FunctionStats, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats, ok := d.functionStats[fn]
	if !ok {
		return FunctionStats{}, false
	}
	return *stats, true
}

// AppendThreadStateSlice appends slice to tid's sequence. Per-tid
// sequences are kept sorted by BeginNs ("non-overlapping and
// cover a connected prefix..."); permits an insertion sort
// here since arrival is per-tid monotonic even though cross-tid arrival
// may be out of order.
func (d *Data) AppendThreadStateSlice(slice ThreadStateSlice) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	seq := d.threadStateSlices[slice.Tid]
	i := len(seq)
	for i > 0 && seq[i-1].BeginNs > slice.BeginNs {
		i--
	}
	seq = append(seq, ThreadStateSlice{})
	copy(seq[i+1:], seq[i:])
	seq[i] = slice
	d.threadStateSlices[slice.Tid] = seq
}

// ThreadStateSlices returns a copy of tid's ordered slice sequence.
func (d *Data) ThreadStateSlices(tid int32) []ThreadStateSlice {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	seq := d.threadStateSlices[tid]
	out := make([]ThreadStateSlice, len(seq))
	copy(out, seq)
	return out
}

// ThreadIDs returns every tid that has recorded at least one state
// slice, unordered.
func (d *Data) ThreadIDs() []int32 {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	out := make([]int32, 0, len(d.threadStateSlices))
	for tid := range d.threadStateSlices {
		out = append(out, tid)
	}
	return out
}
