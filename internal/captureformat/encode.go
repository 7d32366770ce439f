package captureformat

import (
	"fmt"
	"io"

	"github.com/orbitprof/orbit/internal/capture"
)

// Writer serializes a capture to w as the framed message stream of spec
// §4.12: a Header, then one CaptureInfo, then any number of TimerInfos.
type Writer struct {
	w io.Writer
	started bool
}

// NewWriter returns a Writer over w. Callers must call WriteHeader
// before WriteCaptureInfo, and WriteCaptureInfo before any WriteTimer
// call, matching the file's fixed message order.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes the file's Header message.
func (wr *Writer) WriteHeader() error {
	var e encoder
	e.str(CurrentVersion)
	if err := writeFrame(wr.w, e.bytes()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	wr.started = true
	return nil
}

// WriteCaptureInfo writes the file's CaptureInfo message.
func (wr *Writer) WriteCaptureInfo(info CaptureInfo) error {
	if !wr.started {
		return fmt.Errorf("write capture info: header not written yet")
	}

	var e encoder
	e.i32(info.Process.Pid)
	e.str(info.Process.Name)
	e.i64(info.StartUnixNs)

	e.u32(uint32(len(info.SelectedFunctions)))
	for addr, fn := range info.SelectedFunctions {
		e.u64(addr)
		encodeFunctionInfo(&e, fn)
	}

	e.u32(uint32(len(info.ThreadNames)))
	for tid, name := range info.ThreadNames {
		e.i32(tid)
		e.str(name)
	}

	e.u32(uint32(len(info.AddressInfos)))
	for _, ai := range info.AddressInfos {
		e.u64(ai.Address)
		e.u64(ai.FunctionID)
		e.u64(ai.OffsetInFunction)
		e.u64(ai.ModuleNameKey)
	}

	e.u32(uint32(len(info.FunctionStats)))
	for _, entry := range info.FunctionStats {
		encodeFunctionInfo(&e, entry.Function)
		encodeFunctionStats(&e, entry.Stats)
	}

	e.u32(uint32(len(info.Callstacks)))
	for _, entry := range info.Callstacks {
		e.u64(entry.ID)
		e.i32(entry.Callstack.Type)
		e.u32(uint32(len(entry.Callstack.Frames)))
		for _, addr := range entry.Callstack.Frames {
			e.u64(addr)
		}
	}

	e.u32(uint32(len(info.CallstackEvents)))
	for _, ev := range info.CallstackEvents {
		e.i32(ev.Pid)
		e.i32(ev.Tid)
		e.i64(ev.TimestampNs)
		e.u64(ev.CallstackID)
	}

	e.u32(uint32(len(info.Tracepoints)))
	for _, tp := range info.Tracepoints {
		e.str(tp.Category)
		e.str(tp.Name)
	}

	e.u32(uint32(len(info.TracepointEvents)))
	for _, ev := range info.TracepointEvents {
		e.i32(ev.Tid)
		e.i64(ev.TimestampNs)
		e.u64(ev.TracepointKey)
	}

	e.u32(uint32(len(info.Strings)))
	for key, value := range info.Strings {
		e.u64(key)
		e.str(value)
	}

	if err := writeFrame(wr.w, e.bytes()); err != nil {
		return fmt.Errorf("write capture info: %w", err)
	}
	return nil
}

// WriteTimer appends one TimerInfo message. Callers stream these one at
// a time as timers complete during capture.
func (wr *Writer) WriteTimer(t capture.TimerInfo) error {
	var e encoder
	e.i32(t.Pid)
	e.i32(t.Tid)
	e.i64(t.StartNs)
	e.i64(t.EndNs)
	e.i32(t.Depth)
	e.i32(int32(t.Type))
	e.u64(boolToFlag(t.HasFunctionID))
	e.u64(t.FunctionID)
	e.u64(boolToFlag(t.HasCallstackID))
	e.u64(t.CallstackID)
	e.u64(boolToFlag(t.HasTimelineHash))
	e.u64(t.TimelineHash)
	e.u64(boolToFlag(t.HasUserDataKey))
	e.u64(t.UserDataKey)
	e.u64(boolToFlag(t.HasColor))
	e.u32(t.Color)

	if err := writeFrame(wr.w, e.bytes()); err != nil {
		return fmt.Errorf("write timer: %w", err)
	}
	return nil
}

func encodeFunctionInfo(e *encoder, fn capture.FunctionInfo) {
	e.str(fn.Name)
	e.str(fn.ModuleName)
	e.u64(fn.Address)
	e.u64(fn.Size)
}

func encodeFunctionStats(e *encoder, s capture.FunctionStats) {
	e.u64(s.Count)
	e.i64(s.TotalNs)
	e.f64(s.AvgNs)
	e.i64(s.MinNs)
	e.i64(s.MaxNs)
	e.f64(s.VarianceNs)
}

func boolToFlag(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
