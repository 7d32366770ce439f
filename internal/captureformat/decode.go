package captureformat

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/orbitprof/orbit/internal/capture"
	"github.com/orbitprof/orbit/internal/config"
)

// ErrCancelled is returned by ReadTimer when ctx is done (// "cancellation is cooperative: before reading each TimerInfo, check a
// cancellation flag and return early if set").
var ErrCancelled = errors.New("captureformat: read cancelled")

// Reader deserializes a capture file written by Writer.
type Reader struct {
	r io.Reader
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadHeader reads and validates the file's Header message. It is an
// error for the version to be anything other than CurrentVersion (spec
// §4.12).
func (rd *Reader) ReadHeader()(Header, error) {
	payload, err := readFrame(rd.r)
	if err != nil {
		return Header{}, fmt.Errorf("read header: %w", err)
	}

	d := newDecoder(payload)
	version := d.str()
	if err := d.error(); err != nil {
		return Header{}, fmt.Errorf("decode header: %w", err)
	}
	if version != CurrentVersion {
		return Header{}, fmt.Errorf("unsupported capture file version %q, expected %q", version, CurrentVersion)
	}
	return Header{Version: version}, nil
}

// ReadCaptureInfo reads the file's CaptureInfo message.
func (rd *Reader) ReadCaptureInfo()(CaptureInfo, error) {
	payload, err := readFrame(rd.r)
	if err != nil {
		return CaptureInfo{}, fmt.Errorf("read capture info: %w", err)
	}

	d := newDecoder(payload)
	info := CaptureInfo{
		SelectedFunctions: make(map[uint64]capture.FunctionInfo),
		ThreadNames: make(map[int32]string),
		AddressInfos: make(map[uint64]capture.AddressInfo),
		Strings: make(map[uint64]string),
	}

	info.Process.Pid = d.i32()
	info.Process.Name = d.str()
	info.StartUnixNs = d.i64()

	for n := d.u32(); n > 0; n-- {
		addr := d.u64()
		info.SelectedFunctions[addr] = decodeFunctionInfo(d)
	}

	for n := d.u32(); n > 0; n-- {
		tid := d.i32()
		info.ThreadNames[tid] = d.str()
	}

	for n := d.u32(); n > 0; n-- {
		ai := capture.AddressInfo{
			Address: d.u64(),
			FunctionID: d.u64(),
			OffsetInFunction: d.u64(),
			ModuleNameKey: d.u64(),
		}
		info.AddressInfos[ai.Address] = ai
	}

	for n := d.u32(); n > 0; n-- {
		fn := decodeFunctionInfo(d)
		stats := decodeFunctionStats(d)
		info.FunctionStats = append(info.FunctionStats, FunctionStatsEntry{Function: fn, Stats: stats})
	}

	for n := d.u32(); n > 0; n-- {
		id := d.u64()
		csType := d.i32()
		frameCount := d.u32()
		frames := make([]uint64, frameCount)
		for i := range frames {
			frames[i] = d.u64()
		}
		info.Callstacks = append(info.Callstacks, InternedCallstackEntry{
			ID: id,
			Callstack: capture.Callstack{Frames: frames, Type: csType},
		})
	}

	for n := d.u32(); n > 0; n-- {
		info.CallstackEvents = append(info.CallstackEvents, capture.CallstackEvent{
			Pid: d.i32(), Tid: d.i32(), TimestampNs: d.i64(), CallstackID: d.u64(),
		})
	}

	for n := d.u32(); n > 0; n-- {
		info.Tracepoints = append(info.Tracepoints, config.TracepointInfo{
			Category: d.str(), Name: d.str(),
		})
	}

	for n := d.u32(); n > 0; n-- {
		info.TracepointEvents = append(info.TracepointEvents, capture.TracepointEvent{
			Tid: d.i32(), TimestampNs: d.i64(), TracepointKey: d.u64(),
		})
	}

	for n := d.u32(); n > 0; n-- {
		key := d.u64()
		info.Strings[key] = d.str()
	}

	if err := d.error(); err != nil {
		return CaptureInfo{}, fmt.Errorf("decode capture info: %w", err)
	}
	// Any bytes past this point belong to fields this reader doesn't
	// know about yet; ignoring them is the forward-compatibility
	// contract.
	_ = d.unreadTrailingBytes()

	return info, nil
}

// ReadTimer reads the next TimerInfo message, or io.EOF once the file is
// exhausted. It checks ctx before reading (the cooperative
// cancellation contract).
//
// A TimerInfo whose function_id does not resolve against
// CaptureInfo.selected_functions is still returned (// "ignored... still emitted as a timer without function attribution");
// resolving that is the caller's responsibility, since only the caller
// holds the selected_functions set the CaptureInfo carried.
func (rd *Reader) ReadTimer(ctx context.Context) (capture.TimerInfo, error) {
	select {
	case <-ctx.Done():
		return capture.TimerInfo{}, ErrCancelled
	default:
	}

	payload, err := readFrame(rd.r)
	if err != nil {
		return capture.TimerInfo{}, err
	}

	d := newDecoder(payload)
	t := capture.TimerInfo{
		Pid: d.i32(),
		Tid: d.i32(),
		StartNs: d.i64(),
		EndNs: d.i64(),
		Depth: d.i32(),
		Type: capture.TimerType(d.i32()),
	}
	t.HasFunctionID = d.u64() != 0
	t.FunctionID = d.u64()
	t.HasCallstackID = d.u64() != 0
	t.CallstackID = d.u64()
	t.HasTimelineHash = d.u64() != 0
	t.TimelineHash = d.u64()
	t.HasUserDataKey = d.u64() != 0
	t.UserDataKey = d.u64()
	t.HasColor = d.u64() != 0
	t.Color = d.u32()

	if err := d.error(); err != nil {
		return capture.TimerInfo{}, fmt.Errorf("decode timer: %w", err)
	}
	return t, nil
}

func decodeFunctionInfo(d *decoder) capture.FunctionInfo {
	return capture.FunctionInfo{
		Name: d.str(),
		ModuleName: d.str(),
		Address: d.u64(),
		Size: d.u64(),
	}
}

func decodeFunctionStats(d *decoder) capture.FunctionStats {
	return capture.FunctionStats{
		Count: d.u64(),
		TotalNs: d.i64(),
		AvgNs: d.f64(),
		MinNs: d.i64(),
		MaxNs: d.i64(),
		VarianceNs: d.f64(),
	}
}
