package captureformat

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/orbitprof/orbit/internal/capture"
	"github.com/orbitprof/orbit/internal/config"
	"github.com/stretchr/testify/require"
)

func TestRoundTripHeaderCaptureInfoAndTimers(t *testing.T) {
	var buf bytes.Buffer

	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader())

	info := CaptureInfo{
		Process: capture.ProcessInfo{Pid: 42, Name: "target"},
		StartUnixNs: 1000,
		SelectedFunctions: map[uint64]capture.FunctionInfo{0x1000: {Name: "main", ModuleName: "a.out", Address: 0x1000, Size: 64}},
		ThreadNames: map[int32]string{1: "main-thread"},
		AddressInfos: map[uint64]capture.AddressInfo{0x1010: {Address: 0x1010, FunctionID: 0x1000, OffsetInFunction: 0x10}},
		FunctionStats: []FunctionStatsEntry{
			{Function: capture.FunctionInfo{Name: "main", Address: 0x1000}, Stats: capture.FunctionStats{Count: 3, TotalNs: 300, AvgNs: 100, MinNs: 50, MaxNs: 200, VarianceNs: 12.5}},
		},
		Callstacks: []InternedCallstackEntry{
			{ID: 7, Callstack: capture.Callstack{Frames: []uint64{0x1000, 0x2000}, Type: 0}},
		},
		CallstackEvents: []capture.CallstackEvent{{Pid: 42, Tid: 1, TimestampNs: 500, CallstackID: 7}},
		Tracepoints: []config.TracepointInfo{{Category: "sched", Name: "sched_switch"}},
		TracepointEvents: []capture.TracepointEvent{{Tid: 1, TimestampNs: 600, TracepointKey: 9}},
		Strings: map[uint64]string{9: "sched:sched_switch"},
	}
	require.NoError(t, w.WriteCaptureInfo(info))

	timer1 := capture.TimerInfo{Pid: 42, Tid: 1, StartNs: 100, EndNs: 200, Depth: 0, Type: capture.TimerCoreActivity}
	timer2 := capture.TimerInfo{Pid: 42, Tid: 1, StartNs: 200, EndNs: 300, Depth: 1, Type: capture.TimerNone, FunctionID: 0x1000, HasFunctionID: true}
	require.NoError(t, w.WriteTimer(timer1))
	require.NoError(t, w.WriteTimer(timer2))

	r := NewReader(&buf)
	header, err := r.ReadHeader()
	require.NoError(t, err)
	require.Equal(t, CurrentVersion, header.Version)

	gotInfo, err := r.ReadCaptureInfo()
	require.NoError(t, err)
	require.Equal(t, info.Process, gotInfo.Process)
	require.Equal(t, info.SelectedFunctions, gotInfo.SelectedFunctions)
	require.Equal(t, info.ThreadNames, gotInfo.ThreadNames)
	require.Equal(t, info.AddressInfos, gotInfo.AddressInfos)
	require.Equal(t, info.FunctionStats, gotInfo.FunctionStats)
	require.Equal(t, info.Callstacks, gotInfo.Callstacks)
	require.Equal(t, info.CallstackEvents, gotInfo.CallstackEvents)
	require.Equal(t, info.Tracepoints, gotInfo.Tracepoints)
	require.Equal(t, info.TracepointEvents, gotInfo.TracepointEvents)
	require.Equal(t, info.Strings, gotInfo.Strings)

	ctx := context.Background()
	gotTimer1, err := r.ReadTimer(ctx)
	require.NoError(t, err)
	require.Equal(t, timer1, gotTimer1)

	gotTimer2, err := r.ReadTimer(ctx)
	require.NoError(t, err)
	require.Equal(t, timer2, gotTimer2)

	_, err = r.ReadTimer(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadHeaderRejectsWrongVersion(t *testing.T) {
	var buf bytes.Buffer
	var e encoder
	e.str("0.1")
	require.NoError(t, writeFrame(&buf, e.bytes()))

	_, err := NewReader(&buf).ReadHeader()
	require.Error(t, err)
}

func TestReadTimerReturnsCancelledWhenContextDone(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteTimer(capture.TimerInfo{Pid: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewReader(&buf).ReadTimer(ctx)
	require.ErrorIs(t, err, ErrCancelled)
}

// TestReadFrameDetectsFramingErrorPastEOF implements the
// framing-error contract: a declared message size running past the
// actual file content aborts with an error.
func TestReadFrameDetectsFramingErrorPastEOF(t *testing.T) {
	var buf bytes.Buffer
	var sizeBuf [4]byte
	sizeBuf[0] = 0xFF
	sizeBuf[1] = 0xFF
	buf.Write(sizeBuf[:])
	buf.WriteString("short")

	_, err := readFrame(&buf)
	require.Error(t, err)
}

func TestApplyCaptureInfoRestoresData(t *testing.T) {
	data := capture.NewData(capture.ProcessInfo{Pid: 1}, time.Time{})
	info := CaptureInfo{
		SelectedFunctions: map[uint64]capture.FunctionInfo{0x10: {Name: "f", Address: 0x10}},
		ThreadNames: map[int32]string{1: "t"},
		AddressInfos: map[uint64]capture.AddressInfo{},
		FunctionStats: []FunctionStatsEntry{
			{Function: capture.FunctionInfo{Name: "f", Address: 0x10}, Stats: capture.FunctionStats{Count: 2, TotalNs: 20}},
		},
		Callstacks: []InternedCallstackEntry{
			{ID: 5, Callstack: capture.Callstack{Frames: []uint64{0x10}}},
		},
		CallstackEvents: []capture.CallstackEvent{{Pid: 1, Tid: 1, TimestampNs: 10, CallstackID: 5}},
		Strings: map[uint64]string{1: "hello"},
	}

	info.ApplyTo(data)

	fn, ok := data.SelectedFunction(0x10)
	require.True(t, ok)
	require.Equal(t, "f", fn.Name)

	name, ok := data.ThreadName(1)
	require.True(t, ok)
	require.Equal(t, "t", name)

	stats, ok := data.FunctionStatsFor(capture.FunctionInfo{Name: "f", Address: 0x10})
	require.True(t, ok)
	require.EqualValues(t, 2, stats.Count)

	_, ok = data.Callstacks.Callstack(5)
	require.True(t, ok)
	require.Len(t, data.Callstacks.Events(), 1)

	value, ok := data.Strings.Get(1)
	require.True(t, ok)
	require.Equal(t, "hello", value)
}
