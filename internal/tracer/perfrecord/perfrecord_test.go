package perfrecord

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func putU32(buf []byte, off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
func putU64(buf []byte, off int, v uint64) { binary.LittleEndian.PutUint64(buf[off:], v) }

func TestParseSample(t *testing.T) {
	buf := make([]byte, 24)
	putU64(buf, 0, 0xdeadbeef)
	putU32(buf, 8, 111)
	putU32(buf, 12, 222)
	putU64(buf, 16, 999)

	ev, err := ParseSample(buf)
	require.NoError(t, err)
	require.EqualValues(t, 0xdeadbeef, ev.IP)
	require.EqualValues(t, 111, ev.PID)
	require.EqualValues(t, 222, ev.TID)
	require.EqualValues(t, 999, ev.TimestampNs)
}

func TestParseCallchainSampleFiltersContextMarkers(t *testing.T) {
	buf := make([]byte, 24+8+8*3)
	putU64(buf, 0, 0x1000)
	putU32(buf, 8, 1)
	putU32(buf, 12, 2)
	putU64(buf, 16, 3)
	putU64(buf, 24, 3) // nr=3
	putU64(buf, 32, 0xffffffffffffff81) // PERF_CONTEXT_USER marker, filtered.
	putU64(buf, 40, 0x2000)
	putU64(buf, 48, 0x3000)

	ev, err := ParseCallchainSample(buf, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{0x2000, 0x3000}, ev.Callchain)
}

func TestParseCallchainSampleDecodesRegsUserAndStackDump(t *testing.T) {
	const mask = UserRegMask // bits 0..18, includes SP=7 and BP=6.
	nRegs := 19
	buf := make([]byte, 24+8+8 /* nr + one frame */ +8+nRegs*8 /* regs_user */ +16 /* stack dump */)
	putU64(buf, 0, 0x1000)
	putU32(buf, 8, 1)
	putU32(buf, 12, 2)
	putU64(buf, 16, 3)
	putU64(buf, 24, 1) // nr=1
	putU64(buf, 32, 0x2000)

	regsOff := 40
	putU64(buf, regsOff, 1) // abi, nonzero => registers present
	putU64(buf, regsOff+8+regX86SP*8, 0xcafe)
	putU64(buf, regsOff+8+regX86BP*8, 0xcafe+32)

	stackOff := regsOff + 8 + nRegs*8
	putU64(buf, stackOff, 0xdeadbeef)

	ev, err := ParseCallchainSample(buf, mask, 16)
	require.NoError(t, err)
	require.EqualValues(t, 0xcafe, ev.StackPointer)
	require.EqualValues(t, 0xcafe+32, ev.FramePointer)
	require.Len(t, ev.StackDump, 16)
	require.EqualValues(t, 0xdeadbeef, binary.LittleEndian.Uint64(ev.StackDump[0:8]))
}

func TestParseCallchainSampleRegsUserAbiZeroLeavesRegistersUnset(t *testing.T) {
	const mask = UserRegMask
	nRegs := 19
	buf := make([]byte, 24+8+0+8+nRegs*8)
	putU64(buf, 0, 0x1000)
	putU32(buf, 8, 1)
	putU32(buf, 12, 2)
	putU64(buf, 16, 3)
	putU64(buf, 24, 0) // nr=0

	putU64(buf, 32, 0) // abi=0: registers not captured for this sample.

	ev, err := ParseCallchainSample(buf, mask, 0)
	require.NoError(t, err)
	require.Zero(t, ev.StackPointer)
	require.Zero(t, ev.FramePointer)
}

func TestParseMmapAnonymousNormalizesPageOffset(t *testing.T) {
	buf := make([]byte, 24+8+len("//anon")+1)
	putU32(buf, 0, 5)
	putU32(buf, 4, 6)
	putU64(buf, 8, 0x7f0000)
	putU64(buf, 16, 0x1000)
	putU64(buf, 24, 0x7f0000) // page_offset == address, would also normalize
	copy(buf[32:], "//anon")

	ev, err := ParseMmap(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "//anon", ev.Filename)
	require.EqualValues(t, 0, ev.PageOffset)
}

func TestParseMmapFileBackedKeepsPageOffset(t *testing.T) {
	name := "/usr/lib/libc.so.6"
	buf := make([]byte, 24+8+len(name)+1)
	putU32(buf, 0, 5)
	putU32(buf, 4, 6)
	putU64(buf, 8, 0x7f0000)
	putU64(buf, 16, 0x1000)
	putU64(buf, 24, 0x2000)
	copy(buf[32:], name)

	ev, err := ParseMmap(buf, 0)
	require.NoError(t, err)
	require.Equal(t, name, ev.Filename)
	require.EqualValues(t, 0x2000, ev.PageOffset)
}

func TestParseLost(t *testing.T) {
	buf := make([]byte, 16)
	putU64(buf, 0, 1)
	putU64(buf, 8, 42)

	ev, err := ParseLost(buf)
	require.NoError(t, err)
	require.EqualValues(t, 42, ev.Lost)
}

func TestParseForkAndExit(t *testing.T) {
	buf := make([]byte, 24)
	putU32(buf, 0, 10)
	putU32(buf, 4, 1)
	putU32(buf, 8, 10)
	putU32(buf, 12, 1)
	putU64(buf, 16, 555)

	fork, err := ParseFork(buf)
	require.NoError(t, err)
	require.EqualValues(t, 10, fork.PID)
	require.EqualValues(t, 555, fork.TimestampNs)

	exit, err := ParseExit(buf)
	require.NoError(t, err)
	require.EqualValues(t, 10, exit.PID)
}

func TestParseCommTruncatesAtNul(t *testing.T) {
	buf := make([]byte, 8+16)
	putU32(buf, 0, 1)
	putU32(buf, 4, 2)
	copy(buf[8:], "worker\x00garbage")

	ev, err := ParseComm(buf)
	require.NoError(t, err)
	require.Equal(t, "worker", ev.Comm)
}

func TestParseSampleTooShort(t *testing.T) {
	_, err := ParseSample(make([]byte, 4))
	require.Error(t, err)
}
