package unwind

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeProvider lets each test wire up exactly the facts a scenario
// needs; unset callbacks default to "no".
type fakeProvider struct {
	executable map[uint64]bool
	framePointer map[uint64]bool
	cfi map[uint64]bool
	uprobeTrampoline map[uint64]bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		executable: map[uint64]bool{},
		framePointer: map[uint64]bool{},
		cfi: map[uint64]bool{},
		uprobeTrampoline: map[uint64]bool{},
	}
}

func (f *fakeProvider) IsExecutable(addr uint64) bool { return f.executable[addr] }
func (f *fakeProvider) HasFramePointerPrologue(pc uint64) bool { return f.framePointer[pc] }
func (f *fakeProvider) HasCFI(pc uint64) bool { return f.cfi[pc] }
func (f *fakeProvider) InUprobesTrampoline(pc uint64) bool { return f.uprobeTrampoline[pc] }

func stackWithReturnAddr(offset uint64, addr uint64, size uint64) []byte {
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[offset:offset+8], addr)
	return buf
}

// TestLeafPatchSucceeds implements the leaf-patch scenario: callchain
// [kernel=11, 100, 301], leaf (100) has no frame pointer or CFI, the
// stack dump holds the missing return address 201 at sp=10. Expected
// callchain [11, 100, 201, 301], type Complete.
func TestLeafPatchSucceeds(t *testing.T) {
	provider := newFakeProvider()
	provider.executable[201] = true

	const sp = 10
	in := Input{
		Callchain: []uint64{11, 100, 301},
		LeafIndex: 1,
		StackPointerOffset: sp,
		FramePointerOffset: 1000, // present but irrelevant: no frame pointer at the leaf.
		StackDump: stackWithReturnAddr(sp, 201, 64),
	}

	res := Unwind(in, provider)
	require.Equal(t, Complete, res.Type)
	require.Equal(t, []uint64{11, 100, 201, 301}, res.Callstack)
}

// TestLeafPatchFailsOnSmallStack implements the small-stack leaf-patch scenario: same
// setup as scenario 1 but the stack dump is too small to reach sp+8.
func TestLeafPatchFailsOnSmallStack(t *testing.T) {
	provider := newFakeProvider()
	provider.executable[201] = true

	const sp = 10
	in := Input{
		Callchain: []uint64{11, 100, 301},
		LeafIndex: 1,
		StackPointerOffset: sp,
		StackDump: make([]byte, sp+4), // too short for sp+8.
	}

	res := Unwind(in, provider)
	require.Equal(t, StackTopTooSmall, res.Type)
	require.Equal(t, []uint64{11, 100, 301}, res.Callstack)
}

func TestPatchLeafRejectsNonExecutableReturnAddress(t *testing.T) {
	provider := newFakeProvider()
	// 201 deliberately left out of the executable set.

	const sp = 10
	in := Input{
		Callchain: []uint64{11, 100, 301},
		LeafIndex: 1,
		StackPointerOffset: sp,
		StackDump: stackWithReturnAddr(sp, 201, 64),
	}

	res := Unwind(in, provider)
	require.Equal(t, StackTopError, res.Type)
	require.Equal(t, []uint64{11, 100, 301}, res.Callstack)
}

func TestFramePointerBelowStackPointerIsAnError(t *testing.T) {
	provider := newFakeProvider()
	provider.framePointer[100] = true

	in := Input{
		Callchain: []uint64{11, 100, 301},
		LeafIndex: 1,
		StackPointerOffset: 50,
		FramePointerOffset: 10, // bp < sp
	}

	res := Unwind(in, provider)
	require.Equal(t, FramePointerError, res.Type)
}

func TestCFIPresentIsTrustedAsComplete(t *testing.T) {
	provider := newFakeProvider()
	provider.cfi[100] = true

	in := Input{
		Callchain: []uint64{11, 100, 301},
		LeafIndex: 1,
	}

	res := Unwind(in, provider)
	require.Equal(t, Complete, res.Type)
	require.Equal(t, []uint64{11, 100, 301}, res.Callstack)
}

func TestInUprobesTrampolineShortCircuits(t *testing.T) {
	provider := newFakeProvider()
	provider.uprobeTrampoline[100] = true

	in := Input{Callchain: []uint64{11, 100, 301}, LeafIndex: 1}

	res := Unwind(in, provider)
	require.Equal(t, InUprobes, res.Type)
}
