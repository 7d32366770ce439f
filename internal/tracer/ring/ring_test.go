package ring

import (
	"encoding/binary"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeMemory is an in-memory Memory implementation sized as a power of
// two, used to drive Reader without a real perf_event_open mmap.
type fakeMemory struct {
	buf []byte
	head, tail uint64
}

func newFakeMemory(size uint64) *fakeMemory {
	return &fakeMemory{buf: make([]byte, size)}
}

func (f *fakeMemory) DataHead() uint64 { return f.head }
func (f *fakeMemory) DataTail() uint64 { return f.tail }
func (f *fakeMemory) CommitTail(tail uint64) { f.tail = tail }
func (f *fakeMemory) Size() uint64 { return uint64(len(f.buf)) }

func (f *fakeMemory) ReadAt(dst []byte, offset uint64, size int) {
	mask := uint64(len(f.buf)) - 1
	for i := 0; i < size; i++ {
		dst[i] = f.buf[(offset+uint64(i))&mask]
	}
}

// write appends a record (header + payload) at the current head and
// advances it, simulating the kernel producing data.
func (f *fakeMemory) write(recordType uint32, misc uint16, payload []byte) {
	total := headerSize + len(payload)
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], recordType)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(misc)|uint32(total)<<16)

	mask := uint64(len(f.buf)) - 1
	off := f.head & mask
	for i, b := range append(hdr[:], payload...) {
		f.buf[(off+uint64(i))&mask] = b
	}
	f.head += uint64(total)
}

func TestReaderPeekConsume(t *testing.T) {
	mem := newFakeMemory(4096)
	mem.write(9, 0, []byte("samplepayload!!!"))

	r := NewReader(mem, 7, zerolog.Nop())
	require.True(t, r.HasRecord())

	hdr, ok := r.PeekHeader()
	require.True(t, ok)
	require.EqualValues(t, 9, hdr.Type)
	require.EqualValues(t, headerSize+len("samplepayload!!!"), hdr.Size())

	payload := make([]byte, int(hdr.Size())-headerSize)
	r.ReadAtOffset(payload, headerSize, len(payload))
	require.Equal(t, "samplepayload!!!", string(payload))

	r.Consume(hdr)
	require.False(t, r.HasRecord())
	require.Equal(t, 7, r.FileDescriptor())
}

func TestReaderPeekIncompleteRecordNotVisible(t *testing.T) {
	mem := newFakeMemory(4096)
	mem.write(9, 0, []byte("full-payload"))
	// Simulate the kernel having published only part of the record (the
	// header and 8 of its 12 payload bytes) by rewinding head to
	// mid-record.
	mem.head -= 4

	r := NewReader(mem, 1, zerolog.Nop())
	_, ok := r.PeekHeader()
	require.False(t, ok, "a record not yet fully published must not be peekable")
}

func TestReaderSkipCountsDiscarded(t *testing.T) {
	mem := newFakeMemory(4096)
	// Hand-craft a corrupt header declaring a size smaller than the
	// header itself.
	var raw [headerSize]byte
	binary.LittleEndian.PutUint32(raw[0:4], 1)
	binary.LittleEndian.PutUint32(raw[4:8], 4<<16) // size=4 < headerSize=8
	copy(mem.buf, raw[:])
	mem.head = headerSize

	r := NewReader(mem, 1, zerolog.Nop())
	hdr, ok := r.PeekHeader()
	require.True(t, ok)
	r.Skip(hdr)

	require.EqualValues(t, 1, r.DiscardedCount())
	require.False(t, r.HasRecord())
}

func TestReaderWrapAround(t *testing.T) {
	mem := newFakeMemory(64)
	// Push head close to the end of the ring so the next record wraps.
	mem.head = 56
	mem.tail = 56
	mem.write(3, 0, []byte("wraps-around!!!!"))

	r := NewReader(mem, 1, zerolog.Nop())
	hdr, ok := r.PeekHeader()
	require.True(t, ok)

	payload := make([]byte, int(hdr.Size())-headerSize)
	r.ReadAtOffset(payload, headerSize, len(payload))
	require.Equal(t, "wraps-around!!!!", string(payload))
	r.Consume(hdr)
}

func TestRecordLost(t *testing.T) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], 42)
	binary.LittleEndian.PutUint64(buf[8:16], 7)

	lost, err := RecordLost(buf[:])
	require.NoError(t, err)
	require.EqualValues(t, 7, lost.LostCount)
}

func TestRecordLostTooShort(t *testing.T) {
	_, err := RecordLost([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestErrorsWithPerfEventOpenEmitsOnce(t *testing.T) {
	r := NewReader(newFakeMemory(4096), 1, zerolog.Nop())
	require.True(t, r.ErrorsWithPerfEventOpen(require.AnError))
	require.False(t, r.ErrorsWithPerfEventOpen(require.AnError))
}
