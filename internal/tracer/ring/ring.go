// Package ring implements the perf_event_open ring-buffer reader of spec
// §4.1: memory-map a single perf_event_open file descriptor and expose a
// peek/consume/skip contract with lost-record detection.
//
// The byte-level ring mechanics (wrap-around reads, header peeking,
// partial-record handling) are factored into Reader, which is driven by a
// small Memory seam so they can be unit tested without a real kernel fd.
// The Linux-specific mmap/perf_event_open plumbing lives in linux.go.
package ring

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// RecordHeader is the 8-byte header prefixing every perf ring record.
type RecordHeader struct {
	Type uint32
	MiscSize uint32 // low 16 bits: misc flags; high 16 bits: total record size.
}

// Misc returns the misc flags portion of the header.
func (h RecordHeader) Misc() uint16 { return uint16(h.MiscSize & 0xffff) }

// Size returns the total record size in bytes, including the header.
func (h RecordHeader) Size() uint16 { return uint16(h.MiscSize >> 16) }

const headerSize = 8

// perfRecordLost is the kernel's PERF_RECORD_LOST type id.
const perfRecordLost = 2

// Memory is the seam a Reader is driven over: the mmap'd ring's head/tail
// cursors and raw byte access with wrap-around. A real implementation
// backs this with a perf_event_open mmap region (linux.go); tests back it
// with an in-memory byte slice.
type Memory interface {
	// DataHead returns the kernel's current write position (monotonic,
	// not masked to the ring size).
	DataHead() uint64
	// DataTail returns the current read position (monotonic).
	DataTail() uint64
	// CommitTail advances the read position, publishing the read with a
	// release fence so the kernel can reuse the space.
	CommitTail(tail uint64)
	// ReadAt copies size bytes starting at the ring-relative offset
	// (already masked to [0, ring size)) into dst, handling wrap-around.
	ReadAt(dst []byte, offset uint64, size int)
	// Size returns the ring's data size in bytes (a power of two).
	Size() uint64
}

// Reader exposes the record peek/consume/skip contract of over
// a Memory-backed ring.
type Reader struct {
	mem Memory
	fd int
	logger zerolog.Logger

	discarded uint64 // records skipped due to inconsistent declared size.
	lostEvents uint64
	erroredOnce bool
}

// NewReader wraps mem, tagging records with fd as their ordered-stream
// identity ( "file_descriptor used to tag the event's ordered
// stream identity").
func NewReader(mem Memory, fd int, logger zerolog.Logger) *Reader {
	return &Reader{mem: mem, fd: fd, logger: logger.With().Str("component", "ring_reader").Int("fd", fd).Logger()}
}

// FileDescriptor returns the fd identifying this reader's ordered stream.
func (r *Reader) FileDescriptor() int { return r.fd }

// Close releases the underlying ring if it implements io.Closer (the
// real mmap-backed Memory does; fakes used in tests typically don't).
func (r *Reader) Close() error {
	if c, ok := r.mem.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// HasRecord reports whether data_head > data_tail.
func (r *Reader) HasRecord() bool {
	return r.mem.DataHead() > r.mem.DataTail()
}

// PeekHeader returns the header of the next record without advancing the
// tail. ok is false if the record is not yet fully published (the kernel
// publishes size before data, so a header whose declared size exceeds the
// available bytes is treated as not-yet-available).
func (r *Reader) PeekHeader()(hdr RecordHeader, ok bool) {
	head, tail := r.mem.DataHead(), r.mem.DataTail()
	available := head - tail
	if available < headerSize {
		return RecordHeader{}, false
	}

	var raw [headerSize]byte
	r.mem.ReadAt(raw[:], tail&(r.mem.Size()-1), headerSize)
	hdr.Type = binary.LittleEndian.Uint32(raw[0:4])
	hdr.MiscSize = binary.LittleEndian.Uint32(raw[4:8])

	if uint64(hdr.Size()) > available {
		return RecordHeader{}, false
	}
	if hdr.Size() < headerSize {
		// A declared size smaller than the header itself can never be a
		// valid record; the caller should Skip it ("entire
		// record is skipped and counted toward a Discarded marker").
		return hdr, true
	}
	return hdr, true
}

// ReadAtOffset copies size bytes of the current record, handling
// wrap-around, starting at byteOffset bytes into the record (so
// byteOffset=0 reads the header too).
func (r *Reader) ReadAtOffset(dst []byte, byteOffset uint64, size int) {
	tail := r.mem.DataTail()
	r.mem.ReadAt(dst, (tail+byteOffset)&(r.mem.Size()-1), size)
}

// Consume advances data_tail by hdr.Size(), publishing the read.
func (r *Reader) Consume(hdr RecordHeader) {
	r.mem.CommitTail(r.mem.DataTail() + uint64(hdr.Size()))
}

// Skip discards the next record without parsing it (a header
// whose declared size is inconsistent with the minimum for its type).
// It counts toward the Discarded marker the caller reports.
func (r *Reader) Skip(hdr RecordHeader) {
	r.discarded++
	size := hdr.Size()
	if size < headerSize {
		// Can't trust the size at all; bail out rather than spin by
		// consuming zero bytes forever.
		size = headerSize
	}
	r.mem.CommitTail(r.mem.DataTail() + uint64(size))
}

// DiscardedCount returns the number of records skipped due to an
// inconsistent declared size since the reader was created.
func (r *Reader) DiscardedCount() uint64 { return r.discarded }

// Lost reports a PERF_RECORD_LOST record as a typed gap marker (spec
// §4.1). RecordLost fills LostCount from the payload's lost field; the
// fixed PERF_RECORD_LOST layout (id, lost count) carries no timestamp,
// so RecordLost leaves PreviousTimestampNs zero.
type Lost struct {
	PreviousTimestampNs uint64
	LostCount uint64
}

// RecordLost decodes a PERF_RECORD_LOST payload already copied into buf
// (the 16 bytes following the record header: id uint64, lost uint64).
func RecordLost(buf []byte) (Lost, error) {
	if len(buf) < 16 {
		return Lost{}, fmt.Errorf("perf lost record too short: %d bytes", len(buf))
	}
	return Lost{LostCount: binary.LittleEndian.Uint64(buf[8:16])}, nil
}

// ErrorsWithPerfEventOpen is emitted once when the mmap is unmapped
// mid-read or the kernel reports an unrecoverable error.
func (r *Reader) ErrorsWithPerfEventOpen(cause error) (emitted bool) {
	if r.erroredOnce {
		return false
	}
	r.erroredOnce = true
	r.logger.Error().Err(cause).Msg("perf_event_open reader encountered an unrecoverable error, closing")
	return true
}
