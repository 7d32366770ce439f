package captureformat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// encoder is a small append-only byte encoder for this package's
// messages. It exists instead of reaching for encoding/gob or a
// generated protobuf codec because the capture file format's message
// set is small, fixed, and entirely this package's own concern; a
// denser hand-rolled framing keeps capture files close in spirit to the
// fixed-layout records aclements-go-perf/perffile reads.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) i32(v int32) { e.u32(uint32(v)) }
func (e *encoder) i64(v int64) { e.u64(uint64(v)) }
func (e *encoder) f64(v float64) { e.u64(math.Float64bits(v)) }

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) bytes() []byte { return e.buf.Bytes() }

// decoder reads sequentially from a fixed byte slice, tracking the
// first error encountered so callers can chain calls and check err once
// at the end (the same pattern perffile's bufDecoder uses).
type decoder struct {
	buf []byte
	off int
	err error
}

func newDecoder(buf []byte) *decoder { return &decoder{buf: buf} }

func (d *decoder) need(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("message truncated: need %d bytes at offset %d, have %d", n, d.off, len(d.buf))
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u32() uint32 {
	b := d.need(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.need(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) i32() int32 { return int32(d.u32()) }
func (d *decoder) i64() int64 { return int64(d.u64()) }
func (d *decoder) f64() float64 { return math.Float64frombits(d.u64()) }

func (d *decoder) str() string {
	n := d.u32()
	b := d.need(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

// error returns the first error this decoder encountered, if any.
func (d *decoder) error() error { return d.err }

// unreadTrailingBytes are any bytes left in buf past what the known
// fields consumed ("unknown fields in a message -> ignored
// (forward compatibility)"). A future writer may append fields this
// reader doesn't know about; since the whole message is already
// length-framed by writeFrame/readFrame, simply not reading them is
// enough to ignore them.
func (d *decoder) unreadTrailingBytes() int { return len(d.buf) - d.off }
