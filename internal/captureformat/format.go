// Package captureformat implements the capture file format: a
// stream of length-prefixed messages framed the way
// aclements-go-perf/perffile reads "perf.data" records, specialized to
// the orbit capture schema instead of the Linux perf.data layout.
package captureformat

import (
	"encoding/binary"
	"fmt"
	"io"
)

// CurrentVersion is the only version this package's reader accepts
// ("readers reject versions other than the current
// \"1.59\"-era format").
const CurrentVersion = "1.59"

// Extension is the file extension capture files carry.
const Extension = ".orbit"

// Header is the first message in a capture file.
type Header struct {
	Version string
}

// maxMessageSize bounds a single frame's declared size, so a corrupted
// or truncated length prefix cannot make the reader attempt a
// multi-gigabyte allocation before the framing-error check in readFrame
// has a chance to fail against the actual file size.
const maxMessageSize = 1 << 30

// writeFrame writes payload as one length-prefixed message (spec
// §4.12's `uint32_le message_size` followed by `bytes[message_size]`).
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds the %d byte frame limit", len(payload), maxMessageSize)
	}
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(payload)))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return fmt.Errorf("write frame size: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed message. It returns io.EOF (spec
// §4.12: "EOF terminates the file") only when the size prefix itself
// could not be read at all; a size prefix that is read but whose
// payload runs past EOF is a framing error, not a clean end of stream.
func readFrame(r io.Reader) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated frame size prefix: %w", err)
		}
		return nil, err
	}

	size := binary.LittleEndian.Uint32(sizeBuf[:])
	if size > maxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds the %d byte frame limit", size, maxMessageSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("framing error: message of %d bytes runs past EOF: %w", size, err)
	}
	return payload, nil
}
