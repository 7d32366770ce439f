// Package tracefs resolves kernel tracepoints to the perf_event_open
// "config" id ("tracepoint events identified by
// /sys/kernel/debug/tracing/events/<group>/<event>/id") and parses
// their "format" description into a field-name -> (offset, size) table,
// so a generic decoder can pull named fields out of a
// PERF_SAMPLE_RAW payload without a compiled-in struct per tracepoint.
//
// This is the one piece of the kernel ABI the design places
// in-scope (§6 names the tracefs id lookup explicitly, unlike DWARF/ELF
// parsing which §1 excludes), so unlike internal/tracer/unwind's
// FrameInfoProvider seam this package talks to the real filesystem.
package tracefs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultMountpoint is where most distributions mount tracefs.
const DefaultMountpoint = "/sys/kernel/debug/tracing"

// Field describes one named field of a tracepoint's format, as found in
// events/<group>/<name>/format.
type Field struct {
	Offset int
	Size int
	// IsDataLoc is true for a __data_loc string reference: the field's
	// value at Offset is a (size<<16 | offset) pair pointing at a
	// variable-length string elsewhere in the record.
	IsDataLoc bool
}

// Format is a parsed tracepoint format description.
type Format struct {
	ID int
	Group string
	Name string
	Fields map[string]Field
	CommonSize int // size of the fixed "common" header every tracepoint starts with.
}

// Resolve reads the id and format files for group/name under mountpoint
// ("" selects DefaultMountpoint).
func Resolve(mountpoint, group, name string) (Format, error) {
	if mountpoint == "" {
		mountpoint = DefaultMountpoint
	}
	dir := filepath.Join(mountpoint, "events", group, name)

	id, err := readID(filepath.Join(dir, "id"))
	if err != nil {
		return Format{}, fmt.Errorf("read tracepoint id (%s/%s): %w", group, name, err)
	}

	fields, commonSize, err := parseFormat(filepath.Join(dir, "format"))
	if err != nil {
		return Format{}, fmt.Errorf("read tracepoint format (%s/%s): %w", group, name, err)
	}

	return Format{ID: id, Group: group, Name: name, Fields: fields, CommonSize: commonSize}, nil
}

func readID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// parseFormat reads lines of the shape:
//
//	field:unsigned short common_type;	offset:0;	size:2;	signed:0;
//
// extracting the field name plus its offset/size. A "__data_loc"
// field's declared size is the (size<<16|offset) pair's own size (4),
// not the referenced string's length; IsDataLoc records that so the
// caller dereferences it instead of reading Size bytes verbatim.
func parseFormat(path string) (map[string]Field, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	fields := make(map[string]Field)
	commonSize := 0
	inCommon := true

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			// Blank line separates the common header from event-specific fields.
			inCommon = false
			continue
		}
		if !strings.HasPrefix(line, "field:") {
			continue
		}

		decl, offset, size, ok := parseFieldLine(line)
		if !ok {
			continue
		}

		isDataLoc := strings.Contains(decl, "__data_loc")
		fields[fieldName(decl)] = Field{Offset: offset, Size: size, IsDataLoc: isDataLoc}

		if inCommon {
			commonSize = offset + size
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return fields, commonSize, nil
}

// parseFieldLine splits "field:<decl>;\toffset:<n>;\tsize:<n>;\tsigned:<n>;"
// into the declaration and the two integers this package needs.
func parseFieldLine(line string) (decl string, offset, size int, ok bool) {
	parts := strings.Split(line, ";")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "field:"):
			decl = strings.TrimPrefix(part, "field:")
		case strings.HasPrefix(part, "offset:"):
			offset, _ = strconv.Atoi(strings.TrimPrefix(part, "offset:"))
		case strings.HasPrefix(part, "size:"):
			size, _ = strconv.Atoi(strings.TrimPrefix(part, "size:"))
		}
	}
	return decl, offset, size, decl != ""
}

// fieldName extracts the trailing identifier off a C declaration like
// "unsigned short common_type" or "char name[32]" or
// "__data_loc char[] timeline".
func fieldName(decl string) string {
	decl = strings.TrimSpace(decl)
	if idx := strings.Index(decl, "["); idx >= 0 {
		decl = decl[:idx]
	}
	fields := strings.Fields(decl)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// U32 reads a little-endian uint32 field out of raw.
func (f Format) U32(raw []byte, name string) (uint32, bool) {
	fld, ok := f.Fields[name]
	if !ok || fld.Offset+4 > len(raw) {
		return 0, false
	}
	return uint32(raw[fld.Offset]) | uint32(raw[fld.Offset+1])<<8 | uint32(raw[fld.Offset+2])<<16 | uint32(raw[fld.Offset+3])<<24, true
}

// I32 reads a little-endian int32 field out of raw.
func (f Format) I32(raw []byte, name string) (int32, bool) {
	v, ok := f.U32(raw, name)
	return int32(v), ok
}

// Byte reads a single-byte field out of raw.
func (f Format) Byte(raw []byte, name string) (byte, bool) {
	fld, ok := f.Fields[name]
	if !ok || fld.Offset >= len(raw) {
		return 0, false
	}
	return raw[fld.Offset], true
}

// DataLocString dereferences a __data_loc field: it reads the
// (size<<16|offset) descriptor at the field's offset, then extracts
// that many bytes (minus the trailing NUL) starting at the record-local
// offset ("a kernel __data_loc string reference... whose
// string must be extracted and null-terminated").
func (f Format) DataLocString(raw []byte, name string) (string, bool) {
	fld, ok := f.Fields[name]
	if !ok || !fld.IsDataLoc || fld.Offset+4 > len(raw) {
		return "", false
	}
	descriptor := uint32(raw[fld.Offset]) | uint32(raw[fld.Offset+1])<<8 | uint32(raw[fld.Offset+2])<<16 | uint32(raw[fld.Offset+3])<<24
	dataOffset := int(descriptor & 0xffff)
	dataSize := int(descriptor >> 16)
	if dataOffset < 0 || dataOffset+dataSize > len(raw) {
		return "", false
	}
	s := raw[dataOffset : dataOffset+dataSize]
	if idx := indexByte(s, 0); idx >= 0 {
		s = s[:idx]
	}
	return string(s), true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
