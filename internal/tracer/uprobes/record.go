package uprobes

import (
	"encoding/binary"
	"fmt"
)

// RecordKind tags which half of a uprobe/uretprobe pair a Record holds.
// Both programs write into the same ring buffer (one AttachResult.Reader
// per instrumented function), so every record is tagged on the wire.
type RecordKind uint64

const (
	RecordKindEntry RecordKind = iota
	RecordKindReturn
)

// recordSize is fixed-width regardless of kind: a return record simply
// leaves FunctionID/ReturnAddress zeroed, matching how the entry and
// return eBPF programs would share one event struct.
const recordSize = 48

// Record is one BPF ring buffer record as the entry/return programs
// would emit it: Kind, TID and TimestampNs are always populated;
// FunctionID and ReturnAddress only for RecordKindEntry.
type Record struct {
	Kind RecordKind
	TID int64
	TimestampNs int64
	FunctionID uint64
	ReturnAddress uint64
	StackPointer uint64
}

// ParseRecord decodes one fixed-width ring buffer record.
func ParseRecord(raw []byte) (Record, error) {
	if len(raw) < recordSize {
		return Record{}, fmt.Errorf("uprobe record too short: got %d bytes, want %d", len(raw), recordSize)
	}
	return Record{
		Kind: RecordKind(binary.LittleEndian.Uint64(raw[0:8])),
		TID: int64(binary.LittleEndian.Uint64(raw[8:16])),
		TimestampNs: int64(binary.LittleEndian.Uint64(raw[16:24])),
		FunctionID: binary.LittleEndian.Uint64(raw[24:32]),
		ReturnAddress: binary.LittleEndian.Uint64(raw[32:40]),
		StackPointer: binary.LittleEndian.Uint64(raw[40:48]),
	}, nil
}
