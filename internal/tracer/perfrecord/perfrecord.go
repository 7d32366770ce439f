// Package perfrecord parses the byte layout of perf_event_open ring
// records into a tagged-union Record value. It is driven by
// the raw bytes a ring.Reader copies out for one record (header already
// stripped by the caller is NOT assumed; Parse takes the full record
// including its 8-byte header, mirroring what ring.Reader.ReadAtOffset
// with byteOffset=0 returns).
package perfrecord

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Type identifies which perf record kind Record.Type holds and which
// field of Record is populated. Numeric values match PERF_RECORD_* so a
// Type can be compared directly against values read off the wire.
type Type uint32

const (
	TypeMmap Type = 1
	TypeLost Type = 2
	TypeComm Type = 3
	TypeExit Type = 4
	TypeFork Type = 7
	TypeSample Type = 9
	TypeTracepoint Type = 9 // tracepoint samples arrive as PERF_RECORD_SAMPLE too; disambiguated by attr.Config, not record type.
)

// SampleEvent is a plain PERF_RECORD_SAMPLE with PERF_SAMPLE_IP |
// PERF_SAMPLE_TID | PERF_SAMPLE_TIME configured, used for
// both CPU-cycle samples and tracepoint-triggered samples.
type SampleEvent struct {
	IP uint64
	PID, TID uint32
	TimestampNs uint64
	// Raw holds the PERF_SAMPLE_RAW payload when the event was
	// configured for a tracepoint (the kernel's trace_event struct
	// plus any __data_loc-referenced dynamic fields).
	Raw []byte
}

// CallchainSampleEvent extends SampleEvent with PERF_SAMPLE_CALLCHAIN:
// a list of instruction-pointer addresses forming a kernel or user
// portion of the call stack (kernel/user boundary markers filtered out).
type CallchainSampleEvent struct {
	SampleEvent
	Callchain []uint64
	// StackDump holds the PERF_SAMPLE_STACK_USER raw bytes copied from
	// the thread's stack at sample time, used by the unwinder when
	// frame-pointer or DWARF walking needs bytes beyond the callchain.
	StackDump []byte
	// StackPointer and FramePointer are the leaf frame's rsp/rbp,
	// decoded from the PERF_SAMPLE_REGS_USER block (zero if the kernel
	// could not capture registers for this sample, e.g. no running
	// task).
	StackPointer uint64
	FramePointer uint64
}

// UserRegMask selects the x86_64 general-purpose registers
// PERF_SAMPLE_REGS_USER captures: the low 19 bits of the kernel's
// perf_regs enum (PERF_REG_X86_AX through PERF_REG_X86_R10). It covers
// PERF_REG_X86_SP and PERF_REG_X86_BP, the only two ParseCallchainSample
// extracts. cmd/orbitd opens every sampling ring's perf_event_attr with
// this same mask in Sample_regs_user, so the two stay in lockstep.
const UserRegMask = (1 << 19) - 1

// x86_64 perf_regs register indices (arch/x86/include/uapi/asm/perf_regs.h).
const (
	regX86BP = 6
	regX86SP = 7
)

// MmapEvent reports a PERF_RECORD_MMAP(2): a mapping appearing (or, with
// misc&PERF_RECORD_MISC_MMAP_DATA, a data-only mapping) in the traced
// process's address space.
type MmapEvent struct {
	PID, TID uint32
	Address uint64
	Length uint64
	PageOffset uint64
	Filename string
	Executable bool
}

// LostEvent reports PERF_RECORD_LOST: a gap in this ring's sample
// stream the kernel could not avoid.
type LostEvent struct {
	ID uint64
	Lost uint64
}

// CommEvent reports PERF_RECORD_COMM: a thread's command name (re)set,
// e.g. after exec.
type CommEvent struct {
	PID, TID uint32
	Comm string
}

// ForkEvent reports PERF_RECORD_FORK: a new thread or process created.
type ForkEvent struct {
	PID, PPID uint32
	TID, PTID uint32
	TimestampNs uint64
}

// ExitEvent reports PERF_RECORD_EXIT: a thread or process terminated.
type ExitEvent struct {
	PID, PPID uint32
	TID, PTID uint32
	TimestampNs uint64
}

// TracepointEvent is a SampleEvent's Raw payload already decoded against
// a tracepoint's format description: fixed fields plus any __data_loc
// referenced string fields resolved to their actual bytes.
type TracepointEvent struct {
	SampleEvent
	Category, Name string
	Fields map[string]uint64
	StringFields map[string]string
}

// Record is the tagged union of every perf record variant this package
// understands. Exactly one of the pointer fields is non-nil, selected by
// Type.
type Record struct {
	Type Type

	Sample *SampleEvent
	Callchain *CallchainSampleEvent
	Mmap *MmapEvent
	Lost *LostEvent
	Comm *CommEvent
	Fork *ForkEvent
	Exit *ExitEvent
	Tracepoint *TracepointEvent
}

// ParseMmap decodes a PERF_RECORD_MMAP payload (buf excludes the 8-byte
// record header). Per, an anonymous mapping ("//anon" as
// filename, or an empty filename) and a page_offset equal to the mapped
// address are both normalized to page_offset=0, since neither carries
// meaningful file-backing information.
func ParseMmap(buf []byte, misc uint16) (MmapEvent, error) {
	if len(buf) < 24 {
		return MmapEvent{}, fmt.Errorf("mmap record too short: %d bytes", len(buf))
	}
	ev := MmapEvent{
		PID: binary.LittleEndian.Uint32(buf[0:4]),
		TID: binary.LittleEndian.Uint32(buf[4:8]),
		Address: binary.LittleEndian.Uint64(buf[8:16]),
		Length: binary.LittleEndian.Uint64(buf[16:24]),
	}
	rest := buf[24:]
	if len(rest) < 8 {
		return MmapEvent{}, fmt.Errorf("mmap record missing page_offset: %d bytes remaining", len(rest))
	}
	ev.PageOffset = binary.LittleEndian.Uint64(rest[0:8])
	rest = rest[8:]

	name := cString(rest)
	ev.Filename = name
	ev.Executable = misc&0x2000 == 0 // PERF_RECORD_MISC_MMAP_DATA unset => executable mapping.

	if ev.Filename == "" || ev.Filename == "//anon" {
		ev.Filename = "//anon"
		ev.PageOffset = 0
	} else if ev.PageOffset == ev.Address {
		ev.PageOffset = 0
	}
	return ev, nil
}

// ParseLost decodes a PERF_RECORD_LOST payload (id uint64, lost uint64).
func ParseLost(buf []byte) (LostEvent, error) {
	if len(buf) < 16 {
		return LostEvent{}, fmt.Errorf("lost record too short: %d bytes", len(buf))
	}
	return LostEvent{
		ID: binary.LittleEndian.Uint64(buf[0:8]),
		Lost: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// ParseComm decodes a PERF_RECORD_COMM payload.
func ParseComm(buf []byte) (CommEvent, error) {
	if len(buf) < 8 {
		return CommEvent{}, fmt.Errorf("comm record too short: %d bytes", len(buf))
	}
	return CommEvent{
		PID: binary.LittleEndian.Uint32(buf[0:4]),
		TID: binary.LittleEndian.Uint32(buf[4:8]),
		Comm: cString(buf[8:]),
	}, nil
}

// ParseFork decodes a PERF_RECORD_FORK payload.
func ParseFork(buf []byte) (ForkEvent, error) {
	if len(buf) < 24 {
		return ForkEvent{}, fmt.Errorf("fork record too short: %d bytes", len(buf))
	}
	return ForkEvent{
		PID: binary.LittleEndian.Uint32(buf[0:4]),
		PPID: binary.LittleEndian.Uint32(buf[4:8]),
		TID: binary.LittleEndian.Uint32(buf[8:12]),
		PTID: binary.LittleEndian.Uint32(buf[12:16]),
		TimestampNs: binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

// ParseExit decodes a PERF_RECORD_EXIT payload (identical layout to
// PERF_RECORD_FORK).
func ParseExit(buf []byte) (ExitEvent, error) {
	fork, err := ParseFork(buf)
	if err != nil {
		return ExitEvent{}, fmt.Errorf("exit record: %w", err)
	}
	return ExitEvent(fork), nil
}

// ParseSample decodes a PERF_RECORD_SAMPLE configured with
// PERF_SAMPLE_IP|TID|TIME (no callchain, no raw).
func ParseSample(buf []byte) (SampleEvent, error) {
	if len(buf) < 24 {
		return SampleEvent{}, fmt.Errorf("sample record too short: %d bytes", len(buf))
	}
	return SampleEvent{
		IP: binary.LittleEndian.Uint64(buf[0:8]),
		PID: binary.LittleEndian.Uint32(buf[8:12]),
		TID: binary.LittleEndian.Uint32(buf[12:16]),
		TimestampNs: binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

// ParseCallchainSample decodes a PERF_RECORD_SAMPLE configured with
// PERF_SAMPLE_IP|TID|TIME|CALLCHAIN|REGS_USER|STACK_USER. userRegMask
// must be the perf_event_attr.sample_regs_user value the ring was
// opened with (UserRegMask in production; pass 0 for a record with no
// PERF_SAMPLE_REGS_USER configured at all). The stack dump's declared
// dynamic size trailer (required by the PERF_SAMPLE_STACK_USER layout)
// is consumed but not separately returned.
func ParseCallchainSample(buf []byte, userRegMask uint64, stackDumpSize uint32) (CallchainSampleEvent, error) {
	base, err := ParseSample(buf)
	if err != nil {
		return CallchainSampleEvent{}, err
	}
	offset := 24

	if len(buf) < offset+8 {
		return CallchainSampleEvent{}, fmt.Errorf("callchain sample missing nr: %d bytes", len(buf))
	}
	nr := binary.LittleEndian.Uint64(buf[offset : offset+8])
	offset += 8

	if uint64(len(buf)) < uint64(offset)+nr*8 {
		return CallchainSampleEvent{}, fmt.Errorf("callchain sample truncated: declares %d frames", nr)
	}
	chain := make([]uint64, 0, nr)
	for i := uint64(0); i < nr; i++ {
		ip := binary.LittleEndian.Uint64(buf[offset : offset+8])
		offset += 8
		// PERF_CONTEXT_* markers (addresses >= 0xffffffffffffff80) are
		// boundary annotations, not real frames; drop them.
		if ip >= 0xffffffffffffff80 {
			continue
		}
		chain = append(chain, ip)
	}

	ev := CallchainSampleEvent{SampleEvent: base, Callchain: chain}

	if userRegMask != 0 {
		sp, bp, consumed, err := parseRegsUser(buf[offset:], userRegMask)
		if err != nil {
			return CallchainSampleEvent{}, err
		}
		ev.StackPointer = sp
		ev.FramePointer = bp
		offset += consumed
	}

	if stackDumpSize > 0 && len(buf) >= offset+int(stackDumpSize) {
		ev.StackDump = append([]byte(nil), buf[offset:offset+int(stackDumpSize)]...)
		offset += int(stackDumpSize)
	}
	return ev, nil
}

// parseRegsUser decodes a PERF_SAMPLE_REGS_USER block: an abi u64 (0 if
// the kernel could not capture registers for this sample) followed by
// one u64 per register selected in mask, in increasing bit-index order.
// It returns the PERF_REG_X86_SP/PERF_REG_X86_BP values and the number
// of bytes consumed.
func parseRegsUser(buf []byte, mask uint64) (sp, bp uint64, consumed int, err error) {
	if len(buf) < 8 {
		return 0, 0, 0, fmt.Errorf("regs_user block missing abi: %d bytes", len(buf))
	}
	abi := binary.LittleEndian.Uint64(buf[0:8])
	offset := 8

	n := bits.OnesCount64(mask)
	if len(buf) < offset+n*8 {
		return 0, 0, 0, fmt.Errorf("regs_user block truncated: mask wants %d registers, have %d bytes", n, len(buf)-offset)
	}
	consumed = offset + n*8

	if abi == 0 {
		return 0, 0, consumed, nil
	}

	if pos, ok := regPosition(mask, regX86SP); ok {
		sp = binary.LittleEndian.Uint64(buf[offset+pos*8 : offset+pos*8+8])
	}
	if pos, ok := regPosition(mask, regX86BP); ok {
		bp = binary.LittleEndian.Uint64(buf[offset+pos*8 : offset+pos*8+8])
	}
	return sp, bp, consumed, nil
}

// regPosition reports where reg lands among mask's set bits (0-indexed,
// increasing bit order), the position its value occupies within a
// PERF_SAMPLE_REGS_USER block's register words.
func regPosition(mask uint64, reg uint) (pos int, ok bool) {
	if mask&(1<<reg) == 0 {
		return 0, false
	}
	return bits.OnesCount64(mask & (1<<reg - 1)), true
}

// ParseTracepointSample decodes a PERF_RECORD_SAMPLE configured with
// PERF_SAMPLE_IP|TID|TIME|RAW, populating SampleEvent.Raw with the
// kernel's trace_event payload for a tracepoint-triggered sample (spec
// §4.2). The raw bytes are returned undecoded; internal/tracer's
// TracepointDecoder seam interprets them against a tracepoint's format.
func ParseTracepointSample(buf []byte) (SampleEvent, error) {
	ev, err := ParseSample(buf)
	if err != nil {
		return SampleEvent{}, err
	}
	offset := 24
	if len(buf) < offset+4 {
		return SampleEvent{}, fmt.Errorf("tracepoint sample missing raw size: %d bytes", len(buf))
	}
	rawSize := binary.LittleEndian.Uint32(buf[offset : offset+4])
	offset += 4
	if uint64(len(buf)) < uint64(offset)+uint64(rawSize) {
		return SampleEvent{}, fmt.Errorf("tracepoint sample truncated: declares %d raw bytes", rawSize)
	}
	ev.Raw = append([]byte(nil), buf[offset:offset+int(rawSize)]...)
	return ev, nil
}

// cString extracts a NUL-terminated string from the start of buf.
func cString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
