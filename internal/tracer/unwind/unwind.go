// Package unwind implements the userspace call-stack reconstruction
// engine of classifying each sampled callchain and, where a
// leaf function's missing frame pointer/CFI left a gap, patching in the
// caller's return address read directly off the captured stack dump.
//
// DWARF CFI parsing and ELF symbol/mapping resolution are out of this
// package's scope; it is driven entirely through the FrameInfoProvider
// seam, mirroring how the teacher's internal/agent/debug/symbolizer.go
// keeps address resolution behind a narrow interface rather than
// embedding debug/dwarf directly into the hot unwinding path.
package unwind

import "encoding/binary"

// CallstackType classifies the outcome of unwinding one sample (spec
// glossary). Non-Complete callstacks are statistically treated using
// only their innermost frame by the sampling post-processor.
type CallstackType int

const (
	Complete CallstackType = iota
	DwarfError
	FramePointerError
	StackTopTooSmall
	StackTopError
	InUprobes
)

func (t CallstackType) String() string {
	switch t {
	case Complete:
		return "Complete"
	case DwarfError:
		return "DwarfError"
	case FramePointerError:
		return "FramePointerError"
	case StackTopTooSmall:
		return "StackTopTooSmall"
	case StackTopError:
		return "StackTopError"
	case InUprobes:
		return "InUprobes"
	default:
		return "Unknown"
	}
}

// FrameInfoProvider answers the per-address questions the unwinder needs
// about the traced process's binaries and mappings. A real
// implementation backs this with ELF+DWARF parsing over /proc/<pid>/maps
// (out of scope here); tests back it with a fake.
type FrameInfoProvider interface {
	// IsExecutable reports whether addr falls inside a mapping marked
	// executable in the traced process's address space.
	IsExecutable(addr uint64) bool
	// HasFramePointerPrologue reports whether the function containing pc
	// maintains a frame pointer (sets up rbp on entry).
	HasFramePointerPrologue(pc uint64) bool
	// HasCFI reports whether DWARF call-frame information is available
	// for the function containing pc.
	HasCFI(pc uint64) bool
	// InUprobesTrampoline reports whether pc lies inside the uprobes
	// return trampoline installed by internal/tracer/uprobes.
	InUprobesTrampoline(pc uint64) bool
}

// Result is the outcome of unwinding one sampled callchain.
type Result struct {
	Callstack []uint64
	Type CallstackType
}

// Input bundles everything Unwind needs for one sample: the callchain
// the kernel/eBPF side already produced (innermost first, any kernel
// frames preserved verbatim), the leaf frame's register state, and the
// raw user stack bytes captured at sample time.
type Input struct {
	Callchain []uint64
	// StackPointerOffset is the leaf frame's stack pointer, expressed as
	// a byte offset into StackDump (StackDump[0] is the first byte
	// captured at or above the thread's stack pointer at sample time).
	StackPointerOffset uint64
	// FramePointerOffset is the leaf frame's frame pointer (rbp), in the
	// same coordinate space as StackPointerOffset, used only when the
	// leaf has a frame-pointer prologue.
	FramePointerOffset uint64
	StackDump []byte
	// LeafIndex is the index in Callchain of the leaf (innermost
	// userspace) frame whose prologue is inspected for the patch. The
	// caller (which already knows where kernel frames end) supplies
	// this rather than Unwind guessing it.
	LeafIndex int
}

// Unwind classifies in.Callchain and, if the leaf has neither a frame
// pointer nor CFI, attempts to splice the caller's return address
// between the leaf and whatever follows it.
func Unwind(in Input, provider FrameInfoProvider) Result {
	if in.LeafIndex < 0 || in.LeafIndex >= len(in.Callchain) {
		return Result{Callstack: in.Callchain, Type: DwarfError}
	}
	leaf := in.Callchain[in.LeafIndex]

	if provider.InUprobesTrampoline(leaf) {
		return Result{Callstack: in.Callchain, Type: InUprobes}
	}

	hasFP := provider.HasFramePointerPrologue(leaf)
	hasCFI := provider.HasCFI(leaf)

	if hasFP {
		if in.FramePointerOffset < in.StackPointerOffset {
			return Result{Callstack: in.Callchain, Type: FramePointerError}
		}
		return Result{Callstack: in.Callchain, Type: Complete}
	}

	if hasCFI {
		// CFI is present and covers the leaf; trust the chain as given.
		return Result{Callstack: in.Callchain, Type: Complete}
	}

	return patchLeaf(in, provider)
}

// patchLeaf reads the return address at the leaf's stack pointer and
// splices it into the callchain, validating it lands in executable
// memory.
func patchLeaf(in Input, provider FrameInfoProvider) Result {
	need := in.StackPointerOffset + 8
	if need > uint64(len(in.StackDump)) {
		return Result{Callstack: in.Callchain, Type: StackTopTooSmall}
	}

	returnAddr := binary.LittleEndian.Uint64(in.StackDump[in.StackPointerOffset:need])
	if !provider.IsExecutable(returnAddr) {
		return Result{Callstack: in.Callchain, Type: StackTopError}
	}

	patched := make([]uint64, 0, len(in.Callchain)+1)
	patched = append(patched, in.Callchain[:in.LeafIndex+1]...)
	patched = append(patched, returnAddr)
	patched = append(patched, in.Callchain[in.LeafIndex+1:]...)

	return Result{Callstack: patched, Type: Complete}
}
