package uprobes

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/rs/zerolog"
)

// AttachConfig configures attaching a uprobe+uretprobe pair to one
// InstrumentedFunction in a target process.
type AttachConfig struct {
	PID int

	// Offset is the absolute address of the function's entry point.
	Offset uint64

	// PIDFilter restricts the probe to PID; 0 traces every process
	// mapping the binary.
	PIDFilter int

	Logger zerolog.Logger
}

// AttachResult bundles the links and ring buffer reader a successful
// attach produces; callers must call Close to release them.
type AttachResult struct {
	EntryLink link.Link
	ReturnLink link.Link
	Reader *ringbuf.Reader
}

// Close releases the reader and both links, aggregating any errors.
func (r *AttachResult) Close() error {
	var errs []error

	if r.Reader != nil {
		if err := r.Reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	if r.ReturnLink != nil {
		if err := r.ReturnLink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close return link: %w", err))
		}
	}
	if r.EntryLink != nil {
		if err := r.EntryLink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close entry link: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during uprobe cleanup: %v", errs)
	}
	return nil
}

// Attach resolves the target binary via /proc/<pid>/exe and attaches
// both the uprobe (entry, always) and the uretprobe (return, required
// to maintain the shadow stack) for one instrumented function, wiring
// its ring buffer.
func Attach(cfg AttachConfig, entryProg, returnProg *ebpf.Program, eventsMap *ebpf.Map) (*AttachResult, error) {
	if entryProg == nil {
		return nil, fmt.Errorf("entry program is required")
	}
	if returnProg == nil {
		return nil, fmt.Errorf("return program is required")
	}
	if eventsMap == nil {
		return nil, fmt.Errorf("events map is required")
	}

	resolvedPath := fmt.Sprintf("/proc/%d/exe", cfg.PID)
	cfg.Logger.Debug().
		Str("proc_exe_path", resolvedPath).
		Int("pid", cfg.PID).
		Uint64("offset", cfg.Offset).
		Msg("attaching uprobe pair")

	exe, err := link.OpenExecutable(resolvedPath)
	if err != nil {
		return nil, fmt.Errorf("open executable (path=%s): %w", resolvedPath, err)
	}

	result := &AttachResult{}

	result.EntryLink, err = exe.Uprobe("", entryProg, &link.UprobeOptions{
		Address: cfg.Offset,
		PID: cfg.PIDFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("attach uprobe entry: %w", err)
	}

	result.ReturnLink, err = exe.Uretprobe("", returnProg, &link.UprobeOptions{
		Address: cfg.Offset,
		PID: cfg.PIDFilter,
	})
	if err != nil {
		result.EntryLink.Close() //nolint:errcheck
		return nil, fmt.Errorf("attach uretprobe exit: %w", err)
	}

	result.Reader, err = ringbuf.NewReader(eventsMap)
	if err != nil {
		result.ReturnLink.Close() //nolint:errcheck
		result.EntryLink.Close() //nolint:errcheck
		return nil, fmt.Errorf("create ringbuf reader: %w", err)
	}

	cfg.Logger.Info().
		Str("binary_path", resolvedPath).
		Uint64("offset", cfg.Offset).
		Int("pid", cfg.PID).
		Msg("uprobe pair attached")

	return result, nil
}
