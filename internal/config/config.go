// Package config holds the capture-time configuration surface
// honored by the tracer, plus the small set of host-capability defaults
// derived from it.
package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/orbitprof/orbit/internal/sys/proc"
)

// UnwindingMethod selects how the tracer reconstructs user call stacks.
type UnwindingMethod int

const (
	UnwindingDWARF UnwindingMethod = iota
	UnwindingFramePointer
)

func (m UnwindingMethod) String() string {
	switch m {
	case UnwindingDWARF:
		return "dwarf"
	case UnwindingFramePointer:
		return "frame_pointer"
	default:
		return "unknown"
	}
}

// MaxStackDumpSize is the largest permitted stack_dump_size.
const MaxStackDumpSize = 65528

// DefaultVisibilityDelay is the merger's default visibility delay Δ
// (, Open Question (i)): "an implementation should make it
// configurable and start from the order of 10 ms."
const DefaultVisibilityDelay = 10 * time.Millisecond

// InstrumentedFunction names a uprobe+uretprobe pair to attach.
type InstrumentedFunction struct {
	FunctionID uint64
	Address uint64
	AbsoluteOffset uint64
	FunctionSize uint64
}

// TracepointInfo names a single kernel tracepoint to subscribe to.
type TracepointInfo struct {
	Category string
	Name string
}

// CaptureOptions is the configuration a client sends to start a capture
// ( "Configuration").
type CaptureOptions struct {
	PID int
	SamplingPeriodNs uint64
	SamplingFrequency bool // true: SamplingPeriodNs is a frequency in Hz, not a period.
	UnwindingMethod UnwindingMethod
	CollectSchedulingInfo bool
	CollectThreadState bool
	EnableAPI bool
	SelectedFunctions []InstrumentedFunction
	SelectedTracepoints []TracepointInfo
	StackDumpSize uint32
	VisibilityDelay time.Duration
}

// DefaultCaptureOptions returns options with spec-default values applied.
func DefaultCaptureOptions(pid int) CaptureOptions {
	return CaptureOptions{
		PID: pid,
		SamplingPeriodNs: uint64(1000000000 / 1000), // 1000 Hz equivalent period.
		UnwindingMethod: UnwindingDWARF,
		CollectThreadState: true,
		StackDumpSize: 8192,
		VisibilityDelay: DefaultVisibilityDelay,
	}
}

// Validate rejects option combinations the tracer cannot honor (
// CaptureOptionInvalid: "reject, return a message naming the option").
func (o CaptureOptions) Validate() error {
	if o.PID <= 0 {
		return fmt.Errorf("invalid capture option pid: must be positive, got %d", o.PID)
	}
	if o.StackDumpSize > MaxStackDumpSize {
		return fmt.Errorf("invalid capture option stack_dump_size: %d exceeds maximum %d", o.StackDumpSize, MaxStackDumpSize)
	}
	if o.VisibilityDelay < 0 {
		return fmt.Errorf("invalid capture option visibility_delay: must be non-negative, got %s", o.VisibilityDelay)
	}
	return nil
}

// HostCapabilities summarizes host-level facts (logical CPU count,
// kernel version). No code in this module sizes tracer resources from
// them: cmd/orbitd opens every ring with a fixed page count.
type HostCapabilities struct {
	LogicalCPUCount int
	KernelVersion string
}

// DetectHostCapabilities probes the host via gopsutil, matching the
// teacher's internal/agent/collector/system_collector.go approach to
// reporting host facts.
func DetectHostCapabilities(logger zerolog.Logger) HostCapabilities {
	counts, err := cpu.Counts(true)
	if err != nil || counts <= 0 {
		logger.Warn().Err(err).Msg("failed to detect logical CPU count, defaulting to 1")
		counts = 1
	}
	return HostCapabilities{LogicalCPUCount: counts, KernelVersion: proc.GetKernelVersion()}
}
