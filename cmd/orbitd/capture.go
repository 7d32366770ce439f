package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orbitprof/orbit/internal/captureformat"
	"github.com/orbitprof/orbit/internal/config"
	"github.com/orbitprof/orbit/internal/logging"
)

// captureFlags mirrors the "Configuration (enumerated options the
// tracer honors)" as a flat flag set.
type captureFlags struct {
	pid int
	durationSeconds int
	output string
	samplingFrequencyHz uint64
	unwindingMethod string
	collectScheduling bool
	collectThreadState bool
	stackDumpSize uint32
	tracepoints []string
	visibilityDelayMs int
	logLevel string
}

func newCaptureCmd() *cobra.Command {
	flags := &captureFlags{}

	cmd := &cobra.Command{
		Use: "capture",
		Short: "Capture a running process and write a.orbit file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCaptureCmd(cmd, flags)
		},
	}

	fs := cmd.Flags()
	fs.IntVar(&flags.pid, "pid", 0, "target process id (required)")
	fs.IntVar(&flags.durationSeconds, "duration", 10, "capture duration in seconds")
	fs.StringVar(&flags.output, "output", "capture.orbit", "output file path (.orbit appended if missing)")
	fs.Uint64Var(&flags.samplingFrequencyHz, "frequency", 1000, "sampling frequency in Hz")
	fs.StringVar(&flags.unwindingMethod, "unwind", "dwarf", "unwinding method: dwarf or frame_pointer")
	fs.BoolVar(&flags.collectScheduling, "scheduling-info", true, "collect scheduling slices")
	fs.BoolVar(&flags.collectThreadState, "thread-state", true, "collect thread state slices")
	fs.Uint32Var(&flags.stackDumpSize, "stack-dump-size", 8192, fmt.Sprintf("bytes of user stack captured per sample (max %d)", config.MaxStackDumpSize))
	fs.StringSliceVar(&flags.tracepoints, "tracepoint", nil, "extra tracepoint to subscribe to, as category:name (repeatable)")
	fs.IntVar(&flags.visibilityDelayMs, "visibility-delay-ms", 10, "ordered-stream merger's visibility delay Δ, in milliseconds")
	fs.StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

func runCaptureCmd(cmd *cobra.Command, flags *captureFlags) error {
	if flags.pid <= 0 {
		return fmt.Errorf("--pid is required")
	}

	logger := logging.NewWithComponent(logging.Config{Level: flags.logLevel, Pretty: true}, "orbitd")

	opts := config.DefaultCaptureOptions(flags.pid)
	opts.SamplingPeriodNs = flags.samplingFrequencyHz
	opts.SamplingFrequency = true
	opts.CollectSchedulingInfo = flags.collectScheduling
	opts.CollectThreadState = flags.collectThreadState
	opts.StackDumpSize = flags.stackDumpSize
	opts.VisibilityDelay = time.Duration(flags.visibilityDelayMs) * time.Millisecond
	if flags.unwindingMethod == "frame_pointer" {
		opts.UnwindingMethod = config.UnwindingFramePointer
	}
	for _, spec := range flags.tracepoints {
		cat, name, ok := splitTracepoint(spec)
		if !ok {
			return fmt.Errorf("invalid --tracepoint %q, want category:name", spec)
		}
		opts.SelectedTracepoints = append(opts.SelectedTracepoints, config.TracepointInfo{Category: cat, Name: name})
	}

	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid capture options: %w", err)
	}

	outPath := flags.output
	if outPath == "" {
		outPath = "capture.orbit"
	}
	if len(outPath) < 6 || outPath[len(outPath)-6:] != ".orbit" {
		outPath += ".orbit"
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(flags.durationSeconds)*time.Second+5*time.Second)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("received interrupt, stopping capture early")
		cancel()
	}()

	logger.Info().Int("pid", flags.pid).Dur("duration", time.Duration(flags.durationSeconds)*time.Second).Str("output", outPath).Msg("starting capture")

	result, err := captureOnHost(ctx, logger, opts, time.Duration(flags.durationSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}

	if err := writeCaptureFile(outPath, result); err != nil {
		return fmt.Errorf("write capture file: %w", err)
	}

	logger.Info().
		Str("capture_id", result.CaptureID).
		Int("timers", len(result.Timers)).
		Int("threads_sampled", len(result.Summary.ThreadIDs())).
		Str("output", outPath).
		Msg("capture finished")

	return nil
}

func splitTracepoint(spec string) (category, name string, ok bool) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == ':' {
			return spec[:i], spec[i+1:], spec[:i] != "" && spec[i+1:] != ""
		}
	}
	return "", "", false
}

// writeCaptureFile serializes result into the streaming.orbit format
// of Header, then CaptureInfo, then one TimerInfo message
// per collected timer.
func writeCaptureFile(path string, result captureResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := captureformat.NewWriter(f)
	if err := w.WriteHeader(); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := w.WriteCaptureInfo(result.Info); err != nil {
		return fmt.Errorf("write capture info: %w", err)
	}
	for _, t := range result.Timers {
		if err := w.WriteTimer(t); err != nil {
			return fmt.Errorf("write timer: %w", err)
		}
	}
	return nil
}
