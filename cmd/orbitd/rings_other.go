//go:build !linux

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitprof/orbit/internal/config"
	"github.com/orbitprof/orbit/internal/service"
)

// captureResult is what one captureOnHost call produces.
type captureResult = service.Result

// captureOnHost is unimplemented on non-Linux hosts: perf_event_open,
// tracefs and /proc are Linux-specific (the target platform).
func captureOnHost(ctx context.Context, logger zerolog.Logger, opts config.CaptureOptions, duration time.Duration) (captureResult, error) {
	return captureResult{}, fmt.Errorf("orbitd's capture command requires Linux (perf_event_open, tracefs, /proc)")
}
