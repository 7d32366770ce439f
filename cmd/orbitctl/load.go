package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/orbitprof/orbit/internal/capture"
	"github.com/orbitprof/orbit/internal/captureformat"
)

// loadedCapture is one.orbit file's contents replayed into an
// in-memory capture.Data, ready for post-processing.
type loadedCapture struct {
	Info captureformat.CaptureInfo
	Data *capture.Data
	Timers []capture.TimerInfo
}

// loadCapture reads path's full framed stream (Header, then
// CaptureInfo, then any number of TimerInfos) and replays it into a
// fresh capture.Data via CaptureInfo.ApplyTo.
func loadCapture(ctx context.Context, path string) (*loadedCapture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := captureformat.NewReader(f)
	if _, err := r.ReadHeader(); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	info, err := r.ReadCaptureInfo()
	if err != nil {
		return nil, fmt.Errorf("read capture info: %w", err)
	}

	data := capture.NewData(info.Process, time.Unix(0, info.StartUnixNs))
	info.ApplyTo(data)

	var timers []capture.TimerInfo
	for {
		t, err := r.ReadTimer(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read timer: %w", err)
		}
		timers = append(timers, t)
	}

	return &loadedCapture{Info: info, Data: data, Timers: timers}, nil
}
