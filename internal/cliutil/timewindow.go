// Package cliutil holds small flag-parsing helpers shared by orbitctl's
// subcommands, kept separate from cobra command wiring so they can be
// unit tested without a *cobra.Command in the loop.
package cliutil

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// TimeWindowFlags restricts a query to a sub-range of a capture's
// timeline. Unlike wall-clock CLI tools, offsets are durations relative
// to the capture's own first observed timestamp (capture.Data has no
// reliable wall-clock correlation for individual samples, only a
// capture-start time.Time) rather than RFC3339 instants.
type TimeWindowFlags struct {
	Since string
	Until string
}

// AddFlags registers --since and --until on flags.
func (f *TimeWindowFlags) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&f.Since, "since", "", "only include samples at or after this offset from capture start (e.g. 500ms, 2s)")
	flags.StringVar(&f.Until, "until", "", "only include samples before this offset from capture start (e.g. 5s)")
}

// Window resolves the flags into an absolute [startNs, endNs) range
// given baseNs, the timestamp samples are offset from (typically the
// capture's earliest observed event). An unset bound leaves that side
// open.
func (f *TimeWindowFlags) Window(baseNs int64) (startNs, endNs int64, err error) {
	startNs = baseNs
	endNs = int64(1)<<63 - 1

	if f.Since != "" {
		d, err := time.ParseDuration(f.Since)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid --since offset: %w", err)
		}
		startNs = baseNs + d.Nanoseconds()
	}
	if f.Until != "" {
		d, err := time.ParseDuration(f.Until)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid --until offset: %w", err)
		}
		endNs = baseNs + d.Nanoseconds()
	}
	if endNs < startNs {
		return 0, 0, fmt.Errorf("--until offset must not be before --since offset")
	}
	return startNs, endNs, nil
}

// Contains reports whether ts falls within [startNs, endNs).
func Contains(ts, startNs, endNs int64) bool {
	return ts >= startNs && ts < endNs
}
