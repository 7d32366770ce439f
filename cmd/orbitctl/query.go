package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/orbitprof/orbit/internal/cliutil"
	"github.com/orbitprof/orbit/internal/logging"
	"github.com/orbitprof/orbit/internal/sampling"
)

func newQueryCmd() *cobra.Command {
	var dsn string
	var limit int
	var tidFlag int64
	var window cliutil.TimeWindowFlags

	cmd := &cobra.Command{
		Use: "query <capture.orbit>",
		Short: "Load a capture into DuckDB and print its top sampled functions per thread",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			loaded, err := loadCapture(ctx, args[0])
			if err != nil {
				return err
			}

			logger := logging.New(logging.DefaultConfig())
			store, err := sampling.Open(dsn, logger)
			if err != nil {
				return fmt.Errorf("open duckdb store: %w", err)
			}
			defer store.Close()

			profiler := sampling.NewProfiler(nil)
			processed := profiler.Process(loaded.Data, false)

			captureID := strconv.FormatInt(int64(loaded.Info.Process.Pid), 10) + "@" + strconv.FormatInt(loaded.Info.StartUnixNs, 10)

			startNs, endNs, err := window.Window(earliestCallstackTimestamp(loaded))
			if err != nil {
				return err
			}

			tids := processed.ThreadIDs()
			if cmd.Flags().Changed("tid") {
				tids = []sampling.TID{sampling.TID(tidFlag)}
			}

			for _, tid := range tids {
				counts := sampleCountsByCallstack(loaded, tid, startNs, endNs)
				if err := store.StoreResolvedCallstacks(ctx, captureID, tid, processed, counts); err != nil {
					return fmt.Errorf("store resolved callstacks for tid %d: %w", tid, err)
				}

				top, err := store.QueryTopFunctionsByTid(ctx, captureID, tid, limit)
				if err != nil {
					return fmt.Errorf("query top functions for tid %d: %w", tid, err)
				}

				cmd.Printf("tid %d:\n", int64(tid))
				for addr, count := range top {
					cmd.Printf(" 0x%x\t%d samples\n", addr, count)
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "db", ":memory:", "DuckDB data source (path or :memory:)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum functions to print per thread")
	cmd.Flags().Int64Var(&tidFlag, "tid", 0, "restrict to a single thread id")
	window.AddFlags(cmd.Flags())

	return cmd
}

// sampleCountsByCallstack tallies how many times each interned
// callstack id was sampled on tid within [startNs, endNs), the shape
// sampling.Store.StoreResolvedCallstacks expects alongside the
// resolved tree.
func sampleCountsByCallstack(loaded *loadedCapture, tid sampling.TID, startNs, endNs int64) map[uint64]uint64 {
	counts := make(map[uint64]uint64)
	for _, ev := range loaded.Data.Callstacks.Events() {
		if sampling.TID(ev.Tid) != tid {
			continue
		}
		if !cliutil.Contains(ev.TimestampNs, startNs, endNs) {
			continue
		}
		counts[ev.CallstackID]++
	}
	return counts
}

// earliestCallstackTimestamp returns the smallest CallstackEvent
// timestamp in loaded, or 0 if it has none; this anchors --since/--until
// offsets to the capture's own timeline.
func earliestCallstackTimestamp(loaded *loadedCapture) int64 {
	earliest := int64(0)
	first := true
	for _, ev := range loaded.Data.Callstacks.Events() {
		if first || ev.TimestampNs < earliest {
			earliest = ev.TimestampNs
			first = false
		}
	}
	return earliest
}
