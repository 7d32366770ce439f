package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/orbitprof/orbit/internal/sampling"
)

func newPprofCmd() *cobra.Command {
	var tidFlag int64
	var output string
	var bottomUp bool

	cmd := &cobra.Command{
		Use: "pprof <capture.orbit>",
		Short: "Export a capture file's call tree as a pprof profile",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadCapture(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			profiler := sampling.NewProfiler(nil)
			processed := profiler.Process(loaded.Data, false)

			tid := sampling.TID(tidFlag)
			if cmd.Flags().Changed("tid") {
				if _, ok := processed.ThreadData(tid); !ok {
					return fmt.Errorf("capture has no samples for tid %d", tid)
				}
			} else if ids := processed.ThreadIDs(); len(ids) > 0 {
				tid = ids[0]
			} else {
				return fmt.Errorf("capture has no sampled threads")
			}

			var root *sampling.CallTreeNode
			if bottomUp {
				root = processed.BuildBottomUp(loaded.Data, tid)
			} else {
				root = processed.BuildTopDown(loaded.Data, tid)
			}

			symbolize := func(addr uint64) string {
				if fn, ok := loaded.Info.SelectedFunctions[addr]; ok && fn.Name != "" {
					return fn.Name
				}
				return "0x" + strconv.FormatUint(addr, 16)
			}

			prof, err := sampling.ToPprof(root, symbolize)
			if err != nil {
				return fmt.Errorf("build pprof profile: %w", err)
			}

			if output == "" {
				output = fmt.Sprintf("capture-tid%d.pprof", int64(tid))
			}
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create %s: %w", output, err)
			}
			defer f.Close()

			if err := prof.Write(f); err != nil {
				return fmt.Errorf("write pprof profile: %w", err)
			}

			cmd.Printf("wrote %s\n", output)
			return nil
		},
	}

	cmd.Flags().Int64Var(&tidFlag, "tid", 0, "thread id to export (defaults to the first sampled thread)")
	cmd.Flags().StringVar(&output, "output", "", "output.pprof path (defaults to capture-tid<N>.pprof)")
	cmd.Flags().BoolVar(&bottomUp, "bottom-up", false, "export the bottom-up tree instead of top-down")

	return cmd
}
