package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use: "info <capture.orbit>",
		Short: "Print a summary of a capture file",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadCapture(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			info := loaded.Info
			cmd.Printf("process: %s (pid %d)\n", info.Process.Name, info.Process.Pid)
			cmd.Printf("started: %s\n", time.Unix(0, info.StartUnixNs).Format(time.RFC3339))
			cmd.Printf("selected funcs: %d\n", len(info.SelectedFunctions))
			cmd.Printf("threads named: %d\n", len(info.ThreadNames))
			cmd.Printf("address infos: %d\n", len(info.AddressInfos))
			cmd.Printf("function stats: %d\n", len(info.FunctionStats))
			cmd.Printf("callstacks: %d\n", len(info.Callstacks))
			cmd.Printf("callstack evts: %d\n", len(info.CallstackEvents))
			cmd.Printf("tracepoints: %d\n", len(info.Tracepoints))
			cmd.Printf("tracepoint evts:%d\n", len(info.TracepointEvents))
			cmd.Printf("strings: %d\n", len(info.Strings))
			cmd.Printf("timers: %d\n", len(loaded.Timers))

			return nil
		},
	}
}
