// Command orbitd is the tracing daemon: it owns the perf_event_open
// ring buffers, runs the unwinding/scheduling/GPU visitors and the
// producer-event-processor merge, and writes the resulting capture to
// a .orbit file: internal/service.Session wired against a real Linux
// kernel instead of the fakes internal/tracer's tests use.
//
// main carries no business logic; everything is delegated to a single
// subcommand package.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orbitprof/orbit/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use: "orbitd",
		Short: "Orbit tracing daemon - captures a process and writes a.orbit file",
		SilenceUsage: true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newCaptureCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use: "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("orbitd version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}
