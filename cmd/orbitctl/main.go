// Command orbitctl reads .orbit capture files produced by orbitd: it
// prints a summary, re-runs the post-processing sampling pass over the
// stored callstacks, and exports the result to pprof or a DuckDB-backed
// query store.
//
// The root command carries no business logic; everything is delegated
// to subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orbitprof/orbit/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use: "orbitctl",
		Short: "Inspect and export.orbit capture files",
		SilenceUsage: true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newPprofCmd())
	rootCmd.AddCommand(newQueryCmd())
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
			cmd.Printf("orbitctl version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}
