// Package version provides build version information for orbitd and
// orbitctl, grounded on the teacher's pkg/version/version.go.
package version

import "runtime"

var (
	// Version is the semantic version, set by build flags (-ldflags).
	Version = "dev"
	// GitCommit is the commit hash, set by build flags.
	GitCommit = "unknown"
	// BuildDate is the build timestamp, set by build flags.
	BuildDate = "unknown"
	// GoVersion is the toolchain used to build this binary.
	GoVersion = runtime.Version()
)
