// Package logging wraps zerolog construction for the orbitd/orbitctl
// binaries, grounded on the teacher's internal/logging/logger.go: a
// Config struct selecting level/format, and a constructor attaching a
// component field the rest of the codebase's packages already expect
// (every internal package here takes a zerolog.Logger and calls
// logger.With().Str("component",...)).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config configures the process-wide logger.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// Pretty enables a human-readable console writer instead of JSON.
	Pretty bool
	// Output defaults to os.Stdout.
	Output io.Writer
}

// DefaultConfig returns the orbitd/orbitctl default: info level, pretty
// console output, stdout.
func DefaultConfig() Config {
	return Config{Level: "info", Pretty: true, Output: os.Stdout}
}

// New builds a zerolog.Logger from cfg.
func New(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// NewWithComponent builds a logger already tagged with a component
// field, matching the "component" key every internal package logs with.
func NewWithComponent(cfg Config, component string) zerolog.Logger {
	return New(cfg).With().Str("component", component).Logger()
}
