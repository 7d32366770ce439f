package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultCaptureOptionsValid(t *testing.T) {
	opts := DefaultCaptureOptions(1234)
	require.NoError(t, opts.Validate())
	require.Equal(t, DefaultVisibilityDelay, opts.VisibilityDelay)
}

func TestValidateRejectsBadPID(t *testing.T) {
	opts := DefaultCaptureOptions(0)
	err := opts.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "pid")
}

func TestValidateRejectsOversizedStackDump(t *testing.T) {
	opts := DefaultCaptureOptions(1)
	opts.StackDumpSize = MaxStackDumpSize + 1
	err := opts.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "stack_dump_size")
}

func TestValidateRejectsNegativeVisibilityDelay(t *testing.T) {
	opts := DefaultCaptureOptions(1)
	opts.VisibilityDelay = -1
	err := opts.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "visibility_delay")
}
