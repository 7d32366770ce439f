package safe

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint64ToInt64(t *testing.T) {
	v, clamped := Uint64ToInt64(100)
	require.False(t, clamped)
	require.Equal(t, int64(100), v)

	v, clamped = Uint64ToInt64(math.MaxUint64)
	require.True(t, clamped)
	require.Equal(t, int64(math.MaxInt64), v)
}

func TestIntToInt32(t *testing.T) {
	v, clamped := IntToInt32(42)
	require.False(t, clamped)
	require.Equal(t, int32(42), v)

	_, clamped = IntToInt32(math.MaxInt32 + 1)
	require.True(t, clamped)

	_, clamped = IntToInt32(math.MinInt32 - 1)
	require.True(t, clamped)
}

