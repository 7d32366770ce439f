// Package safe provides integer conversion helpers that clamp instead of
// silently wrapping, used whenever kernel-facing values (perf_event_open
// attributes, BPF map keys, stack ids) cross a width boundary.
package safe

import "math"

// Uint64ToInt64 converts val to int64, clamping to math.MaxInt64 on overflow.
// Returns the converted value and whether clamping occurred.
func Uint64ToInt64(val uint64) (int64, bool) {
	if val > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(val), false
}

// IntToInt32 converts val to int32, clamping to the int32 range on overflow.
func IntToInt32(val int) (int32, bool) {
	if val > math.MaxInt32 {
		return math.MaxInt32, true
	}
	if val < math.MinInt32 {
		return math.MinInt32, true
	}
	return int32(val), false
}

// Uint32ToInt32 converts val to int32, clamping to math.MaxInt32 on overflow.
func Uint32ToInt32(val uint32) (int32, bool) {
	if val > math.MaxInt32 {
		return math.MaxInt32, true
	}
	return int32(val), false
}

// Int64ToUint64 converts val to uint64, clamping negative values to 0.
func Int64ToUint64(val int64) (uint64, bool) {
	if val < 0 {
		return 0, true
	}
	return uint64(val), false
}
