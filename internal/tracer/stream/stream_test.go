package stream

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func drainAll(t *testing.T, m *Merger) []int64 {
	t.Helper()
	var got []int64
	for {
		ev, ok := m.Pop()
		if !ok {
			break
		}
		got = append(got, ev.TimestampNs)
	}
	return got
}

func TestMergerNWayMergeMatchesSort(t *testing.T) {
	m := NewMerger(5*time.Millisecond, 50*time.Millisecond)

	a := []int64{10, 30, 70}
	b := []int64{5, 20, 60}
	c := []int64{15, 25, 65}

	for _, ts := range a {
		m.Push(Event{TimestampNs: ts, Stream: 1})
	}
	for _, ts := range b {
		m.Push(Event{TimestampNs: ts, Stream: 2})
	}
	for _, ts := range c {
		m.Push(Event{TimestampNs: ts, Stream: 3})
	}
	m.Flush(1)
	m.Flush(2)
	m.Flush(3)

	got := drainAll(t, m)

	var want []int64
	want = append(want, a...)
	want = append(want, b...)
	want = append(want, c...)
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	require.Equal(t, want, got)
	require.Len(t, got, 9)

	_, discarded := m.TakeDiscarded()
	require.False(t, discarded)
}

func TestMergerWatermarkBlocksUntilOtherStreamCatchesUp(t *testing.T) {
	m := NewMerger(5*time.Millisecond, 50*time.Millisecond)

	m.Push(Event{TimestampNs: 1000, Stream: 1})
	m.Push(Event{TimestampNs: 1000, Stream: 2})

	// stream 1 has no event confirming it's safe to emit ts=1000+Δ yet.
	_, ok := m.Pop()
	require.False(t, ok, "candidate must wait for stream 2 to confirm the visibility delay")

	m.Push(Event{TimestampNs: int64(6*time.Millisecond) + 1001, Stream: 2})

	ev, ok := m.Pop()
	require.True(t, ok)
	require.EqualValues(t, 1000, ev.TimestampNs)
}

func TestMergerOutOfOrderDiscard(t *testing.T) {
	const deltaNs = int64(10 * time.Millisecond)
	m := NewMerger(10*time.Millisecond, 100*time.Millisecond)

	const T = int64(1_000_000_000)
	m.Push(Event{TimestampNs: T, Stream: 1})
	ev, ok := m.Pop()
	require.True(t, ok)
	require.EqualValues(t, T, ev.TimestampNs)

	lateTimestamp := T - 2*deltaNs
	discarded := m.Push(Event{TimestampNs: lateTimestamp, Stream: 1})
	require.True(t, discarded)

	out, ok := m.TakeDiscarded()
	require.True(t, ok)
	require.EqualValues(t, lateTimestamp, out.BeginNs)
	require.EqualValues(t, lateTimestamp, out.EndNs)
	require.EqualValues(t, 1, out.Count)
}

func TestMergerNoneStreamGetsLargerTolerance(t *testing.T) {
	m := NewMerger(1*time.Millisecond, 100*time.Millisecond)

	m.Push(Event{TimestampNs: 1_000_000_000, Stream: 1})
	_, ok := m.Pop()
	require.True(t, ok)

	// This would be discarded against the regular 1ms tolerance but
	// survives under the None stream's 100ms tolerance.
	lateButWithinNoneTolerance := int64(1_000_000_000 - 5*time.Millisecond)
	discarded := m.Push(Event{TimestampNs: lateButWithinNoneTolerance, Stream: NoneStream})
	require.False(t, discarded)
}

func TestMergerFlushUnblocksWatermark(t *testing.T) {
	m := NewMerger(5*time.Millisecond, 5*time.Millisecond)
	m.Push(Event{TimestampNs: 100, Stream: 1})
	m.Flush(2) // stream 2 never produces anything.

	ev, ok := m.Pop()
	require.True(t, ok)
	require.EqualValues(t, 100, ev.TimestampNs)
}

func TestMergerDrainIgnoringWatermarkEmptiesAllQueues(t *testing.T) {
	m := NewMerger(5*time.Millisecond, 5*time.Millisecond)
	m.Push(Event{TimestampNs: 100, Stream: 1})
	m.Push(Event{TimestampNs: 50, Stream: 2}) // stream 2 has no flush/confirmation.

	require.Equal(t, 2, m.Pending())
	_, ok := m.Pop()
	require.False(t, ok, "stream 1's event is unconfirmed because stream 2 never advanced")

	drained := m.DrainIgnoringWatermark()
	require.Len(t, drained, 2)
	require.EqualValues(t, 50, drained[0].TimestampNs)
	require.EqualValues(t, 100, drained[1].TimestampNs)
	require.Zero(t, m.Pending())
}
