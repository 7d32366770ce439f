package producer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingBufferDrainsInOrder(t *testing.T) {
	b := NewRingBuffer(4)
	for i := 0; i < 3; i++ {
		b.Enqueue(CaptureEvent{Kind: EventFunctionExit, FunctionExit: FunctionExit{TID: int32(i)}})
	}
	drained := b.Drain()
	require.Len(t, drained, 3)
	require.EqualValues(t, 0, drained[0].FunctionExit.TID)
	require.EqualValues(t, 2, drained[2].FunctionExit.TID)
	require.Zero(t, b.Len())
}

func TestRingBufferDropsOldestWhenFull(t *testing.T) {
	b := NewRingBuffer(2)
	for i := 0; i < 5; i++ {
		b.Enqueue(CaptureEvent{Kind: EventFunctionExit, FunctionExit: FunctionExit{TID: int32(i)}})
	}
	require.EqualValues(t, 3, b.TakeLostCount())

	drained := b.Drain()
	require.Len(t, drained, 2)
	require.EqualValues(t, 3, drained[0].FunctionExit.TID)
	require.EqualValues(t, 4, drained[1].FunctionExit.TID)
}

func TestRingBufferLostCountResetsAfterTake(t *testing.T) {
	b := NewRingBuffer(1)
	b.Enqueue(CaptureEvent{})
	b.Enqueue(CaptureEvent{})
	require.EqualValues(t, 1, b.TakeLostCount())
	require.EqualValues(t, 0, b.TakeLostCount())
}

func TestRingBufferDrainOfEmptyReturnsNil(t *testing.T) {
	b := NewRingBuffer(4)
	require.Nil(t, b.Drain())
}
