package eventprocessor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/orbitprof/orbit/internal/producer"
)

func TestProcessorRewritesLocalCallstackKeyToGlobal(t *testing.T) {
	p := NewProcessor(zerolog.Nop(), time.Millisecond)

	p.PushFromProducer(1, []producer.CaptureEvent{
		{Kind: producer.EventInternedCallstack, InternedCallstack: producer.InternedCallstack{LocalKey: 5, Addresses: []uint64{0x1000}}},
		{Kind: producer.EventCallstackSample, CallstackSample: producer.CallstackSample{TID: 7, TimestampNs: 100, LocalCallstackKey: 5}},
	})
	p.AllEventsSent(1)

	_, first, ok := p.Pop()
	require.True(t, ok)
	require.Equal(t, producer.EventInternedCallstack, first.Kind)

	_, second, ok := p.Pop()
	require.True(t, ok)
	require.Equal(t, producer.EventCallstackSample, second.Kind)

	global, found := p.GlobalCallstackKey(1, 5)
	require.True(t, found)
	require.Equal(t, global, second.CallstackSample.LocalCallstackKey)
}

func TestProcessorKeepsProducerLocalNamespacesIndependent(t *testing.T) {
	p := NewProcessor(zerolog.Nop(), time.Millisecond)

	p.PushFromProducer(1, []producer.CaptureEvent{
		{Kind: producer.EventInternedCallstack, InternedCallstack: producer.InternedCallstack{LocalKey: 1}},
	})
	p.PushFromProducer(2, []producer.CaptureEvent{
		{Kind: producer.EventInternedCallstack, InternedCallstack: producer.InternedCallstack{LocalKey: 1}},
	})

	g1, _ := p.GlobalCallstackKey(1, 1)
	g2, _ := p.GlobalCallstackKey(2, 1)
	require.NotEqual(t, g1, g2, "same local key from distinct producers must map to distinct global keys")
}

func TestProcessorMergesAcrossProducersInTimestampOrder(t *testing.T) {
	p := NewProcessor(zerolog.Nop(), 5*time.Millisecond)

	p.PushFromProducer(1, []producer.CaptureEvent{
		{Kind: producer.EventFunctionExit, FunctionExit: producer.FunctionExit{TID: 1, TimestampNs: 200}},
	})
	p.PushFromProducer(2, []producer.CaptureEvent{
		{Kind: producer.EventFunctionExit, FunctionExit: producer.FunctionExit{TID: 2, TimestampNs: 100}},
	})
	p.AllEventsSent(1)
	p.AllEventsSent(2)

	_, first, ok := p.Pop()
	require.True(t, ok)
	require.EqualValues(t, 100, first.FunctionExit.TimestampNs)

	_, second, ok := p.Pop()
	require.True(t, ok)
	require.EqualValues(t, 200, second.FunctionExit.TimestampNs)
}

func TestDrainStopsOnceAllProducersReportAllEventsSent(t *testing.T) {
	p := NewProcessor(zerolog.Nop(), time.Millisecond)
	p.PushFromProducer(1, []producer.CaptureEvent{
		{Kind: producer.EventFunctionExit, FunctionExit: producer.FunctionExit{TID: 1, TimestampNs: 100}},
	})
	p.AllEventsSent(1)

	var emitted int
	discarded := p.Drain(context.Background(), []int32{1}, time.Second, func(int32, producer.CaptureEvent) {
		emitted++
	})
	require.Zero(t, discarded)
	require.Equal(t, 1, emitted)
}

func TestDrainDiscardsAfterTimeoutWhenAProducerNeverFinishes(t *testing.T) {
	p := NewProcessor(zerolog.Nop(), time.Millisecond)
	p.PushFromProducer(1, []producer.CaptureEvent{
		{Kind: producer.EventFunctionExit, FunctionExit: producer.FunctionExit{TID: 1, TimestampNs: 100}},
	})
	p.AllEventsSent(1)
	// Producer 2 never calls AllEventsSent and never sends anything.
	p.PushFromProducer(2, []producer.CaptureEvent{
		{Kind: producer.EventFunctionExit, FunctionExit: producer.FunctionExit{TID: 2, TimestampNs: 99999}},
	})

	var emitted int
	discarded := p.Drain(context.Background(), []int32{1, 2}, 5*time.Millisecond, func(int32, producer.CaptureEvent) {
		emitted++
	})
	require.Positive(t, discarded)
}
