// Package service assembles internal/tracer, internal/producer,
// internal/eventprocessor, internal/capture and internal/sampling into
// a single runnable capture session (the end-to-end flow), the
// orchestration layer cmd/orbitd drives.
package service

import (
	"context"

	"github.com/orbitprof/orbit/internal/eventprocessor"
	"github.com/orbitprof/orbit/internal/producer"
)

// localTransport implements producer.Transport in-process, bridging the
// kernel tracer's producer.Client directly to the server-side
// eventprocessor.Processor without a gRPC hop. A real deployment (a
// separate orbit-agent process per traced binary) would instead back
// producer.Transport with the generated
// proto/orbit/producer/v1 bidi-stream client, exactly as
// producer.Transport's doc comment anticipates.
type localTransport struct {
	producerID int32
	eventProc *eventprocessor.Processor
	commands chan producer.Command
}

func newLocalTransport(producerID int32, eventProc *eventprocessor.Processor) *localTransport {
	return &localTransport{
		producerID: producerID,
		eventProc: eventProc,
		commands: make(chan producer.Command, 4),
	}
}

func (t *localTransport) Send(_ context.Context, events []producer.CaptureEvent) error {
	t.eventProc.PushFromProducer(t.producerID, events)
	return nil
}

func (t *localTransport) SendAllEventsSent(context.Context) error {
	t.eventProc.AllEventsSent(t.producerID)
	return nil
}

func (t *localTransport) Recv(ctx context.Context) (producer.Command, error) {
	select {
	case cmd := <-t.commands:
		return cmd, nil
	case <-ctx.Done():
		return producer.Command{}, ctx.Err()
	}
}

func (t *localTransport) Close() error { return nil }
