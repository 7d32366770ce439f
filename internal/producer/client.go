package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitprof/orbit/internal/config"
)

// CommandKind tags a Command received from the server.
type CommandKind int

const (
	CommandStartCapture CommandKind = iota
	CommandStopCapture
	CommandCaptureFinished
)

// Command is the producer-local shape of a
// ReceiveCommandsAndSendEventsResponse.
type Command struct {
	Kind CommandKind
	CaptureOptions config.CaptureOptions
}

// Transport is the seam over the generated bidi-stream client
// (producerpb.CaptureEventProducerService_ReceiveCommandsAndSendEventsClient,
// produced by the proto/orbit/producer/v1 package once generated). It
// keeps this package buildable without a generated stub present,
// mirroring the teacher's own attacher.go seam over cilium/ebpf/link.
type Transport interface {
	Send(ctx context.Context, events []CaptureEvent) error
	SendAllEventsSent(ctx context.Context) error
	Recv(ctx context.Context) (Command, error)
	Close() error
}

// Client drives one producer's buffer and its single gRPC stream
//. The enqueueing side (Enqueue) never touches Transport;
// only the background goroutines started by Run do.
type Client struct {
	logger zerolog.Logger
	buffer *RingBuffer
	transport Transport

	flushInterval time.Duration
}

// NewClient returns a Client for one producer, bounded to
// bufferCapacity events.
func NewClient(logger zerolog.Logger, transport Transport, bufferCapacity int) *Client {
	return &Client{
		logger: logger.With().Str("component", "producer_client").Logger(),
		buffer: NewRingBuffer(bufferCapacity),
		transport: transport,
		flushInterval: 50 * time.Millisecond,
	}
}

// SetFlushInterval overrides the transmit loop's buffer-flush period.
func (c *Client) SetFlushInterval(d time.Duration) {
	c.flushInterval = d
}

// Enqueue buffers ev via RingBuffer.Enqueue: it never waits for buffer
// space or for the transport, but it takes the buffer's mutex.
func (c *Client) Enqueue(ev CaptureEvent) {
	c.buffer.Enqueue(ev)
}

// Run drives the command-receive loop and the transmit loop until ctx
// is cancelled. It reports the LostEvents count accumulated since the
// previous Run call (i.e. across a reconnect) via the returned value
// once the stream ends.
func (c *Client) Run(ctx context.Context) (lostEvents uint64, err error) {
	lostEvents = c.buffer.TakeLostCount()
	if lostEvents > 0 {
		c.logger.Warn().Uint64("lost_events", lostEvents).Msg("reporting events dropped before reconnect")
	}

	recording := false
	done := make(chan error, 1)

	go func() {
		done <- c.transmitLoop(ctx, &recording)
	}()

	for {
		cmd, recvErr := c.transport.Recv(ctx)
		if recvErr != nil {
			return lostEvents, fmt.Errorf("producer command stream: %w", recvErr)
		}

		switch cmd.Kind {
		case CommandStartCapture:
			c.buffer.Drain() // flush prior events.
			recording = true
			c.logger.Info().Int("pid", cmd.CaptureOptions.PID).Msg("capture started")
		case CommandStopCapture:
			recording = false
			if err := c.drainAndSignalDone(ctx); err != nil {
				return lostEvents, err
			}
		case CommandCaptureFinished:
			select {
			case transmitErr := <-done:
				return lostEvents, transmitErr
			case <-ctx.Done():
				return lostEvents, ctx.Err()
			}
		}
	}
}

// transmitLoop is the sole goroutine that calls Transport.Send (spec
// §4.8: "the transmit thread... is the only thread that touches the
// gRPC stream").
func (c *Client) transmitLoop(ctx context.Context, recording *bool) error {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !*recording {
				continue
			}
			if err := c.flush(ctx); err != nil {
				return err
			}
		}
	}
}

func (c *Client) flush(ctx context.Context) error {
	events := c.buffer.Drain()
	if len(events) == 0 {
		return nil
	}
	return c.transport.Send(ctx, events)
}

// drainAndSignalDone flushes every remaining buffered event after a
// StopCapture and sends AllEventsSent.
func (c *Client) drainAndSignalDone(ctx context.Context) error {
	if err := c.flush(ctx); err != nil {
		return err
	}
	return c.transport.SendAllEventsSent(ctx)
}
