package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const fetchBatch = 16

// Bus wraps a NATS connection with JetStream enabled.
type Bus struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// Compile-time check that Bus implements Publisher.
var _ Publisher = (*Bus)(nil)

// Connect dials NATS with automatic reconnection and initializes JetStream.
// Extra nats.Option values (e.g. disconnect handlers) can be appended.
func Connect(url string, opts ...nats.Option) (*Bus, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("initializing JetStream: %w", err)
	}
	return &Bus{conn: nc, js: js}, nil
}

// EnsureStream creates or updates the stream carrying the given subjects.
func (b *Bus) EnsureStream(ctx context.Context, name string, subjects []string) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: subjects,
	})
	if err != nil {
		return fmt.Errorf("ensuring stream %s: %w", name, err)
	}
	return nil
}

// Publish JSON-encodes the record and publishes it with acknowledgment from
// the stream, so a returned nil means the log has the record.
func (b *Bus) Publish(ctx context.Context, subject string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

func (b *Bus) Close() error {
	b.conn.Close()
	return nil
}

// Consumer is a durable pull consumer. Multiple workers running against the
// same durable name share it, so messages are load-balanced across them the
// way a consumer group balances partitions.
type Consumer struct {
	cons   jetstream.Consumer
	logger *slog.Logger
}

// Consumer creates or looks up the durable consumer for the given subject.
// AckWait bounds how long a fetched message may stay unacknowledged before
// the server redelivers it to another worker.
func (b *Bus) Consumer(ctx context.Context, streamName, durable, subject string, ackWait time.Duration, logger *slog.Logger) (*Consumer, error) {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer %s on %s: %w", durable, streamName, err)
	}
	return &Consumer{cons: cons, logger: logger}, nil
}

// Run fetches and handles messages until ctx is cancelled. Cancellation
// stops new fetches immediately; messages already fetched are still handed
// to the handler so in-flight reservations can complete or be released.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := c.cons.Fetch(fetchBatch, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			c.logger.Error("fetch failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for msg := range batch.Messages() {
			c.acknowledge(msg, h(ctx, msg.Data()))
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			c.logger.Warn("fetch batch error", "err", err)
		}
	}
}

func (c *Consumer) acknowledge(msg jetstream.Msg, outcome Outcome) {
	var err error
	switch outcome {
	case Done:
		err = msg.Ack()
	case Retry:
		err = msg.Nak()
	case Reject:
		err = msg.Term()
	}
	if err != nil {
		c.logger.Warn("acknowledge failed", "outcome", int(outcome), "err", err)
	}
}
