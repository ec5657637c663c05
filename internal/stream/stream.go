// Package stream connects the pipeline to its partitioned logs: a JetStream
// stream for enriched articles in and dedup records out, consumed through a
// durable pull consumer that gives at-least-once delivery with explicit acks.
package stream

import "context"

// Publisher publishes JSON-encoded records to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, record any) error
	Close() error
}

// Outcome tells the consumer loop how to acknowledge a handled message.
type Outcome int

const (
	// Done acknowledges the message; it will not be redelivered.
	Done Outcome = iota

	// Retry negatively acknowledges the message for redelivery. Used for
	// transient failures; every side effect behind it must be idempotent.
	Retry

	// Reject terminates the message: it can never succeed and has been
	// dead-lettered by the handler.
	Reject
)

// Handler processes one raw message and reports how to acknowledge it.
// Handlers must be safe to invoke again with the same payload.
type Handler func(ctx context.Context, data []byte) Outcome

// NoopPublisher discards all records. Used when an output subject is not
// configured, e.g. in one-shot CLI commands.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, subject string, record any) error { return nil }

func (NoopPublisher) Close() error { return nil }
