// Package store defines the shared persistence interface for the pipeline:
// the similarity index, the notification idempotency cache, the subscriber
// preference snapshot source, and the dead-letter log. All coordination
// state between workers lives behind this interface; nothing in-process is
// assumed consistent across workers.
package store

import (
	"context"
	"time"

	"github.com/alfredjeanlab/newsflow/internal/model"
)

// NeighborMatch is the nearest accepted event for a queried embedding.
type NeighborMatch struct {
	EventID    string
	Similarity float64
}

// ReserveStatus is the outcome of a reservation attempt on an idempotency key.
type ReserveStatus int

const (
	// Reserved means this caller holds the key and must deliver, then
	// either commit or release.
	Reserved ReserveStatus = iota

	// AlreadySent means a committed notification exists for the key.
	AlreadySent

	// InFlight means another worker holds a live reservation on the key.
	// Expected under at-least-once redelivery; treated as success-no-op.
	InFlight
)

func (s ReserveStatus) String() string {
	switch s {
	case Reserved:
		return "reserved"
	case AlreadySent:
		return "already-sent"
	case InFlight:
		return "in-flight"
	default:
		return "unknown"
	}
}

// Store is the shared persistence contract. Implementations must make
// TryReserve an atomic check-and-set: of two concurrent calls for the same
// key, exactly one observes Reserved.
type Store interface {
	// NearestEvent returns the most similar accepted event published within
	// the recency window, or nil when the index holds no candidate. Ties on
	// similarity resolve to the earliest published event.
	NearestEvent(ctx context.Context, embedding []float32, window time.Duration) (*NeighborMatch, error)

	// InsertEventEmbedding adds an accepted event to the similarity index.
	// Idempotent: re-inserting an existing event ID is a no-op.
	InsertEventEmbedding(ctx context.Context, eventID string, embedding []float32, publishedAt time.Time) error

	// RecordDedup persists the filter verdict for an article. Write-once:
	// replays of the same article ID are no-ops.
	RecordDedup(ctx context.Context, rec *model.DedupRecord) error

	// GetDedup returns the recorded verdict for an article, or nil when the
	// article has not been seen. Replayed deliveries reuse the recorded
	// verdict so an article keeps the same event identity across retries.
	GetDedup(ctx context.Context, articleID string) (*model.DedupRecord, error)

	// TryReserve claims the (subscriber, event) idempotency key. An
	// uncommitted reservation older than the lease is treated as abandoned
	// and taken over.
	TryReserve(ctx context.Context, subscriberID, eventID string, lease time.Duration) (ReserveStatus, error)

	// CommitReservation marks the key as sent, starting the suppression
	// horizon.
	CommitReservation(ctx context.Context, subscriberID, eventID string) error

	// ReleaseReservation drops an uncommitted reservation so a later run
	// can retry the key. Committed records are never released.
	ReleaseReservation(ctx context.Context, subscriberID, eventID string) error

	// PurgeNotifications removes notification records older than the
	// retention horizon, returning the number removed.
	PurgeNotifications(ctx context.Context, retention time.Duration) (int64, error)

	// PruneIndex removes index entries older than the dedup window,
	// returning the number removed.
	PruneIndex(ctx context.Context, window time.Duration) (int64, error)

	// ListPreferences bulk-fetches the current subscriber preference set.
	ListPreferences(ctx context.Context) ([]*model.SubscriberPreference, error)

	// AddDeadLetter appends an operator-visible failure record.
	AddDeadLetter(ctx context.Context, dl *model.DeadLetter) error

	// ListDeadLetters returns dead letters created at or after since,
	// oldest first.
	ListDeadLetters(ctx context.Context, since time.Time) ([]*model.DeadLetter, error)

	Close() error
}
