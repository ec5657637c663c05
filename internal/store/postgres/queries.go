package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/newsflow/internal/model"
	"github.com/alfredjeanlab/newsflow/internal/store"
)

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queryNearestEvent finds the most similar indexed event published within
// the recency window. Cosine similarity is 1 - cosine distance (<=>).
// Ties on similarity resolve to the earliest published event so the oldest
// event keeps the identity.
func queryNearestEvent(ctx context.Context, db executor, embedding []float32, window time.Duration) (*store.NeighborMatch, error) {
	row := db.QueryRowContext(ctx, `
		SELECT event_id, 1 - (embedding <=> $1::vector) AS similarity
		FROM events
		WHERE published_at >= now() - ($2 * interval '1 second')
		ORDER BY similarity DESC, published_at ASC
		LIMIT 1`,
		vectorLiteral(embedding), window.Seconds())

	var m store.NeighborMatch
	if err := row.Scan(&m.EventID, &m.Similarity); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// queryInsertEventEmbedding inserts an accepted event into the index.
// ON CONFLICT DO NOTHING keeps replays of the same event harmless.
func queryInsertEventEmbedding(ctx context.Context, db executor, eventID string, embedding []float32, publishedAt time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO events (event_id, embedding, published_at)
		VALUES ($1, $2::vector, $3)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, vectorLiteral(embedding), publishedAt)
	return err
}

// queryRecordDedup persists the filter verdict for an article, once.
func queryRecordDedup(ctx context.Context, db executor, rec *model.DedupRecord) error {
	flags := rec.QualityFlags
	if flags == nil {
		flags = []string{}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO dedup_records (
			article_id, event_id, is_duplicate, duplicate_of,
			max_similarity, threshold, quality_flags, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (article_id) DO NOTHING`,
		rec.ArticleID,
		rec.EventID,
		rec.IsDuplicate,
		nullString(rec.DuplicateOf),
		rec.MaxSimilarityScore,
		rec.SimilarityThreshold,
		pq.Array(flags),
	)
	return err
}

// queryGetDedup returns the recorded verdict for an article, nil if unseen.
func queryGetDedup(ctx context.Context, db executor, articleID string) (*model.DedupRecord, error) {
	row := db.QueryRowContext(ctx, `
		SELECT article_id, event_id, is_duplicate, duplicate_of,
			max_similarity, threshold, quality_flags
		FROM dedup_records
		WHERE article_id = $1`,
		articleID)

	rec, err := scanDedupRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// queryTryReserve claims the (subscriber, event) idempotency key in a single
// atomic statement. The conditional upsert only succeeds when no row exists,
// or when the existing row is an uncommitted reservation whose lease has
// expired (an abandoned claim from a crashed worker).
func queryTryReserve(ctx context.Context, db executor, subscriberID, eventID string, lease time.Duration) (store.ReserveStatus, error) {
	row := db.QueryRowContext(ctx, `
		INSERT INTO notifications (subscriber_id, event_id, reserved_at)
		VALUES ($1, $2, now())
		ON CONFLICT (subscriber_id, event_id) DO UPDATE
			SET reserved_at = now()
			WHERE notifications.sent_at IS NULL
			  AND notifications.reserved_at <= now() - ($3 * interval '1 second')
		RETURNING reserved_at`,
		subscriberID, eventID, lease.Seconds())

	var reservedAt time.Time
	err := row.Scan(&reservedAt)
	if err == nil {
		return store.Reserved, nil
	}
	if err != sql.ErrNoRows {
		return store.InFlight, err
	}

	// The upsert touched nothing: either the key was already sent, or
	// another worker holds a live reservation.
	row = db.QueryRowContext(ctx, `
		SELECT sent_at FROM notifications
		WHERE subscriber_id = $1 AND event_id = $2`,
		subscriberID, eventID)

	var sentAt sql.NullTime
	if err := row.Scan(&sentAt); err != nil {
		if err == sql.ErrNoRows {
			// Row vanished between statements (released or purged);
			// the caller retries on redelivery.
			return store.InFlight, nil
		}
		return store.InFlight, err
	}
	if sentAt.Valid {
		return store.AlreadySent, nil
	}
	return store.InFlight, nil
}

func queryCommitReservation(ctx context.Context, db executor, subscriberID, eventID string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE notifications SET sent_at = now()
		WHERE subscriber_id = $1 AND event_id = $2 AND sent_at IS NULL`,
		subscriberID, eventID)
	return err
}

func queryReleaseReservation(ctx context.Context, db executor, subscriberID, eventID string) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE subscriber_id = $1 AND event_id = $2 AND sent_at IS NULL`,
		subscriberID, eventID)
	return err
}

// queryPurgeNotifications drops records past the suppression horizon, plus
// uncommitted reservations old enough that no worker can still hold them.
func queryPurgeNotifications(ctx context.Context, db executor, retention time.Duration) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE (sent_at IS NOT NULL AND sent_at < now() - ($1 * interval '1 second'))
		   OR (sent_at IS NULL AND reserved_at < now() - ($1 * interval '1 second'))`,
		retention.Seconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func queryPruneIndex(ctx context.Context, db executor, window time.Duration) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM events
		WHERE published_at < now() - ($1 * interval '1 second')`,
		window.Seconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func queryListPreferences(ctx context.Context, db executor) ([]*model.SubscriberPreference, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT subscriber_id, entity_filter, event_type_filter,
			min_risk_score, contact_address
		FROM subscriber_preferences
		ORDER BY subscriber_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPreferences(rows)
}

func queryAddDeadLetter(ctx context.Context, db executor, dl *model.DeadLetter) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO dead_letters (stage, reason, payload, created_at)
		VALUES ($1, $2, $3, now())`,
		dl.Stage, dl.Reason, jsonbBytes(dl.Payload))
	return err
}

func queryListDeadLetters(ctx context.Context, db executor, since time.Time) ([]*model.DeadLetter, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, stage, reason, payload, created_at
		FROM dead_letters
		WHERE created_at >= $1
		ORDER BY created_at ASC`,
		since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeadLetters(rows)
}
