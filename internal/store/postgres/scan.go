package postgres

import (
	"database/sql"
	"encoding/json"
	"strconv"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/newsflow/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// vectorLiteral renders an embedding as a pgvector input literal, e.g.
// "[0.1,0.2,0.3]". lib/pq has no native vector support, so vectors cross
// the wire as text and are cast with ::vector in the query.
func vectorLiteral(v []float32) string {
	buf := make([]byte, 0, len(v)*10+2)
	buf = append(buf, '[')
	for i, f := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, float64(f), 'g', -1, 32)
	}
	buf = append(buf, ']')
	return string(buf)
}

// scanPreference scans a single row into a model.SubscriberPreference.
func scanPreference(row scannable) (*model.SubscriberPreference, error) {
	var p model.SubscriberPreference
	var contact sql.NullString
	err := row.Scan(
		&p.SubscriberID,
		pq.Array(&p.EntityFilter),
		pq.Array(&p.EventTypeFilter),
		&p.MinRiskScore,
		&contact,
	)
	if err != nil {
		return nil, err
	}
	p.ContactAddress = contact.String
	return &p, nil
}

// scanPreferences scans multiple rows into a slice of preference pointers.
func scanPreferences(rows *sql.Rows) ([]*model.SubscriberPreference, error) {
	var prefs []*model.SubscriberPreference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, err
		}
		prefs = append(prefs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return prefs, nil
}

// scanDedupRecord scans a single row into a model.DedupRecord.
func scanDedupRecord(row scannable) (*model.DedupRecord, error) {
	var rec model.DedupRecord
	var duplicateOf sql.NullString
	err := row.Scan(
		&rec.ArticleID,
		&rec.EventID,
		&rec.IsDuplicate,
		&duplicateOf,
		&rec.MaxSimilarityScore,
		&rec.SimilarityThreshold,
		pq.Array(&rec.QualityFlags),
	)
	if err != nil {
		return nil, err
	}
	rec.DuplicateOf = duplicateOf.String
	return &rec, nil
}

// scanDeadLetter scans a single row into a model.DeadLetter.
func scanDeadLetter(row scannable) (*model.DeadLetter, error) {
	var dl model.DeadLetter
	var payload []byte
	err := row.Scan(&dl.ID, &dl.Stage, &dl.Reason, &payload, &dl.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		dl.Payload = json.RawMessage(payload)
	}
	return &dl, nil
}

// scanDeadLetters scans multiple rows into a slice of dead-letter pointers.
func scanDeadLetters(rows *sql.Rows) ([]*model.DeadLetter, error) {
	var dls []*model.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		dls = append(dls, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return dls, nil
}

// nullString converts a string to sql.NullString; empty string is null.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// jsonbBytes converts json.RawMessage to a []byte suitable for JSONB columns.
func jsonbBytes(m json.RawMessage) []byte {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}
