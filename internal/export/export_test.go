package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/newsflow/internal/model"
	"github.com/alfredjeanlab/newsflow/internal/store"
)

// mockStore implements store.Store over an in-memory dead-letter list.
type mockStore struct {
	mu      sync.Mutex
	letters []*model.DeadLetter
	listErr error
}

func (m *mockStore) ListDeadLetters(ctx context.Context, since time.Time) ([]*model.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*model.DeadLetter
	for _, dl := range m.letters {
		if !dl.CreatedAt.Before(since) {
			out = append(out, dl)
		}
	}
	return out, nil
}

func (m *mockStore) NearestEvent(ctx context.Context, embedding []float32, window time.Duration) (*store.NeighborMatch, error) {
	return nil, nil
}
func (m *mockStore) InsertEventEmbedding(ctx context.Context, eventID string, embedding []float32, publishedAt time.Time) error {
	return nil
}
func (m *mockStore) RecordDedup(ctx context.Context, rec *model.DedupRecord) error { return nil }
func (m *mockStore) GetDedup(ctx context.Context, articleID string) (*model.DedupRecord, error) {
	return nil, nil
}
func (m *mockStore) TryReserve(ctx context.Context, subscriberID, eventID string, lease time.Duration) (store.ReserveStatus, error) {
	return store.Reserved, nil
}
func (m *mockStore) CommitReservation(ctx context.Context, subscriberID, eventID string) error {
	return nil
}
func (m *mockStore) ReleaseReservation(ctx context.Context, subscriberID, eventID string) error {
	return nil
}
func (m *mockStore) PurgeNotifications(ctx context.Context, retention time.Duration) (int64, error) {
	return 0, nil
}
func (m *mockStore) PruneIndex(ctx context.Context, window time.Duration) (int64, error) {
	return 0, nil
}
func (m *mockStore) ListPreferences(ctx context.Context) ([]*model.SubscriberPreference, error) {
	return nil, nil
}
func (m *mockStore) AddDeadLetter(ctx context.Context, dl *model.DeadLetter) error { return nil }
func (m *mockStore) Close() error                                                  { return nil }

// memDestination collects written batches.
type memDestination struct {
	mu      sync.Mutex
	err     error
	batches [][]byte
}

func (d *memDestination) Write(ctx context.Context, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	d.batches = append(d.batches, cp)
	return nil
}

func deadLetter(id int64, createdAt time.Time) *model.DeadLetter {
	return &model.DeadLetter{
		ID:        id,
		Stage:     model.StageDispatch,
		Reason:    "smtp timeout",
		Payload:   json.RawMessage(`{"subscriber_id":"sub-1"}`),
		CreatedAt: createdAt,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestExportJSONL(t *testing.T) {
	now := time.Now()
	st := &mockStore{letters: []*model.DeadLetter{
		deadLetter(1, now.Add(-2*time.Minute)),
		deadLetter(2, now.Add(-time.Minute)),
	}}

	var buf bytes.Buffer
	count, err := ExportJSONL(context.Background(), st, now.Add(-time.Hour), &buf)
	if err != nil {
		t.Fatalf("ExportJSONL() error: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2 records", len(lines))
	}

	var h header
	if err := json.Unmarshal([]byte(lines[0]), &h); err != nil {
		t.Fatalf("unmarshaling header: %v", err)
	}
	if h.Type != "header" || h.Version != "1" || h.Count != 2 {
		t.Errorf("header = %+v", h)
	}

	var rec record
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("unmarshaling record: %v", err)
	}
	if rec.Type != "dead_letter" {
		t.Errorf("record type = %q, want dead_letter", rec.Type)
	}
}

func TestExportJSONLEmpty(t *testing.T) {
	st := &mockStore{}

	var buf bytes.Buffer
	count, err := ExportJSONL(context.Background(), st, time.Now(), &buf)
	if err != nil {
		t.Fatalf("ExportJSONL() error: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Errorf("got %d lines, want header only", len(lines))
	}
}

func TestExportJSONLStoreError(t *testing.T) {
	st := &mockStore{listErr: errors.New("database down")}

	var buf bytes.Buffer
	if _, err := ExportJSONL(context.Background(), st, time.Time{}, &buf); err == nil {
		t.Fatal("expected error from unreadable store")
	}
}

func TestSchedulerCursorOnlyAdvancesOnSuccess(t *testing.T) {
	st := &mockStore{letters: []*model.DeadLetter{deadLetter(1, time.Now())}}
	dest := &memDestination{err: errors.New("bucket unavailable")}
	s := NewScheduler(st, []Destination{dest}, time.Hour, testLogger())

	// Failed write: cursor stays put, the batch is re-exported next tick.
	s.exportOnce(context.Background())
	if !s.since.IsZero() {
		t.Error("cursor advanced past a failed destination write")
	}

	dest.mu.Lock()
	dest.err = nil
	dest.mu.Unlock()

	s.exportOnce(context.Background())
	if s.since.IsZero() {
		t.Error("cursor did not advance after a successful export")
	}
	if len(dest.batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(dest.batches))
	}

	// Everything already shipped: the next pass exports nothing.
	s.exportOnce(context.Background())
	if len(dest.batches) != 1 {
		t.Errorf("re-exported an already shipped batch: %d batches", len(dest.batches))
	}
}

func TestSchedulerStartStop(t *testing.T) {
	st := &mockStore{letters: []*model.DeadLetter{deadLetter(1, time.Now())}}
	dest := &memDestination{}
	s := NewScheduler(st, []Destination{dest}, time.Hour, testLogger())

	s.Start()
	s.Stop()

	dest.mu.Lock()
	defer dest.mu.Unlock()
	if len(dest.batches) != 1 {
		t.Errorf("initial export did not run: %d batches", len(dest.batches))
	}
}

func TestS3ObjectKey(t *testing.T) {
	fixed := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	d := &S3Destination{prefix: "newsflow/dead-letters", now: func() time.Time { return fixed }}
	if got, want := d.objectKey(), "newsflow/dead-letters/dead-letters-20260830T120000Z.jsonl"; got != want {
		t.Errorf("objectKey() = %q, want %q", got, want)
	}

	d = &S3Destination{now: func() time.Time { return fixed }}
	if got, want := d.objectKey(), "dead-letters-20260830T120000Z.jsonl"; got != want {
		t.Errorf("objectKey() = %q, want %q", got, want)
	}
}
