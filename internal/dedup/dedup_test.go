package dedup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alfredjeanlab/newsflow/internal/model"
	"github.com/alfredjeanlab/newsflow/internal/store"
)

// fakeStore is a scripted similarity index plus verdict log.
type fakeStore struct {
	nearest    *store.NeighborMatch
	queryErr   error
	queryFails int // fail this many queries before succeeding
	insertErr  error
	recordErr  error
	getErr     error

	records     map[string]*model.DedupRecord
	queryCalls  int
	inserted    []string
	insertTimes []time.Time
	recorded    []*model.DedupRecord
}

func (f *fakeStore) NearestEvent(ctx context.Context, embedding []float32, window time.Duration) (*store.NeighborMatch, error) {
	f.queryCalls++
	if f.queryFails > 0 {
		f.queryFails--
		return nil, errors.New("index unavailable")
	}
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.nearest, nil
}

func (f *fakeStore) InsertEventEmbedding(ctx context.Context, eventID string, embedding []float32, publishedAt time.Time) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, eventID)
	f.insertTimes = append(f.insertTimes, publishedAt)
	return nil
}

func (f *fakeStore) RecordDedup(ctx context.Context, rec *model.DedupRecord) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.recorded = append(f.recorded, rec)
	return nil
}

func (f *fakeStore) GetDedup(ctx context.Context, articleID string) (*model.DedupRecord, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.records[articleID], nil
}

func newTestFilter(st Store) *Filter {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return New(st, 0.85, 48*time.Hour, 3, time.Millisecond, logger)
}

func article(id string) *model.Article {
	return &model.Article{
		ArticleID:     id,
		Title:         "Acme Corp acquires Widget Inc",
		PrimaryEntity: "Acme Corp",
		EventType:     "acquisition",
		RiskScore:     7,
		Embedding:     []float32{0.1, 0.2, 0.3},
		PublishedAt:   time.Now(),
	}
}

func TestFilterUnique(t *testing.T) {
	st := &fakeStore{nearest: &store.NeighborMatch{EventID: "ev-old", Similarity: 0.40}}
	f := newTestFilter(st)

	rec, err := f.Filter(context.Background(), article("art-1"))
	if err != nil {
		t.Fatalf("Filter() error: %v", err)
	}
	if rec.IsDuplicate {
		t.Error("below-threshold article classified as duplicate")
	}
	if rec.EventID == "" || rec.Event == nil {
		t.Fatalf("unique record missing event: %+v", rec)
	}
	if rec.MaxSimilarityScore != 0.40 {
		t.Errorf("MaxSimilarityScore = %v, want 0.40", rec.MaxSimilarityScore)
	}
	if len(st.inserted) != 1 || st.inserted[0] != rec.EventID {
		t.Errorf("inserted = %v, want exactly [%s]", st.inserted, rec.EventID)
	}
	if len(st.recorded) != 1 || st.recorded[0].ArticleID != "art-1" {
		t.Errorf("recorded = %+v, want one verdict for art-1", st.recorded)
	}
	if len(rec.QualityFlags) != 0 {
		t.Errorf("unexpected quality flags: %v", rec.QualityFlags)
	}
}

func TestFilterDuplicate(t *testing.T) {
	st := &fakeStore{nearest: &store.NeighborMatch{EventID: "ev-first", Similarity: 0.92}}
	f := newTestFilter(st)

	rec, err := f.Filter(context.Background(), article("art-2"))
	if err != nil {
		t.Fatalf("Filter() error: %v", err)
	}
	if !rec.IsDuplicate {
		t.Fatal("above-threshold article not classified as duplicate")
	}
	if rec.DuplicateOf != "ev-first" || rec.EventID != "ev-first" {
		t.Errorf("duplicate_of = %q, event_id = %q, want ev-first", rec.DuplicateOf, rec.EventID)
	}
	if rec.Event != nil {
		t.Error("duplicate record should not carry an event")
	}
	if len(st.inserted) != 0 {
		t.Errorf("duplicate must not be inserted into the index: %v", st.inserted)
	}
	if len(st.recorded) != 1 {
		t.Errorf("duplicate verdict not persisted: %+v", st.recorded)
	}
}

func TestFilterThresholdBoundary(t *testing.T) {
	// Similarity exactly at the threshold is a duplicate.
	st := &fakeStore{nearest: &store.NeighborMatch{EventID: "ev-x", Similarity: 0.85}}
	f := newTestFilter(st)

	rec, err := f.Filter(context.Background(), article("art-3"))
	if err != nil {
		t.Fatalf("Filter() error: %v", err)
	}
	if !rec.IsDuplicate {
		t.Error("similarity == threshold should classify as duplicate")
	}
}

func TestFilterEmptyIndex(t *testing.T) {
	st := &fakeStore{}
	f := newTestFilter(st)

	rec, err := f.Filter(context.Background(), article("art-4"))
	if err != nil {
		t.Fatalf("Filter() error: %v", err)
	}
	if rec.IsDuplicate {
		t.Error("article against empty index classified as duplicate")
	}
	if rec.MaxSimilarityScore != 0 {
		t.Errorf("MaxSimilarityScore = %v, want 0", rec.MaxSimilarityScore)
	}
}

func TestFilterMissingEmbedding(t *testing.T) {
	st := &fakeStore{nearest: &store.NeighborMatch{EventID: "ev-x", Similarity: 0.99}}
	f := newTestFilter(st)

	a := article("art-5")
	a.Embedding = []float32{0, 0, 0}

	rec, err := f.Filter(context.Background(), a)
	if err != nil {
		t.Fatalf("Filter() error: %v", err)
	}
	if rec.IsDuplicate {
		t.Error("degenerate embedding must never match the index")
	}
	if !rec.Event.HasFlag(model.FlagMissingEmbedding) {
		t.Errorf("missing-embedding flag not set: %v", rec.QualityFlags)
	}
	if st.queryCalls != 0 {
		t.Errorf("index queried %d times for a degenerate embedding", st.queryCalls)
	}
	if len(st.inserted) != 0 {
		t.Errorf("degenerate embedding inserted into index: %v", st.inserted)
	}
}

func TestFilterIndexOutageFailsOpen(t *testing.T) {
	st := &fakeStore{queryErr: errors.New("connection refused")}
	f := newTestFilter(st)

	rec, err := f.Filter(context.Background(), article("art-6"))
	if err != nil {
		t.Fatalf("Filter() error: %v", err)
	}
	if rec.IsDuplicate {
		t.Error("outage must not classify as duplicate")
	}
	if !rec.Event.HasFlag(model.FlagDedupSkipped) {
		t.Errorf("dedup-skipped flag not set: %v", rec.QualityFlags)
	}
	if st.queryCalls != 3 {
		t.Errorf("query attempted %d times, want 3 (bounded retry)", st.queryCalls)
	}
	if len(st.inserted) != 0 {
		t.Error("unverified event must not be inserted into the index")
	}
}

func TestFilterIndexRecoversWithinBudget(t *testing.T) {
	st := &fakeStore{
		queryFails: 2,
		nearest:    &store.NeighborMatch{EventID: "ev-first", Similarity: 0.92},
	}
	f := newTestFilter(st)

	rec, err := f.Filter(context.Background(), article("art-7"))
	if err != nil {
		t.Fatalf("Filter() error: %v", err)
	}
	if !rec.IsDuplicate {
		t.Error("expected duplicate once the index recovered")
	}
	if rec.Event != nil && rec.Event.HasFlag(model.FlagDedupSkipped) {
		t.Error("recovered query must not carry dedup-skipped")
	}
}

func TestFilterInsertFailureFlagsEvent(t *testing.T) {
	st := &fakeStore{insertErr: errors.New("write timeout")}
	f := newTestFilter(st)

	rec, err := f.Filter(context.Background(), article("art-8"))
	if err != nil {
		t.Fatalf("Filter() error: %v", err)
	}
	if rec.IsDuplicate {
		t.Error("insert failure must not change the verdict")
	}
	if !rec.Event.HasFlag(model.FlagDedupSkipped) {
		t.Errorf("dedup-skipped flag not set after insert failure: %v", rec.QualityFlags)
	}
}

func TestFilterReplaysUniqueVerdict(t *testing.T) {
	// A redelivered accepted article must keep its recorded event identity
	// even though its own embedding would now match the index at ~1.0.
	st := &fakeStore{
		nearest: &store.NeighborMatch{EventID: "ev-prior", Similarity: 0.99},
		records: map[string]*model.DedupRecord{
			"art-10": {
				ArticleID:           "art-10",
				EventID:             "ev-prior",
				IsDuplicate:         false,
				MaxSimilarityScore:  0.40,
				SimilarityThreshold: 0.85,
			},
		},
	}
	f := newTestFilter(st)

	rec, err := f.Filter(context.Background(), article("art-10"))
	if err != nil {
		t.Fatalf("Filter() error: %v", err)
	}
	if rec.IsDuplicate {
		t.Error("replay turned an accepted article into a duplicate")
	}
	if rec.EventID != "ev-prior" {
		t.Errorf("event_id = %q, want the recorded ev-prior", rec.EventID)
	}
	if rec.Event == nil || rec.Event.EventID != "ev-prior" {
		t.Errorf("replayed record missing rebuilt event: %+v", rec.Event)
	}
	if st.queryCalls != 0 {
		t.Errorf("index queried %d times on replay, want 0", st.queryCalls)
	}
	if len(st.recorded) != 0 {
		t.Errorf("replay re-persisted a verdict: %+v", st.recorded)
	}
	// The insert is re-attempted to heal a crash between verdict and index.
	if len(st.inserted) != 1 || st.inserted[0] != "ev-prior" {
		t.Errorf("inserted = %v, want [ev-prior]", st.inserted)
	}
}

func TestFilterReplaysDuplicateVerdict(t *testing.T) {
	st := &fakeStore{
		records: map[string]*model.DedupRecord{
			"art-11": {
				ArticleID:           "art-11",
				EventID:             "ev-first",
				IsDuplicate:         true,
				DuplicateOf:         "ev-first",
				MaxSimilarityScore:  0.92,
				SimilarityThreshold: 0.85,
			},
		},
	}
	f := newTestFilter(st)

	rec, err := f.Filter(context.Background(), article("art-11"))
	if err != nil {
		t.Fatalf("Filter() error: %v", err)
	}
	if !rec.IsDuplicate || rec.DuplicateOf != "ev-first" {
		t.Errorf("replayed duplicate verdict lost: %+v", rec)
	}
	if rec.Event != nil {
		t.Error("replayed duplicate must not carry an event")
	}
	if len(st.inserted) != 0 || st.queryCalls != 0 {
		t.Error("replayed duplicate must not touch the index")
	}
}

func TestFilterReplaySkipsUnverifiedEmbedding(t *testing.T) {
	// A verdict recorded during an index outage stays out of the index on
	// replay too.
	st := &fakeStore{
		records: map[string]*model.DedupRecord{
			"art-12": {
				ArticleID:           "art-12",
				EventID:             "ev-open",
				IsDuplicate:         false,
				SimilarityThreshold: 0.85,
				QualityFlags:        []string{model.FlagDedupSkipped},
			},
		},
	}
	f := newTestFilter(st)

	rec, err := f.Filter(context.Background(), article("art-12"))
	if err != nil {
		t.Fatalf("Filter() error: %v", err)
	}
	if !rec.Event.HasFlag(model.FlagDedupSkipped) {
		t.Errorf("recorded flags not carried onto the rebuilt event: %v", rec.Event.QualityFlags)
	}
	if len(st.inserted) != 0 {
		t.Errorf("unverified embedding inserted on replay: %v", st.inserted)
	}
}

func TestFilterVerdictReadFailure(t *testing.T) {
	st := &fakeStore{getErr: errors.New("connection refused")}
	f := newTestFilter(st)

	if _, err := f.Filter(context.Background(), article("art-13")); err == nil {
		t.Fatal("expected error when the verdict log is unreadable")
	}
	if st.queryCalls != 0 {
		t.Error("classification must not run without the verdict log")
	}
}

func TestFilterVerdictWriteFailure(t *testing.T) {
	st := &fakeStore{recordErr: errors.New("write timeout")}
	f := newTestFilter(st)

	if _, err := f.Filter(context.Background(), article("art-14")); err == nil {
		t.Fatal("expected error when the verdict cannot be persisted")
	}
	if len(st.inserted) != 0 {
		t.Error("embedding inserted before the verdict was durable")
	}
}

func TestFilterCancelledContext(t *testing.T) {
	st := &fakeStore{queryErr: errors.New("slow index")}
	f := newTestFilter(st)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Cancellation during the retry backoff surfaces as fail-open.
	rec, err := f.Filter(ctx, article("art-9"))
	if err != nil {
		t.Fatalf("Filter() error: %v", err)
	}
	if !rec.Event.HasFlag(model.FlagDedupSkipped) {
		t.Error("expected dedup-skipped after cancelled retries")
	}
}
