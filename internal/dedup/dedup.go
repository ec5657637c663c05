// Package dedup implements the near-duplicate filter: each incoming article
// is matched against recently accepted events by embedding similarity, and
// either collapsed into an existing event or accepted as a new one. Verdicts
// are write-once per article, so redelivered articles keep the same event
// identity instead of being re-classified against an index they already
// contributed to.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/newsflow/internal/idgen"
	"github.com/alfredjeanlab/newsflow/internal/model"
	"github.com/alfredjeanlab/newsflow/internal/store"
)

// Store is the persistence surface the filter needs: the similarity index
// plus the write-once verdict log.
type Store interface {
	NearestEvent(ctx context.Context, embedding []float32, window time.Duration) (*store.NeighborMatch, error)
	InsertEventEmbedding(ctx context.Context, eventID string, embedding []float32, publishedAt time.Time) error
	RecordDedup(ctx context.Context, rec *model.DedupRecord) error
	GetDedup(ctx context.Context, articleID string) (*model.DedupRecord, error)
}

// Filter classifies articles as unique or duplicate against the index.
type Filter struct {
	store       Store
	threshold   float64
	window      time.Duration
	maxAttempts int
	backoffBase time.Duration
	logger      *slog.Logger
}

// New creates a filter. threshold is the cosine similarity at or above which
// an article is a duplicate; window bounds how far back candidates are
// considered.
func New(st Store, threshold float64, window time.Duration, maxAttempts int, backoffBase time.Duration, logger *slog.Logger) *Filter {
	return &Filter{
		store:       st,
		threshold:   threshold,
		window:      window,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		logger:      logger,
	}
}

// Filter classifies one article. The returned record always carries a
// verdict: index outages degrade to accepting the article with a
// dedup-skipped flag rather than losing it, and articles without a usable
// embedding are accepted unmatched with a missing-embedding flag.
//
// A redelivered article replays its recorded verdict rather than being
// re-classified. Without that, an accepted article whose embedding already
// landed in the index would match itself on redelivery and collapse into a
// duplicate of its own event. An error return means the verdict could not
// be read or persisted; the caller should retry the delivery.
func (f *Filter) Filter(ctx context.Context, article *model.Article) (*model.DedupRecord, error) {
	var existing *model.DedupRecord
	err := f.withRetry(ctx, func() error {
		var gerr error
		existing, gerr = f.store.GetDedup(ctx, article.ArticleID)
		return gerr
	})
	if err != nil {
		return nil, fmt.Errorf("loading verdict for %s: %w", article.ArticleID, err)
	}
	if existing != nil {
		return f.replay(ctx, article, existing), nil
	}

	rec, err := f.classify(ctx, article)
	if err != nil {
		return nil, err
	}

	err = f.withRetry(ctx, func() error {
		return f.store.RecordDedup(ctx, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("persisting verdict for %s: %w", article.ArticleID, err)
	}

	if rec.Event != nil && f.indexable(rec, article) {
		f.insertEmbedding(ctx, rec, article)
	}
	return rec, nil
}

// classify produces a fresh verdict for an unseen article.
func (f *Filter) classify(ctx context.Context, article *model.Article) (*model.DedupRecord, error) {
	if !article.HasUsableEmbedding() {
		f.logger.Warn("article has no usable embedding, skipping similarity match",
			"article_id", article.ArticleID)
		return f.accept(article, 0, model.FlagMissingEmbedding)
	}

	var nearest *store.NeighborMatch
	err := f.withRetry(ctx, func() error {
		var qerr error
		nearest, qerr = f.store.NearestEvent(ctx, article.Embedding, f.window)
		return qerr
	})
	if err != nil {
		// Fail open: forward the article, flag it, leave it out of the
		// index so it never becomes an identity other articles bind to.
		f.logger.Error("similarity index unavailable, accepting article unchecked",
			"article_id", article.ArticleID, "err", err)
		return f.accept(article, 0, model.FlagDedupSkipped)
	}

	maxSimilarity := 0.0
	if nearest != nil {
		maxSimilarity = nearest.Similarity
	}

	if nearest != nil && nearest.Similarity >= f.threshold {
		f.logger.Info("duplicate detected",
			"article_id", article.ArticleID,
			"duplicate_of", nearest.EventID,
			"similarity", nearest.Similarity)
		return &model.DedupRecord{
			ArticleID:           article.ArticleID,
			EventID:             nearest.EventID,
			IsDuplicate:         true,
			DuplicateOf:         nearest.EventID,
			MaxSimilarityScore:  nearest.Similarity,
			SimilarityThreshold: f.threshold,
		}, nil
	}

	return f.accept(article, maxSimilarity)
}

// replay rebuilds the outbound record from a previously persisted verdict.
// The embedding insert is re-attempted because the original delivery may
// have crashed between persisting the verdict and registering the index
// entry; the insert is idempotent so a healed index is the worst case.
func (f *Filter) replay(ctx context.Context, article *model.Article, rec *model.DedupRecord) *model.DedupRecord {
	f.logger.Info("replaying recorded verdict",
		"article_id", article.ArticleID,
		"event_id", rec.EventID,
		"is_duplicate", rec.IsDuplicate)

	if !rec.IsDuplicate {
		rec.Event = f.buildEvent(article, rec.EventID, rec.QualityFlags)
		if f.indexable(rec, article) {
			f.insertEmbedding(ctx, rec, article)
		}
	}
	return rec
}

// indexable reports whether the accepted article's embedding belongs in the
// index. Unverified embeddings stay out: a dedup-skipped article was never
// checked against its neighbors, so registering it would let an unvetted
// identity absorb later articles.
func (f *Filter) indexable(rec *model.DedupRecord, article *model.Article) bool {
	return article.HasUsableEmbedding() &&
		!rec.HasFlag(model.FlagDedupSkipped) &&
		!rec.HasFlag(model.FlagMissingEmbedding)
}

// insertEmbedding registers the accepted event in the index, best effort.
// The event still flows downstream on failure; it just cannot serve as a
// dedup identity for followers until a redelivery heals the insert.
func (f *Filter) insertEmbedding(ctx context.Context, rec *model.DedupRecord, article *model.Article) {
	err := f.withRetry(ctx, func() error {
		return f.store.InsertEventEmbedding(ctx, rec.EventID, article.Embedding, article.PublishedAt)
	})
	if err != nil {
		f.logger.Error("index insert failed, event not registered for dedup",
			"event_id", rec.EventID, "err", err)
		rec.QualityFlags = append(rec.QualityFlags, model.FlagDedupSkipped)
		rec.Event.QualityFlags = rec.QualityFlags
	}
}

// accept assigns a fresh event identity to the article.
func (f *Filter) accept(article *model.Article, maxSimilarity float64, flags ...string) (*model.DedupRecord, error) {
	eventID, err := idgen.Generate()
	if err != nil {
		return nil, fmt.Errorf("assigning event id: %w", err)
	}
	return &model.DedupRecord{
		ArticleID:           article.ArticleID,
		EventID:             eventID,
		IsDuplicate:         false,
		MaxSimilarityScore:  maxSimilarity,
		SimilarityThreshold: f.threshold,
		QualityFlags:        flags,
		Event:               f.buildEvent(article, eventID, flags),
	}, nil
}

func (f *Filter) buildEvent(article *model.Article, eventID string, flags []string) *model.Event {
	return &model.Event{
		EventID:         eventID,
		SourceArticleID: article.ArticleID,
		Title:           article.Title,
		URL:             article.URL,
		PrimaryEntity:   article.PrimaryEntity,
		EventType:       article.EventType,
		Sentiment:       article.Sentiment,
		ShortSummary:    article.ShortSummary,
		RiskScore:       article.RiskScore,
		PublishedAt:     article.PublishedAt,
		QualityFlags:    flags,
	}
}

// withRetry runs op up to maxAttempts times with exponential backoff,
// honoring ctx between attempts.
func (f *Filter) withRetry(ctx context.Context, op func() error) error {
	var err error
	delay := f.backoffBase
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == f.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("after %d attempts: %w", f.maxAttempts, err)
}
