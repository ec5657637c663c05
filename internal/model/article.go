// Package model defines the record shapes flowing through the notification
// pipeline: enriched articles in, dedup records and notifications out.
package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformed marks input that can never be processed successfully.
// Records failing validation are dead-lettered, not retried.
var ErrMalformed = errors.New("malformed record")

// Article is one enriched news item as it arrives on the input log.
// Several articles from different sources may describe the same
// real-world occurrence; the dedup filter collapses them.
type Article struct {
	ArticleID     string    `json:"article_id"`
	Title         string    `json:"title"`
	URL           string    `json:"url"`
	PrimaryEntity string    `json:"primary_entity"`
	EventType     string    `json:"event_type"`
	Sentiment     string    `json:"sentiment"`
	ShortSummary  string    `json:"short_summary"`
	RiskScore     int       `json:"risk_score"`
	Embedding     []float32 `json:"embedding"`
	PublishedAt   time.Time `json:"published_at"`
}

// Validate checks the fields the pipeline cannot proceed without.
// The embedding is deliberately not required: articles with a missing or
// degenerate embedding skip similarity matching instead of being rejected.
func (a *Article) Validate() error {
	switch {
	case a.ArticleID == "":
		return fmt.Errorf("%w: missing article_id", ErrMalformed)
	case a.PrimaryEntity == "":
		return fmt.Errorf("%w: missing primary_entity (article %s)", ErrMalformed, a.ArticleID)
	case a.EventType == "":
		return fmt.Errorf("%w: missing event_type (article %s)", ErrMalformed, a.ArticleID)
	case a.PublishedAt.IsZero():
		return fmt.Errorf("%w: missing published_at (article %s)", ErrMalformed, a.ArticleID)
	case a.RiskScore < 0 || a.RiskScore > 10:
		return fmt.Errorf("%w: risk_score %d out of range (article %s)", ErrMalformed, a.RiskScore, a.ArticleID)
	}
	return nil
}

// HasUsableEmbedding reports whether the embedding can be matched against
// the similarity index. Zero vectors come out of upstream extraction
// failures and would collapse unrelated stories if indexed.
func (a *Article) HasUsableEmbedding() bool {
	if len(a.Embedding) == 0 {
		return false
	}
	for _, v := range a.Embedding {
		if v != 0 {
			return true
		}
	}
	return false
}
