package model

import "time"

// Quality flags attached to events that bypassed part of the filter.
const (
	// FlagMissingEmbedding marks events whose article had no usable
	// embedding and was therefore never matched against the index.
	FlagMissingEmbedding = "missing-embedding"

	// FlagDedupSkipped marks events forwarded while the similarity index
	// was unreachable. Subscribers may see a near-duplicate; they will
	// not silently see nothing.
	FlagDedupSkipped = "dedup-skipped"
)

// Event is a deduplicated real-world occurrence. Exactly one Event survives
// the filter per occurrence; near-duplicate articles reference its ID.
type Event struct {
	EventID         string    `json:"event_id"`
	SourceArticleID string    `json:"source_article_id"`
	Title           string    `json:"title"`
	URL             string    `json:"url"`
	PrimaryEntity   string    `json:"primary_entity"`
	EventType       string    `json:"event_type"`
	Sentiment       string    `json:"sentiment"`
	ShortSummary    string    `json:"short_summary"`
	RiskScore       int       `json:"risk_score"`
	PublishedAt     time.Time `json:"published_at"`
	QualityFlags    []string  `json:"quality_flags,omitempty"`
}

// HasFlag reports whether the event carries the given quality flag.
func (e *Event) HasFlag(flag string) bool {
	for _, f := range e.QualityFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// DedupRecord is the filter's verdict for one incoming article, published
// on the output log for downstream persistence and analytics. Written once,
// never mutated.
type DedupRecord struct {
	ArticleID           string   `json:"article_id"`
	EventID             string   `json:"event_id"`
	IsDuplicate         bool     `json:"is_duplicate"`
	DuplicateOf         string   `json:"duplicate_of,omitempty"`
	MaxSimilarityScore  float64  `json:"max_similarity_score"`
	SimilarityThreshold float64  `json:"similarity_threshold"`
	QualityFlags        []string `json:"quality_flags,omitempty"`

	// Event is populated for unique articles only.
	Event *Event `json:"event,omitempty"`
}

// HasFlag reports whether the record carries the given quality flag.
func (r *DedupRecord) HasFlag(flag string) bool {
	for _, f := range r.QualityFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// NotificationRecord is the idempotency unit: at most one is ever acted on
// as "send" per (subscriber, event) pair within the retention horizon.
type NotificationRecord struct {
	SubscriberID string     `json:"subscriber_id"`
	EventID      string     `json:"event_id"`
	ReservedAt   time.Time  `json:"reserved_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
}
