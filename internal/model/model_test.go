package model

import (
	"errors"
	"testing"
	"time"
)

func validArticle() Article {
	return Article{
		ArticleID:     "art-1",
		Title:         "Acme Corp acquires Widget Inc",
		URL:           "https://example.com/a",
		PrimaryEntity: "Acme Corp",
		EventType:     "acquisition",
		RiskScore:     7,
		Embedding:     []float32{0.1, 0.2, 0.3},
		PublishedAt:   time.Now(),
	}
}

func TestArticleValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Article)
		wantOK bool
	}{
		{"valid", func(a *Article) {}, true},
		{"missing article_id", func(a *Article) { a.ArticleID = "" }, false},
		{"missing primary_entity", func(a *Article) { a.PrimaryEntity = "" }, false},
		{"missing event_type", func(a *Article) { a.EventType = "" }, false},
		{"missing published_at", func(a *Article) { a.PublishedAt = time.Time{} }, false},
		{"risk score too high", func(a *Article) { a.RiskScore = 11 }, false},
		{"risk score negative", func(a *Article) { a.RiskScore = -1 }, false},
		{"no embedding is still valid", func(a *Article) { a.Embedding = nil }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := validArticle()
			tc.mutate(&a)
			err := a.Validate()
			if tc.wantOK && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tc.wantOK {
				if err == nil {
					t.Fatal("Validate() = nil, want error")
				}
				if !errors.Is(err, ErrMalformed) {
					t.Errorf("Validate() = %v, want ErrMalformed", err)
				}
			}
		})
	}
}

func TestHasUsableEmbedding(t *testing.T) {
	a := validArticle()
	if !a.HasUsableEmbedding() {
		t.Error("expected usable embedding")
	}
	a.Embedding = nil
	if a.HasUsableEmbedding() {
		t.Error("nil embedding should not be usable")
	}
	a.Embedding = []float32{0, 0, 0}
	if a.HasUsableEmbedding() {
		t.Error("zero vector should not be usable")
	}
}

func TestEventHasFlag(t *testing.T) {
	e := Event{QualityFlags: []string{FlagDedupSkipped}}
	if !e.HasFlag(FlagDedupSkipped) {
		t.Error("expected flag to be present")
	}
	if e.HasFlag(FlagMissingEmbedding) {
		t.Error("unexpected flag")
	}
}
