// Package pipeline wires the stages together: decode and validate incoming
// articles, run the dedup filter, publish the verdict, and fan accepted
// events out to matching subscribers under the idempotency cache. One Handle
// call processes one stream message and reports how to acknowledge it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/newsflow/internal/match"
	"github.com/alfredjeanlab/newsflow/internal/model"
	"github.com/alfredjeanlab/newsflow/internal/notify"
	"github.com/alfredjeanlab/newsflow/internal/store"
	"github.com/alfredjeanlab/newsflow/internal/stream"
)

// Filter classifies one article against the similarity index.
type Filter interface {
	Filter(ctx context.Context, article *model.Article) (*model.DedupRecord, error)
}

// Sender delivers a rendered notification to one address.
type Sender interface {
	Send(ctx context.Context, address string, event *model.Event) error
}

// PrefSource serves the current subscriber preference snapshot.
type PrefSource interface {
	Snapshot() []*model.SubscriberPreference
}

// Pipeline processes enriched articles end to end. Handle is safe to call
// concurrently from multiple workers; all cross-worker coordination lives in
// the store.
type Pipeline struct {
	store   store.Store
	filter  Filter
	prefs   PrefSource
	sender  Sender
	out     stream.Publisher
	subject string
	lease   time.Duration
	logger  *slog.Logger
}

// New assembles a pipeline. subject is where dedup records are published;
// lease bounds how long a crashed worker can hold a notification reservation.
func New(st store.Store, filter Filter, prefs PrefSource, sender Sender, out stream.Publisher, subject string, lease time.Duration, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:   st,
		filter:  filter,
		prefs:   prefs,
		sender:  sender,
		out:     out,
		subject: subject,
		lease:   lease,
		logger:  logger,
	}
}

// Compile-time check that Handle satisfies the consumer handler contract.
var _ stream.Handler = (*Pipeline)(nil).Handle

// Handle processes one raw message. Malformed input is dead-lettered and
// rejected so it never blocks the partition; transient failures request
// redelivery, which is safe because every stage behind Handle is idempotent.
func (p *Pipeline) Handle(ctx context.Context, data []byte) stream.Outcome {
	var article model.Article
	if err := json.Unmarshal(data, &article); err != nil {
		return p.reject(ctx, model.StageDecode, err.Error(), data)
	}
	if err := article.Validate(); err != nil {
		return p.reject(ctx, model.StageValidate, err.Error(), data)
	}

	rec, err := p.filter.Filter(ctx, &article)
	if err != nil {
		p.logger.Error("filter failed, requesting redelivery",
			"article_id", article.ArticleID, "err", err)
		return stream.Retry
	}

	if err := p.out.Publish(ctx, p.subject, rec); err != nil {
		// The verdict is durable; redelivery replays it and republishes.
		p.logger.Error("publishing dedup record failed, requesting redelivery",
			"article_id", article.ArticleID, "err", err)
		return stream.Retry
	}

	if rec.IsDuplicate || rec.Event == nil {
		return stream.Done
	}

	retry := false
	for _, pref := range match.Match(rec.Event, p.prefs.Snapshot()) {
		if p.deliver(ctx, rec.Event, pref) {
			retry = true
		}
	}
	if retry {
		return stream.Retry
	}
	return stream.Done
}

// deliver sends one notification under the idempotency cache. The return
// value reports whether the message needs redelivery for this subscriber;
// subscribers already sent or dead-lettered are settled and contribute
// nothing on replay.
func (p *Pipeline) deliver(ctx context.Context, event *model.Event, pref *model.SubscriberPreference) (retry bool) {
	if pref.ContactAddress == "" {
		p.logger.Warn("subscriber matched but has no contact address",
			"subscriber_id", pref.SubscriberID, "event_id", event.EventID)
		return false
	}

	status, err := p.store.TryReserve(ctx, pref.SubscriberID, event.EventID, p.lease)
	if err != nil {
		p.logger.Error("reservation failed",
			"subscriber_id", pref.SubscriberID, "event_id", event.EventID, "err", err)
		return true
	}
	if status != store.Reserved {
		p.logger.Debug("skipping delivery",
			"subscriber_id", pref.SubscriberID, "event_id", event.EventID,
			"status", status.String())
		return false
	}

	err = p.sender.Send(ctx, pref.ContactAddress, event)
	if err == nil {
		if cerr := p.store.CommitReservation(ctx, pref.SubscriberID, event.EventID); cerr != nil {
			// The notification went out but the commit did not stick. When
			// the lease expires the key can be reclaimed and resent once;
			// a bounded duplicate beats a silent drop.
			p.logger.Error("sent but commit failed, duplicate possible after lease expiry",
				"subscriber_id", pref.SubscriberID, "event_id", event.EventID, "err", cerr)
		}
		return false
	}

	p.release(ctx, pref.SubscriberID, event.EventID)
	p.deadLetter(ctx, model.StageDispatch, err.Error(), dispatchPayload(pref, event))

	if notify.IsPermanent(err) {
		p.logger.Error("permanent delivery failure",
			"subscriber_id", pref.SubscriberID, "event_id", event.EventID, "err", err)
		return false
	}
	p.logger.Error("delivery attempts exhausted, requesting redelivery",
		"subscriber_id", pref.SubscriberID, "event_id", event.EventID, "err", err)
	return true
}

// reject dead-letters input that can never succeed. If even the dead-letter
// write fails the message is redelivered rather than lost.
func (p *Pipeline) reject(ctx context.Context, stage, reason string, payload []byte) stream.Outcome {
	p.logger.Warn("rejecting message", "stage", stage, "reason", reason)
	if !p.deadLetter(ctx, stage, reason, payload) {
		return stream.Retry
	}
	return stream.Reject
}

func (p *Pipeline) deadLetter(ctx context.Context, stage, reason string, payload []byte) bool {
	err := p.store.AddDeadLetter(ctx, &model.DeadLetter{
		Stage:   stage,
		Reason:  reason,
		Payload: json.RawMessage(payload),
	})
	if err != nil {
		p.logger.Error("dead-letter write failed", "stage", stage, "err", err)
		return false
	}
	return true
}

func (p *Pipeline) release(ctx context.Context, subscriberID, eventID string) {
	if err := p.store.ReleaseReservation(ctx, subscriberID, eventID); err != nil {
		// Lease expiry reclaims the key eventually; just slower retries.
		p.logger.Error("release failed",
			"subscriber_id", subscriberID, "event_id", eventID, "err", err)
	}
}

// dispatchPayload records enough context to re-drive a failed delivery by
// hand. Marshaling a flat struct of strings cannot fail.
func dispatchPayload(pref *model.SubscriberPreference, event *model.Event) []byte {
	payload, err := json.Marshal(struct {
		SubscriberID string `json:"subscriber_id"`
		Address      string `json:"address"`
		EventID      string `json:"event_id"`
		ArticleID    string `json:"source_article_id"`
	}{
		SubscriberID: pref.SubscriberID,
		Address:      pref.ContactAddress,
		EventID:      event.EventID,
		ArticleID:    event.SourceArticleID,
	})
	if err != nil {
		return nil
	}
	return payload
}

// Janitor periodically prunes the similarity index past the dedup window and
// purges notification records past the suppression horizon.
type Janitor struct {
	store     store.Store
	window    time.Duration
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewJanitor creates a janitor sweeping every interval.
func NewJanitor(st store.Store, window, retention, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:     st,
		window:    window,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

// Run sweeps until ctx is cancelled. Errors are logged and the next tick
// tries again; stale rows cost storage, not correctness.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass.
func (j *Janitor) Sweep(ctx context.Context) {
	pruned, err := j.store.PruneIndex(ctx, j.window)
	if err != nil && !errors.Is(err, context.Canceled) {
		j.logger.Error("index prune failed", "err", err)
	} else if pruned > 0 {
		j.logger.Info("pruned similarity index", "removed", pruned)
	}

	purged, err := j.store.PurgeNotifications(ctx, j.retention)
	if err != nil && !errors.Is(err, context.Canceled) {
		j.logger.Error("notification purge failed", "err", err)
	} else if purged > 0 {
		j.logger.Info("purged notification records", "removed", purged)
	}
}
