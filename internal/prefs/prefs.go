// Package prefs maintains a periodically refreshed snapshot of subscriber
// preferences. The preference set is owned by the organization-management
// system; the pipeline only ever reads it, and tolerates serving a stale
// snapshot bounded by the refresh interval.
package prefs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/newsflow/internal/model"
)

// Source is where preferences are bulk-fetched from.
type Source interface {
	ListPreferences(ctx context.Context) ([]*model.SubscriberPreference, error)
}

// Cache holds the latest preference snapshot and refreshes it on a timer.
// A failed refresh keeps the previous snapshot; matching continues on
// bounded-stale data instead of stalling the pipeline.
type Cache struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger

	mu          sync.RWMutex
	snapshot    []*model.SubscriberPreference
	refreshedAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCache creates a cache refreshing from source every interval.
func NewCache(source Source, interval time.Duration, logger *slog.Logger) *Cache {
	return &Cache{source: source, interval: interval, logger: logger}
}

// Start performs an initial synchronous refresh, then refreshes in the
// background until Stop is called. The initial refresh must succeed: a
// pipeline without any preference snapshot would drop every event.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("initial preference fetch: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx)
	}()
	return nil
}

// Stop cancels the refresh loop and waits for it to finish.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Cache) run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Error("preference refresh failed, serving stale snapshot",
					"err", err, "age", time.Since(c.RefreshedAt()))
			}
		}
	}
}

// Refresh fetches a fresh snapshot from the source.
func (c *Cache) Refresh(ctx context.Context) error {
	prefs, err := c.source.ListPreferences(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.snapshot = prefs
	c.refreshedAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug("preference snapshot refreshed", "subscribers", len(prefs))
	return nil
}

// Snapshot returns the current preference set. Callers must not mutate it.
func (c *Cache) Snapshot() []*model.SubscriberPreference {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// RefreshedAt returns when the snapshot was last successfully fetched.
func (c *Cache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}
