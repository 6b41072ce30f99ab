// Package queue holds the locally-cached projection of the queue store. The
// cache is never authoritative: the only optimistic write is the processing
// marker, and every divergence is corrected by the change-stream or a forced
// resync. Decisions that matter re-check the store.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calder-env/docqueue/constants"
	"github.com/calder-env/docqueue/internal/common"
	"github.com/calder-env/docqueue/internal/entity"
	"github.com/calder-env/docqueue/internal/repository"
)

// Cache is the in-process projection of queue_entries.
type Cache struct {
	repo   repository.QueueEntryRepository
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[uuid.UUID]entity.QueueEntry
}

func NewCache(repo repository.QueueEntryRepository, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		repo:    repo,
		logger:  logger,
		entries: make(map[uuid.UUID]entity.QueueEntry),
	}
}

// Get returns a copy of the cached entry, if present.
func (c *Cache) Get(id uuid.UUID) (entity.QueueEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// Snapshot returns copies of all cached entries matching status (and
// category, if non-empty), in id order handled by the caller.
func (c *Cache) Snapshot(status constants.EntryStatus, category constants.Category) []entity.QueueEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []entity.QueueEntry
	for _, e := range c.entries {
		if e.Status != status {
			continue
		}
		if category != "" && e.Category != category {
			continue
		}
		out = append(out, e)
	}
	return out
}

// MarkProcessing is the optimistic local status write: UI feedback only,
// never persisted. The authoritative status arrives via Apply or Resync.
func (c *Cache) MarkProcessing(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	e.Status = constants.StatusProcessing
	now := time.Now().UTC()
	e.ProcessingStartedAt = &now
	c.entries[id] = e
}

// Apply folds one change-stream event into the projection. Unknown ids are
// fetched from the store so late subscribers still converge.
func (c *Cache) Apply(ctx context.Context, ev entity.ChangeEvent) {
	c.mu.Lock()
	e, ok := c.entries[ev.ID]
	if ok {
		e.Status = ev.Status
		e.UpdatedAt = ev.UpdatedAt
		c.entries[ev.ID] = e
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	fetched, err := c.repo.GetByID(ctx, ev.ID)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			c.logger.Warn("cache.apply_fetch_failed", "entry_id", ev.ID, "error", err)
		}
		return
	}
	c.mu.Lock()
	c.entries[fetched.ID] = *fetched
	c.mu.Unlock()
}

// Resync replaces the whole projection from the store. This is the recovery
// path for coalesced or dropped notifications; the batch processor forces it
// after every run.
func (c *Cache) Resync(ctx context.Context) error {
	rows, err := c.repo.List(ctx, repository.Filter{})
	if err != nil {
		c.logger.Error("cache.resync_failed", "error", err)
		return common.WrapError(err, "resync projection")
	}

	fresh := make(map[uuid.UUID]entity.QueueEntry, len(rows))
	for _, e := range rows {
		fresh[e.ID] = *e
	}

	c.mu.Lock()
	c.entries = fresh
	c.mu.Unlock()

	c.logger.Info("cache.resynced", "entries", len(rows))
	return nil
}

// Follow consumes listener events until ctx is cancelled. Run it in its own
// goroutine alongside the listener.
func (c *Cache) Follow(ctx context.Context, events <-chan entity.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.Apply(ctx, ev)
		}
	}
}
