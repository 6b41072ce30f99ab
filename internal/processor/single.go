package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calder-env/docqueue/constants"
	"github.com/calder-env/docqueue/internal/common"
	"github.com/calder-env/docqueue/internal/queue"
)

// Single triggers extraction for exactly one queue entry and does not wait
// for it to finish; the terminal status arrives via the change-stream. It is
// meant for low-latency, human-triggered actions.
type Single struct {
	cache    *queue.Cache
	dispatch *Dispatcher
	logger   *slog.Logger

	// category, when set, binds this processor to one document category.
	category constants.Category
}

func NewSingle(cache *queue.Cache, dispatch *Dispatcher, category constants.Category, logger *slog.Logger) *Single {
	if logger == nil {
		logger = slog.Default()
	}
	return &Single{
		cache:    cache,
		dispatch: dispatch,
		category: category,
		logger:   logger,
	}
}

// Process admits and kicks off one entry. Unknown ids are a no-op; guard
// violations are caller errors with no state mutation.
func (s *Single) Process(ctx context.Context, entryID uuid.UUID) error {
	e, ok := s.cache.Get(entryID)
	if !ok {
		s.logger.Info("process skipped: entry not in local projection", "entry_id", entryID)
		return nil
	}

	if !constants.CanProcess(e.Status) {
		return common.CallerError("entry %s is %s; only queued or failed entries can be processed", entryID, e.Status)
	}
	if s.category != "" && e.Category != s.category {
		return common.CallerError("entry %s is %s; this processor handles %s", entryID, e.Category, s.category)
	}

	// Optimistic, local-only marker. Never written to the store; the
	// extraction service owns the authoritative transition.
	s.cache.MarkProcessing(entryID)

	return s.dispatch.Enqueue(ctx, Job{Entry: e, SubmittedAt: time.Now().UTC()})
}
