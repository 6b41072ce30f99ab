package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calder-env/docqueue/constants"
	"github.com/calder-env/docqueue/internal/auth"
	"github.com/calder-env/docqueue/internal/common"
	"github.com/calder-env/docqueue/internal/entity"
	"github.com/calder-env/docqueue/internal/extract"
	"github.com/calder-env/docqueue/internal/metrics"
	"github.com/calder-env/docqueue/internal/queue"
	"github.com/calder-env/docqueue/internal/repository"
)

// BatchReport aggregates one batch run. A batch never has a single pass/fail;
// individual document failures are recorded and the loop continues.
type BatchReport struct {
	Attempted int         `json:"attempted"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	TimedOut  int         `json:"timed_out"`
	FailedIDs []uuid.UUID `json:"failed_ids,omitempty"`
}

// Batch drives queued entries of one category strictly one at a time, waiting
// for each extraction call to settle before issuing the next. The extraction
// pool is small and shared across tenants; serialization plus an inter-call
// delay is the backpressure discipline, since the caller cannot observe the
// pool's true occupancy and must assume one free slot.
type Batch struct {
	repo      repository.QueueEntryRepository
	cache     *queue.Cache
	tokens    auth.Source
	extractor extract.Extractor
	builder   *RequestBuilder
	slots     *Slots
	metrics   *metrics.Metrics
	logger    *slog.Logger

	callTimeout    time.Duration
	interCallDelay time.Duration

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewBatch(
	repo repository.QueueEntryRepository,
	cache *queue.Cache,
	tokens auth.Source,
	extractor extract.Extractor,
	builder *RequestBuilder,
	slots *Slots,
	m *metrics.Metrics,
	cfg common.ExtractConfig,
	logger *slog.Logger,
) *Batch {
	if logger == nil {
		logger = slog.Default()
	}
	return &Batch{
		repo:           repo,
		cache:          cache,
		tokens:         tokens,
		extractor:      extractor,
		builder:        builder,
		slots:          slots,
		metrics:        m,
		logger:         logger,
		callTimeout:    cfg.BatchTimeout,
		interCallDelay: cfg.InterCallDelay,
		sleep:          sleepCtx,
	}
}

// ProcessAll drains the current snapshot of queued entries in category.
// Each call is waited to completion (success, error, or timeout) before the
// next is issued; one bad document never aborts the batch. A forced full
// resync closes the run because change-stream events can be coalesced or
// dropped under load.
func (b *Batch) ProcessAll(ctx context.Context, category constants.Category) (*BatchReport, error) {
	if category != "" {
		if _, ok := constants.CanonicalizeCategory(string(category)); !ok {
			return nil, common.CallerError("unknown category %q", category)
		}
	}

	start := time.Now()
	defer func() {
		b.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}()

	// Snapshot from the store, not the local projection: the batch decision
	// matters, so it re-checks the authoritative status.
	entries, err := b.repo.ListByStatus(ctx, constants.StatusQueued, repository.Filter{Category: category})
	if err != nil {
		return nil, common.WrapError(err, "snapshot queued entries")
	}

	report := &BatchReport{}
	total := len(entries)
	b.logger.Info("batch.started", "category", category, "total", total)

	for i, e := range entries {
		if ctx.Err() != nil {
			b.logger.Warn("batch.cancelled", "processed", i, "total", total)
			break
		}

		report.Attempted++
		b.cache.MarkProcessing(e.ID)

		token, err := b.tokens.Token(ctx)
		if err != nil {
			// Credential failure is fatal, not per-item: every remaining
			// call would fail the same way.
			b.logger.Error("batch.aborted: credential refresh failed", "error", err)
			return report, err
		}

		b.processOne(ctx, *e, token, report)
		b.logger.Info("batch.progress", "done", i+1, "total", total)

		if i < total-1 {
			// Deliberate throttling between entries, not merely sequencing:
			// even below the pool's hard cap, bursts starve interactive
			// traffic.
			if err := b.sleep(ctx, b.interCallDelay); err != nil {
				break
			}
		}
	}

	// Forced full resync: the batch does not trust the change-stream alone
	// to reflect every entry it touched.
	if err := b.cache.Resync(ctx); err != nil {
		b.logger.Warn("batch.resync_failed", "error", err)
	}

	b.logger.Info("batch.finished",
		"category", category,
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"timed_out", report.TimedOut,
	)
	return report, nil
}

func (b *Batch) processOne(ctx context.Context, e entity.QueueEntry, token string, report *BatchReport) {
	req, err := b.builder.Build(ctx, e)
	if err != nil {
		report.Failed++
		report.FailedIDs = append(report.FailedIDs, e.ID)
		b.metrics.ExtractFailures.WithLabelValues("batch").Inc()
		b.logger.Error("batch.payload_build_failed", "entry_id", e.ID, "error", err)
		return
	}

	if err := b.slots.Acquire(ctx); err != nil {
		report.Failed++
		report.FailedIDs = append(report.FailedIDs, e.ID)
		return
	}
	defer b.slots.Release()

	// Unlike a single-item kickoff, wait for the full response. The long
	// timeout protects against a truly hung call, not normal processing
	// time.
	cctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	b.metrics.ExtractAttempts.WithLabelValues("batch").Inc()
	_, err = b.extractor.Extract(cctx, token, req)
	switch {
	case err == nil:
		report.Succeeded++
	case common.IsTimeout(err):
		report.TimedOut++
		b.metrics.ExtractTimeouts.WithLabelValues("batch").Inc()
		b.logger.Warn("batch.call_timed_out; document may still complete server-side", "entry_id", e.ID)
	default:
		report.Failed++
		report.FailedIDs = append(report.FailedIDs, e.ID)
		b.metrics.ExtractFailures.WithLabelValues("batch").Inc()
		b.logger.Error("batch.extract_failed", "entry_id", e.ID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
