// Package backfill sweeps entries stuck between parsed and embedded. It is a
// privileged batch driver invoked repeatedly by an external scheduler until
// it reports no remaining work; non-retryable failures are quarantined so a
// single bad document cannot be retried forever.
package backfill

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/calder-env/docqueue/constants"
	"github.com/calder-env/docqueue/internal/auth"
	"github.com/calder-env/docqueue/internal/common"
	"github.com/calder-env/docqueue/internal/index"
	"github.com/calder-env/docqueue/internal/metrics"
	"github.com/calder-env/docqueue/internal/repository"
	"github.com/calder-env/docqueue/internal/retry"
)

// Request is one backfill invocation. AfterID is an exclusive lower bound;
// ids are monotonically orderable, so repeated calls with the returned cursor
// make strictly increasing progress.
type Request struct {
	BatchSize int                `json:"batch_size,omitempty"`
	AfterID   uuid.UUID          `json:"after_id,omitempty"`
	DryRun    bool               `json:"dry_run,omitempty"`
	Category  constants.Category `json:"category,omitempty"`
	StateCode string             `json:"state_code,omitempty"`
}

// Item records one entry's outcome in the batch report.
type Item struct {
	EntryID  uuid.UUID `json:"entry_id"`
	Filename string    `json:"filename"`
	Outcome  string    `json:"outcome"` // succeeded | failed | quarantined | selected
	Chunks   int       `json:"chunks,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Report is the invocation result the scheduler steers by.
type Report struct {
	Processed    int       `json:"processed"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	Quarantined  int       `json:"quarantined"`
	TotalChunks  int       `json:"total_chunks"`
	AvgLatencyMs int64     `json:"avg_latency_ms"`
	Remaining    int       `json:"remaining"`
	NextCursor   uuid.UUID `json:"next_cursor"`
	HasMore      bool      `json:"has_more"`
	DryRun       bool      `json:"dry_run,omitempty"`
	Items        []Item    `json:"items"`
}

// Job drives one backfill batch against the indexing service.
type Job struct {
	repo    repository.QueueEntryRepository
	indexer index.Indexer
	tokens  auth.Source
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     common.BackfillConfig

	policy retry.Policy

	// injectable for tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewJob(
	repo repository.QueueEntryRepository,
	indexer index.Indexer,
	tokens auth.Source,
	m *metrics.Metrics,
	cfg common.BackfillConfig,
	logger *slog.Logger,
) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		repo:    repo,
		indexer: indexer,
		tokens:  tokens,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		policy: retry.Policy{
			// Initial attempt plus up to 3 retries, 1s/2s/4s with jitter.
			MaxAttempts: 4,
			Retryable:   index.Retryable,
			Backoff:     retry.ExponentialBackoff(time.Second, 500*time.Millisecond),
		},
		sleep: sleepCtx,
		now:   time.Now,
	}
}

// Run executes one batch. Per-item errors are classified and recorded; only
// contract violations (bad batch size, bad filters) or a query failure fail
// the invocation as a whole.
func (j *Job) Run(ctx context.Context, req Request) (*Report, error) {
	batchSize := req.BatchSize
	switch {
	case batchSize == 0:
		batchSize = j.cfg.DefaultBatchSize
	case batchSize < 0:
		return nil, common.CallerError("batch_size must be positive, got %d", batchSize)
	case batchSize > j.cfg.MaxBatchSize:
		return nil, common.CallerError("batch_size %d exceeds max %d", batchSize, j.cfg.MaxBatchSize)
	}
	if req.Category != "" {
		if _, ok := constants.CanonicalizeCategory(string(req.Category)); !ok {
			return nil, common.CallerError("unknown category %q", req.Category)
		}
	}
	if !constants.ValidStateCode(req.StateCode) {
		return nil, common.CallerError("invalid state code %q", req.StateCode)
	}

	filter := repository.Filter{Category: req.Category, StateCode: req.StateCode}

	entries, err := j.repo.ListParsedAfter(ctx, req.AfterID, filter, batchSize)
	if err != nil {
		return nil, common.WrapError(err, "select backfill batch")
	}
	// One count query for the whole batch, so the run stays O(batch), not
	// O(total).
	remaining, err := j.repo.CountByStatus(ctx, constants.StatusParsed, filter)
	if err != nil {
		return nil, common.WrapError(err, "count remaining")
	}

	report := &Report{
		Remaining:  remaining,
		NextCursor: req.AfterID,
		HasMore:    len(entries) == batchSize,
		DryRun:     req.DryRun,
		Items:      make([]Item, 0, len(entries)),
	}
	if len(entries) > 0 {
		report.NextCursor = entries[len(entries)-1].ID
	}

	if req.DryRun {
		for _, e := range entries {
			report.Items = append(report.Items, Item{EntryID: e.ID, Filename: e.Filename, Outcome: "selected"})
		}
		j.logger.Info("backfill.dry_run", "selected", len(entries), "remaining", remaining)
		return report, nil
	}

	var totalLatency time.Duration
	for i, e := range entries {
		if ctx.Err() != nil {
			break
		}

		start := j.now()
		item := j.embedOne(ctx, e.ID, e.Filename)
		totalLatency += j.now().Sub(start)

		report.Processed++
		switch item.Outcome {
		case "succeeded":
			report.Succeeded++
			report.TotalChunks += item.Chunks
			j.metrics.BackfillOutcomes.WithLabelValues("succeeded").Inc()
			j.metrics.BackfillChunks.Add(float64(item.Chunks))
		case "quarantined":
			report.Quarantined++
			j.metrics.BackfillOutcomes.WithLabelValues("quarantined").Inc()
		default:
			report.Failed++
			j.metrics.BackfillOutcomes.WithLabelValues("failed").Inc()
		}
		report.Items = append(report.Items, item)

		if i < len(entries)-1 {
			// This job shares extraction/indexing capacity with interactive
			// traffic and must not monopolize it.
			if err := j.sleep(ctx, j.interDocDelay()); err != nil {
				break
			}
		}
	}

	if report.Processed > 0 {
		report.AvgLatencyMs = totalLatency.Milliseconds() / int64(report.Processed)
	}
	report.Remaining = remaining - report.Succeeded - report.Quarantined

	j.logger.Info("backfill.finished",
		"processed", report.Processed,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"quarantined", report.Quarantined,
		"chunks", report.TotalChunks,
		"remaining", report.Remaining,
		"has_more", report.HasMore,
	)
	return report, nil
}

func (j *Job) embedOne(ctx context.Context, entryID uuid.UUID, filename string) Item {
	item := Item{EntryID: entryID, Filename: filename}

	var chunks int
	err := j.policy.Do(ctx, func(ctx context.Context) error {
		token, terr := j.tokens.Token(ctx)
		if terr != nil {
			return terr
		}
		c, eerr := j.indexer.Embed(ctx, token, entryID)
		if eerr != nil {
			return eerr
		}
		chunks = c
		return nil
	})

	switch {
	case err == nil:
		// The indexing call marks the entry embedded itself; we only record
		// the chunk count.
		item.Outcome = "succeeded"
		item.Chunks = chunks
	case index.Quarantine(err):
		item.Outcome = "quarantined"
		item.Error = err.Error()
		if qerr := j.repo.MarkEmbeddingFailed(ctx, entryID, err.Error()); qerr != nil {
			j.logger.Error("backfill.quarantine_write_failed", "entry_id", entryID, "error", qerr)
		}
	default:
		// Exhausted transient retries or a non-status error: the entry stays
		// parsed and is eligible for the next run.
		item.Outcome = "failed"
		item.Error = err.Error()
		j.logger.Warn("backfill.embed_failed", "entry_id", entryID, "error", err)
	}
	return item
}

func (j *Job) interDocDelay() time.Duration {
	d := j.cfg.InterDocDelay
	if j.cfg.InterDocJitter > 0 {
		// delay ± jitter
		d += time.Duration(rand.Int63n(int64(2*j.cfg.InterDocJitter))) - j.cfg.InterDocJitter
	}
	if d < 0 {
		d = 0
	}
	return d
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
