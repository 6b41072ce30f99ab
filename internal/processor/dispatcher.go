package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/calder-env/docqueue/internal/auth"
	"github.com/calder-env/docqueue/internal/common"
	"github.com/calder-env/docqueue/internal/entity"
	"github.com/calder-env/docqueue/internal/extract"
	"github.com/calder-env/docqueue/internal/metrics"
)

// Job is one detached extraction kickoff.
type Job struct {
	Entry       entity.QueueEntry
	SubmittedAt time.Time
}

// Dispatcher runs fire-and-forget extraction kickoffs on a small worker
// pool. The triggering call's only job is admission control and enqueue;
// completion is reported exclusively through the store and change-stream,
// never through a return value.
type Dispatcher struct {
	tokens    auth.Source
	extractor extract.Extractor
	builder   *RequestBuilder
	slots     *Slots
	metrics   *metrics.Metrics
	logger    *slog.Logger
	workers   int
	timeout   time.Duration

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

type Option func(*Dispatcher)

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.ch = make(chan Job, n)
		}
	}
}

// WithKickoffTimeout bounds each kickoff call. It only needs to be long
// enough to surface request-level errors; extraction itself routinely
// outlives it.
func WithKickoffTimeout(dur time.Duration) Option {
	return func(d *Dispatcher) {
		if dur > 0 {
			d.timeout = dur
		}
	}
}

func NewDispatcher(tokens auth.Source, extractor extract.Extractor, builder *RequestBuilder, slots *Slots, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		tokens:    tokens,
		extractor: extractor,
		builder:   builder,
		slots:     slots,
		metrics:   m,
		logger:    logger,
		workers:   4,
		timeout:   10 * time.Second,
		ch:        make(chan Job, 256),
	}
	for _, o := range opts {
		o(d)
	}
	d.start()
	return d
}

func (d *Dispatcher) start() {
	d.once.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go func(workerID int) {
				defer d.wg.Done()
				d.logger.Info("worker started", "worker_id", workerID)

				for job := range d.ch {
					d.kickoff(workerID, job)
				}

				d.logger.Info("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (d *Dispatcher) kickoff(workerID int, job Job) {
	entryID := job.Entry.ID
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	token, err := d.tokens.Token(ctx)
	if err != nil {
		d.logger.Error("kickoff aborted: credential refresh failed", "worker_id", workerID, "entry_id", entryID, "error", err)
		return
	}

	req, err := d.builder.Build(ctx, job.Entry)
	if err != nil {
		d.logger.Error("kickoff aborted: payload build failed", "worker_id", workerID, "entry_id", entryID, "error", err)
		return
	}

	if err := d.slots.Acquire(ctx); err != nil {
		d.logger.Warn("kickoff gave up waiting for an extraction slot", "worker_id", workerID, "entry_id", entryID)
		return
	}
	d.metrics.ExtractAttempts.WithLabelValues("single").Inc()
	_, err = d.extractor.Extract(ctx, token, req)
	d.slots.Release()

	switch {
	case err == nil:
		// The real terminal status arrives later via the change-stream.
		d.logger.Info("extraction kicked off", "worker_id", workerID, "entry_id", entryID)
	case common.IsTimeout(err):
		// Not a failure: the extraction service continues after we stop
		// waiting.
		d.metrics.ExtractTimeouts.WithLabelValues("single").Inc()
		d.logger.Info("extraction still running server-side after kickoff window", "worker_id", workerID, "entry_id", entryID)
	default:
		// No status revert here; the change-stream corrects the optimistic
		// marker once the true state is known.
		d.metrics.ExtractFailures.WithLabelValues("single").Inc()
		d.logger.Error("extraction kickoff failed", "worker_id", workerID, "entry_id", entryID, "error", err)
	}
}

func (d *Dispatcher) Enqueue(_ context.Context, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn("cannot enqueue: dispatcher is shutting down", "entry_id", job.Entry.ID)
		return nil
	}
	select {
	case d.ch <- job:
		d.logger.Info("queued entry for extraction", "entry_id", job.Entry.ID)
	default:
		d.logger.Warn("dispatch queue full, applying backpressure", "entry_id", job.Entry.ID)
		d.ch <- job
	}
	return nil
}

func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); d.wg.Wait() }()

	select {
	case <-ctx.Done():
		d.logger.Warn("shutdown interrupted by context")
	case <-done:
		d.logger.Info("dispatcher drained, shutdown complete")
	}
}
