// Package stream delivers row-level change notifications from the queue
// store to in-process subscribers. The store's NOTIFY trigger is the single
// source of truth optimistic client state converges to.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calder-env/docqueue/internal/entity"
)

const channel = "queue_entry_changes"

// Listener holds one dedicated connection in LISTEN mode and fans
// notifications out to subscribers. Delivery is best-effort: notifications
// can be coalesced or dropped under load, which is why consumers also carry a
// forced-resync path.
type Listener struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu   sync.Mutex
	subs map[int]chan entity.ChangeEvent
	next int

	// reconnect backoff bounds and current value
	minBackoff time.Duration
	maxBackoff time.Duration
	backoff    time.Duration
}

func NewListener(pool *pgxpool.Pool, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		pool:       pool,
		logger:     logger,
		subs:       make(map[int]chan entity.ChangeEvent),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Subscribe registers a buffered event channel. The returned cancel func
// unregisters it. A subscriber that falls behind loses events rather than
// blocking the listener.
func (l *Listener) Subscribe() (<-chan entity.ChangeEvent, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.next
	l.next++
	ch := make(chan entity.ChangeEvent, 64)
	l.subs[id] = ch

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Run blocks, listening for notifications until ctx is cancelled. Connection
// loss triggers a reconnect with doubling backoff; a session that establishes
// resets the backoff, so a drop after days of uptime reconnects promptly.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			l.logger.Info("stream.listener_stopped")
			return ctx.Err()
		}

		wait := l.nextBackoff()
		l.logger.Warn("stream.connection_lost, reconnecting", "error", err, "backoff", wait.String())

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// nextBackoff returns the current reconnect delay and doubles it for the next
// failure, capped at maxBackoff.
func (l *Listener) nextBackoff() time.Duration {
	d := l.backoff
	if d <= 0 {
		d = l.minBackoff
	}
	next := d * 2
	if next > l.maxBackoff {
		next = l.maxBackoff
	}
	l.backoff = next
	return d
}

func (l *Listener) resetBackoff() {
	l.backoff = l.minBackoff
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return err
	}
	l.resetBackoff()
	l.logger.Info("stream.listening", "channel", channel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var ev entity.ChangeEvent
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			l.logger.Warn("stream.bad_payload", "payload", n.Payload, "error", err)
			continue
		}
		l.dispatch(ev)
	}
}

func (l *Listener) dispatch(ev entity.ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			l.logger.Warn("stream.subscriber_lagging, event dropped", "subscriber", id, "entry_id", ev.ID)
		}
	}
}
