// Package retry provides an explicit retry policy object: attempt cap,
// retryable predicate, and backoff schedule, testable independently of the
// calls it wraps.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy drives bounded retries around a single call.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Retryable decides whether an error is worth another attempt. A nil
	// predicate retries nothing.
	Retryable func(error) bool
	// Backoff returns the delay before retry attempt n (0-based, so the
	// delay after the first failed attempt is Backoff(0)).
	Backoff func(attempt int) time.Duration
	// Sleep is injectable for tests; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ExponentialBackoff returns base*2^attempt plus up to jitter of random
// spread.
func ExponentialBackoff(base, jitter time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base << attempt
		if jitter > 0 {
			d += time.Duration(rand.Int63n(int64(jitter)))
		}
		return d
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or exhausts
// the attempt budget. The last error is returned as-is so callers can
// classify it.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			var delay time.Duration
			if p.Backoff != nil {
				delay = p.Backoff(attempt - 1)
			}
			if serr := sleep(ctx, delay); serr != nil {
				return serr
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
	}
	return err
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
