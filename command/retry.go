package command

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/akenzy-vlu/wallex/metrics"
	"github.com/akenzy-vlu/wallex/wallet"
)

// Conflict retry tuning. An expected-version mismatch under the lock means a
// previous holder's append landed after its TTL lapsed; reloading and
// retrying is cheap and almost always succeeds on the first retry.
const (
	conflictRetryInitial  = time.Millisecond
	conflictRetryFactor   = 1.3
	conflictRetryCap      = 100 * time.Millisecond
	conflictRetryAttempts = 15
)

// retrier reruns an operation while it fails with a ConcurrencyConflict.
// Every other error returns immediately.
type retrier struct {
	attempts int
	onRetry  func()

	// sleep is swapped out by tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func newRetrier(onRetry func()) retrier {
	return retrier{
		attempts: conflictRetryAttempts,
		onRetry:  onRetry,
		sleep:    sleepCtx,
	}
}

// Do runs op until it succeeds, fails with a non-conflict error, or the
// attempt budget is spent. The final conflict error is returned as-is so the
// boundary can map it to a 409.
func (r retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < r.attempts; attempt++ {
		err = op(ctx)
		if err == nil || !wallet.IsConcurrencyConflict(err) {
			return err
		}

		metrics.ConcurrencyConflicts.Inc()
		if r.onRetry != nil {
			r.onRetry()
		}
		if attempt == r.attempts-1 {
			break
		}
		if sleepErr := r.sleep(ctx, conflictDelay(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

// conflictDelay draws a full-jitter delay in [0, min(initial*factor^attempt, cap)).
func conflictDelay(attempt int) time.Duration {
	delay := float64(conflictRetryInitial) * math.Pow(conflictRetryFactor, float64(attempt))
	if delay > float64(conflictRetryCap) {
		delay = float64(conflictRetryCap)
	}
	return time.Duration(rand.Float64() * delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
