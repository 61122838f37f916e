// Package lock provides per-wallet mutual exclusion across processes,
// backed by Redis SET NX with TTL and a token-checked release. Locks are
// advisory: a body that outlives the TTL risks concurrent execution.
package lock

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/akenzy-vlu/wallex/metrics"
	"github.com/akenzy-vlu/wallex/wallet"
)

const (
	// DefaultTTL bounds how long a command body may hold a wallet lock.
	DefaultTTL = 5 * time.Second
	// DefaultMaxRetries bounds acquisition attempts in WithLock.
	DefaultMaxRetries = 100

	initialBackoff = 50 * time.Millisecond
	maxBackoff     = 500 * time.Millisecond
)

// releaseScript deletes the key only when it still holds our token, so an
// expired-and-reacquired lock is never released out from under its new
// holder.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// Client is the slice of the Redis API the lock service uses. *redis.Client
// satisfies it; tests substitute a fake.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Service acquires and releases distributed locks. The underlying go-redis
// client maintains its own connection pool and reconnects on failure.
type Service struct {
	client Client
	logger zerolog.Logger

	// sleep is swapped out by tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates a lock service on an existing Redis client.
func NewService(client Client, logger zerolog.Logger) *Service {
	return &Service{
		client: client,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Connect opens a Redis client and verifies connectivity with bounded
// retries.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 10 * time.Second,
	})

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(policy, ctx)); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping lock store: %w", err)
	}
	return client, nil
}

// Key returns the lock key for a wallet.
func Key(walletID string) string {
	return "lock:wallet:" + walletID
}

// Acquire sets the lock if absent and returns the holder token, or "" on
// contention.
func (s *Service) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Release atomically deletes the lock if token still holds it. Returns
// false when the lock had already expired or been taken over.
func (s *Service) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := s.client.Eval(ctx, releaseScript, []string{key}, token).Result()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	deleted, ok := res.(int64)
	return ok && deleted == 1, nil
}

// WithLock runs body while holding the lock, retrying acquisition with
// capped exponential backoff plus jitter. maxRetries <= 0 uses the default.
// Exhausting the budget returns wallet.ErrLockAcquisitionTimeout.
func (s *Service) WithLock(ctx context.Context, key string, ttl time.Duration, maxRetries int, body func(ctx context.Context) error) error {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		token, err := s.Acquire(ctx, key, ttl)
		if err != nil {
			metrics.LockAcquisitions.WithLabelValues("error").Inc()
			return err
		}
		if token != "" {
			metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
			bodyErr := body(ctx)

			released, relErr := s.Release(ctx, key, token)
			if relErr != nil {
				s.logger.Warn().Str("key", key).Err(relErr).Msg("Lock release failed")
			} else if !released {
				s.logger.Warn().Str("key", key).
					Msg("Lock expired before release, body exceeded TTL")
			}
			return bodyErr
		}

		metrics.LockAcquisitions.WithLabelValues("contended").Inc()
		if err := s.sleep(ctx, acquireDelay(attempt)); err != nil {
			return err
		}
	}

	metrics.LockAcquisitions.WithLabelValues("timeout").Inc()
	return fmt.Errorf("%w: %s after %d attempts", wallet.ErrLockAcquisitionTimeout, key, maxRetries+1)
}

// acquireDelay computes min(initial * 1.5^attempt, cap) plus uniform jitter
// in [0, delay/2).
func acquireDelay(attempt int) time.Duration {
	delay := float64(initialBackoff) * math.Pow(1.5, float64(attempt))
	if delay > float64(maxBackoff) {
		delay = float64(maxBackoff)
	}
	jitter := rand.Float64() * delay / 2
	return time.Duration(delay + jitter)
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
