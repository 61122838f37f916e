// Package idempotency dedupes client commands by key. A record's lifecycle
// is PENDING while the first request runs, then COMPLETED with the cached
// response or FAILED to permit a retry. Records expire after a TTL.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/akenzy-vlu/wallex/metrics"
	"github.com/akenzy-vlu/wallex/wallet"
)

// Record statuses.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// DefaultTTL is the record lifetime when none is configured.
const DefaultTTL = 24 * time.Hour

// Cache is the Postgres-backed idempotency store.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCache creates a cache with the given record TTL.
func NewCache(db *sql.DB, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{db: db, ttl: ttl, logger: logger}
}

// HashRequest computes a stable SHA-256 over the canonical JSON form of the
// payload. Key order in the incoming document does not affect the hash.
func HashRequest(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request for hashing: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to canonicalize request: %w", err)
	}

	// encoding/json emits map keys in sorted order, which is the canonical
	// form we hash.
	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize request: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

type record struct {
	requestHash string
	response    []byte
	status      string
	expiresAt   time.Time
}

// evaluate maps a fetched record onto the tryGet contract. A nil record is
// a miss. It returns the cached response on a hit, expired=true when the
// record should be deleted, or one of the taxonomy errors.
func evaluate(rec *record, requestHash string, now time.Time) (response []byte, expired bool, err error) {
	if rec == nil {
		return nil, false, nil
	}
	if now.After(rec.expiresAt) {
		return nil, true, nil
	}
	switch rec.status {
	case StatusPending:
		return nil, false, wallet.ErrConflictInProgress
	case StatusFailed:
		return nil, false, nil
	case StatusCompleted:
		if rec.requestHash == requestHash {
			return rec.response, false, nil
		}
		return nil, false, wallet.ErrIdempotencyKeyReuse
	default:
		// Treat unknown statuses as misses rather than wedging the key.
		return nil, false, nil
	}
}

// TryGet returns the cached response for key, or nil on a miss. Expired
// records are deleted and treated as misses. A still-PENDING record raises
// wallet.ErrConflictInProgress; a completed record with a different request
// hash raises wallet.ErrIdempotencyKeyReuse.
func (c *Cache) TryGet(ctx context.Context, key, requestHash string) ([]byte, error) {
	var rec record
	err := c.db.QueryRowContext(ctx,
		`SELECT request_hash, response, status, expires_at FROM idempotency_records WHERE key = $1`,
		key,
	).Scan(&rec.requestHash, &rec.response, &rec.status, &rec.expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.IdempotencyHits.WithLabelValues("miss").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	response, expired, err := evaluate(&rec, requestHash, time.Now().UTC())
	if expired {
		if _, delErr := c.db.ExecContext(ctx,
			`DELETE FROM idempotency_records WHERE key = $1 AND expires_at < now()`, key,
		); delErr != nil {
			c.logger.Warn().Str("key", key).Err(delErr).Msg("Failed to delete expired idempotency record")
		}
		metrics.IdempotencyHits.WithLabelValues("expired").Inc()
		return nil, nil
	}
	switch {
	case errors.Is(err, wallet.ErrConflictInProgress):
		metrics.IdempotencyHits.WithLabelValues("pending_conflict").Inc()
	case errors.Is(err, wallet.ErrIdempotencyKeyReuse):
		metrics.IdempotencyHits.WithLabelValues("key_reuse").Inc()
	case response != nil:
		metrics.IdempotencyHits.WithLabelValues("hit").Inc()
	default:
		metrics.IdempotencyHits.WithLabelValues("miss").Inc()
	}
	return response, err
}

// StorePending claims the key for this request. Expired and FAILED rows are
// atomically taken over; a live PENDING or COMPLETED row means a concurrent
// duplicate and raises wallet.ErrConflictInProgress.
func (c *Cache) StorePending(ctx context.Context, key, requestHash string) error {
	var claimed string
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_records (key, request_hash, status, created_at, expires_at)
		VALUES ($1, $2, $3, now(), now() + $4 * INTERVAL '1 second')
		ON CONFLICT (key) DO UPDATE SET
			request_hash = EXCLUDED.request_hash,
			status       = EXCLUDED.status,
			response     = NULL,
			created_at   = now(),
			expires_at   = EXCLUDED.expires_at
		WHERE idempotency_records.status = $5 OR idempotency_records.expires_at < now()
		RETURNING key`,
		key, requestHash, StatusPending, int64(c.ttl.Seconds()), StatusFailed,
	).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.ErrConflictInProgress
	}
	if err != nil {
		return fmt.Errorf("failed to store pending idempotency record: %w", err)
	}
	return nil
}

// Store records the successful response for key, completing the PENDING row
// or inserting directly when none exists.
func (c *Cache) Store(ctx context.Context, key, requestHash string, response []byte) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, request_hash, response, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, now(), now() + $5 * INTERVAL '1 second')
		ON CONFLICT (key) DO UPDATE SET
			status   = EXCLUDED.status,
			response = EXCLUDED.response`,
		key, requestHash, response, StatusCompleted, int64(c.ttl.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("failed to store idempotency response: %w", err)
	}
	return nil
}

// MarkFailed releases the key after a failed command so the client may
// retry. Completed records are left untouched.
func (c *Cache) MarkFailed(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE idempotency_records SET status = $2 WHERE key = $1 AND status = $3`,
		key, StatusFailed, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to mark idempotency record failed: %w", err)
	}
	return nil
}

// Cleanup deletes expired records and returns how many were removed.
func (c *Cache) Cleanup(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up idempotency records: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return removed, nil
}
