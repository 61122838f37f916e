// Package eventstore persists wallet event streams and snapshots in
// Postgres. It runs on its own connection pool so event log I/O never
// competes with outbox and projection traffic.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/akenzy-vlu/wallex/wallet"
)

const uniqueViolation = "23505"

// knownEventTypes is the set this service can fold. Reads warn about
// anything else but still return it so version arithmetic stays intact.
var knownEventTypes = map[string]struct{}{
	wallet.EventTypeWalletCreated:  {},
	wallet.EventTypeWalletCredited: {},
	wallet.EventTypeWalletDebited:  {},
}

// Store is the append-only event log.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New creates a Store on an existing pool.
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Connect opens the event store pool and verifies connectivity with a
// bounded retry, so a briefly unavailable database does not kill startup.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create event store pool: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(policy, ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping event store: %w", err)
	}
	return pool, nil
}

// StreamID returns the event stream identifier for a wallet.
func StreamID(walletID string) string {
	return "wallet-" + walletID
}

// SnapshotStreamID returns the snapshot stream identifier for a wallet.
func SnapshotStreamID(walletID string) string {
	return "snapshot-wallet-" + walletID
}

type eventMetadata struct {
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
}

// ReadStream returns all events for the aggregate in ascending version
// order. A missing stream yields an empty slice, not an error.
func (s *Store) ReadStream(ctx context.Context, aggregateID string) ([]wallet.Event, error) {
	return s.readFrom(ctx, aggregateID, 0)
}

// ReadStreamFromVersion returns events with version >= fromVersion.
func (s *Store) ReadStreamFromVersion(ctx context.Context, aggregateID string, fromVersion int64) ([]wallet.Event, error) {
	return s.readFrom(ctx, aggregateID, fromVersion)
}

func (s *Store) readFrom(ctx context.Context, aggregateID string, fromVersion int64) ([]wallet.Event, error) {
	const query = `
		SELECT event_id, event_type, version, payload, metadata, occurred_at
		FROM events
		WHERE stream_id = $1 AND version >= $2
		ORDER BY version ASC`

	rows, err := s.pool.Query(ctx, query, StreamID(aggregateID), fromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", StreamID(aggregateID), err)
	}
	defer rows.Close()

	var events []wallet.Event
	for rows.Next() {
		var (
			evt      wallet.Event
			metaRaw  []byte
			occurred time.Time
		)
		if err := rows.Scan(&evt.ID, &evt.Type, &evt.Version, &evt.Payload, &metaRaw, &occurred); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		evt.AggregateID = aggregateID
		evt.OccurredAt = occurred.UTC()

		var meta eventMetadata
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &meta); err != nil {
				s.logger.Warn().
					Str("stream_id", StreamID(aggregateID)).
					Int64("version", evt.Version).
					Err(err).
					Msg("Malformed event metadata, ignoring")
			}
		}
		evt.CorrelationID = meta.CorrelationID
		evt.CausationID = meta.CausationID

		if _, known := knownEventTypes[evt.Type]; !known {
			s.logger.Warn().
				Str("stream_id", StreamID(aggregateID)).
				Str("event_type", evt.Type).
				Int64("version", evt.Version).
				Msg("Unknown event type in stream, state fold will skip it")
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", StreamID(aggregateID), err)
	}
	return events, nil
}

// AppendToStream atomically appends events with an expected-version check.
// expectedVersion -1 means the stream must not exist. Appended events get
// contiguous versions starting at expectedVersion+1 and the append-time
// clock, and are returned in stored form.
func (s *Store) AppendToStream(ctx context.Context, aggregateID string, events []wallet.Event, expectedVersion int64) ([]wallet.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	streamID := StreamID(aggregateID)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the stream head. Two first-appends have no row to contend on;
	// the (stream_id, version) primary key settles that race below.
	var head int64 = -1
	err = tx.QueryRow(ctx,
		`SELECT version FROM events WHERE stream_id = $1 ORDER BY version DESC LIMIT 1 FOR UPDATE`,
		streamID,
	).Scan(&head)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to read stream head: %w", err)
	}

	if head != expectedVersion {
		return nil, &wallet.ConcurrencyConflictError{
			StreamID: streamID,
			Expected: expectedVersion,
			Actual:   head,
		}
	}

	appendedAt := time.Now().UTC()
	stored := make([]wallet.Event, len(events))
	for i, evt := range events {
		evt.AggregateID = aggregateID
		evt.Version = expectedVersion + 1 + int64(i)
		evt.OccurredAt = appendedAt

		metaRaw, err := json.Marshal(eventMetadata{
			CorrelationID: evt.CorrelationID,
			CausationID:   evt.CausationID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event metadata: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO events (stream_id, version, event_id, event_type, payload, metadata, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			streamID, evt.Version, evt.ID, evt.Type, []byte(evt.Payload), metaRaw, appendedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, &wallet.ConcurrencyConflictError{
					StreamID: streamID,
					Expected: expectedVersion,
					Actual:   s.headVersion(ctx, streamID),
				}
			}
			return nil, fmt.Errorf("failed to append event %s: %w", evt.Type, err)
		}
		stored[i] = evt
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, &wallet.ConcurrencyConflictError{
				StreamID: streamID,
				Expected: expectedVersion,
				Actual:   s.headVersion(ctx, streamID),
			}
		}
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}

	s.logger.Debug().
		Str("stream_id", streamID).
		Int("events", len(stored)).
		Int64("head", stored[len(stored)-1].Version).
		Msg("Appended events")
	return stored, nil
}

// headVersion best-effort reads the current head for conflict reporting.
func (s *Store) headVersion(ctx context.Context, streamID string) int64 {
	var head int64 = -1
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), -1) FROM events WHERE stream_id = $1`,
		streamID,
	).Scan(&head)
	if err != nil {
		return -1
	}
	return head
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
