// Package outbox is the durable bridge between committed events and
// downstream consumers. Rows are claimed per consumer with SKIP LOCKED and
// completion is tracked per (row, consumer), so independent consumers never
// block each other and replicas of one consumer partition work safely.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/akenzy-vlu/wallex/metrics"
	"github.com/akenzy-vlu/wallex/wallet"
)

// Message is one claimed outbox row.
type Message struct {
	ID           int64           `json:"id"`
	AggregateID  string          `json:"aggregateId"`
	EventType    string          `json:"eventType"`
	EventVersion int64           `json:"eventVersion"`
	Payload      json.RawMessage `json:"payload"`
	Metadata     json.RawMessage `json:"metadata"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Metadata is the structured metadata stored with each row. EventID carries
// the domain event's unique id through to projectors, which use it as the
// ledger reference id.
type Metadata struct {
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
	EventID       string `json:"eventId,omitempty"`
}

// ParseMetadata decodes row metadata, tolerating empty documents.
func ParseMetadata(raw json.RawMessage) Metadata {
	var meta Metadata
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &meta)
	}
	return meta
}

// EnqueueOptions carries the per-batch context for Enqueue.
type EnqueueOptions struct {
	AggregateID   string
	CorrelationID string
	CausationID   string
}

// ClaimOptions parameterizes ClaimBatch.
type ClaimOptions struct {
	Size     int
	Consumer string
	// OlderThan, when positive, restricts the claim to rows at least this
	// old. Recovery uses it to sweep stragglers without racing live traffic.
	OlderThan time.Duration
}

// Store is the Postgres-backed outbox.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates an outbox store on the shared relational pool.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Enqueue writes one row per committed event. A row that already exists for
// (aggregateId, eventVersion, eventType) is logged and skipped: the event is
// already durable and a second enqueue must not fail the command.
func (s *Store) Enqueue(ctx context.Context, events []wallet.Event, opts EnqueueOptions) error {
	const stmt = `
		INSERT INTO outbox (aggregate_id, event_type, event_version, payload, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT outbox_event_unique DO NOTHING`

	for _, evt := range events {
		metaRaw, err := json.Marshal(Metadata{
			CorrelationID: opts.CorrelationID,
			CausationID:   opts.CausationID,
			EventID:       evt.ID,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal outbox metadata: %w", err)
		}

		res, err := s.db.ExecContext(ctx, stmt,
			opts.AggregateID, evt.Type, evt.Version, []byte(evt.Payload), metaRaw)
		if err != nil {
			return fmt.Errorf("failed to enqueue outbox message: %w", err)
		}

		inserted, err := res.RowsAffected()
		if err == nil && inserted == 0 {
			s.logger.Warn().
				Str("aggregate_id", opts.AggregateID).
				Str("event_type", evt.Type).
				Int64("event_version", evt.Version).
				Msg("Outbox row already exists, skipping duplicate enqueue")
			continue
		}
		metrics.OutboxMessagesEnqueued.Inc()
	}
	return nil
}

// ClaimBatch selects up to Size rows not yet processed by Consumer, in id
// order, skipping rows locked by concurrent claimers. The legacy consumer
// column is stamped for observability; exclusion is purely the per-consumer
// processing table.
func (s *Store) ClaimBatch(ctx context.Context, opts ClaimOptions) ([]Message, error) {
	if opts.Size <= 0 || opts.Consumer == "" {
		return nil, fmt.Errorf("claim requires a positive size and a consumer name")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT o.id, o.aggregate_id, o.event_type, o.event_version, o.payload, o.metadata, o.created_at
		FROM outbox o
		WHERE NOT EXISTS (
			SELECT 1 FROM outbox_consumer_processing p
			WHERE p.outbox_id = o.id AND p.consumer_name = $1
		)`
	args := []interface{}{opts.Consumer, opts.Size}
	if opts.OlderThan > 0 {
		query += ` AND o.created_at <= now() - $3 * INTERVAL '1 second'`
		args = append(args, int64(opts.OlderThan.Seconds()))
	}
	query += `
		ORDER BY o.id ASC
		LIMIT $2
		FOR UPDATE OF o SKIP LOCKED`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox batch: %w", err)
	}

	var (
		messages []Message
		ids      []int64
	)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.AggregateID, &msg.EventType, &msg.EventVersion,
			&msg.Payload, &msg.Metadata, &msg.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, msg)
		ids = append(ids, msg.ID)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to read outbox batch: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox batch: %w", err)
	}

	if len(ids) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET consumer = $1 WHERE id = ANY($2)`,
			opts.Consumer, pq.Array(ids),
		); err != nil {
			return nil, fmt.Errorf("failed to stamp claimed rows: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return messages, nil
}

// MarkProcessed records completion of one row for a consumer. Idempotent.
func (s *Store) MarkProcessed(ctx context.Context, id int64, consumer string) error {
	return s.MarkBatchProcessed(ctx, []int64{id}, consumer)
}

// MarkBatchProcessed records completion of a batch for a consumer and stamps
// the legacy processed_at column. Re-marking already processed rows is a
// no-op.
func (s *Store) MarkBatchProcessed(ctx context.Context, ids []int64, consumer string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin mark transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_consumer_processing (outbox_id, consumer_name)
		SELECT unnest($1::bigint[]), $2
		ON CONFLICT DO NOTHING`,
		pq.Array(ids), consumer,
	); err != nil {
		return fmt.Errorf("failed to record consumer processing: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox
		SET processed_at = COALESCE(processed_at, now()), consumer = $2
		WHERE id = ANY($1)`,
		pq.Array(ids), consumer,
	); err != nil {
		return fmt.Errorf("failed to stamp processed rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mark: %w", err)
	}

	metrics.MessagesProcessed.WithLabelValues(consumer, "ok").Add(float64(len(ids)))
	return nil
}

// GetUnprocessedCount counts rows not yet processed. With a consumer name it
// uses the per-consumer table; empty means the legacy processed_at marker.
func (s *Store) GetUnprocessedCount(ctx context.Context, consumer string) (int64, error) {
	var (
		count int64
		err   error
	)
	if consumer == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL`,
		).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM outbox o
			WHERE NOT EXISTS (
				SELECT 1 FROM outbox_consumer_processing p
				WHERE p.outbox_id = o.id AND p.consumer_name = $1
			)`, consumer,
		).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count unprocessed outbox rows: %w", err)
	}
	return count, nil
}

// GetOutboxLag returns the age of the oldest row without a legacy processed
// stamp, zero when the outbox is drained.
func (s *Store) GetOutboxLag(ctx context.Context) (time.Duration, error) {
	var seconds float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(EXTRACT(EPOCH FROM (now() - MIN(created_at))), 0)
		FROM outbox WHERE processed_at IS NULL`,
	).Scan(&seconds)
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox lag: %w", err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// StaleStats describes outbox backlog health for recovery and ops.
type StaleStats struct {
	StaleEvents          int64         `json:"stale_events"`
	OldestStaleEventAge  time.Duration `json:"-"`
	UnprocessedEvents    int64         `json:"unprocessed_events"`
	OldestStaleEventSecs float64       `json:"oldest_stale_event_age_seconds"`
}

// ResetStale clears the legacy consumer stamp on rows that have sat
// unprocessed longer than olderThan, so any worker may re-claim them.
// Returns how many rows were reset.
func (s *Store) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET consumer = NULL
		WHERE processed_at IS NULL
		  AND consumer IS NOT NULL
		  AND created_at < now() - $1 * INTERVAL '1 second'`,
		int64(olderThan.Seconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale outbox rows: %w", err)
	}
	reset, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return reset, nil
}

// ResetAllUnprocessed clears the consumer stamp on every unprocessed row,
// regardless of age. For operator-driven reprocessing.
func (s *Store) ResetAllUnprocessed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET consumer = NULL
		WHERE processed_at IS NULL AND consumer IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset unprocessed outbox rows: %w", err)
	}
	reset, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return reset, nil
}

// GetStaleStats reports the unprocessed backlog and how stale its oldest
// entry is, using the staleAfter window to classify rows as stale.
func (s *Store) GetStaleStats(ctx context.Context, staleAfter time.Duration) (StaleStats, error) {
	var stats StaleStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE created_at < now() - $1 * INTERVAL '1 second'),
			COALESCE(EXTRACT(EPOCH FROM (now() - MIN(created_at) FILTER (WHERE created_at < now() - $1 * INTERVAL '1 second'))), 0),
			COUNT(*)
		FROM outbox
		WHERE processed_at IS NULL`,
		int64(staleAfter.Seconds()),
	).Scan(&stats.StaleEvents, &stats.OldestStaleEventSecs, &stats.UnprocessedEvents)
	if err != nil {
		return stats, fmt.Errorf("failed to read outbox stale stats: %w", err)
	}
	stats.OldestStaleEventAge = time.Duration(stats.OldestStaleEventSecs * float64(time.Second))
	return stats, nil
}

// Cleanup deletes rows whose legacy processed stamp is older than the given
// number of days. Per-consumer processing rows cascade.
func (s *Store) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 1 {
		return 0, fmt.Errorf("cleanup window must be at least one day")
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < now() - $1 * INTERVAL '1 day'`,
		olderThanDays,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up outbox: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return removed, nil
}
