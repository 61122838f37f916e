// Package schema owns the DDL for both stores. Tables are created
// if missing at startup; there is no migration history, matching the
// create-or-reuse deployment model of the service.
package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// eventStoreStatements create the append-only event log and the snapshot
// streams. The (stream_id, version) primary key is what the optimistic
// concurrency check ultimately rests on.
var eventStoreStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		stream_id   TEXT        NOT NULL,
		version     BIGINT      NOT NULL,
		event_id    TEXT        NOT NULL,
		event_type  TEXT        NOT NULL,
		payload     JSONB       NOT NULL,
		metadata    JSONB       NOT NULL DEFAULT '{}',
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (stream_id, version)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_event_id ON events (event_id)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		stream_id  TEXT        NOT NULL,
		position   BIGINT      NOT NULL,
		state      JSONB       NOT NULL,
		version    BIGINT      NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (stream_id, position)
	)`,
}

// relationalStatements create everything the write-side mirror, outbox,
// projections, idempotency cache, and checkpoints need. The UNIQUE
// constraints here are load-bearing: outbox dedupe, per-consumer cursors,
// and idempotent ledger replay all rely on them.
var relationalStatements = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
		wallet_id  TEXT        PRIMARY KEY,
		owner_id   TEXT        NOT NULL,
		balance    BIGINT      NOT NULL DEFAULT 0,
		version    BIGINT      NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS wallet_read_models (
		wallet_id          TEXT        PRIMARY KEY,
		owner_id           TEXT        NOT NULL,
		balance            BIGINT      NOT NULL DEFAULT 0,
		last_event_version BIGINT      NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id                BIGSERIAL   PRIMARY KEY,
		wallet_id         TEXT        NOT NULL,
		transaction_type  TEXT        NOT NULL,
		amount            BIGINT      NOT NULL,
		balance_before    BIGINT      NOT NULL,
		balance_after     BIGINT      NOT NULL,
		description       TEXT,
		reference_id      TEXT        NOT NULL,
		related_wallet_id TEXT,
		metadata          JSONB       NOT NULL DEFAULT '{}',
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT ledger_entries_reference_unique UNIQUE (reference_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_wallet ON ledger_entries (wallet_id, id)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id            BIGSERIAL   PRIMARY KEY,
		aggregate_id  TEXT        NOT NULL,
		event_type    TEXT        NOT NULL,
		event_version BIGINT      NOT NULL,
		payload       JSONB       NOT NULL,
		metadata      JSONB       NOT NULL DEFAULT '{}',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		processed_at  TIMESTAMPTZ,
		consumer      TEXT,
		CONSTRAINT outbox_event_unique UNIQUE (aggregate_id, event_version, event_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed ON outbox (id) WHERE processed_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_created_at ON outbox (created_at)`,
	`CREATE TABLE IF NOT EXISTS outbox_consumer_processing (
		outbox_id     BIGINT      NOT NULL REFERENCES outbox (id) ON DELETE CASCADE,
		consumer_name TEXT        NOT NULL,
		processed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (outbox_id, consumer_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ocp_consumer ON outbox_consumer_processing (consumer_name, outbox_id)`,
	`CREATE TABLE IF NOT EXISTS projector_checkpoints (
		projector_name         TEXT        PRIMARY KEY,
		aggregate_id           TEXT,
		last_processed_version BIGINT      NOT NULL DEFAULT -1,
		last_processed_id      BIGINT      NOT NULL DEFAULT 0,
		last_processed_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		metadata               JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_records (
		key          TEXT        PRIMARY KEY,
		request_hash TEXT        NOT NULL,
		response     JSONB,
		status       TEXT        NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records (expires_at)`,
	`CREATE TABLE IF NOT EXISTS wallet_holds (
		id           BIGSERIAL   PRIMARY KEY,
		wallet_id    TEXT        NOT NULL,
		amount       BIGINT      NOT NULL,
		status       TEXT        NOT NULL DEFAULT 'PENDING',
		reference_id TEXT        UNIQUE,
		expires_at   TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureEventStore creates the event log tables on the dedicated event
// store database.
func EnsureEventStore(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range eventStoreStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure event store schema: %w", err)
		}
	}
	return nil
}

// EnsureSchema creates the relational tables used by the outbox,
// projections, idempotency cache, and recovery.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range relationalStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
