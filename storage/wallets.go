package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/akenzy-vlu/wallex/wallet"
)

// WriteSideStore maintains the denormalized wallet mirror updated by command
// handlers. The mirror is best-effort: the event log is the source of truth
// and recovery repairs gaps.
type WriteSideStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewWriteSideStore creates a write-side store.
func NewWriteSideStore(db *sql.DB, logger zerolog.Logger) *WriteSideStore {
	return &WriteSideStore{db: db, logger: logger}
}

// Exists reports whether a mirror row exists for the wallet.
func (s *WriteSideStore) Exists(ctx context.Context, walletID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM wallets WHERE wallet_id = $1)`, walletID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check wallet existence: %w", err)
	}
	return exists, nil
}

// Create inserts the mirror row. An existing row is left alone; the caller
// has already rejected duplicate creation against the stream.
func (s *WriteSideStore) Create(ctx context.Context, snap wallet.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (wallet_id, owner_id, balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (wallet_id) DO NOTHING`,
		snap.ID, snap.OwnerID, int64(snap.Balance), snap.Version, snap.CreatedAt, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create wallet mirror row: %w", err)
	}
	return nil
}

// Update advances the mirror row, guarded so a stale writer never moves the
// version backwards.
func (s *WriteSideStore) Update(ctx context.Context, snap wallet.Snapshot) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET balance = $2, version = $3, updated_at = $4
		WHERE wallet_id = $1 AND version < $3`,
		snap.ID, int64(snap.Balance), snap.Version, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update wallet mirror row: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		s.logger.Debug().Str("wallet_id", snap.ID).Int64("version", snap.Version).
			Msg("Wallet mirror already at or beyond version, skipping update")
	}
	return nil
}

// Get returns the mirror row, or nil when absent.
func (s *WriteSideStore) Get(ctx context.Context, walletID string) (*WalletRow, error) {
	var row WalletRow
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT wallet_id, owner_id, balance, version, created_at, updated_at
		FROM wallets WHERE wallet_id = $1`, walletID,
	).Scan(&row.WalletID, &row.OwnerID, &balance, &row.Version, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet mirror row: %w", err)
	}
	row.Balance = wallet.Money(balance)
	return &row, nil
}

// ListIDs returns every wallet id known to either the mirror or the read
// model, for full rebuilds.
func (s *WriteSideStore) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wallet_id FROM wallets
		UNION
		SELECT wallet_id FROM wallet_read_models
		ORDER BY wallet_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan wallet id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list wallet ids: %w", err)
	}
	return ids, nil
}

// ReadModelStore is the projector-owned wallet view served by queries. All
// writes are guarded by the last applied event position, making replayed
// deliveries harmless.
type ReadModelStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewReadModelStore creates a read model store.
func NewReadModelStore(db *sql.DB, logger zerolog.Logger) *ReadModelStore {
	return &ReadModelStore{db: db, logger: logger}
}

// UpsertCreated installs the wallet row for a WalletCreated event. Replays
// and older events never regress a newer row.
func (s *ReadModelStore) UpsertCreated(ctx context.Context, walletID, ownerID string, balance wallet.Money, eventVersion int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_read_models (wallet_id, owner_id, balance, last_event_version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (wallet_id) DO UPDATE SET
			owner_id           = EXCLUDED.owner_id,
			balance            = EXCLUDED.balance,
			last_event_version = EXCLUDED.last_event_version,
			updated_at         = now()
		WHERE wallet_read_models.last_event_version < EXCLUDED.last_event_version`,
		walletID, ownerID, int64(balance), eventVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert read model row: %w", err)
	}
	return nil
}

// ApplyDelta adjusts the balance for a credit or debit event. It reports
// whether the row was updated and whether the wallet exists at all, so the
// caller can tell a replay skip from a missing wallet.
func (s *ReadModelStore) ApplyDelta(ctx context.Context, walletID string, delta wallet.Money, eventVersion int64) (applied, found bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wallet_read_models
		SET balance = balance + $2, last_event_version = $3, updated_at = now()
		WHERE wallet_id = $1 AND last_event_version < $3`,
		walletID, int64(delta), eventVersion,
	)
	if err != nil {
		return false, false, fmt.Errorf("failed to apply read model delta: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, false, fmt.Errorf("failed to apply read model delta: %w", err)
	}
	if rows > 0 {
		return true, true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM wallet_read_models WHERE wallet_id = $1)`, walletID,
	).Scan(&exists); err != nil {
		return false, false, fmt.Errorf("failed to check read model existence: %w", err)
	}
	return false, exists, nil
}

// Rebuild force-installs a replayed state, bypassing the version guard.
func (s *ReadModelStore) Rebuild(ctx context.Context, snap wallet.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_read_models (wallet_id, owner_id, balance, last_event_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (wallet_id) DO UPDATE SET
			owner_id           = EXCLUDED.owner_id,
			balance            = EXCLUDED.balance,
			last_event_version = EXCLUDED.last_event_version,
			updated_at         = now()`,
		snap.ID, snap.OwnerID, int64(snap.Balance), snap.Version-1, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to rebuild read model row: %w", err)
	}
	return nil
}

// Get returns the read model row, or nil when absent.
func (s *ReadModelStore) Get(ctx context.Context, walletID string) (*WalletRow, error) {
	var row WalletRow
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT wallet_id, owner_id, balance, last_event_version, created_at, updated_at
		FROM wallet_read_models WHERE wallet_id = $1`, walletID,
	).Scan(&row.WalletID, &row.OwnerID, &balance, &row.Version, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read read model row: %w", err)
	}
	row.Balance = wallet.Money(balance)
	return &row, nil
}

// List returns read model rows most recently updated first.
func (s *ReadModelStore) List(ctx context.Context, limit int) ([]WalletRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT wallet_id, owner_id, balance, last_event_version, created_at, updated_at
		FROM wallet_read_models
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list read model rows: %w", err)
	}
	defer rows.Close()

	var out []WalletRow
	for rows.Next() {
		var row WalletRow
		var balance int64
		if err := rows.Scan(&row.WalletID, &row.OwnerID, &balance, &row.Version,
			&row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan read model row: %w", err)
		}
		row.Balance = wallet.Money(balance)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list read model rows: %w", err)
	}
	return out, nil
}
