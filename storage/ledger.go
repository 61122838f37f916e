package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/akenzy-vlu/wallex/wallet"
)

// Ledger transaction types.
const (
	TransactionCredit      = "CREDIT"
	TransactionDebit       = "DEBIT"
	TransactionTransferIn  = "TRANSFER_IN"
	TransactionTransferOut = "TRANSFER_OUT"
)

// LedgerEntry is one immutable row of the balance history projection.
type LedgerEntry struct {
	ID              int64           `json:"id"`
	WalletID        string          `json:"walletId"`
	TransactionType string          `json:"transactionType"`
	Amount          wallet.Money    `json:"amount"`
	BalanceBefore   wallet.Money    `json:"balanceBefore"`
	BalanceAfter    wallet.Money    `json:"balanceAfter"`
	Description     string          `json:"description,omitempty"`
	ReferenceID     string          `json:"referenceId"`
	RelatedWalletID string          `json:"relatedWalletId,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// LedgerStore persists ledger entries. ReferenceID uniqueness makes replay
// of the same event a no-op.
type LedgerStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewLedgerStore creates a ledger store.
func NewLedgerStore(db *sql.DB, logger zerolog.Logger) *LedgerStore {
	return &LedgerStore{db: db, logger: logger}
}

// LatestBalance returns the balance_after of the wallet's newest entry, or
// zero when the wallet has no entries yet.
func (s *LedgerStore) LatestBalance(ctx context.Context, walletID string) (wallet.Money, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance_after FROM ledger_entries
		WHERE wallet_id = $1
		ORDER BY id DESC
		LIMIT 1`, walletID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read latest ledger balance: %w", err)
	}
	return wallet.Money(balance), nil
}

// HasReference reports whether an entry with this reference id exists.
func (s *LedgerStore) HasReference(ctx context.Context, referenceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE reference_id = $1)`, referenceID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger reference: %w", err)
	}
	return exists, nil
}

// Insert writes one ledger entry. A duplicate reference id means the event
// was already projected; that is reported as inserted=false, not an error.
func (s *LedgerStore) Insert(ctx context.Context, entry LedgerEntry) (bool, error) {
	metadata := entry.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(wallet_id, transaction_type, amount, balance_before, balance_after,
			 description, reference_id, related_wallet_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.WalletID,
		entry.TransactionType,
		int64(entry.Amount),
		int64(entry.BalanceBefore),
		int64(entry.BalanceAfter),
		nullIfEmpty(entry.Description),
		entry.ReferenceID,
		nullIfEmpty(entry.RelatedWalletID),
		[]byte(metadata),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			s.logger.Debug().
				Str("wallet_id", entry.WalletID).
				Str("reference_id", entry.ReferenceID).
				Msg("Ledger entry already exists, idempotent replay")
			return false, nil
		}
		return false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return true, nil
}

// ListByWallet returns the newest entries for a wallet.
func (s *LedgerStore) ListByWallet(ctx context.Context, walletID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_id, transaction_type, amount, balance_before, balance_after,
		       COALESCE(description, ''), reference_id, COALESCE(related_wallet_id, ''),
		       metadata, created_at
		FROM ledger_entries
		WHERE wallet_id = $1
		ORDER BY id DESC
		LIMIT $2`, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var (
			e                     LedgerEntry
			amount, before, after int64
		)
		if err := rows.Scan(&e.ID, &e.WalletID, &e.TransactionType, &amount, &before, &after,
			&e.Description, &e.ReferenceID, &e.RelatedWalletID, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Amount = wallet.Money(amount)
		e.BalanceBefore = wallet.Money(before)
		e.BalanceAfter = wallet.Money(after)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
