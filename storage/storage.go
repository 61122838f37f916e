// Package storage holds the relational stores shared by the write side,
// the projectors, and recovery: wallet mirrors, read models, ledger
// entries, and projector checkpoints.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"

	"github.com/akenzy-vlu/wallex/wallet"
)

// Connect opens the shared relational pool with the service's pool tuning
// and verifies connectivity with bounded retries.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// WalletRow is a denormalized wallet as stored in the write-side mirror and
// the read model. Version is the aggregate version for mirror rows and the
// last applied event position for read-model rows.
type WalletRow struct {
	WalletID  string       `json:"id"`
	OwnerID   string       `json:"ownerId"`
	Balance   wallet.Money `json:"balance"`
	Version   int64        `json:"version"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}
