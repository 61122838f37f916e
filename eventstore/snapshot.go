package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/akenzy-vlu/wallex/wallet"
)

// StoredSnapshot is one entry in a wallet's snapshot stream. Version is the
// aggregate version the state covers; SnapshotVersion is the entry's
// position within the snapshot stream.
type StoredSnapshot struct {
	AggregateID     string
	State           wallet.Snapshot
	Version         int64
	SnapshotVersion int64
	Timestamp       time.Time
}

// GetLatestSnapshot returns the most recent snapshot for the aggregate, or
// nil when none exists. Snapshots may lag the stream head; callers must
// replay the tail.
func (s *Store) GetLatestSnapshot(ctx context.Context, aggregateID string) (*StoredSnapshot, error) {
	const query = `
		SELECT position, state, version, created_at
		FROM snapshots
		WHERE stream_id = $1
		ORDER BY position DESC
		LIMIT 1`

	var (
		snap     StoredSnapshot
		stateRaw []byte
	)
	err := s.pool.QueryRow(ctx, query, SnapshotStreamID(aggregateID)).
		Scan(&snap.SnapshotVersion, &stateRaw, &snap.Version, &snap.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot for %s: %w", aggregateID, err)
	}

	if err := json.Unmarshal(stateRaw, &snap.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot state for %s: %w", aggregateID, err)
	}
	snap.AggregateID = aggregateID
	snap.Timestamp = snap.Timestamp.UTC()
	return &snap, nil
}

// SaveSnapshot appends the state to the aggregate's snapshot stream and
// prunes entries beyond the keepLast retention.
func (s *Store) SaveSnapshot(ctx context.Context, state wallet.Snapshot, keepLast int) error {
	if keepLast < 1 {
		keepLast = 1
	}
	streamID := SnapshotStreamID(state.ID)

	stateRaw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot state: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var head int64 = -1
	err = tx.QueryRow(ctx,
		`SELECT position FROM snapshots WHERE stream_id = $1 ORDER BY position DESC LIMIT 1 FOR UPDATE`,
		streamID,
	).Scan(&head)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to read snapshot head: %w", err)
	}

	next := head + 1
	_, err = tx.Exec(ctx,
		`INSERT INTO snapshots (stream_id, position, state, version) VALUES ($1, $2, $3, $4)`,
		streamID, next, stateRaw, state.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM snapshots WHERE stream_id = $1 AND position <= $2`,
		streamID, next-int64(keepLast),
	)
	if err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	s.logger.Debug().
		Str("stream_id", streamID).
		Int64("position", next).
		Int64("version", state.Version).
		Msg("Saved snapshot")
	return nil
}

// StreamStore is the slice of Store the snapshot service depends on.
type StreamStore interface {
	ReadStream(ctx context.Context, aggregateID string) ([]wallet.Event, error)
	ReadStreamFromVersion(ctx context.Context, aggregateID string, fromVersion int64) ([]wallet.Event, error)
	GetLatestSnapshot(ctx context.Context, aggregateID string) (*StoredSnapshot, error)
	SaveSnapshot(ctx context.Context, state wallet.Snapshot, keepLast int) error
}

// SnapshotService loads aggregates through the snapshot store and decides
// when a fresh snapshot is due.
type SnapshotService struct {
	store     StreamStore
	threshold int64
	keepLast  int
	logger    zerolog.Logger
}

// NewSnapshotService creates a SnapshotService. threshold is the event-count
// cadence between snapshots; keepLast the per-stream retention.
func NewSnapshotService(store StreamStore, threshold, keepLast int, logger zerolog.Logger) *SnapshotService {
	if threshold < 1 {
		threshold = 100
	}
	if keepLast < 1 {
		keepLast = 3
	}
	return &SnapshotService{
		store:     store,
		threshold: int64(threshold),
		keepLast:  keepLast,
		logger:    logger,
	}
}

// LoadAggregate rehydrates a wallet from its latest snapshot plus the tail
// of the stream, falling back to a full replay when no snapshot exists.
// Returns wallet.ErrWalletNotFound for an absent stream.
func (s *SnapshotService) LoadAggregate(ctx context.Context, walletID string) (*wallet.Wallet, error) {
	snap, err := s.store.GetLatestSnapshot(ctx, walletID)
	if err != nil {
		// A broken snapshot store must not make wallets unreadable.
		s.logger.Warn().Str("wallet_id", walletID).Err(err).
			Msg("Snapshot load failed, replaying full stream")
		snap = nil
	}

	if snap == nil {
		events, err := s.store.ReadStream(ctx, walletID)
		if err != nil {
			return nil, err
		}
		return wallet.Rehydrate(walletID, events)
	}

	tail, err := s.store.ReadStreamFromVersion(ctx, walletID, snap.Version)
	if err != nil {
		return nil, err
	}
	return wallet.RehydrateFromSnapshot(snap.State, tail)
}

// MaybeSnapshot writes a snapshot when the aggregate has crossed the
// cadence boundary. Failures are reported but are not fatal to commands.
func (s *SnapshotService) MaybeSnapshot(ctx context.Context, w *wallet.Wallet) (bool, error) {
	if w.Version() == 0 || w.Version()%s.threshold != 0 {
		return false, nil
	}
	if err := s.store.SaveSnapshot(ctx, w.Snapshot(), s.keepLast); err != nil {
		return false, err
	}
	return true, nil
}
