package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Checkpoint is a projector's durable progress marker. LastProcessedID is the
// primary idempotency guard (outbox id ordering is global); the aggregate and
// version fields are a secondary guard that only ever skips work.
type Checkpoint struct {
	ProjectorName        string          `json:"projectorName"`
	AggregateID          string          `json:"aggregateId,omitempty"`
	LastProcessedVersion int64           `json:"lastProcessedVersion"`
	LastProcessedID      int64           `json:"lastProcessedId"`
	LastProcessedAt      time.Time       `json:"lastProcessedAt"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
}

// CheckpointStore persists projector checkpoints.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore creates a checkpoint store.
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Get returns the checkpoint for a projector. A projector that has never
// saved gets a zero checkpoint (LastProcessedVersion -1, LastProcessedID 0)
// rather than an error, so first runs need no special casing.
func (s *CheckpointStore) Get(ctx context.Context, projectorName string) (Checkpoint, error) {
	cp := Checkpoint{ProjectorName: projectorName, LastProcessedVersion: -1}

	var aggregateID sql.NullString
	var metadata []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT aggregate_id, last_processed_version, last_processed_id, last_processed_at, metadata
		FROM projector_checkpoints
		WHERE projector_name = $1`, projectorName,
	).Scan(&aggregateID, &cp.LastProcessedVersion, &cp.LastProcessedID, &cp.LastProcessedAt, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("failed to load checkpoint for %s: %w", projectorName, err)
	}

	cp.AggregateID = aggregateID.String
	cp.LastProcessedAt = cp.LastProcessedAt.UTC()
	cp.Metadata = metadata
	return cp, nil
}

// Save upserts the checkpoint after a message is applied.
func (s *CheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	metadata := cp.Metadata
	if len(metadata) == 0 {
		metadata = nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projector_checkpoints
			(projector_name, aggregate_id, last_processed_version, last_processed_id, last_processed_at, metadata)
		VALUES ($1, $2, $3, $4, now(), $5)
		ON CONFLICT (projector_name) DO UPDATE SET
			aggregate_id           = EXCLUDED.aggregate_id,
			last_processed_version = EXCLUDED.last_processed_version,
			last_processed_id      = EXCLUDED.last_processed_id,
			last_processed_at      = now(),
			metadata               = EXCLUDED.metadata`,
		cp.ProjectorName, nullIfEmpty(cp.AggregateID), cp.LastProcessedVersion, cp.LastProcessedID, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", cp.ProjectorName, err)
	}
	return nil
}

// List returns every checkpoint, for the ops stats endpoint.
func (s *CheckpointStore) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT projector_name, aggregate_id, last_processed_version, last_processed_id, last_processed_at
		FROM projector_checkpoints
		ORDER BY projector_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var aggregateID sql.NullString
		if err := rows.Scan(&cp.ProjectorName, &aggregateID, &cp.LastProcessedVersion,
			&cp.LastProcessedID, &cp.LastProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.AggregateID = aggregateID.String
		cp.LastProcessedAt = cp.LastProcessedAt.UTC()
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return out, nil
}
