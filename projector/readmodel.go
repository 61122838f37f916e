package projector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/akenzy-vlu/wallex/outbox"
	"github.com/akenzy-vlu/wallex/storage"
	"github.com/akenzy-vlu/wallex/wallet"
)

// ReadModelConsumer is the outbox consumer name for the read-model projector.
const ReadModelConsumer = "read-model-projector"

// ReadModelWriter is the slice of the read model store the projector writes
// through.
type ReadModelWriter interface {
	UpsertCreated(ctx context.Context, walletID, ownerID string, balance wallet.Money, eventVersion int64) error
	ApplyDelta(ctx context.Context, walletID string, delta wallet.Money, eventVersion int64) (applied, found bool, err error)
	Get(ctx context.Context, walletID string) (*storage.WalletRow, error)
}

// ReadModel projects wallet events into the denormalized wallet view served
// by queries. All writes are version-guarded upserts, so redelivery and
// rebuild replays are harmless.
type ReadModel struct {
	store  ReadModelWriter
	logger zerolog.Logger
}

// NewReadModel creates the read-model projection handler.
func NewReadModel(store ReadModelWriter, logger zerolog.Logger) *ReadModel {
	return &ReadModel{store: store, logger: logger}
}

// IsAlreadyProcessed reports whether the read model already covers this
// event's position.
func (r *ReadModel) IsAlreadyProcessed(ctx context.Context, msg outbox.Message) (bool, error) {
	row, err := r.store.Get(ctx, msg.AggregateID)
	if err != nil {
		return false, err
	}
	return row != nil && row.Version >= msg.EventVersion, nil
}

// Apply folds one event into the wallet row. A credit or debit for a wallet
// the read model has never seen is logged and dropped: the outbox is ordered
// per aggregate, so the create must already have been delivered, and a
// rebuild repairs the row either way.
func (r *ReadModel) Apply(ctx context.Context, msg outbox.Message) error {
	switch msg.EventType {
	case wallet.EventTypeWalletCreated:
		var p wallet.WalletCreated
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode WalletCreated payload: %w", err)
		}
		return r.store.UpsertCreated(ctx, msg.AggregateID, p.OwnerID, p.InitialBalance, msg.EventVersion)

	case wallet.EventTypeWalletCredited:
		var p wallet.WalletCredited
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode WalletCredited payload: %w", err)
		}
		return r.applyDelta(ctx, msg, p.Amount)

	case wallet.EventTypeWalletDebited:
		var p wallet.WalletDebited
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode WalletDebited payload: %w", err)
		}
		return r.applyDelta(ctx, msg, -p.Amount)

	default:
		// Unknown events advance the cursor without touching state so a new
		// event type cannot wedge the consumer.
		r.logger.Warn().
			Str("event_type", msg.EventType).
			Int64("outbox_id", msg.ID).
			Msg("Unknown event type, skipping")
		return nil
	}
}

func (r *ReadModel) applyDelta(ctx context.Context, msg outbox.Message, delta wallet.Money) error {
	applied, found, err := r.store.ApplyDelta(ctx, msg.AggregateID, delta, msg.EventVersion)
	if err != nil {
		return err
	}
	if !found {
		r.logger.Warn().
			Str("wallet_id", msg.AggregateID).
			Str("event_type", msg.EventType).
			Int64("event_version", msg.EventVersion).
			Msg("Wallet missing from read model, dropping update")
		return nil
	}
	if !applied {
		r.logger.Debug().
			Str("wallet_id", msg.AggregateID).
			Int64("event_version", msg.EventVersion).
			Msg("Read model already at version, replay skipped")
	}
	return nil
}
