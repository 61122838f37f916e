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

// LedgerConsumer is the outbox consumer name for the ledger projector.
const LedgerConsumer = "ledger-projector"

// LedgerWriter is the slice of the ledger store the projector writes through.
type LedgerWriter interface {
	LatestBalance(ctx context.Context, walletID string) (wallet.Money, error)
	Insert(ctx context.Context, entry storage.LedgerEntry) (bool, error)
	HasReference(ctx context.Context, referenceID string) (bool, error)
}

// Ledger projects wallet events into immutable balance-history entries.
// Running balances are derived from the latest durable entry, never from
// in-process state; reference-id uniqueness absorbs redelivery.
type Ledger struct {
	store  LedgerWriter
	logger zerolog.Logger
}

// NewLedger creates the ledger projection handler.
func NewLedger(store LedgerWriter, logger zerolog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// IsAlreadyProcessed reports whether this event's reference id is already in
// the ledger.
func (l *Ledger) IsAlreadyProcessed(ctx context.Context, msg outbox.Message) (bool, error) {
	return l.store.HasReference(ctx, referenceID(msg))
}

// Apply writes one ledger entry for the event. Transfer legs are categorized
// by the transfer fields the event payload carries, not by description
// parsing. A created wallet with zero initial balance produces no entry.
func (l *Ledger) Apply(ctx context.Context, msg outbox.Message) error {
	entry, ok, err := l.buildEntry(ctx, msg)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	inserted, err := l.store.Insert(ctx, entry)
	if err != nil {
		return err
	}
	if !inserted {
		l.logger.Debug().
			Str("reference_id", entry.ReferenceID).
			Str("wallet_id", entry.WalletID).
			Msg("Ledger entry already present, replay skipped")
	}
	return nil
}

func (l *Ledger) buildEntry(ctx context.Context, msg outbox.Message) (storage.LedgerEntry, bool, error) {
	var (
		txType  string
		amount  wallet.Money
		desc    string
		related string
	)

	switch msg.EventType {
	case wallet.EventTypeWalletCreated:
		var p wallet.WalletCreated
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return storage.LedgerEntry{}, false, fmt.Errorf("failed to decode WalletCreated payload: %w", err)
		}
		if p.InitialBalance == 0 {
			return storage.LedgerEntry{}, false, nil
		}
		txType = storage.TransactionCredit
		amount = p.InitialBalance
		desc = "initial balance"

	case wallet.EventTypeWalletCredited:
		var p wallet.WalletCredited
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return storage.LedgerEntry{}, false, fmt.Errorf("failed to decode WalletCredited payload: %w", err)
		}
		txType = storage.TransactionCredit
		if p.TransferID != "" {
			txType = storage.TransactionTransferIn
		}
		amount = p.Amount
		desc = p.Description
		related = p.RelatedWalletID

	case wallet.EventTypeWalletDebited:
		var p wallet.WalletDebited
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return storage.LedgerEntry{}, false, fmt.Errorf("failed to decode WalletDebited payload: %w", err)
		}
		txType = storage.TransactionDebit
		if p.TransferID != "" {
			txType = storage.TransactionTransferOut
		}
		amount = p.Amount
		desc = p.Description
		related = p.RelatedWalletID

	default:
		l.logger.Warn().
			Str("event_type", msg.EventType).
			Int64("outbox_id", msg.ID).
			Msg("Unknown event type, skipping")
		return storage.LedgerEntry{}, false, nil
	}

	before, err := l.store.LatestBalance(ctx, msg.AggregateID)
	if err != nil {
		return storage.LedgerEntry{}, false, err
	}

	after := before + amount
	if txType == storage.TransactionDebit || txType == storage.TransactionTransferOut {
		after = before - amount
	}

	meta := outbox.ParseMetadata(msg.Metadata)
	entryMeta, _ := json.Marshal(map[string]string{
		"eventId":       meta.EventID,
		"correlationId": meta.CorrelationID,
		"eventType":     msg.EventType,
	})

	return storage.LedgerEntry{
		WalletID:        msg.AggregateID,
		TransactionType: txType,
		Amount:          amount,
		BalanceBefore:   before,
		BalanceAfter:    after,
		Description:     desc,
		ReferenceID:     referenceID(msg),
		RelatedWalletID: related,
		Metadata:        entryMeta,
	}, true, nil
}

// referenceID is the event's unique id when the outbox metadata carries one,
// otherwise a fallback on aggregate and version, which the outbox uniqueness
// constraint guarantees maps one-to-one onto events.
func referenceID(msg outbox.Message) string {
	if meta := outbox.ParseMetadata(msg.Metadata); meta.EventID != "" {
		return meta.EventID
	}
	return fmt.Sprintf("%s-%s-%d", msg.AggregateID, msg.EventType, msg.EventVersion)
}
