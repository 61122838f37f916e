package wallet

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Wallet is the consistency boundary for a single balance. It is constructed
// inside a distributed lock, mutated through command methods that raise
// events, and discarded after the events are persisted. Instances are never
// shared between goroutines.
type Wallet struct {
	id      string
	ownerID string
	balance Money

	// version counts applied events; the next raised event takes position
	// version (0-based). persistedVersion is the position of the last event
	// known to be durable, -1 for a brand-new aggregate, and is the
	// expectedVersion for the next append.
	version          int64
	persistedVersion int64

	createdAt time.Time
	updatedAt time.Time

	pending []Event
}

// Snapshot is the externally visible state of a wallet. It is both the
// command response shape and the state stored by the snapshot store.
type Snapshot struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Balance   Money     `json:"balance"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Create builds a new wallet with a single pending WalletCreated event.
// The stream must not exist yet; the caller appends with expectedVersion -1.
func Create(id, ownerID string, initialBalance Money) (*Wallet, error) {
	if id == "" {
		return nil, fmt.Errorf("wallet id is required")
	}
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if initialBalance < 0 {
		return nil, fmt.Errorf("%w: initial balance %s is negative", ErrInvalidAmount, initialBalance)
	}

	w := &Wallet{id: id, persistedVersion: -1}
	if err := w.raise(EventTypeWalletCreated, WalletCreated{
		OwnerID:        ownerID,
		InitialBalance: initialBalance,
	}); err != nil {
		return nil, err
	}
	return w, nil
}

// Rehydrate folds a full event stream back into a wallet.
func Rehydrate(id string, events []Event) (*Wallet, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, id)
	}
	w := &Wallet{id: id, persistedVersion: -1}
	for _, evt := range events {
		if err := w.fold(evt); err != nil {
			return nil, err
		}
		w.persistedVersion = evt.Version
	}
	return w, nil
}

// RehydrateFromSnapshot restores state from a snapshot and folds the tail
// events with positions at or beyond the snapshot version. Snapshots may be
// stale; events older than the snapshot are ignored.
func RehydrateFromSnapshot(snap Snapshot, tail []Event) (*Wallet, error) {
	w := &Wallet{
		id:               snap.ID,
		ownerID:          snap.OwnerID,
		balance:          snap.Balance,
		version:          snap.Version,
		persistedVersion: snap.Version - 1,
		createdAt:        snap.CreatedAt,
		updatedAt:        snap.UpdatedAt,
	}
	for _, evt := range tail {
		if evt.Version < snap.Version {
			continue
		}
		if err := w.fold(evt); err != nil {
			return nil, err
		}
		w.persistedVersion = evt.Version
	}
	return w, nil
}

// Credit increases the balance.
func (w *Wallet) Credit(amount Money, description string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: credit amount %s", ErrInvalidAmount, amount)
	}
	return w.raise(EventTypeWalletCredited, WalletCredited{
		Amount:      amount,
		Description: description,
	})
}

// Debit decreases the balance, refusing overdrafts.
func (w *Wallet) Debit(amount Money, description string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: debit amount %s", ErrInvalidAmount, amount)
	}
	if w.balance < amount {
		return &InsufficientFundsError{Available: w.balance, Requested: amount}
	}
	return w.raise(EventTypeWalletDebited, WalletDebited{
		Amount:      amount,
		Description: description,
	})
}

// CreditFromTransfer records the incoming leg of a transfer.
func (w *Wallet) CreditFromTransfer(amount Money, transferID, fromWalletID, description string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: credit amount %s", ErrInvalidAmount, amount)
	}
	return w.raise(EventTypeWalletCredited, WalletCredited{
		Amount:          amount,
		Description:     description,
		TransferID:      transferID,
		RelatedWalletID: fromWalletID,
	})
}

// DebitForTransfer records the outgoing leg of a transfer.
func (w *Wallet) DebitForTransfer(amount Money, transferID, toWalletID, description string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: debit amount %s", ErrInvalidAmount, amount)
	}
	if w.balance < amount {
		return &InsufficientFundsError{Available: w.balance, Requested: amount}
	}
	return w.raise(EventTypeWalletDebited, WalletDebited{
		Amount:          amount,
		Description:     description,
		TransferID:      transferID,
		RelatedWalletID: toWalletID,
	})
}

// PendingEvents returns the events raised since the last commit, in order.
func (w *Wallet) PendingEvents() []Event {
	out := make([]Event, len(w.pending))
	copy(out, w.pending)
	return out
}

// MarkEventsCommitted clears the pending events and advances the persisted
// version to the last raised position. Call only after a successful append.
func (w *Wallet) MarkEventsCommitted() {
	if len(w.pending) == 0 {
		return
	}
	w.persistedVersion = w.pending[len(w.pending)-1].Version
	w.pending = nil
}

// Snapshot returns the current state.
func (w *Wallet) Snapshot() Snapshot {
	return Snapshot{
		ID:        w.id,
		OwnerID:   w.ownerID,
		Balance:   w.balance,
		Version:   w.version,
		CreatedAt: w.createdAt,
		UpdatedAt: w.updatedAt,
	}
}

// ID returns the wallet identifier.
func (w *Wallet) ID() string { return w.id }

// OwnerID returns the owner identifier.
func (w *Wallet) OwnerID() string { return w.ownerID }

// Balance returns the current balance in minor units.
func (w *Wallet) Balance() Money { return w.balance }

// Version returns the number of events applied so far.
func (w *Wallet) Version() int64 { return w.version }

// PersistedVersion returns the expectedVersion for the next append: the
// position of the last durable event, or -1 when the stream must not exist.
func (w *Wallet) PersistedVersion() int64 { return w.persistedVersion }

func (w *Wallet) raise(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	evt := Event{
		ID:          uuid.NewString(),
		AggregateID: w.id,
		Type:        eventType,
		Version:     w.version,
		Payload:     data,
		OccurredAt:  time.Now().UTC(),
	}
	w.pending = append(w.pending, evt)
	return w.fold(evt)
}

// fold applies one event to in-memory state. Unknown event types advance the
// version without touching state so that rehydrated versions always equal
// the stream length.
func (w *Wallet) fold(evt Event) error {
	switch evt.Type {
	case EventTypeWalletCreated:
		var p WalletCreated
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal WalletCreated payload: %w", err)
		}
		w.ownerID = p.OwnerID
		w.balance = p.InitialBalance
		w.createdAt = evt.OccurredAt
		w.updatedAt = evt.OccurredAt
	case EventTypeWalletCredited:
		var p WalletCredited
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal WalletCredited payload: %w", err)
		}
		w.balance += p.Amount
		w.updatedAt = evt.OccurredAt
	case EventTypeWalletDebited:
		var p WalletDebited
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal WalletDebited payload: %w", err)
		}
		w.balance -= p.Amount
		w.updatedAt = evt.OccurredAt
	}
	w.version++
	return nil
}
