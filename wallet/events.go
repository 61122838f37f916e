package wallet

import (
	"encoding/json"
	"time"
)

// Event types recorded in wallet streams.
const (
	EventTypeWalletCreated  = "WalletCreated"
	EventTypeWalletCredited = "WalletCredited"
	EventTypeWalletDebited  = "WalletDebited"
)

// Event is the envelope persisted in the event log. Version is the 0-based
// position within the aggregate's stream; positions are contiguous and
// assigned when the event is raised, then verified by the store's
// expected-version check on append.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregateId"`
	Type          string          `json:"eventType"`
	Version       int64           `json:"version"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurredAt"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
}

// WalletCreated opens a stream. InitialBalance may be zero.
type WalletCreated struct {
	OwnerID        string `json:"ownerId"`
	InitialBalance Money  `json:"initialBalance"`
}

// WalletCredited increases the balance. TransferID and RelatedWalletID are
// set only when the credit is one leg of a transfer; the ledger projector
// keys its categorization off them.
type WalletCredited struct {
	Amount          Money  `json:"amount"`
	Description     string `json:"description,omitempty"`
	TransferID      string `json:"transferId,omitempty"`
	RelatedWalletID string `json:"relatedWalletId,omitempty"`
}

// WalletDebited decreases the balance. Transfer fields as on WalletCredited.
type WalletDebited struct {
	Amount          Money  `json:"amount"`
	Description     string `json:"description,omitempty"`
	TransferID      string `json:"transferId,omitempty"`
	RelatedWalletID string `json:"relatedWalletId,omitempty"`
}
