package wallet

import (
	"errors"
	"fmt"
)

// Stable error identities for the command surface. Handlers and the HTTP
// layer match these with errors.Is / errors.As; nothing downstream inspects
// error strings.
var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidTransfer        = errors.New("transfer source and destination must differ")
	ErrWalletNotFound         = errors.New("wallet not found")
	ErrWalletAlreadyExists    = errors.New("wallet already exists")
	ErrConflictInProgress     = errors.New("a request with this idempotency key is still in progress")
	ErrIdempotencyKeyReuse    = errors.New("idempotency key reused with a different request payload")
	ErrLockAcquisitionTimeout = errors.New("could not acquire wallet lock within retry budget")
)

// InsufficientFundsError is returned when a debit would overdraw the wallet.
type InsufficientFundsError struct {
	Available Money
	Requested Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, requested %s", e.Available, e.Requested)
}

// IsInsufficientFunds reports whether err is an InsufficientFundsError.
func IsInsufficientFunds(err error) bool {
	var target *InsufficientFundsError
	return errors.As(err, &target)
}

// ConcurrencyConflictError is returned by the event store when the stream
// head does not match the expected version. It is transient: the command
// layer may reload the aggregate and retry.
type ConcurrencyConflictError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %s: expected version %d, actual %d",
		e.StreamID, e.Expected, e.Actual)
}

// IsConcurrencyConflict reports whether err is a ConcurrencyConflictError.
func IsConcurrencyConflict(err error) bool {
	var target *ConcurrencyConflictError
	return errors.As(err, &target)
}
