// Package command orchestrates wallet mutations: per-wallet locking,
// aggregate load, expected-version append, and the best-effort tail
// (write-side mirror, outbox enqueue, snapshot cadence). Domain rules live in
// the wallet package; this package owns the plumbing around them.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akenzy-vlu/wallex/idempotency"
	"github.com/akenzy-vlu/wallex/lock"
	"github.com/akenzy-vlu/wallex/metrics"
	"github.com/akenzy-vlu/wallex/outbox"
	"github.com/akenzy-vlu/wallex/wallet"
)

// EventLog is the slice of the event store the handlers append through.
type EventLog interface {
	ReadStream(ctx context.Context, aggregateID string) ([]wallet.Event, error)
	AppendToStream(ctx context.Context, aggregateID string, events []wallet.Event, expectedVersion int64) ([]wallet.Event, error)
}

// AggregateLoader rehydrates wallets (snapshot plus tail) and owns the
// snapshot cadence.
type AggregateLoader interface {
	LoadAggregate(ctx context.Context, walletID string) (*wallet.Wallet, error)
	MaybeSnapshot(ctx context.Context, w *wallet.Wallet) (bool, error)
}

// Locker serializes command bodies per wallet id.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, maxRetries int, body func(ctx context.Context) error) error
}

// IdempotencyStore is the slice of the idempotency cache used by create.
type IdempotencyStore interface {
	TryGet(ctx context.Context, key, requestHash string) ([]byte, error)
	StorePending(ctx context.Context, key, requestHash string) error
	Store(ctx context.Context, key, requestHash string, response []byte) error
	MarkFailed(ctx context.Context, key string) error
}

// Enqueuer hands committed events to the outbox.
type Enqueuer interface {
	Enqueue(ctx context.Context, events []wallet.Event, opts outbox.EnqueueOptions) error
}

// Mirror is the write-side wallets table, kept in sync best-effort.
type Mirror interface {
	Exists(ctx context.Context, walletID string) (bool, error)
	Create(ctx context.Context, snap wallet.Snapshot) error
	Update(ctx context.Context, snap wallet.Snapshot) error
}

// FailureSink records swallowed best-effort failures for offline triage.
type FailureSink interface {
	Record(op, aggregateID string, opErr error, payload any)
}

// Deps carries the collaborators a Service needs. All of them are required
// except Capture and Stats, which fall back to no-ops.
type Deps struct {
	EventLog    EventLog
	Loader      AggregateLoader
	Locks       Locker
	Idempotency IdempotencyStore
	Outbox      Enqueuer
	Mirror      Mirror
	Capture     FailureSink
	Stats       *metrics.ServiceStats
	Logger      zerolog.Logger
}

// Options tunes lock behavior per service instance.
type Options struct {
	LockTTL        time.Duration
	LockMaxRetries int
}

// Service executes wallet commands. One instance serves all requests; it
// holds no per-request state.
type Service struct {
	log     EventLog
	loader  AggregateLoader
	locks   Locker
	idem    IdempotencyStore
	outbox  Enqueuer
	mirror  Mirror
	capture FailureSink
	stats   *metrics.ServiceStats
	logger  zerolog.Logger
	retry   retrier

	lockTTL        time.Duration
	lockMaxRetries int
}

// NewService wires a command service. Zero Options fields take the lock
// package defaults (5s TTL, 100 acquisition attempts).
func NewService(deps Deps, opts Options) *Service {
	if opts.LockTTL <= 0 {
		opts.LockTTL = lock.DefaultTTL
	}
	if opts.LockMaxRetries <= 0 {
		opts.LockMaxRetries = lock.DefaultMaxRetries
	}
	if deps.Capture == nil {
		deps.Capture = noopSink{}
	}
	if deps.Stats == nil {
		deps.Stats = metrics.NewServiceStats()
	}
	s := &Service{
		log:            deps.EventLog,
		loader:         deps.Loader,
		locks:          deps.Locks,
		idem:           deps.Idempotency,
		outbox:         deps.Outbox,
		mirror:         deps.Mirror,
		capture:        deps.Capture,
		stats:          deps.Stats,
		logger:         deps.Logger,
		lockTTL:        opts.LockTTL,
		lockMaxRetries: opts.LockMaxRetries,
	}
	s.retry = newRetrier(deps.Stats.RecordConflictRetry)
	return s
}

type noopSink struct{}

func (noopSink) Record(string, string, error, any) {}

// CreateWalletRequest carries the create command. The json tags span exactly
// the request body, so the idempotency hash is stable across replicas;
// IdempotencyKey and CorrelationID arrive as headers and are excluded.
type CreateWalletRequest struct {
	WalletID       string       `json:"walletId"`
	OwnerID        string       `json:"ownerId"`
	InitialBalance wallet.Money `json:"initialBalance"`

	IdempotencyKey string `json:"-"`
	CorrelationID  string `json:"-"`
}

// CreditRequest and DebitRequest carry single-wallet mutations. The wallet id
// comes from the URL path, not the body.
type CreditRequest struct {
	WalletID      string       `json:"-"`
	Amount        wallet.Money `json:"amount"`
	Description   string       `json:"description,omitempty"`
	CorrelationID string       `json:"-"`
}

type DebitRequest struct {
	WalletID      string       `json:"-"`
	Amount        wallet.Money `json:"amount"`
	Description   string       `json:"description,omitempty"`
	CorrelationID string       `json:"-"`
}

// TransferRequest moves funds between two wallets.
type TransferRequest struct {
	FromWalletID  string       `json:"-"`
	ToWalletID    string       `json:"toWalletId"`
	Amount        wallet.Money `json:"amount"`
	Description   string       `json:"description,omitempty"`
	CorrelationID string       `json:"-"`
}

// TransferResult returns both post-commit snapshots.
type TransferResult struct {
	FromWallet wallet.Snapshot `json:"fromWallet"`
	ToWallet   wallet.Snapshot `json:"toWallet"`
}

// CreateWallet opens a new wallet stream. With an idempotency key, replays of
// the same request return the cached snapshot without touching the stream.
func (s *Service) CreateWallet(ctx context.Context, req CreateWalletRequest) (wallet.Snapshot, error) {
	started := time.Now()
	snap, err := s.createWallet(ctx, req)
	s.observe("create_wallet", started, err)
	return snap, err
}

func (s *Service) createWallet(ctx context.Context, req CreateWalletRequest) (wallet.Snapshot, error) {
	correlationID := ensureCorrelationID(req.CorrelationID)

	var requestHash string
	if req.IdempotencyKey != "" {
		hash, err := idempotency.HashRequest(req)
		if err != nil {
			return wallet.Snapshot{}, fmt.Errorf("failed to hash create request: %w", err)
		}
		requestHash = hash

		cached, err := s.idem.TryGet(ctx, req.IdempotencyKey, requestHash)
		if err != nil {
			return wallet.Snapshot{}, err
		}
		if cached != nil {
			var snap wallet.Snapshot
			if err := json.Unmarshal(cached, &snap); err != nil {
				return wallet.Snapshot{}, fmt.Errorf("failed to decode cached response for idempotency key: %w", err)
			}
			s.logger.Info().
				Str("wallet_id", req.WalletID).
				Str("idempotency_key", req.IdempotencyKey).
				Msg("Create replayed from idempotency cache")
			return snap, nil
		}
	}

	var snap wallet.Snapshot
	claimed := false
	err := s.locks.WithLock(ctx, lock.Key(req.WalletID), s.lockTTL, s.lockMaxRetries, func(ctx context.Context) error {
		events, err := s.log.ReadStream(ctx, req.WalletID)
		if err != nil {
			return err
		}
		if len(events) > 0 {
			return fmt.Errorf("%w: %s", wallet.ErrWalletAlreadyExists, req.WalletID)
		}
		// The mirror check catches streams the event store lost sight of.
		exists, err := s.mirror.Exists(ctx, req.WalletID)
		if err != nil {
			return fmt.Errorf("failed to check write-side wallet %s: %w", req.WalletID, err)
		}
		if exists {
			return fmt.Errorf("%w: %s", wallet.ErrWalletAlreadyExists, req.WalletID)
		}

		if req.IdempotencyKey != "" {
			if err := s.idem.StorePending(ctx, req.IdempotencyKey, requestHash); err != nil {
				return err
			}
			claimed = true
		}

		agg, err := wallet.Create(req.WalletID, req.OwnerID, req.InitialBalance)
		if err != nil {
			return err
		}
		stored, err := s.append(ctx, agg, correlationID, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if mirrorErr := s.mirror.Create(ctx, agg.Snapshot()); mirrorErr != nil {
			s.swallow("write_side_create", req.WalletID, mirrorErr, agg.Snapshot())
		}
		s.enqueue(ctx, stored, req.WalletID, correlationID, req.IdempotencyKey)

		agg.MarkEventsCommitted()
		snap = agg.Snapshot()

		if req.IdempotencyKey != "" {
			body, marshalErr := json.Marshal(snap)
			if marshalErr != nil {
				return fmt.Errorf("failed to encode snapshot for idempotency cache: %w", marshalErr)
			}
			if storeErr := s.idem.Store(ctx, req.IdempotencyKey, requestHash, body); storeErr != nil {
				// The create is durable; a broken cache must not undo it.
				s.swallow("idempotency_store", req.WalletID, storeErr, req.IdempotencyKey)
			}
		}
		return nil
	})
	if err != nil {
		if claimed {
			if mfErr := s.idem.MarkFailed(ctx, req.IdempotencyKey); mfErr != nil {
				s.logger.Error().Err(mfErr).
					Str("idempotency_key", req.IdempotencyKey).
					Msg("Failed to mark idempotency record FAILED")
			}
		}
		return wallet.Snapshot{}, err
	}

	s.logger.Info().
		Str("wallet_id", snap.ID).
		Str("owner_id", snap.OwnerID).
		Str("balance", snap.Balance.String()).
		Str("correlation_id", correlationID).
		Msg("Wallet created")
	return snap, nil
}

// Credit adds funds to a wallet and returns the post-commit snapshot.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (wallet.Snapshot, error) {
	started := time.Now()
	snap, err := s.mutate(ctx, req.WalletID, req.CorrelationID, func(agg *wallet.Wallet) error {
		return agg.Credit(req.Amount, req.Description)
	})
	s.observe("credit", started, err)
	return snap, err
}

// Debit removes funds from a wallet, refusing overdrafts.
func (s *Service) Debit(ctx context.Context, req DebitRequest) (wallet.Snapshot, error) {
	started := time.Now()
	snap, err := s.mutate(ctx, req.WalletID, req.CorrelationID, func(agg *wallet.Wallet) error {
		return agg.Debit(req.Amount, req.Description)
	})
	s.observe("debit", started, err)
	return snap, err
}

// Transfer moves funds between two wallets. Locks are taken in lexicographic
// wallet-id order so concurrent opposite transfers cannot deadlock. The two
// appends are sequential; if the incoming leg fails after the outgoing leg
// committed, the source is credited back and the original error is returned.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	started := time.Now()
	res, err := s.transfer(ctx, req)
	s.observe("transfer", started, err)
	return res, err
}

func (s *Service) transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if req.FromWalletID == req.ToWalletID {
		return TransferResult{}, fmt.Errorf("%w: %s", wallet.ErrInvalidTransfer, req.FromWalletID)
	}
	correlationID := ensureCorrelationID(req.CorrelationID)
	transferID := uuid.NewString()

	outDesc := req.Description
	if outDesc == "" {
		outDesc = fmt.Sprintf("Transfer to wallet %s", req.ToWalletID)
	}
	inDesc := req.Description
	if inDesc == "" {
		inDesc = fmt.Sprintf("Transfer from wallet %s", req.FromWalletID)
	}

	firstID, secondID := req.FromWalletID, req.ToWalletID
	if secondID < firstID {
		firstID, secondID = secondID, firstID
	}

	var result TransferResult
	err := s.locks.WithLock(ctx, lock.Key(firstID), s.lockTTL, s.lockMaxRetries, func(ctx context.Context) error {
		return s.locks.WithLock(ctx, lock.Key(secondID), s.lockTTL, s.lockMaxRetries, func(ctx context.Context) error {
			// Both wallets must exist before any append happens, so a bad
			// destination fails the command without a compensation round.
			if _, err := s.loader.LoadAggregate(ctx, req.ToWalletID); err != nil {
				return err
			}

			var fromSnap wallet.Snapshot
			err := s.retry.Do(ctx, func(ctx context.Context) error {
				agg, err := s.loader.LoadAggregate(ctx, req.FromWalletID)
				if err != nil {
					return err
				}
				if err := agg.DebitForTransfer(req.Amount, transferID, req.ToWalletID, outDesc); err != nil {
					return err
				}
				stored, err := s.append(ctx, agg, correlationID, "")
				if err != nil {
					return err
				}
				agg.MarkEventsCommitted()
				fromSnap = agg.Snapshot()
				s.finish(ctx, agg, stored, correlationID, "")
				return nil
			})
			if err != nil {
				return err
			}

			var toSnap wallet.Snapshot
			err = s.retry.Do(ctx, func(ctx context.Context) error {
				agg, err := s.loader.LoadAggregate(ctx, req.ToWalletID)
				if err != nil {
					return err
				}
				if err := agg.CreditFromTransfer(req.Amount, transferID, req.FromWalletID, inDesc); err != nil {
					return err
				}
				stored, err := s.append(ctx, agg, correlationID, "")
				if err != nil {
					return err
				}
				agg.MarkEventsCommitted()
				toSnap = agg.Snapshot()
				s.finish(ctx, agg, stored, correlationID, "")
				return nil
			})
			if err != nil {
				// The debit is already durable. Credit it back and surface
				// the original failure.
				s.compensate(ctx, req, transferID, correlationID, err)
				return err
			}

			result = TransferResult{FromWallet: fromSnap, ToWallet: toSnap}
			return nil
		})
	})
	if err != nil {
		return TransferResult{}, err
	}

	s.logger.Info().
		Str("from_wallet_id", req.FromWalletID).
		Str("to_wallet_id", req.ToWalletID).
		Str("amount", req.Amount.String()).
		Str("transfer_id", transferID).
		Str("correlation_id", correlationID).
		Msg("Transfer completed")
	return result, nil
}

// compensate appends a reversing credit to the source wallet. If even that
// fails the imbalance is captured; drift detection reports it and the rebuild
// endpoints repair the projections once the streams are fixed.
func (s *Service) compensate(ctx context.Context, req TransferRequest, transferID, correlationID string, cause error) {
	desc := fmt.Sprintf("reversal: transfer %s failed", transferID)
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		agg, err := s.loader.LoadAggregate(ctx, req.FromWalletID)
		if err != nil {
			return err
		}
		if err := agg.CreditFromTransfer(req.Amount, transferID, req.ToWalletID, desc); err != nil {
			return err
		}
		stored, err := s.append(ctx, agg, correlationID, "")
		if err != nil {
			return err
		}
		agg.MarkEventsCommitted()
		s.finish(ctx, agg, stored, correlationID, "")
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("wallet_id", req.FromWalletID).
			Str("transfer_id", transferID).
			AnErr("cause", cause).
			Msg("Compensating credit failed, balances diverge until recovery")
		s.capture.Record("transfer_compensation", req.FromWalletID, err, map[string]any{
			"transferId": transferID,
			"amount":     req.Amount,
			"cause":      cause.Error(),
		})
		return
	}
	s.logger.Warn().
		Str("wallet_id", req.FromWalletID).
		Str("transfer_id", transferID).
		AnErr("cause", cause).
		Msg("Transfer incoming leg failed, source credited back")
}

// mutate runs a single-wallet command: lock, load, apply, append, then the
// best-effort tail. Expected-version conflicts reload and retry inside the
// lock; domain errors return immediately.
func (s *Service) mutate(ctx context.Context, walletID, correlationID string, apply func(*wallet.Wallet) error) (wallet.Snapshot, error) {
	correlationID = ensureCorrelationID(correlationID)

	var snap wallet.Snapshot
	err := s.locks.WithLock(ctx, lock.Key(walletID), s.lockTTL, s.lockMaxRetries, func(ctx context.Context) error {
		return s.retry.Do(ctx, func(ctx context.Context) error {
			agg, err := s.loader.LoadAggregate(ctx, walletID)
			if err != nil {
				return err
			}
			if err := apply(agg); err != nil {
				return err
			}
			stored, err := s.append(ctx, agg, correlationID, "")
			if err != nil {
				return err
			}
			agg.MarkEventsCommitted()
			snap = agg.Snapshot()
			s.finish(ctx, agg, stored, correlationID, "")
			return nil
		})
	})
	if err != nil {
		return wallet.Snapshot{}, err
	}
	return snap, nil
}

// append stamps request metadata onto the pending events and writes them at
// the aggregate's expected version.
func (s *Service) append(ctx context.Context, agg *wallet.Wallet, correlationID, causationID string) ([]wallet.Event, error) {
	pending := agg.PendingEvents()
	for i := range pending {
		pending[i].CorrelationID = correlationID
		pending[i].CausationID = causationID
	}
	stored, err := s.log.AppendToStream(ctx, agg.ID(), pending, agg.PersistedVersion())
	if err != nil {
		return nil, err
	}
	for _, evt := range stored {
		metrics.EventsAppended.WithLabelValues(evt.Type).Inc()
	}
	s.stats.RecordEvents(len(stored))
	return stored, nil
}

// finish runs the post-commit best-effort tail shared by all mutations:
// mirror update, outbox enqueue, snapshot cadence. Nothing here may fail the
// command.
func (s *Service) finish(ctx context.Context, agg *wallet.Wallet, stored []wallet.Event, correlationID, causationID string) {
	snap := agg.Snapshot()
	if err := s.mirror.Update(ctx, snap); err != nil {
		s.swallow("write_side_update", agg.ID(), err, snap)
	}
	s.enqueue(ctx, stored, agg.ID(), correlationID, causationID)

	taken, err := s.loader.MaybeSnapshot(ctx, agg)
	if err != nil {
		s.swallow("snapshot_save", agg.ID(), err, snap.Version)
	} else if taken {
		metrics.SnapshotsTaken.Inc()
	}
}

func (s *Service) enqueue(ctx context.Context, events []wallet.Event, walletID, correlationID, causationID string) {
	err := s.outbox.Enqueue(ctx, events, outbox.EnqueueOptions{
		AggregateID:   walletID,
		CorrelationID: correlationID,
		CausationID:   causationID,
	})
	if err != nil {
		s.swallow("outbox_enqueue", walletID, err, len(events))
	}
}

// swallow logs a best-effort failure and records it in the capture sink.
// Recovery closes whatever gap is left behind.
func (s *Service) swallow(op, walletID string, err error, payload any) {
	s.logger.Error().Err(err).
		Str("wallet_id", walletID).
		Str("op", op).
		Msg("Best-effort side effect failed")
	s.capture.Record(op, walletID, err, payload)
}

func (s *Service) observe(command string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.CommandsTotal.WithLabelValues(command, outcome).Inc()
	metrics.CommandDuration.WithLabelValues(command).Observe(time.Since(started).Seconds())
	s.stats.RecordCommand(err != nil)
}

func ensureCorrelationID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}
