package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akenzy-vlu/wallex/outbox"
	"github.com/akenzy-vlu/wallex/wallet"
)

// memLog is an in-memory event log with the same CAS contract as the real
// store. Tests can script artificial conflicts and append failures per
// stream.
type memLog struct {
	mu        sync.Mutex
	streams   map[string][]wallet.Event
	conflicts map[string]int     // pending artificial CAS failures
	errs      map[string][]error // scripted append outcomes, nil slot = success
	appends   map[string]int
}

func newMemLog() *memLog {
	return &memLog{
		streams:   make(map[string][]wallet.Event),
		conflicts: make(map[string]int),
		errs:      make(map[string][]error),
		appends:   make(map[string]int),
	}
}

func (l *memLog) ReadStream(_ context.Context, aggregateID string) ([]wallet.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]wallet.Event, len(l.streams[aggregateID]))
	copy(out, l.streams[aggregateID])
	return out, nil
}

func (l *memLog) AppendToStream(_ context.Context, aggregateID string, events []wallet.Event, expectedVersion int64) ([]wallet.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appends[aggregateID]++

	if l.conflicts[aggregateID] > 0 {
		l.conflicts[aggregateID]--
		return nil, &wallet.ConcurrencyConflictError{
			StreamID: aggregateID,
			Expected: expectedVersion,
			Actual:   expectedVersion + 1,
		}
	}
	if queue := l.errs[aggregateID]; len(queue) > 0 {
		next := queue[0]
		l.errs[aggregateID] = queue[1:]
		if next != nil {
			return nil, next
		}
	}

	head := int64(len(l.streams[aggregateID])) - 1
	if expectedVersion != head {
		return nil, &wallet.ConcurrencyConflictError{
			StreamID: aggregateID,
			Expected: expectedVersion,
			Actual:   head,
		}
	}
	l.streams[aggregateID] = append(l.streams[aggregateID], events...)
	return events, nil
}

func (l *memLog) length(aggregateID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.streams[aggregateID])
}

func (l *memLog) appendCount(aggregateID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appends[aggregateID]
}

// memLoader rehydrates straight from the memLog. threshold > 0 enables the
// snapshot cadence.
type memLoader struct {
	log       *memLog
	threshold int64
	taken     int
}

func (m *memLoader) LoadAggregate(ctx context.Context, walletID string) (*wallet.Wallet, error) {
	events, err := m.log.ReadStream(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", wallet.ErrWalletNotFound, walletID)
	}
	return wallet.Rehydrate(walletID, events)
}

func (m *memLoader) MaybeSnapshot(_ context.Context, w *wallet.Wallet) (bool, error) {
	if m.threshold <= 0 || w.Version()%m.threshold != 0 {
		return false, nil
	}
	m.taken++
	return true, nil
}

// memLocks is a non-blocking lock fake: a second acquisition of a held key
// fails immediately with the timeout error. It records acquisition order.
type memLocks struct {
	mu    sync.Mutex
	held  map[string]bool
	order []string
}

func newMemLocks() *memLocks {
	return &memLocks{held: make(map[string]bool)}
}

func (m *memLocks) WithLock(ctx context.Context, key string, _ time.Duration, _ int, body func(ctx context.Context) error) error {
	m.mu.Lock()
	if m.held[key] {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", wallet.ErrLockAcquisitionTimeout, key)
	}
	m.held[key] = true
	m.order = append(m.order, key)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.held, key)
		m.mu.Unlock()
	}()
	return body(ctx)
}

type idemRecord struct {
	hash     string
	status   string
	response []byte
}

// memIdem mirrors the PENDING/COMPLETED/FAILED state machine of the real
// cache.
type memIdem struct {
	mu   sync.Mutex
	recs map[string]*idemRecord
}

func newMemIdem() *memIdem {
	return &memIdem{recs: make(map[string]*idemRecord)}
}

func (m *memIdem) TryGet(_ context.Context, key, requestHash string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return nil, nil
	}
	if rec.hash != requestHash {
		return nil, wallet.ErrIdempotencyKeyReuse
	}
	switch rec.status {
	case "PENDING":
		return nil, wallet.ErrConflictInProgress
	case "COMPLETED":
		return rec.response, nil
	}
	return nil, nil
}

func (m *memIdem) StorePending(_ context.Context, key, requestHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[key]; ok {
		if rec.hash != requestHash {
			return wallet.ErrIdempotencyKeyReuse
		}
		if rec.status == "PENDING" {
			return wallet.ErrConflictInProgress
		}
	}
	m.recs[key] = &idemRecord{hash: requestHash, status: "PENDING"}
	return nil
}

func (m *memIdem) Store(_ context.Context, key, requestHash string, response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[key] = &idemRecord{hash: requestHash, status: "COMPLETED", response: response}
	return nil
}

func (m *memIdem) MarkFailed(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[key]; ok {
		rec.status = "FAILED"
	}
	return nil
}

func (m *memIdem) status(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[key]; ok {
		return rec.status
	}
	return ""
}

type memOutbox struct {
	mu       sync.Mutex
	events   []wallet.Event
	opts     []outbox.EnqueueOptions
	failNext error
}

func (m *memOutbox) Enqueue(_ context.Context, events []wallet.Event, opts outbox.EnqueueOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	m.events = append(m.events, events...)
	m.opts = append(m.opts, opts)
	return nil
}

func (m *memOutbox) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type memMirror struct {
	mu        sync.Mutex
	rows      map[string]wallet.Snapshot
	updateErr error
}

func newMemMirror() *memMirror {
	return &memMirror{rows: make(map[string]wallet.Snapshot)}
}

func (m *memMirror) Exists(_ context.Context, walletID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[walletID]
	return ok, nil
}

func (m *memMirror) Create(_ context.Context, snap wallet.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[snap.ID] = snap
	return nil
}

func (m *memMirror) Update(_ context.Context, snap wallet.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.rows[snap.ID] = snap
	return nil
}

type capturedEntry struct {
	op          string
	aggregateID string
	err         error
}

type memCapture struct {
	mu      sync.Mutex
	entries []capturedEntry
}

func (c *memCapture) Record(op, aggregateID string, opErr error, _ any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, capturedEntry{op: op, aggregateID: aggregateID, err: opErr})
}

func (c *memCapture) ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.op)
	}
	return out
}

type fixture struct {
	svc     *Service
	log     *memLog
	loader  *memLoader
	locks   *memLocks
	idem    *memIdem
	outbox  *memOutbox
	mirror  *memMirror
	capture *memCapture
}

func newFixture() *fixture {
	fx := &fixture{
		log:     newMemLog(),
		locks:   newMemLocks(),
		idem:    newMemIdem(),
		outbox:  &memOutbox{},
		mirror:  newMemMirror(),
		capture: &memCapture{},
	}
	fx.loader = &memLoader{log: fx.log}
	fx.svc = NewService(Deps{
		EventLog:    fx.log,
		Loader:      fx.loader,
		Locks:       fx.locks,
		Idempotency: fx.idem,
		Outbox:      fx.outbox,
		Mirror:      fx.mirror,
		Capture:     fx.capture,
		Logger:      zerolog.Nop(),
	}, Options{})
	return fx
}

func (fx *fixture) create(t *testing.T, walletID, ownerID string, balance wallet.Money) wallet.Snapshot {
	t.Helper()
	snap, err := fx.svc.CreateWallet(context.Background(), CreateWalletRequest{
		WalletID:       walletID,
		OwnerID:        ownerID,
		InitialBalance: balance,
	})
	require.NoError(t, err)
	return snap
}

func TestCreateWallet(t *testing.T) {
	fx := newFixture()

	snap := fx.create(t, "w1", "u1", 10000)

	assert.Equal(t, "w1", snap.ID)
	assert.Equal(t, "u1", snap.OwnerID)
	assert.Equal(t, wallet.Money(10000), snap.Balance)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, 1, fx.log.length("w1"))
	assert.Equal(t, 1, fx.outbox.count())

	row, ok := fx.mirror.rows["w1"]
	require.True(t, ok)
	assert.Equal(t, wallet.Money(10000), row.Balance)
}

func TestCreateWalletAlreadyExists(t *testing.T) {
	fx := newFixture()
	fx.create(t, "w1", "u1", 0)

	_, err := fx.svc.CreateWallet(context.Background(), CreateWalletRequest{WalletID: "w1", OwnerID: "u2"})
	require.ErrorIs(t, err, wallet.ErrWalletAlreadyExists)
	assert.Equal(t, 1, fx.log.length("w1"))
}

func TestCreateWalletMirrorRowBlocksCreate(t *testing.T) {
	fx := newFixture()
	// Row exists on the write side but the stream is empty. The defensive
	// check must still refuse the create.
	fx.mirror.rows["w1"] = wallet.Snapshot{ID: "w1"}

	_, err := fx.svc.CreateWallet(context.Background(), CreateWalletRequest{WalletID: "w1", OwnerID: "u1"})
	require.ErrorIs(t, err, wallet.ErrWalletAlreadyExists)
	assert.Equal(t, 0, fx.log.length("w1"))
}

func TestCreateIdempotentReplay(t *testing.T) {
	fx := newFixture()
	req := CreateWalletRequest{
		WalletID:       "w1",
		OwnerID:        "u1",
		InitialBalance: 2500,
		IdempotencyKey: "K",
	}

	first, err := fx.svc.CreateWallet(context.Background(), req)
	require.NoError(t, err)
	second, err := fx.svc.CreateWallet(context.Background(), req)
	require.NoError(t, err)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, firstJSON, secondJSON, "replayed snapshot must be byte-equal")

	assert.Equal(t, 1, fx.log.length("w1"), "replay must not append a second event")
	assert.Equal(t, 1, fx.outbox.count())
}

func TestCreateIdempotencyKeyReuse(t *testing.T) {
	fx := newFixture()
	req := CreateWalletRequest{WalletID: "w1", OwnerID: "u1", InitialBalance: 100, IdempotencyKey: "K"}
	_, err := fx.svc.CreateWallet(context.Background(), req)
	require.NoError(t, err)

	reused := req
	reused.WalletID = "w2"
	reused.OwnerID = "someone-else"
	_, err = fx.svc.CreateWallet(context.Background(), reused)
	require.ErrorIs(t, err, wallet.ErrIdempotencyKeyReuse)
	assert.Equal(t, 0, fx.log.length("w2"))
}

func TestCreateFailureMarksIdempotencyFailed(t *testing.T) {
	fx := newFixture()
	fx.log.errs["w1"] = []error{errors.New("event store down")}

	req := CreateWalletRequest{WalletID: "w1", OwnerID: "u1", InitialBalance: 100, IdempotencyKey: "K"}
	_, err := fx.svc.CreateWallet(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, "FAILED", fx.idem.status("K"))

	// A FAILED record releases the key: the retry goes through.
	snap, err := fx.svc.CreateWallet(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
}

func TestCreditAndDebitFlow(t *testing.T) {
	fx := newFixture()
	fx.create(t, "w1", "u1", 10000)

	snap, err := fx.svc.Credit(context.Background(), CreditRequest{WalletID: "w1", Amount: 5000, Description: "top-up"})
	require.NoError(t, err)
	assert.Equal(t, wallet.Money(15000), snap.Balance)
	assert.Equal(t, int64(2), snap.Version)

	snap, err = fx.svc.Debit(context.Background(), DebitRequest{WalletID: "w1", Amount: 3000})
	require.NoError(t, err)
	assert.Equal(t, wallet.Money(12000), snap.Balance)
	assert.Equal(t, int64(3), snap.Version)

	assert.Equal(t, 3, fx.log.length("w1"))
	assert.Equal(t, 3, fx.outbox.count())
	assert.Equal(t, wallet.Money(12000), fx.mirror.rows["w1"].Balance)
}

func TestDebitInsufficientFunds(t *testing.T) {
	fx := newFixture()
	fx.create(t, "w1", "u1", 10)

	_, err := fx.svc.Debit(context.Background(), DebitRequest{WalletID: "w1", Amount: 20})
	require.True(t, wallet.IsInsufficientFunds(err))
	assert.Equal(t, 1, fx.log.length("w1"), "failed debit must not append")
	assert.Equal(t, 1, fx.outbox.count())
}

func TestCreditInvalidAmount(t *testing.T) {
	fx := newFixture()
	fx.create(t, "w1", "u1", 0)

	_, err := fx.svc.Credit(context.Background(), CreditRequest{WalletID: "w1", Amount: 0})
	require.ErrorIs(t, err, wallet.ErrInvalidAmount)
	_, err = fx.svc.Credit(context.Background(), CreditRequest{WalletID: "w1", Amount: -5})
	require.ErrorIs(t, err, wallet.ErrInvalidAmount)
}

func TestCreditMissingWallet(t *testing.T) {
	fx := newFixture()

	_, err := fx.svc.Credit(context.Background(), CreditRequest{WalletID: "ghost", Amount: 100})
	require.ErrorIs(t, err, wallet.ErrWalletNotFound)
}

func TestConcurrencyConflictRetries(t *testing.T) {
	fx := newFixture()
	fx.create(t, "w1", "u1", 10000)
	fx.log.conflicts["w1"] = 2

	snap, err := fx.svc.Credit(context.Background(), CreditRequest{WalletID: "w1", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, wallet.Money(10100), snap.Balance)
	// create + two conflicted attempts + the successful one
	assert.Equal(t, 4, fx.log.appendCount("w1"))
}

func TestConcurrencyConflictExhaustsBudget(t *testing.T) {
	fx := newFixture()
	fx.create(t, "w1", "u1", 10000)
	fx.log.conflicts["w1"] = conflictRetryAttempts + 5

	_, err := fx.svc.Credit(context.Background(), CreditRequest{WalletID: "w1", Amount: 100})
	require.True(t, wallet.IsConcurrencyConflict(err))
	assert.Equal(t, 1, fx.log.length("w1"))
}

func TestTransfer(t *testing.T) {
	fx := newFixture()
	fx.create(t, "w1", "u1", 10000)
	fx.create(t, "w2", "u2", 0)

	res, err := fx.svc.Transfer(context.Background(), TransferRequest{
		FromWalletID: "w1",
		ToWalletID:   "w2",
		Amount:       4000,
	})
	require.NoError(t, err)
	assert.Equal(t, wallet.Money(6000), res.FromWallet.Balance)
	assert.Equal(t, int64(2), res.FromWallet.Version)
	assert.Equal(t, wallet.Money(4000), res.ToWallet.Balance)
	assert.Equal(t, int64(2), res.ToWallet.Version)

	// Both legs carry the same transfer id and name the opposite wallet.
	fromEvents, err := fx.log.ReadStream(context.Background(), "w1")
	require.NoError(t, err)
	var out wallet.WalletDebited
	require.NoError(t, json.Unmarshal(fromEvents[1].Payload, &out))
	assert.NotEmpty(t, out.TransferID)
	assert.Equal(t, "w2", out.RelatedWalletID)

	toEvents, err := fx.log.ReadStream(context.Background(), "w2")
	require.NoError(t, err)
	var in wallet.WalletCredited
	require.NoError(t, json.Unmarshal(toEvents[1].Payload, &in))
	assert.Equal(t, out.TransferID, in.TransferID)
	assert.Equal(t, "w1", in.RelatedWalletID)
}

func TestTransferLockOrderIsLexicographic(t *testing.T) {
	fx := newFixture()
	fx.create(t, "wb", "u1", 10000)
	fx.create(t, "wa", "u2", 0)
	fx.locks.order = nil

	_, err := fx.svc.Transfer(context.Background(), TransferRequest{
		FromWalletID: "wb",
		ToWalletID:   "wa",
		Amount:       100,
	})
	require.NoError(t, err)
	require.Len(t, fx.locks.order, 2)
	assert.Equal(t, "lock:wallet:wa", fx.locks.order[0])
	assert.Equal(t, "lock:wallet:wb", fx.locks.order[1])
}

func TestTransferToSameWallet(t *testing.T) {
	fx := newFixture()
	fx.create(t, "w1", "u1", 100)

	_, err := fx.svc.Transfer(context.Background(), TransferRequest{
		FromWalletID: "w1",
		ToWalletID:   "w1",
		Amount:       10,
	})
	require.ErrorIs(t, err, wallet.ErrInvalidTransfer)
	assert.Equal(t, 1, fx.log.length("w1"))
}

func TestTransferInsufficientFunds(t *testing.T) {
	fx := newFixture()
	fx.create(t, "w1", "u1", 50)
	fx.create(t, "w2", "u2", 0)

	_, err := fx.svc.Transfer(context.Background(), TransferRequest{
		FromWalletID: "w1",
		ToWalletID:   "w2",
		Amount:       100,
	})
	require.True(t, wallet.IsInsufficientFunds(err))
	assert.Equal(t, 1, fx.log.length("w1"))
	assert.Equal(t, 1, fx.log.length("w2"))
}

func TestTransferMissingDestination(t *testing.T) {
	fx := newFixture()
	fx.create(t, "w1", "u1", 10000)

	_, err := fx.svc.Transfer(context.Background(), TransferRequest{
		FromWalletID: "w1",
		ToWalletID:   "ghost",
		Amount:       100,
	})
	require.ErrorIs(t, err, wallet.ErrWalletNotFound)
	assert.Equal(t, 1, fx.log.length("w1"), "source must not be debited when destination is missing")
}

func TestTransferSecondLegFailureCompensates(t *testing.T) {
	fx := newFixture()
	fx.create(t, "w1", "u1", 10000)
	fx.create(t, "w2", "u2", 0)
	boom := errors.New("append rejected")
	fx.log.errs["w2"] = []error{boom}

	_, err := fx.svc.Transfer(context.Background(), TransferRequest{
		FromWalletID: "w1",
		ToWalletID:   "w2",
		Amount:       4000,
	})
	require.ErrorIs(t, err, boom)

	// Source stream: create, debit, compensating credit. Balance restored.
	assert.Equal(t, 3, fx.log.length("w1"))
	events, readErr := fx.log.ReadStream(context.Background(), "w1")
	require.NoError(t, readErr)
	assert.Equal(t, wallet.EventTypeWalletCredited, events[2].Type)
	var reversal wallet.WalletCredited
	require.NoError(t, json.Unmarshal(events[2].Payload, &reversal))
	assert.Contains(t, reversal.Description, "reversal: transfer")

	agg, loadErr := fx.loader.LoadAggregate(context.Background(), "w1")
	require.NoError(t, loadErr)
	assert.Equal(t, wallet.Money(10000), agg.Balance())

	// Destination untouched.
	assert.Equal(t, 1, fx.log.length("w2"))
	assert.NotContains(t, fx.capture.ops(), "transfer_compensation")
}

func TestTransferCompensationFailureIsCaptured(t *testing.T) {
	fx := newFixture()
	fx.create(t, "w1", "u1", 10000)
	fx.create(t, "w2", "u2", 0)
	// Incoming leg fails, then the compensation append fails too. The nil
	// slot lets the debit leg through first.
	fx.log.errs["w2"] = []error{errors.New("append rejected")}
	fx.log.errs["w1"] = []error{nil, errors.New("append rejected")}

	_, err := fx.svc.Transfer(context.Background(), TransferRequest{
		FromWalletID: "w1",
		ToWalletID:   "w2",
		Amount:       4000,
	})
	require.Error(t, err)
	assert.Contains(t, fx.capture.ops(), "transfer_compensation")
}

func TestOutboxFailureDoesNotFailCommand(t *testing.T) {
	fx := newFixture()
	fx.create(t, "w1", "u1", 10000)
	fx.outbox.failNext = errors.New("outbox table locked")

	snap, err := fx.svc.Credit(context.Background(), CreditRequest{WalletID: "w1", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, wallet.Money(10100), snap.Balance)
	assert.Contains(t, fx.capture.ops(), "outbox_enqueue")
}

func TestMirrorFailureDoesNotFailCommand(t *testing.T) {
	fx := newFixture()
	fx.create(t, "w1", "u1", 10000)
	fx.mirror.updateErr = errors.New("write side down")

	snap, err := fx.svc.Credit(context.Background(), CreditRequest{WalletID: "w1", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, wallet.Money(10100), snap.Balance)
	assert.Contains(t, fx.capture.ops(), "write_side_update")
}

func TestSnapshotCadenceAfterMutation(t *testing.T) {
	fx := newFixture()
	fx.loader.threshold = 2
	fx.create(t, "w1", "u1", 100)

	_, err := fx.svc.Credit(context.Background(), CreditRequest{WalletID: "w1", Amount: 50})
	require.NoError(t, err)
	assert.Equal(t, 1, fx.loader.taken, "version 2 crosses the cadence boundary")

	_, err = fx.svc.Credit(context.Background(), CreditRequest{WalletID: "w1", Amount: 50})
	require.NoError(t, err)
	assert.Equal(t, 1, fx.loader.taken, "version 3 does not")
}

func TestLockTimeoutPropagates(t *testing.T) {
	fx := newFixture()
	fx.create(t, "w1", "u1", 100)
	fx.locks.held["lock:wallet:w1"] = true

	_, err := fx.svc.Credit(context.Background(), CreditRequest{WalletID: "w1", Amount: 10})
	require.ErrorIs(t, err, wallet.ErrLockAcquisitionTimeout)
}

func TestConflictDelayBounds(t *testing.T) {
	for attempt := 0; attempt < conflictRetryAttempts; attempt++ {
		d := conflictDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, conflictRetryCap+time.Millisecond)
	}
}
