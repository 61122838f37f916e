// Package server exposes the wallet service over HTTP: the public command
// and query API on one port, operational endpoints on a second one.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akenzy-vlu/wallex/command"
	"github.com/akenzy-vlu/wallex/storage"
	"github.com/akenzy-vlu/wallex/wallet"
)

// Headers honored by the API.
const (
	headerIdempotencyKey = "Idempotency-Key"
	headerCorrelationID  = "X-Correlation-Id"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Commands is the command surface the API dispatches to.
type Commands interface {
	CreateWallet(ctx context.Context, req command.CreateWalletRequest) (wallet.Snapshot, error)
	Credit(ctx context.Context, req command.CreditRequest) (wallet.Snapshot, error)
	Debit(ctx context.Context, req command.DebitRequest) (wallet.Snapshot, error)
	Transfer(ctx context.Context, req command.TransferRequest) (command.TransferResult, error)
}

// WalletReader serves the query endpoints from the read model.
type WalletReader interface {
	Get(ctx context.Context, walletID string) (*storage.WalletRow, error)
	List(ctx context.Context, limit int) ([]storage.WalletRow, error)
}

// LedgerReader serves per-wallet transaction history.
type LedgerReader interface {
	ListByWallet(ctx context.Context, walletID string, limit int) ([]storage.LedgerEntry, error)
}

// API is the public HTTP server.
type API struct {
	commands Commands
	wallets  WalletReader
	ledger   LedgerReader
	logger   zerolog.Logger
	server   *http.Server
}

// NewAPI creates the API server.
func NewAPI(commands Commands, wallets WalletReader, ledger LedgerReader, logger zerolog.Logger) *API {
	return &API{
		commands: commands,
		wallets:  wallets,
		ledger:   ledger,
		logger:   logger,
	}
}

// Router builds the route table. Exposed so tests can drive the handlers
// without a socket.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Route("/wallets", func(r chi.Router) {
		r.Post("/", a.handleCreate)
		r.Get("/", a.handleList)
		r.Route("/{walletID}", func(r chi.Router) {
			r.Get("/", a.handleGet)
			r.Get("/ledger", a.handleLedger)
			r.Post("/credit", a.handleCredit)
			r.Post("/debit", a.handleDebit)
			r.Post("/transfer", a.handleTransfer)
		})
	})
	return r
}

// Start serves the API on the given port without blocking.
func (a *API) Start(port int) {
	a.server = newHTTPServer(port, a.Router())
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("API server error")
		}
	}()
	a.logger.Info().Int("port", port).Msg("API server started")
}

// Stop drains in-flight requests until the context expires.
func (a *API) Stop(ctx context.Context) {
	if a.server == nil {
		return
	}
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("API server shutdown failed")
	}
}

func newHTTPServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req command.CreateWalletRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.WalletID == "" || req.OwnerID == "" {
		a.badRequest(w, "walletId and ownerId are required")
		return
	}
	if req.InitialBalance < 0 {
		a.badRequest(w, "initialBalance must not be negative")
		return
	}
	req.IdempotencyKey = r.Header.Get(headerIdempotencyKey)
	req.CorrelationID = correlationID(w, r)

	snap, err := a.commands.CreateWallet(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (a *API) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req command.CreditRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		a.badRequest(w, "amount must be positive")
		return
	}
	req.WalletID = chi.URLParam(r, "walletID")
	req.CorrelationID = correlationID(w, r)

	snap, err := a.commands.Credit(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleDebit(w http.ResponseWriter, r *http.Request) {
	var req command.DebitRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		a.badRequest(w, "amount must be positive")
		return
	}
	req.WalletID = chi.URLParam(r, "walletID")
	req.CorrelationID = correlationID(w, r)

	snap, err := a.commands.Debit(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req command.TransferRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.ToWalletID == "" {
		a.badRequest(w, "toWalletId is required")
		return
	}
	if req.Amount <= 0 {
		a.badRequest(w, "amount must be positive")
		return
	}
	req.FromWalletID = chi.URLParam(r, "walletID")
	req.CorrelationID = correlationID(w, r)

	result, err := a.commands.Transfer(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletID")
	row, err := a.wallets.Get(r.Context(), walletID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if row == nil {
		a.writeError(w, r, fmt.Errorf("%w: %s", wallet.ErrWalletNotFound, walletID))
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	rows, err := a.wallets.List(r.Context(), queryLimit(r, defaultListLimit))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []storage.WalletRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *API) handleLedger(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletID")
	row, err := a.wallets.Get(r.Context(), walletID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if row == nil {
		a.writeError(w, r, fmt.Errorf("%w: %s", wallet.ErrWalletNotFound, walletID))
		return
	}
	entries, err := a.ledger.ListByWallet(r.Context(), walletID, queryLimit(r, defaultListLimit))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []storage.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// statusFor maps the error taxonomy onto HTTP statuses. Domain errors keep
// their message; anything unrecognized is an infrastructure failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidTransfer),
		wallet.IsInsufficientFunds(err):
		return http.StatusBadRequest
	case errors.Is(err, wallet.ErrWalletNotFound):
		return http.StatusNotFound
	case errors.Is(err, wallet.ErrWalletAlreadyExists),
		errors.Is(err, wallet.ErrConflictInProgress),
		errors.Is(err, wallet.ErrIdempotencyKeyReuse),
		errors.Is(err, wallet.ErrLockAcquisitionTimeout),
		wallet.IsConcurrencyConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func (a *API) badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		a.badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// correlationID returns the caller's correlation id, generating one when the
// header is absent, and echoes it on the response either way.
func correlationID(w http.ResponseWriter, r *http.Request) string {
	id := r.Header.Get(headerCorrelationID)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, id)
	return id
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

// logRequests emits one access log line per request.
func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(started)).
			Msg("Request handled")
	})
}
