package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/akenzy-vlu/wallex/metrics"
	"github.com/akenzy-vlu/wallex/outbox"
	"github.com/akenzy-vlu/wallex/recovery"
	"github.com/akenzy-vlu/wallex/storage"
	"github.com/akenzy-vlu/wallex/wallet"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// OutboxInspector reports backlog figures for /stats.
type OutboxInspector interface {
	GetOutboxLag(ctx context.Context) (time.Duration, error)
	GetUnprocessedCount(ctx context.Context, consumer string) (int64, error)
}

// CheckpointLister lists projector checkpoints for /stats.
type CheckpointLister interface {
	List(ctx context.Context) ([]storage.Checkpoint, error)
}

// Maintenance is the recovery surface exposed to operators.
type Maintenance interface {
	RetryStaleEvents(ctx context.Context) (int64, error)
	ForceReprocessUnprocessed(ctx context.Context) (int64, error)
	RebuildWalletReadModel(ctx context.Context, walletID string) error
	RebuildAllReadModels(ctx context.Context) (recovery.RebuildReport, error)
	DetectDataDrift(ctx context.Context) (recovery.DriftReport, error)
	GetStats(ctx context.Context) (outbox.StaleStats, error)
}

// OpsConfig wires the ops server's data sources.
type OpsConfig struct {
	Checks      map[string]HealthCheck
	Outbox      OutboxInspector
	Checkpoints CheckpointLister
	Maintenance Maintenance
	// Consumers are the outbox cursor names reported on /stats.
	Consumers []string
	Stats     *metrics.ServiceStats
	DBStats   func() sql.DBStats
}

// Ops is the operational HTTP server: health, readiness, stats, prometheus
// metrics, and on-demand recovery actions.
type Ops struct {
	cfg    OpsConfig
	logger zerolog.Logger
	server *http.Server
}

// NewOps creates the ops server.
func NewOps(cfg OpsConfig, logger zerolog.Logger) *Ops {
	if cfg.Stats == nil {
		cfg.Stats = metrics.NewServiceStats()
	}
	return &Ops{cfg: cfg, logger: logger}
}

// Router builds the ops route table. Exposed for tests.
func (o *Ops) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", o.handleHealth)
	r.Get("/ready", o.handleReady)
	r.Get("/stats", o.handleStats)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/recovery", func(r chi.Router) {
		r.Post("/retry-stale", o.handleRetryStale)
		r.Post("/reprocess-all", o.handleReprocessAll)
		r.Post("/rebuild", o.handleRebuildAll)
		r.Post("/rebuild/{walletID}", o.handleRebuildWallet)
		r.Get("/drift", o.handleDrift)
	})
	return r
}

// Start serves the ops endpoints on the given port without blocking.
func (o *Ops) Start(port int) {
	o.server = newHTTPServer(port, o.Router())
	go func() {
		if err := o.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Error().Err(err).Msg("Ops server error")
		}
	}()
	o.logger.Info().Int("port", port).Msg("Ops server started")
}

// Stop drains in-flight requests until the context expires.
func (o *Ops) Stop(ctx context.Context) {
	if o.server == nil {
		return
	}
	if err := o.server.Shutdown(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Ops server shutdown failed")
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (o *Ops) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "healthy", Checks: make(map[string]string, len(o.cfg.Checks))}
	status := http.StatusOK
	for name, check := range o.cfg.Checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

func (o *Ops) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type poolStats struct {
	Open  int `json:"open"`
	InUse int `json:"in_use"`
	Idle  int `json:"idle"`
}

type statsResponse struct {
	Service          metrics.ServiceStatsSnapshot `json:"service"`
	OutboxLagSeconds float64                      `json:"outbox_lag_seconds"`
	Unprocessed      map[string]int64             `json:"unprocessed_by_consumer"`
	Checkpoints      []storage.Checkpoint         `json:"checkpoints"`
	Backlog          outbox.StaleStats            `json:"backlog"`
	DBPool           poolStats                    `json:"db_pool"`
}

// handleStats aggregates service counters, outbox backlog, and projector
// positions. Individual source failures degrade the response instead of
// failing it.
func (o *Ops) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	resp := statsResponse{
		Service:     o.cfg.Stats.Snapshot(),
		Unprocessed: make(map[string]int64, len(o.cfg.Consumers)),
	}

	if lag, err := o.cfg.Outbox.GetOutboxLag(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to read outbox lag")
	} else {
		resp.OutboxLagSeconds = lag.Seconds()
	}
	for _, consumer := range o.cfg.Consumers {
		count, err := o.cfg.Outbox.GetUnprocessedCount(ctx, consumer)
		if err != nil {
			o.logger.Warn().Err(err).Str("consumer", consumer).Msg("Failed to count backlog")
			continue
		}
		resp.Unprocessed[consumer] = count
	}
	if cps, err := o.cfg.Checkpoints.List(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to list checkpoints")
	} else {
		resp.Checkpoints = cps
	}
	if backlog, err := o.cfg.Maintenance.GetStats(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to read backlog stats")
	} else {
		resp.Backlog = backlog
	}
	if o.cfg.DBStats != nil {
		s := o.cfg.DBStats()
		resp.DBPool = poolStats{Open: s.OpenConnections, InUse: s.InUse, Idle: s.Idle}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (o *Ops) handleRetryStale(w http.ResponseWriter, r *http.Request) {
	reset, err := o.cfg.Maintenance.RetryStaleEvents(r.Context())
	if err != nil {
		o.opsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reset": reset})
}

func (o *Ops) handleReprocessAll(w http.ResponseWriter, r *http.Request) {
	reset, err := o.cfg.Maintenance.ForceReprocessUnprocessed(r.Context())
	if err != nil {
		o.opsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reset": reset})
}

func (o *Ops) handleRebuildAll(w http.ResponseWriter, r *http.Request) {
	report, err := o.cfg.Maintenance.RebuildAllReadModels(r.Context())
	if err != nil {
		o.opsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (o *Ops) handleRebuildWallet(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletID")
	if err := o.cfg.Maintenance.RebuildWalletReadModel(r.Context(), walletID); err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}
		o.opsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt", "walletId": walletID})
}

func (o *Ops) handleDrift(w http.ResponseWriter, r *http.Request) {
	report, err := o.cfg.Maintenance.DetectDataDrift(r.Context())
	if err != nil {
		o.opsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// opsError reports full error text; this surface is operator-only.
func (o *Ops) opsError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}
