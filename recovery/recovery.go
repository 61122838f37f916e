// Package recovery repairs the gaps the best-effort paths may leave behind:
// stale outbox claims, missing or drifted read-model rows. Everything here is
// safe to run while live traffic flows.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/akenzy-vlu/wallex/metrics"
	"github.com/akenzy-vlu/wallex/outbox"
	"github.com/akenzy-vlu/wallex/storage"
	"github.com/akenzy-vlu/wallex/wallet"
)

const (
	// DefaultStaleAfter is how long an unprocessed outbox row may sit before
	// the sweep clears its claim for re-delivery.
	DefaultStaleAfter = 5 * time.Minute
	// DefaultInterval is the sweep cadence.
	DefaultInterval = 5 * time.Minute
	// DefaultRetentionDays is how long fully processed outbox rows are kept.
	DefaultRetentionDays = 7

	// driftTolerance is the largest acceptable write-side/read-model balance
	// difference, in minor units.
	driftTolerance wallet.Money = 1
)

// OutboxMaintenance is the slice of the outbox store recovery uses.
type OutboxMaintenance interface {
	ResetStale(ctx context.Context, olderThan time.Duration) (int64, error)
	ResetAllUnprocessed(ctx context.Context) (int64, error)
	GetStaleStats(ctx context.Context, staleAfter time.Duration) (outbox.StaleStats, error)
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)
}

// IdempotencyJanitor deletes expired idempotency records in bulk.
type IdempotencyJanitor interface {
	Cleanup(ctx context.Context) (int64, error)
}

// StreamReader replays full event streams for rebuilds.
type StreamReader interface {
	ReadStream(ctx context.Context, aggregateID string) ([]wallet.Event, error)
}

// WriteSideReader enumerates wallets and reads the authoritative balances.
type WriteSideReader interface {
	ListIDs(ctx context.Context) ([]string, error)
	Get(ctx context.Context, walletID string) (*storage.WalletRow, error)
}

// ReadModelRebuilder overwrites read-model rows from replayed state.
type ReadModelRebuilder interface {
	Rebuild(ctx context.Context, snap wallet.Snapshot) error
	Get(ctx context.Context, walletID string) (*storage.WalletRow, error)
}

// Config tunes the recovery service. Zero values take defaults.
type Config struct {
	StaleAfter    time.Duration
	Interval      time.Duration
	RetentionDays int
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	return c
}

// RebuildReport summarizes a full read-model rebuild.
type RebuildReport struct {
	Rebuilt int `json:"rebuilt"`
	Failed  int `json:"failed"`
}

// DriftEntry is one wallet whose read model disagrees with the write side.
type DriftEntry struct {
	WalletID             string       `json:"walletId"`
	WriteBalance         wallet.Money `json:"writeBalance"`
	ReadBalance          wallet.Money `json:"readBalance"`
	MissingFromReadModel bool         `json:"missingFromReadModel,omitempty"`
}

// DriftReport is the result of a drift scan.
type DriftReport struct {
	Checked int          `json:"checked"`
	Drifted []DriftEntry `json:"drifted,omitempty"`
}

// Service runs the periodic sweep and exposes the on-demand repair
// operations served by the ops endpoints.
type Service struct {
	cfg         Config
	outbox      OutboxMaintenance
	streams     StreamReader
	writeSide   WriteSideReader
	readModel   ReadModelRebuilder
	idempotency IdempotencyJanitor
	stats       *metrics.ServiceStats
	logger      zerolog.Logger

	sweeping atomic.Bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewService wires a recovery service. idem may be nil; retention then only
// covers the outbox.
func NewService(cfg Config, ob OutboxMaintenance, streams StreamReader,
	writeSide WriteSideReader, readModel ReadModelRebuilder, idem IdempotencyJanitor,
	stats *metrics.ServiceStats, logger zerolog.Logger) *Service {
	if stats == nil {
		stats = metrics.NewServiceStats()
	}
	return &Service{
		cfg:         cfg.withDefaults(),
		outbox:      ob,
		streams:     streams,
		writeSide:   writeSide,
		readModel:   readModel,
		idempotency: idem,
		stats:       stats,
		logger:      logger,
	}
}

// RetryStaleEvents clears the consumer claim on outbox rows that have sat
// unprocessed past the stale window, so any replica may re-claim them.
// Concurrent calls self-skip: overlapping sweeps would only race each other
// over the same rows.
func (s *Service) RetryStaleEvents(ctx context.Context) (int64, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.logger.Debug().Msg("Stale-event sweep already running, skipping")
		return 0, nil
	}
	defer s.sweeping.Store(false)

	reset, err := s.outbox.ResetStale(ctx, s.cfg.StaleAfter)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale events: %w", err)
	}
	if reset > 0 {
		s.logger.Info().Int64("reset", reset).
			Dur("stale_after", s.cfg.StaleAfter).
			Msg("Released stale outbox claims")
	}
	return reset, nil
}

// ForceReprocessUnprocessed clears the claim on every unprocessed row,
// regardless of age. Operator-initiated only.
func (s *Service) ForceReprocessUnprocessed(ctx context.Context) (int64, error) {
	reset, err := s.outbox.ResetAllUnprocessed(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to force reprocess: %w", err)
	}
	s.logger.Info().Int64("reset", reset).Msg("Forced reprocess of unprocessed outbox rows")
	return reset, nil
}

// RebuildWalletReadModel replays one wallet's stream from version 0 and
// overwrites its read-model row.
func (s *Service) RebuildWalletReadModel(ctx context.Context, walletID string) error {
	events, err := s.streams.ReadStream(ctx, walletID)
	if err != nil {
		return fmt.Errorf("failed to read stream for %s: %w", walletID, err)
	}
	if len(events) == 0 {
		return fmt.Errorf("%w: %s", wallet.ErrWalletNotFound, walletID)
	}
	agg, err := wallet.Rehydrate(walletID, events)
	if err != nil {
		return fmt.Errorf("failed to rehydrate %s: %w", walletID, err)
	}
	if err := s.readModel.Rebuild(ctx, agg.Snapshot()); err != nil {
		return fmt.Errorf("failed to rebuild read model for %s: %w", walletID, err)
	}
	s.logger.Info().
		Str("wallet_id", walletID).
		Int64("version", agg.Version()).
		Str("balance", agg.Balance().String()).
		Msg("Read model rebuilt")
	return nil
}

// RebuildAllReadModels rebuilds every wallet the write side knows about.
// Individual failures are counted, not fatal, so one broken stream cannot
// abort the rest.
func (s *Service) RebuildAllReadModels(ctx context.Context) (RebuildReport, error) {
	ids, err := s.writeSide.ListIDs(ctx)
	if err != nil {
		return RebuildReport{}, fmt.Errorf("failed to list wallets: %w", err)
	}

	var report RebuildReport
	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := s.RebuildWalletReadModel(ctx, id); err != nil {
			report.Failed++
			s.logger.Error().Err(err).Str("wallet_id", id).Msg("Rebuild failed")
			continue
		}
		report.Rebuilt++
	}
	s.logger.Info().
		Int("rebuilt", report.Rebuilt).
		Int("failed", report.Failed).
		Msg("Read model rebuild finished")
	return report, nil
}

// DetectDataDrift compares every write-side balance against the read model.
// A difference beyond the tolerance, or a missing read-model row, counts as
// drift.
func (s *Service) DetectDataDrift(ctx context.Context) (DriftReport, error) {
	ids, err := s.writeSide.ListIDs(ctx)
	if err != nil {
		return DriftReport{}, fmt.Errorf("failed to list wallets: %w", err)
	}

	var report DriftReport
	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		writeRow, err := s.writeSide.Get(ctx, id)
		if err != nil {
			return report, fmt.Errorf("failed to read write side for %s: %w", id, err)
		}
		if writeRow == nil {
			continue
		}
		report.Checked++

		readRow, err := s.readModel.Get(ctx, id)
		if err != nil {
			return report, fmt.Errorf("failed to read read model for %s: %w", id, err)
		}
		if readRow == nil {
			report.Drifted = append(report.Drifted, DriftEntry{
				WalletID:             id,
				WriteBalance:         writeRow.Balance,
				MissingFromReadModel: true,
			})
			continue
		}

		diff := writeRow.Balance - readRow.Balance
		if diff < 0 {
			diff = -diff
		}
		if diff > driftTolerance {
			report.Drifted = append(report.Drifted, DriftEntry{
				WalletID:     id,
				WriteBalance: writeRow.Balance,
				ReadBalance:  readRow.Balance,
			})
		}
	}

	metrics.BalanceDrift.Set(float64(len(report.Drifted)))
	if len(report.Drifted) > 0 {
		s.logger.Warn().
			Int("checked", report.Checked).
			Int("drifted", len(report.Drifted)).
			Msg("Balance drift detected")
	}
	return report, nil
}

// GetStats returns the outbox staleness counters for the ops endpoint.
func (s *Service) GetStats(ctx context.Context) (outbox.StaleStats, error) {
	return s.outbox.GetStaleStats(ctx, s.cfg.StaleAfter)
}

// Start launches the periodic sweep loop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("Recovery scheduler started")
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Recovery scheduler stopped")
}

func (s *Service) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	if _, err := s.RetryStaleEvents(ctx); err != nil {
		metrics.RecoveryRuns.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Msg("Recovery sweep failed")
		return
	}
	s.retention(ctx)
	metrics.RecoveryRuns.WithLabelValues("ok").Inc()
	s.stats.RecordRecoverySweep()
}

// retention prunes rows nothing will read again: outbox rows processed before
// the retention window and expired idempotency records. Failures are logged
// and retried on the next sweep.
func (s *Service) retention(ctx context.Context) {
	removed, err := s.outbox.Cleanup(ctx, s.cfg.RetentionDays)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Outbox retention failed")
	} else if removed > 0 {
		s.logger.Info().
			Int64("removed", removed).
			Int("retention_days", s.cfg.RetentionDays).
			Msg("Pruned processed outbox rows")
	}

	if s.idempotency == nil {
		return
	}
	removed, err = s.idempotency.Cleanup(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Idempotency retention failed")
	} else if removed > 0 {
		s.logger.Info().Int64("removed", removed).Msg("Pruned expired idempotency records")
	}
}
