// Package projector hosts the workers that drain the outbox into read-side
// projections. Each projector is a named consumer with its own checkpoint;
// delivery is at-least-once and every Apply implementation is idempotent.
package projector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/akenzy-vlu/wallex/metrics"
	"github.com/akenzy-vlu/wallex/outbox"
	"github.com/akenzy-vlu/wallex/storage"
)

// Default worker tuning, overridable through Config.
const (
	DefaultBatchSize    = 50
	DefaultPollInterval = 500 * time.Millisecond
	DefaultErrorBackoff = time.Second
	DefaultMaxRetries   = 5
)

// Outbox is the slice of the outbox store the runtime uses.
type Outbox interface {
	ClaimBatch(ctx context.Context, opts outbox.ClaimOptions) ([]outbox.Message, error)
	MarkBatchProcessed(ctx context.Context, ids []int64, consumer string) error
	GetUnprocessedCount(ctx context.Context, consumer string) (int64, error)
}

// Checkpoints persists per-projector progress.
type Checkpoints interface {
	Get(ctx context.Context, projectorName string) (storage.Checkpoint, error)
	Save(ctx context.Context, cp storage.Checkpoint) error
}

// Handler is one projection: how to apply a message and how to recognize one
// that has already been applied through a projection-specific uniqueness
// check (ledger reference ids, read-model version guards).
type Handler interface {
	Apply(ctx context.Context, msg outbox.Message) error
	IsAlreadyProcessed(ctx context.Context, msg outbox.Message) (bool, error)
}

// Config tunes one projector worker.
type Config struct {
	Name         string
	BatchSize    int
	PollInterval time.Duration
	ErrorBackoff time.Duration
	MaxRetries   int
	// Stats, when set, feeds the /stats service counters.
	Stats *metrics.ServiceStats
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// Projector is a single-threaded worker draining one consumer cursor.
// Replicas may run the same name concurrently; SKIP LOCKED claims partition
// the work between them.
type Projector struct {
	cfg         Config
	outbox      Outbox
	checkpoints Checkpoints
	handler     Handler
	logger      zerolog.Logger

	// sleep is swapped out by tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error

	consecutiveErrors int
}

// New creates a projector worker.
func New(cfg Config, ob Outbox, checkpoints Checkpoints, handler Handler, logger zerolog.Logger) (*Projector, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("projector requires a name")
	}
	return &Projector{
		cfg:         cfg.withDefaults(),
		outbox:      ob,
		checkpoints: checkpoints,
		handler:     handler,
		logger:      logger.With().Str("projector", cfg.Name).Logger(),
		sleep:       sleepCtx,
	}, nil
}

// Name returns the consumer name this projector claims under.
func (p *Projector) Name() string { return p.cfg.Name }

// Run drives the poll loop until the context is cancelled. The loop
// processes at most one batch per iteration; an empty claim waits the poll
// interval, a failed batch backs off and, past the retry budget, parks the
// worker for errorBackoff x consecutiveErrors.
func (p *Projector) Run(ctx context.Context) {
	p.logger.Info().
		Int("batch_size", p.cfg.BatchSize).
		Dur("poll_interval", p.cfg.PollInterval).
		Msg("Projector started")

	for {
		if ctx.Err() != nil {
			p.logger.Info().Msg("Projector stopped")
			return
		}

		processed, err := p.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info().Msg("Projector stopped")
				return
			}
			p.consecutiveErrors++
			delay := p.cfg.ErrorBackoff
			if p.consecutiveErrors > p.cfg.MaxRetries {
				delay = p.cfg.ErrorBackoff * time.Duration(p.consecutiveErrors)
				p.logger.Error().Err(err).
					Int("consecutive_errors", p.consecutiveErrors).
					Dur("parked_for", delay).
					Msg("Projector retry budget exceeded, parking")
			} else {
				p.logger.Warn().Err(err).
					Int("consecutive_errors", p.consecutiveErrors).
					Msg("Projector batch failed, backing off")
			}
			if p.sleep(ctx, delay) != nil {
				return
			}
			continue
		}

		p.consecutiveErrors = 0
		if processed == 0 {
			if p.sleep(ctx, p.cfg.PollInterval) != nil {
				return
			}
		}
	}
}

// ProcessBatch claims one batch and applies it message by message. A message
// is skipped when the checkpoint or the projection says it was already
// applied; skips still count as processed so the outbox cursor advances.
// The first Apply failure aborts the rest of the batch: later messages for
// the same aggregate must not run ahead of a failed one. Successes recorded
// before the failure are still acked.
func (p *Projector) ProcessBatch(ctx context.Context) (int, error) {
	batch, err := p.outbox.ClaimBatch(ctx, outbox.ClaimOptions{
		Size:     p.cfg.BatchSize,
		Consumer: p.cfg.Name,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to claim batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	cp, err := p.checkpoints.Get(ctx, p.cfg.Name)
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var (
		processedIDs []int64
		applyErr     error
	)
	for _, msg := range batch {
		if p.alreadyProcessed(cp, msg) {
			metrics.ProjectorMessages.WithLabelValues(p.cfg.Name, "skipped").Inc()
			processedIDs = append(processedIDs, msg.ID)
			continue
		}

		skip, err := p.handler.IsAlreadyProcessed(ctx, msg)
		if err != nil {
			applyErr = fmt.Errorf("failed to check message %d: %w", msg.ID, err)
			break
		}
		if skip {
			metrics.ProjectorMessages.WithLabelValues(p.cfg.Name, "skipped").Inc()
		} else if err := p.handler.Apply(ctx, msg); err != nil {
			metrics.ProjectorMessages.WithLabelValues(p.cfg.Name, "failed").Inc()
			p.logger.Error().Err(err).
				Int64("outbox_id", msg.ID).
				Str("aggregate_id", msg.AggregateID).
				Str("event_type", msg.EventType).
				Msg("Apply failed, message stays unacked")
			applyErr = fmt.Errorf("failed to apply message %d: %w", msg.ID, err)
			break
		} else {
			metrics.ProjectorMessages.WithLabelValues(p.cfg.Name, "applied").Inc()
			if p.cfg.Stats != nil {
				p.cfg.Stats.RecordProjection()
			}
		}

		cp = storage.Checkpoint{
			ProjectorName:        p.cfg.Name,
			AggregateID:          msg.AggregateID,
			LastProcessedVersion: msg.EventVersion,
			LastProcessedID:      msg.ID,
		}
		if err := p.checkpoints.Save(ctx, cp); err != nil {
			// The apply is durable and idempotent; a lost checkpoint only
			// costs a redundant skip-check on redelivery.
			p.logger.Warn().Err(err).Int64("outbox_id", msg.ID).
				Msg("Failed to save checkpoint")
		}
		processedIDs = append(processedIDs, msg.ID)
	}

	if len(processedIDs) > 0 {
		if err := p.outbox.MarkBatchProcessed(ctx, processedIDs, p.cfg.Name); err != nil {
			return 0, fmt.Errorf("failed to mark batch processed: %w", err)
		}
	}
	if applyErr != nil && len(processedIDs) == 0 {
		return 0, applyErr
	}
	return len(processedIDs), nil
}

// alreadyProcessed is the checkpoint guard. The outbox id comparison is the
// primary check; the per-aggregate version comparison is secondary and only
// ever skips, never forces, processing.
func (p *Projector) alreadyProcessed(cp storage.Checkpoint, msg outbox.Message) bool {
	if cp.LastProcessedID >= msg.ID {
		return true
	}
	return cp.AggregateID == msg.AggregateID && cp.AggregateID != "" &&
		cp.LastProcessedVersion >= msg.EventVersion
}

// Runtime owns the projector workers plus a lag reporter, with the start and
// stop lifecycle the rest of the service expects from its components.
type Runtime struct {
	projectors []*Projector
	outbox     Outbox
	logger     zerolog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewRuntime creates an empty runtime.
func NewRuntime(ob Outbox, logger zerolog.Logger) *Runtime {
	return &Runtime{outbox: ob, logger: logger}
}

// Add registers a projector. Call before Start.
func (r *Runtime) Add(p *Projector) {
	r.projectors = append(r.projectors, p)
}

// Start launches every registered projector and the lag reporter.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)

	for _, p := range r.projectors {
		p := p
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			p.Run(ctx)
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reportLag(ctx)
	}()

	r.logger.Info().Int("projectors", len(r.projectors)).Msg("Projector runtime started")
}

// Stop cancels the workers and waits for in-flight batches to finish.
func (r *Runtime) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	r.logger.Info().Msg("Projector runtime stopped")
}

// reportLag refreshes the per-consumer lag gauges on a slow ticker.
func (r *Runtime) reportLag(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range r.projectors {
				count, err := r.outbox.GetUnprocessedCount(ctx, p.Name())
				if err != nil {
					r.logger.Warn().Err(err).Str("consumer", p.Name()).
						Msg("Failed to read consumer lag")
					continue
				}
				metrics.ProjectorLag.WithLabelValues(p.Name()).Set(float64(count))
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
