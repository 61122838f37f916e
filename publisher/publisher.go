// Package publisher drains committed outbox rows onto the Kafka event bus.
// It is one more outbox consumer: rows are claimed under its own cursor and
// acked only after the broker confirms the write, giving at-least-once
// delivery with per-aggregate ordering via the partition key.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/akenzy-vlu/wallex/metrics"
	"github.com/akenzy-vlu/wallex/outbox"
)

// ConsumerName is the outbox cursor the publisher claims under.
const ConsumerName = "bus-publisher"

// Default loop tuning, overridable through Config.
const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 100

	writeTimeout = 30 * time.Second
	dialTimeout  = 10 * time.Second
)

// Outbox is the slice of the outbox store the publisher drains.
type Outbox interface {
	ClaimBatch(ctx context.Context, opts outbox.ClaimOptions) ([]outbox.Message, error)
	MarkBatchProcessed(ctx context.Context, ids []int64, consumer string) error
}

// MessageWriter is the broker surface the publisher writes to, satisfied by
// *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config tunes the publisher loop.
type Config struct {
	Interval  time.Duration
	BatchSize int
	// Stats, when set, feeds the /stats service counters.
	Stats *metrics.ServiceStats
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Publisher is the scheduled worker that moves outbox rows to the bus.
type Publisher struct {
	cfg    Config
	outbox Outbox
	writer MessageWriter
	logger zerolog.Logger

	// draining collapses overlapping runs when a tick fires while the
	// previous drain is still writing.
	draining atomic.Bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New creates a publisher.
func New(cfg Config, ob Outbox, writer MessageWriter, logger zerolog.Logger) *Publisher {
	return &Publisher{
		cfg:    cfg.withDefaults(),
		outbox: ob,
		writer: writer,
		logger: logger.With().Str("consumer", ConsumerName).Logger(),
	}
}

// NewWriter builds the production Kafka writer: acks from every in-sync
// replica, gzip on the wire, the aggregate id hashed onto a stable partition.
func NewWriter(brokers []string, topic, clientID string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  10,
		Compression:  kafka.Gzip,
		WriteTimeout: writeTimeout,
		Transport: &kafka.Transport{
			ClientID:    clientID,
			DialTimeout: dialTimeout,
		},
	}
}

// Start launches the publish loop.
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	p.logger.Info().
		Dur("interval", p.cfg.Interval).
		Int("batch_size", p.cfg.BatchSize).
		Msg("Bus publisher started")
}

// Stop cancels the loop, waits for the in-flight batch, and closes the
// writer. Safe to call more than once.
func (p *Publisher) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	if err := p.writer.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to close bus writer")
	}
	p.logger.Info().Msg("Bus publisher stopped")
}

func (p *Publisher) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Drain(ctx)
			if err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Int("published", n).
					Msg("Publish drain failed, retrying next tick")
			}
		}
	}
}

// Drain publishes batches until the backlog is empty or a batch fails.
// A drain already in flight makes this call a no-op.
func (p *Publisher) Drain(ctx context.Context) (int, error) {
	if !p.draining.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer p.draining.Store(false)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := p.PublishBatch(ctx)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}

// PublishBatch claims one batch and writes it to the bus. Rows are acked only
// after the broker confirms the whole batch; a failed write leaves every
// claimed row unacked for a later pass.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	batch, err := p.outbox.ClaimBatch(ctx, outbox.ClaimOptions{
		Size:     p.cfg.BatchSize,
		Consumer: ConsumerName,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to claim batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, len(batch))
	ids := make([]int64, len(batch))
	for i, row := range batch {
		msg, err := busMessage(row)
		if err != nil {
			return 0, err
		}
		msgs[i] = msg
		ids[i] = row.ID
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		metrics.BusPublishes.WithLabelValues("error").Add(float64(len(msgs)))
		return 0, fmt.Errorf("failed to publish batch of %d: %w", len(msgs), err)
	}

	if err := p.outbox.MarkBatchProcessed(ctx, ids, ConsumerName); err != nil {
		// The write is durable; unmarked rows are re-published and downstream
		// consumers dedupe on the row id.
		return 0, fmt.Errorf("failed to mark batch published: %w", err)
	}

	metrics.BusPublishes.WithLabelValues("ok").Add(float64(len(msgs)))
	if p.cfg.Stats != nil {
		p.cfg.Stats.RecordPublish(len(msgs))
	}
	return len(msgs), nil
}

// busMessage maps one outbox row to the wire. The key is the aggregate id so
// one wallet's events land on one partition in commit order; the value is the
// row itself as JSON.
func busMessage(row outbox.Message) (kafka.Message, error) {
	value, err := json.Marshal(row)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal outbox row %d: %w", row.ID, err)
	}
	meta := outbox.ParseMetadata(row.Metadata)
	return kafka.Message{
		Key:   []byte(row.AggregateID),
		Value: value,
		Time:  row.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(row.EventType)},
			{Key: "aggregate-id", Value: []byte(row.AggregateID)},
			{Key: "correlation-id", Value: []byte(meta.CorrelationID)},
			{Key: "causation-id", Value: []byte(meta.CausationID)},
		},
	}, nil
}
