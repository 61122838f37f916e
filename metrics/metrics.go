package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CommandsTotal tracks processed commands by type and outcome
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_commands_total",
			Help: "Total number of wallet commands processed",
		},
		[]string{"command", "outcome"},
	)

	// CommandDuration tracks command handling latency
	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wallet_command_duration_seconds",
			Help:    "Wallet command handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	// EventsAppended tracks events appended to the event store
	EventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_events_appended_total",
			Help: "Total number of events appended to the event store",
		},
		[]string{"event_type"},
	)

	// ConcurrencyConflicts tracks optimistic concurrency failures on append
	ConcurrencyConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_concurrency_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts on append",
		},
	)

	// SnapshotsTaken tracks snapshots written per aggregate
	SnapshotsTaken = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_snapshots_taken_total",
			Help: "Total number of aggregate snapshots written",
		},
	)

	// LockAcquisitions tracks distributed lock outcomes
	LockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_lock_acquisitions_total",
			Help: "Total number of distributed lock acquisition attempts",
		},
		[]string{"outcome"},
	)

	// IdempotencyHits tracks idempotency cache lookups by result
	IdempotencyHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_idempotency_lookups_total",
			Help: "Total number of idempotency cache lookups",
		},
		[]string{"result"},
	)

	// OutboxMessagesEnqueued tracks messages written to the outbox
	OutboxMessagesEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_outbox_enqueued_total",
			Help: "Total number of messages enqueued to the outbox",
		},
	)

	// MessagesProcessed tracks outbox messages processed per consumer
	MessagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_outbox_processed_total",
			Help: "Total number of outbox messages processed",
		},
		[]string{"consumer", "outcome"},
	)

	// ProjectorLag tracks outbox messages pending per consumer
	ProjectorLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wallet_projector_lag_messages",
			Help: "Number of outbox messages not yet processed by a consumer",
		},
		[]string{"consumer"},
	)

	// ProjectorMessages tracks per-projector apply outcomes
	ProjectorMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_projector_messages_total",
			Help: "Total number of outbox messages handled by projectors",
		},
		[]string{"projector", "result"},
	)

	// BusPublishes tracks messages published to the event bus
	BusPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_bus_publishes_total",
			Help: "Total number of events published to the event bus",
		},
		[]string{"outcome"},
	)

	// RecoveryRuns tracks periodic recovery sweeps
	RecoveryRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_recovery_runs_total",
			Help: "Total number of balance recovery sweeps",
		},
		[]string{"outcome"},
	)

	// BalanceDrift tracks wallets whose projected balance diverged from the stream
	BalanceDrift = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_balance_drift_total",
			Help: "Total number of balance drift detections",
		},
	)
)

func init() {
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(EventsAppended)
	prometheus.MustRegister(ConcurrencyConflicts)
	prometheus.MustRegister(SnapshotsTaken)
	prometheus.MustRegister(LockAcquisitions)
	prometheus.MustRegister(IdempotencyHits)
	prometheus.MustRegister(OutboxMessagesEnqueued)
	prometheus.MustRegister(MessagesProcessed)
	prometheus.MustRegister(ProjectorLag)
	prometheus.MustRegister(ProjectorMessages)
	prometheus.MustRegister(BusPublishes)
	prometheus.MustRegister(RecoveryRuns)
	prometheus.MustRegister(BalanceDrift)
}

// ServiceStats tracks service-level counters exposed on /stats.
type ServiceStats struct {
	mu                 sync.RWMutex
	CommandsProcessed  int64
	CommandsFailed     int64
	EventsAppended     int64
	ConflictsRetried   int64
	MessagesProjected  int64
	MessagesPublished  int64
	RecoverySweeps     int64
	LastCommandTime    time.Time
	LastProjectionTime time.Time
	LastRecoveryTime   time.Time
	StartTime          time.Time
}

// NewServiceStats creates a stats tracker with the start time set.
func NewServiceStats() *ServiceStats {
	return &ServiceStats{StartTime: time.Now()}
}

// RecordCommand records a processed command.
func (s *ServiceStats) RecordCommand(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if failed {
		s.CommandsFailed++
	} else {
		s.CommandsProcessed++
	}
	s.LastCommandTime = time.Now()
}

// RecordEvents records appended events.
func (s *ServiceStats) RecordEvents(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EventsAppended += int64(count)
}

// RecordConflictRetry records a retried concurrency conflict.
func (s *ServiceStats) RecordConflictRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConflictsRetried++
}

// RecordProjection records a projected message.
func (s *ServiceStats) RecordProjection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MessagesProjected++
	s.LastProjectionTime = time.Now()
}

// RecordPublish records a batch of published messages.
func (s *ServiceStats) RecordPublish(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MessagesPublished += int64(count)
}

// RecordRecoverySweep records a completed recovery sweep.
func (s *ServiceStats) RecordRecoverySweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecoverySweeps++
	s.LastRecoveryTime = time.Now()
}

// Snapshot returns a copy of the current stats.
func (s *ServiceStats) Snapshot() ServiceStatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ServiceStatsSnapshot{
		CommandsProcessed:  s.CommandsProcessed,
		CommandsFailed:     s.CommandsFailed,
		EventsAppended:     s.EventsAppended,
		ConflictsRetried:   s.ConflictsRetried,
		MessagesProjected:  s.MessagesProjected,
		MessagesPublished:  s.MessagesPublished,
		RecoverySweeps:     s.RecoverySweeps,
		LastCommandTime:    s.LastCommandTime,
		LastProjectionTime: s.LastProjectionTime,
		LastRecoveryTime:   s.LastRecoveryTime,
		UptimeSeconds:      int64(time.Since(s.StartTime).Seconds()),
	}
}

// ServiceStatsSnapshot is the JSON shape served on /stats.
type ServiceStatsSnapshot struct {
	CommandsProcessed  int64     `json:"commands_processed"`
	CommandsFailed     int64     `json:"commands_failed"`
	EventsAppended     int64     `json:"events_appended"`
	ConflictsRetried   int64     `json:"conflicts_retried"`
	MessagesProjected  int64     `json:"messages_projected"`
	MessagesPublished  int64     `json:"messages_published"`
	RecoverySweeps     int64     `json:"recovery_sweeps"`
	LastCommandTime    time.Time `json:"last_command_time"`
	LastProjectionTime time.Time `json:"last_projection_time"`
	LastRecoveryTime   time.Time `json:"last_recovery_time"`
	UptimeSeconds      int64     `json:"uptime_seconds"`
}
