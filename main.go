package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/akenzy-vlu/wallex/capture"
	"github.com/akenzy-vlu/wallex/command"
	"github.com/akenzy-vlu/wallex/config"
	"github.com/akenzy-vlu/wallex/eventstore"
	"github.com/akenzy-vlu/wallex/idempotency"
	"github.com/akenzy-vlu/wallex/lock"
	"github.com/akenzy-vlu/wallex/logging"
	"github.com/akenzy-vlu/wallex/metrics"
	"github.com/akenzy-vlu/wallex/outbox"
	"github.com/akenzy-vlu/wallex/projector"
	"github.com/akenzy-vlu/wallex/publisher"
	"github.com/akenzy-vlu/wallex/recovery"
	"github.com/akenzy-vlu/wallex/schema"
	"github.com/akenzy-vlu/wallex/server"
	"github.com/akenzy-vlu/wallex/storage"
)

const serviceVersion = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// Initialize logger
	logger := logging.NewComponentLogger("walletd", serviceVersion, cfg.LogLevel, cfg.LogFormat)
	logger.LogStartup(logging.StartupConfig{
		APIPort:           cfg.API.Port,
		OpsPort:           cfg.Ops.Port,
		EventStoreHost:    cfg.EventStore.Host,
		DatabaseHost:      cfg.Database.Host,
		LockStoreAddr:     cfg.Redis.Address,
		BusBrokers:        cfg.Bus.Brokers,
		ProjectorsEnabled: cfg.Projector.AutoStart,
		SnapshotThreshold: cfg.Snapshot.Threshold,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to backing stores; every Connect pings with bounded retries.
	db, err := storage.Connect(ctx, cfg.GetDatabaseConnectionString())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	pool, err := eventstore.Connect(ctx, cfg.GetEventStoreConnectionString())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to event store")
	}
	defer pool.Close()

	redisClient, err := lock.Connect(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to lock store")
	}
	defer redisClient.Close()

	// Create schemas if missing
	if err := schema.EnsureEventStore(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("Failed to prepare event store schema")
	}
	if err := schema.EnsureSchema(ctx, db); err != nil {
		logger.Fatal().Err(err).Msg("Failed to prepare database schema")
	}

	// Stores and services
	stats := metrics.NewServiceStats()
	events := eventstore.New(pool, logger.For("eventstore"))
	snapshots := eventstore.NewSnapshotService(events, cfg.Snapshot.Threshold, cfg.Snapshot.KeepLast, logger.For("snapshots"))
	locks := lock.NewService(redisClient, logger.For("lock"))
	idem := idempotency.NewCache(db, cfg.IdempotencyTTL(), logger.For("idempotency"))
	outboxStore := outbox.NewStore(db, logger.For("outbox"))
	writeSide := storage.NewWriteSideStore(db, logger.For("storage"))
	readModel := storage.NewReadModelStore(db, logger.For("storage"))
	ledger := storage.NewLedgerStore(db, logger.For("storage"))
	checkpoints := storage.NewCheckpointStore(db)
	sink := capture.NewSink(cfg.Capture.Dir, logger.For("capture"))

	commands := command.NewService(command.Deps{
		EventLog:    events,
		Loader:      snapshots,
		Locks:       locks,
		Idempotency: idem,
		Outbox:      outboxStore,
		Mirror:      writeSide,
		Capture:     sink,
		Stats:       stats,
		Logger:      logger.For("command"),
	}, command.Options{})

	// Projection workers
	runtime := projector.NewRuntime(outboxStore, logger.For("projector"))

	readModelProjector, err := projector.New(projector.Config{
		Name:         projector.ReadModelConsumer,
		BatchSize:    cfg.Projector.BatchSize,
		PollInterval: cfg.PollInterval(),
		ErrorBackoff: cfg.ErrorBackoff(),
		MaxRetries:   cfg.Projector.MaxRetries,
		Stats:        stats,
	}, outboxStore, checkpoints, projector.NewReadModel(readModel, logger.For(projector.ReadModelConsumer)), logger.For("projector"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create read model projector")
	}
	runtime.Add(readModelProjector)

	ledgerProjector, err := projector.New(projector.Config{
		Name:         projector.LedgerConsumer,
		BatchSize:    cfg.Projector.BatchSize,
		PollInterval: cfg.PollInterval(),
		ErrorBackoff: cfg.ErrorBackoff(),
		MaxRetries:   cfg.Projector.MaxRetries,
		Stats:        stats,
	}, outboxStore, checkpoints, projector.NewLedger(ledger, logger.For(projector.LedgerConsumer)), logger.For("projector"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create ledger projector")
	}
	runtime.Add(ledgerProjector)

	if cfg.Projector.AutoStart {
		runtime.Start(ctx)
	} else {
		logger.Info().Msg("Projectors disabled by configuration")
	}

	// Bus publisher
	var busPublisher *publisher.Publisher
	if cfg.Bus.Enabled {
		provision := backoff.NewExponentialBackOff()
		provision.MaxElapsedTime = 30 * time.Second
		if err := backoff.Retry(func() error {
			return publisher.EnsureTopics(ctx, cfg.Bus.Brokers, cfg.Bus.Topic, cfg.Bus.DLQTopic, logger.For("publisher"))
		}, backoff.WithContext(provision, ctx)); err != nil {
			logger.Fatal().Err(err).Msg("Failed to provision bus topics")
		}

		busPublisher = publisher.New(publisher.Config{
			Interval:  cfg.PublisherInterval(),
			BatchSize: cfg.Publisher.BatchSize,
			Stats:     stats,
		}, outboxStore, publisher.NewWriter(cfg.Bus.Brokers, cfg.Bus.Topic, cfg.Bus.ClientID), logger.For("publisher"))
		busPublisher.Start(ctx)
	} else {
		logger.Info().Msg("Bus publishing disabled by configuration")
	}

	// Recovery sweeps; the service also backs the on-demand ops endpoints.
	recoverySvc := recovery.NewService(recovery.Config{
		Interval: cfg.RecoveryInterval(),
	}, outboxStore, events, writeSide, readModel, idem, stats, logger.For("recovery"))
	if cfg.Recovery.Enabled {
		recoverySvc.Start(ctx)
	} else {
		logger.Info().Msg("Recovery sweeps disabled by configuration")
	}

	// HTTP servers
	api := server.NewAPI(commands, readModel, ledger, logger.For("api"))
	api.Start(cfg.API.Port)

	ops := server.NewOps(server.OpsConfig{
		Checks: map[string]server.HealthCheck{
			"database":   db.PingContext,
			"eventstore": pool.Ping,
			"lockstore": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
		Outbox:      outboxStore,
		Checkpoints: checkpoints,
		Maintenance: recoverySvc,
		Consumers:   []string{projector.ReadModelConsumer, projector.LedgerConsumer, publisher.ConsumerName},
		Stats:       stats,
		DBStats:     db.Stats,
	}, logger.For("ops"))
	ops.Start(cfg.Ops.Port)

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	// Graceful shutdown: stop taking requests, then let workers finish their
	// in-flight batches before the pools close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	api.Stop(shutdownCtx)
	ops.Stop(shutdownCtx)
	runtime.Stop()
	if busPublisher != nil {
		busPublisher.Stop()
	}
	recoverySvc.Stop()

	logger.Info().Msg("Wallet ledger service stopped")
}
