package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger provides structured logging for the wallet ledger service.
type ComponentLogger struct {
	logger    zerolog.Logger
	component string
	version   string
}

// NewComponentLogger creates a new component logger. Format "console" enables
// the pretty writer for development; anything else emits JSON lines.
func NewComponentLogger(component, version, level, format string) *ComponentLogger {
	var output io.Writer = os.Stdout
	if format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Str("component", component).
		Str("version", version).
		Logger()

	SetLevel(level)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	return &ComponentLogger{
		logger:    logger,
		component: component,
		version:   version,
	}
}

// Info returns an info level event
func (cl *ComponentLogger) Info() *zerolog.Event {
	return cl.logger.Info()
}

// Debug returns a debug level event
func (cl *ComponentLogger) Debug() *zerolog.Event {
	return cl.logger.Debug()
}

// Warn returns a warn level event
func (cl *ComponentLogger) Warn() *zerolog.Event {
	return cl.logger.Warn()
}

// Error returns an error level event
func (cl *ComponentLogger) Error() *zerolog.Event {
	return cl.logger.Error()
}

// Fatal returns a fatal level event
func (cl *ComponentLogger) Fatal() *zerolog.Event {
	return cl.logger.Fatal()
}

// With creates a child logger context with additional fields.
func (cl *ComponentLogger) With() zerolog.Context {
	return cl.logger.With()
}

// For returns a child logger tagged with a subsystem name, for handing to
// packages that take a plain zerolog.Logger.
func (cl *ComponentLogger) For(subsystem string) zerolog.Logger {
	return cl.logger.With().Str("subsystem", subsystem).Logger()
}

// GetLogger returns the underlying zerolog logger.
func (cl *ComponentLogger) GetLogger() zerolog.Logger {
	return cl.logger
}

// StartupConfig holds the fields logged once at boot.
type StartupConfig struct {
	APIPort           int
	OpsPort           int
	EventStoreHost    string
	DatabaseHost      string
	LockStoreAddr     string
	BusBrokers        []string
	ProjectorsEnabled bool
	SnapshotThreshold int
}

// LogStartup logs startup configuration.
func (cl *ComponentLogger) LogStartup(config StartupConfig) {
	cl.Info().
		Int("api_port", config.APIPort).
		Int("ops_port", config.OpsPort).
		Str("event_store", config.EventStoreHost).
		Str("database", config.DatabaseHost).
		Str("lock_store", config.LockStoreAddr).
		Strs("bus_brokers", config.BusBrokers).
		Bool("projectors_enabled", config.ProjectorsEnabled).
		Int("snapshot_threshold", config.SnapshotThreshold).
		Msg("Starting wallet ledger service")
}

// SetLevel sets the global logging level.
func SetLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		log.Warn().Str("level", level).Msg("Unknown log level, defaulting to info")
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
