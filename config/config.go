package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the wallet ledger service configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	API struct {
		Port int `yaml:"port"`
	} `yaml:"api"`

	Ops struct {
		Port int `yaml:"port"`
	} `yaml:"ops"`

	EventStore struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Database string `yaml:"database"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		SSLMode  string `yaml:"sslmode"`
		MaxConns int    `yaml:"max_conns"`
	} `yaml:"event_store"`

	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Database string `yaml:"database"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Bus struct {
		Enabled  bool     `yaml:"enabled"`
		Brokers  []string `yaml:"brokers"`
		ClientID string   `yaml:"client_id"`
		Topic    string   `yaml:"topic"`
		DLQTopic string   `yaml:"dlq_topic"`
	} `yaml:"bus"`

	Snapshot struct {
		Threshold int `yaml:"threshold"`
		KeepLast  int `yaml:"keep_last"`
	} `yaml:"snapshot"`

	Projector struct {
		AutoStart      bool `yaml:"auto_start"`
		PollIntervalMs int  `yaml:"poll_interval_ms"`
		BatchSize      int  `yaml:"batch_size"`
		ErrorBackoffMs int  `yaml:"error_backoff_ms"`
		MaxRetries     int  `yaml:"max_retries"`
	} `yaml:"projector"`

	Publisher struct {
		IntervalMs int `yaml:"interval_ms"`
		BatchSize  int `yaml:"batch_size"`
	} `yaml:"publisher"`

	Idempotency struct {
		TTLHours int `yaml:"ttl_hours"`
	} `yaml:"idempotency"`

	Recovery struct {
		Enabled         bool `yaml:"enabled"`
		IntervalMinutes int  `yaml:"interval_minutes"`
	} `yaml:"recovery"`

	Capture struct {
		Dir string `yaml:"dir"`
	} `yaml:"capture"`
}

// Load reads configuration from an optional YAML file (WALLEX_CONFIG), applies
// environment variable overrides, fills defaults, and validates the result.
// A .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var config Config
	// Workers run unless explicitly disabled; a YAML file or env var can
	// flip these off, so they start true rather than relying on setDefaults.
	config.Projector.AutoStart = true
	config.Recovery.Enabled = true
	config.Bus.Enabled = true

	if path := os.Getenv("WALLEX_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnv()
	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvOrDefault("LOG_FORMAT", c.LogFormat)

	c.API.Port = getEnvIntOrDefault("API_PORT", c.API.Port)
	c.Ops.Port = getEnvIntOrDefault("OPS_PORT", c.Ops.Port)

	c.EventStore.Host = getEnvOrDefault("EVENTSTORE_HOST", c.EventStore.Host)
	c.EventStore.Port = getEnvIntOrDefault("EVENTSTORE_PORT", c.EventStore.Port)
	c.EventStore.Database = getEnvOrDefault("EVENTSTORE_DB", c.EventStore.Database)
	c.EventStore.Username = getEnvOrDefault("EVENTSTORE_USER", c.EventStore.Username)
	c.EventStore.Password = getEnvOrDefault("EVENTSTORE_PASSWORD", c.EventStore.Password)
	c.EventStore.SSLMode = getEnvOrDefault("EVENTSTORE_SSLMODE", c.EventStore.SSLMode)
	c.EventStore.MaxConns = getEnvIntOrDefault("EVENTSTORE_MAX_CONNS", c.EventStore.MaxConns)

	c.Database.Host = getEnvOrDefault("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvIntOrDefault("DB_PORT", c.Database.Port)
	c.Database.Database = getEnvOrDefault("DB_NAME", c.Database.Database)
	c.Database.Username = getEnvOrDefault("DB_USER", c.Database.Username)
	c.Database.Password = getEnvOrDefault("DB_PASSWORD", c.Database.Password)
	c.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", c.Database.SSLMode)

	c.Redis.Address = getEnvOrDefault("REDIS_ADDR", c.Redis.Address)
	c.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvIntOrDefault("REDIS_DB", c.Redis.DB)

	c.Bus.Enabled = getEnvBoolOrDefault("BUS_ENABLED", c.Bus.Enabled)
	if brokers := os.Getenv("BUS_BROKERS"); brokers != "" {
		c.Bus.Brokers = splitAndTrim(brokers)
	}
	c.Bus.ClientID = getEnvOrDefault("BUS_CLIENT_ID", c.Bus.ClientID)
	c.Bus.Topic = getEnvOrDefault("BUS_TOPIC", c.Bus.Topic)
	c.Bus.DLQTopic = getEnvOrDefault("BUS_DLQ_TOPIC", c.Bus.DLQTopic)

	c.Snapshot.Threshold = getEnvIntOrDefault("SNAPSHOT_THRESHOLD", c.Snapshot.Threshold)
	c.Snapshot.KeepLast = getEnvIntOrDefault("SNAPSHOT_KEEP_LAST", c.Snapshot.KeepLast)

	c.Projector.AutoStart = getEnvBoolOrDefault("PROJECTORS_AUTO_START", c.Projector.AutoStart)
	c.Projector.PollIntervalMs = getEnvIntOrDefault("PROJECTOR_POLL_INTERVAL_MS", c.Projector.PollIntervalMs)
	c.Projector.BatchSize = getEnvIntOrDefault("PROJECTOR_BATCH_SIZE", c.Projector.BatchSize)
	c.Projector.ErrorBackoffMs = getEnvIntOrDefault("PROJECTOR_ERROR_BACKOFF_MS", c.Projector.ErrorBackoffMs)
	c.Projector.MaxRetries = getEnvIntOrDefault("PROJECTOR_MAX_RETRIES", c.Projector.MaxRetries)

	c.Publisher.IntervalMs = getEnvIntOrDefault("PUBLISHER_INTERVAL_MS", c.Publisher.IntervalMs)
	c.Publisher.BatchSize = getEnvIntOrDefault("PUBLISHER_BATCH_SIZE", c.Publisher.BatchSize)

	c.Idempotency.TTLHours = getEnvIntOrDefault("IDEMPOTENCY_TTL_HOURS", c.Idempotency.TTLHours)

	c.Recovery.Enabled = getEnvBoolOrDefault("RECOVERY_ENABLED", c.Recovery.Enabled)
	c.Recovery.IntervalMinutes = getEnvIntOrDefault("RECOVERY_INTERVAL_MINUTES", c.Recovery.IntervalMinutes)

	c.Capture.Dir = getEnvOrDefault("CAPTURE_DIR", c.Capture.Dir)
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Ops.Port == 0 {
		c.Ops.Port = 8081
	}
	if c.EventStore.Host == "" {
		c.EventStore.Host = "localhost"
	}
	if c.EventStore.Port == 0 {
		c.EventStore.Port = 5432
	}
	if c.EventStore.Database == "" {
		c.EventStore.Database = "wallet_events"
	}
	if c.EventStore.Username == "" {
		c.EventStore.Username = "postgres"
	}
	if c.EventStore.SSLMode == "" {
		c.EventStore.SSLMode = "disable"
	}
	if c.EventStore.MaxConns == 0 {
		c.EventStore.MaxConns = 25
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.Database == "" {
		c.Database.Database = "wallet"
	}
	if c.Database.Username == "" {
		c.Database.Username = "postgres"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}
	if len(c.Bus.Brokers) == 0 {
		c.Bus.Brokers = []string{"localhost:9092"}
	}
	if c.Bus.ClientID == "" {
		c.Bus.ClientID = "wallex"
	}
	if c.Bus.Topic == "" {
		c.Bus.Topic = "wallet-events"
	}
	if c.Bus.DLQTopic == "" {
		c.Bus.DLQTopic = "wallet-events-dlq"
	}
	if c.Snapshot.Threshold == 0 {
		c.Snapshot.Threshold = 100
	}
	if c.Snapshot.KeepLast == 0 {
		c.Snapshot.KeepLast = 3
	}
	if c.Projector.PollIntervalMs == 0 {
		c.Projector.PollIntervalMs = 500
	}
	if c.Projector.BatchSize == 0 {
		c.Projector.BatchSize = 50
	}
	if c.Projector.ErrorBackoffMs == 0 {
		c.Projector.ErrorBackoffMs = 1000
	}
	if c.Projector.MaxRetries == 0 {
		c.Projector.MaxRetries = 5
	}
	if c.Publisher.IntervalMs == 0 {
		c.Publisher.IntervalMs = 5000
	}
	if c.Publisher.BatchSize == 0 {
		c.Publisher.BatchSize = 100
	}
	if c.Idempotency.TTLHours == 0 {
		c.Idempotency.TTLHours = 24
	}
	if c.Recovery.IntervalMinutes == 0 {
		c.Recovery.IntervalMinutes = 5
	}
	if c.Capture.Dir == "" {
		c.Capture.Dir = "capture"
	}
}

// Validate checks that required configuration values are present and sane.
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api port out of range: %d", c.API.Port)
	}
	if c.Ops.Port <= 0 || c.Ops.Port > 65535 {
		return fmt.Errorf("ops port out of range: %d", c.Ops.Port)
	}
	if c.API.Port == c.Ops.Port {
		return fmt.Errorf("api and ops ports must differ, both are %d", c.API.Port)
	}
	if c.Snapshot.Threshold < 1 {
		return fmt.Errorf("snapshot threshold must be positive, got %d", c.Snapshot.Threshold)
	}
	if c.Snapshot.KeepLast < 1 {
		return fmt.Errorf("snapshot keep_last must be positive, got %d", c.Snapshot.KeepLast)
	}
	if c.Projector.BatchSize < 1 {
		return fmt.Errorf("projector batch size must be positive, got %d", c.Projector.BatchSize)
	}
	if c.Bus.Enabled && len(c.Bus.Brokers) == 0 {
		return fmt.Errorf("bus enabled but no brokers configured")
	}
	return nil
}

// GetEventStoreConnectionString builds the pgx connection string for the
// event store database.
func (c *Config) GetEventStoreConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		c.EventStore.Username,
		c.EventStore.Password,
		c.EventStore.Host,
		c.EventStore.Port,
		c.EventStore.Database,
		c.EventStore.SSLMode,
		c.EventStore.MaxConns,
	)
}

// GetDatabaseConnectionString builds the database/sql connection string for
// the relational store.
func (c *Config) GetDatabaseConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// PollInterval returns the projector poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Projector.PollIntervalMs) * time.Millisecond
}

// ErrorBackoff returns the projector error backoff unit.
func (c *Config) ErrorBackoff() time.Duration {
	return time.Duration(c.Projector.ErrorBackoffMs) * time.Millisecond
}

// PublisherInterval returns the bus publisher poll interval.
func (c *Config) PublisherInterval() time.Duration {
	return time.Duration(c.Publisher.IntervalMs) * time.Millisecond
}

// IdempotencyTTL returns the idempotency record lifetime.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Idempotency.TTLHours) * time.Hour
}

// RecoveryInterval returns the balance recovery sweep interval.
func (c *Config) RecoveryInterval() time.Duration {
	return time.Duration(c.Recovery.IntervalMinutes) * time.Minute
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
