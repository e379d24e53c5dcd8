package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the events service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	DLQ       DLQConfig       `mapstructure:"dlq"`
	Retention RetentionConfig `mapstructure:"retention"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds the pgx connection string.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis configuration for the dead letter statistics
// store.
type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// NATSConfig holds the optional broadcast bridge configuration.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Name    string `mapstructure:"name"`
	Enabled bool   `mapstructure:"enabled"`
}

// DeliveryConfig holds webhook delivery engine settings.
type DeliveryConfig struct {
	// DrainInterval is how often the in-memory delivery queue is drained.
	DrainInterval time.Duration `mapstructure:"drain_interval"`

	// RetryPollInterval is how often due pending retries are re-dispatched.
	RetryPollInterval time.Duration `mapstructure:"retry_poll_interval"`

	// Timeout is the default per-attempt HTTP timeout for webhooks that
	// do not configure their own.
	Timeout time.Duration `mapstructure:"timeout"`
}

// BreakerConfig holds per-webhook circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	MonitoringPeriod time.Duration `mapstructure:"monitoring_period"`
}

// DLQConfig holds dead letter queue policy.
type DLQConfig struct {
	MaxRetentionDays   int           `mapstructure:"max_retention_days"`
	MaxRetryAttempts   int           `mapstructure:"max_retry_attempts"`
	BatchSize          int           `mapstructure:"batch_size"`
	ProcessingInterval time.Duration `mapstructure:"processing_interval"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	FailureCeiling     int           `mapstructure:"failure_ceiling"`
}

// RetentionConfig holds event retention policy.
type RetentionConfig struct {
	EventRetentionDays int           `mapstructure:"event_retention_days"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional file and environment
// variables. Environment variables use the TELHAWK_EVENTS_ prefix with
// underscores, e.g. TELHAWK_EVENTS_SERVER_PORT.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8087)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "telhawk")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "telhawk_events")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "telhawk-events")
	v.SetDefault("nats.enabled", false)

	v.SetDefault("delivery.drain_interval", "2s")
	v.SetDefault("delivery.retry_poll_interval", "30s")
	v.SetDefault("delivery.timeout", "30s")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", "60s")
	v.SetDefault("breaker.monitoring_period", "5m")

	v.SetDefault("dlq.max_retention_days", 7)
	v.SetDefault("dlq.max_retry_attempts", 3)
	v.SetDefault("dlq.batch_size", 50)
	v.SetDefault("dlq.processing_interval", "5m")
	v.SetDefault("dlq.cleanup_interval", "24h")
	v.SetDefault("dlq.failure_ceiling", 1000)

	v.SetDefault("retention.event_retention_days", 30)
	v.SetDefault("retention.sweep_interval", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables override file config
	v.SetEnvPrefix("TELHAWK_EVENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
