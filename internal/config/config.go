// Package config provides configuration management for the document digest service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// Store backend names.
const (
	StoreBackendMemory   = "memory"
	StoreBackendRedis    = "redis"
	StoreBackendPostgres = "postgres"
)

// Config holds all configuration for the document digest service.
type Config struct {
	// Server contains HTTP server settings.
	Server ServerConfig `mapstructure:"server"`
	// Store contains bounded key-value store settings.
	Store StoreConfig `mapstructure:"store"`
	// Redis contains Redis connection settings for the redis store backend.
	Redis RedisConfig `mapstructure:"redis"`
	// Database contains PostgreSQL connection settings for the postgres store backend.
	Database DatabaseConfig `mapstructure:"database"`
	// Dispatch contains downstream summarization dispatch settings.
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	// Source contains document source fetch settings.
	Source SourceConfig `mapstructure:"source"`
	// Notify contains completion notification settings.
	Notify NotifyConfig `mapstructure:"notify"`
	// Kafka contains Kafka publisher settings for digest lifecycle events.
	Kafka KafkaConfig `mapstructure:"kafka"`
	// Sweeper contains stale-workflow sweeper settings.
	Sweeper SweeperConfig `mapstructure:"sweeper"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig holds bounded store limits and backend selection.
type StoreConfig struct {
	// Backend selects the slot backend (memory, redis, postgres).
	Backend string `mapstructure:"backend"`
	// MaxSlotSize is the per-slot payload ceiling in bytes; larger payloads are chunked.
	MaxSlotSize int `mapstructure:"max_slot_size"`
	// MaxEntries is the logical entry ceiling that triggers eviction before writes.
	MaxEntries int `mapstructure:"max_entries"`
	// MaxAge is the age past which entries become eviction candidates.
	MaxAge time.Duration `mapstructure:"max_age"`
	// BudgetBytes is the total payload byte budget (0 disables the budget).
	BudgetBytes int64 `mapstructure:"budget_bytes"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `mapstructure:"addr"`
	// Password is the Redis password (loaded from DOCDIGEST_REDIS_PASSWORD env var).
	Password string `mapstructure:"-"`
	// DB is the Redis database number.
	DB int `mapstructure:"db"`
	// KeyPrefix namespaces all store keys (default: "docdigest:").
	KeyPrefix string `mapstructure:"key_prefix"`
	// DialTimeout is the timeout for establishing connections.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// Host is the PostgreSQL server hostname.
	Host string `mapstructure:"host"`
	// Port is the PostgreSQL server port (default: 5432).
	Port int `mapstructure:"port"`
	// User is the database username.
	User string `mapstructure:"user"`
	// Password is the database password (loaded from DOCDIGEST_DATABASE_PASSWORD env var).
	Password string `mapstructure:"-"`
	// Name is the database name.
	Name string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	// Default is "require" for production security. Use "disable" only for local development.
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in the pool (default: 25).
	MaxConns int32 `mapstructure:"max_conns"`
	// MinConns is the minimum number of connections to keep open (default: 5).
	MinConns int32 `mapstructure:"min_conns"`
	// MaxConnLifetime is the maximum lifetime of a connection before it's closed.
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// MaxConnIdleTime is the maximum time a connection can be idle before it's closed.
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// HealthCheckPeriod is the interval between health checks of idle connections.
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	// ConnectTimeout is the maximum time to wait for a connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// MigrationPath is the path to migration files (relative or absolute).
	MigrationPath string `mapstructure:"migration_path"`
	// MigrationAutoRun enables automatic migration on startup (default: false).
	MigrationAutoRun bool `mapstructure:"migration_auto_run"`
}

// DispatchConfig holds downstream summarization dispatch settings.
type DispatchConfig struct {
	// BaseURL is the summarization service base URL.
	BaseURL string `mapstructure:"base_url"`
	// CallbackBaseURL is the externally reachable base URL for task callbacks.
	CallbackBaseURL string `mapstructure:"callback_base_url"`
	// APIKey authenticates dispatch requests (loaded from DOCDIGEST_DISPATCH_API_KEY env var).
	APIKey string `mapstructure:"-"`
	// Timeout is the timeout for dispatch requests.
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the maximum dispatch requests per second.
	RateLimit float64 `mapstructure:"rate_limit"`
	// RateBurst is the burst size for the dispatch rate limiter.
	RateBurst int `mapstructure:"rate_burst"`
	// MaxRetries is the maximum retry attempts for a failed dispatch.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryDelay is the base delay between dispatch retries.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// InterDispatchDelay is the pause between successive chunk dispatches of one item.
	InterDispatchDelay time.Duration `mapstructure:"inter_dispatch_delay"`
	// MaxChunkSize is the chunk size ceiling in bytes for dispatched text.
	MaxChunkSize int `mapstructure:"max_chunk_size"`
}

// SourceConfig holds document source fetch settings.
type SourceConfig struct {
	// Timeout is the timeout for fetching documents.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxRelatedItems caps how many related items are discovered per document.
	MaxRelatedItems int `mapstructure:"max_related_items"`
	// MaxDocumentBytes caps the size of a fetched document.
	MaxDocumentBytes int64 `mapstructure:"max_document_bytes"`
}

// NotifyConfig holds completion notification settings.
type NotifyConfig struct {
	// WebhookURL is the URL completion notices are POSTed to (empty disables the webhook).
	WebhookURL string `mapstructure:"webhook_url"`
	// Timeout is the timeout for webhook delivery.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxRetries is the maximum webhook delivery attempts.
	MaxRetries int `mapstructure:"max_retries"`
}

// KafkaConfig holds Kafka publisher settings for digest lifecycle events.
type KafkaConfig struct {
	// Enabled controls whether Kafka publishing is active.
	Enabled bool `mapstructure:"enabled"`
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `mapstructure:"brokers"`
	// Topic is the Kafka topic to publish digest events to.
	Topic string `mapstructure:"topic"`
	// BatchSize is the maximum number of messages to batch before sending.
	BatchSize int `mapstructure:"batch_size"`
	// BatchTimeout is the maximum time to wait for a batch to fill before sending.
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// SweeperConfig holds stale-workflow sweeper settings.
type SweeperConfig struct {
	// Interval is how often the sweeper scans for stale workflows.
	Interval time.Duration `mapstructure:"interval"`
	// StaleAfter is the age past which a suspended workflow counts as stale.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection and exposure.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DOCDIGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/docdigest-service")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use env vars and defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Load secrets exclusively from environment variables.
	// These fields use mapstructure:"-" to prevent loading from config files.
	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
func loadSecrets(cfg *Config) {
	cfg.Redis.Password = os.Getenv("DOCDIGEST_REDIS_PASSWORD")
	cfg.Database.Password = os.Getenv("DOCDIGEST_DATABASE_PASSWORD")
	cfg.Dispatch.APIKey = os.Getenv("DOCDIGEST_DISPATCH_API_KEY")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Store defaults
	v.SetDefault("store.backend", StoreBackendMemory)
	v.SetDefault("store.max_slot_size", 400*1024)
	v.SetDefault("store.max_entries", 500)
	v.SetDefault("store.max_age", "168h")
	v.SetDefault("store.budget_bytes", 64*1024*1024)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "docdigest:")
	v.SetDefault("redis.dial_timeout", "5s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "docdigest")
	v.SetDefault("database.name", "docdigest_service")
	// Default to "require" for production security. Use DOCDIGEST_DATABASE_SSL_MODE=disable for local development.
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "migrations")
	v.SetDefault("database.migration_auto_run", false)

	// Dispatch defaults
	v.SetDefault("dispatch.base_url", "http://localhost:9100")
	v.SetDefault("dispatch.callback_base_url", "http://localhost:8080")
	v.SetDefault("dispatch.timeout", "30s")
	v.SetDefault("dispatch.rate_limit", 10.0)
	v.SetDefault("dispatch.rate_burst", 20)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.retry_delay", "2s")
	v.SetDefault("dispatch.inter_dispatch_delay", "200ms")
	v.SetDefault("dispatch.max_chunk_size", 15000)

	// Source defaults
	v.SetDefault("source.timeout", "30s")
	v.SetDefault("source.max_related_items", 5)
	v.SetDefault("source.max_document_bytes", 10*1024*1024)

	// Notify defaults
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.max_retries", 3)

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "events.digest.docdigest_service")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "10ms")

	// Sweeper defaults
	v.SetDefault("sweeper.interval", "5m")
	v.SetDefault("sweeper.stale_after", "1h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}

	switch c.Store.Backend {
	case StoreBackendMemory, StoreBackendRedis, StoreBackendPostgres:
	default:
		return fmt.Errorf("invalid store backend: %s", c.Store.Backend)
	}
	if c.Store.MaxSlotSize <= 0 {
		return fmt.Errorf("store max_slot_size must be positive")
	}
	if c.Store.MaxEntries < 0 {
		return fmt.Errorf("store max_entries cannot be negative")
	}
	if c.Store.BudgetBytes < 0 {
		return fmt.Errorf("store budget_bytes cannot be negative")
	}
	if c.Store.BudgetBytes > 0 && c.Store.BudgetBytes < int64(c.Store.MaxSlotSize) {
		return fmt.Errorf("store budget_bytes (%d) must be >= max_slot_size (%d)",
			c.Store.BudgetBytes, c.Store.MaxSlotSize)
	}

	if c.Store.Backend == StoreBackendRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required for the redis store backend")
	}

	if c.Store.Backend == StoreBackendPostgres {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required for the postgres store backend")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("invalid database port: %d", c.Database.Port)
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database name is required for the postgres store backend")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
		}
	}

	if c.Dispatch.BaseURL == "" {
		return fmt.Errorf("dispatch base_url is required")
	}
	if c.Dispatch.CallbackBaseURL == "" {
		return fmt.Errorf("dispatch callback_base_url is required")
	}
	if c.Dispatch.RateLimit <= 0 {
		return fmt.Errorf("dispatch rate_limit must be positive")
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch max_retries cannot be negative")
	}
	if c.Dispatch.MaxChunkSize <= 0 {
		return fmt.Errorf("dispatch max_chunk_size must be positive")
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic is required when kafka is enabled")
		}
	}

	if c.Sweeper.StaleAfter <= 0 {
		return fmt.Errorf("sweeper stale_after must be positive")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}
