package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service  ServiceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Blob     BlobConfig
	Kernel   KernelConfig
	Driver   DriverConfig
	GC       GCConfig
	Notify   NotifyConfig
	Queue    QueueConfig
}

// QueueConfig holds dispatch-queue settings
type QueueConfig struct {
	// Redis list key runners consume execution tasks from
	DispatchKey string
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	MetricsPort int
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BlobConfig holds block-store settings
type BlobConfig struct {
	// Bucket prefix for block keys:
	// workflows/{owner}/{workflow}/{execution}/blocks/{sha256}
	Bucket string

	// Retry policy for block reads (hydration)
	RetryAttempts int
	RetryBase     time.Duration
	RetryCap      time.Duration
}

// KernelConfig holds state-kernel settings
type KernelConfig struct {
	// Serialized states above this size are pointerized (bytes)
	InlineThreshold int

	// state_history keeps at most this many entries
	HistoryLimit int

	// Global cap on loop iterations regardless of node config
	MaxLoopIterations int
}

// DriverConfig holds orchestrator-driver settings
type DriverConfig struct {
	MaxConcurrency  int
	MaxHealAttempts int
	ChunkSize       int

	// Partitions whose estimate exceeds this are chunked
	ChunkThreshold int

	// Per-segment wall-clock budget
	SegmentTimeout time.Duration

	// Idempotency record TTL
	IdempotencyTTL time.Duration
}

// GCConfig holds garbage-collector settings
type GCConfig struct {
	QueueKey    string
	BatchSize   int
	MaxAttempts int
}

// NotifyConfig holds progress-notifier settings
type NotifyConfig struct {
	// Minimum interval between progress DB writes unless a milestone
	// (segment boundary, pause, terminal state) was crossed
	WriteInterval time.Duration
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	bucket, err := resolveBucket()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
			MetricsPort: getEnvInt("METRICS_PORT", 9090),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "stateflow"),
			User:        getEnv("POSTGRES_USER", "stateflow"),
			Password:    getEnv("POSTGRES_PASSWORD", "stateflow"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Blob: BlobConfig{
			Bucket:        bucket,
			RetryAttempts: getEnvInt("BLOB_RETRY_ATTEMPTS", 3),
			RetryBase:     getEnvDuration("BLOB_RETRY_BASE", 100*time.Millisecond),
			RetryCap:      getEnvDuration("BLOB_RETRY_CAP", 400*time.Millisecond),
		},
		Kernel: KernelConfig{
			InlineThreshold:   getEnvInt("STATE_INLINE_THRESHOLD", 200*1024),
			HistoryLimit:      getEnvInt("STATE_HISTORY_LIMIT", 200),
			MaxLoopIterations: getEnvInt("MAX_LOOP_ITERATIONS", 100),
		},
		Driver: DriverConfig{
			MaxConcurrency:  getEnvInt("MAX_CONCURRENCY", 10),
			MaxHealAttempts: getEnvInt("MAX_HEAL_ATTEMPTS", 3),
			ChunkSize:       getEnvInt("CHUNK_SIZE", 40),
			ChunkThreshold:  getEnvInt("CHUNK_THRESHOLD", 100),
			SegmentTimeout:  getEnvDuration("SEGMENT_TIMEOUT", 15*time.Minute),
			IdempotencyTTL:  getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		GC: GCConfig{
			QueueKey:    getEnv("GC_QUEUE_KEY", "gc:orphan_blocks"),
			BatchSize:   getEnvInt("GC_BATCH_SIZE", 10),
			MaxAttempts: getEnvInt("GC_MAX_ATTEMPTS", 3),
		},
		Notify: NotifyConfig{
			WriteInterval: getEnvDuration("PROGRESS_WRITE_INTERVAL", 2*time.Second),
		},
		Queue: QueueConfig{
			DispatchKey: getEnv("DISPATCH_QUEUE_KEY", "dispatch:executions"),
		},
	}

	return cfg, cfg.Validate()
}

// resolveBucket resolves the block-store bucket. Two env var names are in
// circulation for historical reasons; setting both to different values is
// rejected at startup instead of picking one silently.
func resolveBucket() (string, error) {
	primary := os.Getenv("STATE_BUCKET")
	legacy := os.Getenv("WORKFLOW_STATE_BUCKET")

	switch {
	case primary != "" && legacy != "" && primary != legacy:
		return "", fmt.Errorf("ambiguous bucket configuration: STATE_BUCKET=%q and WORKFLOW_STATE_BUCKET=%q disagree", primary, legacy)
	case primary != "":
		return primary, nil
	case legacy != "":
		return legacy, nil
	default:
		return "stateflow-blocks", nil
	}
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Kernel.InlineThreshold <= 0 {
		return fmt.Errorf("inline threshold must be > 0")
	}

	if c.Driver.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be >= 1")
	}

	if c.GC.BatchSize < 1 || c.GC.BatchSize > 10 {
		return fmt.Errorf("gc batch size must be between 1 and 10")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
