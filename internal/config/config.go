// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
// Values load from environment variables (.env file supported); every knob
// has a default tuned for the documented latency targets.
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// Ingress retry policy for unknown-key events.
	MaxRetries            int
	RetryBackoffInitialMs int
	RetryBackoffFactor    int
	RetryBackoffMaxMs     int

	// Per-engine sharding and backpressure.
	ShardCount     int // Default: CPU count
	ShardQueueHigh int // Pause partition above this depth
	ShardQueueLow  int // Resume below this depth

	// Operation deadlines.
	DeadlineEventProcessing time.Duration
	DeadlineOrderValidation time.Duration

	// Rule cache TTL. Zero means no expiry: explicit invalidation only.
	RuleCacheTTL time.Duration

	// Japan SLAB cutoff, UTC wall-clock "HH:MM".
	JPCutoffTimeUTC string

	// Markets this deployment calculates for.
	Markets []string

	// End-of-day rollover time, UTC wall-clock "HH:MM".
	EODRolloverTimeUTC string

	// Object-storage backup of the sqlite stores. Disabled when bucket empty.
	Backup BackupConfig
}

// BackupConfig holds S3-compatible snapshot upload settings.
type BackupConfig struct {
	Bucket    string
	Endpoint  string // Custom endpoint for S3-compatible stores; empty = AWS
	Region    string
	Prefix    string
	AccessKey string
	SecretKey string
}

// Enabled reports whether backups are configured.
func (b *BackupConfig) Enabled() bool {
	return b.Bucket != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("IMS_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("IMS_PORT", 8001),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		MaxRetries:            getEnvAsInt("IMS_MAX_RETRIES", 5),
		RetryBackoffInitialMs: getEnvAsInt("IMS_RETRY_BACKOFF_INITIAL_MS", 100),
		RetryBackoffFactor:    getEnvAsInt("IMS_RETRY_BACKOFF_FACTOR", 2),
		RetryBackoffMaxMs:     getEnvAsInt("IMS_RETRY_BACKOFF_MAX_MS", 1600),

		ShardCount:     getEnvAsInt("IMS_SHARD_COUNT", runtime.NumCPU()),
		ShardQueueHigh: getEnvAsInt("IMS_SHARD_QUEUE_HIGH", 10000),
		ShardQueueLow:  getEnvAsInt("IMS_SHARD_QUEUE_LOW", 2500),

		DeadlineEventProcessing: time.Duration(getEnvAsInt("IMS_DEADLINE_EVENT_MS", 200)) * time.Millisecond,
		DeadlineOrderValidation: time.Duration(getEnvAsInt("IMS_DEADLINE_VALIDATION_MS", 150)) * time.Millisecond,

		RuleCacheTTL: time.Duration(getEnvAsInt("IMS_RULE_CACHE_TTL_MS", 0)) * time.Millisecond,

		JPCutoffTimeUTC:    getEnv("IMS_JP_CUTOFF_UTC", "06:00"),
		Markets:            splitList(getEnv("IMS_MARKETS", "US,JP,TW")),
		EODRolloverTimeUTC: getEnv("IMS_EOD_ROLLOVER_UTC", "22:00"),

		Backup: BackupConfig{
			Bucket:    getEnv("IMS_BACKUP_BUCKET", ""),
			Endpoint:  getEnv("IMS_BACKUP_ENDPOINT", ""),
			Region:    getEnv("IMS_BACKUP_REGION", "auto"),
			Prefix:    getEnv("IMS_BACKUP_PREFIX", "ims-core"),
			AccessKey: getEnv("IMS_BACKUP_ACCESS_KEY", ""),
			SecretKey: getEnv("IMS_BACKUP_SECRET_KEY", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.ShardCount < 1 {
		return fmt.Errorf("shard count must be at least 1, got %d", c.ShardCount)
	}
	if c.ShardQueueLow >= c.ShardQueueHigh {
		return fmt.Errorf("shard queue low watermark (%d) must be below high watermark (%d)",
			c.ShardQueueLow, c.ShardQueueHigh)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if _, err := ParseWallClock(c.JPCutoffTimeUTC); err != nil {
		return fmt.Errorf("invalid JP cutoff time: %w", err)
	}
	if _, err := ParseWallClock(c.EODRolloverTimeUTC); err != nil {
		return fmt.Errorf("invalid EOD rollover time: %w", err)
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("at least one market must be configured")
	}
	return nil
}

// ParseWallClock parses an "HH:MM" UTC wall-clock string into the offset
// from midnight.
func ParseWallClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
