package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the relay.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string // Postgres; when empty the relay runs on SQLite
	SQLitePath  string
	RedisURL    string

	// Admission limits
	PerMessageMaxBytes int64
	QuotaBytes         int64
	QuotaGracePct      float64

	// Retention
	MailboxTTL    time.Duration
	SweepInterval time.Duration

	// Delivery policy
	OfflineOnly  bool
	RelayEnabled bool
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "relay.db"),
		RedisURL:    os.Getenv("REDIS_URL"),

		PerMessageMaxBytes: getEnvInt64("RELAY_MAX_MESSAGE_BYTES", 64*1024),
		QuotaBytes:         getEnvInt64("RELAY_QUOTA_BYTES", 1024*1024),
		QuotaGracePct:      getEnvFloat("RELAY_QUOTA_GRACE_PCT", 0.1),

		MailboxTTL:    getEnvDuration("RELAY_MAILBOX_TTL", 30*24*time.Hour),
		SweepInterval: getEnvDuration("RELAY_SWEEP_INTERVAL", 15*time.Minute),

		OfflineOnly:  getEnv("RELAY_OFFLINE_ONLY", "true") == "true",
		RelayEnabled: getEnv("RELAY_ENABLED", "true") == "true",
	}

	// In production, require a real database and redis
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
