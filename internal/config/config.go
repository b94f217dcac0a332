// Package config loads process configuration from the environment.
// Grounded on the teacher's infrastructure/config package's flat-struct +
// getEnv-with-fallback idiom; extended with the manager/trigger/DLQ knobs
// this spec's ambient stack needs that the teacher's LLM-node config never
// had.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full set of process-level settings read at startup.
type Config struct {
	Port     string
	LogLevel string

	// StorageDSN selects the run store backend: empty uses the in-memory
	// run store, non-empty connects a Postgres bun.DB via
	// store.NewBunRunStore. cmd/server keeps the checkpoint store in memory
	// either way.
	StorageDSN string

	DLQDir string // empty uses the in-memory DLQ; non-empty uses a file-backed one

	MaxConcurrency     int
	MaxWaveConcurrency int
	PollInterval       time.Duration
	CheckpointEvery    int
	IdempotencyTTL     time.Duration
	SweepInterval      time.Duration
	DLQRetention       time.Duration

	WebhookJWTSecret string
	CleanupRetention time.Duration
}

// Load reads Config from the environment, falling back to the same
// conservative defaults manager.DefaultConfig uses for anything unset.
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		StorageDSN:         getEnv("STORAGE_DSN", ""),
		DLQDir:             getEnv("DLQ_DIR", ""),
		MaxConcurrency:     getEnvInt("MAX_CONCURRENCY", 10),
		MaxWaveConcurrency: getEnvInt("MAX_WAVE_CONCURRENCY", 8),
		PollInterval:       getEnvDuration("POLL_INTERVAL", 10*time.Millisecond),
		CheckpointEvery:    getEnvInt("CHECKPOINT_EVERY", 1),
		IdempotencyTTL:     getEnvDuration("IDEMPOTENCY_TTL", 10*time.Minute),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", time.Minute),
		DLQRetention:       getEnvDuration("DLQ_RETENTION", 30*24*time.Hour),
		WebhookJWTSecret:   getEnv("WEBHOOK_JWT_SECRET", ""),
		CleanupRetention:   getEnvDuration("CLEANUP_RETENTION", 7*24*time.Hour),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// GetPortInt returns Port parsed as an integer, 0 if unparsable.
func (c *Config) GetPortInt() int {
	p, _ := strconv.Atoi(c.Port)
	return p
}
