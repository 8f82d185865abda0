// Package config loads service configuration from 12-factor environment
// variables plus an optional YAML deployment profile.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the store backend by scheme: postgres://...,
	// sqlite://path, or memory://.
	DatabaseURL string
	// RedisAddr enables the Redis bus and spending cache when set; empty
	// runs everything in process.
	RedisAddr     string
	RedisPassword string

	Partitions    int32
	PricebookPath string

	// AdminSecret signs revocation capability tokens; MasterSecret derives
	// the per-partition batch signing keys. Both are required outside dev.
	AdminSecret  string
	MasterSecret string

	OTLPEndpoint  string
	ArchiveBucket string
	ArchiveRegion string

	EvalDeadline   time.Duration
	SpendRetention time.Duration
}

// Load reads configuration from environment variables with dev defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          envOr("PORT", "8080"),
		LogLevel:      envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:   envOr("DATABASE_URL", "sqlite://caracal.db"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		PricebookPath: envOr("PRICEBOOK_PATH", "pricebook.yaml"),
		AdminSecret:   envOr("ADMIN_SECRET", "dev-admin-secret"),
		MasterSecret:  envOr("MASTER_SECRET", "dev-master-secret-0123456789abcd"),
		OTLPEndpoint:  os.Getenv("OTLP_ENDPOINT"),
		ArchiveBucket: os.Getenv("ARCHIVE_BUCKET"),
		ArchiveRegion: envOr("ARCHIVE_REGION", "us-east-1"),
	}

	partitions, err := intEnv("PARTITIONS", 4)
	if err != nil {
		return nil, err
	}
	if partitions < 1 {
		return nil, fmt.Errorf("config: PARTITIONS must be at least 1, got %d", partitions)
	}
	cfg.Partitions = int32(partitions)

	cfg.EvalDeadline, err = durationEnv("EVAL_DEADLINE", 100*time.Millisecond)
	if err != nil {
		return nil, err
	}
	cfg.SpendRetention, err = durationEnv("SPEND_RETENTION", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer", key, v)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a duration", key, v)
	}
	return d, nil
}
