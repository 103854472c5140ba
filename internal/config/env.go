package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/steveyegge/sift/internal/pipeline"
)

// applyEnv overrides cfg from SIFT_* environment variables
//
// Environment variables:
//   - SIFT_STORE_BACKEND, SIFT_STORE_PATH, SIFT_STORE_DSN
//   - SIFT_REDIS_ADDR, SIFT_REDIS_PASSWORD, SIFT_REDIS_DB, SIFT_REDIS_KEY
//   - SIFT_READ_CONCURRENCY, SIFT_WRITE_CONCURRENCY
//   - SIFT_FAILURE_MODE, SIFT_MAX_FAILURE_RATE
//   - SIFT_DEDUP_THRESHOLD, SIFT_DEDUP_WINDOW, SIFT_DEDUP_CASE_SENSITIVE
//   - SIFT_QUOTA_WINDOW, SIFT_QUOTA_DEFAULT_CAP
//   - SIFT_ALERT_URL, SIFT_ALERT_ENVIRONMENT, SIFT_ALERT_MIN_INTERVAL
//   - SIFT_SCHEDULE_INTERVAL
//   - SIFT_METRICS_ADDR
//   - SIFT_RETENTION_DAYS, SIFT_RETENTION_CLEANUP_ENABLED
//
// Returns an error if any environment variable has an invalid value.
func applyEnv(cfg *Config) error {
	var failureMode string
	for _, p := range []func() error{
		func() error { return parseEnvString("SIFT_STORE_BACKEND", &cfg.Store.Backend) },
		func() error { return parseEnvString("SIFT_STORE_PATH", &cfg.Store.Path) },
		func() error { return parseEnvString("SIFT_STORE_DSN", &cfg.Store.DSN) },
		func() error { return parseEnvString("SIFT_REDIS_ADDR", &cfg.Buffer.Addr) },
		func() error { return parseEnvString("SIFT_REDIS_PASSWORD", &cfg.Buffer.Password) },
		func() error { return parseEnvInt("SIFT_REDIS_DB", &cfg.Buffer.DB) },
		func() error { return parseEnvString("SIFT_REDIS_KEY", &cfg.Buffer.Key) },
		func() error { return parseEnvInt("SIFT_READ_CONCURRENCY", &cfg.Pipeline.ReadConcurrency) },
		func() error { return parseEnvInt("SIFT_WRITE_CONCURRENCY", &cfg.Pipeline.WriteConcurrency) },
		func() error { return parseEnvString("SIFT_FAILURE_MODE", &failureMode) },
		func() error { return parseEnvFloat("SIFT_MAX_FAILURE_RATE", &cfg.Pipeline.MaxFailureRate) },
		func() error { return parseEnvFloat("SIFT_DEDUP_THRESHOLD", &cfg.Dedup.Threshold) },
		func() error { return parseEnvInt("SIFT_DEDUP_WINDOW", &cfg.Dedup.Window) },
		func() error { return parseEnvBool("SIFT_DEDUP_CASE_SENSITIVE", &cfg.Dedup.CaseSensitive) },
		func() error { return parseEnvDuration("SIFT_QUOTA_WINDOW", &cfg.Quota.Window) },
		func() error { return parseEnvInt("SIFT_QUOTA_DEFAULT_CAP", &cfg.Quota.DefaultCap) },
		func() error { return parseEnvString("SIFT_ALERT_URL", &cfg.Alert.URL) },
		func() error { return parseEnvString("SIFT_ALERT_ENVIRONMENT", &cfg.Alert.Environment) },
		func() error { return parseEnvDuration("SIFT_ALERT_MIN_INTERVAL", &cfg.Alert.MinInterval) },
		func() error { return parseEnvDuration("SIFT_SCHEDULE_INTERVAL", &cfg.Schedule.Interval) },
		func() error { return parseEnvString("SIFT_METRICS_ADDR", &cfg.Metrics.Addr) },
		func() error { return parseEnvInt("SIFT_RETENTION_DAYS", &cfg.Retention.RetentionDays) },
		func() error { return parseEnvBool("SIFT_RETENTION_CLEANUP_ENABLED", &cfg.Retention.CleanupEnabled) },
	} {
		if err := p(); err != nil {
			return err
		}
	}
	if failureMode != "" {
		cfg.Pipeline.FailureMode = pipeline.FailureMode(failureMode)
	}
	return nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvFloat parses a float64 from an environment variable
func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvBool parses a bool from an environment variable
func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvDuration parses a time.Duration from an environment variable
func parseEnvDuration(key string, dest *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	*dest = value
	return nil
}
