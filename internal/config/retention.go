package config

import (
	"fmt"
	"time"
)

// RetentionConfig holds configuration for pipeline run history cleanup
type RetentionConfig struct {
	// RetentionDays is how long run records are kept (in days)
	// Runs older than this are eligible for deletion
	// Default: 30, Range: 1-365
	RetentionDays int `yaml:"retention_days"`

	// CleanupIntervalHours is how often to run cleanup (in hours)
	// Default: 24, Range: 1-168 (1 week)
	CleanupIntervalHours int `yaml:"cleanup_interval_hours"`

	// CleanupBatchSize is the number of run records to delete per statement
	// Larger batches = faster cleanup but longer locks
	// Default: 1000, Range: 100-10000
	CleanupBatchSize int `yaml:"cleanup_batch_size"`

	// CleanupEnabled controls whether `sift serve` cleans up run history
	// Default: true
	CleanupEnabled bool `yaml:"cleanup_enabled"`
}

// DefaultRetentionConfig returns the default run history retention configuration
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		RetentionDays:        30,
		CleanupIntervalHours: 24,
		CleanupBatchSize:     1000,
		CleanupEnabled:       true,
	}
}

// Validate checks if the configuration has valid values
func (c RetentionConfig) Validate() error {
	if c.RetentionDays < 1 || c.RetentionDays > 365 {
		return fmt.Errorf("retention_days must be between 1 and 365 (got %d)", c.RetentionDays)
	}

	if c.CleanupIntervalHours < 1 {
		return fmt.Errorf("cleanup_interval_hours must be at least 1 (got %d)",
			c.CleanupIntervalHours)
	}
	if c.CleanupIntervalHours > 168 {
		return fmt.Errorf("cleanup_interval_hours too large (got %d, max 168)",
			c.CleanupIntervalHours)
	}

	if c.CleanupBatchSize < 100 {
		return fmt.Errorf("cleanup_batch_size must be at least 100 (got %d)",
			c.CleanupBatchSize)
	}
	if c.CleanupBatchSize > 10000 {
		return fmt.Errorf("cleanup_batch_size too large (got %d, max 10000)",
			c.CleanupBatchSize)
	}

	return nil
}

// String returns a human-readable representation of the config
func (c RetentionConfig) String() string {
	return fmt.Sprintf(
		"RetentionConfig{RetentionDays: %d, CleanupInterval: %dh, BatchSize: %d, Enabled: %t}",
		c.RetentionDays, c.CleanupIntervalHours, c.CleanupBatchSize, c.CleanupEnabled,
	)
}

// MaxAge returns the retention period as a duration
func (c RetentionConfig) MaxAge() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Interval returns the cleanup interval as a duration
func (c RetentionConfig) Interval() time.Duration {
	return time.Duration(c.CleanupIntervalHours) * time.Hour
}
