package pipeline

import "fmt"

// FailureMode selects how operation failures affect a run
type FailureMode string

const (
	// FailureBatch aborts on the first failure; queued operations are not started
	FailureBatch FailureMode = "batch"
	// FailureIsolate runs every operation and aborts only when the failure
	// rate exceeds MaxFailureRate
	FailureIsolate FailureMode = "isolate"
)

// IsValid checks if the failure mode is valid
func (m FailureMode) IsValid() bool {
	switch m {
	case FailureBatch, FailureIsolate:
		return true
	}
	return false
}

// Config holds pipeline configuration
type Config struct {
	// ReadConcurrency bounds concurrent store reads while resolving
	ReadConcurrency int `yaml:"read_concurrency"`

	// WriteConcurrency bounds concurrent store writes while persisting
	WriteConcurrency int `yaml:"write_concurrency"`

	// FailureMode is "batch" or "isolate"
	FailureMode FailureMode `yaml:"failure_mode"`

	// MaxFailureRate is the tolerated fraction of failed operations in
	// isolate mode (0.0 = any failure aborts the run)
	MaxFailureRate float64 `yaml:"max_failure_rate"`
}

// DefaultConfig returns the default pipeline configuration
func DefaultConfig() Config {
	return Config{
		ReadConcurrency:  16,
		WriteConcurrency: 5,
		FailureMode:      FailureIsolate,
		MaxFailureRate:   0.0,
	}
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if c.ReadConcurrency < 1 {
		return fmt.Errorf("read_concurrency must be at least 1 (got %d)", c.ReadConcurrency)
	}
	if c.WriteConcurrency < 1 {
		return fmt.Errorf("write_concurrency must be at least 1 (got %d)", c.WriteConcurrency)
	}
	if !c.FailureMode.IsValid() {
		return fmt.Errorf("invalid failure_mode %q (must be %q or %q)", c.FailureMode, FailureBatch, FailureIsolate)
	}
	if c.MaxFailureRate < 0.0 || c.MaxFailureRate > 1.0 {
		return fmt.Errorf("max_failure_rate must be between 0.0 and 1.0 (got %.2f)", c.MaxFailureRate)
	}
	return nil
}
