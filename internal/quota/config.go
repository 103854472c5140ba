package quota

import (
	"fmt"
	"time"
)

// Config holds quota guard configuration
type Config struct {
	// Window is the trailing period over which new errors are counted
	// Default: 30 days
	Window time.Duration `yaml:"window"`

	// DefaultCap applies to tenants without a usage_limits row
	// Default: 100
	DefaultCap int `yaml:"default_cap"`

	// AlertThreshold is the fraction of the cap at which usage is reported as a warning
	// Default: 0.80 (80%)
	AlertThreshold float64 `yaml:"alert_threshold"`

	// CacheTTL is how long a tenant's cap is trusted before it is re-read
	// Default: 5 minutes
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// CacheSize bounds the number of cached tenant caps
	// Default: 1024
	CacheSize int `yaml:"cache_size"`
}

// DefaultConfig returns default quota configuration
func DefaultConfig() Config {
	return Config{
		Window:         30 * 24 * time.Hour,
		DefaultCap:     100,
		AlertThreshold: 0.80,
		CacheTTL:       5 * time.Minute,
		CacheSize:      1024,
	}
}

// Validate checks that the configuration has safe and reasonable values
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %v", c.Window)
	}
	if c.DefaultCap < 0 {
		return fmt.Errorf("default_cap must be non-negative, got %d", c.DefaultCap)
	}
	if c.AlertThreshold <= 0 || c.AlertThreshold > 1.0 {
		return fmt.Errorf("alert_threshold must be between 0 and 1, got %.2f", c.AlertThreshold)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl must be non-negative, got %v", c.CacheTTL)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("cache_size must be at least 1, got %d", c.CacheSize)
	}
	return nil
}
