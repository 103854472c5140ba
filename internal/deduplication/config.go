package deduplication

import (
	"fmt"

	"github.com/steveyegge/sift/internal/similarity"
)

// Config holds configuration for issue and error resolution
type Config struct {
	// Threshold is the similarity a candidate must strictly exceed to match.
	// Default: 0.9
	Threshold float64 `yaml:"threshold"`

	// Window is the substring length used by the similarity engine
	// Default: 2 (bigrams)
	Window int `yaml:"window"`

	// CaseSensitive disables lower-casing before comparison
	// Default: false
	CaseSensitive bool `yaml:"case_sensitive"`
}

// DefaultConfig returns the default resolution configuration
func DefaultConfig() Config {
	return Config{
		Threshold:     0.9,
		Window:        similarity.DefaultWindow,
		CaseSensitive: false,
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.Threshold < 0.0 || c.Threshold >= 1.0 {
		return fmt.Errorf("threshold must be in [0.0, 1.0) (got %.2f)", c.Threshold)
	}
	if c.Window < 1 {
		return fmt.Errorf("window must be positive (got %d)", c.Window)
	}
	if c.Window > 16 {
		return fmt.Errorf("window too large (got %d, max 16)", c.Window)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf("Config{Threshold: %.2f, Window: %d, CaseSensitive: %t}",
		c.Threshold, c.Window, c.CaseSensitive)
}

func (c Config) options() similarity.Options {
	return similarity.Options{Window: c.Window, CaseSensitive: c.CaseSensitive}
}
