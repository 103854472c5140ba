// Package config loads sift configuration.
//
// Values are resolved in order: built-in defaults, then the YAML file named
// by --config or SIFT_CONFIG, then SIFT_* environment variables. The result
// is validated as a whole.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/steveyegge/sift/internal/alert"
	"github.com/steveyegge/sift/internal/buffer"
	"github.com/steveyegge/sift/internal/deduplication"
	"github.com/steveyegge/sift/internal/pipeline"
	"github.com/steveyegge/sift/internal/quota"
	"github.com/steveyegge/sift/internal/scheduler"
	"github.com/steveyegge/sift/internal/storage"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path
const EnvConfigPath = "SIFT_CONFIG"

// MetricsConfig controls the HTTP endpoint served by `sift serve`
type MetricsConfig struct {
	// Addr is the listen address for /metrics and /healthz; empty disables it
	// Default: :9464
	Addr string `yaml:"addr"`
}

// Config is the complete sift configuration
type Config struct {
	// DataDir holds the run lock (and the SQLite database by default)
	DataDir string `yaml:"data_dir"`

	Store     storage.Config       `yaml:"store"`
	Buffer    buffer.Config        `yaml:"buffer"`
	Pipeline  pipeline.Config      `yaml:"pipeline"`
	Dedup     deduplication.Config `yaml:"dedup"`
	Quota     quota.Config         `yaml:"quota"`
	Alert     alert.Config         `yaml:"alert"`
	Schedule  scheduler.Config     `yaml:"schedule"`
	Metrics   MetricsConfig        `yaml:"metrics"`
	Retention RetentionConfig      `yaml:"retention"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	store := storage.DefaultConfig()
	return &Config{
		DataDir:   filepath.Dir(store.Path),
		Store:     *store,
		Buffer:    buffer.DefaultConfig(),
		Pipeline:  pipeline.DefaultConfig(),
		Dedup:     deduplication.DefaultConfig(),
		Quota:     quota.DefaultConfig(),
		Alert:     alert.DefaultConfig(),
		Schedule:  scheduler.DefaultConfig(),
		Metrics:   MetricsConfig{Addr: ":9464"},
		Retention: DefaultRetentionConfig(),
	}
}

// Load resolves the configuration. An empty path falls back to SIFT_CONFIG;
// with neither set only defaults and environment overrides apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// decode overlays YAML onto cfg, rejecting unknown keys
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks every section
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Buffer.Validate(); err != nil {
		return fmt.Errorf("buffer: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := c.Dedup.Validate(); err != nil {
		return fmt.Errorf("dedup: %w", err)
	}
	if err := c.Quota.Validate(); err != nil {
		return fmt.Errorf("quota: %w", err)
	}
	if err := c.Alert.Validate(); err != nil {
		return fmt.Errorf("alert: %w", err)
	}
	if err := c.Schedule.Validate(); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	return nil
}
