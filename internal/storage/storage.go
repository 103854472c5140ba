package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/sift/internal/storage/postgres"
	"github.com/steveyegge/sift/internal/storage/sqlite"
	"github.com/steveyegge/sift/internal/types"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = types.ErrNotFound

// Storage defines the interface for issue storage backends
type Storage interface {
	// Issues
	ListOpenIssues(ctx context.Context, projectIDs []string) ([]*types.Issue, error)
	GetIssue(ctx context.Context, id string) (*types.Issue, error)
	ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.IssueSummary, error)
	ResolveIssue(ctx context.Context, id string, resolvedAt time.Time) error
	CreateIssue(ctx context.Context, issue *types.Issue, rec *types.ErrorRecord) error

	// Errors
	GetError(ctx context.Context, id string) (*types.ErrorRecord, error)
	ListErrors(ctx context.Context, issueID string) ([]*types.ErrorRecord, error)
	ApplyMerge(ctx context.Context, op *types.MergeOp) error

	// Quota - CreateError counts and inserts atomically per tenant
	CreateError(ctx context.Context, projectID string, rec *types.ErrorRecord, cap int, since time.Time) error
	CountRecentErrors(ctx context.Context, projectID string, since time.Time) (int, error)
	GetUsageLimit(ctx context.Context, projectID string) (*types.UsageLimit, error)
	SetUsageLimit(ctx context.Context, limit *types.UsageLimit) error

	// Run history
	RecordRun(ctx context.Context, run *types.RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]*types.RunRecord, error)
	CleanupRuns(ctx context.Context, cutoff time.Time, batchSize int) (int, error)

	// Lifecycle
	Close() error
}

var (
	_ Storage = (*sqlite.SQLiteStorage)(nil)
	_ Storage = (*postgres.PostgresStorage)(nil)
)

const (
	// BackendSQLite stores everything in a local SQLite file
	BackendSQLite = "sqlite"
	// BackendPostgres stores everything in PostgreSQL
	BackendPostgres = "postgres"
)

// Config holds database configuration
type Config struct {
	// Backend selects the storage implementation: "sqlite" or "postgres"
	Backend string `yaml:"backend"`

	// Path is the SQLite database file path
	// Default: ".sift/sift.db"
	// Special value ":memory:" creates an in-memory database (useful for tests)
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string
	DSN string `yaml:"dsn"`

	// MaxConns caps the PostgreSQL pool size; 0 keeps the driver default
	MaxConns int32 `yaml:"max_conns"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendSQLite,
		Path:    ".sift/sift.db",
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite:
		if c.Path == "" {
			return fmt.Errorf("sqlite backend requires a path")
		}
	case BackendPostgres:
		if c.DSN == "" {
			return fmt.Errorf("postgres backend requires a dsn")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (must be %q or %q)", c.Backend, BackendSQLite, BackendPostgres)
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("max_conns must be non-negative (got %d)", c.MaxConns)
	}
	return nil
}

// NewStorage creates the storage backend selected by cfg
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendSQLite
	}
	if cfg.Backend == BackendSQLite && cfg.Path == "" {
		cfg.Path = ".sift/sift.db"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	switch cfg.Backend {
	case BackendPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.DSN = cfg.DSN
		if cfg.MaxConns > 0 {
			pgCfg.MaxConns = cfg.MaxConns
			if pgCfg.MinConns > pgCfg.MaxConns {
				pgCfg.MinConns = pgCfg.MaxConns
			}
		}
		return postgres.New(ctx, pgCfg)
	default:
		return sqlite.New(ctx, cfg.Path)
	}
}
