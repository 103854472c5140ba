package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/steveyegge/sift/internal/quota"
	"github.com/steveyegge/sift/internal/types"
)

// PostgresStorage implements the Storage interface using PostgreSQL
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// Config holds PostgreSQL connection configuration
type Config struct {
	// DSN is a full connection string; when set the discrete fields are ignored
	DSN             string
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	HealthCheck     time.Duration
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "sift",
		User:            "sift",
		SSLMode:         "prefer",
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: 1 * time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		HealthCheck:     1 * time.Minute,
	}
}

// ConnString returns the connection string for cfg
func (c *Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
	)
}

// New creates a new PostgreSQL storage backend with connection pooling
func New(ctx context.Context, cfg *Config) (*PostgresStorage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheck > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheck
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

// initializeSchema creates all tables and indexes if they don't exist
func initializeSchema(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

// Close closes the connection pool
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

const issueColumns = `id, project_id, title, resolved, created_at, updated_at, resolved_at`

// ListOpenIssues returns the unresolved issues of the given tenants
func (s *PostgresStorage) ListOpenIssues(ctx context.Context, projectIDs []string) ([]*types.Issue, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+issueColumns+`
		FROM issues
		WHERE NOT resolved AND project_id = ANY($1)
		ORDER BY id
	`, projectIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query open issues: %w", err)
	}
	defer rows.Close()

	var issues []*types.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// GetIssue retrieves an issue by ID
func (s *PostgresStorage) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	issue, err := scanIssue(s.pool.QueryRow(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", id, types.ErrNotFound)
	}
	return issue, err
}

// ListIssues returns issues with their error counts, most recently updated first
func (s *PostgresStorage) ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.IssueSummary, error) {
	var whereClauses []string
	var args []interface{}
	argIdx := 1

	if filter.ProjectID != "" {
		whereClauses = append(whereClauses, fmt.Sprintf("i.project_id = $%d", argIdx))
		args = append(args, filter.ProjectID)
		argIdx++
	}
	if !filter.IncludeResolved {
		whereClauses = append(whereClauses, "NOT i.resolved")
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	limitSQL := ""
	if filter.Limit > 0 {
		limitSQL = fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	query := fmt.Sprintf(`
		SELECT i.id, i.project_id, i.title, i.resolved, i.created_at, i.updated_at, i.resolved_at,
		       COUNT(e.id), COALESCE(SUM(e.occurrences), 0)
		FROM issues i
		LEFT JOIN errors e ON e.issue_id = i.id
		%s
		GROUP BY i.id
		ORDER BY i.updated_at DESC, i.id
		%s
	`, whereSQL, limitSQL)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	var out []*types.IssueSummary
	for rows.Next() {
		var sum types.IssueSummary
		var errorCount, occurrences int64
		if err := rows.Scan(&sum.ID, &sum.ProjectID, &sum.Title, &sum.Resolved, &sum.CreatedAt, &sum.UpdatedAt,
			&sum.ResolvedAt, &errorCount, &occurrences); err != nil {
			return nil, fmt.Errorf("failed to scan issue summary: %w", err)
		}
		sum.ErrorCount = int(errorCount)
		sum.Occurrences = int(occurrences)
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// ResolveIssue marks an issue resolved
func (s *PostgresStorage) ResolveIssue(ctx context.Context, id string, resolvedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE issues SET resolved = TRUE, resolved_at = $2, updated_at = $2
		WHERE id = $1 AND NOT resolved
	`, id, resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to resolve issue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetIssue(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// CreateIssue inserts an issue and its first error in one transaction
func (s *PostgresStorage) CreateIssue(ctx context.Context, issue *types.Issue, rec *types.ErrorRecord) error {
	if err := issue.Validate(); err != nil {
		return fmt.Errorf("invalid issue: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid error record: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO issues (id, project_id, title, resolved, created_at, updated_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, issue.ID, issue.ProjectID, issue.Title, issue.Resolved, issue.CreatedAt, issue.UpdatedAt, issue.ResolvedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("issue %s already exists", issue.ID)
		}
		return fmt.Errorf("failed to insert issue: %w", err)
	}

	if err := insertError(ctx, tx, rec); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// CreateError inserts rec under an existing issue of projectID unless the
// tenant is at its cap. A transaction-scoped advisory lock on the tenant
// serializes concurrent creates so the count stays valid until commit.
func (s *PostgresStorage) CreateError(ctx context.Context, projectID string, rec *types.ErrorRecord, cap int, since time.Time) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid error record: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, projectID); err != nil {
		return fmt.Errorf("failed to lock project %s: %w", projectID, err)
	}

	var owner string
	err = tx.QueryRow(ctx, `SELECT project_id FROM issues WHERE id = $1`, rec.IssueID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("issue %s: %w", rec.IssueID, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read issue: %w", err)
	}
	if owner != projectID {
		return fmt.Errorf("issue %s belongs to project %s, not %s", rec.IssueID, owner, projectID)
	}

	count, err := countRecentErrors(ctx, tx, projectID, since)
	if err != nil {
		return err
	}
	if count >= cap {
		return quota.ErrQuotaExceeded
	}

	if err := insertError(ctx, tx, rec); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE issues SET updated_at = $1 WHERE id = $2`, rec.CreatedAt, rec.IssueID); err != nil {
		return fmt.Errorf("failed to touch issue: %w", err)
	}

	return tx.Commit(ctx)
}

// CountRecentErrors counts errors created since the given time under the
// tenant's unresolved issues
func (s *PostgresStorage) CountRecentErrors(ctx context.Context, projectID string, since time.Time) (int, error) {
	return countRecentErrors(ctx, s.pool, projectID, since)
}

// ApplyMerge folds one occurrence into an existing error in one transaction.
// The increment and the context merge (jsonb concatenation, right side wins)
// both happen in SQL.
func (s *PostgresStorage) ApplyMerge(ctx context.Context, op *types.MergeOp) error {
	delta, err := json.Marshal(op.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}
	if op.Context == nil {
		delta = []byte("{}")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var issueID string
	err = tx.QueryRow(ctx, `
		UPDATE errors
		SET occurrences = occurrences + 1, context = context || $1::jsonb, updated_at = $2
		WHERE id = $3
		RETURNING issue_id
	`, string(delta), op.MergedAt, op.ErrorID).Scan(&issueID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("error %s: %w", op.ErrorID, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update error: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE issues SET updated_at = $1 WHERE id = $2`, op.MergedAt, issueID); err != nil {
		return fmt.Errorf("failed to touch issue: %w", err)
	}

	for _, a := range op.AppendTimestamps {
		if err := appendTimestamp(ctx, tx, op.ErrorID, a.Message, a.Timestamp); err != nil {
			return err
		}
	}
	for _, b := range op.NewBreadcrumbs {
		if err := insertBreadcrumb(ctx, tx, op.ErrorID, b); err != nil {
			return err
		}
	}
	if err := insertRefs(ctx, tx, op.ErrorID, op.NewServerIDs, op.NewPlaceVersions, op.NewPlaceIDs); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetUsageLimit returns the tenant's configured cap
func (s *PostgresStorage) GetUsageLimit(ctx context.Context, projectID string) (*types.UsageLimit, error) {
	var limit types.UsageLimit
	err := s.pool.QueryRow(ctx, `
		SELECT project_id, unique_error_cap, updated_at FROM usage_limits WHERE project_id = $1
	`, projectID).Scan(&limit.ProjectID, &limit.UniqueErrorCap, &limit.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("usage limit for %s: %w", projectID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage limit: %w", err)
	}
	return &limit, nil
}

// SetUsageLimit creates or replaces the tenant's cap
func (s *PostgresStorage) SetUsageLimit(ctx context.Context, limit *types.UsageLimit) error {
	if err := limit.Validate(); err != nil {
		return fmt.Errorf("invalid usage limit: %w", err)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_limits (project_id, unique_error_cap, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id) DO UPDATE SET
			unique_error_cap = EXCLUDED.unique_error_cap,
			updated_at = EXCLUDED.updated_at
	`, limit.ProjectID, limit.UniqueErrorCap, limit.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to set usage limit: %w", err)
	}
	return nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func countRecentErrors(ctx context.Context, q querier, projectID string, since time.Time) (int, error) {
	var count int
	err := q.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM errors e
		JOIN issues i ON i.id = e.issue_id
		WHERE i.project_id = $1 AND NOT i.resolved AND e.created_at >= $2
	`, projectID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent errors: %w", err)
	}
	return count, nil
}

func insertError(ctx context.Context, q querier, rec *types.ErrorRecord) error {
	rawContext := []byte("{}")
	if rec.Context != nil {
		var err error
		if rawContext, err = json.Marshal(rec.Context); err != nil {
			return fmt.Errorf("failed to marshal context: %w", err)
		}
	}

	_, err := q.Exec(ctx, `
		INSERT INTO errors (id, issue_id, message, trace, script, environment, context,
		                    occurrences, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)
	`, rec.ID, rec.IssueID, rec.Message, rec.Trace, rec.Script, string(rec.Environment), string(rawContext),
		rec.Occurrences, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert error: %w", err)
	}

	for _, b := range rec.Breadcrumbs {
		if err := insertBreadcrumb(ctx, q, rec.ID, b); err != nil {
			return err
		}
	}
	if err := insertRefs(ctx, q, rec.ID, rec.ServerIDs, rec.PlaceVersions, rec.PlaceIDs); err != nil {
		return err
	}
	for i, a := range rec.Ancestors {
		if _, err := q.Exec(ctx, `
			INSERT INTO script_ancestor_refs (id, error_id, position, name, class)
			VALUES ($1, $2, $3, $4, $5)
		`, a.ID, rec.ID, i, a.Name, a.Class); err != nil {
			return fmt.Errorf("failed to insert script ancestor: %w", err)
		}
	}
	return nil
}

func insertBreadcrumb(ctx context.Context, q querier, errorID string, b *types.Breadcrumb) error {
	if _, err := q.Exec(ctx, `
		INSERT INTO breadcrumbs (id, error_id, message) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, b.ID, errorID, b.Message); err != nil {
		return fmt.Errorf("failed to insert breadcrumb: %w", err)
	}
	for _, ts := range b.Timestamps {
		if err := appendTimestamp(ctx, q, errorID, b.Message, ts); err != nil {
			return err
		}
	}
	return nil
}

func appendTimestamp(ctx context.Context, q querier, errorID, message string, ts time.Time) error {
	tag, err := q.Exec(ctx, `
		INSERT INTO breadcrumb_timestamps (breadcrumb_id, ts)
		SELECT id, $1 FROM breadcrumbs WHERE error_id = $2 AND message = $3
	`, ts, errorID, message)
	if err != nil {
		return fmt.Errorf("failed to insert breadcrumb timestamp: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("breadcrumb %q on error %s: %w", message, errorID, types.ErrNotFound)
	}
	return nil
}

func insertRefs(ctx context.Context, q querier, errorID string, servers []types.ServerIDRef, versions []types.PlaceVersionRef, places []types.PlaceIDRef) error {
	for _, r := range servers {
		if _, err := q.Exec(ctx, `
			INSERT INTO server_id_refs (id, error_id, server_id) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, r.ID, errorID, r.ServerID); err != nil {
			return fmt.Errorf("failed to insert server id ref: %w", err)
		}
	}
	for _, r := range versions {
		if _, err := q.Exec(ctx, `
			INSERT INTO place_version_refs (id, error_id, version) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, r.ID, errorID, r.Version); err != nil {
			return fmt.Errorf("failed to insert place version ref: %w", err)
		}
	}
	for _, r := range places {
		if _, err := q.Exec(ctx, `
			INSERT INTO place_id_refs (id, error_id, place_id) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, r.ID, errorID, r.PlaceID); err != nil {
			return fmt.Errorf("failed to insert place id ref: %w", err)
		}
	}
	return nil
}

func scanIssue(row pgx.Row) (*types.Issue, error) {
	var issue types.Issue
	err := row.Scan(&issue.ID, &issue.ProjectID, &issue.Title, &issue.Resolved,
		&issue.CreatedAt, &issue.UpdatedAt, &issue.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan issue: %w", err)
	}
	return &issue, nil
}
