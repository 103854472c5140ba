package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/steveyegge/sift/internal/merge"
	"github.com/steveyegge/sift/internal/quota"
	"github.com/steveyegge/sift/internal/types"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// New opens (creating if needed) the database at path and applies pending
// migrations. Every transaction begins IMMEDIATE so writers serialize on the
// database lock and a quota count cannot be invalidated before its insert.
func New(ctx context.Context, path string) (*SQLiteStorage, error) {
	dsn := "file::memory:"
	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = "file:" + path
	}
	dsn += "?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)"
	if path != MemoryPath {
		dsn += "&_pragma=journal_mode(wal)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == MemoryPath {
		// each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := Migrations().ApplySQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// ListOpenIssues returns the unresolved issues of the given tenants
func (s *SQLiteStorage) ListOpenIssues(ctx context.Context, projectIDs []string) ([]*types.Issue, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(projectIDs))
	args := make([]interface{}, len(projectIDs))
	for i, id := range projectIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT id, project_id, title, resolved, created_at, updated_at, resolved_at
		FROM issues
		WHERE resolved = 0 AND project_id IN (%s)
		ORDER BY id
	`, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query open issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
func (s *SQLiteStorage) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, resolved, created_at, updated_at, resolved_at
		FROM issues WHERE id = ?
	`, id)
	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", id, types.ErrNotFound)
	}
	return issue, err
}

// ListIssues returns issues with their error counts, most recently updated first
func (s *SQLiteStorage) ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.IssueSummary, error) {
	var whereClauses []string
	var args []interface{}

	if filter.ProjectID != "" {
		whereClauses = append(whereClauses, "i.project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if !filter.IncludeResolved {
		whereClauses = append(whereClauses, "i.resolved = 0")
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	limitSQL := ""
	if filter.Limit > 0 {
		limitSQL = " LIMIT ?"
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

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.IssueSummary
	for rows.Next() {
		var sum types.IssueSummary
		var resolved int
		var created, updated int64
		var resolvedAt sql.NullInt64
		if err := rows.Scan(&sum.ID, &sum.ProjectID, &sum.Title, &resolved, &created, &updated, &resolvedAt,
			&sum.ErrorCount, &sum.Occurrences); err != nil {
			return nil, fmt.Errorf("failed to scan issue summary: %w", err)
		}
		fillIssueTimes(&sum.Issue, resolved, created, updated, resolvedAt)
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// ResolveIssue marks an issue resolved at resolvedAt. Its errors stop
// counting toward the tenant's quota and it is no longer a clustering
// candidate.
func (s *SQLiteStorage) ResolveIssue(ctx context.Context, id string, resolvedAt time.Time) error {
	now := resolvedAt.UnixNano()
	result, err := s.db.ExecContext(ctx, `
		UPDATE issues SET resolved = 1, resolved_at = ?, updated_at = ?
		WHERE id = ? AND resolved = 0
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to resolve issue: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetIssue(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// CreateIssue inserts an issue and its first error in one transaction
func (s *SQLiteStorage) CreateIssue(ctx context.Context, issue *types.Issue, rec *types.ErrorRecord) error {
	if err := issue.Validate(); err != nil {
		return fmt.Errorf("invalid issue: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid error record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var resolvedAt interface{}
	if issue.ResolvedAt != nil {
		resolvedAt = issue.ResolvedAt.UnixNano()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO issues (id, project_id, title, resolved, created_at, updated_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, issue.ID, issue.ProjectID, issue.Title, boolInt(issue.Resolved),
		issue.CreatedAt.UnixNano(), issue.UpdatedAt.UnixNano(), resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to insert issue: %w", err)
	}

	if err := insertError(ctx, tx, rec); err != nil {
		return err
	}

	return tx.Commit()
}

// CreateError inserts rec under an existing issue of projectID, unless the
// tenant already has cap or more errors created since the given time under
// unresolved issues. The count and the insert share one transaction.
func (s *SQLiteStorage) CreateError(ctx context.Context, projectID string, rec *types.ErrorRecord, cap int, since time.Time) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid error record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT project_id FROM issues WHERE id = ?`, rec.IssueID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
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
	if _, err := tx.ExecContext(ctx, `UPDATE issues SET updated_at = ? WHERE id = ?`,
		rec.CreatedAt.UnixNano(), rec.IssueID); err != nil {
		return fmt.Errorf("failed to touch issue: %w", err)
	}

	return tx.Commit()
}

// CountRecentErrors counts errors created since the given time under the
// tenant's unresolved issues
func (s *SQLiteStorage) CountRecentErrors(ctx context.Context, projectID string, since time.Time) (int, error) {
	return countRecentErrors(ctx, s.db, projectID, since)
}

// ApplyMerge folds one occurrence into an existing error in one transaction.
// The increment happens in SQL and the context is merged against the row as
// read inside the transaction, so concurrent merges do not lose updates.
// Ref inserts ignore values the error already has.
func (s *SQLiteStorage) ApplyMerge(ctx context.Context, op *types.MergeOp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var issueID, rawContext string
	err = tx.QueryRowContext(ctx, `SELECT issue_id, context FROM errors WHERE id = ?`, op.ErrorID).Scan(&issueID, &rawContext)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("error %s: %w", op.ErrorID, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read error: %w", err)
	}

	stored, err := decodeContext(rawContext)
	if err != nil {
		return err
	}
	merged, err := json.Marshal(merge.Context(stored, op.Context))
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}

	mergedAt := op.MergedAt.UnixNano()
	if _, err := tx.ExecContext(ctx, `
		UPDATE errors SET occurrences = occurrences + 1, context = ?, updated_at = ?
		WHERE id = ?
	`, string(merged), mergedAt, op.ErrorID); err != nil {
		return fmt.Errorf("failed to update error: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE issues SET updated_at = ? WHERE id = ?`, mergedAt, issueID); err != nil {
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

	return tx.Commit()
}

// GetError retrieves an error with its owned collections
func (s *SQLiteStorage) GetError(ctx context.Context, id string) (*types.ErrorRecord, error) {
	records, err := s.queryErrors(ctx, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("error %s: %w", id, types.ErrNotFound)
	}
	return records[0], nil
}

// ListErrors returns every error under an issue with owned collections loaded
func (s *SQLiteStorage) ListErrors(ctx context.Context, issueID string) ([]*types.ErrorRecord, error) {
	return s.queryErrors(ctx, "issue_id = ?", issueID)
}

// GetUsageLimit returns the tenant's configured cap
func (s *SQLiteStorage) GetUsageLimit(ctx context.Context, projectID string) (*types.UsageLimit, error) {
	var limit types.UsageLimit
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, unique_error_cap, updated_at FROM usage_limits WHERE project_id = ?
	`, projectID).Scan(&limit.ProjectID, &limit.UniqueErrorCap, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("usage limit for %s: %w", projectID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage limit: %w", err)
	}
	limit.UpdatedAt = fromNanos(updated)
	return &limit, nil
}

// SetUsageLimit creates or replaces the tenant's cap
func (s *SQLiteStorage) SetUsageLimit(ctx context.Context, limit *types.UsageLimit) error {
	if err := limit.Validate(); err != nil {
		return fmt.Errorf("invalid usage limit: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_limits (project_id, unique_error_cap, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (project_id) DO UPDATE SET
			unique_error_cap = excluded.unique_error_cap,
			updated_at = excluded.updated_at
	`, limit.ProjectID, limit.UniqueErrorCap, limit.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to set usage limit: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func countRecentErrors(ctx context.Context, q queryer, projectID string, since time.Time) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM errors e
		JOIN issues i ON i.id = e.issue_id
		WHERE i.project_id = ? AND i.resolved = 0 AND e.created_at >= ?
	`, projectID, since.UnixNano()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent errors: %w", err)
	}
	return count, nil
}

func insertError(ctx context.Context, tx execer, rec *types.ErrorRecord) error {
	rawContext, err := encodeContext(rec.Context)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO errors (id, issue_id, message, trace, script, environment, context,
		                    occurrences, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.IssueID, rec.Message, rec.Trace, rec.Script, string(rec.Environment), rawContext,
		rec.Occurrences, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert error: %w", err)
	}

	for _, b := range rec.Breadcrumbs {
		if err := insertBreadcrumb(ctx, tx, rec.ID, b); err != nil {
			return err
		}
	}
	if err := insertRefs(ctx, tx, rec.ID, rec.ServerIDs, rec.PlaceVersions, rec.PlaceIDs); err != nil {
		return err
	}
	for i, a := range rec.Ancestors {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO script_ancestor_refs (id, error_id, position, name, class)
			VALUES (?, ?, ?, ?, ?)
		`, a.ID, rec.ID, i, a.Name, a.Class); err != nil {
			return fmt.Errorf("failed to insert script ancestor: %w", err)
		}
	}
	return nil
}

// insertBreadcrumb adds b under errorID, or its timestamps to the existing
// breadcrumb with the same message
func insertBreadcrumb(ctx context.Context, tx execer, errorID string, b *types.Breadcrumb) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO breadcrumbs (id, error_id, message) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, b.ID, errorID, b.Message); err != nil {
		return fmt.Errorf("failed to insert breadcrumb: %w", err)
	}
	for _, ts := range b.Timestamps {
		if err := appendTimestamp(ctx, tx, errorID, b.Message, ts); err != nil {
			return err
		}
	}
	return nil
}

func appendTimestamp(ctx context.Context, tx execer, errorID, message string, ts time.Time) error {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO breadcrumb_timestamps (breadcrumb_id, ts)
		SELECT id, ? FROM breadcrumbs WHERE error_id = ? AND message = ?
	`, ts.UnixNano(), errorID, message)
	if err != nil {
		return fmt.Errorf("failed to insert breadcrumb timestamp: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("breadcrumb %q on error %s: %w", message, errorID, types.ErrNotFound)
	}
	return nil
}

func insertRefs(ctx context.Context, tx execer, errorID string, servers []types.ServerIDRef, versions []types.PlaceVersionRef, places []types.PlaceIDRef) error {
	for _, r := range servers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO server_id_refs (id, error_id, server_id) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`, r.ID, errorID, r.ServerID); err != nil {
			return fmt.Errorf("failed to insert server id ref: %w", err)
		}
	}
	for _, r := range versions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO place_version_refs (id, error_id, version) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`, r.ID, errorID, r.Version); err != nil {
			return fmt.Errorf("failed to insert place version ref: %w", err)
		}
	}
	for _, r := range places {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO place_id_refs (id, error_id, place_id) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`, r.ID, errorID, r.PlaceID); err != nil {
			return fmt.Errorf("failed to insert place id ref: %w", err)
		}
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIssue(row rowScanner) (*types.Issue, error) {
	var issue types.Issue
	var resolved int
	var created, updated int64
	var resolvedAt sql.NullInt64
	err := row.Scan(&issue.ID, &issue.ProjectID, &issue.Title, &resolved, &created, &updated, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan issue: %w", err)
	}
	fillIssueTimes(&issue, resolved, created, updated, resolvedAt)
	return &issue, nil
}

func fillIssueTimes(issue *types.Issue, resolved int, created, updated int64, resolvedAt sql.NullInt64) {
	issue.Resolved = resolved != 0
	issue.CreatedAt = fromNanos(created)
	issue.UpdatedAt = fromNanos(updated)
	if resolvedAt.Valid {
		t := fromNanos(resolvedAt.Int64)
		issue.ResolvedAt = &t
	}
}

func encodeContext(ctx map[string]any) (string, error) {
	if ctx == nil {
		return "{}", nil
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to marshal context: %w", err)
	}
	return string(data), nil
}

func decodeContext(raw string) (map[string]any, error) {
	out := make(map[string]any)
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	return out, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
