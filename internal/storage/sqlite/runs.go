package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steveyegge/sift/internal/types"
)

// RecordRun stores a pipeline run, replacing any earlier record with the same id
func (s *SQLiteStorage) RecordRun(ctx context.Context, run *types.RunRecord) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run record: %w", err)
	}

	var finishedAt sql.NullInt64
	if run.FinishedAt != nil {
		finishedAt = sql.NullInt64{Int64: run.FinishedAt.UnixNano(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (
			id, state, started_at, finished_at, drained, merged,
			created_errors, created_issues, rejected, failed, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			finished_at = excluded.finished_at,
			drained = excluded.drained,
			merged = excluded.merged,
			created_errors = excluded.created_errors,
			created_issues = excluded.created_issues,
			rejected = excluded.rejected,
			failed = excluded.failed,
			error = excluded.error
	`,
		run.ID, run.State, run.StartedAt.UnixNano(), finishedAt, run.Drained, run.Merged,
		run.CreatedErrors, run.CreatedIssues, run.Rejected, run.Failed, run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit int) ([]*types.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, started_at, finished_at, drained, merged,
		       created_errors, created_issues, rejected, failed, error
		FROM pipeline_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*types.RunRecord
	for rows.Next() {
		run := &types.RunRecord{}
		var started int64
		var finishedAt sql.NullInt64

		err := rows.Scan(
			&run.ID,
			&run.State,
			&started,
			&finishedAt,
			&run.Drained,
			&run.Merged,
			&run.CreatedErrors,
			&run.CreatedIssues,
			&run.Rejected,
			&run.Failed,
			&run.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		run.StartedAt = fromNanos(started)
		if finishedAt.Valid {
			t := fromNanos(finishedAt.Int64)
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return runs, nil
}

// CleanupRuns deletes run records started before cutoff, batchSize rows per
// statement, and returns how many were removed
func (s *SQLiteStorage) CleanupRuns(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	totalDeleted := 0
	for {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}

		result, err := s.db.ExecContext(ctx, `
			DELETE FROM pipeline_runs
			WHERE id IN (
				SELECT id FROM pipeline_runs
				WHERE started_at < ?
				ORDER BY started_at ASC
				LIMIT ?
			)
		`, cutoff.UnixNano(), batchSize)
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to delete run batch: %w", err)
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to get rows affected: %w", err)
		}
		totalDeleted += int(deleted)

		if deleted < int64(batchSize) {
			return totalDeleted, nil
		}
	}
}
