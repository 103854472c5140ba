package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/steveyegge/sift/internal/types"
)

// GetError retrieves an error record with its breadcrumbs and refs
func (s *PostgresStorage) GetError(ctx context.Context, id string) (*types.ErrorRecord, error) {
	records, err := s.queryErrors(ctx, "id = $1", id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("error %s: %w", id, types.ErrNotFound)
	}
	return records[0], nil
}

// ListErrors returns all error records of an issue, ordered by id
func (s *PostgresStorage) ListErrors(ctx context.Context, issueID string) ([]*types.ErrorRecord, error) {
	return s.queryErrors(ctx, "issue_id = $1", issueID)
}

func (s *PostgresStorage) queryErrors(ctx context.Context, where string, arg any) ([]*types.ErrorRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, issue_id, message, trace, script, environment, context,
		       occurrences, created_at, updated_at
		FROM errors
		WHERE `+where+`
		ORDER BY id
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query errors: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*types.ErrorRecord, error) {
		var rec types.ErrorRecord
		var env string
		var rawContext []byte
		if err := row.Scan(&rec.ID, &rec.IssueID, &rec.Message, &rec.Trace, &rec.Script, &env,
			&rawContext, &rec.Occurrences, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Environment = types.Environment(env)
		if len(rawContext) > 0 {
			if err := json.Unmarshal(rawContext, &rec.Context); err != nil {
				return nil, fmt.Errorf("failed to decode context: %w", err)
			}
		}
		return &rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan errors: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	ids := make([]string, len(records))
	byID := make(map[string]*types.ErrorRecord, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
		byID[rec.ID] = rec
	}

	if err := s.loadBreadcrumbs(ctx, ids, byID); err != nil {
		return nil, err
	}
	if err := s.loadRefs(ctx, ids, byID); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *PostgresStorage) loadBreadcrumbs(ctx context.Context, ids []string, byID map[string]*types.ErrorRecord) error {
	rows, err := s.pool.Query(ctx, `
		SELECT b.id, b.error_id, b.message, t.ts
		FROM breadcrumbs b
		LEFT JOIN breadcrumb_timestamps t ON t.breadcrumb_id = b.id
		WHERE b.error_id = ANY($1)
		ORDER BY b.error_id, b.seq, t.id
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to query breadcrumbs: %w", err)
	}
	defer rows.Close()

	crumbs := make(map[string]*types.Breadcrumb)
	for rows.Next() {
		var id, errorID, message string
		var ts *time.Time
		if err := rows.Scan(&id, &errorID, &message, &ts); err != nil {
			return fmt.Errorf("failed to scan breadcrumb: %w", err)
		}
		b, ok := crumbs[id]
		if !ok {
			b = &types.Breadcrumb{ID: id, ErrorID: errorID, Message: message}
			crumbs[id] = b
			if rec := byID[errorID]; rec != nil {
				rec.Breadcrumbs = append(rec.Breadcrumbs, b)
			}
		}
		if ts != nil {
			b.Timestamps = append(b.Timestamps, *ts)
		}
	}
	return rows.Err()
}

func (s *PostgresStorage) loadRefs(ctx context.Context, ids []string, byID map[string]*types.ErrorRecord) error {
	err := s.eachRow(ctx, `SELECT id, error_id, server_id FROM server_id_refs WHERE error_id = ANY($1) ORDER BY seq`, ids,
		func(row pgx.Rows) error {
			var r types.ServerIDRef
			var errorID string
			if err := row.Scan(&r.ID, &errorID, &r.ServerID); err != nil {
				return err
			}
			if rec := byID[errorID]; rec != nil {
				rec.ServerIDs = append(rec.ServerIDs, r)
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("failed to load server id refs: %w", err)
	}

	err = s.eachRow(ctx, `SELECT id, error_id, version FROM place_version_refs WHERE error_id = ANY($1) ORDER BY seq`, ids,
		func(row pgx.Rows) error {
			var r types.PlaceVersionRef
			var errorID string
			if err := row.Scan(&r.ID, &errorID, &r.Version); err != nil {
				return err
			}
			if rec := byID[errorID]; rec != nil {
				rec.PlaceVersions = append(rec.PlaceVersions, r)
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("failed to load place version refs: %w", err)
	}

	err = s.eachRow(ctx, `SELECT id, error_id, place_id FROM place_id_refs WHERE error_id = ANY($1) ORDER BY seq`, ids,
		func(row pgx.Rows) error {
			var r types.PlaceIDRef
			var errorID string
			if err := row.Scan(&r.ID, &errorID, &r.PlaceID); err != nil {
				return err
			}
			if rec := byID[errorID]; rec != nil {
				rec.PlaceIDs = append(rec.PlaceIDs, r)
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("failed to load place id refs: %w", err)
	}

	err = s.eachRow(ctx, `SELECT id, error_id, name, class FROM script_ancestor_refs WHERE error_id = ANY($1) ORDER BY error_id, position`, ids,
		func(row pgx.Rows) error {
			var r types.ScriptAncestorRef
			var errorID string
			if err := row.Scan(&r.ID, &errorID, &r.Name, &r.Class); err != nil {
				return err
			}
			if rec := byID[errorID]; rec != nil {
				rec.Ancestors = append(rec.Ancestors, r)
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("failed to load script ancestors: %w", err)
	}
	return nil
}

func (s *PostgresStorage) eachRow(ctx context.Context, query string, arg any, fn func(pgx.Rows) error) error {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// RecordRun stores a pipeline run, replacing any earlier record with the same id
func (s *PostgresStorage) RecordRun(ctx context.Context, run *types.RunRecord) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run record: %w", err)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (
			id, state, started_at, finished_at, drained, merged,
			created_errors, created_issues, rejected, failed, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			finished_at = EXCLUDED.finished_at,
			drained = EXCLUDED.drained,
			merged = EXCLUDED.merged,
			created_errors = EXCLUDED.created_errors,
			created_issues = EXCLUDED.created_issues,
			rejected = EXCLUDED.rejected,
			failed = EXCLUDED.failed,
			error = EXCLUDED.error
	`,
		run.ID, run.State, run.StartedAt, run.FinishedAt, run.Drained, run.Merged,
		run.CreatedErrors, run.CreatedIssues, run.Rejected, run.Failed, run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first
func (s *PostgresStorage) ListRuns(ctx context.Context, limit int) ([]*types.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, state, started_at, finished_at, drained, merged,
		       created_errors, created_issues, rejected, failed, error
		FROM pipeline_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.RunRecord
	for rows.Next() {
		run := &types.RunRecord{}
		err := rows.Scan(
			&run.ID,
			&run.State,
			&run.StartedAt,
			&run.FinishedAt,
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
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return runs, nil
}

// CleanupRuns deletes run records started before cutoff, batchSize rows per
// statement, and returns how many were removed
func (s *PostgresStorage) CleanupRuns(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	if batchSize < 1 {
		return 0, errors.New("batch size must be at least 1")
	}

	totalDeleted := 0
	for {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}

		tag, err := s.pool.Exec(ctx, `
			DELETE FROM pipeline_runs
			WHERE id IN (
				SELECT id FROM pipeline_runs
				WHERE started_at < $1
				ORDER BY started_at ASC
				LIMIT $2
			)
		`, cutoff, batchSize)
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to delete run batch: %w", err)
		}

		deleted := tag.RowsAffected()
		totalDeleted += int(deleted)
		if deleted < int64(batchSize) {
			return totalDeleted, nil
		}
	}
}
