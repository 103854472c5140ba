package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steveyegge/sift/internal/types"
)

// queryErrors loads the errors matching where and then their owned
// collections, one query per collection. Each result set is closed before
// the next query runs.
func (s *SQLiteStorage) queryErrors(ctx context.Context, where string, arg interface{}) ([]*types.ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, message, trace, script, environment, context,
		       occurrences, created_at, updated_at
		FROM errors
		WHERE `+where+`
		ORDER BY id
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query errors: %w", err)
	}

	var records []*types.ErrorRecord
	byID := make(map[string]*types.ErrorRecord)
	for rows.Next() {
		var rec types.ErrorRecord
		var env, rawContext string
		var created, updated int64
		if err := rows.Scan(&rec.ID, &rec.IssueID, &rec.Message, &rec.Trace, &rec.Script, &env,
			&rawContext, &rec.Occurrences, &created, &updated); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan error: %w", err)
		}
		rec.Environment = types.Environment(env)
		rec.CreatedAt = fromNanos(created)
		rec.UpdatedAt = fromNanos(updated)
		if rec.Context, err = decodeContext(rawContext); err != nil {
			_ = rows.Close()
			return nil, err
		}
		records = append(records, &rec)
		byID[rec.ID] = &rec
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("failed to iterate errors: %w", err)
	}
	_ = rows.Close()

	if len(records) == 0 {
		return nil, nil
	}

	subquery := "SELECT id FROM errors WHERE " + where
	if err := s.loadBreadcrumbs(ctx, subquery, arg, byID); err != nil {
		return nil, err
	}
	if err := s.loadRefs(ctx, subquery, arg, byID); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *SQLiteStorage) loadBreadcrumbs(ctx context.Context, subquery string, arg interface{}, byID map[string]*types.ErrorRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.error_id, b.message, t.ts
		FROM breadcrumbs b
		LEFT JOIN breadcrumb_timestamps t ON t.breadcrumb_id = b.id
		WHERE b.error_id IN (`+subquery+`)
		ORDER BY b.error_id, b.rowid, t.id
	`, arg)
	if err != nil {
		return fmt.Errorf("failed to query breadcrumbs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	crumbs := make(map[string]*types.Breadcrumb)
	for rows.Next() {
		var id, errorID, message string
		var ts sql.NullInt64
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
		if ts.Valid {
			b.Timestamps = append(b.Timestamps, fromNanos(ts.Int64))
		}
	}
	return rows.Err()
}

func (s *SQLiteStorage) loadRefs(ctx context.Context, subquery string, arg interface{}, byID map[string]*types.ErrorRecord) error {
	err := s.eachRow(ctx, `SELECT id, error_id, server_id FROM server_id_refs WHERE error_id IN (`+subquery+`) ORDER BY rowid`, arg,
		func(scan func(...interface{}) error) error {
			var r types.ServerIDRef
			var errorID string
			if err := scan(&r.ID, &errorID, &r.ServerID); err != nil {
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

	err = s.eachRow(ctx, `SELECT id, error_id, version FROM place_version_refs WHERE error_id IN (`+subquery+`) ORDER BY rowid`, arg,
		func(scan func(...interface{}) error) error {
			var r types.PlaceVersionRef
			var errorID string
			if err := scan(&r.ID, &errorID, &r.Version); err != nil {
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

	err = s.eachRow(ctx, `SELECT id, error_id, place_id FROM place_id_refs WHERE error_id IN (`+subquery+`) ORDER BY rowid`, arg,
		func(scan func(...interface{}) error) error {
			var r types.PlaceIDRef
			var errorID string
			if err := scan(&r.ID, &errorID, &r.PlaceID); err != nil {
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

	err = s.eachRow(ctx, `SELECT id, error_id, name, class FROM script_ancestor_refs WHERE error_id IN (`+subquery+`) ORDER BY error_id, position`, arg,
		func(scan func(...interface{}) error) error {
			var r types.ScriptAncestorRef
			var errorID string
			if err := scan(&r.ID, &errorID, &r.Name, &r.Class); err != nil {
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

func (s *SQLiteStorage) eachRow(ctx context.Context, query string, arg interface{}, fn func(scan func(...interface{}) error) error) error {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := fn(rows.Scan); err != nil {
			return err
		}
	}
	return rows.Err()
}
