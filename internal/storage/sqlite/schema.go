package sqlite

import "github.com/steveyegge/sift/internal/storage/migrations"

// Times are stored as INTEGER unix nanoseconds so window comparisons are
// numeric rather than lexical.
const schemaV1 = `
-- Issues table
CREATE TABLE IF NOT EXISTS issues (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    title TEXT NOT NULL,
    resolved INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    resolved_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_issues_project_resolved ON issues(project_id, resolved);
CREATE INDEX IF NOT EXISTS idx_issues_updated_at ON issues(updated_at);

-- Error records, one occurrence cluster per row
CREATE TABLE IF NOT EXISTS errors (
    id TEXT PRIMARY KEY,
    issue_id TEXT NOT NULL,
    message TEXT NOT NULL,
    trace TEXT NOT NULL DEFAULT '',
    script TEXT NOT NULL DEFAULT '',
    environment TEXT NOT NULL CHECK(environment IN ('server', 'client')),
    context TEXT NOT NULL DEFAULT '{}',
    occurrences INTEGER NOT NULL DEFAULT 1 CHECK(occurrences >= 1),
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_errors_issue ON errors(issue_id);
CREATE INDEX IF NOT EXISTS idx_errors_created_at ON errors(created_at);

-- Breadcrumbs are unique by message within an error
CREATE TABLE IF NOT EXISTS breadcrumbs (
    id TEXT PRIMARY KEY,
    error_id TEXT NOT NULL,
    message TEXT NOT NULL,
    UNIQUE (error_id, message),
    FOREIGN KEY (error_id) REFERENCES errors(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS breadcrumb_timestamps (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    breadcrumb_id TEXT NOT NULL,
    ts INTEGER NOT NULL,
    FOREIGN KEY (breadcrumb_id) REFERENCES breadcrumbs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_breadcrumb_timestamps_breadcrumb ON breadcrumb_timestamps(breadcrumb_id);

-- Ref sets
CREATE TABLE IF NOT EXISTS server_id_refs (
    id TEXT PRIMARY KEY,
    error_id TEXT NOT NULL,
    server_id TEXT NOT NULL,
    UNIQUE (error_id, server_id),
    FOREIGN KEY (error_id) REFERENCES errors(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS place_version_refs (
    id TEXT PRIMARY KEY,
    error_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    UNIQUE (error_id, version),
    FOREIGN KEY (error_id) REFERENCES errors(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS place_id_refs (
    id TEXT PRIMARY KEY,
    error_id TEXT NOT NULL,
    place_id INTEGER NOT NULL,
    UNIQUE (error_id, place_id),
    FOREIGN KEY (error_id) REFERENCES errors(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS script_ancestor_refs (
    id TEXT PRIMARY KEY,
    error_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    name TEXT NOT NULL,
    class TEXT NOT NULL,
    FOREIGN KEY (error_id) REFERENCES errors(id) ON DELETE CASCADE
);

-- Tenant caps, written by the dashboard
CREATE TABLE IF NOT EXISTS usage_limits (
    project_id TEXT PRIMARY KEY,
    unique_error_cap INTEGER NOT NULL CHECK(unique_error_cap >= 0),
    updated_at INTEGER NOT NULL
);
`

const schemaV1Down = `
DROP TABLE IF EXISTS usage_limits;
DROP TABLE IF EXISTS script_ancestor_refs;
DROP TABLE IF EXISTS place_id_refs;
DROP TABLE IF EXISTS place_version_refs;
DROP TABLE IF EXISTS server_id_refs;
DROP TABLE IF EXISTS breadcrumb_timestamps;
DROP TABLE IF EXISTS breadcrumbs;
DROP TABLE IF EXISTS errors;
DROP TABLE IF EXISTS issues;
`

const schemaV2 = `
-- Pipeline run history
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    finished_at INTEGER,
    drained INTEGER NOT NULL DEFAULT 0,
    merged INTEGER NOT NULL DEFAULT 0,
    created_errors INTEGER NOT NULL DEFAULT 0,
    created_issues INTEGER NOT NULL DEFAULT 0,
    rejected INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started_at ON pipeline_runs(started_at);
`

// Migrations returns the sift schema history
func Migrations() *migrations.Manager {
	return migrations.NewManager(
		migrations.Migration{
			Version:     1,
			Description: "issues, errors, breadcrumbs, refs and usage limits",
			Up:          schemaV1,
			Down:        schemaV1Down,
		},
		migrations.Migration{
			Version:     2,
			Description: "pipeline run history",
			Up:          schemaV2,
			Down:        `DROP TABLE IF EXISTS pipeline_runs;`,
		},
	)
}
