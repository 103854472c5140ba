package postgres

const schema = `
-- Issues table
CREATE TABLE IF NOT EXISTS issues (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    title TEXT NOT NULL,
    resolved BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    resolved_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_issues_project_resolved ON issues(project_id, resolved);
CREATE INDEX IF NOT EXISTS idx_issues_updated_at ON issues(updated_at);

-- Error records
CREATE TABLE IF NOT EXISTS errors (
    id TEXT PRIMARY KEY,
    issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
    message TEXT NOT NULL,
    trace TEXT NOT NULL DEFAULT '',
    script TEXT NOT NULL DEFAULT '',
    environment TEXT NOT NULL CHECK(environment IN ('server', 'client')),
    context JSONB NOT NULL DEFAULT '{}'::jsonb,
    occurrences INTEGER NOT NULL DEFAULT 1 CHECK(occurrences >= 1),
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_errors_issue ON errors(issue_id);
CREATE INDEX IF NOT EXISTS idx_errors_created_at ON errors(created_at);

-- Breadcrumbs are unique by message within an error
CREATE TABLE IF NOT EXISTS breadcrumbs (
    id TEXT PRIMARY KEY,
    error_id TEXT NOT NULL REFERENCES errors(id) ON DELETE CASCADE,
    message TEXT NOT NULL,
    seq BIGSERIAL,
    UNIQUE (error_id, message)
);

CREATE TABLE IF NOT EXISTS breadcrumb_timestamps (
    id BIGSERIAL PRIMARY KEY,
    breadcrumb_id TEXT NOT NULL REFERENCES breadcrumbs(id) ON DELETE CASCADE,
    ts TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_breadcrumb_timestamps_breadcrumb ON breadcrumb_timestamps(breadcrumb_id);

-- Ref sets
CREATE TABLE IF NOT EXISTS server_id_refs (
    id TEXT PRIMARY KEY,
    error_id TEXT NOT NULL REFERENCES errors(id) ON DELETE CASCADE,
    server_id TEXT NOT NULL,
    seq BIGSERIAL,
    UNIQUE (error_id, server_id)
);

CREATE TABLE IF NOT EXISTS place_version_refs (
    id TEXT PRIMARY KEY,
    error_id TEXT NOT NULL REFERENCES errors(id) ON DELETE CASCADE,
    version BIGINT NOT NULL,
    seq BIGSERIAL,
    UNIQUE (error_id, version)
);

CREATE TABLE IF NOT EXISTS place_id_refs (
    id TEXT PRIMARY KEY,
    error_id TEXT NOT NULL REFERENCES errors(id) ON DELETE CASCADE,
    place_id BIGINT NOT NULL,
    seq BIGSERIAL,
    UNIQUE (error_id, place_id)
);

CREATE TABLE IF NOT EXISTS script_ancestor_refs (
    id TEXT PRIMARY KEY,
    error_id TEXT NOT NULL REFERENCES errors(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    name TEXT NOT NULL,
    class TEXT NOT NULL
);

-- Tenant caps, written by the dashboard
CREATE TABLE IF NOT EXISTS usage_limits (
    project_id TEXT PRIMARY KEY,
    unique_error_cap INTEGER NOT NULL CHECK(unique_error_cap >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Pipeline run history
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
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
