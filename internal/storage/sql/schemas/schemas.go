package schemas

// Timestamps are unix milliseconds. The parameters column is TEXT in both
// drivers so that retries copy the stored bytes unchanged.
const SQLITE_SCHEMA = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    display_id INTEGER NOT NULL UNIQUE,
    lineage_id TEXT NOT NULL,
    retry_of TEXT UNIQUE,
    engine TEXT NOT NULL,
    model TEXT NOT NULL,
    task_type TEXT NOT NULL,
    owner_id TEXT,
    parameters TEXT NOT NULL,
    target TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    execution_mode TEXT,
    lease_owner TEXT,
    lease_token TEXT,
    lease_expires_at INTEGER,
    created_at INTEGER NOT NULL,
    started_at INTEGER,
    completed_at INTEGER,
    result_path TEXT,
    archived_path TEXT,
    log_path TEXT,
    error_kind TEXT,
    error_message TEXT,
    summary TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status, display_id);

CREATE INDEX IF NOT EXISTS idx_tasks_lineage ON tasks (lineage_id);
`

const POSTGRES_SCHEMA = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    display_id BIGSERIAL NOT NULL UNIQUE,
    lineage_id TEXT NOT NULL,
    retry_of TEXT UNIQUE,
    engine TEXT NOT NULL,
    model TEXT NOT NULL,
    task_type TEXT NOT NULL,
    owner_id TEXT,
    parameters TEXT NOT NULL,
    target TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    execution_mode TEXT,
    lease_owner TEXT,
    lease_token TEXT,
    lease_expires_at BIGINT,
    created_at BIGINT NOT NULL,
    started_at BIGINT,
    completed_at BIGINT,
    result_path TEXT,
    archived_path TEXT,
    log_path TEXT,
    error_kind TEXT,
    error_message TEXT,
    summary JSONB
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status, display_id);

CREATE INDEX IF NOT EXISTS idx_tasks_lineage ON tasks (lineage_id);
`

func SchemaForDriver(driver string) string {
	switch driver {
	case "sqlite":
		return SQLITE_SCHEMA
	case "pgx", "postgres":
		return POSTGRES_SCHEMA
	default:
		return ""
	}
}
