package db

// migrations are applied in order; the applied version is tracked in the
// schema_versions table. Statements must stay portable between SQLite and
// PostgreSQL: timestamps are fixed-width UTC text and JSON is stored as TEXT.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS incidents (
    fingerprint    TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    status         TEXT NOT NULL,
    labels         TEXT NOT NULL DEFAULT '{}',
    annotations    TEXT NOT NULL DEFAULT '{}',
    generator_url  TEXT NOT NULL DEFAULT '',
    starts_at      TEXT NOT NULL,
    ends_at        TEXT NOT NULL DEFAULT '',
    received_at    TEXT NOT NULL,
    last_seen_at   TEXT NOT NULL,
    expired        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_incidents_last_seen ON incidents(last_seen_at DESC);

CREATE TABLE IF NOT EXISTS workflow_runs (
    run_id            TEXT PRIMARY KEY,
    fingerprint       TEXT NOT NULL,
    incident_name     TEXT NOT NULL DEFAULT '',
    state             TEXT NOT NULL,
    iteration         INTEGER NOT NULL DEFAULT 0,
    started_at        TEXT NOT NULL,
    deadline          TEXT NOT NULL,
    updated_at        TEXT NOT NULL,
    finished_at       TEXT NOT NULL DEFAULT '',
    pending_call      TEXT NOT NULL DEFAULT '',
    report            TEXT NOT NULL DEFAULT '',
    reason            TEXT NOT NULL DEFAULT '',
    delivery_status   TEXT NOT NULL DEFAULT 'pending',
    backend_failures  INTEGER NOT NULL DEFAULT 0,
    prompt            TEXT NOT NULL DEFAULT '',
    providers         TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_runs_fingerprint ON workflow_runs(fingerprint, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_state ON workflow_runs(state);

CREATE TABLE IF NOT EXISTS tool_calls (
    run_id           TEXT NOT NULL REFERENCES workflow_runs(run_id) ON DELETE CASCADE,
    seq              INTEGER NOT NULL,
    iteration        INTEGER NOT NULL,
    provider_id      TEXT NOT NULL,
    tool_name        TEXT NOT NULL,
    arguments        TEXT NOT NULL DEFAULT '{}',
    idempotency_key  TEXT NOT NULL,
    attempt          INTEGER NOT NULL DEFAULT 1,
    output           TEXT NOT NULL DEFAULT '',
    error_kind       TEXT NOT NULL DEFAULT '',
    error_message    TEXT NOT NULL DEFAULT '',
    started_at       TEXT NOT NULL,
    finished_at      TEXT NOT NULL,
    PRIMARY KEY (run_id, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tool_calls_idempotency ON tool_calls(idempotency_key);

CREATE TABLE IF NOT EXISTS run_signals (
    run_id       TEXT NOT NULL REFERENCES workflow_runs(run_id) ON DELETE CASCADE,
    seq          INTEGER NOT NULL,
    kind         TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT '',
    annotations  TEXT NOT NULL DEFAULT '{}',
    received_at  TEXT NOT NULL,
    PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS active_runs (
    fingerprint  TEXT PRIMARY KEY,
    run_id       TEXT NOT NULL,
    claimed_at   TEXT NOT NULL
);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS deliveries (
    run_id       TEXT NOT NULL,
    destination  TEXT NOT NULL,
    status       TEXT NOT NULL,
    attempts     INTEGER NOT NULL DEFAULT 0,
    last_error   TEXT NOT NULL DEFAULT '',
    updated_at   TEXT NOT NULL,
    PRIMARY KEY (run_id, destination)
);
`,
	},
}
