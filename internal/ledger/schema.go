package ledger

// schema is applied on every open; each statement is idempotent
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id        TEXT PRIMARY KEY,
		parent_session_id TEXT REFERENCES sessions(session_id),
		prompt            TEXT NOT NULL DEFAULT '',
		git_branch        TEXT NOT NULL DEFAULT '',
		base_commit_ref   TEXT,
		created_at        TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS node_executions (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id        TEXT NOT NULL REFERENCES sessions(session_id),
		node_name         TEXT NOT NULL,
		parent_node_id    INTEGER REFERENCES node_executions(id),
		started_at        TEXT NOT NULL,
		finished_at       TEXT,
		state_update_json TEXT NOT NULL DEFAULT '{}',
		output_text       TEXT,
		commit_ref        TEXT NOT NULL,
		step_id           TEXT NOT NULL UNIQUE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_nodes ON node_executions(session_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_node_commit ON node_executions(commit_ref)`,
	`CREATE TABLE IF NOT EXISTS timelines (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id      TEXT NOT NULL REFERENCES sessions(session_id),
		branch_name     TEXT NOT NULL UNIQUE,
		kind            TEXT NOT NULL,
		base_commit_ref TEXT,
		head_commit_ref TEXT,
		created_at      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS processed_messages (
		event_id     TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL,
		processed_at TEXT NOT NULL
	)`,
}
