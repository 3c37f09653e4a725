package persistence

import "database/sql"

// initSchema creates every table and index if missing.
// CREATE TABLE IF NOT EXISTS makes this idempotent across restarts,
// applied as a single idempotent migration.
func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id                TEXT PRIMARY KEY,
			type              TEXT NOT NULL CHECK (type IN ('Manager','Implementation','AdHoc')),
			status            TEXT NOT NULL CHECK (status IN ('Spawning','Active','Waiting','Idle','Terminated')),
			current_task_id   TEXT,
			domain            TEXT,
			spawned_at        DATETIME NOT NULL,
			last_activity_at  DATETIME NOT NULL,
			process_id        INTEGER,
			worktree_path     TEXT,
			metadata_json     TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_type ON agents(type);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_current_task ON agents(current_task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_domain ON agents(domain);`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id                TEXT PRIMARY KEY,
			phase_id          TEXT NOT NULL,
			status            TEXT NOT NULL CHECK (status IN ('Pending','Assigned','InProgress','Blocked','Completed','Failed')),
			assigned_agent    TEXT,
			required_domain   TEXT,
			priority          INTEGER NOT NULL DEFAULT 0,
			start_time        DATETIME,
			completion_time   DATETIME,
			execution_type    TEXT NOT NULL DEFAULT '',
			memory_log_path   TEXT,
			metadata_json     TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_phase_status ON tasks(phase_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigned_agent ON tasks(assigned_agent);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_required_domain ON tasks(required_domain);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_priority_status ON tasks(priority, status);`,

		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id            TEXT NOT NULL,
			depends_on_task_id TEXT NOT NULL,
			dependency_type    TEXT NOT NULL CHECK (dependency_type IN ('required','optional')),
			description        TEXT,
			PRIMARY KEY (task_id, depends_on_task_id),
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
			FOREIGN KEY (depends_on_task_id) REFERENCES tasks(id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			project_id    TEXT NOT NULL,
			status        TEXT NOT NULL CHECK (status IN ('Initializing','Running','Paused','Completed','Failed')),
			start_time    DATETIME NOT NULL,
			pause_time    DATETIME,
			end_time      DATETIME,
			metadata_json TEXT NOT NULL DEFAULT '{}'
		);`,

		`CREATE TABLE IF NOT EXISTS session_checkpoints (
			id                      TEXT PRIMARY KEY,
			session_id              TEXT NOT NULL,
			timestamp               DATETIME NOT NULL,
			description             TEXT NOT NULL,
			active_agents_json      TEXT NOT NULL DEFAULT '[]',
			completed_tasks_json    TEXT NOT NULL DEFAULT '[]',
			in_progress_tasks_json  TEXT NOT NULL DEFAULT '[]',
			metadata_json           TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON session_checkpoints(session_id);`,

		`CREATE TABLE IF NOT EXISTS state_transitions (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type   TEXT NOT NULL CHECK (entity_type IN ('Agent','Task','Session')),
			entity_id     TEXT NOT NULL,
			from_state    TEXT NOT NULL DEFAULT '',
			to_state      TEXT NOT NULL,
			timestamp     DATETIME NOT NULL,
			trigger       TEXT NOT NULL CHECK (trigger IN ('Automatic','UserAction','Dependency','Error','Timeout','Manual','Recovery')),
			metadata_json TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_entity ON state_transitions(entity_type, entity_id);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_timestamp ON state_transitions(timestamp);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
