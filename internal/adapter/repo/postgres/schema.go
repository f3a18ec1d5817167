package postgres

import (
	"context"
	"fmt"
)

// schemaDDL is idempotent so every boot can run it. The store is an opaque
// contract of this binary; there is no external migration tool to coordinate
// with.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id                   TEXT PRIMARY KEY,
		project_id           TEXT NOT NULL DEFAULT '',
		trigger_id           TEXT NOT NULL DEFAULT '',
		command              JSONB NOT NULL DEFAULT '[]',
		work_dir             TEXT NOT NULL DEFAULT '',
		worktree_path        TEXT NOT NULL DEFAULT '',
		exec_type            TEXT NOT NULL DEFAULT 'direct',
		mode                 TEXT NOT NULL DEFAULT 'autonomous',
		pid                  INTEGER NOT NULL DEFAULT 0,
		pgid                 INTEGER NOT NULL DEFAULT 0,
		status               TEXT NOT NULL,
		exit_code            INTEGER,
		created_at           TIMESTAMPTZ NOT NULL,
		last_activity_at     TIMESTAMPTZ NOT NULL,
		ended_at             TIMESTAMPTZ,
		idle_timeout_seconds INTEGER NOT NULL DEFAULT 3600,
		max_lifetime_seconds INTEGER NOT NULL DEFAULT 14400
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_status_idx ON sessions (status)`,

	`CREATE TABLE IF NOT EXISTS accounts (
		id                 TEXT PRIMARY KEY,
		backend            TEXT NOT NULL,
		name               TEXT NOT NULL,
		email              TEXT NOT NULL DEFAULT '',
		config_path        TEXT NOT NULL DEFAULT '',
		key_env_var        TEXT NOT NULL DEFAULT '',
		is_default         BOOLEAN NOT NULL DEFAULT FALSE,
		plan               TEXT NOT NULL DEFAULT '',
		rate_limited_until TIMESTAMPTZ,
		last_used_at       TIMESTAMPTZ,
		total_executions   BIGINT NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL,
		UNIQUE (backend, name)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS accounts_one_default_idx
		ON accounts (backend) WHERE is_default`,

	`CREATE TABLE IF NOT EXISTS rate_limit_snapshots (
		id           BIGSERIAL PRIMARY KEY,
		account_id   TEXT NOT NULL,
		window_type  TEXT NOT NULL,
		tokens_used  BIGINT NOT NULL DEFAULT 0,
		tokens_limit BIGINT NOT NULL DEFAULT 0,
		percentage   DOUBLE PRECISION NOT NULL DEFAULT 0,
		level        TEXT NOT NULL DEFAULT 'normal',
		resets_at    TIMESTAMPTZ,
		recorded_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS snapshots_account_window_idx
		ON rate_limit_snapshots (account_id, window_type, recorded_at)`,

	`CREATE TABLE IF NOT EXISTS scheduler_states (
		account_id             TEXT PRIMARY KEY,
		state                  TEXT NOT NULL,
		stop_reason            TEXT NOT NULL DEFAULT '',
		stop_window_type       TEXT NOT NULL DEFAULT '',
		stop_eta_minutes       DOUBLE PRECISION NOT NULL DEFAULT 0,
		resume_estimate        TIMESTAMPTZ,
		consecutive_safe_polls INTEGER NOT NULL DEFAULT 0,
		updated_at             TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS monitor_config (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		config     JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS executions (
		id         TEXT PRIMARY KEY,
		trigger_id TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		account_id TEXT NOT NULL DEFAULT '',
		backend    TEXT NOT NULL DEFAULT '',
		exec_type  TEXT NOT NULL DEFAULT 'direct',
		status     TEXT NOT NULL,
		error      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS executions_trigger_idx ON executions (trigger_id)`,

	`CREATE TABLE IF NOT EXISTS fallback_chains (
		trigger_id TEXT PRIMARY KEY,
		entries    JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema creates the tables and indexes this binary needs. Safe to run
// on every boot.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaDDL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=postgres.EnsureSchema: %w", err)
		}
	}
	return nil
}
