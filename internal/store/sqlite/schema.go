package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaVersion is the current user_version. Every release that changes the
// schema bumps this and adds a branch to migrate.
const schemaVersion = 2

// migrate brings the database from whatever user_version it currently
// reports up to schemaVersion, applying every pending step once inside a
// single transaction. Steps are written as "if from < N && to >= N" guards rather
// than a switch so a database several versions behind runs every
// intervening step in order.
func migrate(ctx context.Context, db *sql.DB) error {
	var from int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&from); err != nil {
		return fmt.Errorf("sqlite: read user_version: %w", err)
	}
	to := schemaVersion
	if from >= to {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin migration: %w", err)
	}
	defer tx.Rollback()

	if from < 1 && to >= 1 {
		if err := migrateV1(ctx, tx); err != nil {
			return fmt.Errorf("sqlite: migrate to v1: %w", err)
		}
	}
	if from < 2 && to >= 2 {
		if err := migrateV2(ctx, tx); err != nil {
			return fmt.Errorf("sqlite: migrate to v2: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", to)); err != nil {
		return fmt.Errorf("sqlite: set user_version: %w", err)
	}
	return tx.Commit()
}

func migrateV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS features (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			status     TEXT NOT NULL,
			spec_path  TEXT NOT NULL DEFAULT '',
			plan_path  TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id                  TEXT PRIMARY KEY,
			title               TEXT NOT NULL,
			description         TEXT NOT NULL DEFAULT '',
			parent_id           TEXT NOT NULL DEFAULT '' REFERENCES tasks(id) ON DELETE CASCADE,
			feature_id          TEXT NOT NULL DEFAULT '' REFERENCES features(id) ON DELETE CASCADE,
			type                TEXT NOT NULL,
			status              TEXT NOT NULL,
			priority            INTEGER NOT NULL DEFAULT 0,
			retry_count         INTEGER NOT NULL DEFAULT 0,
			max_retries         INTEGER NOT NULL DEFAULT 0,
			verification_status TEXT NOT NULL DEFAULT 'pending',
			claimed_by          TEXT NOT NULL DEFAULT '',
			metadata            TEXT NOT NULL DEFAULT '{}',
			created_at          INTEGER NOT NULL,
			updated_at          INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_feature_id ON tasks(feature_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claimed_by ON tasks(claimed_by)`,

		`CREATE TABLE IF NOT EXISTS dependencies (
			blocker_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			blocked_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			PRIMARY KEY (blocker_id, blocked_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dependencies_blocked_id ON dependencies(blocked_id)`,

		`CREATE TABLE IF NOT EXISTS task_logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			message    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id)`,

		`CREATE TABLE IF NOT EXISTS journal (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			task_id    TEXT NOT NULL DEFAULT '',
			title      TEXT NOT NULL DEFAULT '',
			tags       TEXT NOT NULL DEFAULT '',
			note       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_task_id ON journal(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_run_id ON journal(run_id)`,

		`CREATE VIRTUAL TABLE IF NOT EXISTS journal_fts USING fts5(
			title, tags, note, content='journal', content_rowid='id'
		)`,
		`CREATE TRIGGER IF NOT EXISTS journal_ai AFTER INSERT ON journal BEGIN
			INSERT INTO journal_fts(rowid, title, tags, note) VALUES (new.id, new.title, new.tags, new.note);
		END`,
		`CREATE TRIGGER IF NOT EXISTS journal_ad AFTER DELETE ON journal BEGIN
			INSERT INTO journal_fts(journal_fts, rowid, title, tags, note) VALUES ('delete', old.id, old.title, old.tags, old.note);
		END`,
		`CREATE TRIGGER IF NOT EXISTS journal_au AFTER UPDATE ON journal BEGIN
			INSERT INTO journal_fts(journal_fts, rowid, title, tags, note) VALUES ('delete', old.id, old.title, old.tags, old.note);
			INSERT INTO journal_fts(rowid, title, tags, note) VALUES (new.id, new.title, new.tags, new.note);
		END`,

		`CREATE TABLE IF NOT EXISTS model_overrides (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id    TEXT NOT NULL,
			model      TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_model_overrides_task_id ON model_overrides(task_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// migrateV2 adds the columns spec.md §3's Journal entry and §4.5's
// model_overrides table actually need (iteration number, feature id,
// outcome bucket, model, duration, files modified) without disturbing the
// title/tags columns the FTS index already depends on — SQLite's ALTER
// TABLE ADD COLUMN is always additive, so existing rows backfill to the
// column defaults.
func migrateV2(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`ALTER TABLE journal ADD COLUMN iteration INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE journal ADD COLUMN feature_id TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE journal ADD COLUMN outcome TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE journal ADD COLUMN model TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE journal ADD COLUMN duration_ms INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE journal ADD COLUMN files_modified TEXT NOT NULL DEFAULT '[]'`,
		`CREATE INDEX IF NOT EXISTS idx_journal_feature_id ON journal(feature_id)`,

		`ALTER TABLE model_overrides ADD COLUMN iteration INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE model_overrides ADD COLUMN strategy_model TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE model_overrides ADD COLUMN hint_model TEXT NOT NULL DEFAULT ''`,
		`CREATE INDEX IF NOT EXISTS idx_model_overrides_iteration ON model_overrides(iteration)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
