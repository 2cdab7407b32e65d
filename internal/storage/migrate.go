package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Migration statuses recorded in migration_history.
const (
	migrationApplied = "applied"
	migrationFailed  = "failed"
)

type migration struct {
	id  int
	sql string
}

// migrations is the ordered schema evolution list. New entries append only;
// existing entries never change once released.
var migrations = []migration{
	{
		id: 1,
		sql: `
		CREATE TABLE chats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'normal',
			registered INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			UNIQUE(channel, chat_id)
		);
		CREATE TABLE messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_fk INTEGER NOT NULL REFERENCES chats(id),
			role TEXT NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			stored INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE conversation_state (
			chat_fk INTEGER PRIMARY KEY REFERENCES chats(id),
			summary TEXT NOT NULL DEFAULT '',
			enabled_skills TEXT NOT NULL DEFAULT '[]',
			last_compact_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE bus_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			direction TEXT NOT NULL,
			message_id TEXT NOT NULL,
			channel TEXT NOT NULL DEFAULT '',
			chat_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			claimed_at INTEGER,
			last_error TEXT NOT NULL DEFAULT '',
			dead_lettered_at INTEGER,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE message_dedupe (
			direction TEXT NOT NULL,
			message_id TEXT NOT NULL,
			queue_id INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (direction, message_id)
		);
		CREATE TABLE inbound_executions (
			message_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			result_content TEXT NOT NULL DEFAULT '',
			outbound_id TEXT NOT NULL DEFAULT '',
			outbound_skipped INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_fk INTEGER NOT NULL REFERENCES chats(id),
			prompt TEXT NOT NULL,
			schedule_type TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			context_mode TEXT NOT NULL DEFAULT 'group',
			status TEXT NOT NULL DEFAULT 'active',
			next_run_at INTEGER,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE task_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_fk INTEGER NOT NULL REFERENCES tasks(id),
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			finished_at INTEGER
		);
		CREATE TABLE audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			tool_name TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			args_json TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE TABLE meta_kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		`,
	},
	{
		id: 2,
		sql: `
		CREATE INDEX idx_bus_queue_dispatch ON bus_queue(direction, status, next_attempt_at);
		CREATE INDEX idx_bus_queue_chat ON bus_queue(direction, channel, chat_id, created_at);
		CREATE INDEX idx_messages_chat ON messages(chat_fk, created_at);
		CREATE INDEX idx_tasks_due ON tasks(status, next_run_at);
		`,
	},
}

// MigrationRecord is a row of migration_history.
type MigrationRecord struct {
	ID         int
	Status     string
	BackupPath string
	AppliedAt  time.Time
}

// migrate applies pending migrations in order. Before each migration, a
// file-level backup of the database is written to the backup directory and
// its path recorded in migration_history. A failure aborts startup with the
// backup path in the error.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migration_history (
			id INTEGER PRIMARY KEY,
			status TEXT NOT NULL,
			backup_path TEXT NOT NULL DEFAULT '',
			applied_at INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create migration_history: %w", err)
	}

	var maxApplied int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM migration_history WHERE status = ?;`, migrationApplied,
	).Scan(&maxApplied); err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	if maxApplied > migrations[len(migrations)-1].id {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxApplied, migrations[len(migrations)-1].id)
	}

	for _, m := range migrations {
		if m.id <= maxApplied {
			continue
		}
		backupPath, err := s.backupBefore(ctx, m.id)
		if err != nil {
			return fmt.Errorf("backup before migration %d: %w", m.id, err)
		}
		if err := s.applyMigration(ctx, m, backupPath); err != nil {
			return fmt.Errorf("migration %d failed (pre-migration backup at %s): %w", m.id, backupPath, err)
		}
	}
	return nil
}

// backupBefore writes a consistent snapshot of the database via VACUUM INTO.
// On a fresh database (no user tables yet) the backup is skipped and an empty
// path recorded.
func (s *Store) backupBefore(ctx context.Context, migrationID int) (string, error) {
	if s.backupDir == "" {
		return "", nil
	}
	var userTables int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name != 'migration_history';`,
	).Scan(&userTables); err != nil {
		return "", fmt.Errorf("count tables: %w", err)
	}
	if userTables == 0 {
		return "", nil
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	name := fmt.Sprintf("%s-pre-m%d.sqlite", time.Now().UTC().Format("20060102T150405.000"), migrationID)
	backupPath := filepath.Join(s.backupDir, name)
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s';", strings.ReplaceAll(backupPath, "'", "''"))); err != nil {
		return "", fmt.Errorf("vacuum into backup: %w", err)
	}
	return backupPath, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration, backupPath string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		// Record the failure outside the aborted transaction.
		_ = tx.Rollback()
		_, _ = s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO migration_history (id, status, backup_path, applied_at) VALUES (?, ?, ?, ?);`,
			m.id, migrationFailed, backupPath, unixMs(time.Now()))
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO migration_history (id, status, backup_path, applied_at) VALUES (?, ?, ?, ?);`,
		m.id, migrationApplied, backupPath, unixMs(time.Now())); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration id.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM migration_history WHERE status = ?;`, migrationApplied,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}

// MigrationHistory lists all migration_history rows in order.
func (s *Store) MigrationHistory(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, backup_path, applied_at FROM migration_history ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list migration history: %w", err)
	}
	defer rows.Close()

	var out []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		var appliedAt int64
		if err := rows.Scan(&rec.ID, &rec.Status, &rec.BackupPath, &appliedAt); err != nil {
			return nil, fmt.Errorf("scan migration history: %w", err)
		}
		rec.AppliedAt = fromUnixMs(appliedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
