package store

import "database/sql"

// Timestamps are stored as unix milliseconds so range filters compare numerically.
var migrations = []func(tx *sql.Tx) error{
	migrateV1,
	migrateV2,
}

func migrateV1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS clients (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL DEFAULT '',
			hostname        TEXT NOT NULL DEFAULT '',
			cpu_threshold   REAL NOT NULL DEFAULT 85,
			mem_threshold   REAL NOT NULL DEFAULT 85,
			disk_threshold  REAL NOT NULL DEFAULT 90,
			is_active       BOOLEAN NOT NULL DEFAULT 1,
			last_seen_at    INTEGER,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id              TEXT PRIMARY KEY,
			email           TEXT NOT NULL UNIQUE,
			name            TEXT NOT NULL DEFAULT '',
			role            TEXT NOT NULL DEFAULT 'viewer',
			is_active       BOOLEAN NOT NULL DEFAULT 1,
			password_hash   TEXT NOT NULL DEFAULT '',
			push_key        TEXT NOT NULL DEFAULT '',
			phone           TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_role ON users(role, is_active)`,
		`CREATE TABLE IF NOT EXISTS samples (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id       TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
			recorded_at     INTEGER NOT NULL,
			cpu_pct         REAL,
			mem_pct         REAL,
			disk_pct        REAL,
			gpu_pct         REAL,
			payload         TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_client_time ON samples(client_id, recorded_at)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id       TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
			metric          TEXT NOT NULL,
			value           REAL NOT NULL,
			threshold       REAL NOT NULL,
			severity        TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'OPEN',
			title           TEXT NOT NULL,
			message         TEXT NOT NULL,
			created_at      INTEGER NOT NULL,
			acknowledged_by TEXT,
			acknowledged_at INTEGER,
			resolved_at     INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_client_metric ON alerts(client_id, metric, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at)`,
		`CREATE TABLE IF NOT EXISTS global_settings (
			key             TEXT PRIMARY KEY,
			value           TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Notification audit trail.
func migrateV2(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deliveries (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id          TEXT NOT NULL,
			alert_id        INTEGER NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
			user_id         TEXT NOT NULL,
			channel         TEXT NOT NULL,
			status          TEXT NOT NULL,
			attempt         INTEGER NOT NULL,
			sent_at         INTEGER NOT NULL,
			delivered_at    INTEGER,
			error           TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_alert ON deliveries(alert_id, id)`,
		`CREATE TABLE IF NOT EXISTS failed_jobs (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id          TEXT NOT NULL,
			alert_id        INTEGER NOT NULL,
			job             TEXT NOT NULL,
			reason          TEXT NOT NULL,
			error           TEXT NOT NULL DEFAULT '',
			failed_at       INTEGER NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
