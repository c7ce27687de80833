package postgres

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/binarydrop/internal/store"
)

var Schema = []string{
	`CREATE TABLE IF NOT EXISTS apps(
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		state TEXT NOT NULL,
		binary_path TEXT NULL,
		binary_hash TEXT NULL,
		port INTEGER NOT NULL,
		host TEXT NOT NULL,
		environment TEXT NOT NULL,
		process_id INTEGER NULL,
		restart_policy TEXT NOT NULL,
		max_restarts INTEGER NULL,
		restart_count INTEGER NOT NULL DEFAULT 0,
		last_exit_code INTEGER NULL,
		last_exit_time TIMESTAMPTZ NULL,
		startup_timeout INTEGER NOT NULL,
		shutdown_timeout INTEGER NOT NULL,
		health_check TEXT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_apps_state ON apps(state);`,
	`CREATE TABLE IF NOT EXISTS process_history(
		id TEXT PRIMARY KEY,
		app_id TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NULL,
		exit_code INTEGER NULL,
		exit_reason TEXT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_process_history_app ON process_history(app_id, started_at);`,
}

// New opens a PostgreSQL store through the pgx stdlib driver.
func New(dsn string) (*store.SQL, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return store.NewSQL(d, store.Dialect{Name: "postgres", Schema: Schema, Numbered: true}), nil
}
