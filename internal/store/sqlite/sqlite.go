package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/binarydrop/internal/store"
)

// Schema for the SQLite backend.
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
		last_exit_time TIMESTAMP NULL,
		startup_timeout INTEGER NOT NULL,
		shutdown_timeout INTEGER NOT NULL,
		health_check TEXT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_apps_state ON apps(state);`,
	`CREATE TABLE IF NOT EXISTS process_history(
		id TEXT PRIMARY KEY,
		app_id TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP NULL,
		exit_code INTEGER NULL,
		exit_reason TEXT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_process_history_app ON process_history(app_id, started_at);`,
}

// New opens a SQLite database at path (modernc.org/sqlite driver, CGO-free).
// Use ":memory:" for an in-memory database.
func New(path string) (*store.SQL, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if p == ":memory:" || strings.Contains(p, "mode=memory") {
		// every pooled connection would otherwise see its own empty database
		d.SetMaxOpenConns(1)
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	_, _ = d.Exec("PRAGMA foreign_keys=ON;")
	return store.NewSQL(d, store.Dialect{Name: "sqlite", Schema: Schema}), nil
}
