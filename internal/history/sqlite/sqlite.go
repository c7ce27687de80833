package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/binarydrop/internal/history"
)

// Sink appends events to an app_events table in a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS app_events(
		occurred_at TIMESTAMP NOT NULL,
		event TEXT NOT NULL,
		app TEXT NOT NULL,
		pid INTEGER NOT NULL,
		run_id TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP NULL,
		exit_code INTEGER NULL,
		exit_reason TEXT NULL
	);`)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	var ended, code, reason any
	if e.Run.EndedAt != nil {
		ended = e.Run.EndedAt.UTC()
	}
	if e.Run.ExitCode != nil {
		code = *e.Run.ExitCode
	}
	if e.Run.ExitReason != "" {
		reason = e.Run.ExitReason
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_events(occurred_at, event, app, pid, run_id, started_at, ended_at, exit_code, exit_reason)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), e.App, e.PID, e.Run.ID, e.Run.StartedAt.UTC(), ended, code, reason)
	return err
}

// Count returns the number of stored events for app.
func (s *Sink) Count(ctx context.Context, app string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM app_events WHERE app=?;`, app).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
