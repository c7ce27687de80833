package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/binarydrop/internal/app"
)

// Dialect captures the differences between the SQL backends.
type Dialect struct {
	Name   string   // "sqlite" or "postgres"
	Schema []string // DDL run by EnsureSchema
	// Numbered placeholders ($1, $2, ...) instead of '?'.
	Numbered bool
}

// SQL implements Store over database/sql. The sqlite and postgres packages
// construct it with their driver and dialect.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQL(db *sql.DB, d Dialect) *SQL { return &SQL{db: db, dialect: d} }

// DB exposes the underlying handle for tests and maintenance tasks.
func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Dialect() string { return s.dialect.Name }

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) EnsureSchema(ctx context.Context) error {
	for _, q := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema (%s): %w", s.dialect.Name, err)
		}
	}
	return nil
}

// q rewrites '?' placeholders for dialects that number them.
func (s *SQL) q(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const appColumns = `id, name, state, binary_path, binary_hash, port, host, environment, process_id,
	restart_policy, max_restarts, restart_count, last_exit_code, last_exit_time,
	startup_timeout, shutdown_timeout, health_check, created_at, updated_at`

func (s *SQL) GetByName(ctx context.Context, name string) (*app.App, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+appColumns+` FROM apps WHERE name=?;`), name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	apps, err := scanApps(rows)
	if err != nil {
		return nil, err
	}
	if len(apps) == 0 {
		return nil, app.E("get", name, app.ErrAppNotFound)
	}
	return apps[0], nil
}

func (s *SQL) GetAll(ctx context.Context) ([]*app.App, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+appColumns+` FROM apps ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanApps(rows)
}

func (s *SQL) GetByState(ctx context.Context, state app.State) ([]*app.App, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+appColumns+` FROM apps WHERE state=? ORDER BY name;`), state.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanApps(rows)
}

func (s *SQL) Save(ctx context.Context, a *app.App) error {
	env, err := json.Marshal(a.Environment)
	if err != nil {
		return err
	}
	var hc any
	if a.HealthCheck != nil {
		b, err := json.Marshal(a.HealthCheck)
		if err != nil {
			return err
		}
		hc = string(b)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO apps(`+appColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			state=excluded.state,
			binary_path=excluded.binary_path,
			binary_hash=excluded.binary_hash,
			port=excluded.port,
			host=excluded.host,
			environment=excluded.environment,
			process_id=excluded.process_id,
			restart_policy=excluded.restart_policy,
			max_restarts=excluded.max_restarts,
			restart_count=excluded.restart_count,
			last_exit_code=excluded.last_exit_code,
			last_exit_time=excluded.last_exit_time,
			startup_timeout=excluded.startup_timeout,
			shutdown_timeout=excluded.shutdown_timeout,
			health_check=excluded.health_check,
			updated_at=excluded.updated_at;`),
		a.ID, a.Name, a.State.String(), nullString(a.BinaryPath), nullString(a.BinaryHash),
		a.Port, a.Host, string(env), nullInt(a.PID),
		a.RestartPolicy.String(), nullInt(a.MaxRestarts), a.RestartCount, nullInt(a.LastExitCode), nullTime(a.LastExitTime),
		a.StartupTimeout, a.ShutdownTimeout, hc, a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	return err
}

// SaveLifecycle updates only the fields the supervisor owns. It fails with
// app.ErrAppNotFound when the record no longer exists, so a deleted app is
// never written back.
func (s *SQL) SaveLifecycle(ctx context.Context, a *app.App) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE apps SET state=?, process_id=?, restart_count=?, last_exit_code=?, last_exit_time=?, updated_at=?
		WHERE id=?;`),
		a.State.String(), nullInt(a.PID), a.RestartCount, nullInt(a.LastExitCode), nullTime(a.LastExitTime),
		a.UpdatedAt.UTC(), a.ID)
	return updated(res, err, a.Name)
}

// SaveSettings updates the user-editable fields and leaves lifecycle state
// alone. It fails with app.ErrAppNotFound when the record no longer exists.
func (s *SQL) SaveSettings(ctx context.Context, a *app.App) error {
	env, err := json.Marshal(a.Environment)
	if err != nil {
		return err
	}
	var hc any
	if a.HealthCheck != nil {
		b, err := json.Marshal(a.HealthCheck)
		if err != nil {
			return err
		}
		hc = string(b)
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE apps SET binary_path=?, binary_hash=?, environment=?, restart_policy=?, max_restarts=?,
			startup_timeout=?, shutdown_timeout=?, health_check=?, updated_at=?
		WHERE id=?;`),
		nullString(a.BinaryPath), nullString(a.BinaryHash), string(env), a.RestartPolicy.String(), nullInt(a.MaxRestarts),
		a.StartupTimeout, a.ShutdownTimeout, hc, a.UpdatedAt.UTC(), a.ID)
	return updated(res, err, a.Name)
}

func updated(res sql.Result, err error, name string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return app.E("update", name, app.ErrAppNotFound)
	}
	return nil
}

func (s *SQL) DeleteByID(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM process_history WHERE app_id=?;`), id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM apps WHERE id=?;`), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQL) UsedPorts(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT port FROM apps ORDER BY port;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]int, 0)
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const historyColumns = `id, app_id, started_at, ended_at, exit_code, exit_reason`

func (s *SQL) SaveHistory(ctx context.Context, h *app.ProcessHistory) error {
	if h.Open() {
		_, err := s.db.ExecContext(ctx, s.q(`
			INSERT INTO process_history(`+historyColumns+`)
			VALUES(?, ?, ?, NULL, NULL, NULL);`),
			h.ID, h.AppID, h.StartedAt.UTC())
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE process_history
		SET ended_at=?, exit_code=?, exit_reason=?
		WHERE id=?;`),
		nullTime(h.EndedAt), nullInt(h.ExitCode), nullString(h.ExitReason), h.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// closed before the open row ever reached the store
		_, err = s.db.ExecContext(ctx, s.q(`
			INSERT INTO process_history(`+historyColumns+`)
			VALUES(?, ?, ?, ?, ?, ?);`),
			h.ID, h.AppID, h.StartedAt.UTC(), nullTime(h.EndedAt), nullInt(h.ExitCode), nullString(h.ExitReason))
		return err
	}
	return nil
}

func (s *SQL) HistoryByAppID(ctx context.Context, appID string) ([]*app.ProcessHistory, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+historyColumns+`
		FROM process_history
		WHERE app_id=?
		ORDER BY started_at DESC;`), appID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanHistory(rows)
}

func (s *SQL) RecentHistory(ctx context.Context, limit int) ([]*app.ProcessHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+historyColumns+`
		FROM process_history
		ORDER BY started_at DESC
		LIMIT ?;`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanHistory(rows)
}

func (s *SQL) DeleteHistoryByAppID(ctx context.Context, appID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM process_history WHERE app_id=?;`), appID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanApps(rows *sql.Rows) ([]*app.App, error) {
	out := make([]*app.App, 0)
	for rows.Next() {
		var (
			a                          app.App
			state, policy, env         string
			binPath, binHash, health   sql.NullString
			pid, maxRestarts, lastExit sql.NullInt64
			lastExitTime               sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.Name, &state, &binPath, &binHash, &a.Port, &a.Host, &env, &pid,
			&policy, &maxRestarts, &a.RestartCount, &lastExit, &lastExitTime,
			&a.StartupTimeout, &a.ShutdownTimeout, &health, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.State = app.ParseState(state)
		a.RestartPolicy, _ = app.ParseRestartPolicy(policy)
		a.BinaryPath = binPath.String
		a.BinaryHash = binHash.String
		a.PID = intPtr(pid)
		a.MaxRestarts = intPtr(maxRestarts)
		a.LastExitCode = intPtr(lastExit)
		a.LastExitTime = timePtr(lastExitTime)
		a.Environment = map[string]string{}
		if env != "" {
			if err := json.Unmarshal([]byte(env), &a.Environment); err != nil {
				return nil, fmt.Errorf("decode environment of %q: %w", a.Name, err)
			}
		}
		if health.Valid && health.String != "" {
			var hc app.HealthCheck
			if err := json.Unmarshal([]byte(health.String), &hc); err != nil {
				return nil, fmt.Errorf("decode health check of %q: %w", a.Name, err)
			}
			a.HealthCheck = &hc
		}
		a.CreatedAt = a.CreatedAt.UTC()
		a.UpdatedAt = a.UpdatedAt.UTC()
		out = append(out, &a)
	}
	return out, rows.Err()
}

func scanHistory(rows *sql.Rows) ([]*app.ProcessHistory, error) {
	out := make([]*app.ProcessHistory, 0)
	for rows.Next() {
		var (
			h      app.ProcessHistory
			ended  sql.NullTime
			code   sql.NullInt64
			reason sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.AppID, &h.StartedAt, &ended, &code, &reason); err != nil {
			return nil, err
		}
		h.StartedAt = h.StartedAt.UTC()
		h.EndedAt = timePtr(ended)
		h.ExitCode = intPtr(code)
		h.ExitReason = reason.String
		out = append(out, &h)
	}
	return out, rows.Err()
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool { return errors.Is(err, app.ErrAppNotFound) }

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time.UTC()
	return &v
}
