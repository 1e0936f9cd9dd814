// Package sqlstore implements store.Store on database/sql. The sqlite and
// postgres packages supply the driver and dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/fleetd/internal/daemon"
	"github.com/loykin/fleetd/internal/store"
)

// Dialect captures the few differences between supported SQL engines.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2, ...) instead of '?'.
	Numbered bool
}

var (
	SQLite   = Dialect{Name: "sqlite"}
	Postgres = Dialect{Name: "postgres", Numbered: true}
)

// DB is a store.Store over a *sql.DB.
type DB struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func New(db *sql.DB, d Dialect) *DB {
	return &DB{db: db, dialect: d, now: time.Now}
}

// SQL exposes the handle for driver specific setup and tests.
func (s *DB) SQL() *sql.DB { return s.db }

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) rebind(q string) string {
	if !s.dialect.Numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
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

func (s *DB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fleet_servers(
			hostname TEXT PRIMARY KEY,
			created_at_ms BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS fleet_daemons(
			name TEXT PRIMARY KEY,
			start_command TEXT NOT NULL,
			stop_command TEXT NOT NULL,
			pid_file TEXT NOT NULL,
			max_runtime_ms BIGINT NOT NULL,
			server TEXT NULL,
			status TEXT NOT NULL,
			target_status TEXT NOT NULL,
			last_update_ms BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_daemons_server ON fleet_daemons(server);`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_daemons_status ON fleet_daemons(status);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%s schema: %w", s.dialect.Name, err)
		}
	}
	return nil
}

const daemonColumns = `name, start_command, stop_command, pid_file, max_runtime_ms, server, status, target_status, last_update_ms`

type scanner interface {
	Scan(dest ...any) error
}

func scanDaemon(row scanner) (daemon.Spec, error) {
	var (
		spec         daemon.Spec
		start, stop  string
		maxRuntimeMS int64
		server       sql.NullString
		status, tgt  string
		lastUpdateMS int64
	)
	if err := row.Scan(&spec.Name, &start, &stop, &spec.PIDFile, &maxRuntimeMS, &server, &status, &tgt, &lastUpdateMS); err != nil {
		return daemon.Spec{}, err
	}
	if err := json.Unmarshal([]byte(start), &spec.StartCommand); err != nil {
		return daemon.Spec{}, fmt.Errorf("decode start_command of %s: %w", spec.Name, err)
	}
	if err := json.Unmarshal([]byte(stop), &spec.StopCommand); err != nil {
		return daemon.Spec{}, fmt.Errorf("decode stop_command of %s: %w", spec.Name, err)
	}
	spec.MaxRuntime = time.Duration(maxRuntimeMS) * time.Millisecond
	spec.Server = server.String
	spec.Status = daemon.Status(status)
	spec.TargetStatus = daemon.Status(tgt)
	spec.LastUpdate = time.UnixMilli(lastUpdateMS).UTC()
	spec.Normalize()
	return spec, nil
}

func encodeArgv(argv []string) (string, error) {
	if argv == nil {
		argv = []string{}
	}
	b, err := json.Marshal(argv)
	return string(b), err
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *DB) GetDaemon(ctx context.Context, name string) (daemon.Spec, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+daemonColumns+` FROM fleet_daemons WHERE name = ?`), name)
	spec, err := scanDaemon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return daemon.Spec{}, fmt.Errorf("daemon %q: %w", name, store.ErrNotFound)
	}
	return spec, err
}

func (s *DB) ListDaemons(ctx context.Context) ([]daemon.Spec, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+daemonColumns+` FROM fleet_daemons ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []daemon.Spec
	for rows.Next() {
		spec, err := scanDaemon(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, rows.Err()
}

func (s *DB) writeDaemon(ctx context.Context, spec daemon.Spec, upsert bool) error {
	spec.Normalize()
	start, err := encodeArgv(spec.StartCommand)
	if err != nil {
		return err
	}
	stop, err := encodeArgv(spec.StopCommand)
	if err != nil {
		return err
	}
	if spec.Server != "" {
		if err := s.UpsertServer(ctx, spec.Server); err != nil {
			return err
		}
	}
	q := `INSERT INTO fleet_daemons(` + daemonColumns + `) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if upsert {
		q += ` ON CONFLICT(name) DO UPDATE SET
			start_command=excluded.start_command,
			stop_command=excluded.stop_command,
			pid_file=excluded.pid_file,
			max_runtime_ms=excluded.max_runtime_ms,
			server=excluded.server,
			status=excluded.status,
			target_status=excluded.target_status,
			last_update_ms=excluded.last_update_ms`
	} else {
		q += ` ON CONFLICT(name) DO NOTHING`
	}
	res, err := s.exec(ctx, q,
		spec.Name, start, stop, spec.PIDFile, spec.MaxRuntime.Milliseconds(), nullable(spec.Server),
		string(spec.Status), string(spec.TargetStatus), spec.LastUpdate.UnixMilli())
	if err != nil {
		return err
	}
	if !upsert {
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("daemon %q: %w", spec.Name, store.ErrExists)
		}
	}
	return nil
}

func (s *DB) CreateDaemon(ctx context.Context, spec daemon.Spec) error {
	return s.writeDaemon(ctx, spec, false)
}

func (s *DB) UpsertDaemon(ctx context.Context, spec daemon.Spec) error {
	return s.writeDaemon(ctx, spec, true)
}

func (s *DB) DeleteDaemon(ctx context.Context, name string) error {
	res, err := s.exec(ctx, `DELETE FROM fleet_daemons WHERE name = ?`, name)
	return affected(res, err, name)
}

func affected(res sql.Result, err error, name string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("daemon %q: %w", name, store.ErrNotFound)
	}
	return nil
}

func (s *DB) SetStatus(ctx context.Context, name string, status daemon.Status) error {
	res, err := s.exec(ctx, `UPDATE fleet_daemons SET status = ?, last_update_ms = ? WHERE name = ?`,
		string(status), s.now().UnixMilli(), name)
	return affected(res, err, name)
}

func (s *DB) SetTargetStatus(ctx context.Context, name string, status daemon.Status) error {
	res, err := s.exec(ctx, `UPDATE fleet_daemons SET target_status = ? WHERE name = ?`, string(status), name)
	return affected(res, err, name)
}

func (s *DB) SetServer(ctx context.Context, name, host string) error {
	if host != "" {
		if err := s.UpsertServer(ctx, host); err != nil {
			return err
		}
	}
	res, err := s.exec(ctx, `UPDATE fleet_daemons SET server = ? WHERE name = ?`, nullable(host), name)
	return affected(res, err, name)
}

func (s *DB) ExpectedRunning(ctx context.Context, host string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT name FROM fleet_daemons WHERE LOWER(server) = LOWER(CAST(? AS TEXT)) AND target_status = ? ORDER BY name`),
		host, string(daemon.StatusRunning))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *DB) ExpireStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `UPDATE fleet_daemons SET status = ? WHERE status = ? AND last_update_ms < ?`,
		string(daemon.StatusStopped), string(daemon.StatusRunning), before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *DB) UpsertServer(ctx context.Context, host string) error {
	_, err := s.exec(ctx, `INSERT INTO fleet_servers(hostname, created_at_ms) VALUES(?, ?) ON CONFLICT(hostname) DO NOTHING`,
		host, s.now().UnixMilli())
	return err
}

func (s *DB) ListServers(ctx context.Context) ([]daemon.Server, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hostname, created_at_ms FROM fleet_servers ORDER BY hostname`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []daemon.Server
	for rows.Next() {
		var (
			srv daemon.Server
			ms  int64
		)
		if err := rows.Scan(&srv.Hostname, &ms); err != nil {
			return nil, err
		}
		srv.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, srv)
	}
	return out, rows.Err()
}
