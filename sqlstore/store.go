// Copyright 2026 The Botvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlstore keeps botvisor server records in a SQLite database,
// using the pure Go modernc.org/sqlite driver.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/botvisor/botvisor"
)

const serverColumns = `id,owner,name,port,environment_json,status,pid,last_started,last_error,total_uptime_ns,logs_json,created_at,updated_at`

// Store implements botvisor.Store.
type Store struct {
	db *sql.DB
}

var _ botvisor.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and brings its
// schema up to date.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite writers serialize anyway, and Update relies
	// on it for its read-modify-write.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanServer(row scanner) (*botvisor.Server, error) {
	var (
		srv                  botvisor.Server
		env, logs, status    string
		lastStarted          sql.NullString
		uptime               int64
		createdAt, updatedAt string
	)
	if err := row.Scan(&srv.ID, &srv.Owner, &srv.Name, &srv.Port, &env, &status, &srv.PID,
		&lastStarted, &srv.LastError, &uptime, &logs, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	st, err := botvisor.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", srv.ID, err)
	}
	srv.Status = st
	if err := json.Unmarshal([]byte(env), &srv.Environment); err != nil {
		return nil, fmt.Errorf("server %s environment: %w", srv.ID, err)
	}
	if err := json.Unmarshal([]byte(logs), &srv.Logs); err != nil {
		return nil, fmt.Errorf("server %s logs: %w", srv.ID, err)
	}
	if lastStarted.Valid && lastStarted.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastStarted.String); err == nil {
			srv.LastStarted = &t
		}
	}
	srv.TotalUptime = time.Duration(uptime)
	srv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	srv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &srv, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*botvisor.Server, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id=?`, id)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, botvisor.ErrNotFound
	}
	return srv, err
}

func (s *Store) list(ctx context.Context, where string, args ...any) ([]*botvisor.Server, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers `+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*botvisor.Server{}
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

func (s *Store) FindByOwner(ctx context.Context, owner string) ([]*botvisor.Server, error) {
	return s.list(ctx, `WHERE owner=?`, owner)
}

func (s *Store) All(ctx context.Context) ([]*botvisor.Server, error) {
	return s.list(ctx, ``)
}

type columns struct {
	env, logs   string
	lastStarted sql.NullString
}

func encode(srv *botvisor.Server) (columns, error) {
	var c columns
	env := srv.Environment
	if env == nil {
		env = map[string]string{}
	}
	b, err := json.Marshal(env)
	if err != nil {
		return c, err
	}
	c.env = string(b)
	logs := srv.Logs
	if logs == nil {
		logs = []botvisor.LogRecord{}
	}
	if b, err = json.Marshal(logs); err != nil {
		return c, err
	}
	c.logs = string(b)
	if srv.LastStarted != nil {
		c.lastStarted = sql.NullString{String: srv.LastStarted.Format(time.RFC3339Nano), Valid: true}
	}
	return c, nil
}

func (s *Store) Create(ctx context.Context, srv *botvisor.Server) error {
	c, err := encode(srv)
	if err != nil {
		return fmt.Errorf("encode server: %w", err)
	}
	created := srv.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO servers (`+serverColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
`, srv.ID, srv.Owner, srv.Name, srv.Port, c.env, srv.Status.String(), srv.PID,
		c.lastStarted, srv.LastError, int64(srv.TotalUptime), c.logs,
		created.Format(time.RFC3339Nano), created.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert server: %w", err)
	}
	return nil
}

// Update applies u inside a transaction, so partial updates from the
// process waiter and from API calls do not lose each other's fields.
func (s *Store) Update(ctx context.Context, id string, u botvisor.ServerUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	srv, err := scanServer(tx.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return botvisor.ErrNotFound
	}
	if err != nil {
		return err
	}
	u.Apply(srv)
	c, err := encode(srv)
	if err != nil {
		return fmt.Errorf("encode server: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
UPDATE servers
SET name=?, port=?, environment_json=?, status=?, pid=?, last_started=?, last_error=?, total_uptime_ns=?, logs_json=?, updated_at=?
WHERE id=?
`, srv.Name, srv.Port, c.env, srv.Status.String(), srv.PID, c.lastStarted, srv.LastError,
		int64(srv.TotalUptime), c.logs, srv.UpdatedAt.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update server: %w", err)
	}
	return tx.Commit()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return botvisor.ErrNotFound
	}
	return nil
}
