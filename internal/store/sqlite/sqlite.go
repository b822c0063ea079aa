/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package sqlite stores the tree in a SQLite database, one row per node.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	serrors "treestore/internal/errors"
	"treestore/internal/store"
	"treestore/internal/store/kv"
)

// TypeName is the registry name of this backend.
const TypeName = "sqlite"

const schema = `CREATE TABLE IF NOT EXISTS nodes (
	fqn  TEXT PRIMARY KEY,
	data BLOB NOT NULL
) WITHOUT ROWID`

// Engine is a kv.Engine over one SQLite database.
type Engine struct {
	path string
	dsn  string

	mu sync.RWMutex
	db *sql.DB
}

// NewEngine returns an engine for the database at path. The path
// ":memory:" keeps the database in memory until Close.
func NewEngine(path string) *Engine {
	if path != ":memory:" {
		path = filepath.Clean(path)
	}
	return &Engine{
		path: path,
		dsn:  path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
	}
}

// Factory builds sqlite stores from registry options. It requires the
// "path" property.
func Factory(opts store.Options) (store.Store, error) {
	path, err := opts.Require("path")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		return nil, serrors.InvalidValue("path", "must not be blank")
	}
	name := opts.Name
	if name == "" {
		name = TypeName
	}
	return kv.New(name, NewEngine(path), opts), nil
}

func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db != nil {
		return nil
	}
	if e.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
			return err
		}
	}

	db, err := sql.Open("sqlite", e.dsn)
	if err != nil {
		return err
	}
	// One connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return err
	}
	e.db = db
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// Drop closes the database and removes its files.
func (e *Engine) Drop(context.Context) error {
	if err := e.Close(); err != nil {
		return err
	}
	if e.path == ":memory:" {
		return nil
	}
	var errs []error
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(e.path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) handle() (*sql.DB, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.db == nil {
		return nil, serrors.BackendUnavailable(TypeName)
	}
	return e.db, nil
}

func (e *Engine) View(ctx context.Context, fn func(kv.Txn) error) error {
	return e.run(ctx, fn)
}

func (e *Engine) Update(ctx context.Context, fn func(kv.Txn) error) error {
	return e.run(ctx, fn)
}

func (e *Engine) run(ctx context.Context, fn func(kv.Txn) error) error {
	db, err := e.handle()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(txn{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type txn struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t txn) Get(key string) ([]byte, bool, error) {
	var data []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT data FROM nodes WHERE fqn = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (t txn) Put(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO nodes (fqn, data) VALUES (?, ?)
		 ON CONFLICT(fqn) DO UPDATE SET data = excluded.data`, key, value)
	return err
}

func (t txn) Delete(key string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM nodes WHERE fqn = ?`, key)
	return err
}

func (t txn) DeleteRange(lo, hi string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM nodes WHERE fqn >= ? AND fqn < ?`, lo, hi)
	return err
}

// Scan pages through the range; a skip starts a new query at the skip key.
func (t txn) Scan(lo, hi string, fn kv.ScanFunc) error {
	from := lo
	for {
		next, err := t.scanFrom(from, hi, fn)
		if err != nil || next == "" {
			return err
		}
		from = next
	}
}

func (t txn) scanFrom(lo, hi string, fn kv.ScanFunc) (string, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT fqn, data FROM nodes WHERE fqn >= ? AND fqn < ? ORDER BY fqn`, lo, hi)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return "", err
		}
		skipTo, err := fn(key, data)
		if err != nil {
			return "", err
		}
		if skipTo != "" {
			return skipTo, nil
		}
	}
	return "", rows.Err()
}
