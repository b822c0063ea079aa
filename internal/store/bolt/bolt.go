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

// Package bolt stores the tree in a bbolt database file, one key per node
// in a single bucket.
package bolt

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	serrors "treestore/internal/errors"
	"treestore/internal/store"
	"treestore/internal/store/kv"
)

// TypeName is the registry name of this backend.
const TypeName = "bolt"

var nodesBucket = []byte("nodes")

// Engine is a kv.Engine over one bbolt file.
type Engine struct {
	path    string
	timeout time.Duration
	noSync  bool

	mu sync.RWMutex
	db *bbolt.DB
}

// NewEngine returns an engine for the database file at path.
func NewEngine(path string, timeout time.Duration, noSync bool) *Engine {
	return &Engine{path: filepath.Clean(path), timeout: timeout, noSync: noSync}
}

// Factory builds bolt stores from registry options. It requires the
// "path" property.
func Factory(opts store.Options) (store.Store, error) {
	path, err := opts.Require("path")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		return nil, serrors.InvalidValue("path", "must not be blank")
	}
	timeout, err := opts.Duration("open_timeout", time.Second)
	if err != nil {
		return nil, err
	}
	noSync, err := opts.Bool("no_sync", false)
	if err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = TypeName
	}
	return kv.New(name, NewEngine(path, timeout, noSync), opts), nil
}

func (e *Engine) Open(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db != nil {
		return nil
	}
	if dir := filepath.Dir(e.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	db, err := bbolt.Open(e.path, 0o600, &bbolt.Options{Timeout: e.timeout, NoSync: e.noSync})
	if err != nil {
		return err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nodesBucket)
		return err
	})
	if err != nil {
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

// Drop closes the database and removes its file.
func (e *Engine) Drop(context.Context) error {
	if err := e.Close(); err != nil {
		return err
	}
	if err := os.Remove(e.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (e *Engine) handle() (*bbolt.DB, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.db == nil {
		return nil, serrors.BackendUnavailable(TypeName)
	}
	return e.db, nil
}

func (e *Engine) View(ctx context.Context, fn func(kv.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := e.handle()
	if err != nil {
		return err
	}
	return db.View(func(tx *bbolt.Tx) error {
		return fn(txn{bucket: tx.Bucket(nodesBucket)})
	})
}

func (e *Engine) Update(ctx context.Context, fn func(kv.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := e.handle()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return fn(txn{bucket: tx.Bucket(nodesBucket)})
	})
}

// txn adapts a bbolt bucket. Values returned by bbolt are only valid for
// the life of the transaction, so they are copied.
type txn struct {
	bucket *bbolt.Bucket
}

func (t txn) Get(key string) ([]byte, bool, error) {
	v := t.bucket.Get([]byte(key))
	if v == nil {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (t txn) Put(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return t.bucket.Put([]byte(key), value)
}

func (t txn) Delete(key string) error {
	return t.bucket.Delete([]byte(key))
}

func (t txn) Scan(lo, hi string, fn kv.ScanFunc) error {
	c := t.bucket.Cursor()
	end := []byte(hi)
	for k, v := c.Seek([]byte(lo)); k != nil && bytes.Compare(k, end) < 0; {
		skipTo, err := fn(string(k), bytes.Clone(v))
		if err != nil {
			return err
		}
		if skipTo != "" {
			k, v = c.Seek([]byte(skipTo))
		} else {
			k, v = c.Next()
		}
	}
	return nil
}
