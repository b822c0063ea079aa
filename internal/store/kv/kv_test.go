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

package kv

import (
	"context"
	"sort"
	"sync"
	"testing"

	serrors "treestore/internal/errors"
	"treestore/internal/nodepath"
	"treestore/internal/store"
	"treestore/internal/store/storetest"
)

// mapEngine is an in-process engine. Updates go through a Buffered and
// are committed under the lock, like the redis engine.
type mapEngine struct {
	mu    sync.RWMutex
	data  map[string][]byte
	open  bool
	drops int
}

func newMapEngine() *mapEngine {
	return &mapEngine{data: make(map[string][]byte)}
}

func (m *mapEngine) Open(context.Context) error {
	m.mu.Lock()
	m.open = true
	m.mu.Unlock()
	return nil
}

func (m *mapEngine) Close() error {
	m.mu.Lock()
	m.open = false
	m.mu.Unlock()
	return nil
}

func (m *mapEngine) Drop(context.Context) error {
	m.mu.Lock()
	m.data = make(map[string][]byte)
	m.open = false
	m.drops++
	m.mu.Unlock()
	return nil
}

func (m *mapEngine) View(_ context.Context, fn func(Txn) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(mapTxn{m.data})
}

func (m *mapEngine) Update(_ context.Context, fn func(Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := NewBuffered(mapTxn{m.data})
	if err := fn(buf); err != nil {
		return err
	}
	puts, deletes := buf.Writes()
	for _, k := range deletes {
		delete(m.data, k)
	}
	for k, v := range puts {
		m.data[k] = v
	}
	return nil
}

type mapTxn struct {
	data map[string][]byte
}

func (t mapTxn) Get(key string) ([]byte, bool, error) {
	v, ok := t.data[key]
	return v, ok, nil
}

func (t mapTxn) Put(key string, value []byte) error {
	t.data[key] = value
	return nil
}

func (t mapTxn) Delete(key string) error {
	delete(t.data, key)
	return nil
}

func (t mapTxn) Scan(lo, hi string, fn ScanFunc) error {
	var keys []string
	for k := range t.data {
		if k >= lo && k < hi {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for i := 0; i < len(keys); i++ {
		skipTo, err := fn(keys[i], t.data[keys[i]])
		if err != nil {
			return err
		}
		if skipTo != "" {
			i += sort.SearchStrings(keys[i+1:], skipTo)
		}
	}
	return nil
}

func startStore(t *testing.T, e Engine, transactional bool) *Store {
	t.Helper()
	s := New("kv-test", e, store.Options{Transactional: transactional})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Destroy(context.Background()) })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, storetest.Harness{
		New: func(t *testing.T) store.Store {
			return startStore(t, newMapEngine(), true)
		},
		Transactional: true,
		Restartable:   true,
	})
}

func TestKeyLayout(t *testing.T) {
	ctx := context.Background()
	e := newMapEngine()
	s := startStore(t, e, false)

	if _, err := s.PutKeyValue(ctx, nodepath.New("a b", "c/d"), "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	for _, key := range []string{"/a%20b", "/a%20b/c%2Fd"} {
		if _, ok := e.data[key]; !ok {
			t.Errorf("Expected key %q, have %v", key, keysOf(e.data))
		}
	}
	names, err := s.ChildrenNames(ctx, nodepath.New("a b"))
	if err != nil {
		t.Fatalf("ChildrenNames failed: %v", err)
	}
	if len(names) != 1 || names[0] != "c/d" {
		t.Errorf("Expected unescaped child name, got %v", names)
	}
}

func TestChildrenSkipsGrandchildrenAndSiblingsSortCorrectly(t *testing.T) {
	ctx := context.Background()
	s := startStore(t, newMapEngine(), false)

	for _, p := range []string{"/p/c", "/p/c/deep/er", "/p/c-x", "/p/b", "/p0"} {
		if _, err := s.PutKeyValue(ctx, nodepath.Parse(p), "k", []byte("v")); err != nil {
			t.Fatalf("Put %s failed: %v", p, err)
		}
	}
	names, err := s.ChildrenNames(ctx, nodepath.New("p"))
	if err != nil {
		t.Fatalf("ChildrenNames failed: %v", err)
	}
	want := []string{"b", "c", "c-x"}
	if len(names) != len(want) {
		t.Fatalf("Expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, names)
			break
		}
	}
}

func TestBufferedReadsOwnWrites(t *testing.T) {
	base := mapTxn{map[string][]byte{"/a": []byte("1"), "/b": []byte("2"), "/c": []byte("3")}}
	buf := NewBuffered(base)
	buf.Put("/bb", []byte("new"))
	buf.Delete("/c")
	buf.Put("/a", []byte("over"))

	if v, ok, _ := buf.Get("/a"); !ok || string(v) != "over" {
		t.Errorf("Get(/a) = %q, %v", v, ok)
	}
	if _, ok, _ := buf.Get("/c"); ok {
		t.Error("Deleted key visible")
	}

	var seen []string
	buf.Scan("/", "0", func(key string, _ []byte) (string, error) {
		seen = append(seen, key)
		return "", nil
	})
	want := []string{"/a", "/b", "/bb"}
	if len(seen) != len(want) {
		t.Fatalf("Scan saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("Scan saw %v, want %v", seen, want)
		}
	}

	puts, deletes := buf.Writes()
	if len(puts) != 2 || len(deletes) != 1 || deletes[0] != "/c" {
		t.Errorf("Writes() = %v, %v", puts, deletes)
	}
	if _, ok := base.data["/bb"]; ok {
		t.Error("Buffered writes leaked into the base transaction")
	}
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	ctx := context.Background()
	s := startStore(t, newMapEngine(), false)
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := s.Exists(ctx, nodepath.Root); !serrors.IsIOError(err) {
		t.Errorf("Expected unavailable error, got %v", err)
	}
}

func TestDestroyDropsEngine(t *testing.T) {
	ctx := context.Background()
	e := newMapEngine()
	s := New("kv-test", e, store.Options{})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := s.PutKeyValue(ctx, nodepath.New("x"), "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Destroy(ctx); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if e.drops != 1 || len(e.data) != 0 {
		t.Errorf("Expected the engine to be dropped, drops=%d keys=%d", e.drops, len(e.data))
	}
}

func keysOf(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
