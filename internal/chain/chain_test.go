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

package chain

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	serrors "treestore/internal/errors"
	"treestore/internal/nodepath"
	"treestore/internal/store"
	"treestore/internal/store/memory"
	"treestore/internal/store/storetest"
)

type countingStore struct {
	store.Store
	gets atomic.Int32
}

func (c *countingStore) Get(ctx context.Context, p nodepath.Path) (map[string][]byte, error) {
	c.gets.Add(1)
	return c.Store.Get(ctx, p)
}

type failingStore struct {
	store.Store
}

func (failingStore) PutKeyValue(context.Context, nodepath.Path, string, []byte) ([]byte, error) {
	return nil, serrors.IOFailure("put", errors.New("disk gone"))
}

type orderStore struct {
	store.Store
	name string
	log  *[]string
}

func (o orderStore) Start(ctx context.Context) error {
	*o.log = append(*o.log, "start "+o.name)
	return o.Store.Start(ctx)
}

func (o orderStore) Stop(ctx context.Context) error {
	*o.log = append(*o.log, "stop "+o.name)
	return o.Store.Stop(ctx)
}

func mem() *memory.Store {
	return memory.New(store.Options{Transactional: true})
}

func TestReadPrecedence(t *testing.T) {
	ctx := context.Background()
	b1 := &countingStore{Store: mem()}
	b2 := &countingStore{Store: mem()}
	c := New(Entry{Name: "b1", Store: b1}, Entry{Name: "b2", Store: b2})
	x := nodepath.Parse("/x")

	if _, err := b2.PutKeyValue(ctx, x, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	storetest.AssertValue(t, c, x, "k", "v")

	if _, err := b1.PutKeyValue(ctx, x, "k", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	before := b2.gets.Load()
	storetest.AssertValue(t, c, x, "k", "v2")
	if b2.gets.Load() != before {
		t.Error("Second store must not be consulted after a hit in the first")
	}
}

func TestReadMissesEverywhere(t *testing.T) {
	ctx := context.Background()
	c := New(Entry{Store: mem()}, Entry{Store: mem()})

	if _, err := c.Get(ctx, nodepath.Parse("/none")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := c.ChildrenNames(ctx, nodepath.Parse("/none")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if ok, err := c.Exists(ctx, nodepath.Parse("/none")); ok || err != nil {
		t.Errorf("Exists = %v, %v", ok, err)
	}
}

func TestWritesSkipSuppressedEntries(t *testing.T) {
	ctx := context.Background()
	rw := mem()
	ro := mem()
	c := New(Entry{Name: "rw", Store: rw}, Entry{Name: "ro", Store: ro, IgnoreModifications: true})

	if _, err := c.PutKeyValue(ctx, nodepath.Parse("/a"), "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	storetest.AssertExists(t, rw, nodepath.Parse("/a"), true)
	storetest.AssertExists(t, ro, nodepath.Parse("/a"), false)
}

func TestWriteFailureAttemptsEveryEntry(t *testing.T) {
	ctx := context.Background()
	after := mem()
	c := New(
		Entry{Name: "broken", Store: failingStore{Store: mem()}},
		Entry{Name: "after", Store: after},
	)

	_, err := c.PutKeyValue(ctx, nodepath.Parse("/a"), "k", []byte("v"))
	if !serrors.IsIOError(err) {
		t.Fatalf("Expected IO error, got %v", err)
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("Expected the failing entry to be named: %v", err)
	}
	storetest.AssertValue(t, after, nodepath.Parse("/a"), "k", "v")
}

func TestPreviousValueFromFirstEntry(t *testing.T) {
	ctx := context.Background()
	b1, b2 := mem(), mem()
	p := nodepath.Parse("/p")
	_, _ = b2.PutKeyValue(ctx, p, "k", []byte("from-b2"))
	c := New(Entry{Store: b1}, Entry{Store: b2})

	prev, err := c.PutKeyValue(ctx, p, "k", []byte("new"))
	if err != nil {
		t.Fatal(err)
	}
	if string(prev) != "from-b2" {
		t.Errorf("Expected previous value from the entry that had one, got %q", prev)
	}
}

func TestTwoPhaseFansOut(t *testing.T) {
	ctx := context.Background()
	b1, b2 := mem(), mem()
	c := New(Entry{Store: b1}, Entry{Store: b2})
	tok := store.NewToken()
	mods := []store.Modification{store.PutKeyValue(nodepath.Parse("/t"), "k", []byte("1"))}

	if err := c.Prepare(ctx, tok, mods, false); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := c.Commit(ctx, tok); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	storetest.AssertValue(t, b1, nodepath.Parse("/t"), "k", "1")
	storetest.AssertValue(t, b2, nodepath.Parse("/t"), "k", "1")
	if err := c.Commit(ctx, tok); !serrors.IsProtocolError(err) {
		t.Errorf("Expected protocol error on second commit, got %v", err)
	}
}

func TestStateTransferTargetsPrimary(t *testing.T) {
	ctx := context.Background()
	ro, first, fetch := mem(), mem(), mem()
	_, _ = fetch.PutKeyValue(ctx, nodepath.Parse("/f"), "k", []byte("v"))
	_, _ = first.PutKeyValue(ctx, nodepath.Parse("/w"), "k", []byte("v"))

	c := New(
		Entry{Name: "ro", Store: ro, IgnoreModifications: true},
		Entry{Name: "first", Store: first},
		Entry{Name: "fetch", Store: fetch, FetchPersistentState: true},
	)
	primary, err := c.Primary()
	if err != nil || primary.Name != "fetch" {
		t.Fatalf("Expected fetch entry as primary, got %q (%v)", primary.Name, err)
	}

	var buf bytes.Buffer
	if err := c.LoadEntireState(ctx, &buf); err != nil {
		t.Fatalf("LoadEntireState failed: %v", err)
	}
	nodes, err := store.NewStateReader(&buf, "").ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, n := range nodes {
		if n.Path.String() == "/w" {
			t.Error("State must come from the primary entry only")
		}
		if n.Path.String() == "/f" {
			found = true
		}
	}
	if !found {
		t.Error("Expected /f in exported state")
	}

	buf.Reset()
	if err := c.LoadEntireStateFrom(ctx, "first", &buf); err != nil {
		t.Fatalf("LoadEntireStateFrom failed: %v", err)
	}
	if err := c.LoadEntireStateFrom(ctx, "missing", &buf); !serrors.IsConfigError(err) {
		t.Errorf("Expected config error, got %v", err)
	}

	noWritable := New(Entry{Store: mem(), IgnoreModifications: true})
	if _, err := noWritable.Primary(); !serrors.IsUnsupported(err) {
		t.Errorf("Expected unsupported error, got %v", err)
	}
}

func TestStateImportSkipsSuppressedEntries(t *testing.T) {
	ctx := context.Background()
	rw, ro := mem(), mem()
	_, _ = ro.PutKeyValue(ctx, nodepath.Parse("/keep"), "k", []byte("v"))

	c := New(
		Entry{Name: "rw", Store: rw},
		Entry{Name: "ro", Store: ro, IgnoreModifications: true, FetchPersistentState: true},
	)
	target, err := c.ImportTarget()
	if err != nil || target.Name != "rw" {
		t.Fatalf("Expected rw as import target, got %q (%v)", target.Name, err)
	}

	var buf bytes.Buffer
	sw := store.NewStateWriter(&buf, "")
	if err := sw.WriteNode(store.Node{Path: nodepath.Parse("/x"), Data: map[string][]byte{"k": []byte("1")}}); err != nil {
		t.Fatal(err)
	}
	if err := sw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.StoreEntireState(ctx, &buf); err != nil {
		t.Fatalf("StoreEntireState failed: %v", err)
	}

	storetest.AssertValue(t, rw, nodepath.Parse("/x"), "k", "1")
	storetest.AssertExists(t, ro, nodepath.Parse("/x"), false)
	storetest.AssertValue(t, ro, nodepath.Parse("/keep"), "k", "v")

	noWritable := New(Entry{Store: mem(), IgnoreModifications: true, FetchPersistentState: true})
	if _, err := noWritable.ImportTarget(); !serrors.IsUnsupported(err) {
		t.Errorf("Expected unsupported error, got %v", err)
	}
}

func TestLifecycleOrderAndPurge(t *testing.T) {
	ctx := context.Background()
	var log []string
	purged := mem()
	_, _ = purged.PutKeyValue(ctx, nodepath.Parse("/old"), "k", []byte("v"))

	c := New(
		Entry{Name: "a", Store: orderStore{Store: mem(), name: "a", log: &log}},
		Entry{Name: "b", Store: orderStore{Store: purged, name: "b", log: &log}, PurgeOnStartup: true},
	)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	storetest.AssertExists(t, purged, nodepath.Parse("/old"), false)
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	want := "start a,start b,stop b,stop a"
	if got := strings.Join(log, ","); got != want {
		t.Errorf("Lifecycle order %q, want %q", got, want)
	}
}

func TestChainConformance(t *testing.T) {
	storetest.Run(t, storetest.Harness{
		New: func(t *testing.T) store.Store {
			c := New(Entry{Name: "one", Store: mem()}, Entry{Name: "replica", Store: mem(), IgnoreModifications: true})
			if err := c.Start(context.Background()); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			return c
		},
		Transactional: true,
		Restartable:   true,
	})
}
