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

// Package storetest is the conformance suite for store.Store
// implementations. Backend packages call Run from their own tests.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	serrors "treestore/internal/errors"
	"treestore/internal/nodepath"
	"treestore/internal/store"
)

// Harness describes the backend under test.
type Harness struct {
	// New returns a created and started store with no data. It should
	// register any cleanup with t.Cleanup.
	New func(t *testing.T) store.Store

	// Transactional reports whether New builds stores with two-phase
	// support enabled.
	Transactional bool

	// Restartable reports whether data survives Stop followed by Start.
	Restartable bool
}

// Run executes the whole suite.
func Run(t *testing.T, h Harness) {
	t.Run("TreeInvariant", func(t *testing.T) { testTreeInvariant(t, h) })
	t.Run("AbsentVersusEmpty", func(t *testing.T) { testAbsentVersusEmpty(t, h) })
	t.Run("PutDataMerges", func(t *testing.T) { testPutDataMerges(t, h) })
	t.Run("PreviousValues", func(t *testing.T) { testPreviousValues(t, h) })
	t.Run("RemoveDataKeepsChildren", func(t *testing.T) { testRemoveDataKeepsChildren(t, h) })
	t.Run("SubtreeRemoval", func(t *testing.T) { testSubtreeRemoval(t, h) })
	t.Run("RemoveRoot", func(t *testing.T) { testRemoveRoot(t, h) })
	t.Run("ChildrenNames", func(t *testing.T) { testChildrenNames(t, h) })
	t.Run("ApplyInOrder", func(t *testing.T) { testApplyInOrder(t, h) })
	t.Run("TwoPhase", func(t *testing.T) { testTwoPhase(t, h) })
	t.Run("StateTransfer", func(t *testing.T) { testStateTransfer(t, h) })
	t.Run("PartialState", func(t *testing.T) { testPartialState(t, h) })
	t.Run("ConcurrentSamePath", func(t *testing.T) { testConcurrentSamePath(t, h) })
	t.Run("RejectsAfterStop", func(t *testing.T) { testRejectsAfterStop(t, h) })
	if h.Restartable {
		t.Run("RestartKeepsData", func(t *testing.T) { testRestartKeepsData(t, h) })
	}
}

// P parses a path literal.
func P(s string) nodepath.Path {
	return nodepath.Parse(s)
}

// MustGet fails the test unless p exists and returns its attributes.
func MustGet(t *testing.T, s store.Reader, p nodepath.Path) map[string][]byte {
	t.Helper()
	data, err := s.Get(context.Background(), p)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", p, err)
	}
	return data
}

// AssertValue fails the test unless p holds key=want.
func AssertValue(t *testing.T, s store.Reader, p nodepath.Path, key, want string) {
	t.Helper()
	data := MustGet(t, s, p)
	got, ok := data[key]
	if !ok {
		t.Fatalf("%s has no key %q", p, key)
	}
	if !bytes.Equal(got, []byte(want)) {
		t.Fatalf("%s[%q] = %q, want %q", p, key, got, want)
	}
}

// AssertExists fails the test unless Exists(p) == want.
func AssertExists(t *testing.T, s store.Reader, p nodepath.Path, want bool) {
	t.Helper()
	ok, err := s.Exists(context.Background(), p)
	if err != nil {
		t.Fatalf("Exists(%s) failed: %v", p, err)
	}
	if ok != want {
		t.Fatalf("Exists(%s) = %v, want %v", p, ok, want)
	}
}

func put(t *testing.T, s store.Writer, path, key, value string) {
	t.Helper()
	if _, err := s.PutKeyValue(context.Background(), P(path), key, []byte(value)); err != nil {
		t.Fatalf("PutKeyValue(%s) failed: %v", path, err)
	}
}

func testTreeInvariant(t *testing.T, h Harness) {
	s := h.New(t)
	put(t, s, "/a/b/c", "k", "v")

	for _, p := range []string{"/", "/a", "/a/b", "/a/b/c"} {
		AssertExists(t, s, P(p), true)
	}
	for _, p := range []string{"/a", "/a/b"} {
		if data := MustGet(t, s, P(p)); len(data) != 0 {
			t.Errorf("%s should have no attributes, got %v", p, data)
		}
	}
	AssertValue(t, s, P("/a/b/c"), "k", "v")
}

func testAbsentVersusEmpty(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)

	if _, err := s.Get(ctx, P("/missing")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	AssertExists(t, s, P("/missing"), false)

	if err := s.PutData(ctx, P("/empty"), nil); err != nil {
		t.Fatalf("PutData failed: %v", err)
	}
	data, err := s.Get(ctx, P("/empty"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if data == nil || len(data) != 0 {
		t.Errorf("Expected empty non-nil map, got %#v", data)
	}
}

func testPutDataMerges(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	put(t, s, "/n", "keep", "1")
	put(t, s, "/n", "over", "old")

	err := s.PutData(ctx, P("/n"), map[string][]byte{"over": []byte("new"), "add": []byte("x")})
	if err != nil {
		t.Fatalf("PutData failed: %v", err)
	}
	AssertValue(t, s, P("/n"), "keep", "1")
	AssertValue(t, s, P("/n"), "over", "new")
	AssertValue(t, s, P("/n"), "add", "x")
}

func testPreviousValues(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)

	prev, err := s.PutKeyValue(ctx, P("/p"), "k", []byte("1"))
	if err != nil || prev != nil {
		t.Fatalf("First put: prev=%q err=%v", prev, err)
	}
	prev, err = s.PutKeyValue(ctx, P("/p"), "k", []byte("2"))
	if err != nil || string(prev) != "1" {
		t.Fatalf("Second put: prev=%q err=%v", prev, err)
	}
	prev, err = s.RemoveKeyValue(ctx, P("/p"), "k")
	if err != nil || string(prev) != "2" {
		t.Fatalf("Remove: prev=%q err=%v", prev, err)
	}
	prev, err = s.RemoveKeyValue(ctx, P("/p"), "k")
	if err != nil || prev != nil {
		t.Fatalf("Second remove: prev=%q err=%v", prev, err)
	}
	if _, err := s.RemoveKeyValue(ctx, P("/nowhere"), "k"); err != nil {
		t.Fatalf("Remove on absent node failed: %v", err)
	}
	AssertExists(t, s, P("/nowhere"), false)
}

func testRemoveDataKeepsChildren(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	put(t, s, "/r", "k", "v")
	put(t, s, "/r/child", "k", "v")

	if err := s.RemoveData(ctx, P("/r")); err != nil {
		t.Fatalf("RemoveData failed: %v", err)
	}
	AssertExists(t, s, P("/r"), true)
	if data := MustGet(t, s, P("/r")); len(data) != 0 {
		t.Errorf("Expected no attributes, got %v", data)
	}
	AssertValue(t, s, P("/r/child"), "k", "v")
}

func testSubtreeRemoval(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	put(t, s, "/a/d", "k", "v")
	put(t, s, "/a/b", "k", "v")
	put(t, s, "/a/b/c", "k", "v")
	put(t, s, "/a/bb", "k", "v")

	if err := s.RemoveNode(ctx, P("/a/b")); err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}
	AssertExists(t, s, P("/a/b"), false)
	AssertExists(t, s, P("/a/b/c"), false)
	AssertExists(t, s, P("/a/d"), true)
	AssertExists(t, s, P("/a/bb"), true)

	names, err := s.ChildrenNames(ctx, P("/a"))
	if err != nil {
		t.Fatalf("ChildrenNames failed: %v", err)
	}
	if fmt.Sprint(names) != "[bb d]" {
		t.Errorf("Unexpected children after removal: %v", names)
	}
	if err := s.RemoveNode(ctx, P("/a/b")); err != nil {
		t.Errorf("Removing an absent node should succeed: %v", err)
	}
}

func testRemoveRoot(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	put(t, s, "/x/y", "k", "v")
	put(t, s, "/z", "k", "v")

	if err := s.RemoveNode(ctx, nodepath.Root); err != nil {
		t.Fatalf("RemoveNode(/) failed: %v", err)
	}
	AssertExists(t, s, P("/x"), false)
	AssertExists(t, s, P("/z"), false)
	names, err := s.ChildrenNames(ctx, nodepath.Root)
	if err != nil {
		t.Fatalf("ChildrenNames(/) failed: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("Expected empty root, got %v", names)
	}
}

func testChildrenNames(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	put(t, s, "/c/b", "k", "v")
	put(t, s, "/c/a", "k", "v")
	put(t, s, "/c/a/deep", "k", "v")
	put(t, s, "/leaf", "k", "v")

	names, err := s.ChildrenNames(ctx, P("/c"))
	if err != nil {
		t.Fatalf("ChildrenNames failed: %v", err)
	}
	if fmt.Sprint(names) != "[a b]" {
		t.Errorf("Expected [a b], got %v", names)
	}

	names, err = s.ChildrenNames(ctx, P("/leaf"))
	if err != nil {
		t.Fatalf("ChildrenNames(/leaf) failed: %v", err)
	}
	if names == nil || len(names) != 0 {
		t.Errorf("Expected empty non-nil slice, got %#v", names)
	}

	if _, err := s.ChildrenNames(ctx, P("/none")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testApplyInOrder(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)

	mods := []store.Modification{
		store.PutKeyValue(P("/b/x"), "k", []byte("1")),
		store.PutKeyValue(P("/b/x"), "k", []byte("2")),
		store.PutData(P("/b/y"), map[string][]byte{"a": []byte("1"), "b": []byte("2")}),
		store.RemoveKeyValue(P("/b/y"), "a"),
		store.PutKeyValue(P("/b/z/w"), "k", []byte("v")),
		store.RemoveNode(P("/b/z")),
		store.PutKeyValue(P("/b/q"), "k", []byte("v")),
		store.RemoveData(P("/b/q")),
	}
	if err := s.Apply(ctx, mods); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	AssertValue(t, s, P("/b/x"), "k", "2")
	AssertValue(t, s, P("/b/y"), "b", "2")
	if _, ok := MustGet(t, s, P("/b/y"))["a"]; ok {
		t.Error("Key a should have been removed")
	}
	AssertExists(t, s, P("/b/z"), false)
	if data := MustGet(t, s, P("/b/q")); len(data) != 0 {
		t.Errorf("Expected /b/q without data, got %v", data)
	}

	bad := []store.Modification{{Op: store.Op(99), Path: P("/bad")}}
	if err := s.Apply(ctx, bad); !serrors.IsProtocolError(err) {
		t.Errorf("Expected protocol error for unknown op, got %v", err)
	}
}

func testTwoPhase(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	mods := []store.Modification{
		store.PutKeyValue(P("/a"), "k", []byte("1")),
		store.PutKeyValue(P("/a"), "k2", []byte("2")),
	}

	if !h.Transactional {
		err := s.Prepare(ctx, store.NewToken(), mods, false)
		if !serrors.IsUnsupported(err) {
			t.Fatalf("Expected unsupported error, got %v", err)
		}
		if err := s.Prepare(ctx, store.NewToken(), mods, true); err != nil {
			t.Fatalf("One-phase prepare failed: %v", err)
		}
		AssertValue(t, s, P("/a"), "k2", "2")
		return
	}

	rolled := store.NewToken()
	if err := s.Prepare(ctx, rolled, mods, false); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	AssertExists(t, s, P("/a"), false)
	if err := s.Prepare(ctx, rolled, mods, false); !serrors.IsProtocolError(err) {
		t.Errorf("Expected duplicate prepare to fail, got %v", err)
	}
	if err := s.Rollback(ctx, rolled); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	AssertExists(t, s, P("/a"), false)
	if err := s.Rollback(ctx, rolled); !serrors.IsProtocolError(err) {
		t.Errorf("Expected second rollback to fail, got %v", err)
	}

	committed := store.NewToken()
	if err := s.Prepare(ctx, committed, mods, false); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := s.Commit(ctx, committed); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	AssertValue(t, s, P("/a"), "k", "1")
	AssertValue(t, s, P("/a"), "k2", "2")
	if err := s.Commit(ctx, committed); !serrors.IsProtocolError(err) {
		t.Errorf("Expected second commit to fail, got %v", err)
	}
	if err := s.Commit(ctx, store.NewToken()); !serrors.IsProtocolError(err) {
		t.Errorf("Expected commit of unknown token to fail, got %v", err)
	}

	once := store.NewToken()
	if err := s.Prepare(ctx, once, []store.Modification{store.RemoveNode(P("/a"))}, true); err != nil {
		t.Fatalf("One-phase prepare failed: %v", err)
	}
	AssertExists(t, s, P("/a"), false)
	if err := s.Commit(ctx, once); !serrors.IsProtocolError(err) {
		t.Errorf("One-phase token must not be committable, got %v", err)
	}
}

func testStateTransfer(t *testing.T, h Harness) {
	ctx := context.Background()
	src := h.New(t)
	put(t, src, "/s/a", "k", "v")
	put(t, src, "/s/a/b", "k2", "v2")
	if err := src.PutData(ctx, P("/s/empty"), nil); err != nil {
		t.Fatalf("PutData failed: %v", err)
	}

	var buf bytes.Buffer
	if err := src.LoadEntireState(ctx, &buf); err != nil {
		t.Fatalf("LoadEntireState failed: %v", err)
	}
	buf.WriteString("trailer")

	dst := h.New(t)
	put(t, dst, "/stale", "k", "v")
	if err := dst.StoreEntireState(ctx, &buf); err != nil {
		t.Fatalf("StoreEntireState failed: %v", err)
	}
	if rest, _ := io.ReadAll(&buf); string(rest) != "trailer" {
		t.Errorf("Reader consumed past the end marker, left %q", rest)
	}

	AssertExists(t, dst, P("/stale"), false)
	AssertValue(t, dst, P("/s/a"), "k", "v")
	AssertValue(t, dst, P("/s/a/b"), "k2", "v2")
	AssertExists(t, dst, P("/s/empty"), true)

	if err := dst.StoreEntireState(ctx, bytes.NewReader([]byte{0, 0})); !serrors.IsProtocolError(err) {
		t.Errorf("Expected corrupt stream error, got %v", err)
	}
}

func testPartialState(t *testing.T, h Harness) {
	ctx := context.Background()
	src := h.New(t)
	put(t, src, "/region/a", "k", "1")
	put(t, src, "/region/a/b", "k", "2")
	put(t, src, "/other", "k", "3")

	var buf bytes.Buffer
	if err := src.LoadState(ctx, P("/region"), &buf); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	nodes, err := store.NewStateReader(bytes.NewReader(buf.Bytes()), "").ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	for _, n := range nodes {
		if !n.Path.IsSelfOrDescendantOf(P("/region")) {
			t.Errorf("LoadState leaked %s", n.Path)
		}
	}

	dst := h.New(t)
	put(t, dst, "/region/old", "k", "x")
	put(t, dst, "/keep", "k", "y")
	if err := dst.StoreState(ctx, P("/region"), &buf); err != nil {
		t.Fatalf("StoreState failed: %v", err)
	}
	AssertExists(t, dst, P("/region/old"), false)
	AssertValue(t, dst, P("/region/a/b"), "k", "2")
	AssertValue(t, dst, P("/keep"), "k", "y")
	AssertExists(t, dst, P("/other"), false)
}

func testConcurrentSamePath(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	path := P("/hot/node")

	const workers = 8
	const rounds = 40
	var wg sync.WaitGroup
	errs := make(chan error, workers*rounds)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				var err error
				switch (w + i) % 4 {
				case 0:
					_, err = s.PutKeyValue(ctx, path, fmt.Sprintf("k%d", w), []byte("v"))
				case 1:
					err = s.RemoveNode(ctx, path)
				case 2:
					_, err = s.Get(ctx, path)
				case 3:
					_, err = s.ChildrenNames(ctx, path.Parent())
				}
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent operation failed: %v", err)
	}

	if ok, _ := s.Exists(ctx, path); ok {
		AssertExists(t, s, path.Parent(), true)
	}
}

func testRestartKeepsData(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	put(t, s, "/persist/me", "k", "v")

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	AssertValue(t, s, P("/persist/me"), "k", "v")
}

func testRejectsAfterStop(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.New(t)
	put(t, s, "/kept", "k", "v")

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := s.PutKeyValue(ctx, P("/late"), "k", []byte("v")); err == nil {
		t.Error("Expected put after stop to fail")
	}
	if err := s.RemoveNode(ctx, P("/kept")); err == nil {
		t.Error("Expected remove after stop to fail")
	}
	if _, err := s.Get(ctx, P("/kept")); err == nil || errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected get after stop to fail, got %v", err)
	}

	if !h.Restartable {
		return
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	AssertValue(t, s, P("/kept"), "k", "v")
	AssertExists(t, s, P("/late"), false)
}
