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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	serrors "treestore/internal/errors"
	"treestore/internal/nodepath"
	"treestore/internal/store"
	"treestore/internal/store/kv"
	"treestore/internal/store/storetest"
)

func openStore(t *testing.T, path string, transactional bool) store.Store {
	t.Helper()
	s := kv.New("sqlite-test", NewEngine(path), store.Options{Transactional: transactional})
	ctx := context.Background()
	if err := s.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, storetest.Harness{
		New: func(t *testing.T) store.Store {
			s := openStore(t, filepath.Join(t.TempDir(), "tree.sqlite"), true)
			t.Cleanup(func() { _ = s.Destroy(context.Background()) })
			return s
		},
		Transactional: true,
		Restartable:   true,
	})
}

func TestInMemoryDatabase(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, ":memory:", false)
	defer s.Destroy(ctx)

	if _, err := s.PutKeyValue(ctx, nodepath.New("m"), "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	storetest.AssertValue(t, s, nodepath.New("m"), "k", "v")
}

func TestSubtreeRemovalUsesRange(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tree.sqlite")
	s := openStore(t, path, false)
	defer s.Destroy(ctx)

	for _, p := range []string{"/r/a", "/r/a/b", "/r/a/b/c", "/r/ab", "/r/a-b"} {
		if _, err := s.PutKeyValue(ctx, nodepath.Parse(p), "k", []byte("v")); err != nil {
			t.Fatalf("Put %s failed: %v", p, err)
		}
	}
	if err := s.RemoveNode(ctx, nodepath.Parse("/r/a")); err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}
	storetest.AssertExists(t, s, nodepath.Parse("/r/a/b/c"), false)
	storetest.AssertExists(t, s, nodepath.Parse("/r/ab"), true)
	storetest.AssertExists(t, s, nodepath.Parse("/r/a-b"), true)
}

func TestFactoryRequiresPath(t *testing.T) {
	if _, err := Factory(store.Options{}); !serrors.IsConfigError(err) {
		t.Errorf("Expected config error, got %v", err)
	}
}
