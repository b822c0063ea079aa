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

package memory

import (
	"bytes"
	"context"
	"testing"

	serrors "treestore/internal/errors"
	"treestore/internal/store"
	"treestore/internal/store/storetest"
)

func newStarted(t *testing.T, transactional bool) store.Store {
	t.Helper()
	s := New(store.Options{Name: "mem", Transactional: transactional})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Destroy(context.Background()) })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, storetest.Harness{
		New:           func(t *testing.T) store.Store { return newStarted(t, true) },
		Transactional: true,
		Restartable:   true,
	})
}

func TestConformanceNonTransactional(t *testing.T) {
	storetest.Run(t, storetest.Harness{
		New: func(t *testing.T) store.Store { return newStarted(t, false) },
	})
}

func TestDestroyDiscardsData(t *testing.T) {
	ctx := context.Background()
	s := New(store.Options{})
	if _, err := s.PutKeyValue(ctx, storetest.P("/a"), "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Destroy(ctx); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if s.Tree().Len() != 1 {
		t.Errorf("Expected only the root after Destroy, got %d nodes", s.Tree().Len())
	}
}

func TestStoppedStoreRefusesOperations(t *testing.T) {
	ctx := context.Background()
	s := New(store.Options{Name: "mem", Transactional: true})
	if _, err := s.PutKeyValue(ctx, storetest.P("/a"), "k", []byte("v")); err != nil {
		t.Fatalf("Put before Start failed: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if _, err := s.PutKeyValue(ctx, storetest.P("/b"), "k", []byte("v")); !serrors.IsIOError(err) {
		t.Errorf("Expected put after stop to fail, got %v", err)
	}
	if _, err := s.Exists(ctx, storetest.P("/a")); !serrors.IsIOError(err) {
		t.Errorf("Expected exists after stop to fail, got %v", err)
	}
	if err := s.Prepare(ctx, store.NewToken(), nil, false); !serrors.IsIOError(err) {
		t.Errorf("Expected prepare after stop to fail, got %v", err)
	}
	var buf bytes.Buffer
	if err := s.LoadEntireState(ctx, &buf); !serrors.IsIOError(err) {
		t.Errorf("Expected state export after stop to fail, got %v", err)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	storetest.AssertValue(t, s, storetest.P("/a"), "k", "v")
	storetest.AssertExists(t, s, storetest.P("/b"), false)
}

func TestPreviousValueIsDetached(t *testing.T) {
	tree := NewTree()
	p := storetest.P("/a")
	value := []byte("one")
	tree.PutKeyValue(p, "k", value)
	value[0] = 'X'

	prev := tree.PutKeyValue(p, "k", []byte("two"))
	if string(prev) != "one" {
		t.Errorf("Stored value must be copied on write, got %q", prev)
	}
}
