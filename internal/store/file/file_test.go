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

package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	serrors "treestore/internal/errors"
	"treestore/internal/nodepath"
	"treestore/internal/store"
	"treestore/internal/store/storetest"
)

func openStore(t *testing.T, dir string, cfg Config, transactional bool) *Store {
	t.Helper()
	cfg.Dir = dir
	s := New("file-test", cfg, store.Options{Transactional: transactional})
	ctx := context.Background()
	if err := s.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return s
}

// crash closes the log without writing a snapshot.
func crash(t *testing.T, s *Store) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.log.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	s.log = nil
}

func TestConformance(t *testing.T) {
	for _, transactional := range []bool{false, true} {
		transactional := transactional
		name := "plain"
		if transactional {
			name = "transactional"
		}
		t.Run(name, func(t *testing.T) {
			storetest.Run(t, storetest.Harness{
				New: func(t *testing.T) store.Store {
					s := openStore(t, t.TempDir(), Config{}, transactional)
					t.Cleanup(func() { _ = s.Destroy(context.Background()) })
					return s
				},
				Transactional: transactional,
				Restartable:   true,
			})
		})
	}
}

func TestRecoversFromLogAfterCrash(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openStore(t, dir, Config{SyncWrites: true}, false)

	if _, err := s.PutKeyValue(ctx, nodepath.New("a", "b"), "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	mods := []store.Modification{
		store.PutData(nodepath.New("c"), map[string][]byte{"x": []byte("1")}),
		store.RemoveNode(nodepath.New("a", "b")),
	}
	if err := s.Apply(ctx, mods); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	crash(t, s)

	if _, err := os.Stat(filepath.Join(dir, snapshotFileName)); !os.IsNotExist(err) {
		t.Fatalf("No snapshot expected before a clean stop, stat err=%v", err)
	}

	reopened := openStore(t, dir, Config{}, false)
	defer reopened.Destroy(ctx)
	storetest.AssertExists(t, reopened, nodepath.New("a"), true)
	storetest.AssertExists(t, reopened, nodepath.New("a", "b"), false)
	storetest.AssertValue(t, reopened, nodepath.New("c"), "x", "1")
}

func TestTornRecordIsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.log")
	log, err := OpenLog(path)
	if err != nil {
		t.Fatalf("OpenLog failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := log.Append([]store.Modification{store.PutKeyValue(nodepath.New("n"), "k", []byte("v"))}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	good, _ := log.Size()
	log.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	f.Write([]byte{recordModifications, 0, 0, 0, 40, 1, 2})
	f.Close()

	log, err = OpenLog(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer log.Close()
	count, err := log.Replay(func([]store.Modification) error { return nil })
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 records, got %d", count)
	}
	if size, _ := log.Size(); size != good {
		t.Errorf("Expected log truncated to %d bytes, got %d", good, size)
	}
}

func TestChecksumMismatchIsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.log")
	log, err := OpenLog(path)
	if err != nil {
		t.Fatalf("OpenLog failed: %v", err)
	}
	if err := log.Append([]store.Modification{store.PutKeyValue(nodepath.New("n"), "k", []byte("value"))}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	size, _ := log.Size()
	log.Close()

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	f.WriteAt([]byte{0xFF}, size-1)
	f.Close()

	log, err = OpenLog(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer log.Close()
	if _, err := log.Replay(func([]store.Modification) error { return nil }); serrors.GetCode(err) != serrors.ErrCodeCorruptLog {
		t.Errorf("Expected corrupt log error, got %v", err)
	}
}

func TestRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreign.log")
	if err := os.WriteFile(path, []byte("not a log file"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := OpenLog(path); serrors.GetCode(err) != serrors.ErrCodeCorruptLog {
		t.Errorf("Expected corrupt log error, got %v", err)
	}
}

func TestCompactionThreshold(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openStore(t, dir, Config{CompactThreshold: 256}, false)
	defer s.Destroy(ctx)

	for i := 0; i < 20; i++ {
		if _, err := s.PutKeyValue(ctx, nodepath.New("c"), "k", []byte("some value to fill the log")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, snapshotFileName)); err != nil {
		t.Fatalf("Expected a snapshot after crossing the threshold: %v", err)
	}
	if size, _ := s.log.Size(); size >= 256 {
		t.Errorf("Expected the log to be reset, size %d", size)
	}

	crash(t, s)
	reopened := openStore(t, dir, Config{}, false)
	storetest.AssertValue(t, reopened, nodepath.New("c"), "k", "some value to fill the log")
}

func TestStoppedStoreIsUnavailable(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir(), Config{}, false)
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := s.Get(ctx, nodepath.Root); !serrors.IsIOError(err) {
		t.Errorf("Expected backend unavailable, got %v", err)
	}
	if err := s.PutData(ctx, nodepath.New("x"), nil); !serrors.IsIOError(err) {
		t.Errorf("Expected backend unavailable, got %v", err)
	}
}

func TestDestroyRemovesFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openStore(t, dir, Config{}, false)
	if _, err := s.PutKeyValue(ctx, nodepath.New("x"), "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Destroy(ctx); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	for _, name := range []string{logFileName, snapshotFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s should be removed, stat err=%v", name, err)
		}
	}

	fresh := openStore(t, dir, Config{}, false)
	defer fresh.Destroy(ctx)
	storetest.AssertExists(t, fresh, nodepath.New("x"), false)
}

func TestFactoryRequiresPath(t *testing.T) {
	if _, err := Factory(store.Options{}); !serrors.IsConfigError(err) {
		t.Errorf("Expected config error, got %v", err)
	}
	s, err := Factory(store.Options{Properties: map[string]string{"path": t.TempDir(), "sync": "true"}})
	if err != nil {
		t.Fatalf("Factory failed: %v", err)
	}
	if !s.(*Store).config.SyncWrites {
		t.Error("Expected sync writes to be enabled")
	}
}
