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

// Package file provides a durable store that keeps the tree in memory and
// persists it as a snapshot plus a modification log in one directory.
package file

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	serrors "treestore/internal/errors"
	"treestore/internal/logging"
	"treestore/internal/nodepath"
	"treestore/internal/store"
	"treestore/internal/store/memory"
)

// TypeName is the registry name of this backend.
const TypeName = "file"

const (
	logFileName      = "treestore.log"
	snapshotFileName = "treestore.snap"

	defaultCompactThreshold = 64 << 20
)

// Config holds the file backend settings.
type Config struct {
	// Dir holds the snapshot and the log.
	Dir string

	// SyncWrites calls fsync after every logged write.
	SyncWrites bool

	// CompactThreshold is the log size in bytes that triggers a snapshot.
	// Zero uses the default, a negative value disables it.
	CompactThreshold int64
}

// Store is a durable store backed by a snapshot file and a log.
type Store struct {
	*store.TwoPhase
	*store.Snapshotter

	name   string
	config Config
	logger *logging.Logger

	mu   sync.RWMutex // serializes log appends with tree updates; guards log
	tree *memory.Tree
	log  *Log
}

// New returns a file store writing below cfg.Dir.
func New(name string, cfg Config, opts store.Options) *Store {
	if cfg.CompactThreshold == 0 {
		cfg.CompactThreshold = defaultCompactThreshold
	}
	s := &Store{
		name:   name,
		config: cfg,
		logger: logging.NewLogger("file"),
		tree:   memory.NewTree(),
	}
	s.TwoPhase = &store.TwoPhase{Name: name, Transactional: opts.Transactional, Apply: s.Apply}
	s.Snapshotter = &store.Snapshotter{Marker: opts.EndMarker, Walk: s.walk, Apply: s.Apply}
	return s
}

// Factory builds file stores from registry options. It requires the
// "path" property.
func Factory(opts store.Options) (store.Store, error) {
	dir, err := opts.Require("path")
	if err != nil {
		return nil, err
	}
	syncWrites, err := opts.Bool("sync", false)
	if err != nil {
		return nil, err
	}
	threshold, err := opts.Int("compact_threshold", defaultCompactThreshold)
	if err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = TypeName
	}
	return New(name, Config{Dir: dir, SyncWrites: syncWrites, CompactThreshold: int64(threshold)}, opts), nil
}

func (s *Store) logPath() string      { return filepath.Join(s.config.Dir, logFileName) }
func (s *Store) snapshotPath() string { return filepath.Join(s.config.Dir, snapshotFileName) }

// ============================================================================
// Lifecycle
// ============================================================================

func (s *Store) Create(context.Context) error {
	if err := os.MkdirAll(s.config.Dir, 0o755); err != nil {
		return serrors.IOFailure("create store directory", err).WithDetail(s.config.Dir)
	}
	return nil
}

// Start loads the snapshot and replays the log.
func (s *Store) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log != nil {
		return nil
	}

	s.tree.Reset()
	nodes, err := s.loadSnapshot()
	if err != nil {
		return err
	}

	log, err := OpenLog(s.logPath())
	if err != nil {
		return err
	}
	records, err := log.Replay(s.tree.Apply)
	if err != nil {
		log.Close()
		s.tree.Reset()
		return err
	}

	s.log = log
	s.logger.Info("Store opened",
		"store", s.name,
		"dir", s.config.Dir,
		"snapshot_nodes", nodes,
		"log_records", records)
	return nil
}

func (s *Store) loadSnapshot() (int, error) {
	f, err := os.Open(s.snapshotPath())
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, serrors.IOFailure("open snapshot", err)
	}
	defer f.Close()

	nodes, err := store.NewStateReader(bufio.NewReader(f), "").ReadAll()
	if err != nil {
		return 0, err
	}
	if err := s.tree.Apply(store.ImportModifications(nodepath.Root, nodes)); err != nil {
		return 0, err
	}
	return len(nodes), nil
}

// Stop writes a fresh snapshot, empties the log and closes it.
func (s *Store) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		return nil
	}
	err := s.compact()
	if cerr := s.log.Close(); err == nil && cerr != nil {
		err = serrors.IOFailure("close log", cerr)
	}
	s.log = nil
	return err
}

// Destroy closes the store and removes its files.
func (s *Store) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.log != nil {
		s.log.Close()
		s.log = nil
	}
	s.mu.Unlock()

	s.tree.Reset()
	s.TwoPhase.Reset()
	var errs []error
	for _, p := range []string{s.logPath(), s.snapshotPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, serrors.IOFailure("remove", err).WithDetail(p))
		}
	}
	return errors.Join(errs...)
}

// compact writes the tree to a new snapshot and resets the log. The
// caller holds s.mu.
func (s *Store) compact() error {
	tmp := s.snapshotPath() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return serrors.IOFailure("create snapshot", err)
	}

	bw := bufio.NewWriter(f)
	sw := store.NewStateWriter(bw, "")
	err = s.tree.Walk(nodepath.Root, sw.WriteNode)
	if err == nil {
		err = sw.Close()
	}
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return serrors.IOFailure("write snapshot", err)
	}
	if err := os.Rename(tmp, s.snapshotPath()); err != nil {
		return serrors.IOFailure("install snapshot", err)
	}

	s.logger.Debug("Snapshot written", "store", s.name, "nodes", sw.Count())
	return s.log.Reset()
}

// Compact writes a snapshot now.
func (s *Store) Compact(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		return serrors.BackendUnavailable(s.name)
	}
	return s.compact()
}

// ============================================================================
// Reads
// ============================================================================

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.log == nil {
		return serrors.BackendUnavailable(s.name)
	}
	return nil
}

func (s *Store) Get(_ context.Context, p nodepath.Path) (map[string][]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	data, ok := s.tree.Get(p)
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (s *Store) Exists(_ context.Context, p nodepath.Path) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.tree.Exists(p), nil
}

func (s *Store) ChildrenNames(_ context.Context, p nodepath.Path) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	names, ok := s.tree.Children(p)
	if !ok {
		return nil, store.ErrNotFound
	}
	return names, nil
}

func (s *Store) walk(_ context.Context, root nodepath.Path, fn func(store.Node) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.tree.Walk(root, fn)
}

// ============================================================================
// Writes
// ============================================================================

// write logs mods, then runs apply against the tree.
func (s *Store) write(mods []store.Modification, apply func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		return serrors.BackendUnavailable(s.name)
	}
	if err := s.log.Append(mods); err != nil {
		return err
	}
	if s.config.SyncWrites {
		if err := s.log.Sync(); err != nil {
			return serrors.IOFailure("sync log", err)
		}
	}
	apply()

	if s.config.CompactThreshold > 0 {
		if size, err := s.log.Size(); err == nil && size >= s.config.CompactThreshold {
			if err := s.compact(); err != nil {
				s.logger.Warn("Compaction failed", "store", s.name, "error", err)
			}
		}
	}
	return nil
}

func (s *Store) PutKeyValue(_ context.Context, p nodepath.Path, key string, value []byte) ([]byte, error) {
	var prev []byte
	err := s.write([]store.Modification{store.PutKeyValue(p, key, value)}, func() {
		prev = s.tree.PutKeyValue(p, key, value)
	})
	return prev, err
}

func (s *Store) PutData(_ context.Context, p nodepath.Path, data map[string][]byte) error {
	return s.write([]store.Modification{store.PutData(p, data)}, func() {
		s.tree.PutData(p, data)
	})
}

func (s *Store) RemoveKeyValue(_ context.Context, p nodepath.Path, key string) ([]byte, error) {
	var prev []byte
	err := s.write([]store.Modification{store.RemoveKeyValue(p, key)}, func() {
		prev = s.tree.RemoveKeyValue(p, key)
	})
	return prev, err
}

func (s *Store) RemoveData(_ context.Context, p nodepath.Path) error {
	return s.write([]store.Modification{store.RemoveData(p)}, func() {
		s.tree.RemoveData(p)
	})
}

func (s *Store) RemoveNode(_ context.Context, p nodepath.Path) error {
	return s.write([]store.Modification{store.RemoveNode(p)}, func() {
		s.tree.RemoveNode(p)
	})
}

// Apply logs mods as one record and applies them in order.
func (s *Store) Apply(_ context.Context, mods []store.Modification) error {
	if err := store.ValidateAll(mods); err != nil {
		return err
	}
	if len(mods) == 0 {
		return s.checkOpen()
	}
	return s.write(mods, func() {
		_ = s.tree.Apply(mods)
	})
}

var _ store.Store = (*Store)(nil)
