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

// Package memory provides a volatile Store backed by an in-memory tree.
// It is used for tests, as a fast first entry in a chain and as the
// in-memory snapshot source when a node becomes coordinator.
package memory

import (
	"context"
	"io"
	"sync/atomic"

	serrors "treestore/internal/errors"
	"treestore/internal/logging"
	"treestore/internal/nodepath"
	"treestore/internal/store"
)

// TypeName is the registry name of this backend.
const TypeName = "memory"

// Store is a volatile store. It is usable as soon as it is built. Stop
// keeps the data but refuses every operation until the next Start;
// Destroy discards the data.
type Store struct {
	*store.TwoPhase
	*store.Snapshotter

	name    string
	tree    *Tree
	stopped atomic.Bool
	logger  *logging.Logger
}

// New returns an empty memory store.
func New(opts store.Options) *Store {
	name := opts.Name
	if name == "" {
		name = TypeName
	}
	s := &Store{
		name:   name,
		tree:   NewTree(),
		logger: logging.NewLogger("memory"),
	}
	s.TwoPhase = &store.TwoPhase{Name: name, Transactional: opts.Transactional, Apply: s.Apply}
	s.Snapshotter = &store.Snapshotter{Marker: opts.EndMarker, Walk: s.walk, Apply: s.Apply}
	return s
}

// Factory builds memory stores for the registry.
func Factory(opts store.Options) (store.Store, error) {
	return New(opts), nil
}

// Tree exposes the underlying tree.
func (s *Store) Tree() *Tree {
	return s.tree
}

func (s *Store) Create(context.Context) error { return nil }

func (s *Store) Start(context.Context) error {
	s.stopped.Store(false)
	s.logger.Debug("Store started", "store", s.name, "nodes", s.tree.Len())
	return nil
}

func (s *Store) Stop(context.Context) error {
	s.stopped.Store(true)
	return nil
}

func (s *Store) checkOpen() error {
	if s.stopped.Load() {
		return serrors.BackendUnavailable(s.name)
	}
	return nil
}

func (s *Store) Destroy(context.Context) error {
	s.tree.Reset()
	s.TwoPhase.Reset()
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

func (s *Store) PutKeyValue(_ context.Context, p nodepath.Path, key string, value []byte) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.tree.PutKeyValue(p, key, value), nil
}

func (s *Store) PutData(_ context.Context, p nodepath.Path, data map[string][]byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.tree.PutData(p, data)
	return nil
}

func (s *Store) RemoveKeyValue(_ context.Context, p nodepath.Path, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.tree.RemoveKeyValue(p, key), nil
}

func (s *Store) RemoveData(_ context.Context, p nodepath.Path) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.tree.RemoveData(p)
	return nil
}

func (s *Store) RemoveNode(_ context.Context, p nodepath.Path) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.tree.RemoveNode(p)
	return nil
}

func (s *Store) Apply(_ context.Context, mods []store.Modification) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.tree.Apply(mods)
}

func (s *Store) Prepare(ctx context.Context, tok store.Token, mods []store.Modification, onePhase bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.TwoPhase.Prepare(ctx, tok, mods, onePhase)
}

func (s *Store) Commit(ctx context.Context, tok store.Token) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.TwoPhase.Commit(ctx, tok)
}

func (s *Store) Rollback(ctx context.Context, tok store.Token) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.TwoPhase.Rollback(ctx, tok)
}

func (s *Store) StoreEntireState(ctx context.Context, r io.Reader) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.Snapshotter.StoreEntireState(ctx, r)
}

func (s *Store) StoreState(ctx context.Context, p nodepath.Path, r io.Reader) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.Snapshotter.StoreState(ctx, p, r)
}

func (s *Store) walk(_ context.Context, root nodepath.Path, fn func(store.Node) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.tree.Walk(root, fn)
}
