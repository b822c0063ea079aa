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
	"errors"
	"sync"

	serrors "treestore/internal/errors"
	"treestore/internal/logging"
	"treestore/internal/nodepath"
	"treestore/internal/store"
)

// Store implements store.Store on top of an Engine.
type Store struct {
	*store.TwoPhase
	*store.Snapshotter

	name   string
	engine Engine
	logger *logging.Logger

	mu   sync.RWMutex // guards open
	open bool
}

// New returns a store over engine. The engine is opened by Start.
func New(name string, engine Engine, opts store.Options) *Store {
	s := &Store{
		name:   name,
		engine: engine,
		logger: logging.NewLogger("kv"),
	}
	s.TwoPhase = &store.TwoPhase{Name: name, Transactional: opts.Transactional, Apply: s.Apply}
	s.Snapshotter = &store.Snapshotter{Marker: opts.EndMarker, Walk: s.walk, Apply: s.Apply}
	return s
}

// Engine returns the underlying engine.
func (s *Store) Engine() Engine {
	return s.engine
}

func (s *Store) Create(context.Context) error { return nil }

func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}
	if err := s.engine.Open(ctx); err != nil {
		return wrap("open", err)
	}
	s.open = true
	s.logger.Info("Store opened", "store", s.name)
	return nil
}

func (s *Store) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	return wrap("close", s.engine.Close())
}

// Destroy closes the engine and drops every key.
func (s *Store) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.TwoPhase.Reset()
	if err := s.engine.Drop(ctx); err != nil {
		return wrap("drop", err)
	}
	s.logger.Info("Store destroyed", "store", s.name)
	return nil
}

func (s *Store) view(ctx context.Context, op string, fn func(tree) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return serrors.BackendUnavailable(s.name)
	}
	return wrap(op, s.engine.View(ctx, func(tx Txn) error { return fn(tree{tx}) }))
}

func (s *Store) update(ctx context.Context, op string, fn func(tree) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return serrors.BackendUnavailable(s.name)
	}
	return wrap(op, s.engine.Update(ctx, func(tx Txn) error { return fn(tree{tx}) }))
}

// wrap turns engine failures into I/O errors and passes store errors and
// context errors through.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *serrors.StoreError
	if errors.As(err, &se) || errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return serrors.IOFailure(op, err)
}

// ============================================================================
// Reads
// ============================================================================

func (s *Store) Get(ctx context.Context, p nodepath.Path) (map[string][]byte, error) {
	var data map[string][]byte
	err := s.view(ctx, "get", func(t tree) error {
		d, ok, err := t.get(p)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
		data = d
		return nil
	})
	return data, err
}

func (s *Store) Exists(ctx context.Context, p nodepath.Path) (bool, error) {
	var found bool
	err := s.view(ctx, "exists", func(t tree) error {
		_, ok, err := t.get(p)
		found = ok
		return err
	})
	return found, err
}

func (s *Store) ChildrenNames(ctx context.Context, p nodepath.Path) ([]string, error) {
	var names []string
	err := s.view(ctx, "children", func(t tree) error {
		n, ok, err := t.children(p)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
		names = n
		return nil
	})
	return names, err
}

func (s *Store) walk(ctx context.Context, root nodepath.Path, fn func(store.Node) error) error {
	var nodes []store.Node
	err := s.view(ctx, "walk", func(t tree) error {
		return t.walk(root, func(n store.Node) error {
			nodes = append(nodes, n)
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Writes
// ============================================================================

func (s *Store) PutKeyValue(ctx context.Context, p nodepath.Path, key string, value []byte) ([]byte, error) {
	var prev []byte
	err := s.update(ctx, "put", func(t tree) error {
		var err error
		prev, err = t.putKeyValue(p, key, value)
		return err
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *Store) PutData(ctx context.Context, p nodepath.Path, data map[string][]byte) error {
	return s.update(ctx, "put_data", func(t tree) error { return t.putData(p, data) })
}

func (s *Store) RemoveKeyValue(ctx context.Context, p nodepath.Path, key string) ([]byte, error) {
	var prev []byte
	err := s.update(ctx, "remove", func(t tree) error {
		var err error
		prev, err = t.removeKeyValue(p, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *Store) RemoveData(ctx context.Context, p nodepath.Path) error {
	return s.update(ctx, "remove_data", func(t tree) error { return t.removeData(p) })
}

func (s *Store) RemoveNode(ctx context.Context, p nodepath.Path) error {
	return s.update(ctx, "remove_node", func(t tree) error { return t.removeNode(p) })
}

// Apply applies mods in one engine transaction.
func (s *Store) Apply(ctx context.Context, mods []store.Modification) error {
	if err := store.ValidateAll(mods); err != nil {
		return err
	}
	return s.update(ctx, "apply", func(t tree) error {
		for _, m := range mods {
			if err := t.apply(m); err != nil {
				return err
			}
		}
		return nil
	})
}

var _ store.Store = (*Store)(nil)
