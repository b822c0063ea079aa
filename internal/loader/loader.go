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

/*
Package loader builds a store chain from configuration.

Layering:
=========

Each configured store is assembled from the inside out:

	backend (registry type) -> async -> singleton -> tracing

	┌──────────────────────────────────────────┐
	│ tracing        (tracing: true)           │
	│  ┌────────────────────────────────────┐  │
	│  │ singleton    (singleton: {...})    │  │
	│  │  ┌──────────────────────────────┐  │  │
	│  │  │ async      (async: {...})    │  │  │
	│  │  │  ┌────────────────────────┐  │  │  │
	│  │  │  │ backend  (type: ...)   │  │  │  │
	│  │  │  └────────────────────────┘  │  │  │
	│  │  └──────────────────────────────┘  │  │
	│  └────────────────────────────────────┘  │
	└──────────────────────────────────────────┘

The singleton coordinator sits outside the write-behind queue so writes
dropped on a non-coordinator never reach the queue. A pushed state drains
the queue before it replaces the backend's contents.

Build returns a Manager that owns the chain and fans coordinator changes
out to every singleton store.
*/
package loader

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"treestore/internal/async"
	"treestore/internal/chain"
	"treestore/internal/config"
	serrors "treestore/internal/errors"
	"treestore/internal/health"
	"treestore/internal/logging"
	"treestore/internal/singleton"
	"treestore/internal/store"
	"treestore/internal/store/bolt"
	"treestore/internal/store/file"
	"treestore/internal/store/memory"
	redisstore "treestore/internal/store/redis"
	"treestore/internal/store/sqlite"
	"treestore/internal/tracing"
)

// DefaultRegistry returns a registry holding every bundled backend.
func DefaultRegistry() *store.Registry {
	r := store.NewRegistry()
	r.Register(memory.TypeName, memory.Factory)
	r.Register(file.TypeName, file.Factory)
	r.Register(bolt.TypeName, bolt.Factory)
	r.Register(sqlite.TypeName, sqlite.Factory)
	r.Register(redisstore.TypeName, redisstore.Factory)
	return r
}

type options struct {
	registry *store.Registry
	tracer   trace.TracerProvider
}

// Option customizes Build.
type Option func(*options)

// WithRegistry builds backends from r instead of DefaultRegistry.
func WithRegistry(r *store.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithTracerProvider sets the provider used by traced stores. The default
// is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// Manager owns a configured chain and its decorators.
type Manager struct {
	chain        *chain.Chain
	backends     map[string]store.Store
	asyncs       map[string]*async.Decorator
	coordinators map[string]*singleton.Coordinator
	order        []string
	logger       *logging.Logger
}

// Build validates cfg, opens every configured backend, wraps it as
// configured and creates the chain. source supplies the in-memory state
// pushed by singleton stores when this node becomes coordinator; it may be
// nil when no store pushes state. The returned chain is created but not
// started.
func Build(ctx context.Context, cfg *config.Config, source singleton.StateSource, opts ...Option) (*Manager, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = DefaultRegistry()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		backends:     make(map[string]store.Store),
		asyncs:       make(map[string]*async.Decorator),
		coordinators: make(map[string]*singleton.Coordinator),
		logger:       logging.NewLogger("loader"),
	}

	entries := make([]chain.Entry, 0, len(cfg.Stores))
	for _, sc := range cfg.Stores {
		s, err := m.build(sc, cfg.EndMarker, source, o)
		if err != nil {
			return nil, err
		}
		entries = append(entries, chain.Entry{
			Name:                 sc.Name,
			Store:                s,
			IgnoreModifications:  sc.IgnoreModifications,
			FetchPersistentState: sc.FetchPersistentState,
			PurgeOnStartup:       sc.PurgeOnStartup,
		})
		m.order = append(m.order, sc.Name)
	}

	m.chain = chain.New(entries...)
	if err := m.chain.Create(ctx); err != nil {
		return nil, err
	}
	m.logger.Info("Chain built", "stores", len(entries), "coordinated", len(m.coordinators))
	return m, nil
}

func (m *Manager) build(sc config.StoreConfig, endMarker string, source singleton.StateSource, o options) (store.Store, error) {
	backend, err := o.registry.Open(sc.Type, store.Options{
		Name:          sc.Name,
		Properties:    sc.Properties,
		Transactional: sc.Transactional,
		EndMarker:     endMarker,
	})
	if err != nil {
		var se *serrors.StoreError
		if errors.As(err, &se) {
			return nil, se.WithDetail("store " + sc.Name)
		}
		return nil, err
	}
	m.backends[sc.Name] = backend
	s := backend

	if a := sc.Async; a != nil {
		d := async.New(sc.Name, s, async.Config{
			QueueSize:         a.QueueSize,
			PollInterval:      a.PollInterval,
			Workers:           a.Workers,
			BatchSize:         a.BatchSize,
			Coalesce:          a.CoalesceEnabled(),
			MaxEnqueueRetries: a.MaxEnqueueRetries,
		})
		m.asyncs[sc.Name] = d
		s = d
	}

	if sg := sc.Singleton; sg != nil {
		scfg := singleton.DefaultConfig()
		scfg.PushStateWhenCoordinator = sg.PushEnabled()
		if sg.PushStateTimeout > 0 {
			scfg.PushStateTimeout = sg.PushStateTimeout
		}
		scfg.EndMarker = endMarker
		if scfg.PushStateWhenCoordinator && source == nil {
			return nil, serrors.MissingRequired("state source").
				WithDetail("store " + sc.Name + " pushes state when coordinator")
		}
		c := singleton.New(sc.Name, s, source, scfg)
		m.coordinators[sc.Name] = c
		s = c
	}

	if sc.Tracing {
		s = tracing.New(sc.Name, s, o.tracer)
	}
	return s, nil
}

// Chain returns the configured chain.
func (m *Manager) Chain() *chain.Chain {
	return m.chain
}

// Backend returns the innermost store of the named entry.
func (m *Manager) Backend(name string) (store.Store, bool) {
	s, ok := m.backends[name]
	return s, ok
}

// Async returns the write-behind decorator of the named entry.
func (m *Manager) Async(name string) (*async.Decorator, bool) {
	d, ok := m.asyncs[name]
	return d, ok
}

// Coordinator returns the singleton coordinator of the named entry.
func (m *Manager) Coordinator(name string) (*singleton.Coordinator, bool) {
	c, ok := m.coordinators[name]
	return c, ok
}

// Coordinators returns the singleton coordinators in chain order.
func (m *Manager) Coordinators() []*singleton.Coordinator {
	out := make([]*singleton.Coordinator, 0, len(m.coordinators))
	for _, name := range m.order {
		if c, ok := m.coordinators[name]; ok {
			out = append(out, c)
		}
	}
	return out
}

// RegisterHealthChecks adds a probe per store, a backlog check per
// write-behind queue and a push check per coordinator.
func (m *Manager) RegisterHealthChecks(c *health.Checker) {
	for _, e := range m.chain.Entries() {
		c.RegisterCheck("store:"+e.Name, health.StoreCheck(e.Store))
	}
	for name, d := range m.asyncs {
		c.RegisterCheck("queue:"+name, health.QueueCheck(d))
	}
	for name, co := range m.coordinators {
		c.RegisterCheck("coordinator:"+name, health.CoordinatorCheck(co))
	}
}

// Start starts the chain.
func (m *Manager) Start(ctx context.Context) error {
	return m.chain.Start(ctx)
}

// Stop stops the chain. Write-behind queues drain first.
func (m *Manager) Stop(ctx context.Context) error {
	return m.chain.Stop(ctx)
}

// Destroy removes every store's persistent data.
func (m *Manager) Destroy(ctx context.Context) error {
	return m.chain.Destroy(ctx)
}

// ActiveStatusChanged tells every singleton store whether this node is now
// the coordinator. The stores react concurrently; the first error is
// returned after all have finished.
func (m *Manager) ActiveStatusChanged(ctx context.Context, isCoordinator bool) error {
	var g errgroup.Group
	for _, c := range m.Coordinators() {
		g.Go(func() error {
			return c.ActiveStatusChanged(ctx, isCoordinator)
		})
	}
	return g.Wait()
}

// Flush waits until every write-behind queue has been replayed.
func (m *Manager) Flush(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range m.order {
		if d, ok := m.asyncs[name]; ok {
			g.Go(func() error { return d.Flush(ctx) })
		}
	}
	return g.Wait()
}
