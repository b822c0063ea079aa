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
Package tracing wraps a store.Store so every operation runs inside an
OpenTelemetry span.

Span Layout:
============

Each call opens one span named "treestore.<operation>" with attributes:

	treestore.store      name of the wrapped store
	treestore.path       node path, for path-scoped operations
	treestore.key        attribute key, for key/value operations
	treestore.mods       number of modifications, for Apply and Prepare
	treestore.token      transaction token, for two-phase operations
	treestore.found      outcome of Get and Exists

A returned error is recorded on the span and sets its status to Error.
store.ErrNotFound is an answer, not a failure, and leaves the status unset.

Setup installs a global tracer provider exporting over OTLP/HTTP.
*/
package tracing

import (
	"context"
	"errors"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"treestore/internal/config"
	"treestore/internal/nodepath"
	"treestore/internal/store"
)

// InstrumentationName identifies spans produced by this package.
const InstrumentationName = "treestore/internal/tracing"

// Setup installs a global tracer provider for the configured endpoint.
// With no endpoint it installs nothing and returns a no-op shutdown. The
// returned shutdown flushes pending spans and should be deferred.
func Setup(ctx context.Context, cfg config.TracingConfig) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return noop, err
	}

	name := cfg.ServiceName
	if name == "" {
		name = "treestore"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

// Store is a tracing decorator. It implements store.Store.
type Store struct {
	inner  store.Store
	name   string
	tracer trace.Tracer
}

// New wraps inner. A nil provider means the global one.
func New(name string, inner store.Store, tp trace.TracerProvider) *Store {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Store{
		inner:  inner,
		name:   name,
		tracer: tp.Tracer(InstrumentationName),
	}
}

// Inner returns the wrapped store.
func (s *Store) Inner() store.Store {
	return s.inner
}

func (s *Store) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("treestore.store", s.name))
	return s.tracer.Start(ctx, "treestore."+op, trace.WithAttributes(attrs...))
}

func end(span trace.Span, err error) {
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func pathAttr(p nodepath.Path) attribute.KeyValue {
	return attribute.String("treestore.path", p.String())
}

func keyAttr(key string) attribute.KeyValue {
	return attribute.String("treestore.key", key)
}

func modsAttr(mods []store.Modification) attribute.KeyValue {
	return attribute.Int("treestore.mods", len(mods))
}

func tokenAttr(tok store.Token) attribute.KeyValue {
	return attribute.String("treestore.token", tok.String())
}

// ============================================================================
// Lifecycle
// ============================================================================

func (s *Store) Create(ctx context.Context) (err error) {
	ctx, span := s.start(ctx, "create")
	defer func() { end(span, err) }()
	return s.inner.Create(ctx)
}

func (s *Store) Start(ctx context.Context) (err error) {
	ctx, span := s.start(ctx, "start")
	defer func() { end(span, err) }()
	return s.inner.Start(ctx)
}

func (s *Store) Stop(ctx context.Context) (err error) {
	ctx, span := s.start(ctx, "stop")
	defer func() { end(span, err) }()
	return s.inner.Stop(ctx)
}

func (s *Store) Destroy(ctx context.Context) (err error) {
	ctx, span := s.start(ctx, "destroy")
	defer func() { end(span, err) }()
	return s.inner.Destroy(ctx)
}

// ============================================================================
// Reads
// ============================================================================

func (s *Store) Get(ctx context.Context, p nodepath.Path) (data map[string][]byte, err error) {
	ctx, span := s.start(ctx, "get", pathAttr(p))
	defer func() {
		span.SetAttributes(attribute.Bool("treestore.found", err == nil))
		end(span, err)
	}()
	return s.inner.Get(ctx, p)
}

func (s *Store) Exists(ctx context.Context, p nodepath.Path) (ok bool, err error) {
	ctx, span := s.start(ctx, "exists", pathAttr(p))
	defer func() {
		span.SetAttributes(attribute.Bool("treestore.found", ok))
		end(span, err)
	}()
	return s.inner.Exists(ctx, p)
}

func (s *Store) ChildrenNames(ctx context.Context, p nodepath.Path) (names []string, err error) {
	ctx, span := s.start(ctx, "children", pathAttr(p))
	defer func() {
		span.SetAttributes(attribute.Int("treestore.children", len(names)))
		end(span, err)
	}()
	return s.inner.ChildrenNames(ctx, p)
}

// ============================================================================
// Writes
// ============================================================================

func (s *Store) PutKeyValue(ctx context.Context, p nodepath.Path, key string, value []byte) (prev []byte, err error) {
	ctx, span := s.start(ctx, "put_key_value", pathAttr(p), keyAttr(key))
	defer func() { end(span, err) }()
	return s.inner.PutKeyValue(ctx, p, key, value)
}

func (s *Store) PutData(ctx context.Context, p nodepath.Path, data map[string][]byte) (err error) {
	ctx, span := s.start(ctx, "put_data", pathAttr(p), attribute.Int("treestore.keys", len(data)))
	defer func() { end(span, err) }()
	return s.inner.PutData(ctx, p, data)
}

func (s *Store) RemoveKeyValue(ctx context.Context, p nodepath.Path, key string) (prev []byte, err error) {
	ctx, span := s.start(ctx, "remove_key_value", pathAttr(p), keyAttr(key))
	defer func() { end(span, err) }()
	return s.inner.RemoveKeyValue(ctx, p, key)
}

func (s *Store) RemoveData(ctx context.Context, p nodepath.Path) (err error) {
	ctx, span := s.start(ctx, "remove_data", pathAttr(p))
	defer func() { end(span, err) }()
	return s.inner.RemoveData(ctx, p)
}

func (s *Store) RemoveNode(ctx context.Context, p nodepath.Path) (err error) {
	ctx, span := s.start(ctx, "remove_node", pathAttr(p))
	defer func() { end(span, err) }()
	return s.inner.RemoveNode(ctx, p)
}

func (s *Store) Apply(ctx context.Context, mods []store.Modification) (err error) {
	ctx, span := s.start(ctx, "apply", modsAttr(mods))
	defer func() { end(span, err) }()
	return s.inner.Apply(ctx, mods)
}

// ============================================================================
// Two-phase
// ============================================================================

func (s *Store) Prepare(ctx context.Context, tok store.Token, mods []store.Modification, onePhase bool) (err error) {
	ctx, span := s.start(ctx, "prepare", tokenAttr(tok), modsAttr(mods),
		attribute.Bool("treestore.one_phase", onePhase))
	defer func() { end(span, err) }()
	return s.inner.Prepare(ctx, tok, mods, onePhase)
}

func (s *Store) Commit(ctx context.Context, tok store.Token) (err error) {
	ctx, span := s.start(ctx, "commit", tokenAttr(tok))
	defer func() { end(span, err) }()
	return s.inner.Commit(ctx, tok)
}

func (s *Store) Rollback(ctx context.Context, tok store.Token) (err error) {
	ctx, span := s.start(ctx, "rollback", tokenAttr(tok))
	defer func() { end(span, err) }()
	return s.inner.Rollback(ctx, tok)
}

// ============================================================================
// State transfer
// ============================================================================

func (s *Store) LoadEntireState(ctx context.Context, w io.Writer) (err error) {
	ctx, span := s.start(ctx, "load_entire_state")
	defer func() { end(span, err) }()
	return s.inner.LoadEntireState(ctx, w)
}

func (s *Store) StoreEntireState(ctx context.Context, r io.Reader) (err error) {
	ctx, span := s.start(ctx, "store_entire_state")
	defer func() { end(span, err) }()
	return s.inner.StoreEntireState(ctx, r)
}

func (s *Store) LoadState(ctx context.Context, p nodepath.Path, w io.Writer) (err error) {
	ctx, span := s.start(ctx, "load_state", pathAttr(p))
	defer func() { end(span, err) }()
	return s.inner.LoadState(ctx, p, w)
}

func (s *Store) StoreState(ctx context.Context, p nodepath.Path, r io.Reader) (err error) {
	ctx, span := s.start(ctx, "store_state", pathAttr(p))
	defer func() { end(span, err) }()
	return s.inner.StoreState(ctx, p, r)
}
