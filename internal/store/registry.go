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

package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	serrors "treestore/internal/errors"
)

// Options carries the settings a Factory needs to build a backend.
type Options struct {
	// Name identifies the store instance in logs and metrics.
	Name string

	// Properties are backend-specific settings such as a file path or DSN.
	Properties map[string]string

	// Transactional enables two-phase Prepare/Commit/Rollback.
	Transactional bool

	// EndMarker terminates state-transfer streams. Empty means DefaultEndMarker.
	EndMarker string
}

// String returns a property or def when it is unset.
func (o Options) String(key, def string) string {
	if v, ok := o.Properties[key]; ok && v != "" {
		return v
	}
	return def
}

// Require returns a property or a config error when it is unset.
func (o Options) Require(key string) (string, error) {
	v := o.String(key, "")
	if v == "" {
		return "", serrors.MissingRequired(fmt.Sprintf("%s.properties.%s", o.Name, key))
	}
	return v, nil
}

// Int returns an integer property.
func (o Options) Int(key string, def int) (int, error) {
	v := o.String(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, serrors.InvalidValue(key, err.Error())
	}
	return n, nil
}

// Bool returns a boolean property.
func (o Options) Bool(key string, def bool) (bool, error) {
	v := o.String(key, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, serrors.InvalidValue(key, err.Error())
	}
	return b, nil
}

// Duration returns a duration property in Go syntax, e.g. "250ms".
func (o Options) Duration(key string, def time.Duration) (time.Duration, error) {
	v := o.String(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, serrors.InvalidValue(key, err.Error())
	}
	return d, nil
}

// Factory builds an unstarted Store.
type Factory func(opts Options) (Store, error)

// Registry maps backend type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Names are case-insensitive; registering a name
// twice replaces the earlier factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

// Lookup returns the factory registered under name.
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[strings.ToLower(name)]
	return f, ok
}

// Open builds a store of the given type.
func (r *Registry) Open(typ string, opts Options) (Store, error) {
	f, ok := r.Lookup(typ)
	if !ok {
		return nil, serrors.UnknownBackend(typ).
			WithHint(fmt.Sprintf("Known types: %s", strings.Join(r.Names(), ", ")))
	}
	return f(opts)
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
