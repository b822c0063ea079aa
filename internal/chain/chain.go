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
Package chain composes an ordered list of stores into one logical store.

Read and Write Precedence
=========================

	            ┌─────────┐   ┌─────────┐   ┌──────────────┐
	Get ──────▶ │ entry 0 │──▶│ entry 1 │──▶│ entry 2 (ro) │   first hit wins
	            └─────────┘   └─────────┘   └──────────────┘
	               ▲             ▲
	Put ───────────┴─────────────┘                            every writable entry

Reads query entries strictly in order and stop at the first one that
holds the node. A read error other than store.ErrNotFound is returned
immediately.

Writes go to every entry that is not flagged IgnoreModifications, in
order. Every entry is attempted even when an earlier one fails; the
failures are joined and returned. Entries that succeeded are not
compensated, so callers that need all-or-nothing behavior across
backends should keep a single writable entry.

State transfer addresses one entry. Exports read from the first entry
flagged FetchPersistentState, or else the first writable entry. Imports
only ever target a writable entry: the flagged one when it is writable,
otherwise the first writable entry.
*/
package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	serrors "treestore/internal/errors"
	"treestore/internal/logging"
	"treestore/internal/metrics"
	"treestore/internal/nodepath"
	"treestore/internal/store"
)

// Entry is one store in a chain.
type Entry struct {
	// Name identifies the entry in logs, metrics and errors.
	Name string

	Store store.Store

	// IgnoreModifications makes the entry read-only for the chain.
	IgnoreModifications bool

	// FetchPersistentState marks the entry used for state transfer.
	FetchPersistentState bool

	// PurgeOnStartup clears the entry right after it starts.
	PurgeOnStartup bool
}

// Chain is an ordered composition of stores. It implements store.Store.
type Chain struct {
	entries []Entry
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New returns a chain over entries. Unnamed entries are named by position.
func New(entries ...Entry) *Chain {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	for i := range cp {
		if cp[i].Name == "" {
			cp[i].Name = fmt.Sprintf("store-%d", i)
		}
	}
	return &Chain{
		entries: cp,
		logger:  logging.NewLogger("chain"),
		metrics: metrics.Get(),
	}
}

// Entries returns a copy of the chain's entries.
func (c *Chain) Entries() []Entry {
	cp := make([]Entry, len(c.entries))
	copy(cp, c.entries)
	return cp
}

// Len returns the number of entries.
func (c *Chain) Len() int {
	return len(c.entries)
}

// Entry returns the entry with the given name.
func (c *Chain) Entry(name string) (Entry, bool) {
	for _, e := range c.entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// ============================================================================
// Lifecycle
// ============================================================================

// Create creates every entry in order.
func (c *Chain) Create(ctx context.Context) error {
	for _, e := range c.entries {
		if err := e.Store.Create(ctx); err != nil {
			return fmt.Errorf("%s: %w", e.Name, err)
		}
	}
	return nil
}

// Start starts every entry in order and purges those flagged
// PurgeOnStartup. If an entry fails to start, the entries already started
// are stopped again in reverse order.
func (c *Chain) Start(ctx context.Context) error {
	for i, e := range c.entries {
		if err := e.Store.Start(ctx); err != nil {
			c.stopFrom(ctx, i-1)
			return fmt.Errorf("%s: %w", e.Name, err)
		}
		if e.PurgeOnStartup {
			c.logger.Info("Purging store on startup", "store", e.Name)
			if err := e.Store.RemoveNode(ctx, nodepath.Root); err != nil {
				c.stopFrom(ctx, i)
				return fmt.Errorf("%s: purge: %w", e.Name, err)
			}
		}
	}
	c.logger.Info("Store chain started", "entries", len(c.entries))
	return nil
}

func (c *Chain) stopFrom(ctx context.Context, last int) {
	for i := last; i >= 0; i-- {
		if err := c.entries[i].Store.Stop(ctx); err != nil {
			c.logger.Warn("Stop after failed start", "store", c.entries[i].Name, "error", err)
		}
	}
}

// Stop stops every entry in reverse order.
func (c *Chain) Stop(ctx context.Context) error {
	var errs []error
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		if err := e.Store.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Destroy destroys every entry in reverse order.
func (c *Chain) Destroy(ctx context.Context) error {
	var errs []error
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		if err := e.Store.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// Reads
// ============================================================================

// Get returns the attributes from the first entry holding the node.
func (c *Chain) Get(ctx context.Context, p nodepath.Path) (map[string][]byte, error) {
	for _, e := range c.entries {
		start := time.Now()
		data, err := e.Store.Get(ctx, p)
		c.metrics.RecordRead(e.Name, err == nil, time.Since(start), ignoreNotFound(err))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", e.Name, err)
		}
	}
	return nil, store.ErrNotFound
}

// Exists reports whether any entry holds the node.
func (c *Chain) Exists(ctx context.Context, p nodepath.Path) (bool, error) {
	for _, e := range c.entries {
		start := time.Now()
		ok, err := e.Store.Exists(ctx, p)
		c.metrics.RecordRead(e.Name, ok, time.Since(start), err)
		if err != nil {
			return false, fmt.Errorf("%s: %w", e.Name, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// ChildrenNames returns the children from the first entry holding the node.
func (c *Chain) ChildrenNames(ctx context.Context, p nodepath.Path) ([]string, error) {
	for _, e := range c.entries {
		start := time.Now()
		names, err := e.Store.ChildrenNames(ctx, p)
		c.metrics.RecordRead(e.Name, err == nil, time.Since(start), ignoreNotFound(err))
		if err == nil {
			return names, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", e.Name, err)
		}
	}
	return nil, store.ErrNotFound
}

func ignoreNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// ============================================================================
// Writes
// ============================================================================

// fanOut runs fn against every writable entry and joins the failures.
func (c *Chain) fanOut(op string, fn func(e Entry) error) error {
	var errs []error
	for _, e := range c.entries {
		if e.IgnoreModifications {
			continue
		}
		start := time.Now()
		err := fn(e)
		c.metrics.RecordWrite(e.Name, time.Since(start), err)
		if err != nil {
			c.logger.Warn("Write failed", "store", e.Name, "op", op, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
		}
	}
	return errors.Join(errs...)
}

// PutKeyValue writes to every writable entry and returns the first
// previous value reported, in chain order.
func (c *Chain) PutKeyValue(ctx context.Context, p nodepath.Path, key string, value []byte) ([]byte, error) {
	var prev []byte
	err := c.fanOut("put", func(e Entry) error {
		old, err := e.Store.PutKeyValue(ctx, p, key, value)
		if prev == nil {
			prev = old
		}
		return err
	})
	return prev, err
}

func (c *Chain) PutData(ctx context.Context, p nodepath.Path, data map[string][]byte) error {
	return c.fanOut("put_data", func(e Entry) error {
		return e.Store.PutData(ctx, p, data)
	})
}

// RemoveKeyValue removes from every writable entry and returns the first
// previous value reported.
func (c *Chain) RemoveKeyValue(ctx context.Context, p nodepath.Path, key string) ([]byte, error) {
	var prev []byte
	err := c.fanOut("remove", func(e Entry) error {
		old, err := e.Store.RemoveKeyValue(ctx, p, key)
		if prev == nil {
			prev = old
		}
		return err
	})
	return prev, err
}

func (c *Chain) RemoveData(ctx context.Context, p nodepath.Path) error {
	return c.fanOut("remove_data", func(e Entry) error {
		return e.Store.RemoveData(ctx, p)
	})
}

func (c *Chain) RemoveNode(ctx context.Context, p nodepath.Path) error {
	return c.fanOut("remove_node", func(e Entry) error {
		return e.Store.RemoveNode(ctx, p)
	})
}

func (c *Chain) Apply(ctx context.Context, mods []store.Modification) error {
	return c.fanOut("apply", func(e Entry) error {
		return e.Store.Apply(ctx, mods)
	})
}

// ============================================================================
// Two-phase
// ============================================================================

func (c *Chain) Prepare(ctx context.Context, tok store.Token, mods []store.Modification, onePhase bool) error {
	err := c.fanOut("prepare", func(e Entry) error {
		return e.Store.Prepare(ctx, tok, mods, onePhase)
	})
	if err == nil && !onePhase {
		c.metrics.TxPrepared.Add(1)
	}
	return err
}

func (c *Chain) Commit(ctx context.Context, tok store.Token) error {
	err := c.fanOut("commit", func(e Entry) error {
		return e.Store.Commit(ctx, tok)
	})
	if err == nil {
		c.metrics.TxCommitted.Add(1)
	}
	return err
}

func (c *Chain) Rollback(ctx context.Context, tok store.Token) error {
	err := c.fanOut("rollback", func(e Entry) error {
		return e.Store.Rollback(ctx, tok)
	})
	if err == nil {
		c.metrics.TxRolledBack.Add(1)
	}
	return err
}

// ============================================================================
// State transfer
// ============================================================================

// Primary returns the entry that exports read from.
func (c *Chain) Primary() (Entry, error) {
	for _, e := range c.entries {
		if e.FetchPersistentState {
			return e, nil
		}
	}
	for _, e := range c.entries {
		if !e.IgnoreModifications {
			return e, nil
		}
	}
	return Entry{}, serrors.Unsupported("state transfer", "a chain without writable stores")
}

// ImportTarget returns the entry that state imports write into. An entry
// flagged IgnoreModifications is never returned.
func (c *Chain) ImportTarget() (Entry, error) {
	for _, e := range c.entries {
		if e.FetchPersistentState && !e.IgnoreModifications {
			return e, nil
		}
	}
	for _, e := range c.entries {
		if !e.IgnoreModifications {
			return e, nil
		}
	}
	return Entry{}, serrors.Unsupported("state import", "a chain without writable stores")
}

func (c *Chain) LoadEntireState(ctx context.Context, w io.Writer) error {
	e, err := c.Primary()
	if err != nil {
		return err
	}
	return e.Store.LoadEntireState(ctx, w)
}

func (c *Chain) StoreEntireState(ctx context.Context, r io.Reader) error {
	e, err := c.ImportTarget()
	if err != nil {
		return err
	}
	return e.Store.StoreEntireState(ctx, r)
}

func (c *Chain) LoadState(ctx context.Context, p nodepath.Path, w io.Writer) error {
	e, err := c.Primary()
	if err != nil {
		return err
	}
	return e.Store.LoadState(ctx, p, w)
}

func (c *Chain) StoreState(ctx context.Context, p nodepath.Path, r io.Reader) error {
	e, err := c.ImportTarget()
	if err != nil {
		return err
	}
	return e.Store.StoreState(ctx, p, r)
}

// LoadEntireStateFrom exports the state of the named entry.
func (c *Chain) LoadEntireStateFrom(ctx context.Context, name string, w io.Writer) error {
	e, ok := c.Entry(name)
	if !ok {
		return serrors.NewConfigError(fmt.Sprintf("no store named '%s' in chain", name))
	}
	return e.Store.LoadEntireState(ctx, w)
}

// StoreEntireStateTo imports state into the named entry.
func (c *Chain) StoreEntireStateTo(ctx context.Context, name string, r io.Reader) error {
	e, ok := c.Entry(name)
	if !ok {
		return serrors.NewConfigError(fmt.Sprintf("no store named '%s' in chain", name))
	}
	return e.Store.StoreEntireState(ctx, r)
}

var _ store.Store = (*Chain)(nil)
