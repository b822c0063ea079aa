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
Package singleton gates a store on cluster coordinator status.

Only the coordinator of a cluster writes to a shared store; every other
node accepts writes and drops them. The cluster layer reports status
changes through ActiveStatusChanged.

	         ActiveStatusChanged(true)
	inactive ─────────────────────────▶ active ──▶ push task (at most one)
	   ▲                                  │          StateSource ──▶ inner
	   └──────────────────────────────────┘
	         ActiveStatusChanged(false)

Push State:
===========

When a node becomes coordinator with PushStateWhenCoordinator set, the
in-memory snapshot (the StateSource) is streamed into the wrapped store so
the shared store catches up with writes made while no coordinator was
writing. Activation waits up to PushStateTimeout for the task. A timed out
activation leaves the task running; the next activation joins it instead of
starting another. A push that started before a step-down runs to
completion before the next term's push begins.
*/
package singleton

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	serrors "treestore/internal/errors"
	"treestore/internal/logging"
	"treestore/internal/metrics"
	"treestore/internal/nodepath"
	"treestore/internal/store"
)

// StateSource provides the snapshot pushed on activation.
type StateSource = store.StateLoader

// Config holds the coordinator settings.
type Config struct {
	PushStateWhenCoordinator bool
	PushStateTimeout         time.Duration
	EndMarker                string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PushStateWhenCoordinator: true,
		PushStateTimeout:         20 * time.Second,
	}
}

// PushTask is the handle of one push-state run.
type PushTask struct {
	done    chan struct{}
	err     error
	term    uint64
	started time.Time
}

func newPushTask(term uint64) *PushTask {
	return &PushTask{done: make(chan struct{}), term: term, started: time.Now()}
}

func (t *PushTask) finish(err error) {
	t.err = err
	close(t.done)
}

// Done is closed when the task finishes.
func (t *PushTask) Done() <-chan struct{} {
	return t.done
}

// Err returns the task's result. It is nil while the task runs.
func (t *PushTask) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *PushTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *PushTask) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Coordinator wraps a store and applies writes only while this node is
// the cluster coordinator.
type Coordinator struct {
	inner   store.Store
	source  StateSource
	name    string
	config  Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	active atomic.Bool

	mu      sync.Mutex // guards term, task, ctx and cancel
	term    uint64     // incremented on every step-down
	task    *PushTask
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Uint64

	skipMu  sync.Mutex
	skipped map[store.Token]struct{}
}

// New wraps inner. source may be nil when pushing is disabled.
func New(name string, inner store.Store, source StateSource, cfg Config) *Coordinator {
	if cfg.PushStateTimeout <= 0 {
		cfg.PushStateTimeout = DefaultConfig().PushStateTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		inner:   inner,
		source:  source,
		name:    name,
		config:  cfg,
		logger:  logging.NewLogger("singleton"),
		metrics: metrics.Get(),
		ctx:     ctx,
		cancel:  cancel,
		skipped: make(map[store.Token]struct{}),
	}
}

// Inner returns the wrapped store.
func (c *Coordinator) Inner() store.Store {
	return c.inner
}

// IsActive reports whether this node currently acts as coordinator.
func (c *Coordinator) IsActive() bool {
	return c.active.Load()
}

// PushTasksStarted returns the number of push tasks created so far.
func (c *Coordinator) PushTasksStarted() uint64 {
	return c.started.Load()
}

// PushStateTask returns the most recent push task, or nil.
func (c *Coordinator) PushStateTask() *PushTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task
}

// Pushed reports whether the state was pushed successfully during the
// current coordinator term.
func (c *Coordinator) Pushed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task != nil && c.task.term == c.term && c.task.finished() && c.task.err == nil
}

// ActiveStatusChanged records the new coordinator status. On activation
// it pushes the state if configured to, waiting up to PushStateTimeout.
func (c *Coordinator) ActiveStatusChanged(ctx context.Context, isCoordinator bool) error {
	c.mu.Lock()
	was := c.active.Swap(isCoordinator)
	if was && !isCoordinator {
		c.term++
	}
	c.mu.Unlock()

	if was != isCoordinator {
		if isCoordinator {
			c.metrics.Coordinators.Add(1)
			c.logger.Info("Became coordinator", "store", c.name)
		} else {
			c.metrics.Coordinators.Add(-1)
			c.logger.Info("No longer coordinator, writes will be discarded", "store", c.name)
		}
	}

	if !isCoordinator {
		return nil
	}
	if !c.config.PushStateWhenCoordinator {
		return nil
	}
	if c.source == nil {
		return serrors.MissingRequired("state source")
	}

	task := c.ensurePush()
	if task == nil {
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, c.config.PushStateTimeout)
	defer cancel()
	err := task.Wait(wctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		c.metrics.PushTimeouts.Add(1)
		c.logger.Warn("Push state still running after timeout",
			"store", c.name,
			"timeout", c.config.PushStateTimeout)
		return serrors.Timeout("push state")
	}
	return err
}

// ensurePush returns the push task of the current term, starting one when
// none is running and none has succeeded. It returns nil when the state
// was already pushed or the node stepped down in the meantime.
func (c *Coordinator) ensurePush() *PushTask {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active.Load() {
		return nil
	}

	prev := c.task
	if prev != nil && prev.term == c.term {
		if !prev.finished() {
			return prev
		}
		if prev.err == nil {
			return nil
		}
	}

	t := newPushTask(c.term)
	c.task = t
	c.started.Add(1)
	c.metrics.PushStarted.Add(1)
	go c.push(c.ctx, t, prev)
	return t
}

func (c *Coordinator) push(ctx context.Context, t *PushTask, prev *PushTask) {
	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			t.finish(ctx.Err())
			return
		}
	}

	if !c.termCurrent(t.term) {
		c.logger.Info("Push skipped, coordinator term ended", "store", c.name, "term", t.term)
		t.finish(nil)
		return
	}

	c.logger.Info("Pushing in-memory state", "store", c.name)
	err := store.Copy(ctx, c.inner, c.source)
	t.finish(err)

	if err != nil {
		c.metrics.PushFailed.Add(1)
		c.logger.Error("Push state failed", "store", c.name, "error", err)
		return
	}
	c.metrics.PushSucceeded.Add(1)
	c.logger.Info("Push state completed",
		"store", c.name,
		"duration", time.Since(t.started))
}

// termCurrent reports whether term is still an active coordinator term.
func (c *Coordinator) termCurrent(term uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.term == term && c.active.Load()
}

// ============================================================================
// Lifecycle
// ============================================================================

func (c *Coordinator) Create(ctx context.Context) error {
	return c.inner.Create(ctx)
}

func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.ctx, c.cancel = context.WithCancel(context.Background())
	}
	c.mu.Unlock()
	return c.inner.Start(ctx)
}

// Stop cancels a running push and waits for it before stopping the
// wrapped store.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.cancel()
	task := c.task
	c.mu.Unlock()

	if task != nil {
		select {
		case <-task.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.inner.Stop(ctx)
}

func (c *Coordinator) Destroy(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	if c.active.Swap(false) {
		c.metrics.Coordinators.Add(-1)
	}
	c.skipMu.Lock()
	c.skipped = make(map[store.Token]struct{})
	c.skipMu.Unlock()
	return c.inner.Destroy(ctx)
}

// ============================================================================
// Reads
// ============================================================================

func (c *Coordinator) Get(ctx context.Context, p nodepath.Path) (map[string][]byte, error) {
	return c.inner.Get(ctx, p)
}

func (c *Coordinator) Exists(ctx context.Context, p nodepath.Path) (bool, error) {
	return c.inner.Exists(ctx, p)
}

func (c *Coordinator) ChildrenNames(ctx context.Context, p nodepath.Path) ([]string, error) {
	return c.inner.ChildrenNames(ctx, p)
}

func (c *Coordinator) LoadEntireState(ctx context.Context, w io.Writer) error {
	return c.inner.LoadEntireState(ctx, w)
}

func (c *Coordinator) LoadState(ctx context.Context, p nodepath.Path, w io.Writer) error {
	return c.inner.LoadState(ctx, p, w)
}

// ============================================================================
// Writes
// ============================================================================

func (c *Coordinator) discard(op string, p nodepath.Path) bool {
	if c.active.Load() {
		return false
	}
	c.logger.Debug("Discarding write on non-coordinator", "store", c.name, "op", op, "path", p.String())
	return true
}

func (c *Coordinator) PutKeyValue(ctx context.Context, p nodepath.Path, key string, value []byte) ([]byte, error) {
	if c.discard("put", p) {
		return nil, nil
	}
	return c.inner.PutKeyValue(ctx, p, key, value)
}

func (c *Coordinator) PutData(ctx context.Context, p nodepath.Path, data map[string][]byte) error {
	if c.discard("put_data", p) {
		return nil
	}
	return c.inner.PutData(ctx, p, data)
}

func (c *Coordinator) RemoveKeyValue(ctx context.Context, p nodepath.Path, key string) ([]byte, error) {
	if c.discard("remove", p) {
		return nil, nil
	}
	return c.inner.RemoveKeyValue(ctx, p, key)
}

func (c *Coordinator) RemoveData(ctx context.Context, p nodepath.Path) error {
	if c.discard("remove_data", p) {
		return nil
	}
	return c.inner.RemoveData(ctx, p)
}

func (c *Coordinator) RemoveNode(ctx context.Context, p nodepath.Path) error {
	if c.discard("remove_node", p) {
		return nil
	}
	return c.inner.RemoveNode(ctx, p)
}

func (c *Coordinator) Apply(ctx context.Context, mods []store.Modification) error {
	if c.discard("apply", nodepath.Root) {
		return nil
	}
	return c.inner.Apply(ctx, mods)
}

// StoreEntireState consumes the stream without applying it while inactive.
func (c *Coordinator) StoreEntireState(ctx context.Context, r io.Reader) error {
	if c.discard("store_state", nodepath.Root) {
		return store.DiscardState(r, c.config.EndMarker)
	}
	return c.inner.StoreEntireState(ctx, r)
}

func (c *Coordinator) StoreState(ctx context.Context, p nodepath.Path, r io.Reader) error {
	if c.discard("store_state", p) {
		return store.DiscardState(r, c.config.EndMarker)
	}
	return c.inner.StoreState(ctx, p, r)
}

// ============================================================================
// Two-phase
// ============================================================================

// Prepare remembers tokens prepared while inactive so that resolving them
// later is a no-op.
func (c *Coordinator) Prepare(ctx context.Context, tok store.Token, mods []store.Modification, onePhase bool) error {
	if !c.discard("prepare", nodepath.Root) {
		return c.inner.Prepare(ctx, tok, mods, onePhase)
	}
	if onePhase {
		return nil
	}
	c.skipMu.Lock()
	defer c.skipMu.Unlock()
	if _, ok := c.skipped[tok]; ok {
		return serrors.DuplicateToken(tok.String())
	}
	c.skipped[tok] = struct{}{}
	return nil
}

func (c *Coordinator) takeSkipped(tok store.Token) bool {
	c.skipMu.Lock()
	defer c.skipMu.Unlock()
	if _, ok := c.skipped[tok]; ok {
		delete(c.skipped, tok)
		return true
	}
	return false
}

// Commit applies a transaction prepared while active. If this node stepped
// down in between, the transaction is rolled back on the wrapped store.
func (c *Coordinator) Commit(ctx context.Context, tok store.Token) error {
	if c.takeSkipped(tok) {
		return nil
	}
	if c.discard("commit", nodepath.Root) {
		return c.inner.Rollback(ctx, tok)
	}
	return c.inner.Commit(ctx, tok)
}

func (c *Coordinator) Rollback(ctx context.Context, tok store.Token) error {
	if c.takeSkipped(tok) {
		return nil
	}
	return c.inner.Rollback(ctx, tok)
}

var _ store.Store = (*Coordinator)(nil)
