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
Package async provides a write-behind decorator for any store.

Write-Behind Overview:
======================

Writes are turned into units of work and handed to background workers;
reads go straight to the wrapped store.

	caller ──▶ bounded queue ──▶ dispatcher ──┬──▶ shard 0 ──▶ worker 0 ─┐
	                                          ├──▶ shard 1 ──▶ worker 1 ─┼──▶ inner.Apply
	                                          └──▶ barrier (inline) ─────┘

Architecture:
=============

 1. Every write becomes a unit holding one or more Modifications
 2. The enqueue attempt is non-blocking; when the queue is full the
    caller waits PollInterval and retries, which throttles writers
 3. The dispatcher routes each unit to the shard chosen by hashing the
    first element of its path, so all writes below one top-level node
    are replayed by one worker in enqueue order
 4. Units touching several shards or the root are barriers: the
    dispatcher waits until every earlier unit is applied and replays the
    barrier itself
 5. Workers drain up to BatchSize ready units and replay them with a
    single Apply on the wrapped store, optionally coalescing writes

Delivery Guarantees:
====================

Replay is at-most-once. When Apply fails the failure is logged and
counted and the batch is dropped; it is never retried. A backend outage
therefore loses the writes queued while it lasts. This is a durability gap
callers must accept when they enable write-behind.

Stop drains the queue before stopping the wrapped store. Every operation
issued before Start or after Stop fails with a rejected-operation error.

Two-phase calls and state transfer bypass the queue. Calls that apply
data (one-phase Prepare, Commit, StoreState, and the load operations)
first wait for the queue to drain so they observe every earlier write.

PutKeyValue and RemoveKeyValue return the previous value read from the
wrapped store at enqueue time; it does not reflect writes that are still
queued.
*/
package async

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	serrors "treestore/internal/errors"
	"treestore/internal/logging"
	"treestore/internal/metrics"
	"treestore/internal/nodepath"
	"treestore/internal/store"
)

// Config holds the write-behind settings.
type Config struct {
	// QueueSize is the capacity of the handoff queue.
	QueueSize int

	// PollInterval is how long an enqueue waits before retrying a full queue.
	PollInterval time.Duration

	// Workers is the number of replay workers, at least one.
	Workers int

	// BatchSize bounds the number of units a worker replays at once.
	BatchSize int

	// Coalesce merges overwritten writes to the same node within a batch.
	Coalesce bool

	// MaxEnqueueRetries bounds the retries of a full queue. Zero retries
	// until the caller's context is done.
	MaxEnqueueRetries int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:    1024,
		PollInterval: 100 * time.Millisecond,
		Workers:      1,
		BatchSize:    64,
		Coalesce:     true,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	return c
}

const barrier = -1

// unit is one enqueued piece of work. A unit with a done channel and no
// modifications is a flush marker.
type unit struct {
	mods  []store.Modification
	shard int
	done  chan struct{}
}

type state int

const (
	stateNew state = iota
	stateRunning
	stateStopped
)

// Stats is a snapshot of a decorator's counters.
type Stats struct {
	Enqueued uint64
	Applied  uint64
	Failed   uint64
	Rejected uint64
	Retries  uint64
	Depth    int64
}

// Decorator is a write-behind wrapper around one store.
type Decorator struct {
	inner   store.Store
	name    string
	config  Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu           sync.RWMutex // guards state and the queue's close
	state        state
	queue        chan *unit
	shards       []chan *unit
	inflight     sync.WaitGroup // units handed to shards and not yet applied
	workers      sync.WaitGroup
	dispatchDone chan struct{}

	enqueued atomic.Uint64
	applied  atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64
	retries  atomic.Uint64
	depth    atomic.Int64
}

// New wraps inner. The decorator takes ownership of inner's lifecycle.
func New(name string, inner store.Store, cfg Config) *Decorator {
	return &Decorator{
		inner:   inner,
		name:    name,
		config:  cfg.normalized(),
		logger:  logging.NewLogger("async"),
		metrics: metrics.Get(),
	}
}

// Inner returns the wrapped store.
func (d *Decorator) Inner() store.Store {
	return d.inner
}

// Config returns the effective configuration.
func (d *Decorator) Config() Config {
	return d.config
}

// Stats returns the decorator's counters.
func (d *Decorator) Stats() Stats {
	return Stats{
		Enqueued: d.enqueued.Load(),
		Applied:  d.applied.Load(),
		Failed:   d.failed.Load(),
		Rejected: d.rejected.Load(),
		Retries:  d.retries.Load(),
		Depth:    d.depth.Load(),
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func (d *Decorator) Create(ctx context.Context) error {
	return d.inner.Create(ctx)
}

// Start starts the wrapped store and the workers. Start after Stop
// begins with a fresh, empty queue.
func (d *Decorator) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == stateRunning {
		return nil
	}
	if err := d.inner.Start(ctx); err != nil {
		return err
	}

	d.queue = make(chan *unit, d.config.QueueSize)
	d.shards = make([]chan *unit, d.config.Workers)
	d.dispatchDone = make(chan struct{})
	for i := range d.shards {
		d.shards[i] = make(chan *unit, d.config.BatchSize)
		d.workers.Add(1)
		go d.worker(d.shards[i])
	}
	go d.dispatch(d.queue, d.shards, d.dispatchDone)

	d.state = stateRunning
	d.logger.Info("Write-behind started",
		"store", d.name,
		"workers", d.config.Workers,
		"queue_size", d.config.QueueSize,
		"coalesce", d.config.Coalesce)
	return nil
}

// Stop rejects new writes, replays everything already queued and then
// stops the wrapped store.
func (d *Decorator) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.state != stateRunning {
		d.mu.Unlock()
		return nil
	}
	d.state = stateStopped
	close(d.queue)
	done := d.dispatchDone
	d.mu.Unlock()

	<-done
	d.workers.Wait()

	stats := d.Stats()
	d.logger.Info("Write-behind stopped",
		"store", d.name,
		"applied", stats.Applied,
		"failed", stats.Failed)
	return d.inner.Stop(ctx)
}

// Destroy stops the decorator if needed and destroys the wrapped store.
func (d *Decorator) Destroy(ctx context.Context) error {
	if err := d.Stop(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.state = stateStopped
	d.mu.Unlock()
	return d.inner.Destroy(ctx)
}

func (d *Decorator) checkRunning(op string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch d.state {
	case stateRunning:
		return nil
	case stateNew:
		return serrors.NotStarted(op)
	default:
		return serrors.Rejected(op)
	}
}

// ============================================================================
// Queue
// ============================================================================

func (d *Decorator) shardOf(mods []store.Modification) int {
	shard := barrier
	for _, m := range mods {
		if m.Path.IsRoot() {
			return barrier
		}
		s := int(xxhash.Sum64String(m.Path.Element(0)) % uint64(d.config.Workers))
		if shard == barrier {
			shard = s
		} else if shard != s {
			return barrier
		}
	}
	return shard
}

func (d *Decorator) enqueue(ctx context.Context, op string, u *unit) error {
	attempts := 0
	for {
		d.mu.RLock()
		if d.state != stateRunning {
			st := d.state
			d.mu.RUnlock()
			d.rejected.Add(1)
			d.metrics.AsyncRejected.Add(1)
			if st == stateNew {
				return serrors.NotStarted(op)
			}
			return serrors.Rejected(op)
		}
		select {
		case d.queue <- u:
			d.mu.RUnlock()
			d.depth.Add(1)
			d.metrics.AsyncQueueDepth.Add(1)
			if u.done == nil {
				d.enqueued.Add(1)
			}
			return nil
		default:
		}
		d.mu.RUnlock()

		attempts++
		d.retries.Add(1)
		d.metrics.AsyncEnqueueRetries.Add(1)
		if d.config.MaxEnqueueRetries > 0 && attempts > d.config.MaxEnqueueRetries {
			d.rejected.Add(1)
			d.metrics.AsyncRejected.Add(1)
			return serrors.QueueFull(d.config.QueueSize, attempts)
		}
		d.logger.Debug("Queue full, waiting", "store", d.name, "attempt", attempts)

		timer := time.NewTimer(d.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (d *Decorator) submit(ctx context.Context, op string, mods ...store.Modification) error {
	if err := store.ValidateAll(mods); err != nil {
		return err
	}
	cp := make([]store.Modification, len(mods))
	for i, m := range mods {
		cp[i] = cloneModification(m)
	}
	return d.enqueue(ctx, op, &unit{mods: cp, shard: d.shardOf(cp)})
}

// Flush blocks until every write enqueued before the call is replayed.
func (d *Decorator) Flush(ctx context.Context) error {
	u := &unit{shard: barrier, done: make(chan struct{})}
	if err := d.enqueue(ctx, "flush", u); err != nil {
		return err
	}
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Decorator) dispatch(queue <-chan *unit, shards []chan *unit, done chan struct{}) {
	defer close(done)
	for u := range queue {
		d.depth.Add(-1)
		d.metrics.AsyncQueueDepth.Add(-1)
		if u.shard == barrier {
			d.inflight.Wait()
			if len(u.mods) > 0 {
				d.replay(u.mods)
			}
			if u.done != nil {
				close(u.done)
			}
			continue
		}
		d.inflight.Add(1)
		shards[u.shard] <- u
	}
	for _, ch := range shards {
		close(ch)
	}
}

func (d *Decorator) worker(ch <-chan *unit) {
	defer d.workers.Done()
	for u := range ch {
		batch := []*unit{u}
	drain:
		for len(batch) < d.config.BatchSize {
			select {
			case next, ok := <-ch:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}

		var mods []store.Modification
		for _, b := range batch {
			mods = append(mods, b.mods...)
		}
		d.replay(mods)
		for range batch {
			d.inflight.Done()
		}
	}
}

// replay applies mods to the wrapped store once. Failures are logged and
// the modifications are dropped.
func (d *Decorator) replay(mods []store.Modification) {
	if d.config.Coalesce {
		mods = Coalesce(mods)
	}
	op := logging.NewOpContext(d.name, "replay", mods[0].Path.String())
	err := d.inner.Apply(context.Background(), mods)
	d.metrics.RecordWrite(d.name, op.Duration(), err)
	if err != nil {
		d.failed.Add(uint64(len(mods)))
		d.metrics.AsyncFailed.Add(uint64(len(mods)))
		op.LogError(d.logger, err,
			"modifications", len(mods),
			"first", mods[0].String())
		return
	}
	op.LogComplete(d.logger, "modifications", len(mods))
	d.applied.Add(uint64(len(mods)))
	d.metrics.AsyncApplied.Add(uint64(len(mods)))
}

func cloneModification(m store.Modification) store.Modification {
	if m.Value != nil {
		v := make([]byte, len(m.Value))
		copy(v, m.Value)
		m.Value = v
	}
	if m.Data != nil {
		m.Data = store.CloneData(m.Data)
	}
	return m
}

// ============================================================================
// Reads
// ============================================================================

func (d *Decorator) Get(ctx context.Context, p nodepath.Path) (map[string][]byte, error) {
	if err := d.checkRunning("get"); err != nil {
		return nil, err
	}
	return d.inner.Get(ctx, p)
}

func (d *Decorator) Exists(ctx context.Context, p nodepath.Path) (bool, error) {
	if err := d.checkRunning("exists"); err != nil {
		return false, err
	}
	return d.inner.Exists(ctx, p)
}

func (d *Decorator) ChildrenNames(ctx context.Context, p nodepath.Path) ([]string, error) {
	if err := d.checkRunning("children"); err != nil {
		return nil, err
	}
	return d.inner.ChildrenNames(ctx, p)
}

func (d *Decorator) previous(ctx context.Context, p nodepath.Path, key string) ([]byte, error) {
	data, err := d.inner.Get(ctx, p)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data[key], nil
}

// ============================================================================
// Writes
// ============================================================================

func (d *Decorator) PutKeyValue(ctx context.Context, p nodepath.Path, key string, value []byte) ([]byte, error) {
	if err := d.checkRunning("put"); err != nil {
		return nil, err
	}
	prev, err := d.previous(ctx, p, key)
	if err != nil {
		return nil, err
	}
	return prev, d.submit(ctx, "put", store.PutKeyValue(p, key, value))
}

func (d *Decorator) PutData(ctx context.Context, p nodepath.Path, data map[string][]byte) error {
	return d.submit(ctx, "put_data", store.PutData(p, data))
}

func (d *Decorator) RemoveKeyValue(ctx context.Context, p nodepath.Path, key string) ([]byte, error) {
	if err := d.checkRunning("remove"); err != nil {
		return nil, err
	}
	prev, err := d.previous(ctx, p, key)
	if err != nil {
		return nil, err
	}
	return prev, d.submit(ctx, "remove", store.RemoveKeyValue(p, key))
}

func (d *Decorator) RemoveData(ctx context.Context, p nodepath.Path) error {
	return d.submit(ctx, "remove_data", store.RemoveData(p))
}

func (d *Decorator) RemoveNode(ctx context.Context, p nodepath.Path) error {
	return d.submit(ctx, "remove_node", store.RemoveNode(p))
}

// Apply enqueues mods as one unit.
func (d *Decorator) Apply(ctx context.Context, mods []store.Modification) error {
	if len(mods) == 0 {
		return d.checkRunning("apply")
	}
	return d.submit(ctx, "apply", mods...)
}

// ============================================================================
// Two-phase and state transfer
// ============================================================================

// Prepare runs synchronously on the wrapped store. One-phase prepares
// wait for the queue to drain first.
func (d *Decorator) Prepare(ctx context.Context, tok store.Token, mods []store.Modification, onePhase bool) error {
	if onePhase {
		if err := d.Flush(ctx); err != nil {
			return err
		}
	} else if err := d.checkRunning("prepare"); err != nil {
		return err
	}
	return d.inner.Prepare(ctx, tok, mods, onePhase)
}

// Commit waits for the queue to drain, then commits on the wrapped store.
func (d *Decorator) Commit(ctx context.Context, tok store.Token) error {
	if err := d.Flush(ctx); err != nil {
		return err
	}
	return d.inner.Commit(ctx, tok)
}

func (d *Decorator) Rollback(ctx context.Context, tok store.Token) error {
	if err := d.checkRunning("rollback"); err != nil {
		return err
	}
	return d.inner.Rollback(ctx, tok)
}

func (d *Decorator) LoadEntireState(ctx context.Context, w io.Writer) error {
	if err := d.Flush(ctx); err != nil {
		return err
	}
	return d.inner.LoadEntireState(ctx, w)
}

func (d *Decorator) StoreEntireState(ctx context.Context, r io.Reader) error {
	if err := d.Flush(ctx); err != nil {
		return err
	}
	return d.inner.StoreEntireState(ctx, r)
}

func (d *Decorator) LoadState(ctx context.Context, p nodepath.Path, w io.Writer) error {
	if err := d.Flush(ctx); err != nil {
		return err
	}
	return d.inner.LoadState(ctx, p, w)
}

func (d *Decorator) StoreState(ctx context.Context, p nodepath.Path, r io.Reader) error {
	if err := d.Flush(ctx); err != nil {
		return err
	}
	return d.inner.StoreState(ctx, p, r)
}

var _ store.Store = (*Decorator)(nil)
