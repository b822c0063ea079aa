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

package singleton

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	serrors "treestore/internal/errors"
	"treestore/internal/nodepath"
	"treestore/internal/store"
	"treestore/internal/store/memory"
	"treestore/internal/store/storetest"
)

// gatedSource serves a memory snapshot once its gate is open.
type gatedSource struct {
	src   *memory.Store
	gate  chan struct{}
	once  sync.Once
	calls atomic.Int32
	fail  atomic.Int32 // number of calls that should fail
}

func newGatedSource(t *testing.T) *gatedSource {
	src := memory.New(store.Options{Name: "snapshot"})
	ctx := context.Background()
	if _, err := src.PutKeyValue(ctx, nodepath.New("cached", "a"), "k", []byte("v")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return &gatedSource{src: src, gate: make(chan struct{})}
}

func (g *gatedSource) open() {
	g.once.Do(func() { close(g.gate) })
}

func (g *gatedSource) LoadEntireState(ctx context.Context, w io.Writer) error {
	g.calls.Add(1)
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	if g.fail.Load() > 0 {
		g.fail.Add(-1)
		return errors.New("snapshot unavailable")
	}
	return g.src.LoadEntireState(ctx, w)
}

func newCoordinator(t *testing.T, source StateSource, cfg Config) (*Coordinator, *memory.Store) {
	t.Helper()
	inner := memory.New(store.Options{Name: "shared", Transactional: true})
	c := New("shared", inner, source, cfg)
	ctx := context.Background()
	if err := c.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Destroy(context.Background()) })
	return c, inner
}

func TestConcurrentActivationsShareOnePush(t *testing.T) {
	src := newGatedSource(t)
	c, inner := newCoordinator(t, src, Config{PushStateWhenCoordinator: true, PushStateTimeout: 5 * time.Second})

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.ActiveStatusChanged(context.Background(), true)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	src.open()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Activation failed: %v", err)
		}
	}
	if n := c.PushTasksStarted(); n != 1 {
		t.Errorf("Expected 1 push task, got %d", n)
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("Expected the snapshot to be read once, got %d", n)
	}
	if !c.Pushed() {
		t.Error("Expected the state to be marked as pushed")
	}
	storetest.AssertValue(t, inner, nodepath.New("cached", "a"), "k", "v")

	if err := c.ActiveStatusChanged(context.Background(), true); err != nil {
		t.Fatalf("Repeated activation failed: %v", err)
	}
	if n := c.PushTasksStarted(); n != 1 {
		t.Errorf("Repeated activation started another push: %d", n)
	}
}

func TestTimedOutActivationJoinsRunningPush(t *testing.T) {
	src := newGatedSource(t)
	c, inner := newCoordinator(t, src, Config{PushStateWhenCoordinator: true, PushStateTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := c.ActiveStatusChanged(ctx, true)
		if !serrors.IsTimeout(err) {
			t.Fatalf("Attempt %d: expected timeout, got %v", i, err)
		}
		if c.Pushed() {
			t.Fatal("State must not be marked pushed after a timeout")
		}
	}
	if n := c.PushTasksStarted(); n != 1 {
		t.Errorf("Expected the retry to join the running task, got %d tasks", n)
	}

	src.open()
	task := c.PushStateTask()
	if err := task.Wait(ctx); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := c.ActiveStatusChanged(ctx, true); err != nil {
		t.Fatalf("Activation after push failed: %v", err)
	}
	if n := c.PushTasksStarted(); n != 1 {
		t.Errorf("Expected no new push, got %d tasks", n)
	}
	storetest.AssertExists(t, inner, nodepath.New("cached", "a"), true)
}

func TestFailedPushIsRetried(t *testing.T) {
	src := newGatedSource(t)
	src.fail.Store(1)
	src.open()
	c, inner := newCoordinator(t, src, Config{PushStateWhenCoordinator: true, PushStateTimeout: time.Second})
	ctx := context.Background()

	if err := c.ActiveStatusChanged(ctx, true); err == nil {
		t.Fatal("Expected the first push to fail")
	}
	if c.Pushed() {
		t.Fatal("Failed push must not count as pushed")
	}
	if err := c.ActiveStatusChanged(ctx, true); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if n := c.PushTasksStarted(); n != 2 {
		t.Errorf("Expected 2 push tasks, got %d", n)
	}
	storetest.AssertExists(t, inner, nodepath.New("cached", "a"), true)
}

func TestNewTermPushesAgain(t *testing.T) {
	src := newGatedSource(t)
	src.open()
	c, _ := newCoordinator(t, src, Config{PushStateWhenCoordinator: true, PushStateTimeout: time.Second})
	ctx := context.Background()

	for _, status := range []bool{true, false, true} {
		if err := c.ActiveStatusChanged(ctx, status); err != nil {
			t.Fatalf("ActiveStatusChanged(%v) failed: %v", status, err)
		}
	}
	if n := c.PushTasksStarted(); n != 2 {
		t.Errorf("Expected one push per term, got %d", n)
	}
}

func TestNoPushForEndedTerm(t *testing.T) {
	src := newGatedSource(t)
	src.open()
	c, _ := newCoordinator(t, src, Config{PushStateWhenCoordinator: true, PushStateTimeout: time.Second})

	// A step-down that lands between the status change and the push
	// decision leaves the node inactive.
	if task := c.ensurePush(); task != nil {
		t.Fatal("Expected no push task while inactive")
	}
	if n := c.PushTasksStarted(); n != 0 {
		t.Errorf("Expected no push tasks, got %d", n)
	}
}

func TestQueuedPushSkippedAfterStepDown(t *testing.T) {
	src := newGatedSource(t)
	c, _ := newCoordinator(t, src, Config{PushStateWhenCoordinator: true, PushStateTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := c.ActiveStatusChanged(ctx, true); !serrors.IsTimeout(err) {
			t.Fatalf("Term %d: expected timeout, got %v", i, err)
		}
		if err := c.ActiveStatusChanged(ctx, false); err != nil {
			t.Fatalf("Step down failed: %v", err)
		}
	}
	if n := c.PushTasksStarted(); n != 2 {
		t.Fatalf("Expected one task per term, got %d", n)
	}

	src.open()
	if err := c.PushStateTask().Wait(ctx); err != nil {
		t.Fatalf("Queued push failed: %v", err)
	}
	if n := src.calls.Load(); n > 1 {
		t.Errorf("Expected the ended term to skip its push, snapshot read %d times", n)
	}
}

func TestPushDisabled(t *testing.T) {
	c, inner := newCoordinator(t, nil, Config{})
	ctx := context.Background()
	if err := c.ActiveStatusChanged(ctx, true); err != nil {
		t.Fatalf("Activation failed: %v", err)
	}
	if c.PushStateTask() != nil {
		t.Error("No push task expected")
	}
	storetest.AssertExists(t, inner, nodepath.New("cached"), false)
}

func TestInactiveDiscardsWrites(t *testing.T) {
	c, inner := newCoordinator(t, nil, Config{})
	ctx := context.Background()
	p := nodepath.New("a", "b")

	if _, err := inner.PutKeyValue(ctx, nodepath.New("existing"), "k", []byte("v")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := c.PutKeyValue(ctx, p, "k", []byte("v")); err != nil {
		t.Fatalf("PutKeyValue failed: %v", err)
	}
	if err := c.PutData(ctx, p, map[string][]byte{"x": nil}); err != nil {
		t.Fatalf("PutData failed: %v", err)
	}
	if err := c.RemoveNode(ctx, nodepath.New("existing")); err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}
	if err := c.Apply(ctx, []store.Modification{store.PutKeyValue(p, "k", nil)}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	storetest.AssertExists(t, c, p, false)
	storetest.AssertValue(t, c, nodepath.New("existing"), "k", "v")

	if err := c.ActiveStatusChanged(ctx, true); err != nil {
		t.Fatalf("Activation failed: %v", err)
	}
	if _, err := c.PutKeyValue(ctx, p, "k", []byte("v")); err != nil {
		t.Fatalf("PutKeyValue failed: %v", err)
	}
	storetest.AssertValue(t, inner, p, "k", "v")

	if err := c.ActiveStatusChanged(ctx, false); err != nil {
		t.Fatalf("Deactivation failed: %v", err)
	}
	if err := c.RemoveNode(ctx, p); err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}
	storetest.AssertExists(t, inner, p, true)
}

func TestInactiveStateImportKeepsFraming(t *testing.T) {
	c, inner := newCoordinator(t, nil, Config{})
	ctx := context.Background()

	src := memory.New(store.Options{})
	if _, err := src.PutKeyValue(ctx, nodepath.New("imported"), "k", []byte("v")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	var buf bytes.Buffer
	if err := src.LoadEntireState(ctx, &buf); err != nil {
		t.Fatalf("LoadEntireState failed: %v", err)
	}
	buf.WriteString("next")

	if err := c.StoreEntireState(ctx, &buf); err != nil {
		t.Fatalf("StoreEntireState failed: %v", err)
	}
	if rest, _ := io.ReadAll(&buf); string(rest) != "next" {
		t.Errorf("Expected framing to stay aligned, left %q", rest)
	}
	storetest.AssertExists(t, inner, nodepath.New("imported"), false)
}

func TestTokensPreparedWhileInactive(t *testing.T) {
	c, inner := newCoordinator(t, nil, Config{})
	ctx := context.Background()
	p := nodepath.New("tx")
	mods := []store.Modification{store.PutKeyValue(p, "k", []byte("v"))}

	tok := store.NewToken()
	if err := c.Prepare(ctx, tok, mods, false); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := c.ActiveStatusChanged(ctx, true); err != nil {
		t.Fatalf("Activation failed: %v", err)
	}
	if err := c.Commit(ctx, tok); err != nil {
		t.Fatalf("Commit of inactive token failed: %v", err)
	}
	storetest.AssertExists(t, inner, p, false)
	if err := c.Commit(ctx, tok); !serrors.IsProtocolError(err) {
		t.Errorf("Expected resolved token to be unknown, got %v", err)
	}

	active := store.NewToken()
	if err := c.Prepare(ctx, active, mods, false); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := c.ActiveStatusChanged(ctx, false); err != nil {
		t.Fatalf("Deactivation failed: %v", err)
	}
	if err := c.Commit(ctx, active); err != nil {
		t.Fatalf("Commit after step-down failed: %v", err)
	}
	storetest.AssertExists(t, inner, p, false)
	if n := inner.Pending(); n != 0 {
		t.Errorf("Expected no pending transactions, got %d", n)
	}
}

func TestActiveConformance(t *testing.T) {
	storetest.Run(t, storetest.Harness{
		New: func(t *testing.T) store.Store {
			c, _ := newCoordinator(t, nil, Config{})
			if err := c.ActiveStatusChanged(context.Background(), true); err != nil {
				t.Fatalf("Activation failed: %v", err)
			}
			return c
		},
		Transactional: true,
		Restartable:   true,
	})
}
