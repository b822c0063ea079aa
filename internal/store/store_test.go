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

package store_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	serrors "treestore/internal/errors"
	"treestore/internal/nodepath"
	"treestore/internal/store"
	"treestore/internal/store/memory"
)

func TestStateStreamsConcatenate(t *testing.T) {
	var buf bytes.Buffer
	first := store.NewStateWriter(&buf, "m1")
	if err := first.WriteNode(store.Node{Path: nodepath.Parse("/a"), Data: map[string][]byte{"k": []byte("v")}}); err != nil {
		t.Fatalf("WriteNode failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	second := store.NewStateWriter(&buf, "m2")
	if err := second.WriteNode(store.Node{Path: nodepath.Parse("/b")}); err != nil {
		t.Fatalf("WriteNode failed: %v", err)
	}
	if err := second.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r := bytes.NewReader(buf.Bytes())
	nodes, err := store.NewStateReader(r, "m1").ReadAll()
	if err != nil {
		t.Fatalf("First ReadAll failed: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Path.String() != "/a" || string(nodes[0].Data["k"]) != "v" {
		t.Errorf("Unexpected first stream: %+v", nodes)
	}
	nodes, err = store.NewStateReader(r, "m2").ReadAll()
	if err != nil {
		t.Fatalf("Second ReadAll failed: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Path.String() != "/b" || nodes[0].Data == nil {
		t.Errorf("Unexpected second stream: %+v", nodes)
	}
}

func TestStateReaderRejectsWrongMarker(t *testing.T) {
	var buf bytes.Buffer
	w := store.NewStateWriter(&buf, "expected")
	_ = w.Close()

	_, err := store.NewStateReader(&buf, "other").ReadAll()
	if !serrors.IsProtocolError(err) {
		t.Errorf("Expected protocol error, got %v", err)
	}
}

func TestStateReaderRejectsTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	w := store.NewStateWriter(&buf, "")
	_ = w.WriteNode(store.Node{Path: nodepath.Parse("/a")})

	if err := store.DiscardState(&buf, ""); !serrors.IsProtocolError(err) {
		t.Errorf("Expected missing end marker to be reported, got %v", err)
	}
}

func TestDiscardStateStopsAtMarker(t *testing.T) {
	var buf bytes.Buffer
	w := store.NewStateWriter(&buf, "")
	_ = w.WriteNode(store.Node{Path: nodepath.Parse("/x")})
	_ = w.Close()
	buf.WriteString("next")

	if err := store.DiscardState(&buf, ""); err != nil {
		t.Fatalf("DiscardState failed: %v", err)
	}
	if rest, _ := io.ReadAll(&buf); string(rest) != "next" {
		t.Errorf("Expected trailing bytes to remain, got %q", rest)
	}
}

func TestImportModificationsReRootsForeignPaths(t *testing.T) {
	base := nodepath.Parse("/region")
	mods := store.ImportModifications(base, []store.Node{
		{Path: nodepath.Parse("/region/a")},
		{Path: nodepath.Parse("/b/c")},
	})
	if len(mods) != 3 || mods[0].Op != store.OpRemoveNode || !mods[0].Path.Equal(base) {
		t.Fatalf("Expected a leading RemoveNode of the base, got %v", mods)
	}
	if mods[1].Path.String() != "/region/a" || mods[2].Path.String() != "/region/b/c" {
		t.Errorf("Unexpected import paths: %s %s", mods[1].Path, mods[2].Path)
	}
}

func TestCopyBetweenStores(t *testing.T) {
	ctx := context.Background()
	src := memory.New(store.Options{})
	dst := memory.New(store.Options{})
	if _, err := src.PutKeyValue(ctx, nodepath.Parse("/a/b"), "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if _, err := dst.PutKeyValue(ctx, nodepath.Parse("/old"), "k", []byte("v")); err != nil {
		t.Fatal(err)
	}

	if err := store.Copy(ctx, dst, src); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if ok, _ := dst.Exists(ctx, nodepath.Parse("/old")); ok {
		t.Error("Copy must replace the destination state")
	}
	data, err := dst.Get(ctx, nodepath.Parse("/a/b"))
	if err != nil || string(data["k"]) != "v" {
		t.Errorf("Unexpected copied data %v, err %v", data, err)
	}
}

type failingLoader struct{}

func (failingLoader) LoadEntireState(context.Context, io.Writer) error {
	return errors.New("source down")
}

func TestCopyReportsSourceFailure(t *testing.T) {
	dst := memory.New(store.Options{})
	if err := store.Copy(context.Background(), dst, failingLoader{}); err == nil {
		t.Error("Expected copy to fail")
	}
}

func TestTxTableConcurrentPrepares(t *testing.T) {
	var table store.TxTable
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := table.Put(store.NewToken(), nil); err != nil {
				t.Errorf("Put failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if table.Len() != 50 {
		t.Errorf("Expected 50 pending, got %d", table.Len())
	}
	if err := table.Put("", nil); !serrors.IsProtocolError(err) {
		t.Errorf("Expected empty token to be rejected, got %v", err)
	}
}

func TestTwoPhaseValidatesBeforeRecording(t *testing.T) {
	applied := 0
	tp := &store.TwoPhase{
		Name:          "test",
		Transactional: true,
		Apply: func(context.Context, []store.Modification) error {
			applied++
			return nil
		},
	}
	bad := []store.Modification{{Op: 0, Path: nodepath.Root}}
	if err := tp.Prepare(context.Background(), "t1", bad, false); !serrors.IsProtocolError(err) {
		t.Errorf("Expected invalid modification error, got %v", err)
	}
	if tp.Pending() != 0 || applied != 0 {
		t.Errorf("Invalid batch must not be recorded or applied")
	}
}

func TestModificationCodec(t *testing.T) {
	in := store.PutData(nodepath.New("a", "b/c"), map[string][]byte{"k": []byte("v")})
	b, err := store.MarshalModification(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	out, err := store.UnmarshalModification(b)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out.Op != store.OpPutData || !out.Path.Equal(in.Path) || string(out.Data["k"]) != "v" {
		t.Errorf("Decoded %v, want %v", out, in)
	}
	if _, err := store.UnmarshalModification([]byte{0xff}); err == nil {
		t.Error("Expected decode error")
	}
}

func TestRegistry(t *testing.T) {
	r := store.NewRegistry()
	r.Register("Memory", memory.Factory)

	s, err := r.Open("memory", store.Options{Name: "m"})
	if err != nil || s == nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := r.Open("nope", store.Options{}); !serrors.IsConfigError(err) {
		t.Errorf("Expected config error, got %v", err)
	}
	if names := r.Names(); len(names) != 1 || names[0] != "memory" {
		t.Errorf("Unexpected names %v", names)
	}
}

func TestOptionsAccessors(t *testing.T) {
	o := store.Options{Name: "s", Properties: map[string]string{"n": "3", "b": "true", "d": "250ms", "bad": "x"}}
	if n, err := o.Int("n", 0); err != nil || n != 3 {
		t.Errorf("Int = %d, %v", n, err)
	}
	if b, err := o.Bool("b", false); err != nil || !b {
		t.Errorf("Bool = %v, %v", b, err)
	}
	if d, err := o.Duration("d", 0); err != nil || d.Milliseconds() != 250 {
		t.Errorf("Duration = %v, %v", d, err)
	}
	if _, err := o.Int("bad", 0); !serrors.IsConfigError(err) {
		t.Errorf("Expected config error, got %v", err)
	}
	if _, err := o.Require("missing"); !serrors.IsConfigError(err) {
		t.Errorf("Expected missing property error, got %v", err)
	}
}
