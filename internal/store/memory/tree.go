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

package memory

import (
	"sort"
	"sync"

	"treestore/internal/nodepath"
	"treestore/internal/store"
)

type node struct {
	path     nodepath.Path
	data     map[string][]byte
	children map[string]struct{}
}

func newNode(p nodepath.Path) *node {
	return &node{
		path:     p,
		data:     make(map[string][]byte),
		children: make(map[string]struct{}),
	}
}

// Tree is a thread-safe in-memory node tree. The root always exists.
// It backs the memory store and the file store's working set.
type Tree struct {
	mu    sync.RWMutex
	nodes map[string]*node
}

// NewTree returns a tree holding only the root.
func NewTree() *Tree {
	t := &Tree{}
	t.reset()
	return t
}

func (t *Tree) reset() {
	t.nodes = map[string]*node{nodepath.Root.Key(): newNode(nodepath.Root)}
}

// Reset removes every node except the root.
func (t *Tree) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

// Len returns the number of nodes including the root.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Get returns a copy of the node's attributes.
func (t *Tree) Get(p nodepath.Path) (map[string][]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[p.Key()]
	if !ok {
		return nil, false
	}
	return store.CloneData(n.data), true
}

// Exists reports whether the node exists.
func (t *Tree) Exists(p nodepath.Path) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.nodes[p.Key()]
	return ok
}

// Children returns the sorted child names of the node.
func (t *Tree) Children(p nodepath.Path) ([]string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[p.Key()]
	if !ok {
		return nil, false
	}
	names := make([]string, 0, len(n.children))
	for c := range n.children {
		names = append(names, c)
	}
	sort.Strings(names)
	return names, true
}

// PutKeyValue sets one attribute and returns the previous value.
func (t *Tree) PutKeyValue(p nodepath.Path, key string, value []byte) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.putKeyValue(p, key, value)
}

// PutData merges data into the node.
func (t *Tree) PutData(p nodepath.Path, data map[string][]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.putData(p, data)
}

// RemoveKeyValue removes one attribute and returns its previous value.
func (t *Tree) RemoveKeyValue(p nodepath.Path, key string) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeKeyValue(p, key)
}

// RemoveData clears the node's attributes.
func (t *Tree) RemoveData(p nodepath.Path) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeData(p)
}

// RemoveNode deletes the node and its subtree.
func (t *Tree) RemoveNode(p nodepath.Path) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeNode(p)
}

// Apply replays mods under a single write lock, so readers never observe
// a partially applied batch.
func (t *Tree) Apply(mods []store.Modification) error {
	if err := store.ValidateAll(mods); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range mods {
		t.apply(m)
	}
	return nil
}

// Walk visits the node at root and its descendants in path order. The
// nodes are copied under the read lock and visited after it is released.
func (t *Tree) Walk(root nodepath.Path, fn func(store.Node) error) error {
	t.mu.RLock()
	var out []store.Node
	if _, ok := t.nodes[root.Key()]; ok {
		for _, n := range t.nodes {
			if n.path.IsSelfOrDescendantOf(root) {
				out = append(out, store.Node{Path: n.path, Data: store.CloneData(n.data)})
			}
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path.Compare(out[j].Path) < 0 })
	for _, n := range out {
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) apply(m store.Modification) {
	switch m.Op {
	case store.OpPutKeyValue:
		t.putKeyValue(m.Path, m.Key, m.Value)
	case store.OpPutData:
		t.putData(m.Path, m.Data)
	case store.OpRemoveKeyValue:
		t.removeKeyValue(m.Path, m.Key)
	case store.OpRemoveData:
		t.removeData(m.Path)
	case store.OpRemoveNode:
		t.removeNode(m.Path)
	}
}

// ensure creates p and any missing ancestors.
func (t *Tree) ensure(p nodepath.Path) *node {
	if n, ok := t.nodes[p.Key()]; ok {
		return n
	}
	parent := t.ensure(p.Parent())
	n := newNode(p)
	t.nodes[p.Key()] = n
	parent.children[p.Last()] = struct{}{}
	return n
}

func (t *Tree) putKeyValue(p nodepath.Path, key string, value []byte) []byte {
	n := t.ensure(p)
	prev := n.data[key]
	n.data[key] = cloneValue(value)
	return prev
}

func (t *Tree) putData(p nodepath.Path, data map[string][]byte) {
	n := t.ensure(p)
	for k, v := range data {
		n.data[k] = cloneValue(v)
	}
}

func (t *Tree) removeKeyValue(p nodepath.Path, key string) []byte {
	n, ok := t.nodes[p.Key()]
	if !ok {
		return nil
	}
	prev, ok := n.data[key]
	if !ok {
		return nil
	}
	delete(n.data, key)
	return prev
}

func (t *Tree) removeData(p nodepath.Path) {
	if n, ok := t.nodes[p.Key()]; ok {
		n.data = make(map[string][]byte)
	}
}

func (t *Tree) removeNode(p nodepath.Path) {
	if p.IsRoot() {
		t.reset()
		return
	}
	n, ok := t.nodes[p.Key()]
	if !ok {
		return
	}
	t.dropSubtree(n)
	if parent, ok := t.nodes[p.Parent().Key()]; ok {
		delete(parent.children, p.Last())
	}
}

func (t *Tree) dropSubtree(n *node) {
	for c := range n.children {
		if child, ok := t.nodes[n.path.Child(c).Key()]; ok {
			t.dropSubtree(child)
		}
	}
	delete(t.nodes, n.path.Key())
}

// cloneValue copies v and keeps an empty value distinct from a nil one.
func cloneValue(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
