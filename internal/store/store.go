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
	"context"
	"errors"
	"io"

	"github.com/google/uuid"

	"treestore/internal/nodepath"
)

// ErrNotFound is returned when a node does not exist.
var ErrNotFound = errors.New("node not found")

// Token identifies a two-phase transaction.
type Token string

// NewToken returns a fresh random token.
func NewToken() Token {
	return Token(uuid.NewString())
}

// String returns the token text.
func (t Token) String() string {
	return string(t)
}

// Lifecycle is the start/stop contract shared by stores and decorators.
// Start may be called again after Stop; Destroy is final.
type Lifecycle interface {
	Create(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// Reader is the read side of a store.
type Reader interface {
	// Get returns a copy of the node's attributes. ErrNotFound if the node
	// does not exist; an empty map if it exists without attributes.
	Get(ctx context.Context, p nodepath.Path) (map[string][]byte, error)

	// Exists reports whether the node exists.
	Exists(ctx context.Context, p nodepath.Path) (bool, error)

	// ChildrenNames returns the sorted names of the node's direct children.
	// ErrNotFound if the node does not exist; an empty slice if it has none.
	ChildrenNames(ctx context.Context, p nodepath.Path) ([]string, error)
}

// Writer is the mutating side of a store.
type Writer interface {
	// PutKeyValue sets one attribute, creating the node and its ancestors
	// as needed. Returns the previous value, nil if there was none.
	PutKeyValue(ctx context.Context, p nodepath.Path, key string, value []byte) ([]byte, error)

	// PutData merges data into the node's attributes, overwriting the
	// given keys and leaving others untouched.
	PutData(ctx context.Context, p nodepath.Path, data map[string][]byte) error

	// RemoveKeyValue removes one attribute and returns its previous value.
	RemoveKeyValue(ctx context.Context, p nodepath.Path, key string) ([]byte, error)

	// RemoveData clears all attributes; the node and its children stay.
	RemoveData(ctx context.Context, p nodepath.Path) error

	// RemoveNode deletes the node and its entire subtree. Removing the
	// root clears the store.
	RemoveNode(ctx context.Context, p nodepath.Path) error

	// Apply replays mods in order as one unit.
	Apply(ctx context.Context, mods []Modification) error
}

// Transactional is the two-phase part of the contract.
type Transactional interface {
	// Prepare records mods under tok. With onePhase the mods are applied
	// immediately and tok is forgotten.
	Prepare(ctx context.Context, tok Token, mods []Modification, onePhase bool) error
	Commit(ctx context.Context, tok Token) error
	Rollback(ctx context.Context, tok Token) error
}

// StateLoader writes a framed snapshot of every node.
type StateLoader interface {
	LoadEntireState(ctx context.Context, w io.Writer) error
}

// StateStorer replaces every node with the contents of a framed snapshot.
type StateStorer interface {
	StoreEntireState(ctx context.Context, r io.Reader) error
}

// StateTransfer is the bulk import/export part of the contract.
type StateTransfer interface {
	StateLoader
	StateStorer

	// LoadState writes the subtree rooted at p.
	LoadState(ctx context.Context, p nodepath.Path, w io.Writer) error

	// StoreState replaces the subtree rooted at p with the stream's nodes.
	// Nodes outside p are taken as relative to p.
	StoreState(ctx context.Context, p nodepath.Path, r io.Reader) error
}

// Store is the contract every backend and decorator satisfies.
type Store interface {
	Lifecycle
	Reader
	Writer
	Transactional
	StateTransfer
}

// Node is one entry of a snapshot.
type Node struct {
	Path nodepath.Path
	Data map[string][]byte
}

// CloneData returns a deep copy of an attribute map. A nil map clones to
// an empty one.
func CloneData(data map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(data))
	for k, v := range data {
		out[k] = cloneBytes(v)
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
