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
Package kv maps the node tree onto flat, ordered key-value engines.

Key Layout:
===========

Every node is one key, its escaped path, holding the node's attributes
encoded as a CBOR map:

	/                 root (written on the first put, implied until then)
	/users            {}
	/users/alice      {"age": "42"}
	/users/alice/tags {}

The descendants of a node form one contiguous key range, so removing a
subtree is a range delete and listing children is a range scan that jumps
over grandchildren.

Engines:
========

An Engine only has to offer byte-ordered keys and transactions with
Get, Put, Delete and Scan. The bolt, sqlite and redis backends are engines;
Store adds the tree semantics, two-phase support and state transfer on top
of any of them.
*/
package kv

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	serrors "treestore/internal/errors"
)

// ScanFunc is called for each key visited by Scan. A non-empty skipTo
// continues the scan at the first key not less than skipTo.
type ScanFunc func(key string, value []byte) (skipTo string, err error)

// Txn is one transaction over an ordered keyspace.
type Txn interface {
	// Get returns the value of key and whether it exists.
	Get(key string) ([]byte, bool, error)

	// Put stores value under key, replacing any previous value.
	Put(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Scan visits the keys in [lo, hi) in ascending byte order.
	Scan(lo, hi string, fn ScanFunc) error
}

// RangeDeleter is implemented by transactions that can delete a key range
// without visiting it.
type RangeDeleter interface {
	DeleteRange(lo, hi string) error
}

// Engine is an ordered key-value engine.
type Engine interface {
	// Open acquires the engine's resources. Open after Close reopens.
	Open(ctx context.Context) error

	// Close releases the resources and keeps the data.
	Close() error

	// Drop removes every persisted key. The engine is closed.
	Drop(ctx context.Context) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Txn) error) error

	// Update runs fn in a read-write transaction committed when fn
	// returns nil.
	Update(ctx context.Context, fn func(Txn) error) error
}

func encodeData(data map[string][]byte) ([]byte, error) {
	if data == nil {
		data = map[string][]byte{}
	}
	return cbor.Marshal(data)
}

func decodeData(key string, b []byte) (map[string][]byte, error) {
	data := map[string][]byte{}
	if len(b) == 0 {
		return data, nil
	}
	if err := cbor.Unmarshal(b, &data); err != nil {
		return nil, serrors.CorruptStream("undecodable node " + key).WithCause(err)
	}
	return data, nil
}
