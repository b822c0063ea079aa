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
Package store defines the persistence contract shared by every TreeStore
backend and decorator.

Store Model
===========

A store persists a tree of nodes. Each node is addressed by a
nodepath.Path and holds an attribute map of string keys to opaque byte
values. A node may exist without attributes, for example as an ancestor
that was created implicitly:

	PutKeyValue(/a/b/c, "k", v)

	/            (root, always present)
	└── a        {}
	    └── b    {}
	        └── c  {k: v}

If a node exists, every ancestor exists. RemoveNode deletes a node
together with its whole subtree; RemoveData only clears the attribute map.

Operations
==========

  - Reads: Get, Exists, ChildrenNames. Absence is reported with ErrNotFound.
  - Writes: PutKeyValue, PutData, RemoveKeyValue, RemoveData, RemoveNode
    and the batch form Apply, which replays Modifications in order and
    is atomic from a reader's point of view.
  - Two-phase: Prepare, Commit, Rollback against an opaque Token.
  - State transfer: LoadEntireState, StoreEntireState, LoadState and
    StoreState move a framed snapshot through an io.Writer or io.Reader.
  - Lifecycle: Create, Start, Stop, Destroy.

Building Blocks
===============

Backends share three helpers from this package instead of reimplementing
the protocol parts of the contract:

  - TwoPhase keeps the pending transaction table and implements
    Prepare/Commit/Rollback on top of a backend's Apply.
  - Snapshotter implements the four state-transfer operations on top of
    a backend's Walk and Apply, using StateWriter and StateReader for
    framing.
  - Registry maps a backend type name to a Factory.

The storetest subpackage holds the conformance suite every bundled
backend runs.
*/
package store
