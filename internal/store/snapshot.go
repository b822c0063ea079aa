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
	"io"

	"golang.org/x/sync/errgroup"

	"treestore/internal/nodepath"
)

// WalkFunc visits the node rooted at root and every descendant, parents
// before children. It visits nothing when root does not exist.
type WalkFunc func(ctx context.Context, root nodepath.Path, fn func(Node) error) error

// ApplyFunc replays modifications as one unit.
type ApplyFunc func(ctx context.Context, mods []Modification) error

// Snapshotter implements the state-transfer operations for a backend that
// can walk its tree and apply modification batches.
type Snapshotter struct {
	Marker string
	Walk   WalkFunc
	Apply  ApplyFunc
}

// LoadEntireState writes every node followed by the end marker.
func (s *Snapshotter) LoadEntireState(ctx context.Context, w io.Writer) error {
	return s.LoadState(ctx, nodepath.Root, w)
}

// LoadState writes the subtree rooted at p followed by the end marker.
func (s *Snapshotter) LoadState(ctx context.Context, p nodepath.Path, w io.Writer) error {
	sw := NewStateWriter(w, s.Marker)
	err := s.Walk(ctx, p, func(n Node) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return sw.WriteNode(n)
	})
	if err != nil {
		return err
	}
	return sw.Close()
}

// StoreEntireState clears the backend then imports the stream.
func (s *Snapshotter) StoreEntireState(ctx context.Context, r io.Reader) error {
	return s.StoreState(ctx, nodepath.Root, r)
}

// StoreState replaces the subtree rooted at p with the stream's nodes.
func (s *Snapshotter) StoreState(ctx context.Context, p nodepath.Path, r io.Reader) error {
	nodes, err := NewStateReader(r, s.Marker).ReadAll()
	if err != nil {
		return err
	}
	return s.Apply(ctx, ImportModifications(p, nodes))
}

// ImportModifications turns snapshot nodes into the batch that replaces
// the subtree at base: a RemoveNode of base followed by one PutData per
// node. Nodes that are not under base are re-rooted below it.
func ImportModifications(base nodepath.Path, nodes []Node) []Modification {
	mods := make([]Modification, 0, len(nodes)+1)
	mods = append(mods, RemoveNode(base))
	for _, n := range nodes {
		p := n.Path
		if !p.IsSelfOrDescendantOf(base) {
			p = base.Join(p)
		}
		mods = append(mods, PutData(p, n.Data))
	}
	return mods
}

// Copy streams the entire state of src into dst through a pipe.
func Copy(ctx context.Context, dst StateStorer, src StateLoader) error {
	pr, pw := io.Pipe()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := src.LoadEntireState(ctx, pw)
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := dst.StoreEntireState(ctx, pr)
		pr.CloseWithError(err)
		return err
	})
	return g.Wait()
}
