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
Package export moves the state of a store to and from files.

Formats:
========

	binary  the framed state stream produced by LoadEntireState
	json    a document listing every node with base64 attribute values

	{
	  "marker": "treestore:eos",
	  "nodes": [
	    {"path": [], "data": {}},
	    {"path": ["a"], "data": {"k": "dg=="}}
	  ]
	}

Either format may be gzip-compressed. Import detects gzip and the format
from the first bytes, so a file exported with any options imports as is.
*/
package export

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"strings"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"

	serrors "treestore/internal/errors"
	"treestore/internal/nodepath"
	"treestore/internal/store"
)

// Format selects the file encoding.
type Format string

const (
	Binary Format = "binary"
	JSON   Format = "json"
)

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "binary", "bin":
		return Binary, nil
	case "json":
		return JSON, nil
	}
	return "", serrors.InvalidValue("format", s).WithHint("Use binary or json")
}

// Document is the JSON form of a state stream.
type Document struct {
	Marker string     `json:"marker,omitempty"`
	Nodes  []JSONNode `json:"nodes"`
}

// JSONNode is one node of a Document.
type JSONNode struct {
	Path []string          `json:"path"`
	Data map[string][]byte `json:"data"`
}

// Options controls Export and Import.
type Options struct {
	Format Format
	Gzip   bool

	// Path limits the transfer to a subtree. The zero value is the root.
	Path nodepath.Path

	// Marker is the end marker of the binary stream.
	Marker string
}

func (o Options) marker() string {
	if o.Marker == "" {
		return store.DefaultEndMarker
	}
	return o.Marker
}

// load streams the selected state of s into fn one node at a time.
func load(ctx context.Context, s store.StateTransfer, opts Options, fn func(store.Node) error) error {
	pr, pw := io.Pipe()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if opts.Path.IsRoot() {
			err = s.LoadEntireState(ctx, pw)
		} else {
			err = s.LoadState(ctx, opts.Path, pw)
		}
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		sr := store.NewStateReader(pr, opts.marker())
		for {
			n, err := sr.Next()
			if err == io.EOF {
				return nil
			}
			if err == nil {
				err = fn(n)
			}
			if err != nil {
				pr.CloseWithError(err)
				return err
			}
		}
	})
	return g.Wait()
}

// Export writes the state of s to w and returns the number of nodes.
func Export(ctx context.Context, s store.StateTransfer, w io.Writer, opts Options) (int, error) {
	out := w
	var gz *gzip.Writer
	if opts.Gzip {
		gz = gzip.NewWriter(w)
		out = gz
	}

	var count int
	switch opts.Format {
	case JSON:
		doc := Document{Marker: opts.Marker, Nodes: []JSONNode{}}
		err := load(ctx, s, opts, func(n store.Node) error {
			doc.Nodes = append(doc.Nodes, JSONNode{Path: n.Path.Elements(), Data: n.Data})
			return nil
		})
		if err != nil {
			return 0, err
		}
		b, err := sonic.ConfigStd.MarshalIndent(doc, "", "  ")
		if err != nil {
			return 0, serrors.IOFailure("encode json", err)
		}
		if _, err := out.Write(append(b, '\n')); err != nil {
			return 0, serrors.IOFailure("write", err)
		}
		count = len(doc.Nodes)
	default:
		sw := store.NewStateWriter(out, opts.marker())
		if err := load(ctx, s, opts, sw.WriteNode); err != nil {
			return 0, err
		}
		if err := sw.Close(); err != nil {
			return 0, err
		}
		count = sw.Count()
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return 0, serrors.IOFailure("gzip", err)
		}
	}
	return count, nil
}

// Decode reads every node of an exported file.
func Decode(r io.Reader, marker string) ([]store.Node, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, serrors.CorruptStream("gzip header").WithCause(err)
		}
		defer zr.Close()
		br = bufio.NewReader(zr)
	}

	first, err := firstByte(br)
	if err != nil {
		return nil, err
	}
	if first != '{' {
		return store.NewStateReader(br, marker).ReadAll()
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, serrors.IOFailure("read", err)
	}
	var doc Document
	if err := sonic.ConfigStd.Unmarshal(body, &doc); err != nil {
		return nil, serrors.CorruptStream("decode json").WithCause(err)
	}
	nodes := make([]store.Node, 0, len(doc.Nodes))
	for _, jn := range doc.Nodes {
		data := jn.Data
		if data == nil {
			data = map[string][]byte{}
		}
		nodes = append(nodes, store.Node{Path: nodepath.New(jn.Path...), Data: data})
	}
	return nodes, nil
}

func firstByte(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, serrors.CorruptStream("empty input").WithCause(err)
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = br.ReadByte()
			continue
		}
		return b[0], nil
	}
}

// Import replaces the selected state of s with the nodes in r and returns
// the number of nodes imported.
func Import(ctx context.Context, s store.StateTransfer, r io.Reader, opts Options) (int, error) {
	nodes, err := Decode(r, opts.marker())
	if err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	sw := store.NewStateWriter(&buf, opts.marker())
	for _, n := range nodes {
		if err := sw.WriteNode(n); err != nil {
			return 0, err
		}
	}
	if err := sw.Close(); err != nil {
		return 0, err
	}

	if opts.Path.IsRoot() {
		err = s.StoreEntireState(ctx, &buf)
	} else {
		err = s.StoreState(ctx, opts.Path, &buf)
	}
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}
