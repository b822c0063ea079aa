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
State Stream Framing
====================

Snapshots travel as a sequence of length-prefixed CBOR records:

	┌──────────────┬──────────────────────────────────────┐
	│ Length (4B)  │ CBOR record {path, attributes, end}  │
	└──────────────┴──────────────────────────────────────┘

	- Length: size of the CBOR record in bytes (big-endian uint32)
	- path: node path elements
	- attributes: the node's attribute map
	- end: set only on the final record and carries the end marker

The last record carries the caller-supplied end marker. Readers consume
exactly one record at a time with fixed-size reads, so they never read
past the end record and a snapshot can be embedded in a larger stream.
*/
package store

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	serrors "treestore/internal/errors"
	"treestore/internal/nodepath"
)

// DefaultEndMarker terminates snapshots when no marker is configured.
const DefaultEndMarker = "treestore:eos"

// MaxRecordSize bounds a single framed record.
const MaxRecordSize = 64 << 20

type stateRecord struct {
	Path []string          `cbor:"1,keyasint,omitempty"`
	Data map[string][]byte `cbor:"2,keyasint,omitempty"`
	End  string            `cbor:"3,keyasint,omitempty"`
}

// StateWriter frames snapshot records onto w.
type StateWriter struct {
	w      io.Writer
	marker string
	count  int
	closed bool
}

// NewStateWriter returns a writer terminating its stream with marker.
func NewStateWriter(w io.Writer, marker string) *StateWriter {
	if marker == "" {
		marker = DefaultEndMarker
	}
	return &StateWriter{w: w, marker: marker}
}

// WriteNode appends one node record.
func (sw *StateWriter) WriteNode(n Node) error {
	if sw.closed {
		return serrors.NewProtocolError("write after end of stream")
	}
	data := n.Data
	if data == nil {
		data = map[string][]byte{}
	}
	if err := sw.write(stateRecord{Path: n.Path.Elements(), Data: data}); err != nil {
		return err
	}
	sw.count++
	return nil
}

// Close writes the end record. It does not close the underlying writer.
func (sw *StateWriter) Close() error {
	if sw.closed {
		return nil
	}
	sw.closed = true
	return sw.write(stateRecord{End: sw.marker})
}

// Count returns the number of node records written.
func (sw *StateWriter) Count() int {
	return sw.count
}

func (sw *StateWriter) write(rec stateRecord) error {
	body, err := cbor.Marshal(rec)
	if err != nil {
		return serrors.CorruptStream("encode record").WithCause(err)
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := sw.w.Write(buf); err != nil {
		return serrors.IOFailure("state write", err)
	}
	return nil
}

// StateReader reads records framed by StateWriter.
type StateReader struct {
	r      io.Reader
	marker string
	done   bool
}

// NewStateReader returns a reader expecting marker as the end record.
func NewStateReader(r io.Reader, marker string) *StateReader {
	if marker == "" {
		marker = DefaultEndMarker
	}
	return &StateReader{r: r, marker: marker}
}

// Next returns the next node. It returns io.EOF after the end record; a
// stream that ends before the end record is corrupt.
func (sr *StateReader) Next() (Node, error) {
	if sr.done {
		return Node{}, io.EOF
	}
	var hdr [4]byte
	if _, err := io.ReadFull(sr.r, hdr[:]); err != nil {
		return Node{}, serrors.CorruptStream("missing end marker").WithCause(err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxRecordSize {
		return Node{}, serrors.CorruptStream(fmt.Sprintf("record of %d bytes exceeds limit", size))
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(sr.r, body); err != nil {
		return Node{}, serrors.CorruptStream("truncated record").WithCause(err)
	}
	var rec stateRecord
	if err := cbor.Unmarshal(body, &rec); err != nil {
		return Node{}, serrors.CorruptStream("decode record").WithCause(err)
	}
	if rec.End != "" {
		if rec.End != sr.marker {
			return Node{}, serrors.CorruptStream(fmt.Sprintf("unexpected end marker %q", rec.End))
		}
		sr.done = true
		return Node{}, io.EOF
	}
	data := rec.Data
	if data == nil {
		data = map[string][]byte{}
	}
	return Node{Path: nodepath.New(rec.Path...), Data: data}, nil
}

// ReadAll reads every node up to the end record.
func (sr *StateReader) ReadAll() ([]Node, error) {
	var nodes []Node
	for {
		n, err := sr.Next()
		if err == io.EOF {
			return nodes, nil
		}
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
}

// DiscardState consumes one framed snapshot from r without applying it,
// leaving r positioned right after the end record.
func DiscardState(r io.Reader, marker string) error {
	sr := NewStateReader(r, marker)
	for {
		if _, err := sr.Next(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
