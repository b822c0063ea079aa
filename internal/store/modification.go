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
	"fmt"

	"github.com/fxamacker/cbor/v2"

	serrors "treestore/internal/errors"
	"treestore/internal/nodepath"
)

// Op identifies the kind of a Modification.
type Op byte

// Modification kinds. The numeric values are persisted by the file
// backend's log and must not change.
const (
	OpPutKeyValue    Op = 1
	OpPutData        Op = 2
	OpRemoveKeyValue Op = 3
	OpRemoveData     Op = 4
	OpRemoveNode     Op = 5
)

// String returns the operation name.
func (o Op) String() string {
	switch o {
	case OpPutKeyValue:
		return "PUT_KEY_VALUE"
	case OpPutData:
		return "PUT_DATA"
	case OpRemoveKeyValue:
		return "REMOVE_KEY_VALUE"
	case OpRemoveData:
		return "REMOVE_DATA"
	case OpRemoveNode:
		return "REMOVE_NODE"
	default:
		return fmt.Sprintf("OP(%d)", byte(o))
	}
}

// Modification is one persistable mutation. Key and Value are used by the
// key-value ops, Data by OpPutData.
type Modification struct {
	Op    Op
	Path  nodepath.Path
	Key   string
	Value []byte
	Data  map[string][]byte
}

// PutKeyValue returns a modification setting one attribute.
func PutKeyValue(p nodepath.Path, key string, value []byte) Modification {
	return Modification{Op: OpPutKeyValue, Path: p, Key: key, Value: value}
}

// PutData returns a modification merging an attribute map.
func PutData(p nodepath.Path, data map[string][]byte) Modification {
	return Modification{Op: OpPutData, Path: p, Data: data}
}

// RemoveKeyValue returns a modification removing one attribute.
func RemoveKeyValue(p nodepath.Path, key string) Modification {
	return Modification{Op: OpRemoveKeyValue, Path: p, Key: key}
}

// RemoveData returns a modification clearing a node's attributes.
func RemoveData(p nodepath.Path) Modification {
	return Modification{Op: OpRemoveData, Path: p}
}

// RemoveNode returns a modification deleting a subtree.
func RemoveNode(p nodepath.Path) Modification {
	return Modification{Op: OpRemoveNode, Path: p}
}

// Validate checks that the modification can be applied.
func (m Modification) Validate() error {
	switch m.Op {
	case OpPutKeyValue, OpPutData, OpRemoveKeyValue, OpRemoveData, OpRemoveNode:
		return nil
	default:
		return serrors.InvalidModification(fmt.Sprintf("unknown op %d on %s", byte(m.Op), m.Path))
	}
}

// String returns a short description for logs.
func (m Modification) String() string {
	switch m.Op {
	case OpPutKeyValue, OpRemoveKeyValue:
		return fmt.Sprintf("%s(%s, %q)", m.Op, m.Path, m.Key)
	case OpPutData:
		return fmt.Sprintf("%s(%s, %d keys)", m.Op, m.Path, len(m.Data))
	default:
		return fmt.Sprintf("%s(%s)", m.Op, m.Path)
	}
}

// ValidateAll validates every modification in mods.
func ValidateAll(mods []Modification) error {
	for _, m := range mods {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// wireModification is the CBOR form of a Modification.
type wireModification struct {
	Op    Op                `cbor:"1,keyasint"`
	Path  []string          `cbor:"2,keyasint"`
	Key   string            `cbor:"3,keyasint,omitempty"`
	Value []byte            `cbor:"4,keyasint,omitempty"`
	Data  map[string][]byte `cbor:"5,keyasint,omitempty"`
}

// MarshalModification encodes m as CBOR.
func MarshalModification(m Modification) ([]byte, error) {
	return cbor.Marshal(wireModification{
		Op:    m.Op,
		Path:  m.Path.Elements(),
		Key:   m.Key,
		Value: m.Value,
		Data:  m.Data,
	})
}

// UnmarshalModification decodes a modification encoded by MarshalModification.
func UnmarshalModification(b []byte) (Modification, error) {
	var w wireModification
	if err := cbor.Unmarshal(b, &w); err != nil {
		return Modification{}, serrors.InvalidModification("decode").WithCause(err)
	}
	m := Modification{
		Op:    w.Op,
		Path:  nodepath.New(w.Path...),
		Key:   w.Key,
		Value: w.Value,
		Data:  w.Data,
	}
	return m, m.Validate()
}

// MarshalModifications encodes a list of modifications as one CBOR array.
func MarshalModifications(mods []Modification) ([]byte, error) {
	wire := make([]wireModification, len(mods))
	for i, m := range mods {
		wire[i] = wireModification{
			Op:    m.Op,
			Path:  m.Path.Elements(),
			Key:   m.Key,
			Value: m.Value,
			Data:  m.Data,
		}
	}
	return cbor.Marshal(wire)
}

// UnmarshalModifications decodes a list encoded by MarshalModifications.
func UnmarshalModifications(b []byte) ([]Modification, error) {
	var wire []wireModification
	if err := cbor.Unmarshal(b, &wire); err != nil {
		return nil, serrors.InvalidModification("decode").WithCause(err)
	}
	mods := make([]Modification, len(wire))
	for i, w := range wire {
		mods[i] = Modification{
			Op:    w.Op,
			Path:  nodepath.New(w.Path...),
			Key:   w.Key,
			Value: w.Value,
			Data:  w.Data,
		}
	}
	return mods, ValidateAll(mods)
}
