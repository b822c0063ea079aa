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

package kv

import (
	"net/url"
	"sort"
	"strings"

	"treestore/internal/nodepath"
	"treestore/internal/store"
)

// tree runs node operations inside one transaction.
type tree struct {
	tx Txn
}

func (t tree) get(p nodepath.Path) (map[string][]byte, bool, error) {
	key := p.Key()
	b, ok, err := t.tx.Get(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		if p.IsRoot() {
			return map[string][]byte{}, true, nil
		}
		return nil, false, nil
	}
	data, err := decodeData(key, b)
	return data, err == nil, err
}

func (t tree) put(p nodepath.Path, data map[string][]byte) error {
	b, err := encodeData(data)
	if err != nil {
		return err
	}
	return t.tx.Put(p.Key(), b)
}

// ensure returns the attributes of p, creating p and its missing
// ancestors first.
func (t tree) ensure(p nodepath.Path) (map[string][]byte, error) {
	data, ok, err := t.get(p)
	if err != nil {
		return nil, err
	}
	if ok {
		return data, nil
	}
	if _, err := t.ensure(p.Parent()); err != nil {
		return nil, err
	}
	data = map[string][]byte{}
	return data, t.put(p, data)
}

func (t tree) putKeyValue(p nodepath.Path, key string, value []byte) ([]byte, error) {
	data, err := t.ensure(p)
	if err != nil {
		return nil, err
	}
	prev := data[key]
	data[key] = value
	return prev, t.put(p, data)
}

func (t tree) putData(p nodepath.Path, in map[string][]byte) error {
	data, err := t.ensure(p)
	if err != nil {
		return err
	}
	for k, v := range in {
		data[k] = v
	}
	return t.put(p, data)
}

func (t tree) removeKeyValue(p nodepath.Path, key string) ([]byte, error) {
	data, ok, err := t.get(p)
	if err != nil || !ok {
		return nil, err
	}
	prev, present := data[key]
	if !present {
		return nil, nil
	}
	delete(data, key)
	return prev, t.put(p, data)
}

func (t tree) removeData(p nodepath.Path) error {
	_, ok, err := t.get(p)
	if err != nil || !ok {
		return err
	}
	return t.put(p, map[string][]byte{})
}

func (t tree) removeNode(p nodepath.Path) error {
	lo, hi := p.DescendantRange()
	if rd, ok := t.tx.(RangeDeleter); ok {
		if err := rd.DeleteRange(lo, hi); err != nil {
			return err
		}
	} else {
		var keys []string
		err := t.tx.Scan(lo, hi, func(key string, _ []byte) (string, error) {
			keys = append(keys, key)
			return "", nil
		})
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := t.tx.Delete(key); err != nil {
				return err
			}
		}
	}
	return t.tx.Delete(p.Key())
}

func (t tree) children(p nodepath.Path) ([]string, bool, error) {
	if _, ok, err := t.get(p); err != nil || !ok {
		return nil, false, err
	}

	lo, hi := p.DescendantRange()
	seen := make(map[string]struct{})
	names := []string{}
	err := t.tx.Scan(lo, hi, func(key string, _ []byte) (string, error) {
		rest := key[len(lo):]
		if rest == "" {
			return "", nil
		}
		escaped, skipTo := rest, ""
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			escaped = rest[:i]
			skipTo = lo + escaped + "0"
		}
		name, err := url.PathUnescape(escaped)
		if err != nil {
			return "", err
		}
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			names = append(names, name)
		}
		return skipTo, nil
	})
	if err != nil {
		return nil, false, err
	}
	sort.Strings(names)
	return names, true, nil
}

// walk visits root and its descendants in path order.
func (t tree) walk(root nodepath.Path, fn func(store.Node) error) error {
	data, ok, err := t.get(root)
	if err != nil || !ok {
		return err
	}
	nodes := []store.Node{{Path: root, Data: data}}

	lo, hi := root.DescendantRange()
	rootKey := root.Key()
	err = t.tx.Scan(lo, hi, func(key string, value []byte) (string, error) {
		if key == rootKey {
			return "", nil
		}
		p, err := nodepath.FromKey(key)
		if err != nil {
			return "", err
		}
		data, err := decodeData(key, value)
		if err != nil {
			return "", err
		}
		nodes = append(nodes, store.Node{Path: p, Data: data})
		return "", nil
	})
	if err != nil {
		return err
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path.Compare(nodes[j].Path) < 0 })
	for _, n := range nodes {
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

func (t tree) apply(m store.Modification) error {
	switch m.Op {
	case store.OpPutKeyValue:
		_, err := t.putKeyValue(m.Path, m.Key, m.Value)
		return err
	case store.OpPutData:
		return t.putData(m.Path, m.Data)
	case store.OpRemoveKeyValue:
		_, err := t.removeKeyValue(m.Path, m.Key)
		return err
	case store.OpRemoveData:
		return t.removeData(m.Path)
	case store.OpRemoveNode:
		return t.removeNode(m.Path)
	default:
		return m.Validate()
	}
}
