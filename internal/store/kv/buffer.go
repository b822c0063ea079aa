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
	"sort"
)

// Buffered collects the writes of a transaction in memory on top of a
// read-only transaction. Reads observe the buffered writes. Engines
// without interactive transactions commit the result with Writes.
type Buffered struct {
	base    Txn
	puts    map[string][]byte
	deletes map[string]struct{}
}

// NewBuffered returns a buffer over base.
func NewBuffered(base Txn) *Buffered {
	return &Buffered{
		base:    base,
		puts:    make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (b *Buffered) Get(key string) ([]byte, bool, error) {
	if _, ok := b.deletes[key]; ok {
		return nil, false, nil
	}
	if v, ok := b.puts[key]; ok {
		return v, true, nil
	}
	return b.base.Get(key)
}

func (b *Buffered) Put(key string, value []byte) error {
	b.puts[key] = value
	delete(b.deletes, key)
	return nil
}

func (b *Buffered) Delete(key string) error {
	delete(b.puts, key)
	b.deletes[key] = struct{}{}
	return nil
}

// Scan merges the base keys with the buffered writes.
func (b *Buffered) Scan(lo, hi string, fn ScanFunc) error {
	merged := make(map[string][]byte)
	err := b.base.Scan(lo, hi, func(key string, value []byte) (string, error) {
		merged[key] = value
		return "", nil
	})
	if err != nil {
		return err
	}
	for k, v := range b.puts {
		if k >= lo && k < hi {
			merged[k] = v
		}
	}
	for k := range b.deletes {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for i := 0; i < len(keys); i++ {
		skipTo, err := fn(keys[i], merged[keys[i]])
		if err != nil {
			return err
		}
		if skipTo != "" {
			i += sort.SearchStrings(keys[i+1:], skipTo)
		}
	}
	return nil
}

// Writes returns the buffered puts and the deleted keys.
func (b *Buffered) Writes() (puts map[string][]byte, deletes []string) {
	deletes = make([]string, 0, len(b.deletes))
	for k := range b.deletes {
		deletes = append(deletes, k)
	}
	sort.Strings(deletes)
	return b.puts, deletes
}

// Empty reports whether nothing was written.
func (b *Buffered) Empty() bool {
	return len(b.puts) == 0 && len(b.deletes) == 0
}
