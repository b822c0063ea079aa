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

package async

import (
	"treestore/internal/nodepath"
	"treestore/internal/store"
)

// Coalesce removes writes that a later write in mods overwrites. A put of
// a key is dropped when the same key of the same node is put again later,
// and consecutive PutData calls on one node are merged into the later one.
// Two writes are only combined when nothing between them touches the
// node, one of its ancestors or one of its descendants, so applying the
// result has the same effect as applying mods.
func Coalesce(mods []store.Modification) []store.Modification {
	if len(mods) < 2 {
		return mods
	}
	out := make([]store.Modification, len(mods))
	copy(out, mods)
	dropped := make([]bool, len(out))
	n := len(out)

	for i := range out {
		m := out[i]
		if m.Op != store.OpPutKeyValue && m.Op != store.OpPutData {
			continue
		}
		for j := i + 1; j < len(out); j++ {
			if dropped[j] || !related(m.Path, out[j].Path) {
				continue
			}
			next := out[j]
			if next.Path.Equal(m.Path) {
				switch {
				case m.Op == store.OpPutKeyValue && next.Op == store.OpPutKeyValue && next.Key == m.Key:
					dropped[i] = true
					n--
				case m.Op == store.OpPutData && next.Op == store.OpPutData:
					merged := make(map[string][]byte, len(m.Data)+len(next.Data))
					for k, v := range m.Data {
						merged[k] = v
					}
					for k, v := range next.Data {
						merged[k] = v
					}
					out[j].Data = merged
					dropped[i] = true
					n--
				}
			}
			break
		}
	}

	if n == len(out) {
		return out
	}
	kept := make([]store.Modification, 0, n)
	for i, m := range out {
		if !dropped[i] {
			kept = append(kept, m)
		}
	}
	return kept
}

func related(a, b nodepath.Path) bool {
	return a.IsSelfOrDescendantOf(b) || b.IsDescendantOf(a)
}
