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
Package nodepath implements the hierarchical key used by every store.

A Path is an immutable, ordered list of string elements. The root is the
zero-length path. Paths are written with a leading slash:

	/                 root
	/a                one element
	/a/b/c            three elements

Canonical Keys
==============

Backends that index nodes in a flat keyspace (bbolt, SQLite, Redis) use
Key, which escapes every element so that a "/" inside an element never
collides with the separator:

	Path{"a", "b/c"}  ->  "/a/b%2Fc"

Because "0" sorts directly after "/", the descendants of a node with key K
occupy exactly the half-open range [K+"/", K+"0"). DescendantRange returns
those bounds so range scans and range deletes cover a whole subtree.
*/
package nodepath

import (
	"net/url"
	"sort"
	"strings"

	serrors "treestore/internal/errors"
)

// Separator delimits elements in the string form of a Path.
const Separator = "/"

// Path is an immutable hierarchical key.
type Path struct {
	elems []string
}

// Root is the zero-length path.
var Root = Path{}

// New builds a path from explicit elements. The slice is copied and
// empty elements are dropped, as in Parse.
func New(elems ...string) Path {
	if len(elems) == 0 {
		return Root
	}
	cp := make([]string, 0, len(elems))
	for _, e := range elems {
		if e != "" {
			cp = append(cp, e)
		}
	}
	return Path{elems: cp}
}

// Parse parses a "/"-delimited string. Empty elements are skipped, so
// "a/b", "/a/b" and "/a//b/" are the same path; "" and "/" are the root.
func Parse(s string) Path {
	parts := strings.Split(s, Separator)
	elems := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			elems = append(elems, p)
		}
	}
	return Path{elems: elems}
}

// MustParse is Parse for literals in tests and tools.
func MustParse(s string) Path {
	return Parse(s)
}

// Len returns the number of elements.
func (p Path) Len() int {
	return len(p.elems)
}

// IsRoot reports whether p is the root.
func (p Path) IsRoot() bool {
	return len(p.elems) == 0
}

// Elements returns a copy of the elements.
func (p Path) Elements() []string {
	cp := make([]string, len(p.elems))
	copy(cp, p.elems)
	return cp
}

// Last returns the final element, or "" for the root.
func (p Path) Last() string {
	if len(p.elems) == 0 {
		return ""
	}
	return p.elems[len(p.elems)-1]
}

// Element returns the i-th element.
func (p Path) Element(i int) string {
	return p.elems[i]
}

// Parent returns the path without its last element. The parent of the
// root is the root.
func (p Path) Parent() Path {
	if len(p.elems) <= 1 {
		return Root
	}
	return Path{elems: p.elems[:len(p.elems)-1:len(p.elems)-1]}
}

// Child returns a new path with name appended. An empty name returns p.
func (p Path) Child(name string) Path {
	if name == "" {
		return p
	}
	elems := make([]string, len(p.elems)+1)
	copy(elems, p.elems)
	elems[len(p.elems)] = name
	return Path{elems: elems}
}

// Join returns p followed by every element of rel.
func (p Path) Join(rel Path) Path {
	elems := make([]string, 0, len(p.elems)+len(rel.elems))
	elems = append(elems, p.elems...)
	elems = append(elems, rel.elems...)
	return Path{elems: elems}
}

// Ancestors returns every proper ancestor from the root down to the parent.
func (p Path) Ancestors() []Path {
	out := make([]Path, 0, len(p.elems))
	for i := 0; i < len(p.elems); i++ {
		out = append(out, Path{elems: p.elems[:i:i]})
	}
	return out
}

// Equal reports whether both paths have the same elements.
func (p Path) Equal(o Path) bool {
	if len(p.elems) != len(o.elems) {
		return false
	}
	for i := range p.elems {
		if p.elems[i] != o.elems[i] {
			return false
		}
	}
	return true
}

// IsAncestorOf reports whether o starts with p's elements and differs from p.
func (p Path) IsAncestorOf(o Path) bool {
	if len(p.elems) >= len(o.elems) {
		return false
	}
	for i := range p.elems {
		if p.elems[i] != o.elems[i] {
			return false
		}
	}
	return true
}

// IsDescendantOf reports whether p is strictly below o.
func (p Path) IsDescendantOf(o Path) bool {
	return o.IsAncestorOf(p)
}

// IsSelfOrDescendantOf reports whether p equals o or lies below it.
func (p Path) IsSelfOrDescendantOf(o Path) bool {
	return p.Equal(o) || o.IsAncestorOf(p)
}

// Compare orders paths element-wise; a proper prefix sorts first.
func (p Path) Compare(o Path) int {
	n := len(p.elems)
	if len(o.elems) < n {
		n = len(o.elems)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(p.elems[i], o.elems[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p.elems) < len(o.elems):
		return -1
	case len(p.elems) > len(o.elems):
		return 1
	}
	return 0
}

// String returns the human-readable form, e.g. "/a/b".
func (p Path) String() string {
	if len(p.elems) == 0 {
		return Separator
	}
	return Separator + strings.Join(p.elems, Separator)
}

// Key returns the canonical escaped key used by flat keyspaces.
func (p Path) Key() string {
	if len(p.elems) == 0 {
		return Separator
	}
	var b strings.Builder
	for _, e := range p.elems {
		b.WriteString(Separator)
		b.WriteString(url.PathEscape(e))
	}
	return b.String()
}

// DescendantRange returns [lo, hi) covering the keys of every strict
// descendant of p.
func (p Path) DescendantRange() (lo, hi string) {
	if len(p.elems) == 0 {
		return Separator, "0"
	}
	k := p.Key()
	return k + Separator, k + "0"
}

// FromKey reverses Key.
func FromKey(key string) (Path, error) {
	if key == Separator {
		return Root, nil
	}
	if !strings.HasPrefix(key, Separator) {
		return Root, serrors.InvalidPath(key, "key must start with /")
	}
	parts := strings.Split(key[1:], Separator)
	elems := make([]string, len(parts))
	for i, part := range parts {
		e, err := url.PathUnescape(part)
		if err != nil {
			return Root, serrors.InvalidPath(key, err.Error())
		}
		elems[i] = e
	}
	return Path{elems: elems}, nil
}

// Sort orders paths in place by Compare.
func Sort(paths []Path) {
	sort.Slice(paths, func(i, j int) bool { return paths[i].Compare(paths[j]) < 0 })
}
