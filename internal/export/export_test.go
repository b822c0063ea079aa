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

package export

import (
	"bytes"
	"context"
	"strings"
	"testing"

	serrors "treestore/internal/errors"
	"treestore/internal/store"
	"treestore/internal/store/memory"
	"treestore/internal/store/storetest"
)

func seeded(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New(store.Options{Name: "src"})
	for _, w := range []struct{ path, key, value string }{
		{"/a", "k", "1"},
		{"/a/b", "k", "2"},
		{"/c%2Fd", "slash", "3"},
	} {
		if _, err := s.PutKeyValue(ctx, storetest.P(w.path), w.key, []byte(w.value)); err != nil {
			t.Fatalf("seed %s failed: %v", w.path, err)
		}
	}
	return s
}

func TestRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts Options
	}{
		{"binary", Options{Format: Binary}},
		{"binary-gzip", Options{Format: Binary, Gzip: true}},
		{"json", Options{Format: JSON}},
		{"json-gzip", Options{Format: JSON, Gzip: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			src := seeded(t)

			var buf bytes.Buffer
			n, err := Export(ctx, src, &buf, tc.opts)
			if err != nil {
				t.Fatalf("Export failed: %v", err)
			}
			if n != src.Tree().Len() {
				t.Errorf("exported %d nodes, want %d", n, src.Tree().Len())
			}

			dst := memory.New(store.Options{Name: "dst"})
			if _, err := dst.PutKeyValue(ctx, storetest.P("/stale"), "k", []byte("x")); err != nil {
				t.Fatalf("seed failed: %v", err)
			}
			// Import options need no format: it is detected.
			got, err := Import(ctx, dst, &buf, Options{})
			if err != nil {
				t.Fatalf("Import failed: %v", err)
			}
			if got != n {
				t.Errorf("imported %d nodes, want %d", got, n)
			}
			storetest.AssertValue(t, dst, storetest.P("/a/b"), "k", "2")
			storetest.AssertValue(t, dst, storetest.P("/c%2Fd"), "slash", "3")
			storetest.AssertExists(t, dst, storetest.P("/stale"), false)
		})
	}
}

func TestJSONDocumentShape(t *testing.T) {
	var buf bytes.Buffer
	if _, err := Export(context.Background(), seeded(t), &buf, Options{Format: JSON}); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"nodes"`) || !strings.Contains(out, `"MQ=="`) {
		t.Errorf("unexpected document:\n%s", out)
	}
}

func TestSubtreeExport(t *testing.T) {
	var buf bytes.Buffer
	n, err := Export(context.Background(), seeded(t), &buf, Options{Format: JSON, Path: storetest.P("/a")})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if n != 2 {
		t.Errorf("exported %d nodes, want 2", n)
	}
}

func TestImportRejectsGarbage(t *testing.T) {
	dst := memory.New(store.Options{})
	for name, in := range map[string]string{
		"empty":     "",
		"bad json":  "{ not json",
		"truncated": "\x00\x00\x01\x00abc",
	} {
		if _, err := Import(context.Background(), dst, strings.NewReader(in), Options{}); !serrors.IsProtocolError(err) {
			t.Errorf("%s: expected protocol error, got %v", name, err)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != JSON {
		t.Errorf("ParseFormat(JSON) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != Binary {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); !serrors.IsConfigError(err) {
		t.Errorf("ParseFormat(xml) error = %v", err)
	}
}
