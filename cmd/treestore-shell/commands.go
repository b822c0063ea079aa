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

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/bytedance/sonic"

	serrors "treestore/internal/errors"
	"treestore/internal/export"
	"treestore/internal/loader"
	"treestore/internal/metrics"
	"treestore/internal/nodepath"
	"treestore/internal/store"
	"treestore/internal/store/memory"
)

// commandHelp lists the shell commands in display order.
var commandHelp = [][2]string{
	{"get <path>", "Show the attributes of a node"},
	{"put <path> <key> <value>", "Set one attribute"},
	{"rm <path> <key>", "Remove one attribute"},
	{"rmdata <path>", "Remove every attribute of a node"},
	{"rmnode <path>", "Remove a node and its subtree"},
	{"ls [path]", "List the children of a node"},
	{"exists <path>", "Report whether a node exists"},
	{"tree [path]", "Print a subtree"},
	{"flush", "Wait for write-behind queues to drain"},
	{"coord on|off", "Become or stop being the coordinator"},
	{"status", "Show stores, coordinators and queues"},
	{"dump <file> [json]", "Export the state store to a file"},
	{"load <file>", "Import a file into the state store"},
	{"help", "Show this help"},
	{"quit", "Exit the shell"},
}

// commandNames feeds tab completion.
func commandNames() []string {
	names := make([]string, 0, len(commandHelp))
	for _, h := range commandHelp {
		names = append(names, strings.Fields(h[0])[0])
	}
	return names
}

// session is the shell's view of a node: an in-memory cache in front of
// the configured chain. Writes go to both; the cache is the state pushed
// when this node becomes coordinator.
type session struct {
	cache    *memory.Store
	manager  *loader.Manager
	jsonMode bool
	marker   string
}

func newSession(cache *memory.Store, m *loader.Manager, marker string, jsonMode bool) *session {
	return &session{cache: cache, manager: m, marker: marker, jsonMode: jsonMode}
}

func (s *session) write(ctx context.Context, mod store.Modification) error {
	if err := s.cache.Apply(ctx, []store.Modification{mod}); err != nil {
		return err
	}
	return s.manager.Chain().Apply(ctx, []store.Modification{mod})
}

// execute runs one command line. It reports whether the shell should exit.
func (s *session) execute(ctx context.Context, line string, out io.Writer) (bool, error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(args[0]), args[1:]

	need := func(n int, usage string) error {
		if len(args) < n {
			return serrors.InvalidValue("arguments", line).WithHint("Usage: " + usage)
		}
		return nil
	}
	pathArg := func(i int) nodepath.Path {
		if i < len(args) {
			return nodepath.Parse(args[i])
		}
		return nodepath.Root
	}

	switch cmd {
	case "quit", "exit", `\q`:
		return true, nil

	case "help", `\h`, "?":
		for _, h := range commandHelp {
			fmt.Fprintf(out, "  %-26s %s\n", h[0], h[1])
		}
		return false, nil

	case "get":
		if err := need(1, "get <path>"); err != nil {
			return false, err
		}
		data, err := s.manager.Chain().Get(ctx, pathArg(0))
		if err == store.ErrNotFound {
			fmt.Fprintln(out, "(not found)")
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return false, s.printData(out, data)

	case "put":
		if err := need(3, "put <path> <key> <value>"); err != nil {
			return false, err
		}
		value := strings.Join(args[2:], " ")
		if err := s.write(ctx, store.PutKeyValue(pathArg(0), args[1], []byte(value))); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "OK")
		return false, nil

	case "rm":
		if err := need(2, "rm <path> <key>"); err != nil {
			return false, err
		}
		if err := s.write(ctx, store.RemoveKeyValue(pathArg(0), args[1])); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "OK")
		return false, nil

	case "rmdata":
		if err := need(1, "rmdata <path>"); err != nil {
			return false, err
		}
		if err := s.write(ctx, store.RemoveData(pathArg(0))); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "OK")
		return false, nil

	case "rmnode":
		if err := need(1, "rmnode <path>"); err != nil {
			return false, err
		}
		if err := s.write(ctx, store.RemoveNode(pathArg(0))); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "OK")
		return false, nil

	case "ls":
		names, err := s.manager.Chain().ChildrenNames(ctx, pathArg(0))
		if err == store.ErrNotFound {
			fmt.Fprintln(out, "(not found)")
			return false, nil
		}
		if err != nil {
			return false, err
		}
		for _, n := range names {
			fmt.Fprintln(out, n)
		}
		return false, nil

	case "exists":
		if err := need(1, "exists <path>"); err != nil {
			return false, err
		}
		ok, err := s.manager.Chain().Exists(ctx, pathArg(0))
		if err != nil {
			return false, err
		}
		fmt.Fprintln(out, ok)
		return false, nil

	case "tree":
		return false, s.printTree(ctx, out, pathArg(0), 0)

	case "flush":
		if err := s.manager.Flush(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "OK")
		return false, nil

	case "coord":
		if err := need(1, "coord on|off"); err != nil {
			return false, err
		}
		var active bool
		switch strings.ToLower(args[0]) {
		case "on":
			active = true
		case "off":
		default:
			return false, serrors.InvalidValue("coord", args[0]).WithHint("Usage: coord on|off")
		}
		if err := s.manager.ActiveStatusChanged(ctx, active); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "coordinator: %v\n", active)
		return false, nil

	case "status":
		s.printStatus(out)
		return false, nil

	case "dump":
		if err := need(1, "dump <file> [json]"); err != nil {
			return false, err
		}
		f := export.Binary
		if len(args) > 1 {
			parsed, err := export.ParseFormat(args[1])
			if err != nil {
				return false, err
			}
			f = parsed
		}
		fh, err := os.Create(args[0])
		if err != nil {
			return false, serrors.IOFailure("create", err)
		}
		defer fh.Close()
		n, err := export.Export(ctx, s.manager.Chain(), fh, export.Options{Format: f, Marker: s.marker})
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "exported %d nodes\n", n)
		return false, nil

	case "load":
		if err := need(1, "load <file>"); err != nil {
			return false, err
		}
		fh, err := os.Open(args[0])
		if err != nil {
			return false, serrors.IOFailure("open", err)
		}
		defer fh.Close()
		n, err := export.Import(ctx, s.manager.Chain(), fh, export.Options{Marker: s.marker})
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "imported %d nodes\n", n)
		return false, nil
	}

	return false, serrors.InvalidValue("command", cmd).WithHint("Type help for a list of commands")
}

func (s *session) printData(out io.Writer, data map[string][]byte) error {
	if s.jsonMode {
		strs := make(map[string]string, len(data))
		for k, v := range data {
			strs[k] = string(v)
		}
		b, err := sonic.ConfigStd.Marshal(strs)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(b))
		return nil
	}
	if len(data) == 0 {
		fmt.Fprintln(out, "(empty)")
		return nil
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s = %s\n", k, data[k])
	}
	return nil
}

func (s *session) printTree(ctx context.Context, out io.Writer, p nodepath.Path, depth int) error {
	data, err := s.manager.Chain().Get(ctx, p)
	if err == store.ErrNotFound {
		if depth == 0 {
			fmt.Fprintln(out, "(not found)")
		}
		return nil
	}
	if err != nil {
		return err
	}
	name := p.Last()
	if p.IsRoot() {
		name = "/"
	}
	fmt.Fprintf(out, "%s%s (%d)\n", strings.Repeat("  ", depth), name, len(data))

	names, err := s.manager.Chain().ChildrenNames(ctx, p)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	for _, n := range names {
		if err := s.printTree(ctx, out, p.Child(n), depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) printStatus(out io.Writer) {
	for _, e := range s.manager.Chain().Entries() {
		var flags []string
		if e.IgnoreModifications {
			flags = append(flags, "read-only")
		}
		if e.FetchPersistentState {
			flags = append(flags, "state")
		}
		if c, ok := s.manager.Coordinator(e.Name); ok {
			flags = append(flags, fmt.Sprintf("coordinator=%v pushes=%d", c.IsActive(), c.PushTasksStarted()))
		}
		if d, ok := s.manager.Async(e.Name); ok {
			st := d.Stats()
			flags = append(flags, fmt.Sprintf("queued=%d applied=%d failed=%d", st.Depth, st.Applied, st.Failed))
		}
		fmt.Fprintf(out, "  %-12s %s\n", e.Name, strings.Join(flags, " "))
	}
	m := metrics.Get()
	fmt.Fprintf(out, "  transactions: prepared=%d committed=%d rolled_back=%d\n",
		m.TxPrepared.Load(), m.TxCommitted.Load(), m.TxRolledBack.Load())
}
