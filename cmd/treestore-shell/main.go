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
Package main is the entry point for the TreeStore shell (tsh).

TreeStore Shell Overview:
=========================

tsh opens the store chain described by the configuration and offers an
interactive REPL over it. It behaves like one cache node: an in-memory
tree sits in front of the chain, every write goes to both, and the
in-memory tree is the state pushed to singleton stores when the node is
made coordinator with "coord on".

Line editing, history and tab completion come from readline when stdin is
a terminal; piped input is read line by line.

Usage Examples:
===============

	Open the discovered configuration:
	  tsh

	Run one command and exit:
	  tsh -c treestore.yaml -e "tree /"

	Example session:
	  treestore> put /users/alice role admin
	  OK
	  treestore> coord on
	  coordinator: true
	  treestore> get /users/alice
	  role = admin
*/
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	serrors "treestore/internal/errors"
	"treestore/internal/health"
	"treestore/internal/loader"
	"treestore/internal/metrics"
	"treestore/internal/store"
	"treestore/internal/store/memory"
	"treestore/internal/tracing"
)

// isTerminal returns true if stdin is a terminal.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

const version = "1.0.0"

var (
	configFile = flag.String("c", "", "Configuration file (default: discovered)")
	execute    = flag.String("e", "", "Execute one command and exit")
	jsonOutput = flag.Bool("json", false, "Print node data as JSON")
)

func main() {
	flag.Parse()

	// A missing .env is not an error.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, serrors.FormatError(err))
		os.Exit(1)
	}
}

func run(ctx context.Context) (err error) {
	cfg, err := loader.LoadConfig(*configFile)
	if err != nil {
		return err
	}
	loader.ConfigureLogging(cfg.Log, os.Stderr)

	shutdown, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	ms := metrics.NewServer(&cfg.Metrics)
	if err := ms.Start(); err != nil {
		return err
	}
	defer func() { _ = ms.Stop() }()

	cache := memory.New(store.Options{Name: "cache", EndMarker: cfg.EndMarker})
	m, err := loader.Build(ctx, cfg, cache)
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if serr := m.Stop(context.Background()); err == nil {
			err = serr
		}
	}()

	checker := health.NewChecker(version)
	m.RegisterHealthChecks(checker)
	hs := health.NewServer(&cfg.Health, checker)
	if err := hs.Start(); err != nil {
		return err
	}
	defer func() { _ = hs.Stop() }()

	s := newSession(cache, m, cfg.EndMarker, *jsonOutput)
	if *execute != "" {
		_, err := s.execute(ctx, *execute, os.Stdout)
		return err
	}
	if isTerminal() {
		return runInteractive(ctx, s)
	}
	return runSimpleREPL(ctx, s, os.Stdin, os.Stdout)
}

// getHistoryFilePath returns the path of the history file.
func getHistoryFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".treestore_history")
}

// createCompleter creates a readline completer for tab completion.
func createCompleter() *readline.PrefixCompleter {
	names := commandNames()
	items := make([]readline.PrefixCompleterInterface, 0, len(names))
	for _, cmd := range names {
		items = append(items, readline.PcItem(cmd))
	}
	return readline.NewPrefixCompleter(items...)
}

// filterInput filters input runes for readline.
func filterInput(r rune) (rune, bool) {
	switch r {
	case readline.CharCtrlZ:
		return r, false // Disable Ctrl+Z
	}
	return r, true
}

func runInteractive(ctx context.Context, s *session) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:              "treestore> ",
		HistoryFile:         getHistoryFilePath(),
		AutoComplete:        createCompleter(),
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		// Fall back to the simple loop if readline cannot start.
		return runSimpleREPL(ctx, s, os.Stdin, os.Stdout)
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "TreeStore shell %s. Type help for commands.\n", version)
	for ctx.Err() == nil {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if line == "" {
				return nil
			}
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		quit, err := s.execute(ctx, strings.TrimSpace(line), rl.Stdout())
		if err != nil {
			fmt.Fprintln(rl.Stderr(), serrors.FormatError(err))
		}
		if quit {
			return nil
		}
	}
	return nil
}

// runSimpleREPL runs the shell without readline (piped mode). Errors are
// reported and the loop continues.
func runSimpleREPL(ctx context.Context, s *session, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for ctx.Err() == nil && scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		quit, err := s.execute(ctx, line, out)
		if err != nil {
			fmt.Fprintln(out, serrors.FormatError(err))
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}
