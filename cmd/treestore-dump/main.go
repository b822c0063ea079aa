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
Package main is the entry point for the TreeStore dump utility (tsdump).

tsdump exports the persistent state of a configured store chain to a file
and imports it back, for backups and for moving data between backends.

Usage:

	tsdump [options]

Options:

	-c <file>           Configuration file (default: discovered)
	-s <store>          Store to read or write (default: the chain's state store)
	-p <path>           Limit the transfer to a subtree (default: /)
	-o <file>           Output file path (default: stdout)
	-f <format>         Output format: binary, json (default: binary)
	-z                  Compress output with gzip
	--import <file>     Import state from file; format and gzip are detected
	-v                  Verbose output
	--version           Show version information
	-h                  Show help

Examples:

	# Binary backup of the state store
	tsdump -c treestore.yaml -z -o backup.tsd.gz

	# Readable dump of one subtree from a named store
	tsdump -s primary -p /users -f json

	# Restore
	tsdump -c treestore.yaml --import backup.tsd.gz
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"treestore/internal/chain"
	serrors "treestore/internal/errors"
	"treestore/internal/export"
	"treestore/internal/loader"
	"treestore/internal/nodepath"
	"treestore/internal/store"
	"treestore/internal/store/memory"
)

const version = "1.0.0"

var (
	configFile  = flag.String("c", "", "Configuration file (default: discovered)")
	storeName   = flag.String("s", "", "Store to read or write (default: the chain's state store)")
	subtree     = flag.String("p", "/", "Limit the transfer to a subtree")
	outputFile  = flag.String("o", "", "Output file path (default: stdout)")
	format      = flag.String("f", "binary", "Output format: binary, json")
	compress    = flag.Bool("z", false, "Compress output with gzip")
	importFile  = flag.String("import", "", "Import state from file")
	verbose     = flag.Bool("v", false, "Verbose output")
	showVersion = flag.Bool("version", false, "Show version information")
	help        = flag.Bool("h", false, "Show help")
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if *help {
		printUsage()
		os.Exit(0)
	}
	if *showVersion {
		fmt.Printf("tsdump version %s\n", version)
		os.Exit(0)
	}

	// A missing .env is not an error.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, serrors.FormatError(err))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "TreeStore Dump Utility v%s\n\n", version)
	fmt.Fprintf(os.Stderr, "Usage: tsdump [options]\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
}

func verboseLog(format string, args ...interface{}) {
	if *verbose {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

func run(ctx context.Context) (err error) {
	cfg, err := loader.LoadConfig(*configFile)
	if err != nil {
		return err
	}
	level := cfg.Log
	if !*verbose {
		level.Level = "warn"
	}
	loader.ConfigureLogging(level, os.Stderr)

	f, err := export.ParseFormat(*format)
	if err != nil {
		return err
	}
	opts := export.Options{
		Format: f,
		Gzip:   *compress,
		Path:   nodepath.Parse(*subtree),
		Marker: cfg.EndMarker,
	}

	// The dump tool never becomes coordinator; the source is never read.
	m, err := loader.Build(ctx, cfg, memory.New(store.Options{Name: "tsdump"}))
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

	target, err := resolveTarget(m, *storeName, *importFile != "")
	if err != nil {
		return err
	}

	if *importFile != "" {
		return runImport(ctx, m, target, opts)
	}
	return runExport(ctx, target, opts)
}

// resolveTarget picks the named entry, or the chain's export or import
// store. A singleton store is addressed beneath its coordinator so an
// import is not discarded on a node that is not the coordinator.
func resolveTarget(m *loader.Manager, name string, importing bool) (store.StateTransfer, error) {
	var e chain.Entry
	if name == "" {
		pick := m.Chain().Primary
		if importing {
			pick = m.Chain().ImportTarget
		}
		chosen, err := pick()
		if err != nil {
			return nil, err
		}
		e = chosen
	} else {
		named, ok := m.Chain().Entry(name)
		if !ok {
			return nil, serrors.InvalidValue("store", name).WithHint("Name a store from the configuration")
		}
		e = named
	}
	if c, ok := m.Coordinator(e.Name); ok {
		verboseLog("Bypassing singleton coordinator of %s", e.Name)
		return c.Inner(), nil
	}
	verboseLog("Using store %s", e.Name)
	return e.Store, nil
}

func runExport(ctx context.Context, target store.StateTransfer, opts export.Options) error {
	var out io.Writer = os.Stdout
	if *outputFile != "" {
		fh, err := os.Create(*outputFile)
		if err != nil {
			return serrors.IOFailure("create output", err)
		}
		defer fh.Close()
		out = fh
	}

	n, err := export.Export(ctx, target, out, opts)
	if err != nil {
		return err
	}
	verboseLog("Exported %d nodes from %s", n, opts.Path)
	return nil
}

func runImport(ctx context.Context, m *loader.Manager, target store.StateTransfer, opts export.Options) error {
	fh, err := os.Open(*importFile)
	if err != nil {
		return serrors.IOFailure("open input", err)
	}
	defer fh.Close()

	n, err := export.Import(ctx, target, fh, opts)
	if err != nil {
		return err
	}
	if err := m.Flush(ctx); err != nil {
		return err
	}
	verboseLog("Imported %d nodes into %s", n, opts.Path)
	return nil
}
