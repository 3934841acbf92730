package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"sync"

	"github.com/samber/do/v2"

	"github.com/listenupapp/fswatch/internal/catalog"
	"github.com/listenupapp/fswatch/internal/config"
	"github.com/listenupapp/fswatch/internal/di"
	"github.com/listenupapp/fswatch/internal/di/providers"
	"github.com/listenupapp/fswatch/internal/logger"
	"github.com/listenupapp/fswatch/internal/watcher"
)

type command struct {
	usage string
	// args reports whether n positional arguments are valid, given whether
	// a catalog snapshot was named.
	args func(n int, named bool) bool
	run  func(ctx context.Context, e *env) error
}

// env is what a command runs against.
type env struct {
	cfg      *config.Config
	injector *do.RootScope
	stdout   io.Writer
}

func (e *env) logger() *logger.Logger {
	return do.MustInvoke[*logger.Logger](e.injector)
}

func (e *env) catalog() (*catalog.Catalog, error) {
	h, err := do.Invoke[*providers.CatalogHandle](e.injector)
	if err != nil {
		return nil, err
	}
	return h.Catalog, nil
}

func (e *env) registry() (*watcher.Registry, error) {
	h, err := do.Invoke[*providers.RegistryHandle](e.injector)
	if err != nil {
		return nil, err
	}
	return h.Registry, nil
}

var commands = map[string]command{
	"watch": {
		usage: "watch [flags] <dir>",
		args:  func(n int, _ bool) bool { return n == 1 },
		run:   runWatch,
	},
	"snapshot": {
		usage: "snapshot [flags] <dir> <file> | snapshot -name <name> [flags] <dir>",
		args: func(n int, named bool) bool {
			if named {
				return n == 1
			}
			return n == 2
		},
		run:   runSnapshot,
	},
	"since": {
		usage: "since [flags] <dir> <file> | since -name <name>",
		args: func(n int, named bool) bool {
			if named {
				return n == 0
			}
			return n == 2
		},
		run:   runSince,
	},
	"backends": {
		usage: "backends [flags]",
		args:  func(n int, _ bool) bool { return n == 0 },
		run:   runBackends,
	},
	"serve": {
		usage: "serve [flags]",
		args:  func(n int, _ bool) bool { return n == 0 },
		run:   runServe,
	},
}

func printUsage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	slices.Sort(names)

	fmt.Fprintln(w, "Usage:")
	for _, name := range names {
		fmt.Fprintf(w, "  fswatch %s\n", commands[name].usage)
	}
	fmt.Fprintln(w, "\nRun 'fswatch <command> -h' for flags.")
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "fswatch: unknown command %q\n\n", args[0])
		printUsage(stderr)
		return 2
	}

	cfg, err := config.Load("fswatch "+args[0], args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "fswatch: %v\n", err)
		return 2
	}
	if !cmd.args(len(cfg.Args), cfg.Catalog.Name != "") {
		fmt.Fprintf(stderr, "Usage: fswatch %s\n", cmd.usage)
		return 2
	}

	injector := di.NewContainer(cfg)
	e := &env{cfg: cfg, injector: injector, stdout: stdout}

	err = cmd.run(ctx, e)
	// Shutdown closes whatever the command started.
	_ = injector.Shutdown()

	if err != nil {
		fmt.Fprintf(stderr, "fswatch: %v\n", err)
		return 1
	}
	return 0
}

func runWatch(ctx context.Context, e *env) error {
	registry, err := e.registry()
	if err != nil {
		return err
	}

	var mu sync.Mutex
	enc := json.NewEncoder(e.stdout)
	failed := make(chan error, 1)

	sub, err := registry.Subscribe(ctx, e.cfg.Args[0], providers.WatchDefaults(e.cfg), func(err error, events []watcher.Event) {
		if err != nil {
			select {
			case failed <- err:
			default:
			}
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(events); err != nil {
			e.logger().Warn("failed to write events", "error", err)
		}
	})
	if err != nil {
		return err
	}

	log := e.logger().ForRoot(sub.Root()).ForBackend(string(sub.Backend()))
	log.Info("Watching")

	select {
	case <-ctx.Done():
		log.Info("Stopping")
		return sub.Unsubscribe()
	case err := <-failed:
		log.WithError(err).Error("Watch failed")
		_ = sub.Unsubscribe()
		return err
	}
}

func runSnapshot(ctx context.Context, e *env) error {
	registry, err := e.registry()
	if err != nil {
		return err
	}
	opts := providers.WatchDefaults(e.cfg)
	if e.cfg.Catalog.Name == "" {
		return registry.WriteSnapshot(ctx, e.cfg.Args[0], e.cfg.Args[1], opts)
	}

	c, err := e.catalog()
	if err != nil {
		return err
	}
	root, err := filepath.Abs(e.cfg.Args[0])
	if err != nil {
		return err
	}

	snap := &catalog.Snapshot{
		Name:        e.cfg.Catalog.Name,
		Root:        root,
		Backend:     string(opts.Backend),
		Ignore:      opts.Ignore,
		IgnoreGlobs: opts.IgnoreGlobs,
	}
	err = c.Create(ctx, snap, func(ctx context.Context, path string) error {
		return registry.WriteSnapshot(ctx, snap.Root, path, snap.Options())
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func runSince(ctx context.Context, e *env) error {
	registry, err := e.registry()
	if err != nil {
		return err
	}

	root, snapshotPath, opts := "", "", providers.WatchDefaults(e.cfg)
	if e.cfg.Catalog.Name == "" {
		root, snapshotPath = e.cfg.Args[0], e.cfg.Args[1]
	} else {
		c, err := e.catalog()
		if err != nil {
			return err
		}
		snap, err := c.Lookup(ctx, e.cfg.Catalog.Name)
		if err != nil {
			return err
		}
		root, snapshotPath, opts = snap.Root, snap.Path, snap.Options()
	}

	events, err := registry.GetEventsSince(ctx, root, snapshotPath, opts)
	if err != nil {
		return err
	}
	if events == nil {
		events = []watcher.Event{}
	}

	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}

func runBackends(_ context.Context, e *env) error {
	registry, err := e.registry()
	if err != nil {
		return err
	}

	available := registry.Backends()
	def := ""
	for _, b := range watcher.DefaultChain() {
		if slices.Contains(available, b) {
			def = string(b)
			break
		}
	}

	for _, b := range available {
		marker := ""
		if string(b) == def {
			marker = " (default)"
		}
		fmt.Fprintf(e.stdout, "%s%s\n", b, marker)
	}
	return nil
}

func runServe(ctx context.Context, e *env) error {
	srv, err := di.Bootstrap(e.injector)
	if err != nil {
		return err
	}

	log := e.logger()
	select {
	case <-ctx.Done():
		log.Info("Shutting down server gracefully...")
		return nil
	case err, ok := <-srv.Errors:
		if ok {
			return err
		}
		return nil
	}
}
