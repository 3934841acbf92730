package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	domainerrors "github.com/listenupapp/fswatch/internal/errors"
)

// bruteForce answers snapshot queries by scanning the directory tree. It has
// no live notification of its own; the inotify and fsnotify backends embed it
// for their snapshot operations and keep its cached trees current.
type bruteForce struct {
	typ    BackendType
	logger *slog.Logger
	trees  *TreeCache

	errMu     sync.Mutex
	errs      chan error
	errClosed bool
	closeOnce sync.Once
}

func newBruteForce(typ BackendType, deps BackendDeps) *bruteForce {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	trees := deps.Trees
	if trees == nil {
		trees = NewTreeCache()
	}
	return &bruteForce{
		typ:    typ,
		logger: logger,
		trees:  trees,
		errs:   make(chan error, 16),
	}
}

func newBruteForceBackend(deps BackendDeps) (Backend, error) {
	return newBruteForce(BackendBruteForce, deps), nil
}

// Type returns the backend's name.
func (b *bruteForce) Type() BackendType { return b.typ }

// checkRoot validates that root exists and is a directory.
func checkRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return domainerrors.NotFoundf("%s does not exist", root).WithCause(err)
		}
		return fmt.Errorf("failed to stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return domainerrors.NotADirectoryf("%s is not a directory", root)
	}
	return nil
}

// tree returns the cached tree for w's identity, scanning it first if no
// full scan has populated it yet. The release func must be called when done.
func (b *bruteForce) tree(ctx context.Context, w *Watcher) (*Tree, func(), error) {
	t, release := b.trees.Acquire(w.Key(), w.Root())
	if !t.Complete() {
		if err := t.Scan(ctx, w.IsIgnored); err != nil {
			release()
			return nil, nil, err
		}
		b.logger.Debug("scanned tree", "root", w.Root(), "entries", t.Len())
	}
	return t, release, nil
}

// WriteSnapshot writes the current tree for w's root to snapshotPath.
func (b *bruteForce) WriteSnapshot(ctx context.Context, w *Watcher, snapshotPath string) error {
	if err := checkRoot(w.Root()); err != nil {
		return err
	}
	t, release, err := b.tree(ctx, w)
	if err != nil {
		return err
	}
	defer release()
	return writeTreeSnapshot(snapshotPath, t)
}

// GetEventsSince diffs the tree stored at snapshotPath against the current one.
func (b *bruteForce) GetEventsSince(ctx context.Context, w *Watcher, snapshotPath string) error {
	if err := checkRoot(w.Root()); err != nil {
		return err
	}
	old, ok := readTreeSnapshot(snapshotPath, w.Root())
	if !ok {
		b.logger.Debug("no usable snapshot", "path", snapshotPath)
		return nil
	}
	t, release, err := b.tree(ctx, w)
	if err != nil {
		return err
	}
	defer release()
	// The stored tree may have been written under another ignore set.
	Diff(old, t, w.Events(), w.IsIgnored)
	return nil
}

// Subscribe is not supported by scanning alone.
func (b *bruteForce) Subscribe(_ *Watcher) error {
	return domainerrors.Unsupportedf("%s backend does not support subscriptions", b.typ)
}

// Unsubscribe is a no-op.
func (b *bruteForce) Unsubscribe(_ *Watcher) error { return nil }

// Errors returns the asynchronous error channel.
func (b *bruteForce) Errors() <-chan error { return b.errs }

// emitError publishes err without blocking. Errors raised after Close, or
// while the channel is full, are logged and dropped.
func (b *bruteForce) emitError(err error) {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	if b.errClosed {
		return
	}
	select {
	case b.errs <- err:
	default:
		b.logger.Warn("dropped backend error", "backend", string(b.typ), "error", err)
	}
}

func (b *bruteForce) closeErrors() {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	if !b.errClosed {
		b.errClosed = true
		close(b.errs)
	}
}

// Close closes the error channel.
func (b *bruteForce) Close() error {
	b.closeErrors()
	return nil
}

// applyCreate records a create for path and adds it to tree. A created
// directory is scanned so entries that appeared before its watch was placed
// are reported too; watchDir is called for it and every directory below it.
func applyCreate(w *Watcher, tree *Tree, path string, watchDir func(string)) {
	w.Events().Create(path)

	fi, err := os.Lstat(path)
	if err != nil {
		return
	}
	if !fi.IsDir() {
		tree.Add(path, modTimeOf(fi), false)
		return
	}

	for _, e := range tree.AddSubtree(path, w.IsIgnored) {
		if e.Path != path {
			w.Events().Create(e.Path)
		}
		if e.IsDir && watchDir != nil {
			watchDir(e.Path)
		}
	}
}

// applyUpdate records an update for path and refreshes its modification time.
func applyUpdate(w *Watcher, tree *Tree, path string) {
	w.Events().Update(path)
	if fi, err := os.Lstat(path); err == nil {
		if !tree.Update(path, modTimeOf(fi)) {
			tree.Add(path, modTimeOf(fi), fi.IsDir())
		}
	}
}

// applyRemove records a delete for path and prunes it from tree.
func applyRemove(w *Watcher, tree *Tree, path string) {
	w.Events().Remove(path)
	tree.Remove(path)
}
