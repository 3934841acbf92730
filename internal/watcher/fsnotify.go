package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	domainerrors "github.com/listenupapp/fswatch/internal/errors"
)

type dirSub struct {
	w    *Watcher
	tree *Tree
}

type fsnotifyWatch struct {
	tree    *Tree
	release func()
}

// fsnotifyBackend places one fsnotify watch per directory of each subscribed
// root. It backs the windows backend and serves as the portable fallback.
type fsnotifyBackend struct {
	*bruteForce

	fsw *fsnotify.Watcher

	mu       sync.Mutex
	dirs     map[string][]dirSub
	watchers map[*Watcher]*fsnotifyWatch

	stop chan struct{}
	wg   sync.WaitGroup
}

func newFSNotifyBackend(deps BackendDeps) (Backend, error) {
	return startFSNotify(BackendFSNotify, deps)
}

func newWindowsBackend(deps BackendDeps) (Backend, error) {
	if runtime.GOOS != "windows" {
		return nil, domainerrors.Unsupported("windows backend is only available on windows")
	}
	return startFSNotify(BackendWindows, deps)
}

func startFSNotify(typ BackendType, deps BackendDeps) (*fsnotifyBackend, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	b := &fsnotifyBackend{
		bruteForce: newBruteForce(typ, deps),
		fsw:        fsw,
		dirs:       make(map[string][]dirSub),
		watchers:   make(map[*Watcher]*fsnotifyWatch),
		stop:       make(chan struct{}),
	}

	b.wg.Add(1)
	go b.run()
	return b, nil
}

// Subscribe scans w's root if needed and watches every directory in it.
func (b *fsnotifyBackend) Subscribe(w *Watcher) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.watchers[w]; ok {
		return nil
	}
	if err := checkRoot(w.Root()); err != nil {
		return NewWatcherError(w, err.Error(), err)
	}
	tree, release, err := b.tree(context.Background(), w)
	if err != nil {
		return NewWatcherError(w, err.Error(), err)
	}

	for _, e := range tree.Entries() {
		if !e.IsDir {
			continue
		}
		if err := b.addDirLocked(w, tree, e.Path); err != nil {
			if e.Path == w.Root() {
				b.removeDirsLocked(w, "")
				release()
				return NewWatcherError(w, err.Error(), err)
			}
			b.logger.Warn("failed to add watch", "path", e.Path, "error", err)
		}
	}

	b.watchers[w] = &fsnotifyWatch{tree: tree, release: release}
	b.logger.Debug("subscribed", "root", w.Root(), "dirs", len(b.dirs))
	return nil
}

// Unsubscribe drops w's directories, removing watches no one else needs.
func (b *fsnotifyBackend) Unsubscribe(w *Watcher) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	fw, ok := b.watchers[w]
	if !ok {
		return nil
	}
	delete(b.watchers, w)
	b.removeDirsLocked(w, "")
	fw.release()
	return nil
}

func (b *fsnotifyBackend) addDirLocked(w *Watcher, tree *Tree, dir string) error {
	subs := b.dirs[dir]
	for _, s := range subs {
		if s.w == w {
			return nil
		}
	}
	if len(subs) == 0 {
		if err := b.fsw.Add(dir); err != nil {
			return err
		}
	}
	b.dirs[dir] = append(subs, dirSub{w: w, tree: tree})
	return nil
}

func (b *fsnotifyBackend) addDir(w *Watcher, tree *Tree, dir string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.watchers[w]; !ok {
		return
	}
	if err := b.addDirLocked(w, tree, dir); err != nil {
		b.logger.Debug("failed to watch new directory", "path", dir, "error", err)
	}
}

// removeDirsLocked drops w from dir and every directory below it. An empty
// dir drops w everywhere.
func (b *fsnotifyBackend) removeDirsLocked(w *Watcher, dir string) {
	for p, subs := range b.dirs {
		if dir != "" && p != dir && !strings.HasPrefix(p, dir+string(filepath.Separator)) {
			continue
		}
		kept := subs[:0]
		for _, s := range subs {
			if s.w != w {
				kept = append(kept, s)
			}
		}
		if len(kept) > 0 {
			b.dirs[p] = kept
			continue
		}
		delete(b.dirs, p)
		_ = b.fsw.Remove(p)
	}
}

func (b *fsnotifyBackend) run() {
	defer b.wg.Done()

	for {
		select {
		case <-b.stop:
			return
		case ev, ok := <-b.fsw.Events:
			if !ok {
				return
			}
			b.handleEvent(ev)
		case err, ok := <-b.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				b.logger.Warn("fsnotify queue overflowed, events were lost")
				continue
			}
			b.emitError(fmt.Errorf("fsnotify: %w", err))
			return
		}
	}
}

func (b *fsnotifyBackend) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	dir := filepath.Dir(path)

	b.mu.Lock()
	subs := append([]dirSub(nil), b.dirs[dir]...)
	// The watched directory itself was removed; only roots have no parent watch.
	self := append([]dirSub(nil), b.dirs[path]...)
	b.mu.Unlock()

	for _, s := range self {
		if path == s.w.Root() && !containsWatcher(subs, s.w) {
			subs = append(subs, s)
		}
	}

	for _, s := range subs {
		if s.w.IsIgnored(path) {
			continue
		}
		if b.apply(ev, s, path) {
			s.w.Notify()
		}
	}
}

func containsWatcher(subs []dirSub, w *Watcher) bool {
	for _, s := range subs {
		if s.w == w {
			return true
		}
	}
	return false
}

func (b *fsnotifyBackend) apply(ev fsnotify.Event, s dirSub, path string) bool {
	switch {
	case ev.Has(fsnotify.Create):
		applyCreate(s.w, s.tree, path, func(dir string) { b.addDir(s.w, s.tree, dir) })
	case ev.Has(fsnotify.Write) || ev.Has(fsnotify.Chmod):
		if e, ok := s.tree.Find(path); ok && e.IsDir {
			return false
		}
		applyUpdate(s.w, s.tree, path)
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		if e, ok := s.tree.Find(path); ok && e.IsDir {
			b.mu.Lock()
			b.removeDirsLocked(s.w, path)
			b.mu.Unlock()
		}
		applyRemove(s.w, s.tree, path)
	default:
		return false
	}
	return true
}

// Close stops the reader and closes the fsnotify watcher.
func (b *fsnotifyBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stop)
		err = b.fsw.Close()
		b.wg.Wait()

		b.mu.Lock()
		for w, fw := range b.watchers {
			fw.release()
			delete(b.watchers, w)
		}
		clear(b.dirs)
		b.mu.Unlock()

		b.closeErrors()
	})
	return err
}
