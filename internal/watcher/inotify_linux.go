//go:build linux

package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	inotifyMask = unix.IN_ATTRIB | unix.IN_CREATE | unix.IN_DELETE |
		unix.IN_DELETE_SELF | unix.IN_MODIFY | unix.IN_MOVE_SELF |
		unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_DONT_FOLLOW |
		unix.IN_ONLYDIR | unix.IN_EXCL_UNLINK

	inotifyBufferSize = 8192
	inotifyPollMillis = 500
)

// inotifySub ties one watched directory to one subscribed watcher.
type inotifySub struct {
	w    *Watcher
	tree *Tree
	path string
}

type inotifyWatch struct {
	tree    *Tree
	release func()
}

// inotifyBackend watches every directory of a subscribed root with its own
// inotify watch and keeps the shared tree current as events arrive.
type inotifyBackend struct {
	*bruteForce

	fd   int
	pipe [2]int

	mu       sync.Mutex
	subs     map[int][]*inotifySub
	watchers map[*Watcher]*inotifyWatch

	wg sync.WaitGroup
}

func newInotifyBackend(deps BackendDeps) (Backend, error) {
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("failed to create stop pipe: %w", err)
	}

	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		unix.Close(pipe[0]) //nolint:errcheck // Already failing
		unix.Close(pipe[1]) //nolint:errcheck // Already failing
		return nil, fmt.Errorf("failed to initialize inotify: %w", err)
	}

	b := &inotifyBackend{
		bruteForce: newBruteForce(BackendInotify, deps),
		fd:         fd,
		pipe:       pipe,
		subs:       make(map[int][]*inotifySub),
		watchers:   make(map[*Watcher]*inotifyWatch),
	}

	b.wg.Add(1)
	go b.run()

	return b, nil
}

// Subscribe scans w's root if needed and places a watch on every directory.
func (b *inotifyBackend) Subscribe(w *Watcher) error {
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
		if err := b.watchDirLocked(w, tree, e.Path); err != nil {
			if e.Path == w.Root() {
				b.removeSubsLocked(w, "")
				release()
				return NewWatcherError(w, err.Error(), err)
			}
			b.logger.Warn("failed to add watch", "path", e.Path, "error", err)
		}
	}

	b.watchers[w] = &inotifyWatch{tree: tree, release: release}
	b.logger.Debug("subscribed", "root", w.Root(), "watches", len(b.subs))
	return nil
}

// Unsubscribe drops w's subscriptions and removes watches no one else uses.
func (b *inotifyBackend) Unsubscribe(w *Watcher) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	iw, ok := b.watchers[w]
	if !ok {
		return nil
	}
	delete(b.watchers, w)
	b.removeSubsLocked(w, "")
	iw.release()
	return nil
}

func (b *inotifyBackend) watchDirLocked(w *Watcher, tree *Tree, path string) error {
	wd, err := unix.InotifyAddWatch(b.fd, path, inotifyMask)
	if err != nil {
		return fmt.Errorf("inotify_add_watch %s: %w", path, err)
	}
	for _, s := range b.subs[wd] {
		if s.w == w && s.path == path {
			return nil
		}
	}
	b.subs[wd] = append(b.subs[wd], &inotifySub{w: w, tree: tree, path: path})
	return nil
}

func (b *inotifyBackend) watchDir(w *Watcher, tree *Tree, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.watchers[w]; !ok {
		return
	}
	if err := b.watchDirLocked(w, tree, path); err != nil {
		b.logger.Debug("failed to watch new directory", "path", path, "error", err)
	}
}

// removeSubsLocked removes w's subscriptions at prefix and below. An empty
// prefix removes all of them. Watches left without subscribers are removed.
func (b *inotifyBackend) removeSubsLocked(w *Watcher, prefix string) {
	for wd, list := range b.subs {
		kept := list[:0]
		for _, s := range list {
			if s.w == w && (prefix == "" || s.path == prefix || strings.HasPrefix(s.path, prefix+string(filepath.Separator))) {
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) > 0 {
			b.subs[wd] = kept
			continue
		}
		delete(b.subs, wd)
		//nolint:gosec // G115: wd is always a small non-negative int from inotify
		_, _ = unix.InotifyRmWatch(b.fd, uint32(wd))
	}
}

func (b *inotifyBackend) run() {
	defer b.wg.Done()

	buf := make([]byte, inotifyBufferSize)
	fds := []unix.PollFd{
		{Fd: int32(b.pipe[0]), Events: unix.POLLIN},
		{Fd: int32(b.fd), Events: unix.POLLIN},
	}

	for {
		_, err := unix.Poll(fds, inotifyPollMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			b.emitError(fmt.Errorf("failed to poll inotify: %w", err))
			return
		}

		if fds[0].Revents != 0 {
			return
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			if err := b.drain(buf); err != nil {
				b.emitError(err)
				return
			}
		}
	}
}

// drain reads until the queue is empty and notifies every watcher touched.
func (b *inotifyBackend) drain(buf []byte) error {
	touched := make(map[*Watcher]struct{})
	for {
		n, err := unix.Read(b.fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("failed to read inotify events: %w", err)
		}
		if n < unix.SizeofInotifyEvent {
			break
		}
		for _, ev := range parseInotifyEvents(buf[:n]) {
			b.handleEvent(ev, touched)
		}
	}

	for w := range touched {
		w.Notify()
	}
	return nil
}

type inotifyEvent struct {
	wd   int
	mask uint32
	name string
}

// parseInotifyEvents decodes a raw read from an inotify descriptor.
func parseInotifyEvents(buf []byte) []inotifyEvent {
	var out []inotifyEvent
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buf) {
		//nolint:gosec // G103: Legitimate use of unsafe for syscall interface with inotify
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		nameStart := offset + unix.SizeofInotifyEvent
		nameEnd := nameStart + int(raw.Len)
		if nameEnd > len(buf) {
			break
		}

		ev := inotifyEvent{wd: int(raw.Wd), mask: raw.Mask}
		if raw.Len > 0 {
			name := buf[nameStart:nameEnd]
			ev.name = string(name[:clen(name)])
		}
		out = append(out, ev)
		offset = nameEnd
	}
	return out
}

func (b *inotifyBackend) handleEvent(ev inotifyEvent, touched map[*Watcher]struct{}) {
	if ev.mask&unix.IN_Q_OVERFLOW != 0 {
		b.logger.Warn("inotify queue overflowed, events were lost")
		return
	}

	b.mu.Lock()
	if ev.mask&unix.IN_IGNORED != 0 {
		delete(b.subs, ev.wd)
		b.mu.Unlock()
		return
	}
	subs := append([]*inotifySub(nil), b.subs[ev.wd]...)
	b.mu.Unlock()

	for _, s := range subs {
		if b.handleSubscription(ev, s) {
			touched[s.w] = struct{}{}
		}
	}
}

func (b *inotifyBackend) handleSubscription(ev inotifyEvent, s *inotifySub) bool {
	path := s.path
	if ev.name != "" {
		path = filepath.Join(path, ev.name)
	}
	if s.w.IsIgnored(path) {
		return false
	}

	switch {
	case ev.mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0:
		applyCreate(s.w, s.tree, path, func(dir string) { b.watchDir(s.w, s.tree, dir) })
	case ev.mask&(unix.IN_MODIFY|unix.IN_ATTRIB) != 0:
		applyUpdate(s.w, s.tree, path)
	case ev.mask&(unix.IN_DELETE|unix.IN_DELETE_SELF|unix.IN_MOVED_FROM|unix.IN_MOVE_SELF) != 0:
		isSelf := ev.mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF) != 0
		// A directory's own removal is reported once by its parent; only
		// the root has no watched parent.
		if isSelf && path != s.w.Root() {
			return false
		}
		if isSelf || ev.mask&unix.IN_ISDIR != 0 {
			b.mu.Lock()
			b.removeSubsLocked(s.w, path)
			b.mu.Unlock()
		}
		applyRemove(s.w, s.tree, path)
	default:
		return false
	}
	return true
}

// Close stops the poll loop and releases the descriptors and trees.
func (b *inotifyBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		unix.Write(b.pipe[1], []byte{1}) //nolint:errcheck // Wake the poll loop
		b.wg.Wait()

		b.mu.Lock()
		for w, iw := range b.watchers {
			iw.release()
			delete(b.watchers, w)
		}
		clear(b.subs)
		b.mu.Unlock()

		err = unix.Close(b.fd)
		unix.Close(b.pipe[0]) //nolint:errcheck // Best effort
		unix.Close(b.pipe[1]) //nolint:errcheck // Best effort
		b.closeErrors()
	})
	return err
}

// clen returns the length of a null-terminated byte slice.
func clen(n []byte) int {
	for i := 0; i < len(n); i++ {
		if n[i] == 0 {
			return i
		}
	}
	return len(n)
}
