//go:build darwin && cgo

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsevents"
)

const (
	fseventsLatency = 10 * time.Millisecond
	fseventsFlags   = fsevents.FileEvents | fsevents.WatchRoot
	// historyTimeout bounds a replay whose HistoryDone marker never arrives.
	historyTimeout = 30 * time.Second
)

const fseventsModified = fsevents.ItemModified | fsevents.ItemInodeMetaMod |
	fsevents.ItemFinderInfoMod | fsevents.ItemChangeOwner | fsevents.ItemXattrMod

// fseventsStream is one FSEvents stream feeding one watcher.
type fseventsStream struct {
	es       *fsevents.EventStream
	tree     *Tree
	realRoot string
	// since is the wall clock in nanoseconds of the snapshot being replayed,
	// or 0 for a live subscription.
	since  uint64
	events chan []fsevents.Event
	stop   chan struct{}
	wg     sync.WaitGroup
}

// fseventsBackend runs one event stream per subscribed watcher and resumes
// streams from a stored event id to answer snapshot queries.
type fseventsBackend struct {
	*bruteForce

	mu      sync.Mutex
	streams map[*Watcher]*fseventsStream
}

func newFSEventsBackend(deps BackendDeps) (Backend, error) {
	return &fseventsBackend{
		bruteForce: newBruteForce(BackendFSEvents, deps),
		streams:    make(map[*Watcher]*fseventsStream),
	}, nil
}

// WriteSnapshot stores the current journal event id and wall clock.
func (b *fseventsBackend) WriteSnapshot(_ context.Context, w *Watcher, snapshotPath string) error {
	if err := checkRoot(w.Root()); err != nil {
		return err
	}
	id := fsevents.LatestEventID()
	return writeCursor(snapshotPath, cursor{Position: strconv.FormatUint(id, 10), Taken: time.Now()})
}

// GetEventsSince replays the journal from the stored event id until the
// history is exhausted.
func (b *fseventsBackend) GetEventsSince(ctx context.Context, w *Watcher, snapshotPath string) error {
	c, ok := readCursor(snapshotPath)
	if !ok {
		return nil
	}
	id, err := strconv.ParseUint(c.Position, 10, 64)
	if err != nil {
		b.logger.Debug("unreadable event id", "path", snapshotPath, "error", err)
		return nil
	}
	if err := checkRoot(w.Root()); err != nil {
		return NewWatcherError(w, err.Error(), err)
	}

	var since uint64
	if ns := c.Taken.UnixNano(); ns > 0 {
		since = uint64(ns)
	}

	historyDone := make(chan struct{})
	var once sync.Once
	s := b.startStream(w, id, since, func() { once.Do(func() { close(historyDone) }) })
	defer s.close()

	ctx, cancel := context.WithTimeout(ctx, historyTimeout)
	defer cancel()

	select {
	case <-historyDone:
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			b.logger.Warn("event history replay timed out", "root", w.Root())
			return nil
		}
		return ctx.Err()
	}
}

// Subscribe starts a live stream for w.
func (b *fseventsBackend) Subscribe(w *Watcher) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.streams[w]; ok {
		return nil
	}
	if err := checkRoot(w.Root()); err != nil {
		return NewWatcherError(w, err.Error(), err)
	}
	b.streams[w] = b.startStream(w, fsevents.LatestEventID(), 0, nil)
	return nil
}

// Unsubscribe stops w's stream.
func (b *fseventsBackend) Unsubscribe(w *Watcher) error {
	b.mu.Lock()
	s, ok := b.streams[w]
	delete(b.streams, w)
	b.mu.Unlock()

	if ok {
		s.close()
	}
	return nil
}

func (b *fseventsBackend) startStream(w *Watcher, id, since uint64, historyDone func()) *fseventsStream {
	realRoot, err := filepath.EvalSymlinks(w.Root())
	if err != nil {
		realRoot = w.Root()
	}

	s := &fseventsStream{
		tree:     NewTree(w.Root()),
		realRoot: realRoot,
		since:    since,
		events:   make(chan []fsevents.Event, 64),
		stop:     make(chan struct{}),
	}
	s.es = &fsevents.EventStream{
		Events:  s.events,
		Paths:   []string{w.Root()},
		Latency: fseventsLatency,
		Flags:   fseventsFlags,
		EventID: id,
		Resume:  historyDone != nil,
	}
	if dev, err := fsevents.DeviceForPath(w.Root()); err == nil {
		s.es.Device = dev
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stop:
				return
			case batch, ok := <-s.events:
				if !ok {
					return
				}
				b.handle(w, s, batch, historyDone)
			}
		}
	}()

	s.es.Start()
	return s
}

func (s *fseventsStream) close() {
	s.es.Stop()
	close(s.stop)
	s.wg.Wait()
}

// localPath maps a journal path back under the watched root.
func (s *fseventsStream) localPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	root := s.tree.Root()
	if s.realRoot != root && (p == s.realRoot || strings.HasPrefix(p, s.realRoot+"/")) {
		p = root + strings.TrimPrefix(p, s.realRoot)
	}
	return p
}

func (b *fseventsBackend) handle(w *Watcher, s *fseventsStream, batch []fsevents.Event, historyDone func()) {
	for _, e := range batch {
		if e.Flags&fsevents.HistoryDone != 0 {
			if historyDone != nil {
				historyDone()
			}
			break
		}
		if e.Flags&(fsevents.MustScanSubDirs|fsevents.UserDropped|fsevents.KernelDropped) != 0 {
			b.logger.Warn("event journal dropped events", "root", w.Root())
		}

		path := s.localPath(e.Path)
		if w.IsIgnored(path) {
			continue
		}

		created := e.Flags&fsevents.ItemCreated != 0
		removed := e.Flags&fsevents.ItemRemoved != 0
		modified := e.Flags&fseventsModified != 0
		renamed := e.Flags&fsevents.ItemRenamed != 0
		isDir := e.Flags&fsevents.ItemIsDir != 0

		switch {
		case created && !removed && !modified && !renamed:
			s.tree.Add(path, 0, isDir)
			w.Events().Create(path)
		case removed && !created && !modified && !renamed:
			s.tree.Remove(path)
			w.Events().Remove(path)
		case modified && !created && !removed && !renamed:
			s.tree.Update(path, 0)
			w.Events().Update(path)
		default:
			b.disambiguate(w, s, path, modified)
		}
	}

	w.Notify()
}

// disambiguate resolves coalesced flags by looking at the file itself. A
// path that no longer exists is reported deleted, even though it may have
// been created and deleted inside the window.
func (b *fseventsBackend) disambiguate(w *Watcher, s *fseventsStream, path string, modified bool) {
	fi, err := os.Stat(path)
	if err != nil {
		s.tree.Remove(path)
		w.Events().Remove(path)
		return
	}

	var birth uint64
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		birth = uint64(st.Birthtimespec.Sec)*uint64(time.Second) + uint64(st.Birthtimespec.Nsec)
	}
	mtime := modTimeOf(fi)

	_, known := s.tree.Find(path)
	existed := s.since == 0 && known
	if modified && (existed || (s.since != 0 && birth <= s.since)) {
		s.tree.Update(path, mtime)
		w.Events().Update(path)
		return
	}
	s.tree.Add(path, mtime, fi.IsDir())
	w.Events().Create(path)
}

// Close stops every stream.
func (b *fseventsBackend) Close() error {
	b.mu.Lock()
	streams := b.streams
	b.streams = make(map[*Watcher]*fseventsStream)
	b.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
	return b.bruteForce.Close()
}
