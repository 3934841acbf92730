package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/listenupapp/fswatch/internal/metrics"
)

// Callback receives either a batch of coalesced events or a terminal error.
// After a callback has been invoked with a non-nil error it is never invoked
// again.
type Callback func(err error, events []Event)

// Options selects the backend and the paths excluded from a watch.
type Options struct {
	// Backend names the backend to use. Empty selects the platform default.
	Backend BackendType
	// Ignore lists paths excluded along with everything below them.
	// Relative paths are resolved against the watched root.
	Ignore []string
	// IgnoreGlobs lists doublestar patterns matched against root-relative,
	// slash-separated paths.
	IgnoreGlobs []string
}

var watcherIDs atomic.Uint64

type callbackEntry struct {
	handle  uint64
	fn      Callback
	removed bool
}

// Watcher is the shared state for one (root, ignore set) identity. It holds
// the pending events and the registered callbacks, and delivers batches from
// a dedicated goroutine so callbacks never run on backend goroutines.
type Watcher struct {
	id          uint64
	root        string
	ignorePaths []string
	ignoreGlobs []string
	key         string
	registryKey string
	logger      *slog.Logger

	events *EventList

	mu         sync.Mutex
	callbacks  []callbackEntry
	nextHandle uint64
	delivering bool
	err        error
	notified   chan struct{}
	released   bool

	debouncer *Debouncer
	metrics   *metrics.Metrics
	onEmpty   func(*Watcher)
	wake      chan struct{}
	done      chan struct{}
	running   bool
	wg        sync.WaitGroup
}

// newWatcher builds a watcher for an absolute, cleaned root.
func newWatcher(root string, opts Options, logger *slog.Logger) *Watcher {
	ignore := make([]string, 0, len(opts.Ignore))
	for _, p := range opts.Ignore {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		ignore = append(ignore, filepath.Clean(p))
	}
	sort.Strings(ignore)
	ignore = compactStrings(ignore)

	globs := append([]string(nil), opts.IgnoreGlobs...)
	sort.Strings(globs)
	globs = compactStrings(globs)

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Watcher{
		id:          watcherIDs.Add(1),
		root:        root,
		ignorePaths: ignore,
		ignoreGlobs: globs,
		key:         identityKey(root, ignore, globs),
		logger:      logger,
		events:      NewEventList(),
		notified:    make(chan struct{}),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

func compactStrings(s []string) []string {
	out := s[:0]
	for i, v := range s {
		if i > 0 && v == s[i-1] {
			continue
		}
		out = append(out, v)
	}
	return out
}

func identityKey(root string, ignore, globs []string) string {
	var b strings.Builder
	b.WriteString(root)
	for _, p := range ignore {
		b.WriteString("\x00i:")
		b.WriteString(p)
	}
	for _, g := range globs {
		b.WriteString("\x00g:")
		b.WriteString(g)
	}
	return b.String()
}

// ID returns the process-unique watcher number.
func (w *Watcher) ID() uint64 { return w.id }

// Root returns the watched directory.
func (w *Watcher) Root() string { return w.root }

// Key returns the identity of the watcher. Two watchers with the same key
// observe the same root with the same ignore set.
func (w *Watcher) Key() string { return w.key }

// Events returns the pending event list backends write into.
func (w *Watcher) Events() *EventList { return w.events }

// IgnorePaths returns the absolute ignored paths, sorted.
func (w *Watcher) IgnorePaths() []string { return w.ignorePaths }

// IsIgnored reports whether path is excluded from this watcher.
func (w *Watcher) IsIgnored(path string) bool {
	for _, p := range w.ignorePaths {
		if path == p || (strings.HasPrefix(path, p) && len(path) > len(p) && path[len(p)] == filepath.Separator) {
			return true
		}
	}

	if len(w.ignoreGlobs) == 0 {
		return false
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, g := range w.ignoreGlobs {
		if ok, err := doublestar.Match(g, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// Watch registers cb and returns its handle. first reports whether this is
// the first callback the watcher has ever had, which starts delivery.
func (w *Watcher) Watch(cb Callback) (handle uint64, first bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextHandle++
	handle = w.nextHandle
	w.callbacks = append(w.callbacks, callbackEntry{handle: handle, fn: cb})

	if !w.running {
		w.running = true
		first = true
		if w.debouncer != nil {
			w.debouncer.Add(w.id, w.flush)
		}
		w.wg.Add(1)
		go w.deliverLoop()
	}
	return handle, first
}

// Unwatch removes the callback with handle. It reports whether the watcher
// has no callbacks left. When that happens outside a delivery the empty hook
// runs before Unwatch returns; during a delivery it runs when the pass ends.
func (w *Watcher) Unwatch(handle uint64) (last bool) {
	w.mu.Lock()
	removed := false
	for i := range w.callbacks {
		if w.callbacks[i].handle == handle && !w.callbacks[i].removed {
			w.callbacks[i].removed = true
			removed = true
			break
		}
	}
	if !w.delivering {
		w.compactLocked()
	}
	last = w.liveLocked() == 0
	runHook := removed && last && !w.delivering
	w.mu.Unlock()

	if runHook {
		w.emptied()
	}
	return last
}

// Live returns the number of registered callbacks.
func (w *Watcher) Live() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.liveLocked()
}

func (w *Watcher) liveLocked() int {
	n := 0
	for _, c := range w.callbacks {
		if !c.removed {
			n++
		}
	}
	return n
}

func (w *Watcher) compactLocked() {
	out := w.callbacks[:0]
	for _, c := range w.callbacks {
		if !c.removed {
			out = append(out, c)
		}
	}
	clear(w.callbacks[len(out):])
	w.callbacks = out
}

// Notify signals that the event list changed. It wakes Wait callers and arms
// the debouncer when there is something to deliver.
func (w *Watcher) Notify() {
	w.mu.Lock()
	close(w.notified)
	w.notified = make(chan struct{})
	arm := w.liveLocked() > 0 && w.events.Len() > 0
	d := w.debouncer
	w.mu.Unlock()

	if arm && d != nil {
		d.Trigger()
	}
}

// NotifyError records err and delivers it without debouncing. Any batch in
// flight completes first. Pending events are delivered alongside the error.
func (w *Watcher) NotifyError(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	close(w.notified)
	w.notified = make(chan struct{})
	w.mu.Unlock()

	w.flush()
}

// Wait blocks until the next Notify or until ctx is done.
func (w *Watcher) Wait(ctx context.Context) error {
	w.mu.Lock()
	ch := w.notified
	w.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flush asks the delivery goroutine to run a pass. It never blocks.
func (w *Watcher) flush() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watcher) deliverLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
			w.deliver()
		}
	}
}

func (w *Watcher) deliver() {
	w.mu.Lock()
	err := w.err
	if w.liveLocked() == 0 || (err == nil && w.events.Len() == 0) {
		w.mu.Unlock()
		return
	}
	w.err = nil
	batch := w.events.Drain()
	w.delivering = true

	n := len(w.callbacks)
	for i := 0; i < n; i++ {
		c := w.callbacks[i]
		if c.removed {
			continue
		}
		w.mu.Unlock()
		w.invoke(c.fn, err, batch)
		w.mu.Lock()
	}

	w.delivering = false
	w.metrics.BatchDelivered(len(batch))
	if err != nil {
		for i := range w.callbacks {
			w.callbacks[i].removed = true
		}
	}
	w.compactLocked()
	empty := len(w.callbacks) == 0
	w.mu.Unlock()

	if empty {
		w.emptied()
	}
}

func (w *Watcher) invoke(fn Callback, err error, batch []Event) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watch callback panicked", "root", w.root, "panic", r)
		}
	}()
	fn(err, batch)
}

func (w *Watcher) emptied() {
	if w.onEmpty != nil {
		w.onEmpty(w)
	}
}

// markReleased detaches the watcher from its registry. It reports false if
// callbacks were registered since the watcher became empty.
func (w *Watcher) markReleased() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released || w.liveLocked() > 0 {
		return false
	}
	w.released = true
	return true
}

func (w *Watcher) isReleased() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.released
}

// stop ends the delivery goroutine. It does not wait when called from that
// goroutine.
func (w *Watcher) stop(wait bool) {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if !running {
		return
	}
	if w.debouncer != nil {
		w.debouncer.Remove(w.id)
	}
	close(w.done)
	if wait {
		w.wg.Wait()
	}
}
