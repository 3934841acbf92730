package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	domainerrors "github.com/listenupapp/fswatch/internal/errors"
	"github.com/listenupapp/fswatch/internal/metrics"
)

// ErrRegistryClosed is returned by operations on a closed Registry.
var ErrRegistryClosed = errors.New("watcher registry closed")

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Quantum is the debounce period. Zero selects DefaultQuantum.
	Quantum time.Duration
	// WatchmanSocket overrides watchman socket discovery.
	WatchmanSocket string
	// Metrics receives delivery and backend counters. May be nil.
	Metrics *metrics.Metrics
	// Factories replaces the backend constructors. Nil selects DefaultFactories.
	Factories map[BackendType]Factory
}

// backendHandle is one shared backend instance. Operations on impl are
// serialized by mu. subs, refs and dead are guarded by the registry lock.
type backendHandle struct {
	typ  BackendType
	impl Backend

	mu sync.Mutex

	subs      map[*Watcher]struct{}
	refs      int
	dead      bool
	closeOnce sync.Once
}

// Registry owns the shared backends and watchers. Watchers with the same
// identity share one instance; a backend lives while any watcher is
// subscribed through it or any operation is using it.
type Registry struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	factories map[BackendType]Factory
	deps      BackendDeps
	debouncer *Debouncer

	// createMu serializes backend construction.
	createMu sync.Mutex

	mu       sync.Mutex
	backends map[BackendType]*backendHandle
	watchers map[string]*Watcher
	closed   bool

	observers sync.WaitGroup
}

// NewRegistry creates an empty registry. Backends are started on demand.
func NewRegistry(logger *slog.Logger, opts RegistryOptions) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	factories := opts.Factories
	if factories == nil {
		factories = DefaultFactories()
	}

	d := NewDebouncer(opts.Quantum)
	d.metrics = opts.Metrics

	return &Registry{
		logger:    logger,
		metrics:   opts.Metrics,
		factories: factories,
		deps: BackendDeps{
			Logger:         logger,
			Trees:          NewTreeCache(),
			WatchmanSocket: opts.WatchmanSocket,
		},
		debouncer: d,
		backends:  make(map[BackendType]*backendHandle),
		watchers:  make(map[string]*Watcher),
	}
}

// Subscription is one registered callback.
type Subscription struct {
	w       *Watcher
	handle  uint64
	backend BackendType
	once    sync.Once
}

// Root returns the watched directory.
func (s *Subscription) Root() string { return s.w.Root() }

// Backend returns the backend delivering to this subscription.
func (s *Subscription) Backend() BackendType { return s.backend }

// Unsubscribe removes the callback. The last subscription of a watcher
// releases it and its backend subscriptions. Calling it again is a no-op.
func (s *Subscription) Unsubscribe() error {
	s.once.Do(func() { s.w.Unwatch(s.handle) })
	return nil
}

// normalizeRoot makes root absolute and clean.
func normalizeRoot(root string) (string, error) {
	if root == "" {
		return "", domainerrors.Validation("root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	return filepath.Clean(abs), nil
}

// Subscribe registers cb for changes under root. The subscription is live
// when Subscribe returns; errors discovered later arrive through cb.
func (r *Registry) Subscribe(ctx context.Context, root string, opts Options, cb Callback) (*Subscription, error) {
	if cb == nil {
		return nil, domainerrors.Validation("callback is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, err := normalizeRoot(root)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	w := r.watcherLocked(root, opts)
	handle, _ := w.Watch(cb)
	r.mu.Unlock()

	h, err := r.acquire(opts.Backend)
	if err != nil {
		w.Unwatch(handle)
		return nil, err
	}
	err = r.watchOn(h, w)
	r.releaseHandle(h)
	if err != nil {
		w.Unwatch(handle)
		return nil, err
	}

	return &Subscription{w: w, handle: handle, backend: h.typ}, nil
}

// Unsubscribe is shorthand for sub.Unsubscribe.
func (r *Registry) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// WriteSnapshot persists a resumable cursor for root at snapshotPath.
func (r *Registry) WriteSnapshot(ctx context.Context, root, snapshotPath string, opts Options) error {
	root, err := normalizeRoot(root)
	if err != nil {
		return err
	}
	if r.isClosed() {
		return ErrRegistryClosed
	}

	w := newWatcher(root, opts, r.logger)
	h, err := r.acquire(opts.Backend)
	if err != nil {
		return err
	}
	defer r.releaseHandle(h)

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.impl.WriteSnapshot(ctx, w, snapshotPath)
}

// GetEventsSince returns the changes under root since the cursor at
// snapshotPath. A missing or unreadable snapshot yields no events.
func (r *Registry) GetEventsSince(ctx context.Context, root, snapshotPath string, opts Options) ([]Event, error) {
	root, err := normalizeRoot(root)
	if err != nil {
		return nil, err
	}
	if r.isClosed() {
		return nil, ErrRegistryClosed
	}

	w := newWatcher(root, opts, r.logger)
	h, err := r.acquire(opts.Backend)
	if err != nil {
		return nil, err
	}
	defer r.releaseHandle(h)

	h.mu.Lock()
	err = h.impl.GetEventsSince(ctx, w, snapshotPath)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return w.Events().Drain(), nil
}

// Backends reports the backend types that can be started here, in default
// priority order followed by the remaining ones.
func (r *Registry) Backends() []BackendType {
	order := DefaultChain()
	for _, t := range AllBackends {
		if !slices.Contains(order, t) {
			order = append(order, t)
		}
	}

	var out []BackendType
	for _, t := range order {
		r.mu.Lock()
		_, running := r.backends[t]
		r.mu.Unlock()
		if running {
			out = append(out, t)
			continue
		}
		factory, ok := r.factories[t]
		if !ok {
			continue
		}
		b, err := factory(r.deps)
		if err != nil {
			continue
		}
		if err := b.Close(); err != nil {
			r.logger.Debug("failed to close probed backend", "backend", string(t), "error", err)
		}
		out = append(out, t)
	}
	return out
}

// Watchers returns the number of live watchers.
func (r *Registry) Watchers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers)
}

// Close stops every backend and watcher. Subscriptions are dropped without
// a final callback.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	watchers := make([]*Watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		watchers = append(watchers, w)
	}
	clear(r.watchers)
	handles := make([]*backendHandle, 0, len(r.backends))
	for _, h := range r.backends {
		h.dead = true
		clear(h.subs)
		handles = append(handles, h)
	}
	clear(r.backends)
	r.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := r.closeHandle(h); err != nil {
			errs = append(errs, err)
		}
	}
	for _, w := range watchers {
		if w.markReleased() {
			r.metrics.WatcherRemoved()
		}
		w.stop(true)
	}
	r.observers.Wait()
	r.debouncer.Close()
	return errors.Join(errs...)
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// registryKey extends a watcher identity with the requested backend, so
// subscriptions naming different backends never share a watcher.
func registryKey(key string, requested BackendType) string {
	if requested == "" {
		requested = BackendDefault
	}
	return key + "\x00b:" + string(requested)
}

func (r *Registry) watcherLocked(root string, opts Options) *Watcher {
	w := newWatcher(root, opts, r.logger)
	w.registryKey = registryKey(w.Key(), opts.Backend)
	if existing, ok := r.watchers[w.registryKey]; ok {
		return existing
	}
	w.debouncer = r.debouncer
	w.metrics = r.metrics
	w.onEmpty = r.release
	r.watchers[w.registryKey] = w
	r.metrics.WatcherAdded()
	r.logger.Debug("watcher created", "root", root, "watcher", w.ID())
	return w
}

// resolve lists the backend types to try for a requested type.
func resolve(requested BackendType) []BackendType {
	chain := DefaultChain()
	if requested == "" || requested == BackendDefault {
		return chain
	}
	out := []BackendType{requested}
	for _, t := range chain {
		if t != requested {
			out = append(out, t)
		}
	}
	return out
}

// acquire returns a running backend for requested, starting one if needed,
// with a reference held for the caller. Unavailable types fall through to
// the default chain.
func (r *Registry) acquire(requested BackendType) (*backendHandle, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	var lastErr error
	for i, t := range resolve(requested) {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if h, ok := r.backends[t]; ok {
			h.refs++
			r.mu.Unlock()
			return h, nil
		}
		r.mu.Unlock()

		factory, ok := r.factories[t]
		if !ok {
			continue
		}
		impl, err := factory(r.deps)
		if err != nil {
			lastErr = err
			if i == 0 && requested != "" && requested != BackendDefault {
				r.logger.Warn("backend unavailable, falling back", "backend", string(t), "error", err)
			} else {
				r.logger.Debug("backend unavailable", "backend", string(t), "error", err)
			}
			continue
		}

		h := &backendHandle{
			typ:  t,
			impl: impl,
			subs: make(map[*Watcher]struct{}),
			refs: 1,
		}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = impl.Close()
			return nil, ErrRegistryClosed
		}
		r.backends[t] = h
		r.mu.Unlock()

		r.metrics.BackendStarted(string(t))
		r.observers.Add(1)
		go r.observe(h)

		r.logger.Info("backend started", "backend", string(t))
		return h, nil
	}

	if lastErr == nil {
		lastErr = domainerrors.Unsupportedf("no backend available for %q", requested)
	}
	return nil, lastErr
}

// watchOn subscribes w to h unless it already is. The subscription holds a
// reference on h.
func (r *Registry) watchOn(h *backendHandle, w *Watcher) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r.mu.Lock()
	if h.dead {
		r.mu.Unlock()
		return NewWatcherError(w, string(h.typ)+" backend stopped", nil)
	}
	if _, ok := h.subs[w]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := h.impl.Subscribe(w); err != nil {
		return err
	}

	r.mu.Lock()
	if w.isReleased() || h.dead {
		r.mu.Unlock()
		if err := h.impl.Unsubscribe(w); err != nil {
			r.logger.Debug("failed to unsubscribe released watcher", "root", w.Root(), "error", err)
		}
		return NewWatcherError(w, "watcher released during subscribe", nil)
	}
	h.subs[w] = struct{}{}
	h.refs++
	r.mu.Unlock()
	return nil
}

// unwatchOn unsubscribes w from h and drops the reference it held.
func (r *Registry) unwatchOn(h *backendHandle, w *Watcher) {
	r.mu.Lock()
	_, ok := h.subs[w]
	delete(h.subs, w)
	r.mu.Unlock()
	if !ok {
		return
	}

	h.mu.Lock()
	if err := h.impl.Unsubscribe(w); err != nil {
		r.logger.Warn("failed to unsubscribe", "backend", string(h.typ), "root", w.Root(), "error", err)
	}
	h.mu.Unlock()
	r.releaseHandle(h)
}

// releaseHandle drops one reference, closing the backend at zero.
func (r *Registry) releaseHandle(h *backendHandle) {
	r.mu.Lock()
	h.refs--
	last := h.refs <= 0 && !h.dead
	if last {
		h.dead = true
		if r.backends[h.typ] == h {
			delete(r.backends, h.typ)
		}
	}
	r.mu.Unlock()

	if last {
		if err := r.closeHandle(h); err != nil {
			r.logger.Warn("failed to close backend", "backend", string(h.typ), "error", err)
		}
	}
}

func (r *Registry) closeHandle(h *backendHandle) error {
	var err error
	h.closeOnce.Do(func() {
		err = h.impl.Close()
		r.metrics.BackendStopped(string(h.typ))
		r.logger.Info("backend stopped", "backend", string(h.typ))
	})
	return err
}

// release is the watchers' empty hook. It detaches w from the registry and
// from every backend it is subscribed to.
func (r *Registry) release(w *Watcher) {
	r.mu.Lock()
	if !w.markReleased() {
		r.mu.Unlock()
		return
	}
	if r.watchers[w.registryKey] == w {
		delete(r.watchers, w.registryKey)
	}
	var handles []*backendHandle
	for _, h := range r.backends {
		if _, ok := h.subs[w]; ok {
			handles = append(handles, h)
		}
	}
	r.mu.Unlock()

	r.metrics.WatcherRemoved()
	for _, h := range handles {
		r.unwatchOn(h, w)
	}
	w.stop(false)
	r.logger.Debug("watcher released", "root", w.Root(), "watcher", w.ID())
}

// observe routes a backend's asynchronous errors until its channel closes.
func (r *Registry) observe(h *backendHandle) {
	defer r.observers.Done()

	for err := range h.impl.Errors() {
		var werr *WatcherError
		if errors.As(err, &werr) && werr.Watcher != nil {
			r.metrics.BackendError(string(h.typ), false)
			r.logger.Warn("watcher error", "backend", string(h.typ), "root", werr.Watcher.Root(), "error", err)
			r.unwatchOn(h, werr.Watcher)
			werr.Watcher.NotifyError(err)
			continue
		}

		r.metrics.BackendError(string(h.typ), true)
		r.logger.Error("backend failed", "backend", string(h.typ), "error", err)
		r.fail(h, err)
		return
	}
}

// fail discards h after a fatal error and reports err to every watcher
// subscribed through it.
func (r *Registry) fail(h *backendHandle, err error) {
	r.mu.Lock()
	if r.backends[h.typ] == h {
		delete(r.backends, h.typ)
	}
	h.dead = true
	watchers := make([]*Watcher, 0, len(h.subs))
	for w := range h.subs {
		watchers = append(watchers, w)
	}
	clear(h.subs)
	r.mu.Unlock()

	for _, w := range watchers {
		w.NotifyError(err)
	}
	if cerr := r.closeHandle(h); cerr != nil {
		r.logger.Warn("failed to close backend", "backend", string(h.typ), "error", cerr)
	}
}
