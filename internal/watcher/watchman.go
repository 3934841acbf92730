package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	domainerrors "github.com/listenupapp/fswatch/internal/errors"
	"github.com/listenupapp/fswatch/internal/watchman"
)

// watchmanTimeout bounds each request made to the daemon.
const watchmanTimeout = 30 * time.Second

// sIFMT and sIFDIR are the POSIX file type bits watchman reports in "mode".
const (
	sIFMT  = 0o170000
	sIFDIR = 0o040000
)

var watchmanFields = []string{"name", "mode", "exists", "new"}

// watchmanBackend delegates watching to the watchman daemon. Snapshots are
// daemon clocks; live changes arrive as subscription pushes.
type watchmanBackend struct {
	*bruteForce

	client *watchman.Client

	mu   sync.Mutex
	subs map[string]*Watcher
	ids  map[*Watcher]string

	wg sync.WaitGroup
}

func newWatchmanBackend(deps BackendDeps) (Backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), watchmanTimeout)
	defer cancel()

	sock := deps.WatchmanSocket
	if sock == "" {
		var err error
		if sock, err = watchman.ResolveSocket(ctx); err != nil {
			return nil, domainerrors.Unsupported("watchman is not available").WithCause(err)
		}
	}

	b := &watchmanBackend{
		bruteForce: newBruteForce(BackendWatchman, deps),
		subs:       make(map[string]*Watcher),
		ids:        make(map[*Watcher]string),
	}

	client, err := watchman.Dial(ctx, sock, b.logger, b.handlePush)
	if err != nil {
		return nil, domainerrors.Unsupported("watchman is not available").WithCause(err)
	}
	b.client = client

	b.wg.Add(1)
	go b.forwardErrors()

	b.logger.Debug("connected to watchman", "socket", sock)
	return b, nil
}

func (b *watchmanBackend) forwardErrors() {
	defer b.wg.Done()
	for err := range b.client.Errors() {
		b.emitError(err)
	}
}

// subscriptionID names w's subscription. It includes the watcher number so a
// recreated watcher for the same identity never collides with a stale one.
func subscriptionID(w *Watcher) string {
	return fmt.Sprintf("fswatch-%016x-%d", xxhash.Sum64String(w.Key()), w.ID())
}

func (b *watchmanBackend) request(ctx context.Context, cmd ...any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, watchmanTimeout)
	defer cancel()
	return b.client.Request(ctx, cmd...)
}

func (b *watchmanBackend) watch(ctx context.Context, w *Watcher) error {
	if err := checkRoot(w.Root()); err != nil {
		return err
	}
	if _, err := b.request(ctx, "watch", w.Root()); err != nil {
		return NewWatcherError(w, "failed to watch "+w.Root(), err)
	}
	return nil
}

func (b *watchmanBackend) clock(ctx context.Context, w *Watcher) (string, error) {
	resp, err := b.request(ctx, "clock", w.Root())
	if err != nil {
		return "", NewWatcherError(w, "error reading clock from watchman", err)
	}
	clock, _ := resp["clock"].(string)
	if clock == "" {
		return "", NewWatcherError(w, "error reading clock from watchman", nil)
	}
	return clock, nil
}

// WriteSnapshot stores the daemon's clock for w's root.
func (b *watchmanBackend) WriteSnapshot(ctx context.Context, w *Watcher, snapshotPath string) error {
	if err := b.watch(ctx, w); err != nil {
		return err
	}
	clock, err := b.clock(ctx, w)
	if err != nil {
		return err
	}
	return writeCursor(snapshotPath, cursor{Position: clock, Taken: time.Now()})
}

// GetEventsSince asks the daemon for every change since the stored clock.
func (b *watchmanBackend) GetEventsSince(ctx context.Context, w *Watcher, snapshotPath string) error {
	c, ok := readCursor(snapshotPath)
	if !ok {
		return nil
	}
	if err := b.watch(ctx, w); err != nil {
		return err
	}
	resp, err := b.request(ctx, "since", w.Root(), c.Position)
	if err != nil {
		return NewWatcherError(w, "failed to query changes", err)
	}
	return handleWatchmanFiles(w, resp)
}

// Subscribe registers a daemon subscription delivering changes after the
// current clock.
func (b *watchmanBackend) Subscribe(w *Watcher) error {
	id := subscriptionID(w)

	b.mu.Lock()
	if _, ok := b.ids[w]; ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	ctx := context.Background()
	if err := b.watch(ctx, w); err != nil {
		var werr *WatcherError
		if errors.As(err, &werr) {
			return err
		}
		return NewWatcherError(w, err.Error(), err)
	}
	clock, err := b.clock(ctx, w)
	if err != nil {
		return err
	}

	opts := map[string]any{
		"fields": watchmanFields,
		"since":  clock,
	}
	if expr := ignoreExpression(w); expr != nil {
		opts["expression"] = expr
	}

	// Pushes may arrive before the response, so register first.
	b.mu.Lock()
	b.subs[id] = w
	b.ids[w] = id
	b.mu.Unlock()

	if _, err := b.request(ctx, "subscribe", w.Root(), id, opts); err != nil {
		b.mu.Lock()
		delete(b.subs, id)
		delete(b.ids, w)
		b.mu.Unlock()
		return NewWatcherError(w, "failed to subscribe", err)
	}

	b.logger.Debug("subscribed", "root", w.Root(), "subscription", id)
	return nil
}

// ignoreExpression excludes w's ignored directories and globs on the daemon
// side. Paths outside the root cannot be expressed and are filtered locally.
func ignoreExpression(w *Watcher) []any {
	anyOf := []any{"anyof"}
	prefix := w.Root() + string(filepath.Separator)
	for _, p := range w.IgnorePaths() {
		if rel, ok := strings.CutPrefix(p, prefix); ok {
			anyOf = append(anyOf, []any{"dirname", filepath.ToSlash(rel)})
		}
	}
	for _, g := range w.ignoreGlobs {
		anyOf = append(anyOf, []any{"match", g, "wholename"})
	}
	if len(anyOf) == 1 {
		return nil
	}
	return []any{"not", anyOf}
}

// Unsubscribe cancels w's daemon subscription.
func (b *watchmanBackend) Unsubscribe(w *Watcher) error {
	b.mu.Lock()
	id, ok := b.ids[w]
	if ok {
		delete(b.ids, w)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	if _, err := b.request(context.Background(), "unsubscribe", w.Root(), id); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", id, err)
	}
	return nil
}

func (b *watchmanBackend) handlePush(msg map[string]any) {
	id, _ := msg["subscription"].(string)

	b.mu.Lock()
	w, ok := b.subs[id]
	b.mu.Unlock()
	if !ok {
		return
	}

	if _, ok := msg["state-enter"]; ok {
		return
	}
	if _, ok := msg["state-leave"]; ok {
		return
	}
	if canceled, _ := msg["canceled"].(bool); canceled {
		b.emitError(NewWatcherError(w, "watchman subscription canceled", nil))
		return
	}

	if err := handleWatchmanFiles(w, msg); err != nil {
		b.emitError(err)
		return
	}
	w.Notify()
}

// handleWatchmanFiles records the "files" of a query or push into w.
func handleWatchmanFiles(w *Watcher, msg map[string]any) error {
	files, ok := msg["files"].([]any)
	if !ok {
		return NewWatcherError(w, "error reading changes from watchman", nil)
	}

	for _, f := range files {
		file, ok := f.(map[string]any)
		if !ok {
			continue
		}
		name, _ := file["name"].(string)
		if name == "" {
			continue
		}
		mode, _ := file["mode"].(int64)
		isNew, _ := file["new"].(bool)
		exists, _ := file["exists"].(bool)

		path := filepath.Join(w.Root(), filepath.FromSlash(name))
		if w.IsIgnored(path) {
			continue
		}

		switch {
		case isNew && exists:
			w.Events().Create(path)
		case exists && mode&sIFMT != sIFDIR:
			w.Events().Update(path)
		case !isNew && !exists:
			w.Events().Remove(path)
		}
	}
	return nil
}

// Close disconnects from the daemon.
func (b *watchmanBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.client.Close()
		b.wg.Wait()

		b.mu.Lock()
		clear(b.subs)
		clear(b.ids)
		b.mu.Unlock()

		b.closeErrors()
	})
	return err
}
