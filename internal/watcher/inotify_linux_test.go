//go:build linux

package watcher

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func rawInotifyEvent(wd int32, mask uint32, name string) []byte {
	var nameBuf []byte
	if name != "" {
		// Names are null padded to a multiple of 16.
		size := (len(name) + 16) / 16 * 16
		nameBuf = make([]byte, size)
		copy(nameBuf, name)
	}
	buf := make([]byte, unix.SizeofInotifyEvent, unix.SizeofInotifyEvent+len(nameBuf))
	binary.NativeEndian.PutUint32(buf[0:], uint32(wd))
	binary.NativeEndian.PutUint32(buf[4:], mask)
	binary.NativeEndian.PutUint32(buf[8:], 0)
	binary.NativeEndian.PutUint32(buf[12:], uint32(len(nameBuf)))
	return append(buf, nameBuf...)
}

func TestParseInotifyEvents(t *testing.T) {
	var buf []byte
	buf = append(buf, rawInotifyEvent(1, unix.IN_CREATE, "a.txt")...)
	buf = append(buf, rawInotifyEvent(2, unix.IN_DELETE_SELF, "")...)
	buf = append(buf, rawInotifyEvent(1, unix.IN_MOVED_TO|unix.IN_ISDIR, "a-much-longer-directory-name")...)

	events := parseInotifyEvents(buf)

	require.Len(t, events, 3)
	assert.Equal(t, inotifyEvent{wd: 1, mask: unix.IN_CREATE, name: "a.txt"}, events[0])
	assert.Equal(t, inotifyEvent{wd: 2, mask: unix.IN_DELETE_SELF}, events[1])
	assert.Equal(t, "a-much-longer-directory-name", events[2].name)
	assert.NotZero(t, events[2].mask&unix.IN_ISDIR)
}

func TestParseInotifyEvents_Truncated(t *testing.T) {
	full := rawInotifyEvent(1, unix.IN_MODIFY, "file")

	assert.Empty(t, parseInotifyEvents(full[:unix.SizeofInotifyEvent-1]))
	// A header whose name runs past the buffer is dropped.
	assert.Empty(t, parseInotifyEvents(full[:unix.SizeofInotifyEvent+2]))
}

func TestInotifyBackend_CreateUpdateDelete(t *testing.T) {
	r := newTestRegistry(t, BackendInotify)
	root := t.TempDir()

	cb, ch := collector()
	sub, err := r.Subscribe(t.Context(), root, Options{Backend: BackendInotify}, cb)
	require.NoError(t, err)
	defer sub.Unsubscribe() //nolint:errcheck // Test cleanup
	assert.Equal(t, BackendInotify, sub.Backend())

	file := filepath.Join(root, "test.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))
	b := nextBatch(t, ch)
	require.NoError(t, b.err)
	assert.Equal(t, []Event{{Path: file, Kind: Create}}, b.events)

	require.NoError(t, os.WriteFile(file, []byte("hello world"), 0o644))
	b = nextBatch(t, ch)
	assert.Equal(t, []Event{{Path: file, Kind: Update}}, b.events)

	require.NoError(t, os.Remove(file))
	b = nextBatch(t, ch)
	assert.Equal(t, []Event{{Path: file, Kind: Delete}}, b.events)
}

func TestInotifyBackend_NewDirectoryIsWatched(t *testing.T) {
	r := newTestRegistry(t, BackendInotify)
	root := t.TempDir()

	cb, ch := collector()
	sub, err := r.Subscribe(t.Context(), root, Options{Backend: BackendInotify}, cb)
	require.NoError(t, err)
	defer sub.Unsubscribe() //nolint:errcheck // Test cleanup

	dir := filepath.Join(root, "nested")
	require.NoError(t, os.Mkdir(dir, 0o755))
	b := nextBatch(t, ch)
	assert.Contains(t, b.events, Event{Path: dir, Kind: Create})

	// Give the new watch a moment to be placed.
	time.Sleep(50 * time.Millisecond)
	inner := filepath.Join(dir, "inner.txt")
	require.NoError(t, os.WriteFile(inner, nil, 0o644))
	b = nextBatch(t, ch)
	assert.Contains(t, b.events, Event{Path: inner, Kind: Create})
}

func TestInotifyBackend_IgnoredPaths(t *testing.T) {
	r := newTestRegistry(t, BackendInotify)
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "skip"), 0o755))

	cb, ch := collector()
	sub, err := r.Subscribe(t.Context(), root, Options{Backend: BackendInotify, Ignore: []string{"skip"}}, cb)
	require.NoError(t, err)
	defer sub.Unsubscribe() //nolint:errcheck // Test cleanup

	require.NoError(t, os.WriteFile(filepath.Join(root, "skip", "x"), nil, 0o644))
	kept := filepath.Join(root, "kept")
	require.NoError(t, os.WriteFile(kept, nil, 0o644))

	b := nextBatch(t, ch)
	assert.Equal(t, []Event{{Path: kept, Kind: Create}}, b.events)
}

func TestInotifyBackend_IgnoreSetsAreIndependent(t *testing.T) {
	r := newTestRegistry(t, BackendInotify)
	root := t.TempDir()
	ign := filepath.Join(root, "ign")
	require.NoError(t, os.Mkdir(ign, 0o755))

	filteredCb, filtered := collector()
	subA, err := r.Subscribe(t.Context(), root, Options{Backend: BackendInotify, Ignore: []string{"ign"}}, filteredCb)
	require.NoError(t, err)
	defer subA.Unsubscribe() //nolint:errcheck // Test cleanup

	allCb, all := collector()
	subB, err := r.Subscribe(t.Context(), root, Options{Backend: BackendInotify}, allCb)
	require.NoError(t, err)
	defer subB.Unsubscribe() //nolint:errcheck // Test cleanup
	assert.Equal(t, 2, r.Watchers())

	inner := filepath.Join(ign, "x")
	require.NoError(t, os.WriteFile(inner, nil, 0o644))
	b := nextBatch(t, all)
	assert.Equal(t, []Event{{Path: inner, Kind: Create}}, b.events)

	select {
	case got := <-filtered:
		t.Fatalf("ignored path delivered: %+v", got.events)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestInotifyBackend_SnapshotQueryUsesOwnIgnores(t *testing.T) {
	r := newTestRegistry(t, BackendInotify)
	root := t.TempDir()
	snap := filepath.Join(t.TempDir(), "snapshot.txt")
	ign := filepath.Join(root, "ign")
	require.NoError(t, os.Mkdir(ign, 0o755))

	// A live subscription without ignores keeps its tree cached.
	cb, ch := collector()
	sub, err := r.Subscribe(t.Context(), root, Options{Backend: BackendInotify}, cb)
	require.NoError(t, err)
	defer sub.Unsubscribe() //nolint:errcheck // Test cleanup

	opts := Options{Backend: BackendInotify, Ignore: []string{"ign"}}
	require.NoError(t, r.WriteSnapshot(t.Context(), root, snap, opts))

	inner := filepath.Join(ign, "new")
	require.NoError(t, os.WriteFile(inner, nil, 0o644))
	kept := filepath.Join(root, "kept.txt")
	require.NoError(t, os.WriteFile(kept, nil, 0o644))
	b := nextBatch(t, ch)
	assert.Contains(t, b.events, Event{Path: inner, Kind: Create})

	events, err := r.GetEventsSince(t.Context(), root, snap, opts)
	require.NoError(t, err)
	assert.Equal(t, []Event{{Path: kept, Kind: Create}}, events)
}

func TestInotifyBackend_SubscribeMissingRoot(t *testing.T) {
	r := newTestRegistry(t, BackendInotify)

	cb, _ := collector()
	_, err := r.Subscribe(t.Context(), filepath.Join(t.TempDir(), "missing"), Options{Backend: BackendInotify}, cb)
	require.Error(t, err)
	var werr *WatcherError
	assert.ErrorAs(t, err, &werr)
	assert.Equal(t, 0, r.Watchers())
}
