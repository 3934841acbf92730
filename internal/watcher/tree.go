package watcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	domainerrors "github.com/listenupapp/fswatch/internal/errors"
)

// DirEntry is one filesystem object in a Tree.
type DirEntry struct {
	Path string
	// ModTime is nanoseconds since the epoch, or 0 when unknown.
	ModTime uint64
	IsDir   bool
}

// Tree is a snapshot of every path under a root, keyed by full path.
// It is safe for concurrent use.
type Tree struct {
	mu       sync.RWMutex
	root     string
	entries  map[string]DirEntry
	complete bool
}

// NewTree returns an empty, incomplete tree for root.
func NewTree(root string) *Tree {
	return &Tree{root: root, entries: make(map[string]DirEntry)}
}

// Root returns the directory the tree describes.
func (t *Tree) Root() string {
	return t.root
}

// Complete reports whether a full scan has populated the tree.
func (t *Tree) Complete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.complete
}

// Add inserts or replaces the entry for path.
func (t *Tree) Add(path string, modTime uint64, isDir bool) DirEntry {
	e := DirEntry{Path: path, ModTime: modTime, IsDir: isDir}
	t.mu.Lock()
	t.entries[path] = e
	t.mu.Unlock()
	return e
}

// Find returns the entry for path.
func (t *Tree) Find(path string) (DirEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[path]
	return e, ok
}

// Update sets the modification time of an existing entry. It reports whether
// the entry was found.
func (t *Tree) Update(path string, modTime uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[path]
	if !ok {
		return false
	}
	e.ModTime = modTime
	t.entries[path] = e
	return true
}

// Remove deletes path. Removing a directory also removes every entry below it.
func (t *Tree) Remove(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[path]; ok && e.IsDir {
		prefix := path + string(filepath.Separator)
		for p := range t.entries {
			if strings.HasPrefix(p, prefix) {
				delete(t.entries, p)
			}
		}
	}
	delete(t.entries, path)
}

// Len returns the number of entries.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Entries returns a copy of all entries sorted by path.
func (t *Tree) Entries() []DirEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sortedLocked()
}

func (t *Tree) sortedLocked() []DirEntry {
	out := make([]DirEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (t *Tree) snapshot() map[string]DirEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := make(map[string]DirEntry, len(t.entries))
	for k, v := range t.entries {
		m[k] = v
	}
	return m
}

// Diff records into events how old must change to become current:
// creates for paths only in current, deletes for paths only in old, and
// updates for files present in both whose modification time differs.
// Paths for which ignored returns true are never recorded.
func Diff(old, current *Tree, events *EventList, ignored func(string) bool) {
	before := old.snapshot()
	after := current.snapshot()

	for p, now := range after {
		if ignored != nil && ignored(p) {
			continue
		}
		prev, ok := before[p]
		switch {
		case !ok:
			events.Create(p)
		case prev.ModTime != now.ModTime && !prev.IsDir && !now.IsDir:
			events.Update(p)
		}
	}
	for p := range before {
		if ignored != nil && ignored(p) {
			continue
		}
		if _, ok := after[p]; !ok {
			events.Remove(p)
		}
	}
}

// WriteTo serializes the tree as a count line followed by one line per entry:
//
//	<count>
//	<len(path)> <path> <mtime> <0|1>
func (t *Tree) WriteTo(w io.Writer) (int64, error) {
	t.mu.RLock()
	entries := t.sortedLocked()
	t.mu.RUnlock()

	bw := bufio.NewWriter(w)
	var n int64
	c, err := fmt.Fprintf(bw, "%d\n", len(entries))
	n += int64(c)
	if err != nil {
		return n, err
	}
	for _, e := range entries {
		dir := 0
		if e.IsDir {
			dir = 1
		}
		c, err = fmt.Fprintf(bw, "%d %s %d %d\n", len(e.Path), e.Path, e.ModTime, dir)
		n += int64(c)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

// ReadTree parses a tree written by WriteTo. The result is marked complete.
// Malformed input yields a protocol error.
func ReadTree(root string, r io.Reader) (*Tree, error) {
	br := bufio.NewReader(r)
	t := NewTree(root)
	t.complete = true

	line, err := br.ReadString('\n')
	if err != nil {
		return nil, domainerrors.Protocol("snapshot: missing header").WithCause(err)
	}
	count, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || count < 0 {
		return nil, domainerrors.Protocolf("snapshot: invalid entry count %q", strings.TrimSpace(line))
	}

	for i := range count {
		e, err := readEntry(br)
		if err != nil {
			return nil, domainerrors.Protocolf("snapshot: entry %d", i).WithCause(err)
		}
		t.entries[e.Path] = e
	}
	return t, nil
}

func readEntry(br *bufio.Reader) (DirEntry, error) {
	var e DirEntry

	lenField, err := br.ReadString(' ')
	if err != nil {
		return e, err
	}
	size, err := strconv.Atoi(strings.TrimSuffix(lenField, " "))
	if err != nil || size < 0 {
		return e, fmt.Errorf("invalid path length %q", lenField)
	}

	path := make([]byte, size)
	if _, err := io.ReadFull(br, path); err != nil {
		return e, err
	}
	e.Path = string(path)

	rest, err := br.ReadString('\n')
	if err != nil {
		return e, err
	}
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return e, fmt.Errorf("invalid entry trailer %q", rest)
	}
	if e.ModTime, err = strconv.ParseUint(fields[0], 10, 64); err != nil {
		return e, err
	}
	switch fields[1] {
	case "0":
	case "1":
		e.IsDir = true
	default:
		return e, fmt.Errorf("invalid directory flag %q", fields[1])
	}
	return e, nil
}

// Scan walks root and fills the tree, replacing anything it held before.
// Paths for which ignored returns true are skipped along with their
// descendants. The root must be a directory.
func (t *Tree) Scan(ctx context.Context, ignored func(string) bool) error {
	info, err := os.Stat(t.root)
	if err != nil {
		if os.IsNotExist(err) {
			return domainerrors.NotFoundf("%s does not exist", t.root).WithCause(err)
		}
		return fmt.Errorf("failed to stat root: %w", err)
	}
	if !info.IsDir() {
		return domainerrors.NotADirectoryf("%s is not a directory", t.root)
	}

	found := make(map[string]DirEntry)
	err = filepath.WalkDir(t.root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if p == t.root {
				return err
			}
			// Vanished or unreadable below the root.
			return nil
		}
		if p != t.root && ignored != nil && ignored(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		found[p] = DirEntry{Path: p, ModTime: modTimeOf(fi), IsDir: d.IsDir()}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", t.root, err)
	}

	t.mu.Lock()
	t.entries = found
	t.complete = true
	t.mu.Unlock()
	return nil
}

// AddSubtree scans dir, which must lie inside the root, adding every entry
// not ignored. It returns the added entries in walk order, dir first.
func (t *Tree) AddSubtree(dir string, ignored func(string) bool) []DirEntry {
	var added []DirEntry
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ignored != nil && ignored(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		added = append(added, t.Add(p, modTimeOf(fi), d.IsDir()))
		return nil
	})
	return added
}

func modTimeOf(fi fs.FileInfo) uint64 {
	ns := fi.ModTime().UnixNano()
	if ns < 0 {
		return 0
	}
	return uint64(ns)
}

// TreeCache shares trees between backends, one per watcher identity, so a
// tree only ever holds what its watcher's ignore set admits. Entries are
// reference counted and evicted when the last holder releases them.
type TreeCache struct {
	mu    sync.Mutex
	trees map[string]*cachedTree
}

type cachedTree struct {
	tree *Tree
	refs int
}

// NewTreeCache returns an empty cache.
func NewTreeCache() *TreeCache {
	return &TreeCache{trees: make(map[string]*cachedTree)}
}

// Acquire returns the tree cached under key, creating an empty incomplete
// one for root if there is none. The returned func releases the reference;
// calling it more than once has no further effect.
func (c *TreeCache) Acquire(key, root string) (*Tree, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ct, ok := c.trees[key]
	if !ok {
		ct = &cachedTree{tree: NewTree(root)}
		c.trees[key] = ct
	}
	ct.refs++

	var once sync.Once
	return ct.tree, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			ct.refs--
			if ct.refs == 0 && c.trees[key] == ct {
				delete(c.trees, key)
			}
		})
	}
}

// Len returns the number of cached trees.
func (c *TreeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.trees)
}
