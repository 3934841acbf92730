package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listenupapp/fswatch/internal/watcher"
)

// syncBuffer is a bytes.Buffer safe for a concurrent writer and reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func baseArgs(t *testing.T, cmd string) []string {
	t.Helper()
	dir := t.TempDir()
	return []string{
		cmd,
		"-env-file", filepath.Join(dir, "missing.env"),
		"-catalog-path", filepath.Join(dir, "catalog"),
		"-log-level", "error",
		"-log-format", "json",
	}
}

func TestRun_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer

	assert.Equal(t, 2, run(context.Background(), nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "fswatch watch [flags] <dir>")

	stderr.Reset()
	assert.Equal(t, 2, run(context.Background(), []string{"frobnicate"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), `unknown command "frobnicate"`)

	stderr.Reset()
	args := append(baseArgs(t, "snapshot"), t.TempDir())
	assert.Equal(t, 2, run(context.Background(), args, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage: fswatch snapshot")
}

func TestRun_InvalidFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	args := append(baseArgs(t, "backends"), "-backend", "kqueue")
	assert.Equal(t, 2, run(context.Background(), args, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "backend")
}

func TestRun_SnapshotAndSince(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "gone.txt"), []byte("b"), 0o600))
	snap := filepath.Join(t.TempDir(), "snap")

	var stdout, stderr bytes.Buffer
	args := append(baseArgs(t, "snapshot"), "-backend", "brute-force", root, snap)
	require.Equal(t, 0, run(context.Background(), args, &stdout, &stderr), stderr.String())
	assert.FileExists(t, snap)

	require.NoError(t, os.Remove(filepath.Join(root, "gone.txt")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "new.txt"), []byte("c"), 0o600))

	stdout.Reset()
	args = append(baseArgs(t, "since"), "-backend", "brute-force", root, snap)
	require.Equal(t, 0, run(context.Background(), args, &stdout, &stderr), stderr.String())

	var events []watcher.Event
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &events))
	assert.Equal(t, []watcher.Event{
		{Path: filepath.Join(root, "gone.txt"), Kind: watcher.Delete},
		{Path: filepath.Join(root, "new.txt"), Kind: watcher.Create},
	}, events)
}

func TestRun_SinceNoChanges(t *testing.T) {
	root := t.TempDir()
	snap := filepath.Join(t.TempDir(), "snap")

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run(context.Background(), append(baseArgs(t, "snapshot"), "-backend", "brute-force", root, snap), &stdout, &stderr))

	stdout.Reset()
	require.Equal(t, 0, run(context.Background(), append(baseArgs(t, "since"), "-backend", "brute-force", root, snap), &stdout, &stderr))
	assert.JSONEq(t, "[]", stdout.String())
}

func TestRun_MissingRoot(t *testing.T) {
	var stdout, stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "nope")
	args := append(baseArgs(t, "snapshot"), "-backend", "brute-force", missing, filepath.Join(t.TempDir(), "snap"))
	assert.Equal(t, 1, run(context.Background(), args, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "fswatch:")
}

func TestRun_Backends(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run(context.Background(), baseArgs(t, "backends"), &stdout, &stderr), stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "brute-force")
	assert.Equal(t, 1, strings.Count(out, "(default)"))
}

func TestRun_Watch(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdout syncBuffer
	var stderr bytes.Buffer
	args := append(baseArgs(t, "watch"), "-backend", "fsnotify", "-quantum", "10ms", root)

	done := make(chan int, 1)
	go func() { done <- run(ctx, args, &stdout, &stderr) }()

	target := filepath.Join(root, "hello.txt")
	require.Eventually(t, func() bool {
		// Rewrite until the watch is live and reports the file.
		_ = os.WriteFile(target, []byte("hi"), 0o600)
		return strings.Contains(stdout.String(), "hello.txt")
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}

	line, _, _ := strings.Cut(stdout.String(), "\n")
	var events []watcher.Event
	require.NoError(t, json.Unmarshal([]byte(line), &events))
	require.NotEmpty(t, events)
	assert.Equal(t, target, events[0].Path)
}

func TestRun_NamedSnapshot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o600))

	dir := t.TempDir()
	common := []string{
		"-env-file", filepath.Join(dir, "missing.env"),
		"-catalog-path", filepath.Join(dir, "catalog"),
		"-log-level", "error",
		"-backend", "brute-force",
		"-name", "before-build",
	}

	var stdout, stderr bytes.Buffer
	args := append(append([]string{"snapshot"}, common...), root)
	require.Equal(t, 0, run(context.Background(), args, &stdout, &stderr), stderr.String())

	var snap struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Root string `json:"root"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &snap))
	assert.Equal(t, "before-build", snap.Name)
	assert.Equal(t, root, snap.Root)
	assert.NotEmpty(t, snap.ID)

	// Names are unique.
	stderr.Reset()
	assert.Equal(t, 1, run(context.Background(), args, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "already exists")

	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0o600))

	stdout.Reset()
	args = append([]string{"since"}, common...)
	require.Equal(t, 0, run(context.Background(), args, &stdout, &stderr), stderr.String())

	var events []watcher.Event
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &events))
	assert.Equal(t, []watcher.Event{{Path: filepath.Join(root, "b.txt"), Kind: watcher.Create}}, events)
}
