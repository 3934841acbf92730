package sse

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listenupapp/fswatch/internal/watcher"
)

func newTestRegistry(t *testing.T) *watcher.Registry {
	t.Helper()
	factories := watcher.DefaultFactories()
	reg := watcher.NewRegistry(nil, watcher.RegistryOptions{
		Quantum: 10 * time.Millisecond,
		Factories: map[watcher.BackendType]watcher.Factory{
			watcher.BackendFSNotify: factories[watcher.BackendFSNotify],
		},
	})
	t.Cleanup(func() {
		reg.Close() //nolint:errcheck // Test cleanup
	})
	return reg
}

type sseMessage struct {
	event string
	data  Event
}

// readEvents parses the stream into messages until it ends.
func readEvents(t *testing.T, resp *http.Response) <-chan sseMessage {
	t.Helper()
	out := make(chan sseMessage, 16)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		var msg sseMessage
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				msg.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg.data); err != nil {
					return
				}
			case line == "":
				out <- msg
				msg = sseMessage{}
			}
		}
	}()
	return out
}

func nextMessage(t *testing.T, ch <-chan sseMessage) sseMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "stream ended")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for SSE message")
		return sseMessage{}
	}
}

func TestHandler_StreamsChanges(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(newTestRegistry(t), nil)
	srv := httptest.NewServer(NewHandler(manager, watcher.Options{}, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?root=" + url.QueryEscape(dir))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp)
	connected := nextMessage(t, events)
	assert.Equal(t, "connected", connected.event)
	assert.NotEmpty(t, connected.data.ClientID)
	assert.Equal(t, 1, manager.ClientCount())

	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	msg := nextMessage(t, events)
	assert.Equal(t, "changes", msg.event)
	require.NotEmpty(t, msg.data.Events)
	assert.Equal(t, path, msg.data.Events[0].Path)
	assert.Equal(t, watcher.Create, msg.data.Events[0].Kind)
}

func TestHandler_MissingRoot(t *testing.T) {
	manager := NewManager(newTestRegistry(t), nil)
	h := NewHandler(manager, watcher.Options{}, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/watch", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_RootDoesNotExist(t *testing.T) {
	manager := NewManager(newTestRegistry(t), nil)
	h := NewHandler(manager, watcher.Options{}, nil)

	missing := filepath.Join(t.TempDir(), "missing")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/watch?root="+url.QueryEscape(missing), nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Zero(t, manager.ClientCount())
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h := NewHandler(NewManager(newTestRegistry(t), nil), watcher.Options{}, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/watch?root=/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandler_Options(t *testing.T) {
	h := NewHandler(nil, watcher.Options{
		Backend: watcher.BackendInotify,
		Ignore:  []string{"/data/tmp"},
	}, nil)

	r := httptest.NewRequest(http.MethodGet, "/?root=/data&ignore=/data/cache&ignore_glob=**/*.log&backend=fsnotify", nil)
	opts := h.options(r)

	assert.Equal(t, watcher.BackendFSNotify, opts.Backend)
	assert.Equal(t, []string{"/data/tmp", "/data/cache"}, opts.Ignore)
	assert.Equal(t, []string{"**/*.log"}, opts.IgnoreGlobs)

	opts = h.options(httptest.NewRequest(http.MethodGet, "/?root=/data", nil))
	assert.Equal(t, watcher.BackendInotify, opts.Backend)
}
