package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/listenupapp/fswatch/internal/http/response"
	"github.com/listenupapp/fswatch/internal/watcher"
)

// Handler streams changes at GET /api/v1/watch?root=<dir>. Optional query
// parameters: backend, ignore (repeatable) and ignore_glob (repeatable).
type Handler struct {
	manager  *Manager
	defaults watcher.Options
	logger   *slog.Logger
}

// NewHandler creates a new SSE Handler. defaults are merged into every
// request's options.
func NewHandler(manager *Manager, defaults watcher.Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		manager:  manager,
		defaults: defaults,
		logger:   logger,
	}
}

func (h *Handler) options(r *http.Request) watcher.Options {
	q := r.URL.Query()
	opts := watcher.Options{
		Backend:     h.defaults.Backend,
		Ignore:      slices.Concat(h.defaults.Ignore, q["ignore"]),
		IgnoreGlobs: slices.Concat(h.defaults.IgnoreGlobs, q["ignore_glob"]),
	}
	if b := q.Get("backend"); b != "" {
		opts.Backend = watcher.ParseBackendType(b)
	}
	return opts
}

// ServeHTTP handles the SSE connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	root := r.URL.Query().Get("root")
	if root == "" {
		response.BadRequest(w, "root is required", h.logger)
		return
	}

	// Check if request context is already canceled (early client disconnect).
	if r.Context().Err() != nil {
		return
	}

	client, err := h.manager.Connect(r.Context(), root, h.options(r))
	if err != nil {
		if errors.Is(err, ErrShutdown) {
			http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
			return
		}
		response.HandleError(w, err, h.logger)
		return
	}
	defer h.manager.Disconnect(client.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	rc := http.NewResponseController(w)
	clientLogger := h.logger.With(slog.String("client_id", client.ID))

	if err := h.sendEvent(w, rc, NewConnectedEvent(client.ID, client.Root)); err != nil {
		clientLogger.Warn("failed to send initial connection message", slog.String("error", err.Error()))
		return
	}

	ctx := r.Context()
	heartbeatTicker := time.NewTicker(h.manager.heartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case event := <-client.EventChan:
			if err := h.sendEvent(w, rc, event); err != nil {
				clientLogger.Info("client disconnected during send")
				return
			}
			if event.Type == EventError {
				clientLogger.Warn("watch failed", slog.String("error", event.Error))
				return
			}

		case <-heartbeatTicker.C:
			if err := h.sendEvent(w, rc, NewHeartbeatEvent()); err != nil {
				clientLogger.Info("client disconnected during heartbeat")
				return
			}

		case <-client.Done:
			clientLogger.Info("client closed by manager")
			return

		case <-ctx.Done():
			clientLogger.Info("client context canceled")
			return
		}
	}
}

// sendEvent writes one SSE message and flushes it.
func (h *Handler) sendEvent(w http.ResponseWriter, rc *http.ResponseController, event Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, jsonData); err != nil {
		return err
	}

	if err := rc.Flush(); err != nil {
		return err
	}

	// Reset after each successful write so hung connections are dropped.
	if err := rc.SetWriteDeadline(time.Now().Add(60 * time.Second)); err != nil {
		h.logger.Debug("failed to set write deadline", slog.String("error", err.Error()))
	}

	return nil
}
