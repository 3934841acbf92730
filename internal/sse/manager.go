package sse

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/listenupapp/fswatch/internal/watcher"
)

// ErrShutdown is returned by Connect after Shutdown.
var ErrShutdown = errors.New("sse manager shut down")

// clientBuffer is the number of batches queued per client before dropping.
const clientBuffer = 64

// Subscriber starts change subscriptions. *watcher.Registry implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, root string, opts watcher.Options, cb watcher.Callback) (*watcher.Subscription, error)
}

// Client represents a connected SSE client.
type Client struct {
	ConnectedAt time.Time
	EventChan   chan Event
	Done        chan struct{}
	ID          string
	Root        string
	Backend     watcher.BackendType

	sub       *watcher.Subscription
	closeOnce sync.Once
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.Done)
		c.sub.Unsubscribe() //nolint:errcheck // Always nil
	})
}

// Manager tracks one watcher subscription per connected SSE client.
type Manager struct {
	subscriber        Subscriber
	logger            *slog.Logger
	heartbeatInterval time.Duration

	mu       sync.RWMutex
	clients  map[string]*Client
	shutdown bool
}

// NewManager creates a new SSE Manager.
func NewManager(subscriber Subscriber, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		subscriber:        subscriber,
		logger:            logger,
		heartbeatInterval: 30 * time.Second,
		clients:           make(map[string]*Client),
	}
}

// Connect subscribes a new client to changes under root.
func (m *Manager) Connect(ctx context.Context, root string, opts watcher.Options) (*Client, error) {
	m.mu.RLock()
	shutdown := m.shutdown
	m.mu.RUnlock()
	if shutdown {
		return nil, ErrShutdown
	}

	// Root is fixed before subscribing; the callback may run immediately.
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	client := &Client{
		ConnectedAt: time.Now(),
		EventChan:   make(chan Event, clientBuffer),
		Done:        make(chan struct{}),
		ID:          uuid.NewString(),
		Root:        root,
	}

	sub, err := m.subscriber.Subscribe(ctx, root, opts, func(err error, events []watcher.Event) {
		m.deliver(client, err, events)
	})
	if err != nil {
		return nil, err
	}
	client.sub = sub
	client.Backend = sub.Backend()

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		sub.Unsubscribe() //nolint:errcheck // Always nil
		return nil, ErrShutdown
	}
	m.clients[client.ID] = client
	m.mu.Unlock()

	m.logger.Info("SSE client connected",
		slog.String("client_id", client.ID),
		slog.String("root", client.Root),
		slog.String("backend", string(client.Backend)))
	return client, nil
}

// deliver runs on the watcher's delivery goroutine. Batches are dropped for
// a client that has fallen behind; the terminal error waits for room.
func (m *Manager) deliver(client *Client, err error, events []watcher.Event) {
	if err != nil {
		select {
		case client.EventChan <- NewErrorEvent(client.Root, err):
		case <-client.Done:
		}
		return
	}

	select {
	case client.EventChan <- NewChangesEvent(client.Root, events):
	case <-client.Done:
	default:
		m.logger.Warn("dropped batch for slow client",
			slog.String("client_id", client.ID),
			slog.Int("events", len(events)))
	}
}

// Disconnect unsubscribes and forgets a client.
func (m *Manager) Disconnect(clientID string) {
	m.mu.Lock()
	client, ok := m.clients[clientID]
	delete(m.clients, clientID)
	m.mu.Unlock()

	if !ok {
		return
	}
	client.close()
	m.logger.Info("SSE client disconnected", slog.String("client_id", clientID))
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Shutdown stops accepting clients and closes every connected one.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	clients := make([]*Client, 0, len(m.clients))
	for id, c := range m.clients {
		clients = append(clients, c)
		delete(m.clients, id)
	}
	m.mu.Unlock()

	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.close()
	}

	m.logger.Info("SSE manager shutdown complete", slog.Int("clients", len(clients)))
	return nil
}
