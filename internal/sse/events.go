// Package sse streams watcher batches to HTTP clients as Server-Sent Events.
package sse

import (
	"time"

	"github.com/listenupapp/fswatch/internal/watcher"
)

// EventType represents the type of SSE Event.
type EventType string

const (
	// EventConnected is sent once when a stream is established.
	EventConnected EventType = "connected"
	// EventChanges carries one coalesced batch of changes.
	EventChanges EventType = "changes"
	// EventError carries a terminal watcher error. The stream ends after it.
	EventError EventType = "error"
	// EventHeartbeat keeps idle connections alive.
	EventHeartbeat EventType = "heartbeat"
)

// Event is the payload of one SSE message.
type Event struct {
	Type      EventType       `json:"type"`
	Root      string          `json:"root,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	Events    []watcher.Event `json:"events,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewConnectedEvent announces a stream and its client ID.
func NewConnectedEvent(clientID, root string) Event {
	return Event{Type: EventConnected, ClientID: clientID, Root: root, Timestamp: time.Now()}
}

// NewChangesEvent wraps a batch delivered for root.
func NewChangesEvent(root string, events []watcher.Event) Event {
	return Event{Type: EventChanges, Root: root, Events: events, Timestamp: time.Now()}
}

// NewErrorEvent wraps a terminal error for root.
func NewErrorEvent(root string, err error) Event {
	return Event{Type: EventError, Root: root, Error: err.Error(), Timestamp: time.Now()}
}

// NewHeartbeatEvent creates a keepalive event.
func NewHeartbeatEvent() Event {
	return Event{Type: EventHeartbeat, Timestamp: time.Now()}
}
