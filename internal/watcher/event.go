package watcher

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Kind is the kind of change reported for a path.
type Kind int

const (
	// Create reports a path that did not exist at the start of the window.
	Create Kind = iota
	// Update reports a path whose contents or metadata changed.
	Update
	// Delete reports a path that no longer exists.
	Delete
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case Create, Update, Delete:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("invalid event kind %d", int(k))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "create":
		*k = Create
	case "update":
		*k = Update
	case "delete":
		*k = Delete
	default:
		return fmt.Errorf("invalid event kind %q", b)
	}
	return nil
}

// Event is a single reconciled change.
type Event struct {
	Path string `json:"path"`
	Kind Kind   `json:"type"`
}

// String renders the event for logs.
func (e Event) String() string {
	return e.Kind.String() + " " + e.Path
}

var _ json.Marshaler = (*EventList)(nil)

// EventList accumulates changes keyed by path and folds repeated changes to
// the same path into their net effect:
//
//	recorded \ next   create   update   delete
//	(none)            Create   Update   Delete
//	Create            Create   Create   (dropped)
//	Update            Create   Update   Delete
//	Delete            Update   Update   Delete
//
// It is safe for concurrent use.
type EventList struct {
	mu     sync.Mutex
	events map[string]Kind
}

// NewEventList returns an empty list.
func NewEventList() *EventList {
	return &EventList{events: make(map[string]Kind)}
}

// Create records that path was created.
func (l *EventList) Create(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apply(path, Create)
}

// Update records that path was modified.
func (l *EventList) Update(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apply(path, Update)
}

// Remove records that path was deleted.
func (l *EventList) Remove(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apply(path, Delete)
}

// Merge replays events through the merge rules in order.
func (l *EventList) Merge(events []Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range events {
		l.apply(e.Path, e.Kind)
	}
}

func (l *EventList) apply(path string, next Kind) {
	prev, seen := l.events[path]
	if !seen {
		l.events[path] = next
		return
	}

	switch next {
	case Create:
		if prev == Delete {
			l.events[path] = Update
		} else {
			l.events[path] = Create
		}
	case Update:
		if prev == Delete {
			l.events[path] = Update
		}
	case Delete:
		if prev == Create {
			delete(l.events, path)
		} else {
			l.events[path] = Delete
		}
	}
}

// Len returns the number of pending paths.
func (l *EventList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Events returns the pending events sorted by path.
func (l *EventList) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sortedEvents(l.events)
}

// Drain returns the pending events sorted by path and clears the list.
func (l *EventList) Drain() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := sortedEvents(l.events)
	clear(l.events)
	return out
}

// Clear discards all pending events.
func (l *EventList) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.events)
}

// MarshalJSON encodes the pending events as an array.
func (l *EventList) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Events())
}

func sortedEvents(m map[string]Kind) []Event {
	out := make([]Event, 0, len(m))
	for p, k := range m {
		out = append(out, Event{Path: p, Kind: k})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
