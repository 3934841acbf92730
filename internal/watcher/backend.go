package watcher

import (
	"context"
	"log/slog"
	"runtime"

	domainerrors "github.com/listenupapp/fswatch/internal/errors"
)

// BackendType names a change-notification facility.
type BackendType string

// Known backend types.
const (
	BackendDefault    BackendType = "default"
	BackendInotify    BackendType = "inotify"
	BackendFSEvents   BackendType = "fs-events"
	BackendWindows    BackendType = "windows"
	BackendFSNotify   BackendType = "fsnotify"
	BackendWatchman   BackendType = "watchman"
	BackendBruteForce BackendType = "brute-force"
)

// AllBackends lists every backend type this package knows.
var AllBackends = []BackendType{
	BackendFSEvents,
	BackendWatchman,
	BackendWindows,
	BackendInotify,
	BackendFSNotify,
	BackendBruteForce,
}

// ParseBackendType maps a user supplied name to a BackendType. Unknown names
// map to BackendDefault.
func ParseBackendType(name string) BackendType {
	if name == "" {
		return BackendDefault
	}
	for _, b := range AllBackends {
		if string(b) == name {
			return b
		}
	}
	return BackendDefault
}

// DefaultChain returns the backends tried, in order, when no backend is named
// or the named one cannot be started.
func DefaultChain() []BackendType {
	switch runtime.GOOS {
	case "darwin":
		return []BackendType{BackendFSEvents, BackendWatchman, BackendBruteForce}
	case "linux":
		return []BackendType{BackendWatchman, BackendInotify, BackendBruteForce}
	case "windows":
		return []BackendType{BackendWatchman, BackendWindows, BackendBruteForce}
	default:
		return []BackendType{BackendWatchman, BackendFSNotify, BackendBruteForce}
	}
}

// Backend is a change-notification facility. Operations on a backend are
// serialized by its owner; the backend's own goroutines translate native
// notifications into the subscribed watchers' event lists and call Notify.
type Backend interface {
	// Type returns the backend's name.
	Type() BackendType

	// WriteSnapshot persists a resumable cursor for w's root at snapshotPath.
	WriteSnapshot(ctx context.Context, w *Watcher, snapshotPath string) error

	// GetEventsSince records into w's event list the changes since the cursor
	// at snapshotPath. A missing or unreadable cursor records nothing.
	GetEventsSince(ctx context.Context, w *Watcher, snapshotPath string) error

	// Subscribe starts live delivery into w. Subscribing twice is a no-op.
	Subscribe(w *Watcher) error

	// Unsubscribe stops live delivery into w. It is a no-op when w is not
	// subscribed.
	Unsubscribe(w *Watcher) error

	// Errors reports asynchronous failures. A *WatcherError naming a watcher
	// affects only that watcher; anything else is fatal for the backend.
	// The channel is closed by Close.
	Errors() <-chan error

	// Close stops the backend's goroutines and waits for them.
	Close() error
}

// BackendDeps are the shared collaborators handed to backend constructors.
type BackendDeps struct {
	Logger *slog.Logger
	Trees  *TreeCache
	// WatchmanSocket overrides socket discovery for the watchman backend.
	WatchmanSocket string
}

// Factory constructs a backend. A constructor blocks until the backend is
// ready to accept subscriptions.
type Factory func(deps BackendDeps) (Backend, error)

// DefaultFactories returns the constructors for every backend type. Types
// not supported on this platform return an Unsupported error.
func DefaultFactories() map[BackendType]Factory {
	return map[BackendType]Factory{
		BackendFSEvents:   newFSEventsBackend,
		BackendWatchman:   newWatchmanBackend,
		BackendWindows:    newWindowsBackend,
		BackendInotify:    newInotifyBackend,
		BackendFSNotify:   newFSNotifyBackend,
		BackendBruteForce: newBruteForceBackend,
	}
}

// WatcherError is a failure scoped to one watcher.
type WatcherError struct {
	Reason  string
	Watcher *Watcher
	cause   error
}

// NewWatcherError creates a WatcherError. cause may be nil.
func NewWatcherError(w *Watcher, reason string, cause error) *WatcherError {
	return &WatcherError{Reason: reason, Watcher: w, cause: cause}
}

// Error implements the error interface.
func (e *WatcherError) Error() string {
	if e.cause != nil && e.cause.Error() != e.Reason {
		return e.Reason + ": " + e.cause.Error()
	}
	return e.Reason
}

// Unwrap returns the underlying error.
func (e *WatcherError) Unwrap() error {
	return e.cause
}

// Is matches errors.ErrWatcher.
func (e *WatcherError) Is(target error) bool {
	return domainerrors.ErrWatcher.Is(target)
}
