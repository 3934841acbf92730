//go:build !darwin || !cgo

package watcher

import domainerrors "github.com/listenupapp/fswatch/internal/errors"

func newFSEventsBackend(_ BackendDeps) (Backend, error) {
	return nil, domainerrors.Unsupported("fs-events requires darwin with cgo")
}
