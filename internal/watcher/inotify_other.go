//go:build !linux

package watcher

import domainerrors "github.com/listenupapp/fswatch/internal/errors"

func newInotifyBackend(_ BackendDeps) (Backend, error) {
	return nil, domainerrors.Unsupported("inotify is only available on linux")
}
