//go:build windows

package watcher

import (
	"os"
	"path/filepath"
)

// renameio does not support Windows; write a sibling and rename over the target.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()           //nolint:errcheck // Already failing
		os.Remove(tmp.Name()) //nolint:errcheck // Best effort
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck // Best effort
		return err
	}
	return os.Rename(tmp.Name(), path)
}
