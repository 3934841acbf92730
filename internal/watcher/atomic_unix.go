//go:build !windows

package watcher

import "github.com/google/renameio/v2"

func writeFileAtomic(path string, data []byte) error {
	return renameio.WriteFile(path, data, 0o644)
}
