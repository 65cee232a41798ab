//go:build windows

package leafdb

import "os"

func fdatasync(file *os.File) error {
	if file == nil {
		return nil
	}
	return file.Sync()
}

// lockFile/unlockFile are no-ops on windows: os.OpenFile already denies
// concurrent opens of the same path by another process under the default
// sharing mode, so no extra advisory lock is needed here.
func lockFile(file *os.File) error   { return nil }
func unlockFile(file *os.File) error { return nil }
