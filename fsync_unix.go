//go:build !windows

package leafdb

import (
	"os"

	"golang.org/x/sys/unix"
)

func fdatasync(file *os.File) error {
	if file == nil {
		return nil
	}
	return unix.Fsync(int(file.Fd()))
}

// lockFile takes an exclusive, non-blocking advisory lock on the database
// file so two processes never open the same file as writers concurrently.
// Spec section 5 assumes a single writer process; this enforces it at the
// OS level the way the wider bbolt-family of the retrieval pack does.
func lockFile(file *os.File) error {
	return unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlockFile(file *os.File) error {
	return unix.Flock(int(file.Fd()), unix.LOCK_UN)
}
