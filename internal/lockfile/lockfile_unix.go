//go:build !windows

package lockfile

import (
	"os"

	"golang.org/x/sys/unix"
)

func doLock(f *os.File) error {
	// Advisory lock associated with the file descriptor. If the descriptor
	// is closed, or the owning process exits, the lock is released
	// automatically. See "man 2 flock".
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func doUnlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

func isAlreadyLockedError(err error) bool {
	return err == unix.EWOULDBLOCK
}
