//go:build windows

package lockfile

import (
	"math"
	"os"

	"golang.org/x/sys/windows"
)

func doLock(f *os.File) error {
	// Exclusive lock on the entire file (maximum possible range).
	// Windows releases locks held by a terminated process asynchronously,
	// so explicit and timely unlocking still matters.
	var overlapped windows.Overlapped
	return windows.LockFileEx(
		windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0,              // reserved, must be zero
		math.MaxUint32, // number of bytes to lock
		math.MaxUint32, // number of bytes to lock, high-order DWORD
		&overlapped,
	)
}

func doUnlock(f *os.File) error {
	var overlapped windows.Overlapped
	return windows.UnlockFileEx(
		windows.Handle(f.Fd()),
		0,              // reserved, must be zero
		math.MaxUint32, // number of bytes to unlock
		math.MaxUint32, // number of bytes to unlock, high-order DWORD
		&overlapped,
	)
}

func isAlreadyLockedError(err error) bool {
	return err == windows.ERROR_LOCK_VIOLATION
}
