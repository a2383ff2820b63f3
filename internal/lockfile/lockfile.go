// Package lockfile provides files guarded by OS-level advisory locks.
// The port registry uses them to share port ownership records between
// sibling aidb processes.
package lockfile

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ai-debugger-inc/aidb/pkg/osutil"
)

// Lockfile represents a file that can be locked and unlocked.
// I/O operations are not allowed on an unlocked Lockfile.
// Lockfile is NOT goroutine-safe.
type Lockfile struct {
	path   string
	file   *os.File
	locked bool
}

const (
	// DefaultInitialRetryInterval is the starting interval between lock
	// attempts; it doubles (with jitter) up to DefaultMaxRetryInterval.
	DefaultInitialRetryInterval = 20 * time.Millisecond
	DefaultMaxRetryInterval     = 500 * time.Millisecond
)

var (
	ErrUnlocked    = errors.New("Lockfile has not been locked, I/O operations are not allowed")
	ErrNeedAbsPath = errors.New("Lockfiles must be created using absolute path")
)

// NewLockfile creates a Lockfile instance for the given absolute path.
// The actual file is not created or locked yet.
func NewLockfile(path string) (*Lockfile, error) {
	if len(path) == 0 || !filepath.IsAbs(path) {
		return nil, ErrNeedAbsPath
	}

	return &Lockfile{
		path: path,
	}, nil
}

func (l *Lockfile) Path() string {
	return l.path
}

func (l *Lockfile) Locked() bool {
	return l.locked
}

func (l *Lockfile) Close() error {
	unlockErr := l.Unlock()
	if l.file != nil {
		closeErr := l.file.Close()
		l.file = nil
		return errors.Join(unlockErr, closeErr)
	}
	return unlockErr
}

// TryLock attempts to take an exclusive lock on the file, retrying with
// exponential backoff until the lock is acquired or the context is done.
// The wait is bounded solely by the context: callers that must not block
// indefinitely pass a context with a deadline.
func (l *Lockfile) TryLock(ctx context.Context) error {
	if l.locked {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = DefaultInitialRetryInterval
	bo.MaxInterval = DefaultMaxRetryInterval
	bo.MaxElapsedTime = 0 // the context bounds the overall wait

	return backoff.Retry(func() error {
		file := l.file

		if file == nil {
			var openErr error
			file, openErr = os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, osutil.PermissionOnlyOwnerReadWrite)
			if openErr != nil {
				return backoff.Permanent(openErr)
			}

			l.file = file
		}

		lockErr := doLock(l.file)
		if lockErr == nil {
			l.locked = true
			return nil
		}
		if isAlreadyLockedError(lockErr) {
			// Expected when another process holds the lock; retry.
			return lockErr
		}
		return backoff.Permanent(lockErr)
	}, backoff.WithContext(bo, ctx))
}

func (l *Lockfile) Unlock() error {
	if l.file == nil || !l.locked {
		return nil
	}

	// Clear the locked flag regardless of the result of unlocking.
	// Subsequent I/O operations will fail unless the client locks again.
	l.locked = false

	return doUnlock(l.file)
}

func (l *Lockfile) Read(p []byte) (int, error) {
	if l.file == nil || !l.locked {
		return 0, ErrUnlocked
	}
	return l.file.Read(p)
}

func (l *Lockfile) Write(p []byte) (int, error) {
	if l.file == nil || !l.locked {
		return 0, ErrUnlocked
	}
	return l.file.Write(p)
}

func (l *Lockfile) Seek(offset int64, whence int) (int64, error) {
	if l.file == nil || !l.locked {
		return 0, ErrUnlocked
	}
	return l.file.Seek(offset, whence)
}

func (l *Lockfile) Truncate(size int64) error {
	if l.file == nil || !l.locked {
		return ErrUnlocked
	}
	return l.file.Truncate(size)
}

var _ io.ReadWriteCloser = (*Lockfile)(nil)
var _ io.Seeker = (*Lockfile)(nil)
