// Package concurrency contains synchronization primitives used by aidb.
package concurrency

import "context"

// ContextAwareLock is a lock that can be acquired only while the context
// passed to Lock() is live. It also exposes a non-blocking TryLock().
type ContextAwareLock struct {
	ch chan struct{}
}

func NewContextAwareLock() *ContextAwareLock {
	return &ContextAwareLock{
		ch: make(chan struct{}, 1),
	}
}

func (l *ContextAwareLock) Lock(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case l.ch <- struct{}{}:
	}

	// guard against the race where the context expires and the lock is
	// acquired at the same time
	if ctx.Err() != nil {
		l.Unlock()
		return ctx.Err()
	}

	return nil
}

func (l *ContextAwareLock) TryLock() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *ContextAwareLock) Unlock() {
	// Non-blocking for caller
	select {
	case <-l.ch:
	default:
	}
}
