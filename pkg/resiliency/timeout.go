package resiliency

import (
	"time"
)

// RunWithTimeout runs op and returns when op finishes or the timeout elapses,
// whichever comes first. Returns false on timeout; op keeps running in its
// goroutine either way.
// Note: this should not be used in a tight loop as each invocation creates a goroutine and a timer.
func RunWithTimeout(op func(), timeout time.Duration) bool {
	done := make(chan struct{}, 1)
	go func() {
		op()
		done <- struct{}{}
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
