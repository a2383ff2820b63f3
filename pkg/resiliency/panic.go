package resiliency

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

// MakePanicError logs a panic value with its call stack and returns it as a
// permanent (non-retryable) error.
func MakePanicError(panicVal any, log logr.Logger) error {
	if panicVal == nil {
		return nil
	}

	panicErr, isError := panicVal.(error)
	if !isError {
		panicErr = fmt.Errorf("%v", panicVal)
	}
	var permanent *backoff.PermanentError
	if !errors.As(panicErr, &permanent) {
		panicErr = Permanent(panicErr)
	}

	log.Error(panicErr, "A goroutine ended prematurely due to panic", "stack", string(debug.Stack()))

	return panicErr
}

// RecoverPanic is meant to be deferred at the top of long-running goroutines;
// it converts a panic into a logged error instead of crashing the process.
func RecoverPanic(log logr.Logger) {
	if panicVal := recover(); panicVal != nil {
		_ = MakePanicError(panicVal, log)
	}
}
