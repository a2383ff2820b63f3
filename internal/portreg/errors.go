package portreg

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionIDRequired is returned when Acquire is called without a
	// session identity to record as the port owner.
	ErrSessionIDRequired = errors.New("port acquisition requires a session id")

	// ErrNoPortConfiguration is returned when a request names neither a
	// preferred port, a default port, nor any fallback range.
	ErrNoPortConfiguration = errors.New("no port configuration: need a preferred port, default port, or fallback ranges")

	// ErrRegistryClosed is returned for operations on a closed registry.
	ErrRegistryClosed = errors.New("port registry is closed")
)

// ExhaustionError reports that every candidate port was tried and none could
// be bound. It names the language and the attempted ranges for diagnostics.
type ExhaustionError struct {
	Language   string
	Candidates int
	Ranges     []PortRange
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("no free port for language %q after trying %d candidates (ranges: %v)",
		e.Language, e.Candidates, e.Ranges)
}

// IsExhaustionError reports whether err indicates port exhaustion.
func IsExhaustionError(err error) bool {
	var ee *ExhaustionError
	return errors.As(err, &ee)
}
