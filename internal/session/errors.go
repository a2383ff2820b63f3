package session

import "errors"

var (
	// ErrAlreadyStarted is returned when Start is called on a session that
	// has left the Initializing state.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrTerminated is returned for lifecycle operations on a terminated
	// session. Read-only queries remain allowed.
	ErrTerminated = errors.New("session is terminated")

	// ErrAttachTargetMissing is returned when attach mode is requested with
	// neither host:port nor a target process id. A configuration error;
	// never retried.
	ErrAttachTargetMissing = errors.New("attach requires host:port or a target process id")

	// ErrNoConnection is returned when an operation needs the protocol
	// connection and none exists.
	ErrNoConnection = errors.New("session has no protocol connection")

	// ErrStopWaitTimeout is returned when the debuggee did not reach the
	// stopped state in time. Distinct from ErrNoConnection so callers can
	// tell "not stopped yet" from "never going to stop".
	ErrStopWaitTimeout = errors.New("timed out waiting for the session to stop")

	// ErrUnknownLanguage is returned when no adapter driver is registered
	// for the target language.
	ErrUnknownLanguage = errors.New("no adapter driver registered for language")

	// ErrSessionExists is returned when registering a duplicate session id.
	ErrSessionExists = errors.New("session id already registered")

	// ErrSessionNotFound is returned when a session id is not in the registry.
	ErrSessionNotFound = errors.New("session not found")
)
