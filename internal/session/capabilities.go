package session

import (
	"context"
	"time"

	"github.com/google/go-dap"

	"github.com/ai-debugger-inc/aidb/internal/portreg"
)

// ProcessHandle identifies an adapter process owned by (or attached to) a
// session.
type ProcessHandle struct {
	PID int32
}

// Valid reports whether the handle refers to a real process.
func (h ProcessHandle) Valid() bool {
	return h.PID > 0
}

// LaunchSpec describes one adapter launch.
type LaunchSpec struct {
	Target Target

	// Port is the port the adapter is asked to serve on.
	Port int
}

// StartResult is what a driver reports after launching or attaching.
type StartResult struct {
	Process ProcessHandle

	// Port is the port the adapter actually bound. May differ from the
	// requested port; the lifecycle manager reconnects when it does.
	Port int
}

// HandshakeStep is one ordered step of an adapter-specific initialization
// sequence. The steps are opaque to the lifecycle manager; it only runs them
// in order and requires every one of them to succeed.
type HandshakeStep struct {
	Name string
	Run  func(ctx context.Context, conn Connection) error
}

// AdapterDriver is the per-language capability for managing adapter
// processes. Drivers hide how a given runtime's adapter is spawned or
// located; the session core never does.
type AdapterDriver interface {
	// Launch spawns the adapter (and debuggee) for the target.
	Launch(ctx context.Context, spec LaunchSpec) (StartResult, error)

	// Attach locates an already-running target identified by host:port or
	// PID. A PID target needs an adapter of its own; port is the allocated
	// port the driver spawns it on (unused for host:port targets).
	Attach(ctx context.Context, target Target, port int) (StartResult, error)

	// Stop terminates an adapter process. Best effort.
	Stop(ctx context.Context, handle ProcessHandle) error

	// InitializationSequence returns the ordered protocol handshake steps
	// that introduce the target to the adapter after the connection is
	// established.
	InitializationSequence(target Target, mode StartMode) []HandshakeStep
}

// SubscriptionID identifies one event subscription on a Connection.
type SubscriptionID int64

// EventHandler receives protocol events for a subscribed event name.
type EventHandler func(event dap.EventMessage)

// Connection is the duplex channel to one adapter process. The wire encoding
// is the connection's concern; the session core only drives the session-level
// state machine on top of it.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect() error

	SubscribeToEvent(name string, handler EventHandler) (SubscriptionID, error)
	UnsubscribeFromEvent(id SubscriptionID) error

	// WaitForStopped blocks until the debuggee reports a stopped state or
	// the timeout elapses. Returns false (with nil error) on timeout;
	// a non-nil error means the wait infrastructure itself failed.
	WaitForStopped(ctx context.Context, timeout time.Duration) (bool, error)
}

// ConnectionDialer creates a Connection to an adapter endpoint.
type ConnectionDialer func(ctx context.Context, host string, port int) (Connection, error)

// CleanupResult reports what a ResourceManager reclaimed.
type CleanupResult struct {
	TerminatedProcesses []int32
	ReleasedPorts       []int
}

// ResourceManager is an optional richer cleanup capability. When absent, the
// lifecycle manager falls back to stopping the adapter process directly and
// bulk-releasing the session's ports.
type ResourceManager interface {
	CleanupAllResources(ctx context.Context, s *Session) (CleanupResult, error)
}

// PortProfile is the per-language port configuration consumed during start.
type PortProfile struct {
	DefaultPort    int
	FallbackRanges []portreg.PortRange
}
