package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/ai-debugger-inc/aidb/internal/portreg"
)

// Event names the lifecycle manager subscribes to on every started session.
const (
	EventBreakpoint   = "breakpoint"
	EventLoadedSource = "loadedSource"
	EventTerminated   = "terminated"
)

// DefaultPendingTaskTimeout bounds the pending-task drain during destroy.
const DefaultPendingTaskTimeout = 5 * time.Second

// ManagerConfig wires the lifecycle manager's collaborators.
type ManagerConfig struct {
	// Ports allocates and releases adapter ports.
	Ports *portreg.Registry

	// Sessions is the session directory used for child lookup and
	// de-registration.
	Sessions *Registry

	// Drivers maps language identifiers to adapter drivers.
	Drivers map[string]AdapterDriver

	// Dial creates protocol connections to adapter endpoints.
	Dial ConnectionDialer

	// PortProfiles supplies per-language default ports and fallback ranges.
	PortProfiles map[string]PortProfile

	// Resources optionally replaces the built-in cleanup (adapter stop +
	// port bulk release) during destroy.
	Resources ResourceManager

	// PendingTaskTimeout bounds the wait for in-flight background tasks
	// during destroy. Defaults to DefaultPendingTaskTimeout.
	PendingTaskTimeout time.Duration

	Logger logr.Logger
}

// Manager drives session lifecycle transitions. Operations on one session
// must not be invoked concurrently; operations across sessions are
// independent.
type Manager struct {
	ports        *portreg.Registry
	sessions     *Registry
	drivers      map[string]AdapterDriver
	dial         ConnectionDialer
	profiles     map[string]PortProfile
	resources    ResourceManager
	pendingDrain time.Duration
	log          logr.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	pendingDrain := cfg.PendingTaskTimeout
	if pendingDrain <= 0 {
		pendingDrain = DefaultPendingTaskTimeout
	}

	return &Manager{
		ports:        cfg.Ports,
		sessions:     cfg.Sessions,
		drivers:      cfg.Drivers,
		dial:         cfg.Dial,
		profiles:     cfg.PortProfiles,
		resources:    cfg.Resources,
		pendingDrain: pendingDrain,
		log:          log,
	}
}

// Start takes a session from Initializing to Running: resolves the adapter
// port, launches or attaches the adapter, establishes the protocol
// connection, subscribes to lifecycle events, and runs the adapter's
// initialization sequence. Start on a session past Initializing fails with
// ErrAlreadyStarted.
func (m *Manager) Start(ctx context.Context, s *Session) error {
	switch s.Status() {
	case StatusInitializing:
		// proceed
	case StatusTerminating, StatusTerminated:
		return fmt.Errorf("%w: %s", ErrTerminated, s.ID())
	default:
		return fmt.Errorf("%w: %s (status %s)", ErrAlreadyStarted, s.ID(), s.Status())
	}
	s.setStatus(StatusStarting)

	target := s.Target()
	log := m.log.WithValues("sessionId", s.ID(), "language", target.Language, "mode", s.Mode().String())

	driver, known := m.drivers[target.Language]
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownLanguage, target.Language)
	}

	var result StartResult
	switch s.Mode() {
	case ModeAttach:
		if !target.HasAttachTarget() {
			return ErrAttachTargetMissing
		}

		// A pid-only target needs a freshly spawned adapter, and that
		// adapter needs a port of its own.
		var port int
		var acquired bool
		if target.AttachPort == 0 {
			var portErr error
			port, acquired, portErr = m.resolvePort(ctx, s)
			if portErr != nil {
				return portErr
			}
			m.ports.ReleaseReservedPort(port)
		}

		attached, attachErr := driver.Attach(ctx, target, port)
		if attachErr != nil {
			if acquired {
				m.ports.Release(port, s.ID())
			}
			return fmt.Errorf("failed to attach to target: %w", attachErr)
		}
		result = attached

	default: // ModeLaunch
		port, acquired, portErr := m.resolvePort(ctx, s)
		if portErr != nil {
			return portErr
		}

		// The adapter binds the port itself; give up the reservation socket
		// just before the launch. The cross-process record keeps the port
		// reserved against siblings.
		m.ports.ReleaseReservedPort(port)

		launched, launchErr := driver.Launch(ctx, LaunchSpec{Target: target, Port: port})
		if launchErr != nil {
			if acquired {
				m.ports.Release(port, s.ID())
			}
			return fmt.Errorf("failed to launch adapter: %w", launchErr)
		}
		result = launched

		if result.Port != 0 && result.Port != port {
			log.Info("Adapter bound a different port than requested",
				"requestedPort", port, "boundPort", result.Port)
		}
	}

	if result.Port != 0 {
		s.SetPort(result.Port)
	}
	s.mu.Lock()
	s.procHandle = result.Process
	s.mu.Unlock()

	if connErr := m.ensureConnection(ctx, s); connErr != nil {
		return connErr
	}

	m.subscribeLifecycleEvents(s, log)

	for _, step := range driver.InitializationSequence(target, s.Mode()) {
		if stepErr := step.Run(ctx, s.connection()); stepErr != nil {
			return fmt.Errorf("initialization step %q failed: %w", step.Name, stepErr)
		}
	}

	s.mu.Lock()
	s.started = true
	s.status = StatusRunning
	s.mu.Unlock()

	log.Info("Session started", "port", s.Port())
	return nil
}

// resolvePort returns the session's adapter port, acquiring one from the
// port registry when none was pre-assigned. The second return value reports
// whether this call acquired the port (and therefore owns cleanup on a
// failed start).
func (m *Manager) resolvePort(ctx context.Context, s *Session) (int, bool, error) {
	if existing := s.Port(); existing != 0 {
		return existing, false, nil
	}

	target := s.Target()
	profile := m.profiles[target.Language]
	acq, err := m.ports.Acquire(ctx, portreg.Request{
		Language:       target.Language,
		SessionID:      s.ID(),
		DefaultPort:    profile.DefaultPort,
		FallbackRanges: profile.FallbackRanges,
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve adapter port: %w", err)
	}

	s.SetPort(acq.Port)
	return acq.Port, true, nil
}

// ensureConnection establishes the protocol connection if missing, or
// re-establishes it when the adapter port has moved out from under an
// existing connection.
func (m *Manager) ensureConnection(ctx context.Context, s *Session) error {
	target := s.Target()
	host := target.AttachHost
	port := s.Port()
	if host == "" {
		host = portreg.DefaultListenAddress
	}
	if s.Mode() == ModeAttach && target.AttachPort > 0 {
		port = target.AttachPort
	}

	if existing := s.connection(); existing != nil {
		if disconnectErr := existing.Disconnect(); disconnectErr != nil {
			m.log.V(1).Info("Disconnect before reconnect failed",
				"sessionId", s.ID(), "reason", disconnectErr.Error())
		}
		s.setConnection(nil)
	}

	conn, dialErr := m.dial(ctx, host, port)
	if dialErr != nil {
		return fmt.Errorf("failed to create adapter connection: %w", dialErr)
	}
	if connectErr := conn.Connect(ctx); connectErr != nil {
		return fmt.Errorf("failed to connect to adapter at %s:%d: %w", host, port, connectErr)
	}

	s.setConnection(conn)
	return nil
}

// subscribeLifecycleEvents subscribes the session to breakpoint,
// loaded-source, and terminated events. Subscription is idempotent, and a
// failed subscription degrades visibility rather than aborting startup.
func (m *Manager) subscribeLifecycleEvents(s *Session, log logr.Logger) {
	conn := s.connection()

	subscribe := func(event string, handler EventHandler) {
		if s.isSubscribed(event) {
			return
		}
		id, subErr := conn.SubscribeToEvent(event, handler)
		if subErr != nil {
			log.Info("Event subscription failed, continuing with degraded visibility",
				"event", event, "reason", subErr.Error())
			return
		}
		s.recordSubscription(event, id)
	}

	subscribe(EventBreakpoint, func(event dap.EventMessage) {
		m.handleBreakpointEvent(s, event)
	})
	subscribe(EventLoadedSource, func(event dap.EventMessage) {
		log.V(2).Info("Source loaded")
	})
	subscribe(EventTerminated, func(event dap.EventMessage) {
		log.V(1).Info("Debuggee reported termination")
	})
}

// handleBreakpointEvent applies adapter-side breakpoint relocations to the
// session's breakpoint store. Runs as a tracked background task so destroy
// drains it before releasing resources.
func (m *Manager) handleBreakpointEvent(s *Session, event dap.EventMessage) {
	bpEvent, ok := event.(*dap.BreakpointEvent)
	if !ok {
		return
	}

	s.TrackTask(func() {
		bp := bpEvent.Body.Breakpoint
		if bp.Source == nil || bp.Source.Path == "" {
			return
		}
		s.applyBreakpointEvent(bp.Source.Path, bpEvent.Body.Reason, bp.Line)
	})
}

// Destroy takes a session to Terminated: drains pending tasks, destroys
// children first, best-effort-stops a running debuggee, disconnects,
// unsubscribes, releases resources, and de-registers. Individual step
// failures never abort the remaining steps; if any step failed, a single
// wrapped error is returned after everything has been attempted. Destroy on
// an already-terminated session is a no-op.
func (m *Manager) Destroy(ctx context.Context, s *Session) error {
	lastStatus := s.Status()
	if lastStatus == StatusTerminated {
		return nil
	}
	s.setStatus(StatusTerminating)

	log := m.log.WithValues("sessionId", s.ID())

	var stepErrs []error
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			log.Error(err, "Session teardown step failed", "step", name)
			stepErrs = append(stepErrs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("drain pending tasks", func() error {
		if !s.drainPendingTasks(m.pendingDrain) {
			return fmt.Errorf("background tasks still running after %v", m.pendingDrain)
		}
		return nil
	})

	for _, childID := range s.Children() {
		child, found := m.sessions.Get(childID)
		if !found {
			log.V(1).Info("Child session missing from registry, skipping", "childId", childID)
			continue
		}
		childID := childID
		step("destroy child "+childID, func() error {
			return m.Destroy(ctx, child)
		})
	}

	if lastStatus == StatusRunning {
		// Best effort only: the session must remain destroyable even when
		// the debuggee cannot be cleanly stopped.
		if stopErr := m.stopDebuggee(ctx, s); stopErr != nil {
			log.V(1).Info("Best-effort debuggee stop failed", "reason", stopErr.Error())
		}
	}

	conn := s.connection()
	s.setConnection(nil)

	step("disconnect", func() error {
		if conn == nil {
			return nil
		}
		return conn.Disconnect()
	})

	// Unsubscribe failures are logged and ignored: cleanup is total-effort.
	if conn != nil {
		for event, id := range s.takeSubscriptions() {
			if unsubErr := conn.UnsubscribeFromEvent(id); unsubErr != nil {
				log.V(1).Info("Event unsubscribe failed", "event", event, "reason", unsubErr.Error())
			}
		}
	}

	step("release resources", func() error {
		if m.resources != nil {
			result, cleanupErr := m.resources.CleanupAllResources(ctx, s)
			if cleanupErr == nil {
				log.V(1).Info("Resources released",
					"terminatedProcesses", result.TerminatedProcesses,
					"releasedPorts", result.ReleasedPorts)
			}
			return cleanupErr
		}
		return m.releaseOwnResources(ctx, s, log)
	})

	m.sessions.Remove(s.ID())
	s.setStatus(StatusTerminated)

	if len(stepErrs) > 0 {
		return fmt.Errorf("failed to destroy session %s: %w", s.ID(), errors.Join(stepErrs...))
	}

	log.Info("Session destroyed")
	return nil
}

// releaseOwnResources is the fallback cleanup when no ResourceManager is
// wired in: stop the adapter process, then bulk-release the session's ports.
func (m *Manager) releaseOwnResources(ctx context.Context, s *Session, log logr.Logger) error {
	var errs []error

	handle := s.processHandle()
	if handle.Valid() {
		if driver, known := m.drivers[s.Target().Language]; known {
			if stopErr := driver.Stop(ctx, handle); stopErr != nil {
				errs = append(errs, fmt.Errorf("adapter stop: %w", stopErr))
			}
		}
	}

	released := m.ports.ReleaseSessionPorts(s.ID())
	if len(released) > 0 {
		log.V(1).Info("Ports released", "ports", released)
	}

	return errors.Join(errs...)
}

// stopDebuggee issues a best-effort stop for a running debuggee ahead of
// teardown.
func (m *Manager) stopDebuggee(ctx context.Context, s *Session) error {
	driver, known := m.drivers[s.Target().Language]
	if !known {
		return nil
	}
	handle := s.processHandle()
	if !handle.Valid() {
		return nil
	}
	return driver.Stop(ctx, handle)
}

// WaitForStop blocks until the session's debuggee reports a stopped state.
// ErrNoConnection distinguishes a missing connection from ErrStopWaitTimeout,
// which means the debuggee simply has not stopped yet.
func (m *Manager) WaitForStop(ctx context.Context, s *Session, timeout time.Duration) error {
	conn := s.connection()
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrNoConnection, s.ID())
	}

	stopped, waitErr := conn.WaitForStopped(ctx, timeout)
	if waitErr != nil {
		return fmt.Errorf("wait for stop failed: %w", waitErr)
	}
	if !stopped {
		return fmt.Errorf("%w (after %v)", ErrStopWaitTimeout, timeout)
	}

	s.MarkStopped()
	return nil
}

// protocolSender is the request capability a Connection implementation may
// provide on top of the base contract. The built-in client has it; tests may
// supply connections without it.
type protocolSender interface {
	SendRequest(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error)
}

func (m *Manager) sender(s *Session) (protocolSender, error) {
	conn := s.connection()
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, s.ID())
	}
	sender, ok := conn.(protocolSender)
	if !ok {
		return nil, fmt.Errorf("connection %T cannot send protocol requests", conn)
	}
	return sender, nil
}

// SetBreakpoints pushes the breakpoint set for one source file to the
// adapter. The request is merged with the session's stored breakpoints
// first, so the protocol's replace-all call never silently drops
// breakpoints set earlier. The merged set is recorded only after the
// adapter accepted it, and returned.
func (m *Manager) SetBreakpoints(ctx context.Context, s *Session, path string, requested []dap.SourceBreakpoint) ([]dap.SourceBreakpoint, error) {
	sender, senderErr := m.sender(s)
	if senderErr != nil {
		return nil, senderErr
	}

	merged := s.ReconcileBreakpoints(path, requested)
	_, sendErr := sender.SendRequest(ctx, &dap.SetBreakpointsRequest{
		Request: dap.Request{Command: "setBreakpoints"},
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: path},
			Breakpoints: merged,
		},
	})
	if sendErr != nil {
		return nil, fmt.Errorf("failed to set breakpoints in %s: %w", path, sendErr)
	}

	s.RecordBreakpoints(path, merged)
	return merged, nil
}

// Continue resumes the debuggee and records the Stopped→Running transition.
func (m *Manager) Continue(ctx context.Context, s *Session, threadID int) error {
	sender, senderErr := m.sender(s)
	if senderErr != nil {
		return senderErr
	}

	_, sendErr := sender.SendRequest(ctx, &dap.ContinueRequest{
		Request:   dap.Request{Command: "continue"},
		Arguments: dap.ContinueArguments{ThreadId: threadID},
	})
	if sendErr != nil {
		return fmt.Errorf("failed to continue session %s: %w", s.ID(), sendErr)
	}

	s.MarkRunning()
	return nil
}

// Pause asks the adapter to suspend the debuggee. The Running→Stopped
// transition is recorded when the stopped event arrives, not here.
func (m *Manager) Pause(ctx context.Context, s *Session, threadID int) error {
	sender, senderErr := m.sender(s)
	if senderErr != nil {
		return senderErr
	}

	_, sendErr := sender.SendRequest(ctx, &dap.PauseRequest{
		Request:   dap.Request{Command: "pause"},
		Arguments: dap.PauseArguments{ThreadId: threadID},
	})
	if sendErr != nil {
		return fmt.Errorf("failed to pause session %s: %w", s.ID(), sendErr)
	}
	return nil
}

// MarkRunning records a Stopped→Running transition driven by an
// execution-control call (continue). No-op in any other state.
func (s *Session) MarkRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusStopped {
		s.status = StatusRunning
	}
}

// MarkStopped records a Running→Stopped transition driven by a stop event
// (breakpoint hit, pause, step completion). No-op in any other state.
func (s *Session) MarkStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning {
		s.status = StatusStopped
	}
}
