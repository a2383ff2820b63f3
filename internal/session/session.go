// Package session implements the debug session orchestration core: the
// session state owner, its lifecycle manager, the session registry with
// parent/child ownership, and the breakpoint reconciliation contract.
package session

import (
	"sync"
	"time"

	"github.com/google/go-dap"
	"github.com/google/uuid"

	"github.com/ai-debugger-inc/aidb/pkg/resiliency"
)

// Status is the lifecycle status of a session. Transitions are monotonic
// except Running and Stopped, which cycle freely during normal debugging.
type Status int32

const (
	StatusInitializing Status = iota
	StatusStarting
	StatusRunning
	StatusStopped
	StatusTerminating
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusTerminating:
		return "terminating"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// StartMode distinguishes sessions that spawn their debuggee from sessions
// that connect to an existing one.
type StartMode int

const (
	// ModeLaunch spawns the adapter (and debuggee) process.
	ModeLaunch StartMode = iota

	// ModeAttach connects to an already-running target identified by
	// host:port or PID.
	ModeAttach
)

func (m StartMode) String() string {
	if m == ModeAttach {
		return "attach"
	}
	return "launch"
}

// Target describes the debugging target.
type Target struct {
	// Language selects the adapter driver.
	Language string

	// Path is the program or entry point to debug.
	Path string

	Args []string
	Env  map[string]string
	Cwd  string

	// Attach identity. Exactly one of (AttachHost+AttachPort) or AttachPID
	// is required in attach mode.
	AttachHost string
	AttachPort int
	AttachPID  int32
}

// HasAttachTarget reports whether the target carries enough identity for
// attach mode.
func (t Target) HasAttachTarget() bool {
	return (t.AttachHost != "" && t.AttachPort > 0) || t.AttachPID > 0
}

// Session owns the state of one debugging target: identity, target
// description, lifecycle status, adapter port, breakpoint store, event
// subscriptions, and child session links. Lifecycle transitions are driven
// exclusively by the Manager; callers must not run Start and Destroy for the
// same session concurrently.
type Session struct {
	id     string
	target Target
	mode   StartMode

	mu            sync.Mutex
	status        Status
	port          int
	conn          Connection
	procHandle    ProcessHandle
	breakpoints   map[string][]dap.SourceBreakpoint
	subscriptions map[string]SubscriptionID
	children      []string
	started       bool

	// pending tracks in-flight background work (asynchronous breakpoint
	// verification updates in particular) that Destroy must drain before
	// releasing shared resources.
	pending sync.WaitGroup
}

// New creates a session in the Initializing state with a fresh identity.
func New(target Target, mode StartMode) *Session {
	return &Session{
		id:            uuid.NewString(),
		target:        target,
		mode:          mode,
		status:        StatusInitializing,
		breakpoints:   make(map[string][]dap.SourceBreakpoint),
		subscriptions: make(map[string]SubscriptionID),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Target() Target {
	return s.target
}

func (s *Session) Mode() StartMode {
	return s.mode
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Port returns the adapter port, or 0 while unassigned.
func (s *Session) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// SetPort assigns the adapter port before start. Start resolves the port via
// the port registry when none was pre-assigned.
func (s *Session) SetPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.port = port
}

// Started reports whether the full initialization handshake completed.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Children returns the ids of child sessions, in the order they were added.
func (s *Session) Children() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.children))
	copy(out, s.children)
	return out
}

func (s *Session) addChild(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.children {
		if existing == id {
			return
		}
	}
	s.children = append(s.children, id)
}

// TrackTask launches fn as a tracked background task. Destroy waits
// (bounded) for all tracked tasks before releasing shared resources.
func (s *Session) TrackTask(fn func()) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		fn()
	}()
}

// drainPendingTasks waits for in-flight background tasks, up to timeout.
// Returns false if tasks were still running when the timeout elapsed.
func (s *Session) drainPendingTasks(timeout time.Duration) bool {
	return resiliency.RunWithTimeout(s.pending.Wait, timeout)
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *Session) connection() Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) setConnection(conn Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

func (s *Session) processHandle() ProcessHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procHandle
}

// recordSubscription stores a subscription handle by event name so it can be
// symmetrically removed during destroy. Returns false if the event is
// already subscribed.
func (s *Session) recordSubscription(event string, id SubscriptionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subscriptions[event]; exists {
		return false
	}
	s.subscriptions[event] = id
	return true
}

func (s *Session) isSubscribed(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.subscriptions[event]
	return exists
}

// takeSubscriptions removes and returns all recorded subscriptions.
func (s *Session) takeSubscriptions() map[string]SubscriptionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	taken := s.subscriptions
	s.subscriptions = make(map[string]SubscriptionID)
	return taken
}
