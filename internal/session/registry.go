package session

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/ai-debugger-inc/aidb/pkg/syncmap"
)

// ActivePolicy selects which session protocol operations should target when
// a root session has live children. The policy is pluggable because runtimes
// differ in how child processes should be foregrounded.
type ActivePolicy interface {
	SelectActive(root *Session, children []*Session) *Session
}

// MostRecentChildPolicy targets the most recently registered live child.
// This matches runtimes that hand the debugged workload to the last worker
// they spawned.
type MostRecentChildPolicy struct{}

func (MostRecentChildPolicy) SelectActive(root *Session, children []*Session) *Session {
	for i := len(children) - 1; i >= 0; i-- {
		if children[i].Status() != StatusTerminated {
			return children[i]
		}
	}
	return root
}

// Registry is the directory of live sessions and the owner of the
// parent→child graph used by cascading destroy. Construct one per process
// and inject it; tests construct isolated instances.
type Registry struct {
	log      logr.Logger
	sessions syncmap.Map[string, *Session]
	policy   ActivePolicy
}

// NewRegistry creates a session registry with the given active-session
// policy. A nil policy defaults to MostRecentChildPolicy.
func NewRegistry(policy ActivePolicy, log logr.Logger) *Registry {
	if policy == nil {
		policy = MostRecentChildPolicy{}
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Registry{
		log:    log,
		policy: policy,
	}
}

// Add registers a session. Fails if the id is already registered.
func (r *Registry) Add(s *Session) error {
	if _, loaded := r.sessions.LoadOrStore(s.ID(), s); loaded {
		return fmt.Errorf("%w: %s", ErrSessionExists, s.ID())
	}
	r.log.V(1).Info("Registered session", "sessionId", s.ID(), "language", s.Target().Language, "mode", s.Mode().String())
	return nil
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	return r.sessions.Load(id)
}

// Remove de-registers a session. No-op if the id is unknown.
func (r *Registry) Remove(id string) {
	if _, found := r.sessions.LoadAndDelete(id); found {
		r.log.V(1).Info("De-registered session", "sessionId", id)
	}
}

// List returns a snapshot of all registered sessions.
func (r *Registry) List() []*Session {
	var out []*Session
	r.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	return out
}

// AddChild links a child session under a parent. Both sessions must already
// be registered. The child's lifecycle is owned by the parent from this
// point: destroying the parent destroys the child first.
func (r *Registry) AddChild(parentID, childID string) error {
	parent, found := r.sessions.Load(parentID)
	if !found {
		return fmt.Errorf("%w: parent %s", ErrSessionNotFound, parentID)
	}
	if _, found := r.sessions.Load(childID); !found {
		return fmt.Errorf("%w: child %s", ErrSessionNotFound, childID)
	}

	parent.addChild(childID)
	r.log.V(1).Info("Linked child session", "parentId", parentID, "childId", childID)
	return nil
}

// ResolveActiveSession returns the session that protocol operations should
// target for the given root. A root with no live children resolves to
// itself; otherwise the registry's policy picks among the children. Children
// missing from the registry are skipped.
func (r *Registry) ResolveActiveSession(root *Session) *Session {
	childIDs := root.Children()
	if len(childIDs) == 0 {
		return root
	}

	children := make([]*Session, 0, len(childIDs))
	for _, id := range childIDs {
		if child, found := r.sessions.Load(id); found {
			children = append(children, child)
		}
	}
	if len(children) == 0 {
		return root
	}

	return r.policy.SelectActive(root, children)
}
