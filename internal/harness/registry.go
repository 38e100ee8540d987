package harness

import (
	"fmt"
	"sync"
)

type hold struct {
	agent  string
	worker string
}

// Registry observes granted holds and flags overlap. A hold granted
// through an agent that later crashed is voided: the cluster purges
// the crashed node's tickets, so a successor grant is legitimate even
// while the orphaned worker still believes it holds the lock.
type Registry struct {
	mu         sync.Mutex
	holds      map[string]hold
	violations []string
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{holds: make(map[string]hold)}
}

// Acquire records a grant, flagging a violation when the object is
// already held.
func (r *Registry) Acquire(object, agent, worker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.holds[object]; ok {
		r.violations = append(r.violations, fmt.Sprintf(
			"object %q granted to %s (via %s) while held by %s (via %s)",
			object, worker, agent, cur.worker, cur.agent))
	}
	r.holds[object] = hold{agent: agent, worker: worker}
}

// Release drops worker's hold on object. Stale releases (the hold was
// voided or superseded) are ignored.
func (r *Registry) Release(object, worker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.holds[object]; ok && cur.worker == worker {
		delete(r.holds, object)
	}
}

// VoidAgent drops every hold granted through agent. Call before the
// agent's departure becomes visible to the cluster, or a legitimate
// successor grant races the void and reads as a violation.
func (r *Registry) VoidAgent(agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for object, cur := range r.holds {
		if cur.agent == agent {
			delete(r.holds, object)
		}
	}
}

// Violations returns every overlap observed so far.
func (r *Registry) Violations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.violations))
	copy(out, r.violations)
	return out
}
