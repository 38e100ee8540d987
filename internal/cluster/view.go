// Package cluster tracks which members are reachable and whether they
// form a quorum. Every node folds its own connectivity observations;
// there is no authoritative copy, views agree eventually.
package cluster

// Status is the quorum state of the local view.
type Status int

const (
	// StatusDown means fewer than a majority of members is reachable.
	StatusDown Status = iota
	// StatusUp means a majority of the expected members is reachable.
	StatusUp
)

func (s Status) String() string {
	if s == StatusUp {
		return "CLUSTERUP"
	}
	return "CLUSTERDOWN"
}

// Evaluate is the quorum function: up iff connected is a strict
// majority of expected. Pure and recomputed from scratch per event.
func Evaluate(connected, expected int) Status {
	if expected <= 0 {
		return StatusDown
	}
	if connected >= expected/2+1 {
		return StatusUp
	}
	return StatusDown
}

// View is one node's current reachability picture. The local node
// always counts as connected.
type View struct {
	self     string
	expected int
	peers    map[string]struct{}
	status   Status
}

// NewView constructs a view for self in a cluster of expected members.
func NewView(self string, expected int) *View {
	v := &View{
		self:     self,
		expected: expected,
		peers:    make(map[string]struct{}),
	}
	v.status = Evaluate(v.ConnectedCount(), v.expected)
	return v
}

// Connect records a reachable peer and reports the new status along
// with whether it changed.
func (v *View) Connect(node string) (Status, bool) {
	if node != v.self {
		v.peers[node] = struct{}{}
	}
	return v.recompute()
}

// Disconnect records a lost peer.
func (v *View) Disconnect(node string) (Status, bool) {
	delete(v.peers, node)
	return v.recompute()
}

// SetExpected adjusts the configured member count, e.g. after a
// members-file reload.
func (v *View) SetExpected(expected int) (Status, bool) {
	v.expected = expected
	return v.recompute()
}

func (v *View) recompute() (Status, bool) {
	status := Evaluate(v.ConnectedCount(), v.expected)
	changed := status != v.status
	v.status = status
	return status, changed
}

// Status returns the current quorum status.
func (v *View) Status() Status { return v.status }

// Expected returns the configured member count.
func (v *View) Expected() int { return v.expected }

// ConnectedCount counts reachable members including self.
func (v *View) ConnectedCount() int { return len(v.peers) + 1 }

// Peers returns the reachable peers (self excluded).
func (v *View) Peers() []string {
	out := make([]string, 0, len(v.peers))
	for p := range v.peers {
		out = append(out, p)
	}
	return out
}

// Reachable reports whether node is currently connected.
func (v *View) Reachable(node string) bool {
	if node == v.self {
		return true
	}
	_, ok := v.peers[node]
	return ok
}
