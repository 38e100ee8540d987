// Package ticket holds the per-object lock candidacies an agent knows
// about and the total order that decides which candidacy wins. The
// order keys on (entering timestamp, owner node), lexicographically
// smaller first, and is computed identically on every node from values
// carried in the messages themselves.
package ticket

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a candidacy.
type State int

const (
	// StateEntering means the candidacy was announced and is waiting
	// for a quorum of acknowledgements.
	StateEntering State = iota + 1
	// StateEntered means a quorum acknowledged the candidacy.
	StateEntered
	// StateActive means the candidacy holds the lock.
	StateActive
	// StateReleased is terminal: the lock was released.
	StateReleased
	// StateFailed is terminal: the candidacy was abandoned.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEntering:
		return "entering"
	case StateEntered:
		return "entered"
	case StateActive:
		return "active"
	case StateReleased:
		return "released"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Key is the cluster-wide tie-break key of a candidacy.
type Key struct {
	Stamp uint64
	Owner string
}

// Less reports whether k orders strictly before other. Smaller wins.
func (k Key) Less(other Key) bool {
	if k.Stamp != other.Stamp {
		return k.Stamp < other.Stamp
	}
	return k.Owner < other.Owner
}

// Ticket is one outstanding or granted lock request for one object.
// Local tickets carry the full request context; tickets learned from
// peers only carry what the protocol needs for ordering.
type Ticket struct {
	ID     string
	Object string
	Key    Key
	State  State

	// Local is set on tickets created by this node's own clients.
	Local bool
	// Client is the bus address the grant or failure reply goes to.
	Client string
	// PID identifies the requesting service process.
	PID int
	// CorrelationID is echoed on replies for log correlation.
	CorrelationID string

	// Deadline is the obtention timeout: reach StateActive by then or
	// the candidacy fails.
	Deadline time.Time
	// Duration bounds the hold once granted; Expires is its deadline.
	Duration time.Duration
	Expires  time.Time

	// Acks tracks which peers acknowledged the candidacy (local only).
	Acks map[string]struct{}
	// Attempts counts LOCKENTERING broadcasts; NextRetry schedules the
	// next rebroadcast to peers that have not acknowledged yet.
	Attempts  int
	NextRetry time.Time
}

// NewID returns a time-ordered ticket id.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Acked records an acknowledgement from peer and returns the ack count
// including the owner's implicit self-ack.
func (t *Ticket) Acked(peer string) int {
	if t.Acks == nil {
		t.Acks = make(map[string]struct{})
	}
	t.Acks[peer] = struct{}{}
	return len(t.Acks) + 1
}

// AckCount returns acknowledgements including the implicit self-ack.
func (t *Ticket) AckCount() int {
	return len(t.Acks) + 1
}

// Terminal reports whether the ticket reached a final state.
func (t *Ticket) Terminal() bool {
	return t.State == StateReleased || t.State == StateFailed
}
