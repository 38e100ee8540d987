// Package api defines the wire vocabulary spoken between lock clients,
// node agents, and the message bus. Every message is a single JSON-able
// envelope carrying a command name plus the parameters that command
// requires; agents dispatch on the command with an exhaustive switch.
package api

// Command identifies a protocol message.
type Command string

const (
	// CmdLock asks the local agent to acquire a named object.
	CmdLock Command = "LOCK"
	// CmdLockEntering announces a lock candidacy to peer agents.
	CmdLockEntering Command = "LOCKENTERING"
	// CmdLockEntered acknowledges a peer's candidacy.
	CmdLockEntered Command = "LOCKENTERED"
	// CmdLockExiting withdraws a candidacy (release, failure, or abandon).
	CmdLockExiting Command = "LOCKEXITING"
	// CmdLocked notifies the requesting client that the lock was granted.
	CmdLocked Command = "LOCKED"
	// CmdLockFailed notifies the requesting client of denial or timeout.
	CmdLockFailed Command = "LOCKFAILED"
	// CmdUnlock asks the local agent to release a held object.
	CmdUnlock Command = "UNLOCK"
	// CmdUnlocked confirms a release; Error is set when the hold expired.
	CmdUnlocked Command = "UNLOCKED"
	// CmdLockReady tells local clients the lock subsystem is available.
	CmdLockReady Command = "LOCKREADY"
	// CmdNoLock tells local clients to stop attempting LOCK requests.
	CmdNoLock Command = "NOLOCK"
	// CmdClusterStatus carries a quorum evaluation between agents.
	CmdClusterStatus Command = "CLUSTERSTATUS"
	// CmdClusterUp signals that a quorum of members is reachable.
	CmdClusterUp Command = "CLUSTERUP"
	// CmdClusterDown signals that the quorum was lost.
	CmdClusterDown Command = "CLUSTERDOWN"
	// CmdRegister is the bus/agent handshake request.
	CmdRegister Command = "REGISTER"
	// CmdReady is the bus/agent handshake confirmation.
	CmdReady Command = "READY"
	// CmdUnknown is returned for commands the receiver does not implement.
	CmdUnknown Command = "UNKNOWN"
)

// Entry describes one candidacy for an object as known by a node. The
// pair (entering_timestamp, owner_node) is the cluster-wide tie-break
// key: lexicographically smaller wins.
type Entry struct {
	// Owner is the node id that created the candidacy.
	Owner string `json:"owner_node"`
	// Stamp is the entering timestamp assigned by the owner.
	Stamp uint64 `json:"entering_timestamp"`
	// Active marks the entry that currently holds the object, if any.
	Active bool `json:"active,omitempty"`
}

// Envelope is the single message shape exchanged over the bus. Cmd
// decides which of the remaining fields are meaningful.
type Envelope struct {
	// Cmd names the protocol command.
	Cmd Command `json:"cmd"`
	// From is the bus address of the sender (filled in by the bus).
	From string `json:"from,omitempty"`
	// To is the bus address of the destination.
	To string `json:"to,omitempty"`
	// Object identifies the resource being locked (opaque key).
	Object string `json:"object_name,omitempty"`
	// Owner is the node id owning the candidacy the message refers to.
	Owner string `json:"owner_node,omitempty"`
	// Stamp is the entering timestamp of the candidacy.
	Stamp uint64 `json:"entering_timestamp,omitempty"`
	// PID identifies the requesting service process on the owner node.
	PID int `json:"pid,omitempty"`
	// TimeoutMS bounds how long the agent may take to grant the lock.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
	// DurationMS bounds how long the lock may be held once granted.
	DurationMS int64 `json:"duration_ms,omitempty"`
	// ExpiresAtUnixMS is the grant expiry sent with LOCKED.
	ExpiresAtUnixMS int64 `json:"expires_at_unix_ms,omitempty"`
	// Entries carries the sender's known candidacies for Object
	// (LOCKENTERED acks) so candidates converge on the same pending set.
	Entries []Entry `json:"entries,omitempty"`
	// Error carries a human-readable failure cause.
	Error string `json:"error,omitempty"`
	// NeighborsCount is the expected cluster size on CLUSTERSTATUS
	// family messages.
	NeighborsCount int `json:"neighbors_count,omitempty"`
	// Service and Version describe the registering party on REGISTER.
	Service string `json:"service,omitempty"`
	Version string `json:"version,omitempty"`
	// CorrelationID links client requests to their replies in logs.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Clone returns a deep copy so envelopes never share state across node
// boundaries once routed by the bus.
func (e Envelope) Clone() Envelope {
	out := e
	if len(e.Entries) > 0 {
		out.Entries = make([]Entry, len(e.Entries))
		copy(out.Entries, e.Entries)
	}
	return out
}
