// Package engine runs the per-node lock agent: the ticket state
// machine, the cluster view, and leader election, all driven by a
// single event loop. Ticket-table mutation happens exclusively on that
// loop; the only suspension points are message arrival and timers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/ticketd/api"
	"pkt.systems/ticketd/internal/bus"
	"pkt.systems/ticketd/internal/clock"
	"pkt.systems/ticketd/internal/cluster"
	"pkt.systems/ticketd/internal/election"
	"pkt.systems/ticketd/internal/svcfields"
	"pkt.systems/ticketd/internal/ticket"
)

const (
	// DefaultObtentionTimeout bounds how long a LOCK may wait for its
	// grant when the client supplies no timeout.
	DefaultObtentionTimeout = 5 * time.Second
	// DefaultHoldDuration bounds how long a grant is held when the
	// client supplies no duration.
	DefaultHoldDuration = 60 * time.Second
	// DefaultRetryInterval schedules LOCKENTERING rebroadcasts to
	// peers that have not acknowledged.
	DefaultRetryInterval = 500 * time.Millisecond
	// DefaultMaxAttempts caps LOCKENTERING broadcasts before the
	// candidacy is failed rather than silently dropped.
	DefaultMaxAttempts = 5
)

// Member is one configured cluster member with its election weight.
type Member struct {
	ID       string
	Priority int
}

// Config parameterizes an engine.
type Config struct {
	NodeID           string
	Members          []Member
	ObtentionTimeout time.Duration
	HoldDuration     time.Duration
	RetryInterval    time.Duration
	MaxAttempts      int
	Logger           pslog.Logger
	Clock            clock.Clock
}

func (c *Config) applyDefaults() {
	if c.ObtentionTimeout <= 0 {
		c.ObtentionTimeout = DefaultObtentionTimeout
	}
	if c.HoldDuration <= 0 {
		c.HoldDuration = DefaultHoldDuration
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
}

// deferredAck is an acknowledgement we owe a peer but may not send yet
// because one of our own smaller candidacies for the object is still in
// flight (or held).
type deferredAck struct {
	to    string
	owner string
	stamp uint64
}

// Snapshot is the externally visible engine state, safe to read from
// any goroutine.
type Snapshot struct {
	NodeID    string
	Leader    string
	Ready     bool
	Status    cluster.Status
	Connected int
	Expected  int
}

// Engine is one node's lock agent.
type Engine struct {
	cfg     Config
	ep      *bus.Endpoint
	log     pslog.Logger
	clk     clock.Clock
	table   *ticket.Table
	view    *cluster.View
	members map[string]Member
	metrics *meters

	stamp    uint64 // lamport-style entering counter
	ready    bool
	leader   string
	clients  map[string]string // client addr -> service name
	deferred map[string][]deferredAck

	updates chan []Member

	mu   sync.RWMutex
	snap Snapshot
}

// New constructs an engine bound to an already-connected bus endpoint.
func New(cfg Config, ep *bus.Endpoint) (*Engine, error) {
	cfg.applyDefaults()
	if cfg.NodeID == "" {
		return nil, errors.New("engine: node id required")
	}
	if ep == nil {
		return nil, errors.New("engine: bus endpoint required")
	}
	members := make(map[string]Member, len(cfg.Members))
	for _, m := range cfg.Members {
		members[m.ID] = m
	}
	if _, ok := members[cfg.NodeID]; !ok {
		return nil, fmt.Errorf("engine: node %q missing from member list", cfg.NodeID)
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "agent.engine").With("node", cfg.NodeID)
	e := &Engine{
		cfg:      cfg,
		ep:       ep,
		log:      logger,
		clk:      cfg.Clock,
		table:    ticket.NewTable(),
		view:     cluster.NewView(cfg.NodeID, len(cfg.Members)),
		members:  members,
		metrics:  newMeters(logger),
		clients:  make(map[string]string),
		deferred: make(map[string][]deferredAck),
		updates:  make(chan []Member, 1),
	}
	e.publishSnapshot()
	return e, nil
}

// Info returns a point-in-time view of the engine state.
func (e *Engine) Info() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

// UpdateMembers feeds a reloaded member list into the event loop.
func (e *Engine) UpdateMembers(members []Member) {
	select {
	case e.updates <- members:
	default:
		// A pending update is superseded; drain and replace.
		select {
		case <-e.updates:
		default:
		}
		e.updates <- members
	}
}

// Run drives the event loop until ctx is cancelled or the bus endpoint
// closes. All state below this point is loop-confined.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("agent starting",
		"expected", e.view.Expected(),
		"priority", e.members[e.cfg.NodeID].Priority,
	)
	e.bootstrap()
	// One timer for the whole loop, rearmed to the earliest deadline
	// each iteration. Arming a fresh channel per iteration would leak a
	// pending timer per processed message on the real clock.
	timer := e.clk.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C()
	}
	for {
		var timerC <-chan time.Time
		if wake, ok := e.nextWake(); ok {
			d := wake.Sub(e.clk.Now())
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
			timerC = timer.C()
		}
		fired := false
		select {
		case <-ctx.Done():
			e.log.Info("agent stopping", "reason", ctx.Err())
			return ctx.Err()
		case members := <-e.updates:
			e.applyMembers(members)
		case ev, ok := <-e.ep.Events():
			if !ok {
				e.log.Info("agent stopping", "reason", "bus closed")
				return nil
			}
			e.handleEvent(ev)
		case env, ok := <-e.ep.Inbox():
			if !ok {
				e.log.Info("agent stopping", "reason", "bus closed")
				return nil
			}
			e.dispatch(env)
		case <-timerC:
			fired = true
			e.sweep(e.clk.Now())
		}
		if timerC != nil && !fired {
			if !timer.Stop() {
				select {
				case <-timer.C():
				default:
				}
			}
		}
	}
}

// bootstrap handles the degenerate case where the configured cluster
// already has its quorum at start (a single-member cluster).
func (e *Engine) bootstrap() {
	if e.view.Status() == cluster.StatusUp {
		e.transition(cluster.StatusUp)
	}
}

// nextWake returns the earliest deadline across the table: local
// ticket timers plus the expiry of remote ENTERING entries.
func (e *Engine) nextWake() (time.Time, bool) {
	var wake time.Time
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if wake.IsZero() || t.Before(wake) {
			wake = t
		}
	}
	for _, object := range e.table.Objects() {
		for _, tk := range e.table.Entries(object) {
			if !tk.Local {
				if tk.State == ticket.StateEntering {
					consider(tk.Deadline)
				}
				continue
			}
			switch tk.State {
			case ticket.StateActive:
				consider(tk.Expires)
			case ticket.StateEntering:
				consider(tk.Deadline)
				consider(tk.NextRetry)
			case ticket.StateEntered:
				consider(tk.Deadline)
			}
		}
	}
	return wake, !wake.IsZero()
}

// nextStamp advances the entering counter; absorb folds stamps observed
// on the wire so the counter stays ahead of everything seen.
func (e *Engine) nextStamp() uint64 {
	e.stamp++
	return e.stamp
}

func (e *Engine) absorb(stamp uint64) {
	if stamp > e.stamp {
		e.stamp = stamp
	}
}

func (e *Engine) isMember(id string) bool {
	_, ok := e.members[id]
	return ok
}

// quorum is the self-inclusive majority of configured members.
func (e *Engine) quorum() int {
	return e.view.Expected()/2 + 1
}

func (e *Engine) handleEvent(ev bus.Event) {
	if !e.isMember(ev.Node) {
		e.handleClientEvent(ev)
		return
	}
	switch ev.Kind {
	case bus.Joined:
		e.log.Debug("peer connected", "peer", ev.Node)
		status, changed := e.view.Connect(ev.Node)
		if changed {
			e.transition(status)
		} else {
			e.elect()
		}
	case bus.Left:
		e.log.Info("peer disconnected", "peer", ev.Node)
		e.purgePeer(ev.Node)
		status, changed := e.view.Disconnect(ev.Node)
		if changed {
			e.transition(status)
		} else {
			e.elect()
		}
		// A dead peer can no longer acknowledge; pending candidacies
		// may now have every reachable peer on record.
		e.recheckPending()
	}
	e.publishSnapshot()
}

// handleClientEvent cleans up after a local service that vanished
// without unlocking.
func (e *Engine) handleClientEvent(ev bus.Event) {
	if ev.Kind != bus.Left {
		return
	}
	if _, known := e.clients[ev.Node]; known {
		delete(e.clients, ev.Node)
	}
	for _, tk := range e.table.Locals() {
		if tk.Client != ev.Node || tk.Terminal() {
			continue
		}
		e.log.Info("cleaning up after departed client",
			"client", ev.Node, "object", tk.Object, "state", tk.State.String())
		e.abandon(tk, ticket.StateReleased)
	}
}

// purgePeer erases everything a disconnected member owned and promotes
// whatever became unblocked. This must never erase another node's
// active lock: PurgeOwner matches on the owner key only.
func (e *Engine) purgePeer(peer string) {
	purged := e.table.PurgeOwner(peer)
	if len(purged) == 0 {
		return
	}
	affected := make(map[string]struct{}, len(purged))
	for _, tk := range purged {
		e.log.Debug("purged candidacy of dead peer",
			"peer", peer, "object", tk.Object, "state", tk.State.String())
		affected[tk.Object] = struct{}{}
	}
	for object := range affected {
		e.flushDeferred(object)
		e.tryPromote(object)
	}
}

// transition reacts to a quorum status change: gate the lock service,
// tell peers and local clients, and re-run the election.
func (e *Engine) transition(status cluster.Status) {
	e.metrics.transition(status)
	e.log.Info("cluster transition",
		"status", status.String(),
		"connected", e.view.ConnectedCount(),
		"expected", e.view.Expected(),
	)
	up := status == cluster.StatusUp
	e.ready = up
	statusCmd := api.CmdClusterDown
	clientCmd := api.CmdNoLock
	if up {
		statusCmd = api.CmdClusterUp
		clientCmd = api.CmdLockReady
	}
	for _, peer := range e.view.Peers() {
		if err := e.ep.Send(peer, api.Envelope{Cmd: statusCmd, NeighborsCount: e.view.Expected()}); err != nil {
			e.log.Debug("cluster status broadcast failed", "peer", peer, "error", err)
		}
	}
	for addr := range e.clients {
		if err := e.ep.Send(addr, api.Envelope{Cmd: clientCmd}); err != nil {
			e.log.Debug("availability notice failed", "client", addr, "error", err)
		}
	}
	if up {
		e.elect()
	} else {
		e.setLeader("")
	}
	e.publishSnapshot()
}

// elect recomputes the leader from the connected member set.
func (e *Engine) elect() {
	if e.view.Status() != cluster.StatusUp {
		return
	}
	candidates := make([]election.Candidate, 0, len(e.members))
	for id, m := range e.members {
		if !e.view.Reachable(id) {
			continue
		}
		candidates = append(candidates, election.Candidate{NodeID: id, Priority: m.Priority})
	}
	leader, ok := election.Elect(candidates)
	if !ok {
		e.setLeader("")
		return
	}
	e.setLeader(leader)
}

func (e *Engine) setLeader(leader string) {
	if leader == e.leader {
		return
	}
	e.metrics.election()
	e.log.Info("leader changed", "leader", leader, "was", e.leader, "self", leader == e.cfg.NodeID)
	e.leader = leader
	e.publishSnapshot()
}

// applyMembers installs a reloaded member list.
func (e *Engine) applyMembers(members []Member) {
	if len(members) == 0 {
		e.log.Warn("ignoring empty member list update")
		return
	}
	rebuilt := make(map[string]Member, len(members))
	for _, m := range members {
		rebuilt[m.ID] = m
	}
	if _, ok := rebuilt[e.cfg.NodeID]; !ok {
		e.log.Warn("member list update omits this node, ignoring")
		return
	}
	e.members = rebuilt
	e.log.Info("member list updated", "expected", len(rebuilt))
	status, changed := e.view.SetExpected(len(rebuilt))
	if changed {
		e.transition(status)
	} else {
		e.elect()
	}
	e.recheckPending()
	e.publishSnapshot()
}

func (e *Engine) publishSnapshot() {
	e.mu.Lock()
	e.snap = Snapshot{
		NodeID:    e.cfg.NodeID,
		Leader:    e.leader,
		Ready:     e.ready,
		Status:    e.view.Status(),
		Connected: e.view.ConnectedCount(),
		Expected:  e.view.Expected(),
	}
	e.mu.Unlock()
}
