package engine

import (
	"fmt"
	"time"

	"pkt.systems/ticketd/api"
	"pkt.systems/ticketd/internal/ticket"
)

// dispatch routes one envelope to its handler. The switch is the whole
// vocabulary; anything else is answered with UNKNOWN and survived.
func (e *Engine) dispatch(env api.Envelope) {
	e.absorb(env.Stamp)
	switch env.Cmd {
	case api.CmdReady:
		e.log.Debug("bus handshake complete", "service", env.Service, "version", env.Version)
	case api.CmdRegister:
		e.handleRegister(env)
	case api.CmdLock:
		e.handleLock(env)
	case api.CmdUnlock:
		e.handleUnlock(env)
	case api.CmdLockEntering:
		e.handleEntering(env)
	case api.CmdLockEntered:
		e.handleEntered(env)
	case api.CmdLockExiting:
		e.handleExiting(env)
	case api.CmdClusterStatus, api.CmdClusterUp, api.CmdClusterDown:
		e.handleClusterStatus(env)
	case api.CmdLocked, api.CmdLockFailed, api.CmdUnlocked, api.CmdLockReady, api.CmdNoLock:
		// Client-bound notifications have no business arriving here.
		e.log.Warn("client-bound command received by agent", "cmd", env.Cmd, "from", env.From)
	case api.CmdUnknown:
		e.log.Warn("peer did not understand a command", "from", env.From, "error", env.Error)
	default:
		e.log.Warn("unknown command", "cmd", env.Cmd, "from", env.From)
		if env.From != "" {
			_ = e.ep.Send(env.From, api.Envelope{
				Cmd:           api.CmdUnknown,
				Error:         fmt.Sprintf("unknown command %q", env.Cmd),
				CorrelationID: env.CorrelationID,
			})
		}
	}
}

func (e *Engine) handleRegister(env api.Envelope) {
	e.clients[env.From] = env.Service
	e.log.Debug("client registered", "client", env.From, "service", env.Service, "version", env.Version)
	_ = e.ep.Send(env.From, api.Envelope{Cmd: api.CmdReady, Service: "ticketd", CorrelationID: env.CorrelationID})
	availability := api.CmdNoLock
	if e.ready {
		availability = api.CmdLockReady
	}
	_ = e.ep.Send(env.From, api.Envelope{Cmd: availability})
}

func (e *Engine) handleLock(env api.Envelope) {
	if env.Object == "" {
		e.replyFailed(env, "missing object_name")
		return
	}
	if !e.ready {
		e.replyFailed(env, "lock service unavailable: cluster is down")
		return
	}
	if _, dup := e.table.FindLocal(env.Object, env.PID); dup {
		e.replyFailed(env, "duplicate lock request for this pid")
		return
	}
	now := e.clk.Now()
	obtention := e.cfg.ObtentionTimeout
	if env.TimeoutMS > 0 {
		obtention = time.Duration(env.TimeoutMS) * time.Millisecond
	}
	hold := e.cfg.HoldDuration
	if env.DurationMS > 0 {
		hold = time.Duration(env.DurationMS) * time.Millisecond
	}
	tk := &ticket.Ticket{
		ID:            ticket.NewID(),
		Object:        env.Object,
		Key:           ticket.Key{Stamp: e.nextStamp(), Owner: e.cfg.NodeID},
		State:         ticket.StateEntering,
		Local:         true,
		Client:        env.From,
		PID:           env.PID,
		CorrelationID: env.CorrelationID,
		Deadline:      now.Add(obtention),
		Duration:      hold,
	}
	e.table.Insert(tk)
	e.log.Debug("entering",
		"object", tk.Object, "stamp", tk.Key.Stamp, "pid", tk.PID,
		"obtention_timeout", obtention.String(), "duration", hold.String(),
	)
	e.broadcastEntering(tk, now)
	e.maybeEnter(tk)
}

// broadcastEntering announces (or re-announces) a candidacy to every
// reachable peer that has not acknowledged it yet.
func (e *Engine) broadcastEntering(tk *ticket.Ticket, now time.Time) {
	tk.Attempts++
	tk.NextRetry = now.Add(e.cfg.RetryInterval)
	for _, peer := range e.view.Peers() {
		if _, acked := tk.Acks[peer]; acked {
			continue
		}
		err := e.ep.Send(peer, api.Envelope{
			Cmd:    api.CmdLockEntering,
			Object: tk.Object,
			Owner:  tk.Key.Owner,
			Stamp:  tk.Key.Stamp,
		})
		if err != nil {
			e.log.Debug("entering announcement failed", "peer", peer, "object", tk.Object, "error", err)
		}
	}
}

func (e *Engine) handleEntering(env api.Envelope) {
	if env.Object == "" || env.Owner == "" || !e.isMember(env.Owner) {
		e.log.Warn("malformed candidacy announcement", "from", env.From, "object", env.Object, "owner", env.Owner)
		return
	}
	key := ticket.Key{Stamp: env.Stamp, Owner: env.Owner}
	if known, ok := e.table.Get(env.Object, key); ok {
		// Re-announcement keeps the entry alive.
		if known.State == ticket.StateEntering {
			known.Deadline = e.clk.Now().Add(e.cfg.ObtentionTimeout)
		}
	} else {
		e.table.Insert(&ticket.Ticket{
			ID:       ticket.NewID(),
			Object:   env.Object,
			Key:      key,
			State:    ticket.StateEntering,
			Deadline: e.clk.Now().Add(e.cfg.ObtentionTimeout),
		})
	}
	// Ricart-Agrawala discipline: while one of our own earlier
	// candidacies for this object is still in flight or held, the
	// acknowledgement waits until it resolves.
	if blocker, blocked := e.localBlocker(env.Object, key); blocked {
		e.log.Debug("deferring acknowledgement",
			"object", env.Object, "candidate", env.Owner, "stamp", env.Stamp,
			"blocking_stamp", blocker.Key.Stamp,
		)
		e.deferAck(env.Object, deferredAck{to: env.From, owner: env.Owner, stamp: env.Stamp})
		return
	}
	e.sendAck(env.From, env.Object, key)
}

// localBlocker returns our non-terminal local ticket for object that
// orders strictly before key, if one exists.
func (e *Engine) localBlocker(object string, key ticket.Key) (*ticket.Ticket, bool) {
	for _, tk := range e.table.Entries(object) {
		if tk.Local && !tk.Terminal() && tk.Key.Less(key) {
			return tk, true
		}
	}
	return nil, false
}

func (e *Engine) deferAck(object string, ack deferredAck) {
	for _, pending := range e.deferred[object] {
		if pending == ack {
			return
		}
	}
	e.deferred[object] = append(e.deferred[object], ack)
}

// sendAck answers a candidacy with everything we know about the object
// so the candidate converges on the same pending set.
func (e *Engine) sendAck(to, object string, key ticket.Key) {
	entries := make([]api.Entry, 0, 4)
	for _, other := range e.table.Entries(object) {
		if other.Key == key {
			continue
		}
		entries = append(entries, api.Entry{
			Owner:  other.Key.Owner,
			Stamp:  other.Key.Stamp,
			Active: other.State == ticket.StateActive,
		})
	}
	err := e.ep.Send(to, api.Envelope{
		Cmd:     api.CmdLockEntered,
		Object:  object,
		Owner:   key.Owner,
		Stamp:   key.Stamp,
		Entries: entries,
	})
	if err != nil {
		e.log.Debug("acknowledgement failed", "peer", to, "object", object, "error", err)
	}
}

// flushDeferred releases acknowledgements whose blocking candidacy has
// resolved.
func (e *Engine) flushDeferred(object string) {
	pending := e.deferred[object]
	if len(pending) == 0 {
		return
	}
	keep := pending[:0]
	for _, ack := range pending {
		key := ticket.Key{Stamp: ack.stamp, Owner: ack.owner}
		if _, blocked := e.localBlocker(object, key); blocked {
			keep = append(keep, ack)
			continue
		}
		e.sendAck(ack.to, object, key)
	}
	if len(keep) == 0 {
		delete(e.deferred, object)
		return
	}
	e.deferred[object] = keep
}

func (e *Engine) handleEntered(env api.Envelope) {
	if env.Owner != e.cfg.NodeID {
		e.log.Warn("acknowledgement for foreign candidacy", "from", env.From, "owner", env.Owner)
		return
	}
	tk, ok := e.table.Get(env.Object, ticket.Key{Stamp: env.Stamp, Owner: env.Owner})
	if !ok || !tk.Local || tk.Terminal() {
		// Stale ack for a candidacy that already resolved.
		return
	}
	for _, entry := range env.Entries {
		e.absorb(entry.Stamp)
		key := ticket.Key{Stamp: entry.Stamp, Owner: entry.Owner}
		if key.Owner == e.cfg.NodeID {
			continue
		}
		if existing, known := e.table.Get(env.Object, key); known {
			if entry.Active && existing.State != ticket.StateActive {
				existing.State = ticket.StateActive
				existing.Deadline = time.Time{}
			}
			continue
		}
		// Piggybacked entries may be stale: the cross-pair ordering of
		// the bus allows an ack to list a candidacy whose withdrawal we
		// already applied. Inserted copies therefore carry a deadline;
		// the owner's re-announcements refresh it, a ghost expires.
		state := ticket.StateEntering
		var deadline time.Time
		if entry.Active {
			state = ticket.StateActive
		} else {
			deadline = e.clk.Now().Add(e.cfg.ObtentionTimeout)
		}
		e.table.Insert(&ticket.Ticket{
			ID:       ticket.NewID(),
			Object:   env.Object,
			Key:      key,
			State:    state,
			Deadline: deadline,
		})
	}
	tk.Acked(env.From)
	e.maybeEnter(tk)
}

// maybeEnter moves an ENTERING candidacy to ENTERED once every
// reachable peer acknowledged it and the ack count is a quorum, then
// attempts promotion.
func (e *Engine) maybeEnter(tk *ticket.Ticket) {
	if tk.State != ticket.StateEntering {
		return
	}
	for _, peer := range e.view.Peers() {
		if _, acked := tk.Acks[peer]; !acked {
			return
		}
	}
	if tk.AckCount() < e.quorum() {
		return
	}
	tk.State = ticket.StateEntered
	e.log.Debug("entered", "object", tk.Object, "stamp", tk.Key.Stamp, "acks", tk.AckCount())
	e.tryPromote(tk.Object)
}

// recheckPending re-evaluates every local ENTERING candidacy, e.g.
// after a peer disconnect shrank the reachable set.
func (e *Engine) recheckPending() {
	for _, tk := range e.table.Locals() {
		if tk.State == ticket.StateEntering {
			e.maybeEnter(tk)
		}
	}
}

func (e *Engine) handleExiting(env api.Envelope) {
	key := ticket.Key{Stamp: env.Stamp, Owner: env.Owner}
	if tk, ok := e.table.Get(env.Object, key); !ok || tk.Local {
		// Unknown or our own entry; our own candidacies only leave via
		// the local release paths.
		return
	}
	e.table.Remove(env.Object, key)
	e.log.Debug("peer withdrew", "object", env.Object, "owner", env.Owner, "stamp", env.Stamp)
	e.flushDeferred(env.Object)
	e.tryPromote(env.Object)
}

// tryPromote grants the object to the minimum candidacy if it is ours,
// fully entered, and nothing is active. This is the only place a ticket
// becomes ACTIVE, which keeps the single-holder invariant structural:
// promotion requires being the cluster-wide minimum of the known set
// after a quorum confirmed it.
func (e *Engine) tryPromote(object string) {
	if !e.ready {
		return
	}
	if _, held := e.table.Active(object); held {
		return
	}
	min, ok := e.table.Min(object)
	if !ok || !min.Local || min.State != ticket.StateEntered {
		return
	}
	min.State = ticket.StateActive
	min.Expires = e.clk.Now().Add(min.Duration)
	e.metrics.granted()
	e.log.Info("lock granted",
		"object", min.Object, "pid", min.PID, "stamp", min.Key.Stamp,
		"expires", min.Expires.Format(time.RFC3339Nano),
	)
	err := e.ep.Send(min.Client, api.Envelope{
		Cmd:             api.CmdLocked,
		Object:          min.Object,
		ExpiresAtUnixMS: min.Expires.UnixMilli(),
		CorrelationID:   min.CorrelationID,
	})
	if err != nil {
		e.log.Warn("grant notification failed", "client", min.Client, "object", min.Object, "error", err)
	}
}

func (e *Engine) handleUnlock(env api.Envelope) {
	tk, ok := e.table.FindLocal(env.Object, env.PID)
	if !ok || tk.Terminal() {
		// Idempotent: unlocking nothing is a no-op, not an error.
		_ = e.ep.Send(env.From, api.Envelope{Cmd: api.CmdUnlocked, Object: env.Object, CorrelationID: env.CorrelationID})
		return
	}
	wasActive := tk.State == ticket.StateActive
	e.abandon(tk, ticket.StateReleased)
	if wasActive {
		e.metrics.released(false)
		e.log.Info("lock released", "object", tk.Object, "pid", tk.PID)
	} else {
		e.log.Debug("pending request cancelled", "object", tk.Object, "pid", tk.PID)
	}
	_ = e.ep.Send(env.From, api.Envelope{Cmd: api.CmdUnlocked, Object: env.Object, CorrelationID: env.CorrelationID})
}

func (e *Engine) handleClusterStatus(env api.Envelope) {
	e.log.Debug("cluster status from peer", "cmd", env.Cmd, "from", env.From, "neighbors", env.NeighborsCount)
	if env.NeighborsCount > 0 && env.NeighborsCount != e.view.Expected() {
		e.log.Warn("expected member count disagrees with peer",
			"peer", env.From, "peer_expected", env.NeighborsCount, "local_expected", e.view.Expected())
	}
}

// abandon finalizes a local ticket: remove it, tell the peers, unblock
// deferred acks, and hand the object to the next candidate.
func (e *Engine) abandon(tk *ticket.Ticket, final ticket.State) {
	tk.State = final
	e.table.Remove(tk.Object, tk.Key)
	for _, peer := range e.view.Peers() {
		err := e.ep.Send(peer, api.Envelope{
			Cmd:    api.CmdLockExiting,
			Object: tk.Object,
			Owner:  tk.Key.Owner,
			Stamp:  tk.Key.Stamp,
		})
		if err != nil {
			e.log.Debug("withdrawal broadcast failed", "peer", peer, "object", tk.Object, "error", err)
		}
	}
	e.flushDeferred(tk.Object)
	e.tryPromote(tk.Object)
}

func (e *Engine) replyFailed(env api.Envelope, cause string) {
	e.metrics.failed()
	e.log.Debug("lock denied", "object", env.Object, "client", env.From, "error", cause)
	_ = e.ep.Send(env.From, api.Envelope{
		Cmd:           api.CmdLockFailed,
		Object:        env.Object,
		Error:         cause,
		CorrelationID: env.CorrelationID,
	})
}

// sweep fires every due timer: hold expiries, obtention timeouts,
// announcement retries, and expiry of stale remote candidacies. Stale
// wakeups are harmless; each action is guarded by ticket state.
func (e *Engine) sweep(now time.Time) {
	for _, tk := range e.table.Locals() {
		if tk.Terminal() {
			continue
		}
		switch tk.State {
		case ticket.StateActive:
			if now.Before(tk.Expires) {
				continue
			}
			e.metrics.released(true)
			e.log.Info("lock duration elapsed, releasing", "object", tk.Object, "pid", tk.PID)
			e.abandon(tk, ticket.StateReleased)
			_ = e.ep.Send(tk.Client, api.Envelope{
				Cmd:           api.CmdUnlocked,
				Object:        tk.Object,
				Error:         "lock duration expired",
				CorrelationID: tk.CorrelationID,
			})
		case ticket.StateEntering, ticket.StateEntered:
			if !now.Before(tk.Deadline) {
				e.failTicket(tk, "obtention timeout")
				continue
			}
			if tk.State == ticket.StateEntering && !now.Before(tk.NextRetry) {
				if tk.Attempts >= e.cfg.MaxAttempts {
					e.failTicket(tk, "no quorum of acknowledgements")
					continue
				}
				e.log.Debug("re-announcing candidacy",
					"object", tk.Object, "stamp", tk.Key.Stamp, "attempt", tk.Attempts+1)
				e.broadcastEntering(tk, now)
			}
		}
	}
	e.expireRemote(now)
}

// expireRemote drops remote ENTERING entries whose deadline passed
// without the owner re-announcing or withdrawing them. Without this a
// stale entry resurrected out of order would shadow the minimum
// forever and starve the object.
func (e *Engine) expireRemote(now time.Time) {
	for _, object := range e.table.Objects() {
		expired := false
		for _, tk := range e.table.Entries(object) {
			if tk.Local || tk.State != ticket.StateEntering || tk.Deadline.IsZero() {
				continue
			}
			if now.Before(tk.Deadline) {
				continue
			}
			e.log.Warn("expiring stale candidacy of peer",
				"object", object, "owner", tk.Key.Owner, "stamp", tk.Key.Stamp)
			e.table.Remove(object, tk.Key)
			expired = true
		}
		if expired {
			e.flushDeferred(object)
			e.tryPromote(object)
		}
	}
}

func (e *Engine) failTicket(tk *ticket.Ticket, cause string) {
	e.metrics.failed()
	e.log.Info("lock request failed", "object", tk.Object, "pid", tk.PID, "error", cause)
	e.abandon(tk, ticket.StateFailed)
	_ = e.ep.Send(tk.Client, api.Envelope{
		Cmd:           api.CmdLockFailed,
		Object:        tk.Object,
		Error:         cause,
		CorrelationID: tk.CorrelationID,
	})
}
