package engine

import (
	"testing"
	"time"

	"pkt.systems/ticketd/api"
	"pkt.systems/ticketd/internal/bus"
	"pkt.systems/ticketd/internal/clock"
	"pkt.systems/ticketd/internal/cluster"
)

// sim drives a set of engines deterministically: handlers run on the
// test goroutine, messages and events are pumped until nothing moves.
type sim struct {
	t       *testing.T
	x       *bus.Exchange
	clk     *clock.Manual
	order   []string
	engines map[string]*Engine
	eps     map[string]*bus.Endpoint
}

func newSim(t *testing.T, members []Member, overrides func(*Config)) *sim {
	t.Helper()
	s := &sim{
		t:       t,
		x:       bus.NewExchange(),
		clk:     clock.NewManual(time.Unix(1_700_000_000, 0)),
		engines: make(map[string]*Engine),
		eps:     make(map[string]*bus.Endpoint),
	}
	for _, m := range members {
		ep, err := s.x.Connect(m.ID, "ticketd", "test")
		if err != nil {
			t.Fatalf("connect %s: %v", m.ID, err)
		}
		cfg := Config{NodeID: m.ID, Members: members, Clock: s.clk}
		if overrides != nil {
			overrides(&cfg)
		}
		e, err := New(cfg, ep)
		if err != nil {
			t.Fatalf("engine %s: %v", m.ID, err)
		}
		e.bootstrap()
		s.order = append(s.order, m.ID)
		s.engines[m.ID] = e
		s.eps[m.ID] = ep
	}
	s.settle()
	return s
}

// settle pumps events and messages until every inbox is quiet.
func (s *sim) settle() {
	s.t.Helper()
	for {
		progress := false
		for _, id := range s.order {
			e, alive := s.engines[id]
			if !alive {
				continue
			}
			ep := s.eps[id]
			for {
				select {
				case ev, ok := <-ep.Events():
					if !ok {
						s.remove(id)
					} else {
						e.handleEvent(ev)
					}
					progress = true
					continue
				default:
				}
				break
			}
			if _, alive := s.engines[id]; !alive {
				continue
			}
			for {
				select {
				case env, ok := <-ep.Inbox():
					if !ok {
						s.remove(id)
					} else {
						e.dispatch(env)
					}
					progress = true
					continue
				default:
				}
				break
			}
		}
		if !progress {
			return
		}
	}
}

func (s *sim) remove(id string) {
	delete(s.engines, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// kill simulates a node crash: its endpoint vanishes from the bus.
func (s *sim) kill(id string) {
	s.t.Helper()
	s.x.Disconnect(id)
	s.remove(id)
	s.settle()
}

// advance moves time forward and runs every engine's sweep.
func (s *sim) advance(d time.Duration) {
	s.t.Helper()
	now := s.clk.Advance(d)
	for _, id := range s.order {
		if e, alive := s.engines[id]; alive {
			e.sweep(now)
		}
	}
	s.settle()
}

// client attaches a service endpoint and swallows the handshake.
func (s *sim) client(addr string) *bus.Endpoint {
	s.t.Helper()
	ep, err := s.x.ConnectClient(addr, "svc", "test")
	if err != nil {
		s.t.Fatalf("connect client %s: %v", addr, err)
	}
	env := <-ep.Inbox()
	if env.Cmd != api.CmdReady {
		s.t.Fatalf("expected READY, got %s", env.Cmd)
	}
	s.settle()
	return ep
}

func (s *sim) send(from *bus.Endpoint, to string, env api.Envelope) {
	s.t.Helper()
	if err := from.Send(to, env); err != nil {
		s.t.Fatalf("send %s to %s: %v", env.Cmd, to, err)
	}
	s.settle()
}

// recv asserts the next queued envelope for ep has the wanted command.
func recv(t *testing.T, ep *bus.Endpoint, want api.Command) api.Envelope {
	t.Helper()
	select {
	case env := <-ep.Inbox():
		if env.Cmd != want {
			t.Fatalf("received %s (%+v), want %s", env.Cmd, env, want)
		}
		return env
	default:
		t.Fatalf("no envelope queued, want %s", want)
		return api.Envelope{}
	}
}

func expectQuiet(t *testing.T, ep *bus.Endpoint) {
	t.Helper()
	select {
	case env := <-ep.Inbox():
		t.Fatalf("expected no envelope, got %s (%+v)", env.Cmd, env)
	default:
	}
}

func threeMembers() []Member {
	return []Member{
		{ID: "alpha", Priority: 1},
		{ID: "beta", Priority: 5},
		{ID: "gamma", Priority: 9},
	}
}

func TestSingleNodeGrantsImmediately(t *testing.T) {
	t.Parallel()

	s := newSim(t, []Member{{ID: "solo", Priority: 1}}, nil)
	c := s.client("svc:1")

	s.send(c, "solo", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 100})
	grant := recv(t, c, api.CmdLocked)
	if grant.Object != "lock:1" || grant.ExpiresAtUnixMS == 0 {
		t.Fatalf("malformed grant: %+v", grant)
	}

	s.send(c, "solo", api.Envelope{Cmd: api.CmdUnlock, Object: "lock:1", PID: 100})
	recv(t, c, api.CmdUnlocked)
}

func TestThreeNodeMutualExclusion(t *testing.T) {
	t.Parallel()

	s := newSim(t, threeMembers(), nil)
	ca := s.client("svc:a")
	cb := s.client("svc:b")

	s.send(ca, "alpha", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 1, DurationMS: 20_000})
	recv(t, ca, api.CmdLocked)

	// Concurrent request from another node must wait.
	s.send(cb, "beta", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 2, TimeoutMS: 30_000})
	expectQuiet(t, cb)

	// Only the holder's release hands the lock over.
	s.send(ca, "alpha", api.Envelope{Cmd: api.CmdUnlock, Object: "lock:1", PID: 1})
	recv(t, ca, api.CmdUnlocked)
	grant := recv(t, cb, api.CmdLocked)
	if grant.Object != "lock:1" {
		t.Fatalf("granted wrong object: %+v", grant)
	}
}

func TestSimultaneousRequestsResolveByTieBreak(t *testing.T) {
	t.Parallel()

	s := newSim(t, threeMembers(), nil)
	ca := s.client("svc:a")
	cb := s.client("svc:b")

	// Queue both LOCKs before either agent processes anything, so both
	// candidacies carry the same entering stamp and the owner id is
	// the only discriminator.
	if err := ca.Send("alpha", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 1, TimeoutMS: 60_000}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := cb.Send("beta", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 2, TimeoutMS: 60_000}); err != nil {
		t.Fatalf("send: %v", err)
	}
	s.settle()

	// alpha orders before beta at equal stamps.
	recv(t, ca, api.CmdLocked)
	expectQuiet(t, cb)

	s.send(ca, "alpha", api.Envelope{Cmd: api.CmdUnlock, Object: "lock:1", PID: 1})
	recv(t, ca, api.CmdUnlocked)
	recv(t, cb, api.CmdLocked)
}

func TestDistinctObjectsDoNotContend(t *testing.T) {
	t.Parallel()

	s := newSim(t, threeMembers(), nil)
	ca := s.client("svc:a")
	cb := s.client("svc:b")

	s.send(ca, "alpha", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 1})
	s.send(cb, "beta", api.Envelope{Cmd: api.CmdLock, Object: "lock:2", PID: 2})
	recv(t, ca, api.CmdLocked)
	recv(t, cb, api.CmdLocked)
}

func TestClusterDownDeniesLock(t *testing.T) {
	t.Parallel()

	// Only one of three configured members ever connects.
	x := bus.NewExchange()
	ep, err := x.Connect("alpha", "ticketd", "test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	e, err := New(Config{NodeID: "alpha", Members: threeMembers(), Clock: clock.NewManual(time.Unix(0, 0))}, ep)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	e.bootstrap()

	c, err := x.ConnectClient("svc:a", "svc", "test")
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	<-c.Inbox() // READY
	if err := c.Send("alpha", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	for {
		env, ok := <-ep.Inbox()
		if !ok {
			break
		}
		e.dispatch(env)
		if env.Cmd == api.CmdLock {
			break
		}
	}
	denial := recv(t, c, api.CmdLockFailed)
	if denial.Error == "" {
		t.Fatal("denial must carry a cause")
	}
}

func TestObtentionTimeoutFailsRequest(t *testing.T) {
	t.Parallel()

	s := newSim(t, threeMembers(), nil)
	ca := s.client("svc:a")

	// gamma stops answering: messages pile up in its inbox unread.
	s.remove("gamma")
	// beta holds the object for a long time.
	cb := s.client("svc:b")
	s.send(cb, "beta", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 2, DurationMS: 600_000})
	recv(t, cb, api.CmdLocked)

	s.send(ca, "alpha", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 1, TimeoutMS: 1_000})
	expectQuiet(t, ca)

	s.advance(time.Second)
	failure := recv(t, ca, api.CmdLockFailed)
	if failure.Error != "obtention timeout" {
		t.Fatalf("unexpected failure cause: %q", failure.Error)
	}

	// The holder keeps its grant.
	expectQuiet(t, cb)
}

func TestDurationExpiryAutoReleases(t *testing.T) {
	t.Parallel()

	s := newSim(t, []Member{{ID: "solo", Priority: 1}}, nil)
	c := s.client("svc:1")

	s.send(c, "solo", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 1, DurationMS: 250})
	recv(t, c, api.CmdLocked)

	s.advance(250 * time.Millisecond)
	notice := recv(t, c, api.CmdUnlocked)
	if notice.Error == "" {
		t.Fatal("expiry notice must carry the timeout error")
	}

	// The object is lock-free again.
	s.send(c, "solo", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 1})
	recv(t, c, api.CmdLocked)
}

func TestUnlockIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newSim(t, []Member{{ID: "solo", Priority: 1}}, nil)
	c := s.client("svc:1")

	s.send(c, "solo", api.Envelope{Cmd: api.CmdUnlock, Object: "lock:1", PID: 1})
	reply := recv(t, c, api.CmdUnlocked)
	if reply.Error != "" {
		t.Fatalf("idempotent unlock must not error: %q", reply.Error)
	}

	s.send(c, "solo", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 1})
	recv(t, c, api.CmdLocked)
	s.send(c, "solo", api.Envelope{Cmd: api.CmdUnlock, Object: "lock:1", PID: 1})
	recv(t, c, api.CmdUnlocked)
	s.send(c, "solo", api.Envelope{Cmd: api.CmdUnlock, Object: "lock:1", PID: 1})
	recv(t, c, api.CmdUnlocked)
}

func TestCrashedHolderHandsOver(t *testing.T) {
	t.Parallel()

	s := newSim(t, threeMembers(), nil)
	ca := s.client("svc:a")
	cb := s.client("svc:b")

	s.send(ca, "alpha", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 1, DurationMS: 600_000})
	recv(t, ca, api.CmdLocked)
	s.send(cb, "beta", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 2, TimeoutMS: 600_000})
	expectQuiet(t, cb)

	s.kill("alpha")
	recv(t, cb, api.CmdLocked)
}

func TestCrashedPeerLeavesForeignHoldsAlone(t *testing.T) {
	t.Parallel()

	s := newSim(t, threeMembers(), nil)
	ca := s.client("svc:a")

	s.send(ca, "alpha", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 1, DurationMS: 600_000})
	recv(t, ca, api.CmdLocked)

	// gamma's crash purges gamma's candidacies only.
	s.kill("gamma")
	expectQuiet(t, ca)
	if _, held := s.engines["alpha"].table.Active("lock:1"); !held {
		t.Fatal("alpha's active ticket must survive gamma's crash")
	}
}

func TestLeaderElectionIsUniform(t *testing.T) {
	t.Parallel()

	s := newSim(t, threeMembers(), nil)
	for id, e := range s.engines {
		if got := e.Info().Leader; got != "alpha" {
			t.Fatalf("%s elected %q, want alpha", id, got)
		}
	}

	s.kill("alpha")
	for id, e := range s.engines {
		info := e.Info()
		if info.Status != cluster.StatusUp {
			t.Fatalf("%s lost quorum after one crash in a three-node cluster", id)
		}
		if info.Leader != "beta" {
			t.Fatalf("%s elected %q after leader loss, want beta", id, info.Leader)
		}
	}
}

func TestElectionSkipsOffNodes(t *testing.T) {
	t.Parallel()

	s := newSim(t, []Member{
		{ID: "alpha", Priority: 0}, // never a candidate
		{ID: "beta", Priority: 7},
		{ID: "gamma", Priority: 7},
	}, nil)
	for id, e := range s.engines {
		if got := e.Info().Leader; got != "beta" {
			t.Fatalf("%s elected %q, want beta (priority tie, lowest id)", id, got)
		}
	}
}

func TestRegisterHandshakeAndAvailability(t *testing.T) {
	t.Parallel()

	s := newSim(t, threeMembers(), nil)
	c := s.client("svc:a")

	s.send(c, "alpha", api.Envelope{Cmd: api.CmdRegister, Service: "editor", Version: "2.1"})
	recv(t, c, api.CmdReady)
	recv(t, c, api.CmdLockReady)

	// Losing quorum pushes NOLOCK to registered clients.
	s.kill("beta")
	s.kill("gamma")
	recv(t, c, api.CmdNoLock)
}

func TestUnknownCommandIsAnswered(t *testing.T) {
	t.Parallel()

	s := newSim(t, threeMembers(), nil)
	c := s.client("svc:a")

	s.send(c, "alpha", api.Envelope{Cmd: api.Command("FROBNICATE"), CorrelationID: "xyz"})
	reply := recv(t, c, api.CmdUnknown)
	if reply.CorrelationID != "xyz" || reply.Error == "" {
		t.Fatalf("unknown-command reply malformed: %+v", reply)
	}
}

func TestMemberReloadFlipsQuorum(t *testing.T) {
	t.Parallel()

	s := newSim(t, []Member{{ID: "alpha", Priority: 1}, {ID: "beta", Priority: 2}}, nil)
	e := s.engines["alpha"]
	if e.Info().Status != cluster.StatusUp {
		t.Fatal("2/2 should be up")
	}

	// Growing the roster to five with only two connected loses quorum.
	grown := []Member{
		{ID: "alpha", Priority: 1}, {ID: "beta", Priority: 2},
		{ID: "gamma", Priority: 3}, {ID: "delta", Priority: 4}, {ID: "epsilon", Priority: 5},
	}
	e.applyMembers(grown)
	s.settle()
	if got := e.Info(); got.Status != cluster.StatusDown || got.Expected != 5 {
		t.Fatalf("2/5 should be down, got %+v", got)
	}

	e.applyMembers([]Member{{ID: "alpha", Priority: 1}, {ID: "beta", Priority: 2}})
	s.settle()
	if got := e.Info(); got.Status != cluster.StatusUp || got.Expected != 2 {
		t.Fatalf("2/2 should be up again, got %+v", got)
	}
}

func TestDepartedClientReleasesItsLocks(t *testing.T) {
	t.Parallel()

	s := newSim(t, threeMembers(), nil)
	ca := s.client("svc:a")
	cb := s.client("svc:b")

	s.send(ca, "alpha", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 1, DurationMS: 600_000})
	recv(t, ca, api.CmdLocked)
	s.send(cb, "beta", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 2, TimeoutMS: 600_000})
	expectQuiet(t, cb)

	ca.Close()
	s.settle()
	recv(t, cb, api.CmdLocked)
}

func TestStaleAckCannotResurrectWithdrawnCandidacy(t *testing.T) {
	t.Parallel()

	s := newSim(t, threeMembers(), nil)
	ca := s.client("svc:a")
	alpha := s.engines["alpha"]

	s.send(ca, "alpha", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 1, DurationMS: 600_000})
	recv(t, ca, api.CmdLocked)
	holder, held := alpha.table.Active("lock:1")
	if !held {
		t.Fatal("alpha must hold lock:1")
	}

	// A duplicate acknowledgement whose sender queued it before it
	// processed the withdrawal of beta's candidacy. The bus orders
	// messages per pair only, so this arrives after alpha already
	// applied beta's LOCKEXITING and removed the entry.
	alpha.dispatch(api.Envelope{
		Cmd:     api.CmdLockEntered,
		From:    "gamma",
		Object:  "lock:1",
		Owner:   "alpha",
		Stamp:   holder.Key.Stamp,
		Entries: []api.Entry{{Owner: "beta", Stamp: 1}},
	})
	s.settle()

	s.send(ca, "alpha", api.Envelope{Cmd: api.CmdUnlock, Object: "lock:1", PID: 1})
	recv(t, ca, api.CmdUnlocked)

	// The resurrected entry orders before any new candidacy. No node
	// will ever withdraw it again, so it must expire rather than stall
	// the object forever.
	s.send(ca, "alpha", api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: 2, TimeoutMS: 60_000})
	expectQuiet(t, ca)

	s.advance(DefaultObtentionTimeout)
	grant := recv(t, ca, api.CmdLocked)
	if grant.Object != "lock:1" {
		t.Fatalf("granted wrong object: %+v", grant)
	}
}

func TestSingleHolderInvariantAcrossTable(t *testing.T) {
	t.Parallel()

	s := newSim(t, threeMembers(), nil)
	clients := []*bus.Endpoint{s.client("svc:a"), s.client("svc:b"), s.client("svc:c")}
	agents := []string{"alpha", "beta", "gamma"}

	for i, c := range clients {
		if err := c.Send(agents[i], api.Envelope{Cmd: api.CmdLock, Object: "lock:1", PID: i + 1, TimeoutMS: 600_000, DurationMS: 600_000}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	s.settle()

	active := 0
	for _, e := range s.engines {
		if holder, held := e.table.Active("lock:1"); held && holder.Local {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("exactly one node may hold lock:1, found %d", active)
	}
}
