// Package harness runs an in-process ticketd cluster under randomized
// load and churn, watching every grant for mutual exclusion overlap.
// Package tests and the simulate subcommand both drive it.
package harness

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/ticketd/client"
	"pkt.systems/ticketd/internal/bus"
	"pkt.systems/ticketd/internal/engine"
	"pkt.systems/ticketd/internal/svcfields"
)

// Config shapes a harness run. Zero values pick workable defaults.
type Config struct {
	Nodes            int
	Seed             int64
	Workers          int
	Objects          []string
	ObtentionTimeout time.Duration
	HoldDuration     time.Duration
	// WorkerHold is how long a worker sits on a grant before releasing.
	// It must stay well under HoldDuration or auto-expiry will void
	// holds mid-sleep and read as contention noise.
	WorkerHold time.Duration
	Logger     pslog.Logger
}

func (c *Config) applyDefaults() {
	if c.Nodes <= 0 {
		c.Nodes = 3
	}
	if c.Workers <= 0 {
		c.Workers = c.Nodes
	}
	if len(c.Objects) == 0 {
		c.Objects = []string{"obj-0", "obj-1"}
	}
	if c.ObtentionTimeout <= 0 {
		c.ObtentionTimeout = 2 * time.Second
	}
	if c.HoldDuration <= 0 {
		c.HoldDuration = 5 * time.Second
	}
	if c.WorkerHold <= 0 {
		c.WorkerHold = 50 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
}

// Stats summarizes a run.
type Stats struct {
	Grants      int64
	Failures    int64
	Unavailable int64
	Errors      int64
	Kills       int64
	Restarts    int64
	Violations  []string
}

type proc struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Harness owns the exchange, the agent processes, and the registry.
type Harness struct {
	cfg     Config
	log     pslog.Logger
	x       *bus.Exchange
	members []engine.Member
	reg     *Registry

	mu    sync.Mutex
	procs map[string]*proc

	grants      atomic.Int64
	failures    atomic.Int64
	unavailable atomic.Int64
	errs        atomic.Int64
	kills       atomic.Int64
	restarts    atomic.Int64
}

// New builds a harness with nodes named node-0..node-N, priorities
// 1..N so elections are deterministic per membership.
func New(cfg Config) *Harness {
	cfg.applyDefaults()
	members := make([]engine.Member, 0, cfg.Nodes)
	for i := 0; i < cfg.Nodes; i++ {
		members = append(members, engine.Member{
			ID:       fmt.Sprintf("node-%d", i),
			Priority: i + 1,
		})
	}
	return &Harness{
		cfg:     cfg,
		log:     svcfields.WithSubsystem(cfg.Logger, "harness"),
		x:       bus.NewExchange(bus.WithLogger(cfg.Logger)),
		members: members,
		reg:     NewRegistry(),
		procs:   make(map[string]*proc),
	}
}

// Exchange exposes the bus for external clients.
func (h *Harness) Exchange() *bus.Exchange { return h.x }

// Start launches every agent.
func (h *Harness) Start() error {
	for _, m := range h.members {
		if err := h.startAgent(m.ID); err != nil {
			return err
		}
	}
	return nil
}

// Stop kills every running agent.
func (h *Harness) Stop() {
	for _, id := range h.Running() {
		h.Kill(id)
	}
}

func (h *Harness) startAgent(id string) error {
	ep, err := h.x.Connect(id, "ticketd", "sim")
	if err != nil {
		return fmt.Errorf("harness: connect %s: %w", id, err)
	}
	e, err := engine.New(engine.Config{
		NodeID:           id,
		Members:          h.members,
		ObtentionTimeout: h.cfg.ObtentionTimeout,
		HoldDuration:     h.cfg.HoldDuration,
		Logger:           h.cfg.Logger,
	}, ep)
	if err != nil {
		h.x.Disconnect(id)
		return fmt.Errorf("harness: engine %s: %w", id, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &proc{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		_ = e.Run(ctx)
	}()
	h.mu.Lock()
	h.procs[id] = p
	h.mu.Unlock()
	return nil
}

// Running lists currently live agents.
func (h *Harness) Running() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.procs))
	for id := range h.procs {
		out = append(out, id)
	}
	return out
}

// Kill stops an agent abruptly: the loop is cancelled, its holds are
// voided, and only then does the bus announce the departure.
func (h *Harness) Kill(id string) {
	h.mu.Lock()
	p, ok := h.procs[id]
	if ok {
		delete(h.procs, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	<-p.done
	h.reg.VoidAgent(id)
	h.x.Disconnect(id)
	h.kills.Add(1)
	h.log.Debug("killed agent", "node", id)
}

// Restart brings a previously killed agent back.
func (h *Harness) Restart(id string) error {
	h.mu.Lock()
	_, alive := h.procs[id]
	h.mu.Unlock()
	if alive {
		return nil
	}
	if err := h.startAgent(id); err != nil {
		return err
	}
	h.restarts.Add(1)
	h.log.Debug("restarted agent", "node", id)
	return nil
}

// Churn repeatedly kills random agents and restarts dead ones until
// ctx ends. At least one agent is always left running.
func (h *Harness) Churn(ctx context.Context, rng *rand.Rand, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		running := h.Running()
		if len(running) > 1 && rng.Intn(2) == 0 {
			h.Kill(running[rng.Intn(len(running))])
			continue
		}
		dead := h.deadAgents()
		if len(dead) > 0 {
			if err := h.Restart(dead[rng.Intn(len(dead))]); err != nil {
				h.errs.Add(1)
				h.log.Warn("restart failed", "error", err)
			}
		}
	}
}

func (h *Harness) deadAgents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.members))
	for _, m := range h.members {
		if _, alive := h.procs[m.ID]; !alive {
			out = append(out, m.ID)
		}
	}
	return out
}

// Run drives workers (and churn, when churnInterval > 0) for the given
// duration and reports the tally. The run itself never fails; the
// caller decides what Stats.Violations means.
func (h *Harness) Run(duration, churnInterval time.Duration) Stats {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	if churnInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Churn(ctx, rand.New(rand.NewSource(h.cfg.Seed)), churnInterval)
		}()
	}
	for i := 0; i < h.cfg.Workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.worker(ctx, fmt.Sprintf("w%d", i), rand.New(rand.NewSource(h.cfg.Seed+int64(i)+1)))
		}(i)
	}
	wg.Wait()
	return h.stats()
}

func (h *Harness) stats() Stats {
	return Stats{
		Grants:      h.grants.Load(),
		Failures:    h.failures.Load(),
		Unavailable: h.unavailable.Load(),
		Errors:      h.errs.Load(),
		Kills:       h.kills.Load(),
		Restarts:    h.restarts.Load(),
		Violations:  h.reg.Violations(),
	}
}

// worker loops lock/hold/unlock cycles against a random live agent.
func (h *Harness) worker(ctx context.Context, name string, rng *rand.Rand) {
	for ctx.Err() == nil {
		running := h.Running()
		if len(running) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		agent := running[rng.Intn(len(running))]
		object := h.cfg.Objects[rng.Intn(len(h.cfg.Objects))]
		h.cycle(ctx, name, agent, object, rng)
	}
}

func (h *Harness) cycle(ctx context.Context, name, agent, object string, rng *rand.Rand) {
	c, err := client.New(h.x, agent, client.WithService(name), client.WithLogger(h.cfg.Logger))
	if err != nil {
		// The agent may have died between Running() and here.
		h.errs.Add(1)
		return
	}
	defer c.Close()

	g, err := c.Lock(ctx, object, h.cfg.ObtentionTimeout, h.cfg.HoldDuration)
	switch {
	case err == nil:
	case errors.Is(err, client.ErrUnavailable):
		h.unavailable.Add(1)
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(rng.Intn(100)) * time.Millisecond):
		}
		return
	default:
		h.failures.Add(1)
		return
	}

	h.grants.Add(1)
	h.reg.Acquire(object, agent, name)
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(rng.Int63n(int64(h.cfg.WorkerHold))) + time.Millisecond):
	}
	h.reg.Release(object, name)
	if err := g.Unlock(context.WithoutCancel(ctx)); err != nil {
		// Agent death mid-hold; the cluster reclaims the ticket.
		h.log.Debug("unlock failed", "worker", name, "object", object, "error", err)
	}
}
