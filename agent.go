package ticketd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/ticketd/internal/bus"
	"pkt.systems/ticketd/internal/clock"
	"pkt.systems/ticketd/internal/confwatch"
	"pkt.systems/ticketd/internal/engine"
	"pkt.systems/ticketd/internal/svcfields"
	"pkt.systems/ticketd/internal/sysdiag"
)

// Server hosts a ticketd cluster in-process: one message exchange, one
// agent event loop per hosted member, plus the members-file watcher and
// the telemetry stack. Clients attach to the exchange returned by
// Exchange.
type Server struct {
	cfg    Config
	log    pslog.Logger
	clk    clock.Clock
	x      *bus.Exchange
	agents map[string]*engine.Engine

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	bundle   *telemetryBundle
	watcher  *confwatch.Watcher
	sampler  *sysdiag.Sampler
	ready    chan struct{}
	runErrMu sync.Mutex
	runErr   error
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	logger pslog.Logger
	clock  clock.Clock
}

// WithLogger supplies the server logger; agents derive theirs from it.
func WithLogger(l pslog.Logger) Option {
	return func(o *serverOptions) { o.logger = l }
}

// WithClock injects a custom clock into every hosted agent.
func WithClock(c clock.Clock) Option {
	return func(o *serverOptions) { o.clock = c }
}

// NewServer validates cfg, loads the members file when configured, and
// wires the exchange and agents without starting any event loops.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	o := serverOptions{
		logger: pslog.NoopLogger(),
		clock:  clock.Real{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	cfg.applyDefaults()
	if cfg.MembersFile != "" {
		members, err := LoadMembersFile(cfg.MembersFile)
		if err != nil {
			return nil, err
		}
		cfg.Members = members
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := svcfields.WithSubsystem(o.logger, "server")
	x := bus.NewExchange(bus.WithLogger(o.logger))
	s := &Server{
		cfg:    cfg,
		log:    log,
		clk:    o.clock,
		x:      x,
		agents: make(map[string]*engine.Engine),
		ready:  make(chan struct{}),
	}
	members := engineMembers(cfg.Members)
	for _, id := range cfg.hostedNodes() {
		ep, err := x.Connect(id, "ticketd", "1")
		if err != nil {
			return nil, fmt.Errorf("server: connect agent %q: %w", id, err)
		}
		e, err := engine.New(engine.Config{
			NodeID:           id,
			Members:          members,
			ObtentionTimeout: cfg.ObtentionTimeout,
			HoldDuration:     cfg.HoldDuration,
			RetryInterval:    cfg.RetryInterval,
			MaxAttempts:      cfg.MaxAttempts,
			Logger:           o.logger,
			Clock:            o.clock,
		}, ep)
		if err != nil {
			return nil, fmt.Errorf("server: agent %q: %w", id, err)
		}
		s.agents[id] = e
	}
	return s, nil
}

// Exchange exposes the message bus so clients and tests can attach.
func (s *Server) Exchange() *bus.Exchange { return s.x }

// Agents lists the hosted node ids.
func (s *Server) Agents() []string {
	out := make([]string, 0, len(s.agents))
	for id := range s.agents {
		out = append(out, id)
	}
	return out
}

// Status reports a point-in-time snapshot per hosted agent.
func (s *Server) Status() []engine.Snapshot {
	out := make([]engine.Snapshot, 0, len(s.agents))
	for _, e := range s.agents {
		out = append(out, e.Info())
	}
	return out
}

// Start launches the agent loops, the members-file watcher, the
// sysdiag sampler, and the telemetry stack.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server: already started")
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	bundle, err := setupTelemetry(ctx,
		s.cfg.OTLPEndpoint, s.cfg.MetricsListen, s.cfg.PprofListen,
		s.cfg.EnableProfilingMetrics, s.log)
	if err != nil {
		cancel()
		return err
	}
	s.bundle = bundle

	for id, e := range s.agents {
		s.wg.Add(1)
		go func(id string, e *engine.Engine) {
			defer s.wg.Done()
			if err := e.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.recordRunErr(fmt.Errorf("agent %q: %w", id, err))
			}
		}(id, e)
	}

	if s.cfg.MembersFile != "" {
		w, err := confwatch.New(s.cfg.MembersFile, s.reloadMembers,
			confwatch.WithLogger(s.log))
		if err != nil {
			cancel()
			s.wg.Wait()
			return err
		}
		s.watcher = w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.Run(ctx)
		}()
	}

	if s.cfg.SysdiagInterval > 0 {
		s.sampler = sysdiag.New(s.cfg.SysdiagInterval, sysdiag.WithLogger(s.log))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sampler.Run(ctx)
		}()
	}

	s.log.Info("server started",
		"members", len(s.cfg.Members),
		"hosted", len(s.agents),
	)
	close(s.ready)
	return nil
}

// reloadMembers parses the changed roster and pushes it to every agent.
// A roster that drops a hosted node is rejected: hosts do not evict
// their own agents at runtime.
func (s *Server) reloadMembers(raw []byte) error {
	members, err := ParseMembers(raw)
	if err != nil {
		return err
	}
	roster := make(map[string]struct{}, len(members))
	for _, m := range members {
		roster[m.ID] = struct{}{}
	}
	for id := range s.agents {
		if _, ok := roster[id]; !ok {
			return fmt.Errorf("server: reload drops hosted node %q", id)
		}
	}
	em := engineMembers(members)
	for _, e := range s.agents {
		e.UpdateMembers(em)
	}
	s.log.Info("members reloaded", "expected", len(members))
	return nil
}

// WaitUntilReady blocks until Start completed or ctx expires.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) recordRunErr(err error) {
	s.runErrMu.Lock()
	if s.runErr == nil {
		s.runErr = err
	}
	s.runErrMu.Unlock()
}

// LastRunError returns the first agent loop failure, if any.
func (s *Server) LastRunError() error {
	s.runErrMu.Lock()
	defer s.runErrMu.Unlock()
	return s.runErr
}

// Shutdown cancels the loops and tears down telemetry. It is safe to
// call once after Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("server: shutdown: %w", ctx.Err())
	}
	for id := range s.agents {
		s.x.Disconnect(id)
	}
	if s.bundle != nil {
		if err := s.bundle.Shutdown(ctx); err != nil {
			return err
		}
	}
	s.log.Info("server stopped")
	return nil
}

// StartServer is the one-call variant: build, start, and hand back a
// shutdown func.
func StartServer(cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	s, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Start(); err != nil {
		return nil, nil, err
	}
	return s, s.Shutdown, nil
}
