// Package client is the Go SDK services use to talk to their local
// ticketd agent: REGISTER handshake, LOCK/UNLOCK round-trips, and the
// LOCKREADY/NOLOCK availability contract.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/ticketd/api"
	"pkt.systems/ticketd/internal/bus"
	"pkt.systems/ticketd/internal/clock"
	"pkt.systems/ticketd/internal/svcfields"
)

var (
	// ErrUnavailable means the agent reported NOLOCK; per the protocol
	// contract the client must not attempt LOCK until LOCKREADY.
	ErrUnavailable = errors.New("client: lock service unavailable")
	// ErrLockFailed wraps a LOCKFAILED reply.
	ErrLockFailed = errors.New("client: lock request failed")
	// ErrReplyTimeout means neither LOCKED nor LOCKFAILED arrived in
	// time; the request counts as failed rather than hanging.
	ErrReplyTimeout = errors.New("client: no reply within timeout")
	// ErrClosed means the client was closed.
	ErrClosed = errors.New("client: closed")
)

// replySlack is how much longer than the obtention timeout the client
// waits for the agent's explicit answer before failing locally.
const replySlack = 2 * time.Second

// Option configures a Client.
type Option func(*options)

type options struct {
	service string
	version string
	pid     int
	logger  pslog.Logger
	clock   clock.Clock
}

// WithService names the registering service.
func WithService(name string) Option {
	return func(o *options) { o.service = name }
}

// WithVersion reports the service version during REGISTER.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithPID overrides the process id sent with lock requests.
func WithPID(pid int) Option {
	return func(o *options) { o.pid = pid }
}

// WithLogger supplies a logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock injects a custom clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Client is one service's connection to its local agent. Requests are
// serialized: the client owns a single inbox and runs one LOCK or
// UNLOCK round-trip at a time.
type Client struct {
	ep      *bus.Endpoint
	agent   string
	service string
	version string
	pid     int
	log     pslog.Logger
	clk     clock.Clock
	tracer  trace.Tracer

	// reqMu serializes whole round-trips; mu guards the small fields.
	reqMu     sync.Mutex
	mu        sync.Mutex
	available bool
	closed    bool
}

// New attaches to the exchange, registers with the agent, and waits
// for the availability verdict.
func New(x *bus.Exchange, agentID string, opts ...Option) (*Client, error) {
	o := options{
		service: "service",
		version: "0",
		pid:     os.Getpid(),
		logger:  pslog.NoopLogger(),
		clock:   clock.Real{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	addr := fmt.Sprintf("svc:%s:%s", o.service, xid.New().String())
	ep, err := x.ConnectClient(addr, o.service, o.version)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	c := &Client{
		ep:      ep,
		agent:   agentID,
		service: o.service,
		version: o.version,
		pid:     o.pid,
		log:     svcfields.WithSubsystem(o.logger, "client").With("addr", addr, "agent", agentID),
		clk:     o.clock,
		tracer:  otel.Tracer("pkt.systems/ticketd/client"),
	}
	if err := c.handshake(); err != nil {
		ep.Close()
		return nil, err
	}
	return c, nil
}

// handshake consumes the bus READY, registers with the agent, and
// records the initial LOCKREADY/NOLOCK verdict.
func (c *Client) handshake() error {
	deadline := c.clk.After(replySlack)
	registered := false
	for {
		select {
		case env, ok := <-c.ep.Inbox():
			if !ok {
				return ErrClosed
			}
			switch env.Cmd {
			case api.CmdReady:
				if registered {
					// Agent acknowledged REGISTER; the availability
					// verdict follows on the same ordered channel.
					continue
				}
				registered = true
				if err := c.ep.Send(c.agent, api.Envelope{
					Cmd:     api.CmdRegister,
					Service: c.service,
					Version: c.version,
				}); err != nil {
					return fmt.Errorf("client: register: %w", err)
				}
			case api.CmdLockReady:
				c.setAvailable(true)
				return nil
			case api.CmdNoLock:
				c.setAvailable(false)
				return nil
			default:
				c.log.Debug("ignoring envelope during handshake", "cmd", env.Cmd)
			}
		case <-deadline:
			return fmt.Errorf("client: register: %w", ErrReplyTimeout)
		}
	}
}

func (c *Client) setAvailable(up bool) {
	c.mu.Lock()
	c.available = up
	c.mu.Unlock()
}

// drainPending folds availability toggles and stale notices that
// arrived between requests, so gating decisions see the agent's latest
// verdict.
func (c *Client) drainPending() {
	for {
		select {
		case env, ok := <-c.ep.Inbox():
			if !ok {
				return
			}
			switch env.Cmd {
			case api.CmdLockReady:
				c.setAvailable(true)
			case api.CmdNoLock:
				c.setAvailable(false)
			default:
				c.log.Debug("discarding stale envelope", "cmd", env.Cmd, "object", env.Object, "error", env.Error)
			}
		default:
			return
		}
	}
}

// Available reports the last LOCKREADY/NOLOCK verdict observed.
func (c *Client) Available() bool {
	c.reqMu.Lock()
	c.drainPending()
	c.reqMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}

// Addr returns the client's bus address.
func (c *Client) Addr() string { return c.ep.Addr() }

// Close detaches from the bus. The agent treats the departure as an
// implicit release of everything this client held.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.ep.Close()
}

// Grant is a held lock.
type Grant struct {
	client  *Client
	Object  string
	Expires time.Time
}

// Lock acquires object, waiting at most timeout for the grant; the
// lock auto-releases after duration unless unlocked first. Zero values
// use the agent's defaults.
func (c *Client) Lock(ctx context.Context, object string, timeout, duration time.Duration) (*Grant, error) {
	ctx, span := c.tracer.Start(ctx, "ticketd.lock",
		trace.WithAttributes(attribute.String("object", object)))
	defer span.End()

	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.drainPending()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if !c.available {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: agent said NOLOCK", ErrUnavailable)
	}
	c.mu.Unlock()

	corr := xid.New().String()
	env := api.Envelope{
		Cmd:           api.CmdLock,
		Object:        object,
		PID:           c.pid,
		TimeoutMS:     timeout.Milliseconds(),
		DurationMS:    duration.Milliseconds(),
		CorrelationID: corr,
	}
	if err := c.ep.Send(c.agent, env); err != nil {
		return nil, fmt.Errorf("client: lock %q: %w", object, err)
	}
	wait := replySlack
	if timeout > 0 {
		wait = timeout + replySlack
	}
	reply, err := c.await(ctx, corr, wait)
	if err != nil {
		return nil, fmt.Errorf("client: lock %q: %w", object, err)
	}
	switch reply.Cmd {
	case api.CmdLocked:
		expires := time.UnixMilli(reply.ExpiresAtUnixMS)
		c.log.Debug("lock granted", "object", object, "expires", expires.Format(time.RFC3339Nano))
		return &Grant{client: c, Object: object, Expires: expires}, nil
	case api.CmdLockFailed:
		return nil, fmt.Errorf("%w: %s", ErrLockFailed, reply.Error)
	default:
		return nil, fmt.Errorf("client: lock %q: unexpected reply %s", object, reply.Cmd)
	}
}

// Unlock releases the grant. Releasing an already-released grant is a
// no-op by protocol contract.
func (g *Grant) Unlock(ctx context.Context) error {
	c := g.client
	ctx, span := c.tracer.Start(ctx, "ticketd.unlock",
		trace.WithAttributes(attribute.String("object", g.Object)))
	defer span.End()

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	corr := xid.New().String()
	err := c.ep.Send(c.agent, api.Envelope{
		Cmd:           api.CmdUnlock,
		Object:        g.Object,
		PID:           c.pid,
		CorrelationID: corr,
	})
	if err != nil {
		return fmt.Errorf("client: unlock %q: %w", g.Object, err)
	}
	reply, err := c.await(ctx, corr, replySlack)
	if err != nil {
		return fmt.Errorf("client: unlock %q: %w", g.Object, err)
	}
	if reply.Cmd != api.CmdUnlocked {
		return fmt.Errorf("client: unlock %q: unexpected reply %s", g.Object, reply.Cmd)
	}
	return nil
}

// await reads the inbox until the correlated reply shows up, folding
// availability toggles and stale notices along the way. A client that
// sees no reply within wait fails the request itself: explicit failure
// beats a silent hang.
func (c *Client) await(ctx context.Context, corr string, wait time.Duration) (api.Envelope, error) {
	deadline := c.clk.After(wait)
	for {
		select {
		case env, ok := <-c.ep.Inbox():
			if !ok {
				return api.Envelope{}, ErrClosed
			}
			switch env.Cmd {
			case api.CmdLockReady:
				c.setAvailable(true)
			case api.CmdNoLock:
				c.setAvailable(false)
			case api.CmdLocked, api.CmdLockFailed, api.CmdUnlocked:
				if env.CorrelationID == corr {
					return env, nil
				}
				// A stale notice, e.g. the expiry of an earlier grant.
				c.log.Debug("discarding uncorrelated notice", "cmd", env.Cmd, "object", env.Object, "error", env.Error)
			default:
				c.log.Debug("ignoring envelope", "cmd", env.Cmd)
			}
		case <-ctx.Done():
			return api.Envelope{}, ctx.Err()
		case <-deadline:
			return api.Envelope{}, ErrReplyTimeout
		}
	}
}
