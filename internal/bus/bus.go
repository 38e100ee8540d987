// Package bus provides the in-memory message exchange that stands in
// for the real cluster transport. It guarantees FIFO ordering per
// sender/receiver pair and surfaces undeliverable sends as errors; it
// makes no ordering promise across pairs.
package bus

import (
	"errors"
	"fmt"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/ticketd/api"
	"pkt.systems/ticketd/internal/svcfields"
)

var (
	// ErrUnreachable is returned when the destination is not connected.
	ErrUnreachable = errors.New("bus: destination unreachable")
	// ErrBacklogged is returned when the destination inbox is full. The
	// message is dropped; the caller decides whether to retry.
	ErrBacklogged = errors.New("bus: destination backlogged")
	// ErrClosed is returned when sending from a disconnected endpoint.
	ErrClosed = errors.New("bus: endpoint closed")
	// ErrDuplicateAddress is returned when an address is already taken.
	ErrDuplicateAddress = errors.New("bus: address already connected")
)

// EventKind classifies membership events.
type EventKind int

const (
	// Joined reports a newly connected endpoint.
	Joined EventKind = iota + 1
	// Left reports a disconnected endpoint.
	Left
)

func (k EventKind) String() string {
	switch k {
	case Joined:
		return "joined"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

// Event is a connectivity observation delivered to event subscribers.
type Event struct {
	Node string
	Kind EventKind
}

const defaultInboxDepth = 1024

// Exchange routes envelopes between connected endpoints.
type Exchange struct {
	mu         sync.Mutex
	endpoints  map[string]*Endpoint
	inboxDepth int
	logger     pslog.Logger
}

// Option configures an Exchange.
type Option func(*Exchange)

// WithLogger supplies a logger for routing diagnostics.
func WithLogger(l pslog.Logger) Option {
	return func(x *Exchange) {
		if l != nil {
			x.logger = l
		}
	}
}

// WithInboxDepth overrides the per-endpoint inbox buffer depth.
func WithInboxDepth(n int) Option {
	return func(x *Exchange) {
		if n > 0 {
			x.inboxDepth = n
		}
	}
}

// NewExchange constructs an empty exchange.
func NewExchange(opts ...Option) *Exchange {
	x := &Exchange{
		endpoints:  make(map[string]*Endpoint),
		inboxDepth: defaultInboxDepth,
		logger:     pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(x)
	}
	x.logger = svcfields.WithSubsystem(x.logger, "bus.exchange")
	return x
}

// Connect attaches an agent endpoint. Agents receive membership events
// for every other endpoint that joins or leaves. The REGISTER handshake
// is performed inline: the service/version pair is recorded and a READY
// envelope is the first message delivered to the new inbox.
func (x *Exchange) Connect(addr, service, version string) (*Endpoint, error) {
	return x.connect(addr, service, version, true)
}

// ConnectClient attaches a client endpoint. Clients get the same
// handshake but no membership event stream.
func (x *Exchange) ConnectClient(addr, service, version string) (*Endpoint, error) {
	return x.connect(addr, service, version, false)
}

func (x *Exchange) connect(addr, service, version string, wantEvents bool) (*Endpoint, error) {
	if addr == "" {
		return nil, fmt.Errorf("bus: connect: empty address")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, exists := x.endpoints[addr]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAddress, addr)
	}
	ep := &Endpoint{
		exchange: x,
		addr:     addr,
		service:  service,
		inbox:    make(chan api.Envelope, x.inboxDepth),
		events:   nil,
	}
	if wantEvents {
		ep.events = make(chan Event, x.inboxDepth)
	}
	x.endpoints[addr] = ep
	// Handshake confirmation is the first message on the inbox.
	ep.inbox <- api.Envelope{Cmd: api.CmdReady, To: addr, Service: service, Version: version}
	for _, other := range x.endpoints {
		if other == ep {
			continue
		}
		if other.events != nil {
			other.notify(Event{Node: addr, Kind: Joined})
		}
		// The newcomer sees the current population as joins so that
		// start order does not matter.
		if ep.events != nil {
			ep.notify(Event{Node: other.addr, Kind: Joined})
		}
	}
	x.logger.Debug("endpoint connected", "addr", addr, "service", service, "version", version)
	return ep, nil
}

// Disconnect detaches addr and notifies event subscribers. Undelivered
// messages to addr are dropped.
func (x *Exchange) Disconnect(addr string) {
	x.mu.Lock()
	ep, ok := x.endpoints[addr]
	if !ok {
		x.mu.Unlock()
		return
	}
	delete(x.endpoints, addr)
	ep.closed = true
	close(ep.inbox)
	if ep.events != nil {
		close(ep.events)
	}
	for _, other := range x.endpoints {
		if other.events == nil {
			continue
		}
		other.notify(Event{Node: addr, Kind: Left})
	}
	x.mu.Unlock()
	x.logger.Debug("endpoint disconnected", "addr", addr)
}

// Connected reports whether addr currently has an endpoint.
func (x *Exchange) Connected(addr string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.endpoints[addr]
	return ok
}

// Endpoint is one party's attachment to the exchange.
type Endpoint struct {
	exchange *Exchange
	addr     string
	service  string
	inbox    chan api.Envelope
	events   chan Event
	closed   bool
}

// Addr returns the endpoint's bus address.
func (e *Endpoint) Addr() string { return e.addr }

// Inbox returns the ordered stream of envelopes addressed to this
// endpoint. The channel closes on disconnect.
func (e *Endpoint) Inbox() <-chan api.Envelope { return e.inbox }

// Events returns the membership event stream, or nil for client
// endpoints.
func (e *Endpoint) Events() <-chan Event { return e.events }

// Send routes one envelope to another endpoint. Fire-and-forget: a nil
// return means the envelope was placed on the destination inbox in
// order; errors mean it was not delivered and never will be.
func (e *Endpoint) Send(to string, env api.Envelope) error {
	env.From = e.addr
	env.To = to
	env = env.Clone()
	x := e.exchange
	x.mu.Lock()
	defer x.mu.Unlock()
	if e.closed {
		return fmt.Errorf("%w: %s", ErrClosed, e.addr)
	}
	dest, ok := x.endpoints[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	select {
	case dest.inbox <- env:
		return nil
	default:
		x.logger.Warn("inbox full, dropping message", "from", e.addr, "to", to, "cmd", env.Cmd)
		return fmt.Errorf("%w: %s", ErrBacklogged, to)
	}
}

// Close detaches the endpoint from the exchange.
func (e *Endpoint) Close() {
	e.exchange.Disconnect(e.addr)
}

// notify must be called with the exchange mutex held.
func (e *Endpoint) notify(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.exchange.logger.Warn("event stream full, dropping event", "addr", e.addr, "node", ev.Node, "kind", ev.Kind.String())
	}
}
