// Package ticketd implements a quorum-aware distributed lock service
// built on a ticket protocol: every lock request becomes a ticket
// stamped with a logical entering timestamp, tickets are announced to
// all peers, and a ticket is promoted to an exclusive hold only once a
// quorum of peers has acknowledged it and it is the smallest ticket
// known for its object. Ordering follows the pair
// (entering_timestamp, owner_node), compared lexicographically with
// the smaller pair winning, so concurrent requests resolve the same
// way on every node without a coordinator.
//
// A cluster is a fixed member list. Each member runs an agent
// (internal/engine) attached to an in-memory message exchange
// (internal/bus); local services attach through package client. The
// cluster is available only while a majority of members is connected:
// agents broadcast CLUSTERUP/CLUSTERDOWN among themselves and
// LOCKREADY/NOLOCK to their registered clients, and deny lock traffic
// outside quorum. While quorum holds a leader is elected by lowest
// configured priority (ties by node id); the leader is advisory and
// carries no ticket-safety weight.
//
// The root package hosts a whole cluster in one process: Server wires
// the exchange, one engine per member, the members-file watcher, and
// the telemetry stack. This in-process shape is the deployment model;
// harness (internal/harness) reuses it for randomized churn testing,
// as does the simulate subcommand of cmd/ticketd.
//
// Timers (obtention timeout, hold duration, retry backoff) run on an
// injectable clock so tests drive them deterministically.
package ticketd
