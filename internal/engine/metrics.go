package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
	"pkt.systems/ticketd/internal/cluster"
)

type meters struct {
	locksGranted  metric.Int64Counter
	locksFailed   metric.Int64Counter
	locksReleased metric.Int64Counter
	transitions   metric.Int64Counter
	elections     metric.Int64Counter
}

func newMeters(logger pslog.Logger) *meters {
	meter := otel.Meter("pkt.systems/ticketd/engine")
	m := &meters{}
	var err error

	m.locksGranted, err = meter.Int64Counter(
		"ticketd.locks.granted",
		metric.WithDescription("Lock grants"),
	)
	logMeterInitError(logger, "ticketd.locks.granted", err)

	m.locksFailed, err = meter.Int64Counter(
		"ticketd.locks.failed",
		metric.WithDescription("Lock denials and timeouts"),
	)
	logMeterInitError(logger, "ticketd.locks.failed", err)

	m.locksReleased, err = meter.Int64Counter(
		"ticketd.locks.released",
		metric.WithDescription("Lock releases, explicit and expired"),
	)
	logMeterInitError(logger, "ticketd.locks.released", err)

	m.transitions, err = meter.Int64Counter(
		"ticketd.cluster.transitions",
		metric.WithDescription("Quorum status transitions"),
	)
	logMeterInitError(logger, "ticketd.cluster.transitions", err)

	m.elections, err = meter.Int64Counter(
		"ticketd.cluster.elections",
		metric.WithDescription("Leader changes"),
	)
	logMeterInitError(logger, "ticketd.cluster.elections", err)

	return m
}

func logMeterInitError(logger pslog.Logger, name string, err error) {
	if err == nil {
		return
	}
	logger.Warn("metric init failed", "metric", name, "error", err)
}

func (m *meters) granted() {
	m.locksGranted.Add(context.Background(), 1)
}

func (m *meters) failed() {
	m.locksFailed.Add(context.Background(), 1)
}

func (m *meters) released(expired bool) {
	m.locksReleased.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Bool("expired", expired)))
}

func (m *meters) transition(status cluster.Status) {
	m.transitions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status.String())))
}

func (m *meters) election() {
	m.elections.Add(context.Background(), 1)
}
