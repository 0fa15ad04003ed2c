package core

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type serviceMetrics struct {
	created metric.Int64Counter
}

func newServiceMetrics(logger pslog.Logger) *serviceMetrics {
	meter := otel.Meter("pkt.systems/txnd/core")
	m := &serviceMetrics{}
	var err error
	m.created, err = meter.Int64Counter(
		"txnd.txn.created",
		metric.WithDescription("Transactions issued by the manager"),
	)
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "txnd.txn.created", "error", err)
	}
	return m
}

func (m *serviceMetrics) recordCreated(ctx context.Context) {
	if m == nil || m.created == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.created.Add(ctx, 1)
}
