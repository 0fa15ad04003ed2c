package settler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/txn"
)

type settlerMetrics struct {
	settled  metric.Int64Counter
	requeued metric.Int64Counter
}

func newSettlerMetrics(logger pslog.Logger) *settlerMetrics {
	meter := otel.Meter("pkt.systems/txnd/settler")
	m := &settlerMetrics{}
	var err error

	m.settled, err = meter.Int64Counter(
		"txnd.settler.settled",
		metric.WithDescription("Transactions finished by the settler"),
	)
	logMetricInitError(logger, "txnd.settler.settled", err)

	m.requeued, err = meter.Int64Counter(
		"txnd.settler.requeued",
		metric.WithDescription("Settlement passes that will run again"),
	)
	logMetricInitError(logger, "txnd.settler.requeued", err)

	return m
}

func (m *settlerMetrics) recordSettled(ctx context.Context, state txn.State) {
	if m == nil || m.settled == nil {
		return
	}
	m.settled.Add(ctx, 1, metric.WithAttributes(attribute.String("txnd.state", state.String())))
}

func (m *settlerMetrics) recordRequeue(ctx context.Context) {
	if m == nil || m.requeued == nil {
		return
	}
	m.requeued.Add(ctx, 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
