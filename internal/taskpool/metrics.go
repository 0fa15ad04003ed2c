package taskpool

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type poolMetrics struct {
	attrs   metric.MeasurementOption
	depth   metric.Int64Gauge
	retries metric.Int64Counter
}

func newPoolMetrics(logger pslog.Logger, name string) *poolMetrics {
	meter := otel.Meter("pkt.systems/txnd/taskpool")
	m := &poolMetrics{attrs: metric.WithAttributes(attribute.String("txnd.pool", name))}
	var err error

	m.depth, err = meter.Int64Gauge(
		"txnd.taskpool.queue_depth",
		metric.WithDescription("Tasks waiting for a worker"),
	)
	logMetricInitError(logger, "txnd.taskpool.queue_depth", err)

	m.retries, err = meter.Int64Counter(
		"txnd.taskpool.retries",
		metric.WithDescription("Task attempts that asked to be retried"),
	)
	logMetricInitError(logger, "txnd.taskpool.retries", err)

	return m
}

func (m *poolMetrics) recordDepth(ctx context.Context, depth int) {
	if m == nil || m.depth == nil {
		return
	}
	m.depth.Record(ctx, int64(depth), m.attrs)
}

func (m *poolMetrics) recordRetry(ctx context.Context) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(ctx, 1, m.attrs)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
