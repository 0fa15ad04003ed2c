package txncoord

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/txn"
)

type coordMetrics struct {
	outcomes metric.Int64Counter
	commitMS metric.Int64Histogram
}

var (
	metricsOnce sync.Once
	metrics     *coordMetrics
)

func sharedMetrics(logger pslog.Logger) *coordMetrics {
	metricsOnce.Do(func() { metrics = newCoordMetrics(logger) })
	return metrics
}

func newCoordMetrics(logger pslog.Logger) *coordMetrics {
	meter := otel.Meter("pkt.systems/txnd/txncoord")
	m := &coordMetrics{}
	var err error

	m.outcomes, err = meter.Int64Counter(
		"txnd.txn.outcome",
		metric.WithDescription("Settled transactions by final state"),
	)
	logMetricInitError(logger, "txnd.txn.outcome", err)

	m.commitMS, err = meter.Int64Histogram(
		"txnd.txn.commit.duration_ms",
		metric.WithDescription("Time spent inside commit calls"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "txnd.txn.commit.duration_ms", err)

	return m
}

func (m *coordMetrics) recordOutcome(ctx context.Context, state txn.State) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("txnd.state", state.String())))
}

func (m *coordMetrics) recordCommit(ctx context.Context, elapsed time.Duration, result string) {
	if m == nil || m.commitMS == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.commitMS.Record(ctx, elapsed.Milliseconds(), metric.WithAttributes(attribute.String("txnd.result", result)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
