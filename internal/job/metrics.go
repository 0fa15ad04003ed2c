package job

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type jobMetrics struct {
	attempts metric.Int64Counter
}

var (
	metricsOnce sync.Once
	metrics     *jobMetrics
)

// sharedMetrics returns the process-wide job instruments.
func sharedMetrics(logger pslog.Logger) *jobMetrics {
	metricsOnce.Do(func() { metrics = newJobMetrics(logger) })
	return metrics
}

func newJobMetrics(logger pslog.Logger) *jobMetrics {
	meter := otel.Meter("pkt.systems/txnd/job")
	m := &jobMetrics{}
	var err error
	m.attempts, err = meter.Int64Counter(
		"txnd.job.attempts",
		metric.WithDescription("Participant task attempts by job kind"),
	)
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "txnd.job.attempts", "error", err)
	}
	return m
}

func (m *jobMetrics) recordAttempt(ctx context.Context, kind string) {
	if m == nil || m.attempts == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("txnd.job", kind)))
}
