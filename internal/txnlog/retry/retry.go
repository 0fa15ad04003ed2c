// Package retry wraps a txnlog.Log so transient backend failures are retried
// with exponential backoff before they reach the coordinator.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/txn"
	"pkt.systems/txnd/internal/txnlog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a Log that retries transient errors according to cfg.
func Wrap(inner txnlog.Log, logger pslog.Logger, clk clock.Clock, cfg Config) txnlog.Log {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &log{inner: inner, logger: logger, clock: clk, cfg: cfg}
}

type log struct {
	inner  txnlog.Log
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (l *log) Write(ctx context.Context, rec txnlog.Record) error {
	return l.withRetry(ctx, "write", rec.TxnID, func(ctx context.Context) error {
		return l.inner.Write(ctx, rec)
	})
}

func (l *log) Invalidate(ctx context.Context, id txn.ID) error {
	return l.withRetry(ctx, "invalidate", id, func(ctx context.Context) error {
		return l.inner.Invalidate(ctx, id)
	})
}

// Recover is not retried: fn may already have observed part of the log.
func (l *log) Recover(ctx context.Context, fn func(txnlog.Record) error) error {
	return l.inner.Recover(ctx, fn)
}

func (l *log) Close() error {
	return l.inner.Close()
}

func (l *log) withRetry(ctx context.Context, op string, id txn.ID, fn func(context.Context) error) error {
	attempts := l.cfg.MaxAttempts
	delay := l.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !txnlog.IsTransient(err) || attempt == attempts {
			return err
		}
		l.logger.Warn("txnlog.transient_error",
			"operation", op,
			"txn_id", id.String(),
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(delay):
		}
		next := time.Duration(float64(delay) * l.cfg.Multiplier)
		if next > l.cfg.MaxDelay {
			next = l.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
