// Package txnlog defines the durable records a coordinator writes for every
// state-changing event, the Log contract backends implement, and the replay
// rules used during recovery.
package txnlog

import (
	"context"
	"errors"

	"pkt.systems/txnd/internal/txn"
)

// Log is the durable, append-only transaction log.
//
// Records for one transaction are returned by Recover in the order they were
// written. No ordering is promised across transactions.
type Log interface {
	// Write appends rec. It returns only once rec is durable.
	Write(ctx context.Context, rec Record) error
	// Invalidate discards every record of id. It is called once the
	// transaction is settled.
	Invalidate(ctx context.Context, id txn.ID) error
	// Recover calls fn for every retained record.
	Recover(ctx context.Context, fn func(Record) error) error
	Close() error
}

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("txnlog: closed")

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
