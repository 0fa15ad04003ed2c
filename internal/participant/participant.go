// Package participant models the remote parties enlisted in a transaction:
// the RPC contract they expose, the durable reference used to find them
// again after a restart, and the per-transaction handle tracking their vote.
package participant

import (
	"context"
	"errors"
	"net"

	"pkt.systems/txnd/internal/txn"
)

// Participant is the RPC surface a transaction coordinator drives.
type Participant interface {
	Prepare(ctx context.Context, id txn.ID) (txn.Vote, error)
	Commit(ctx context.Context, id txn.ID) error
	Abort(ctx context.Context, id txn.ID) error
	PrepareAndCommit(ctx context.Context, id txn.ID) (txn.Vote, error)
}

var (
	// ErrTransport marks a communication failure. The call may be retried.
	ErrTransport = errors.New("participant: transport failure")
	// ErrUnknownTransaction is returned by a participant that has no record
	// of the transaction.
	ErrUnknownTransaction = errors.New("participant: unknown transaction")
)

// Class is the coordinator's reading of a failed participant call.
type Class int

const (
	// ClassOK means the call succeeded.
	ClassOK Class = iota
	// ClassRetry means no outcome is known yet.
	ClassRetry
	// ClassUnknownTransaction means the participant forgot the transaction
	// and should be treated as already finalized.
	ClassUnknownTransaction
	// ClassFault is any other failure. The phase finalizes pessimistically.
	ClassFault
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassRetry:
		return "retry"
	case ClassUnknownTransaction:
		return "unknown_transaction"
	default:
		return "fault"
	}
}

// Classify maps a participant call error onto a Class.
func Classify(err error) Class {
	if err == nil {
		return ClassOK
	}
	if errors.Is(err, ErrUnknownTransaction) || errors.Is(err, txn.ErrUnknownTransaction) {
		return ClassUnknownTransaction
	}
	if errors.Is(err, ErrTransport) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return ClassRetry
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetry
	}
	return ClassFault
}
