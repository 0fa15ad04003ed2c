package txn

import "errors"

var (
	// ErrUnknownTransaction reports an id that was never issued, has been
	// settled and forgotten, or has expired.
	ErrUnknownTransaction = errors.New("txn: unknown transaction")
	// ErrCannotJoin reports a join rejected by the state machine.
	ErrCannotJoin = errors.New("txn: cannot join")
	// ErrCannotCommit reports a commit that can never succeed.
	ErrCannotCommit = errors.New("txn: cannot commit")
	// ErrCannotAbort reports an abort of a committed transaction.
	ErrCannotAbort = errors.New("txn: cannot abort")
	// ErrTimeoutExpired means the wait budget ran out before the phase
	// finished. The transaction keeps settling in the background.
	ErrTimeoutExpired = errors.New("txn: timeout expired")
	// ErrLogWrite reports that a state change could not be made durable.
	ErrLogWrite = errors.New("txn: log write failed")
	// ErrInternal reports a state the coordinator cannot reconcile.
	ErrInternal = errors.New("txn: internal consistency fault")
)
