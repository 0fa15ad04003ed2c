package core

import (
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/txn"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP, gRPC, or other protocols.
type Failure struct {
	Code       string
	Detail     string
	TxnID      txn.ID
	HTTPStatus int // optional hint for HTTP adapters
	Err        error
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Unwrap exposes the sentinel behind the failure.
func (f Failure) Unwrap() error { return f.Err }

// ErrClosed is returned once the service has shut down.
var ErrClosed = errors.New("core: service closed")

// failure converts a coordinator error into a Failure. Nil stays nil.
func failure(id txn.ID, err error) error {
	if err == nil {
		return nil
	}
	var f Failure
	if errors.As(err, &f) {
		return err
	}
	f = Failure{Detail: err.Error(), TxnID: id, Err: err}
	switch {
	case errors.Is(err, txn.ErrTimeoutExpired):
		f.Code, f.HTTPStatus = "timeout_expired", http.StatusAccepted
	case errors.Is(err, txn.ErrCannotCommit) && errors.Is(err, participant.ErrTransport):
		f.Code, f.HTTPStatus = "participant_unreachable", http.StatusBadGateway
	case errors.Is(err, txn.ErrCannotCommit):
		f.Code, f.HTTPStatus = "cannot_commit", http.StatusConflict
	case errors.Is(err, txn.ErrCannotAbort):
		f.Code, f.HTTPStatus = "cannot_abort", http.StatusConflict
	case errors.Is(err, txn.ErrCannotJoin):
		f.Code, f.HTTPStatus = "cannot_join", http.StatusConflict
	case errors.Is(err, txn.ErrUnknownTransaction):
		f.Code, f.HTTPStatus = "unknown_transaction", http.StatusNotFound
	case errors.Is(err, txn.ErrLogWrite):
		f.Code, f.HTTPStatus = "log_write_failed", http.StatusServiceUnavailable
	case errors.Is(err, ErrClosed):
		f.Code, f.HTTPStatus = "service_closed", http.StatusServiceUnavailable
	default:
		// txn.ErrInternal and anything unclassified.
		f.Code, f.HTTPStatus = "internal_fault", http.StatusInternalServerError
	}
	return f
}

func invalid(code, detail string) error {
	return Failure{Code: code, Detail: detail, HTTPStatus: http.StatusBadRequest}
}

func unknown(id txn.ID) error {
	return Failure{
		Code:       "unknown_transaction",
		Detail:     fmt.Sprintf("transaction %s not found", id),
		TxnID:      id,
		HTTPStatus: http.StatusNotFound,
		Err:        txn.ErrUnknownTransaction,
	}
}
