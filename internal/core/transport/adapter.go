// Package transport maps core failures onto wire protocols.
package transport

import (
	"errors"
	"net/http"

	"pkt.systems/txnd/internal/core"
	"pkt.systems/txnd/internal/txn"
)

// HTTPError converts a core.Failure into an HTTP-aware error struct.
// Handlers can wrap this in their own response writers.
type HTTPError struct {
	Status int
	Code   string
	Detail string
	TxnID  txn.ID
}

// ToHTTP maps a core error into HTTP-friendly fields.
func ToHTTP(err error) (*HTTPError, bool) {
	var failure core.Failure
	if !errors.As(err, &failure) {
		return nil, false
	}
	status := failure.HTTPStatus
	if status == 0 {
		status = http.StatusBadRequest
	}
	return &HTTPError{
		Status: status,
		Code:   failure.Code,
		Detail: failure.Detail,
		TxnID:  failure.TxnID,
	}, true
}
