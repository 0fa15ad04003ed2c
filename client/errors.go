package client

import (
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/txnd/api"
)

// Stable error codes returned by txnd.
const (
	CodeTimeoutExpired         = "timeout_expired"
	CodeUnknownTransaction     = "unknown_transaction"
	CodeCannotJoin             = "cannot_join"
	CodeCannotCommit           = "cannot_commit"
	CodeCannotAbort            = "cannot_abort"
	CodeParticipantUnreachable = "participant_unreachable"
	CodeLogWriteFailed         = "log_write_failed"
)

// APIError describes a txnd error response.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded txnd error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		if e.Response.Detail != "" {
			return fmt.Sprintf("txnd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
		}
		return "txnd: " + e.Response.ErrorCode
	}
	return fmt.Sprintf("txnd: status %d", e.Status)
}

// Code returns the error code of err when it is an *APIError.
func Code(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Response.ErrorCode
	}
	return ""
}

// IsTimeout reports whether a commit or abort ran out of its wait budget.
// The outcome is decided and the server keeps telling participants.
func IsTimeout(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		apiErr.Status == http.StatusAccepted &&
		apiErr.Response.ErrorCode == CodeTimeoutExpired
}

// IsUnknown reports whether the server does not know the transaction.
func IsUnknown(err error) bool {
	return Code(err) == CodeUnknownTransaction
}
