// Package api defines the JSON bodies exchanged with txnd over HTTP.
package api

// ErrorResponse is returned with every non-2xx status and with 202 when a
// wait budget ran out.
type ErrorResponse struct {
	// ErrorCode is the stable txnd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// TxnID names the transaction the error concerns, when known.
	TxnID string `json:"txn_id,omitempty"`
}

// HealthResponse is returned by /healthz and /readyz.
type HealthResponse struct {
	Status string `json:"status"`
	// Live counts transactions that have not settled yet.
	Live int `json:"live,omitempty"`
	// Settling counts transactions queued to the settler.
	Settling int `json:"settling,omitempty"`
}
