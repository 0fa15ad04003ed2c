package api

// Participant identifies a participant to contact during commit.
type Participant struct {
	// Kind selects the resolver, for example "http".
	Kind string `json:"kind"`
	// Address is the resolver-specific location, for example a base URL.
	Address string `json:"address"`
	// Key distinguishes several participants served at one address.
	Key string `json:"key,omitempty"`
}

// CreateRequest drives POST /v1/txn/create.
type CreateRequest struct {
	// LeaseMillis is the requested lease; zero takes the server default.
	LeaseMillis int64 `json:"lease_ms,omitempty"`
}

// CreateResponse reports a new transaction.
type CreateResponse struct {
	TxnID string `json:"txn_id"`
	// LeaseExpiresAtUnixMillis is when the transaction aborts unless renewed.
	LeaseExpiresAtUnixMillis int64 `json:"lease_expires_at_unix_ms"`
}

// JoinRequest drives POST /v1/txn/join.
type JoinRequest struct {
	TxnID       string      `json:"txn_id"`
	Participant Participant `json:"participant"`
	// CrashCount identifies the participant incarnation.
	CrashCount int64 `json:"crash_count"`
}

// TxnRequest drives POST /v1/txn/state and /v1/txn/cancel.
type TxnRequest struct {
	TxnID string `json:"txn_id"`
}

// CompleteRequest drives POST /v1/txn/commit and /v1/txn/abort.
type CompleteRequest struct {
	TxnID string `json:"txn_id"`
	// WaitMillis bounds how long the call waits for participants. Negative
	// waits until every participant has been told.
	WaitMillis int64 `json:"wait_ms"`
}

// StateResponse reports the manager state of a transaction.
type StateResponse struct {
	TxnID string `json:"txn_id"`
	// State is ACTIVE, VOTING, COMMITTED or ABORTED.
	State string `json:"state"`
}

// RenewRequest drives POST /v1/txn/renew.
type RenewRequest struct {
	TxnID           string `json:"txn_id"`
	ExtensionMillis int64  `json:"extension_ms"`
}

// RenewResponse reports the new lease expiration.
type RenewResponse struct {
	TxnID                    string `json:"txn_id"`
	LeaseExpiresAtUnixMillis int64  `json:"lease_expires_at_unix_ms"`
}
