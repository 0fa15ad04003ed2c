package api

// ParticipantRequest is posted to /v1/participant/{prepare,commit,abort,prepare-and-commit}.
type ParticipantRequest struct {
	TxnID string `json:"txn_id"`
	// Key selects one of several participants served at the same address.
	Key string `json:"key,omitempty"`
}

// ParticipantResponse carries the participant vote. Commit and abort answer
// with an empty vote.
type ParticipantResponse struct {
	Vote string `json:"vote,omitempty"`
}
