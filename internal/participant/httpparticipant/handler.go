package httpparticipant

import (
	"encoding/json"
	"net/http"

	"pkt.systems/pslog"

	"pkt.systems/txnd/api"
	"pkt.systems/txnd/internal/correlation"
	"pkt.systems/txnd/internal/loggingutil"
	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/txn"
)

// Lookup returns the participant served under key.
type Lookup func(key string) (participant.Participant, bool)

// Single serves p for every key.
func Single(p participant.Participant) Lookup {
	return func(string) (participant.Participant, bool) { return p, true }
}

// Handler exposes participants over the participant protocol.
type Handler struct {
	lookup Lookup
	logger pslog.Logger
}

// NewHandler returns a Handler resolving keys through lookup.
func NewHandler(lookup Lookup, logger pslog.Logger) *Handler {
	return &Handler{lookup: lookup, logger: loggingutil.WithSubsystem(logger, "participant.http")}
}

// Register installs the participant endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc(pathPrepare, h.serve(func(r *http.Request, p participant.Participant, id txn.ID) (txn.Vote, error) {
		return p.Prepare(r.Context(), id)
	}))
	mux.HandleFunc(pathCommit, h.serve(func(r *http.Request, p participant.Participant, id txn.ID) (txn.Vote, error) {
		return txn.VoteActive, p.Commit(r.Context(), id)
	}))
	mux.HandleFunc(pathAbort, h.serve(func(r *http.Request, p participant.Participant, id txn.ID) (txn.Vote, error) {
		return txn.VoteActive, p.Abort(r.Context(), id)
	}))
	mux.HandleFunc(pathPrepareAndCommit, h.serve(func(r *http.Request, p participant.Participant, id txn.ID) (txn.Vote, error) {
		return p.PrepareAndCommit(r.Context(), id)
	}))
}

type call func(r *http.Request, p participant.Participant, id txn.ID) (txn.Vote, error)

func (h *Handler) serve(fn call) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := correlation.FromRequest(r)
		r = r.WithContext(ctx)
		logger := h.logger.With("path", r.URL.Path, "cid", correlation.ID(ctx))
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, api.ErrorResponse{ErrorCode: "method_not_allowed"})
			return
		}
		var req api.ParticipantRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse{ErrorCode: "invalid_body", Detail: err.Error()})
			return
		}
		id, err := txn.ParseID(req.TxnID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse{ErrorCode: "invalid_txn", Detail: err.Error()})
			return
		}
		p, ok := h.lookup(req.Key)
		if !ok {
			writeJSON(w, http.StatusNotFound, api.ErrorResponse{ErrorCode: "unknown_participant", Detail: req.Key})
			return
		}
		vote, err := fn(r, p, id)
		if err != nil {
			switch participant.Classify(err) {
			case participant.ClassUnknownTransaction:
				writeJSON(w, http.StatusNotFound, api.ErrorResponse{ErrorCode: codeUnknownTransaction, TxnID: id.String()})
			case participant.ClassRetry:
				logger.Warn("participant.http.call.retryable", "txn_id", id.String(), "error", err)
				writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{ErrorCode: "unavailable", Detail: err.Error()})
			default:
				logger.Warn("participant.http.call.failed", "txn_id", id.String(), "error", err)
				writeJSON(w, http.StatusUnprocessableEntity, api.ErrorResponse{ErrorCode: "participant_fault", Detail: err.Error()})
			}
			return
		}
		resp := api.ParticipantResponse{}
		if vote != txn.VoteActive {
			resp.Vote = vote.String()
		}
		logger.Trace("participant.http.call", "txn_id", id.String(), "vote", resp.Vote)
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
