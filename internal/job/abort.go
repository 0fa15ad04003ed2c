package job

import (
	"context"

	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/txn"
)

// AbortJob tells every participant to roll back. Retries are bounded and the
// job always finalizes to ABORTED.
type AbortJob struct {
	*base
}

// NewAbortJob builds an abort round over handles.
func NewAbortJob(cfg Config, handles []*participant.Handle) *AbortJob {
	j := &AbortJob{base: newBase("abort", cfg, handles)}
	j.doWork = j.work
	j.aggregate = func([]txn.Vote) txn.Vote { return txn.VoteAborted }
	return j
}

func (j *AbortJob) work(ctx context.Context, h *participant.Handle, attempt int) (txn.Vote, bool) {
	switch h.Vote() {
	case txn.VoteAborted, txn.VoteNotChanged:
		return txn.VoteAborted, true
	}
	p, err := h.Participant(ctx)
	if err == nil {
		callCtx, cancel := j.callContext(ctx)
		err = p.Abort(callCtx, j.id)
		cancel()
	}
	switch participant.Classify(err) {
	case participant.ClassRetry:
		if attempt < j.maxAttempts {
			return txn.VoteActive, false
		}
		j.logger.Warn("txn.abort.attempts_exhausted", "participant", h.Ref().String(), "attempts", attempt, "error", err)
		return txn.VoteAborted, true
	case participant.ClassFault:
		j.logger.Warn("txn.abort.fault", "participant", h.Ref().String(), "error", err)
	}
	if !j.record(ctx, h, txn.VoteAborted) {
		return txn.VoteActive, false
	}
	return txn.VoteAborted, true
}
