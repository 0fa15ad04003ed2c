package job

import (
	"context"

	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/txn"
)

// CommitJob tells every participant to commit. It retries transport
// failures without bound and always finalizes to COMMITTED.
type CommitJob struct {
	*base
}

// NewCommitJob builds a commit round over handles.
func NewCommitJob(cfg Config, handles []*participant.Handle) *CommitJob {
	j := &CommitJob{base: newBase("commit", cfg, handles)}
	j.doWork = j.work
	j.aggregate = func([]txn.Vote) txn.Vote { return txn.VoteCommitted }
	return j
}

func (j *CommitJob) work(ctx context.Context, h *participant.Handle, attempt int) (txn.Vote, bool) {
	switch h.Vote() {
	case txn.VoteCommitted, txn.VoteNotChanged:
		return txn.VoteCommitted, true
	}
	p, err := h.Participant(ctx)
	if err == nil {
		callCtx, cancel := j.callContext(ctx)
		err = p.Commit(callCtx, j.id)
		cancel()
	}
	switch participant.Classify(err) {
	case participant.ClassRetry:
		if attempt%j.maxAttempts == 0 {
			j.logger.Warn("txn.commit.participant_unreachable", "participant", h.Ref().String(), "attempts", attempt, "error", err)
		}
		return txn.VoteActive, false
	case participant.ClassFault:
		j.logger.Warn("txn.commit.fault", "participant", h.Ref().String(), "error", err)
	}
	if !j.record(ctx, h, txn.VoteCommitted) {
		return txn.VoteActive, false
	}
	return txn.VoteCommitted, true
}
