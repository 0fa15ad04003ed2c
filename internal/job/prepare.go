package job

import (
	"context"

	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/txn"
)

// PrepareJob asks every participant to vote.
type PrepareJob struct {
	*base
}

// NewPrepareJob builds a prepare round over handles.
func NewPrepareJob(cfg Config, handles []*participant.Handle) *PrepareJob {
	j := &PrepareJob{base: newBase("prepare", cfg, handles)}
	j.doWork = j.work
	j.aggregate = aggregatePrepare
	return j
}

func (j *PrepareJob) work(ctx context.Context, h *participant.Handle, attempt int) (txn.Vote, bool) {
	switch v := h.Vote(); v {
	case txn.VotePrepared, txn.VoteNotChanged, txn.VoteAborted:
		return v, true
	case txn.VoteCommitted:
		return txn.VotePrepared, true
	}
	p, err := h.Participant(ctx)
	if err == nil {
		callCtx, cancel := j.callContext(ctx)
		var vote txn.Vote
		vote, err = p.Prepare(callCtx, j.id)
		cancel()
		if err == nil {
			switch vote {
			case txn.VotePrepared, txn.VoteNotChanged, txn.VoteAborted:
			default:
				j.logger.Warn("txn.prepare.invalid_vote", "participant", h.Ref().String(), "vote", vote.String())
				vote = txn.VoteAborted
			}
			if !j.record(ctx, h, vote) {
				return txn.VoteActive, false
			}
			return vote, true
		}
	}
	switch participant.Classify(err) {
	case participant.ClassRetry:
		if attempt < j.maxAttempts {
			j.logger.Debug("txn.prepare.retry", "participant", h.Ref().String(), "attempt", attempt, "error", err)
			return txn.VoteActive, false
		}
		j.logger.Warn("txn.prepare.attempts_exhausted", "participant", h.Ref().String(), "attempts", attempt, "error", err)
		return txn.VoteAborted, true
	case participant.ClassUnknownTransaction:
		if !j.record(ctx, h, txn.VoteAborted) {
			return txn.VoteActive, false
		}
		return txn.VoteAborted, true
	default:
		j.logger.Warn("txn.prepare.fault", "participant", h.Ref().String(), "error", err)
		return txn.VoteAborted, true
	}
}

// aggregatePrepare is ABORTED if any vote is ABORTED, else PREPARED if any
// vote is PREPARED, else NOTCHANGED.
func aggregatePrepare(votes []txn.Vote) txn.Vote {
	result := txn.VoteNotChanged
	for _, v := range votes {
		switch v {
		case txn.VoteAborted:
			return txn.VoteAborted
		case txn.VotePrepared:
			result = txn.VotePrepared
		}
	}
	return result
}
