package job

import (
	"context"
	"sync"

	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/txn"
)

// PrepareAndCommitJob drives a lone participant through vote and commit in
// one round trip.
//
// Transport failures are retried up to MaxAttempts. When they are exhausted
// the outcome is ABORTED but indeterminate, and the last transport error is
// kept for TransportErr so the caller can report it.
type PrepareAndCommitJob struct {
	*base

	errMu        sync.Mutex
	transportErr error
}

// NewPrepareAndCommitJob builds the single-participant round.
func NewPrepareAndCommitJob(cfg Config, h *participant.Handle) *PrepareAndCommitJob {
	j := &PrepareAndCommitJob{base: newBase("prepare_and_commit", cfg, []*participant.Handle{h})}
	j.doWork = j.work
	j.aggregate = func(votes []txn.Vote) txn.Vote {
		if len(votes) == 0 {
			return txn.VoteNotChanged
		}
		return votes[0]
	}
	return j
}

// TransportErr returns the transport failure behind an ABORTED outcome that
// was reached by exhausting retries, or nil.
func (j *PrepareAndCommitJob) TransportErr() error {
	j.errMu.Lock()
	defer j.errMu.Unlock()
	return j.transportErr
}

func (j *PrepareAndCommitJob) work(ctx context.Context, h *participant.Handle, attempt int) (txn.Vote, bool) {
	switch v := h.Vote(); v {
	case txn.VoteCommitted, txn.VoteNotChanged, txn.VoteAborted:
		return v, true
	}
	p, err := h.Participant(ctx)
	if err == nil {
		callCtx, cancel := j.callContext(ctx)
		var vote txn.Vote
		vote, err = p.PrepareAndCommit(callCtx, j.id)
		cancel()
		if err == nil {
			switch vote {
			case txn.VoteCommitted, txn.VoteNotChanged, txn.VoteAborted:
			default:
				j.logger.Warn("txn.prepare_commit.invalid_vote", "participant", h.Ref().String(), "vote", vote.String())
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
			return txn.VoteActive, false
		}
		j.errMu.Lock()
		j.transportErr = err
		j.errMu.Unlock()
		j.logger.Warn("txn.prepare_commit.attempts_exhausted", "participant", h.Ref().String(), "attempts", attempt, "error", err)
		return txn.VoteAborted, true
	case participant.ClassUnknownTransaction:
		if !j.record(ctx, h, txn.VoteAborted) {
			return txn.VoteActive, false
		}
		return txn.VoteAborted, true
	default:
		j.logger.Warn("txn.prepare_commit.fault", "participant", h.Ref().String(), "error", err)
		return txn.VoteAborted, true
	}
}
