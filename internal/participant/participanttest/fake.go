// Package participanttest provides scriptable in-process participants.
package participanttest

import (
	"context"
	"sync"
	"time"

	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/txn"
)

// Fake is a participant whose behaviour is set through its exported fields
// before use. It is safe for concurrent calls.
type Fake struct {
	// Vote is returned from Prepare. Zero (VoteActive) is read as VotePrepared.
	Vote txn.Vote
	// Delay is applied to every call before it answers.
	Delay time.Duration
	// TransportFailures makes the first N calls fail with ErrTransport.
	TransportFailures int
	// Err, when set, is returned by every call after the transport failures.
	Err error

	mu     sync.Mutex
	calls  map[string]int
	failed int
}

// NewFake returns a Fake voting v.
func NewFake(v txn.Vote) *Fake {
	return &Fake{Vote: v}
}

// Calls reports how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *Fake) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[method]++
	delay := f.Delay
	fail := f.failed < f.TransportFailures
	if fail {
		f.failed++
	}
	err := f.Err
	f.mu.Unlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return participant.ErrTransport
	}
	return err
}

func (f *Fake) vote() txn.Vote {
	if f.Vote == txn.VoteActive {
		return txn.VotePrepared
	}
	return f.Vote
}

// Prepare implements participant.Participant.
func (f *Fake) Prepare(ctx context.Context, _ txn.ID) (txn.Vote, error) {
	if err := f.enter(ctx, "prepare"); err != nil {
		return txn.VoteActive, err
	}
	return f.vote(), nil
}

// Commit implements participant.Participant.
func (f *Fake) Commit(ctx context.Context, _ txn.ID) error {
	return f.enter(ctx, "commit")
}

// Abort implements participant.Participant.
func (f *Fake) Abort(ctx context.Context, _ txn.ID) error {
	return f.enter(ctx, "abort")
}

// PrepareAndCommit implements participant.Participant. A PREPARED vote is
// reported as COMMITTED.
func (f *Fake) PrepareAndCommit(ctx context.Context, _ txn.ID) (txn.Vote, error) {
	if err := f.enter(ctx, "prepare_and_commit"); err != nil {
		return txn.VoteActive, err
	}
	if v := f.vote(); v != txn.VotePrepared {
		return v, nil
	}
	return txn.VoteCommitted, nil
}

// Handle wraps f in a resolved handle named address.
func Handle(address string, f *Fake) *participant.Handle {
	return participant.NewResolvedHandle(participant.Ref{Kind: participant.KindLocal, Address: address}, 0, f)
}
