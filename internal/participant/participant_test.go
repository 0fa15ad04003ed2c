package participant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"

	"pkt.systems/txnd/internal/txn"
)

type stubParticipant struct{}

func (stubParticipant) Prepare(context.Context, txn.ID) (txn.Vote, error) {
	return txn.VotePrepared, nil
}
func (stubParticipant) Commit(context.Context, txn.ID) error { return nil }
func (stubParticipant) Abort(context.Context, txn.ID) error  { return nil }
func (stubParticipant) PrepareAndCommit(context.Context, txn.ID) (txn.Vote, error) {
	return txn.VoteCommitted, nil
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{nil, ClassOK},
		{fmt.Errorf("dial: %w", ErrTransport), ClassRetry},
		{&net.OpError{Op: "dial", Err: errors.New("refused")}, ClassRetry},
		{context.DeadlineExceeded, ClassRetry},
		{fmt.Errorf("wrapped: %w", ErrUnknownTransaction), ClassUnknownTransaction},
		{txn.ErrUnknownTransaction, ClassUnknownTransaction},
		{errors.New("boom"), ClassFault},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestRefEquality(t *testing.T) {
	a := Ref{Kind: "http", Address: "http://a:1", Key: "k"}
	if !a.Equal(Ref{Kind: "HTTP", Address: "http://a:1", Key: "k"}) {
		t.Fatal("kind comparison should be case-insensitive")
	}
	if a.Equal(Ref{Kind: "http", Address: "http://a:1"}) {
		t.Fatal("different key must not be equal")
	}
	if err := (Ref{Kind: "http"}).Validate(); err == nil {
		t.Fatal("expected missing address to fail validation")
	}
}

func TestHandleEqualityIgnoresVoteAndCrashCount(t *testing.T) {
	ref := Ref{Kind: KindLocal, Address: "p1"}
	a := NewHandle(ref, 1, nil)
	b := NewHandle(ref, 2, nil)
	b.SetVote(txn.VotePrepared)
	if !a.Equal(b) {
		t.Fatal("handles wrapping the same ref must be equal")
	}
	if Find([]*Handle{a}, ref) != a {
		t.Fatal("Find did not locate handle")
	}
}

func TestHandleLazyResolutionRetriesUntilResolved(t *testing.T) {
	var calls atomic.Int32
	resolver := ResolverFunc(func(ctx context.Context, ref Ref) (Participant, error) {
		if calls.Add(1) < 3 {
			return nil, ErrTransport
		}
		return stubParticipant{}, nil
	})
	h := NewHandle(Ref{Kind: "x", Address: "y"}, 0, resolver)
	for i := 0; i < 2; i++ {
		if _, err := h.Participant(context.Background()); !errors.Is(err, ErrTransport) {
			t.Fatalf("attempt %d: expected transport error, got %v", i, err)
		}
		if h.Resolved() {
			t.Fatal("handle must stay unresolved after a failure")
		}
	}
	if _, err := h.Participant(context.Background()); err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if _, err := h.Participant(context.Background()); err != nil {
		t.Fatalf("cached attempt: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected resolution to be cached after success, got %d calls", calls.Load())
	}
}

func TestRegistryDispatchesByKind(t *testing.T) {
	local := NewLocal()
	ref := local.Add("p1", stubParticipant{})
	reg := NewRegistry()
	reg.Register(KindLocal, local)
	if !reg.Supports("LOCAL") {
		t.Fatal("expected kind lookup to be case-insensitive")
	}
	if _, err := reg.Resolve(context.Background(), ref); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := reg.Resolve(context.Background(), Ref{Kind: "nope", Address: "x"}); err == nil {
		t.Fatal("expected unknown kind to fail")
	}
	local.Remove("p1")
	if _, err := reg.Resolve(context.Background(), ref); Classify(err) != ClassRetry {
		t.Fatalf("missing local participant should classify as retry, got %v", err)
	}
}
