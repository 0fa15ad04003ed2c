package txnlog

import (
	"testing"

	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/txn"
)

type fakeTarget struct {
	handles []*participant.Handle
	state   txn.State
}

func (f *fakeTarget) RestoreParticipant(ref participant.Ref, crashCount int64) *participant.Handle {
	if h := participant.Find(f.handles, ref); h != nil {
		return h
	}
	h := participant.NewHandle(ref, crashCount, nil)
	f.handles = append(f.handles, h)
	return h
}

func (f *fakeTarget) RestoreState(s txn.State) error {
	f.state = s
	return nil
}

func newHandle(addr string) *participant.Handle {
	return participant.NewHandle(participant.Ref{Kind: participant.KindLocal, Address: addr}, 3, nil)
}

func TestReplayIsIdempotent(t *testing.T) {
	a, b := newHandle("a"), newHandle("b")
	records := []Record{
		ParticipantRecord(1, a, txn.VoteActive),
		ParticipantRecord(1, b, txn.VoteActive),
		PrepareRecord(1, []*participant.Handle{a, b}),
		ParticipantRecord(1, a, txn.VotePrepared),
		ParticipantRecord(1, b, txn.VoteNotChanged),
		CommitRecord(1, []*participant.Handle{a, b}),
	}
	target := &fakeTarget{}
	for pass := 0; pass < 2; pass++ {
		for _, r := range records {
			if err := r.Apply(target); err != nil {
				t.Fatalf("apply %s: %v", r.Kind, err)
			}
		}
	}
	if len(target.handles) != 2 {
		t.Fatalf("expected 2 handles after double replay, got %d", len(target.handles))
	}
	if target.state != txn.Committed {
		t.Fatalf("expected COMMITTED, got %s", target.state)
	}
	if target.handles[0].Vote() != txn.VotePrepared || target.handles[1].Vote() != txn.VoteNotChanged {
		t.Fatalf("votes not restored: %s %s", target.handles[0].Vote(), target.handles[1].Vote())
	}
	if target.handles[0].CrashCount() != 3 {
		t.Fatalf("crash count not restored: %d", target.handles[0].CrashCount())
	}
}

func TestAbortedVoteForcesAbortedState(t *testing.T) {
	target := &fakeTarget{}
	a := newHandle("a")
	if err := PrepareRecord(1, []*participant.Handle{a}).Apply(target); err != nil {
		t.Fatalf("apply prepare: %v", err)
	}
	if err := ParticipantRecord(1, a, txn.VoteAborted).Apply(target); err != nil {
		t.Fatalf("apply vote: %v", err)
	}
	if target.state != txn.Aborted {
		t.Fatalf("expected ABORTED, got %s", target.state)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	rec := AbortRecord(0xfeed, []*participant.Handle{newHandle("a")})
	data, err := rec.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != KindAbort || got.TxnID != 0xfeed || got.Participants[0].Ref.Address != "a" {
		t.Fatalf("unexpected record %+v", got)
	}
	if _, err := Unmarshal([]byte(`{"kind":"abort"}`)); err == nil {
		t.Fatal("expected missing txn id to be rejected")
	}
	if err := (Record{Kind: "bogus", TxnID: 1}).Apply(&fakeTarget{}); err == nil {
		t.Fatal("expected unknown kind to be rejected")
	}
}
