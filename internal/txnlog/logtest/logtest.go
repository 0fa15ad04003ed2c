// Package logtest holds the behaviour every txnlog.Log backend must share.
package logtest

import (
	"context"
	"testing"

	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/txn"
	"pkt.systems/txnd/internal/txnlog"
)

// Opener returns a fresh Log. Calling it again after Close must reopen the
// same underlying storage.
type Opener func(t *testing.T) txnlog.Log

func handle(addr string) *participant.Handle {
	return participant.NewHandle(participant.Ref{Kind: participant.KindLocal, Address: addr}, 1, nil)
}

func collect(t *testing.T, l txnlog.Log) map[txn.ID][]txnlog.Record {
	t.Helper()
	out := make(map[txn.ID][]txnlog.Record)
	err := l.Recover(context.Background(), func(r txnlog.Record) error {
		out[r.TxnID] = append(out[r.TxnID], r)
		return nil
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	return out
}

// Run exercises open against the shared contract.
func Run(t *testing.T, open Opener) {
	t.Run("WriteRecoverOrder", func(t *testing.T) {
		l := open(t)
		ctx := context.Background()
		a, b := handle("a"), handle("b")
		recs := []txnlog.Record{
			txnlog.ParticipantRecord(10, a, txn.VoteActive),
			txnlog.ParticipantRecord(20, b, txn.VoteActive),
			txnlog.ParticipantRecord(10, b, txn.VoteActive),
			txnlog.PrepareRecord(10, []*participant.Handle{a, b}),
			txnlog.ParticipantRecord(10, a, txn.VotePrepared),
			txnlog.CommitRecord(10, []*participant.Handle{a, b}),
		}
		for _, r := range recs {
			if err := l.Write(ctx, r); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
		if err := l.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		l = open(t)
		defer l.Close()
		got := collect(t, l)
		want := []txnlog.Kind{txnlog.KindParticipant, txnlog.KindParticipant, txnlog.KindPrepare, txnlog.KindParticipant, txnlog.KindCommit}
		if len(got[10]) != len(want) {
			t.Fatalf("expected %d records for txn 10, got %d", len(want), len(got[10]))
		}
		for i, kind := range want {
			if got[10][i].Kind != kind {
				t.Fatalf("record %d: kind %s, want %s", i, got[10][i].Kind, kind)
			}
		}
		if v := got[10][3].Participants[0].Vote; v != txn.VotePrepared {
			t.Fatalf("vote not preserved: %s", v)
		}
		if ref := got[10][4].Participants[1].Ref; ref.Address != "b" {
			t.Fatalf("participant ref not preserved: %+v", ref)
		}
		if len(got[20]) != 1 {
			t.Fatalf("expected 1 record for txn 20, got %d", len(got[20]))
		}
	})

	t.Run("Invalidate", func(t *testing.T) {
		l := open(t)
		defer l.Close()
		ctx := context.Background()
		if err := l.Write(ctx, txnlog.AbortRecord(30, []*participant.Handle{handle("c")})); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := l.Write(ctx, txnlog.AbortRecord(31, []*participant.Handle{handle("d")})); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := l.Invalidate(ctx, 30); err != nil {
			t.Fatalf("invalidate: %v", err)
		}
		if err := l.Invalidate(ctx, 99); err != nil {
			t.Fatalf("invalidate of unknown txn should be a no-op: %v", err)
		}
		got := collect(t, l)
		if _, ok := got[30]; ok {
			t.Fatal("invalidated transaction still recovered")
		}
		if len(got[31]) != 1 {
			t.Fatalf("expected txn 31 to survive, got %d records", len(got[31]))
		}
	})
}
