package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/txnd"
	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/txn"
	"pkt.systems/txnd/internal/txnlog"
)

func seedLog(t *testing.T, store string, records ...txnlog.Record) {
	t.Helper()
	log, err := txnd.OpenLog(txnd.Config{Store: store}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	for _, rec := range records {
		if err := log.Write(context.Background(), rec); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestLogDumpPrintsRecords(t *testing.T) {
	isolateEnv(t)
	store := "disk://" + t.TempDir()
	ref := participant.Ref{Kind: "http", Address: "http://10.0.0.7:8080", Key: "orders"}
	written := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedLog(t, store,
		txnlog.Record{Kind: txnlog.KindParticipant, TxnID: 0x42, Written: written,
			Participants: []txnlog.Entry{{Ref: ref, Vote: txn.VoteActive}}},
		txnlog.Record{Kind: txnlog.KindPrepare, TxnID: 0x42, Written: written,
			Participants: []txnlog.Entry{{Ref: ref, Vote: txn.VoteActive}}},
		txnlog.Record{Kind: txnlog.KindParticipant, TxnID: 0x43, Written: written,
			Participants: []txnlog.Entry{{Ref: ref, CrashCount: 2, Vote: txn.VoteActive}}},
	)

	out, _, err := executeRootCommand(t, "log", "dump", "--store", store)
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	for _, want := range []string{
		"0000000000000042",
		"prepare",
		"http:http://10.0.0.7:8080#orders/2=ACTIVE",
		"3 records, 2 transactions",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("dump output missing %q:\n%s", want, out)
		}
	}
	first := strings.Index(out, "participant")
	second := strings.Index(out, "prepare")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("records out of order:\n%s", out)
	}
}

func TestLogDumpJSON(t *testing.T) {
	isolateEnv(t)
	store := "bolt://" + t.TempDir() + "/txn.db"
	seedLog(t, store, txnlog.Record{Kind: txnlog.KindAbort, TxnID: 0x99, Written: time.Now()})

	out, _, err := executeRootCommand(t, "log", "dump", "--store", store, "--json")
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", out)
	}
	var rec txnlog.Record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Kind != txnlog.KindAbort || rec.TxnID != 0x99 {
		t.Fatalf("record = %+v", rec)
	}
}
