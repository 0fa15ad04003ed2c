package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/txn"
	"pkt.systems/txnd/internal/txnlog"
	"pkt.systems/txnd/internal/txnlog/logtest"
)

func TestDiskContract(t *testing.T) {
	dir := t.TempDir()
	logtest.Run(t, func(t *testing.T) txnlog.Log {
		l, err := Open(Config{Dir: dir})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return l
	})
}

func TestDiskRejectsSecondOpen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	if _, err := Open(Config{Dir: dir}); err == nil {
		t.Fatal("expected second open of the same directory to fail")
	}
}

func TestDiskIgnoresTornTail(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	h := participant.NewHandle(participant.Ref{Kind: "local", Address: "a"}, 0, nil)
	if err := l.Write(context.Background(), txnlog.PrepareRecord(7, []*participant.Handle{h})); err != nil {
		t.Fatalf("write: %v", err)
	}
	path := filepath.Join(dir, txn.ID(7).String()+fileSuffix)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	if _, err := f.WriteString(`{"kind":"comm`); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()
	var count int
	if err := l.Recover(context.Background(), func(txnlog.Record) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record, got %d", count)
	}
	_ = l.Close()
}
