package boltlog

import (
	"path/filepath"
	"testing"

	"pkt.systems/txnd/internal/txnlog"
	"pkt.systems/txnd/internal/txnlog/logtest"
)

func TestBoltContract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txn.db")
	logtest.Run(t, func(t *testing.T) txnlog.Log {
		l, err := Open(Config{Path: path})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return l
	})
}

func TestBoltSize(t *testing.T) {
	l, err := Open(Config{Path: filepath.Join(t.TempDir(), "txn.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()
	size, err := l.Size()
	if err != nil || size <= 0 {
		t.Fatalf("unexpected size %d err=%v", size, err)
	}
}
