// Package memory provides an in-process txnlog.Log. Records survive as long
// as the Log value does, which is enough to exercise recovery in tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"pkt.systems/txnd/internal/txn"
	"pkt.systems/txnd/internal/txnlog"
)

type entry struct {
	seq uint64
	rec txnlog.Record
}

// Log is a mutex-guarded in-memory log.
type Log struct {
	mu     sync.Mutex
	seq    uint64
	txns   map[txn.ID][]entry
	closed bool
}

// New returns an empty Log.
func New() *Log {
	return &Log{txns: make(map[txn.ID][]entry)}
}

// Write implements txnlog.Log.
func (l *Log) Write(_ context.Context, rec txnlog.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return txnlog.ErrClosed
	}
	l.seq++
	l.txns[rec.TxnID] = append(l.txns[rec.TxnID], entry{seq: l.seq, rec: rec})
	return nil
}

// Invalidate implements txnlog.Log.
func (l *Log) Invalidate(_ context.Context, id txn.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return txnlog.ErrClosed
	}
	delete(l.txns, id)
	return nil
}

// Recover implements txnlog.Log. Records are delivered in write order.
func (l *Log) Recover(ctx context.Context, fn func(txnlog.Record) error) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return txnlog.ErrClosed
	}
	var all []entry
	for _, list := range l.txns {
		all = append(all, list...)
	}
	l.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	for _, e := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.rec); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of transactions with retained records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.txns)
}

// Reopen clears the closed flag so a test can simulate a restart against the
// same records.
func (l *Log) Reopen() {
	l.mu.Lock()
	l.closed = false
	l.mu.Unlock()
}

// Close implements txnlog.Log.
func (l *Log) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}
