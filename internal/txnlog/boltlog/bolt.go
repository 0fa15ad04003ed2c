// Package boltlog keeps the transaction log in a single bolt database file:
// one nested bucket per transaction, records keyed by a per-transaction
// sequence.
package boltlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/boltdb/bolt"

	"pkt.systems/txnd/internal/txn"
	"pkt.systems/txnd/internal/txnlog"
)

// DefaultOpenTimeout bounds how long Open waits for the file lock.
const DefaultOpenTimeout = time.Second

var rootBucket = []byte("txns")

// Config configures the bolt log.
type Config struct {
	Path        string
	OpenTimeout time.Duration
}

// Log is a bolt-backed txnlog.Log.
type Log struct {
	db *bolt.DB
}

// Open opens or creates the database at cfg.Path.
func Open(cfg Config) (*Log, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("boltlog: path required")
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("boltlog: create dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("boltlog: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("boltlog: init: %w", err)
	}
	return &Log{db: db}, nil
}

func idKey(id txn.ID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

// Write implements txnlog.Log.
func (l *Log) Write(ctx context.Context, rec txnlog.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := rec.Marshal()
	if err != nil {
		return err
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(rootBucket).CreateBucketIfNotExists(idKey(rec.TxnID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var k [8]byte
		binary.BigEndian.PutUint64(k[:], seq)
		return b.Put(k[:], data)
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return txnlog.ErrClosed
	}
	if err != nil {
		return fmt.Errorf("boltlog: write %s: %w", rec.TxnID, err)
	}
	return nil
}

// Invalidate implements txnlog.Log.
func (l *Log) Invalidate(ctx context.Context, id txn.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := l.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(rootBucket).DeleteBucket(idKey(id))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return txnlog.ErrClosed
	}
	if err != nil {
		return fmt.Errorf("boltlog: invalidate %s: %w", id, err)
	}
	return nil
}

// Recover implements txnlog.Log.
func (l *Log) Recover(ctx context.Context, fn func(txnlog.Record) error) error {
	var records []txnlog.Record
	err := l.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		return root.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			return root.Bucket(k).ForEach(func(_, data []byte) error {
				rec, err := txnlog.Unmarshal(data)
				if err != nil {
					return err
				}
				records = append(records, rec)
				return nil
			})
		})
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return txnlog.ErrClosed
	}
	if err != nil {
		return fmt.Errorf("boltlog: recover: %w", err)
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Size reports the database file size in bytes.
func (l *Log) Size() (int64, error) {
	var size int64
	err := l.db.View(func(tx *bolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return size, err
}

// Close implements txnlog.Log.
func (l *Log) Close() error {
	return l.db.Close()
}
