// Package disk stores the transaction log as one newline-delimited JSON file
// per transaction under a directory. Every write is fsynced before it is
// acknowledged.
package disk

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/loggingutil"
	"pkt.systems/txnd/internal/txn"
	"pkt.systems/txnd/internal/txnlog"
)

const (
	fileSuffix   = ".log"
	lockFileName = ".lock"
)

// openDirs guards against two Logs on one directory inside a single
// process, which fcntl locks do not detect.
var openDirs sync.Map

// Config configures the disk log.
type Config struct {
	Dir    string
	Logger pslog.Logger
}

// Log is a directory-backed txnlog.Log. Only one process may hold a
// directory open at a time.
type Log struct {
	dir    string
	logger pslog.Logger
	lock   *os.File

	mu     sync.Mutex
	closed bool
}

// Open creates dir if needed and takes the directory lock.
func Open(cfg Config) (*Log, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, fmt.Errorf("disk: directory required")
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create %s: %w", dir, err)
	}
	if _, loaded := openDirs.LoadOrStore(dir, struct{}{}); loaded {
		return nil, fmt.Errorf("disk: %s is already open", dir)
	}
	lock, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		openDirs.Delete(dir)
		return nil, fmt.Errorf("disk: open lock file: %w", err)
	}
	if err := lockFile(lock); err != nil {
		lock.Close()
		openDirs.Delete(dir)
		return nil, fmt.Errorf("disk: %s is in use by another coordinator: %w", dir, err)
	}
	return &Log{
		dir:    dir,
		logger: loggingutil.WithSubsystem(cfg.Logger, "txnlog.disk"),
		lock:   lock,
	}, nil
}

func (l *Log) path(id txn.ID) string {
	return filepath.Join(l.dir, id.String()+fileSuffix)
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
	data = append(data, '\n')
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return txnlog.ErrClosed
	}
	path := l.path(rec.TxnID)
	_, statErr := os.Stat(path)
	created := errors.Is(statErr, os.ErrNotExist)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return txnlog.NewTransientError(fmt.Errorf("disk: open %s: %w", path, err))
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return txnlog.NewTransientError(fmt.Errorf("disk: append %s: %w", path, err))
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("disk: sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("disk: close %s: %w", path, err)
	}
	if created {
		return syncDir(l.dir)
	}
	return nil
}

// Invalidate implements txnlog.Log.
func (l *Log) Invalidate(ctx context.Context, id txn.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return txnlog.ErrClosed
	}
	if err := os.Remove(l.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove %s: %w", id, err)
	}
	return nil
}

// Recover implements txnlog.Log.
func (l *Log) Recover(ctx context.Context, fn func(txnlog.Record) error) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return txnlog.ErrClosed
	}
	dirEntries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("disk: read %s: %w", l.dir, err)
	}
	var names []string
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), fileSuffix) {
			continue
		}
		names = append(names, de.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.replayFile(filepath.Join(l.dir, name), fn); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) replayFile(path string, fn func(txnlog.Record) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("disk: read %s: %w", path, err)
	}
	reader := bufio.NewReader(bytes.NewReader(data))
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(line)) > 0 {
				l.logger.Warn("txnlog.disk.torn_tail", "path", path, "bytes", len(line))
				if err := os.Truncate(path, int64(len(data)-len(line))); err != nil {
					return fmt.Errorf("disk: truncate torn tail of %s: %w", path, err)
				}
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("disk: read %s: %w", path, err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		rec, err := txnlog.Unmarshal(line)
		if err != nil {
			return fmt.Errorf("disk: %s: %w", path, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Close releases the directory lock.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	defer openDirs.Delete(l.dir)
	err := unlockFile(l.lock)
	return errors.Join(err, l.lock.Close())
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("disk: open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("disk: sync dir: %w", err)
	}
	return nil
}
