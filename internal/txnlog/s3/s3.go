// Package s3 stores the transaction log in S3-compatible object storage.
// Each record is one object keyed by transaction id and sequence, so listing
// a prefix returns a transaction's records in write order.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/loggingutil"
	"pkt.systems/txnd/internal/txn"
	"pkt.systems/txnd/internal/txnlog"
)

const (
	contentTypeJSON = "application/json"
	recordsDir      = "txn"
	maxRecordBytes  = 1 << 20
)

// Config controls the S3 log backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
	Logger         pslog.Logger
}

// Log is an object-store backed txnlog.Log.
type Log struct {
	client *minio.Client
	cfg    Config
	logger pslog.Logger

	mu     sync.Mutex
	seqs   map[txn.ID]uint64
	closed bool
}

// New builds a Log using cfg. Credentials default to the AWS and MinIO
// environment variables, the shared credentials file and IAM, in that order.
func New(cfg Config) (*Log, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Log{
		client: client,
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(cfg.Logger, "txnlog.s3"),
		seqs:   make(map[txn.ID]uint64),
	}, nil
}

func (l *Log) txnPrefix(id txn.ID) string {
	return path.Join(l.cfg.Prefix, recordsDir, id.String()) + "/"
}

func (l *Log) rootPrefix() string {
	return path.Join(l.cfg.Prefix, recordsDir) + "/"
}

func (l *Log) nextSeq(id txn.ID) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, txnlog.ErrClosed
	}
	l.seqs[id]++
	return l.seqs[id], nil
}

// Write implements txnlog.Log.
func (l *Log) Write(ctx context.Context, rec txnlog.Record) error {
	data, err := rec.Marshal()
	if err != nil {
		return err
	}
	seq, err := l.nextSeq(rec.TxnID)
	if err != nil {
		return err
	}
	object := l.txnPrefix(rec.TxnID) + fmt.Sprintf("%020d.json", seq)
	start := time.Now()
	_, err = l.client.PutObject(ctx, l.cfg.Bucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentTypeJSON,
	})
	if err != nil {
		l.logger.Debug("txnlog.s3.put_error", "object", object, "error", err)
		return wrapError(err, "s3: put record")
	}
	l.logger.Trace("txnlog.s3.put", "object", object, "bytes", len(data), "elapsed", time.Since(start))
	return nil
}

// Invalidate implements txnlog.Log.
func (l *Log) Invalidate(ctx context.Context, id txn.ID) error {
	l.mu.Lock()
	closed := l.closed
	delete(l.seqs, id)
	l.mu.Unlock()
	if closed {
		return txnlog.ErrClosed
	}
	opts := minio.ListObjectsOptions{Prefix: l.txnPrefix(id), Recursive: true}
	for object := range l.client.ListObjects(ctx, l.cfg.Bucket, opts) {
		if object.Err != nil {
			return wrapError(object.Err, "s3: list records")
		}
		if err := l.client.RemoveObject(ctx, l.cfg.Bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			if isNotFound(err) {
				continue
			}
			return wrapError(err, "s3: remove record")
		}
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
	var keys []string
	opts := minio.ListObjectsOptions{Prefix: l.rootPrefix(), Recursive: true}
	for object := range l.client.ListObjects(ctx, l.cfg.Bucket, opts) {
		if object.Err != nil {
			return wrapError(object.Err, "s3: list records")
		}
		keys = append(keys, object.Key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		rec, seq, err := l.load(ctx, key)
		if err != nil {
			return err
		}
		l.mu.Lock()
		if seq > l.seqs[rec.TxnID] {
			l.seqs[rec.TxnID] = seq
		}
		l.mu.Unlock()
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) load(ctx context.Context, key string) (txnlog.Record, uint64, error) {
	seq, err := strconv.ParseUint(strings.TrimSuffix(path.Base(key), ".json"), 10, 64)
	if err != nil {
		return txnlog.Record{}, 0, fmt.Errorf("s3: unexpected record key %q", key)
	}
	obj, err := l.client.GetObject(ctx, l.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return txnlog.Record{}, 0, wrapError(err, "s3: get record")
	}
	defer obj.Close()
	data, err := io.ReadAll(io.LimitReader(obj, maxRecordBytes))
	if err != nil {
		return txnlog.Record{}, 0, wrapError(err, "s3: read record")
	}
	rec, err := txnlog.Unmarshal(data)
	if err != nil {
		return txnlog.Record{}, 0, fmt.Errorf("s3: %s: %w", key, err)
	}
	return rec, seq, nil
}

// BucketExists reports whether the configured bucket exists.
func (l *Log) BucketExists(ctx context.Context) (bool, error) {
	return l.client.BucketExists(ctx, l.cfg.Bucket)
}

// Close implements txnlog.Log.
func (l *Log) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isRetryable(err) {
		return txnlog.NewTransientError(wrapped)
	}
	return wrapped
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}
