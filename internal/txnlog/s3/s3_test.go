package s3

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"

	"pkt.systems/txnd/internal/txnlog"
	"pkt.systems/txnd/internal/txnlog/logtest"
)

func setupFakeS3(t *testing.T) Config {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)
	bucket := "txnd-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	return Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "/coord-a/",
		Insecure:       true,
		ForcePathStyle: true,
	}
}

func TestS3Contract(t *testing.T) {
	cfg := setupFakeS3(t)
	logtest.Run(t, func(t *testing.T) txnlog.Log {
		l, err := New(cfg)
		if err != nil {
			t.Fatalf("new log: %v", err)
		}
		return l
	})
}

func TestS3RecoverResumesSequence(t *testing.T) {
	cfg := setupFakeS3(t)
	ctx := context.Background()
	first, err := New(cfg)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	rec := txnlog.Record{Kind: txnlog.KindPrepare, TxnID: 5}
	if err := first.Write(ctx, rec); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = first.Close()

	second, err := New(cfg)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	if err := second.Recover(ctx, func(txnlog.Record) error { return nil }); err != nil {
		t.Fatalf("recover: %v", err)
	}
	rec.Kind = txnlog.KindCommit
	if err := second.Write(ctx, rec); err != nil {
		t.Fatalf("write: %v", err)
	}
	var kinds []txnlog.Kind
	if err := second.Recover(ctx, func(r txnlog.Record) error {
		kinds = append(kinds, r.Kind)
		return nil
	}); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != txnlog.KindPrepare || kinds[1] != txnlog.KindCommit {
		t.Fatalf("unexpected record order %v", kinds)
	}
	ok, err := second.BucketExists(ctx)
	if err != nil || !ok {
		t.Fatalf("bucket exists: ok=%v err=%v", ok, err)
	}
}

func TestWrapErrorMarksServerErrorsTransient(t *testing.T) {
	serverErr := minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable, Code: "SlowDown"}
	if !txnlog.IsTransient(wrapError(serverErr, "put")) {
		t.Fatal("503 should be transient")
	}
	denied := minio.ErrorResponse{StatusCode: http.StatusForbidden, Code: "AccessDenied"}
	if txnlog.IsTransient(wrapError(denied, "put")) {
		t.Fatal("403 should not be transient")
	}
	var resp minio.ErrorResponse
	if !errors.As(wrapError(denied, "put"), &resp) || resp.Code != "AccessDenied" {
		t.Fatal("wrapped error should unwrap to cause")
	}
}
