package transport

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pkt.systems/txnd/internal/core"
	"pkt.systems/txnd/internal/txn"
)

func TestToHTTP(t *testing.T) {
	err := fmt.Errorf("commit: %w", core.Failure{Code: "cannot_commit", Detail: "voted abort", TxnID: 7, HTTPStatus: http.StatusConflict})
	herr, ok := ToHTTP(err)
	if !ok {
		t.Fatalf("expected failure")
	}
	if herr.Status != http.StatusConflict || herr.Code != "cannot_commit" || herr.TxnID != 7 {
		t.Fatalf("unexpected mapping: %+v", herr)
	}
	if _, ok := ToHTTP(errors.New("plain")); ok {
		t.Fatalf("plain error mapped")
	}
	herr, _ = ToHTTP(core.Failure{Code: "x"})
	if herr.Status != http.StatusBadRequest {
		t.Fatalf("default status = %d", herr.Status)
	}
}

func TestToGRPC(t *testing.T) {
	cases := []struct {
		failure core.Failure
		want    codes.Code
	}{
		{core.Failure{Code: "timeout_expired", HTTPStatus: http.StatusAccepted, Err: txn.ErrTimeoutExpired}, codes.DeadlineExceeded},
		{core.Failure{Code: "unknown_transaction", HTTPStatus: http.StatusNotFound}, codes.NotFound},
		{core.Failure{Code: "cannot_join", HTTPStatus: http.StatusConflict}, codes.FailedPrecondition},
		{core.Failure{Code: "cannot_commit", HTTPStatus: http.StatusConflict}, codes.Aborted},
		{core.Failure{Code: "participant_unreachable", HTTPStatus: http.StatusBadGateway}, codes.Unavailable},
		{core.Failure{Code: "internal_fault", HTTPStatus: http.StatusInternalServerError}, codes.Internal},
	}
	for _, tc := range cases {
		st, ok := status.FromError(ToGRPC(tc.failure))
		if !ok {
			t.Fatalf("%s: not a status error", tc.failure.Code)
		}
		if st.Code() != tc.want {
			t.Fatalf("%s: code = %s, want %s", tc.failure.Code, st.Code(), tc.want)
		}
	}
	plain := errors.New("plain")
	if got := ToGRPC(plain); got != plain {
		t.Fatalf("plain error rewritten: %v", got)
	}
}
