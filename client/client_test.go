package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/txnd/internal/core"
	"pkt.systems/txnd/internal/correlation"
	"pkt.systems/txnd/internal/httpapi"
	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/participant/participanttest"
	"pkt.systems/txnd/internal/taskpool"
	"pkt.systems/txnd/internal/txn"
	"pkt.systems/txnd/internal/txnlog/memory"
)

func startServer(t *testing.T) (*httptest.Server, *participant.Local) {
	t.Helper()
	pool := taskpool.New(taskpool.Config{Name: "client-test", Workers: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	local := participant.NewLocal()
	svc, err := core.New(core.Config{Log: memory.New(), Pool: pool, Resolver: local, CallTimeout: time.Second})
	if err != nil {
		t.Fatalf("core: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	mux := http.NewServeMux()
	httpapi.New(httpapi.Config{Manager: svc}).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, local
}

func TestClientCommit(t *testing.T) {
	srv, local := startServer(t)
	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	created, err := cli.Create(ctx, 20*time.Second)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || time.Until(created.LeaseExpires) <= 0 {
		t.Fatalf("bad create: %+v", created)
	}
	fakes := map[string]*participanttest.Fake{
		"a": participanttest.NewFake(txn.VotePrepared),
		"b": participanttest.NewFake(txn.VoteNotChanged),
	}
	for addr, fake := range fakes {
		local.Add(addr, fake)
		if err := cli.Join(ctx, created.ID, Participant{Kind: participant.KindLocal, Address: addr}, 0); err != nil {
			t.Fatalf("join %s: %v", addr, err)
		}
	}
	if state, err := cli.State(ctx, created.ID); err != nil || state != "ACTIVE" {
		t.Fatalf("state = %q, %v", state, err)
	}
	renewed, err := cli.Renew(ctx, created.ID, time.Minute)
	if err != nil || !renewed.LeaseExpires.After(created.LeaseExpires) {
		t.Fatalf("renew = %+v, %v", renewed, err)
	}
	state, err := cli.Commit(ctx, created.ID, WaitForever)
	if err != nil || state != "COMMITTED" {
		t.Fatalf("commit = %q, %v", state, err)
	}
	if fakes["a"].Calls("commit") != 1 || fakes["b"].Calls("commit") != 0 {
		t.Fatalf("commit calls a=%d b=%d", fakes["a"].Calls("commit"), fakes["b"].Calls("commit"))
	}
	if _, err := cli.Abort(ctx, created.ID, 0); Code(err) != CodeCannotAbort {
		t.Fatalf("abort after commit = %v", err)
	}
}

func TestClientErrors(t *testing.T) {
	srv, local := startServer(t)
	cli, _ := New(srv.URL)
	ctx := context.Background()

	if _, err := cli.State(ctx, "00000000000000aa"); !IsUnknown(err) {
		t.Fatalf("unknown state err = %v", err)
	}
	created, _ := cli.Create(ctx, 0)
	slow := participanttest.NewFake(txn.VotePrepared)
	slow.Delay = 200 * time.Millisecond
	local.Add("slow", slow)
	local.Add("fast", participanttest.NewFake(txn.VotePrepared))
	for _, addr := range []string{"slow", "fast"} {
		if err := cli.Join(ctx, created.ID, Participant{Kind: participant.KindLocal, Address: addr}, 0); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	if _, err := cli.Commit(ctx, created.ID, 5*time.Millisecond); !IsTimeout(err) {
		t.Fatalf("commit err = %v", err)
	}
	if err := cli.Join(ctx, created.ID, Participant{Kind: participant.KindLocal, Address: "late"}, 0); Code(err) != CodeCannotJoin {
		t.Fatalf("late join err = %v", err)
	}
}

func TestClientCancel(t *testing.T) {
	srv, local := startServer(t)
	cli, _ := New(srv.URL)
	ctx := context.Background()
	created, _ := cli.Create(ctx, 0)
	fake := participanttest.NewFake(txn.VotePrepared)
	local.Add("p", fake)
	_ = cli.Join(ctx, created.ID, Participant{Kind: participant.KindLocal, Address: "p"}, 0)
	if _, err := cli.Cancel(ctx, created.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		state, err := cli.State(ctx, created.ID)
		if err == nil && state == "ABORTED" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %q, %v", state, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestClientFailover(t *testing.T) {
	srv, _ := startServer(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	cli, err := NewWithEndpoints([]string{deadURL, srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := cli.Create(context.Background(), 0); err != nil {
		t.Fatalf("create via failover: %v", err)
	}
	if got := cli.start(); cli.endpoints[got] != srv.URL {
		t.Fatalf("sticky endpoint = %s", cli.endpoints[got])
	}
}

func TestClientSendsCorrelationID(t *testing.T) {
	seen := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get(correlation.Header)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()
	cli, _ := New(srv.URL)
	ctx := WithCorrelationID(context.Background(), "order-42")
	if _, err := cli.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	if got := <-seen; got != "order-42" {
		t.Fatalf("correlation header = %q", got)
	}
}

func TestParseEndpoints(t *testing.T) {
	got, err := ParseEndpoints(" localhost , https://txnd.example.com:8443/ ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []string{"http://localhost:9451", "https://txnd.example.com:8443"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("endpoints = %v", got)
	}
	for _, bad := range []string{"", "ftp://x", "http://"} {
		if _, err := ParseEndpoints(bad); err == nil {
			t.Fatalf("ParseEndpoints(%q) succeeded", bad)
		}
	}
}
