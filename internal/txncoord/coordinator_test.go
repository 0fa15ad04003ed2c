package txncoord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/participant"
	"pkt.systems/txnd/internal/participant/participanttest"
	"pkt.systems/txnd/internal/taskpool"
	"pkt.systems/txnd/internal/txn"
	"pkt.systems/txnd/internal/txnlog"
	"pkt.systems/txnd/internal/txnlog/memory"
)

type recordingSettler struct {
	mu  sync.Mutex
	ids []txn.ID
}

func (s *recordingSettler) Enqueue(id txn.ID) {
	s.mu.Lock()
	s.ids = append(s.ids, id)
	s.mu.Unlock()
}

func (s *recordingSettler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

type failingLog struct {
	*memory.Log
	fail bool
}

func (l *failingLog) Write(ctx context.Context, rec txnlog.Record) error {
	if l.fail {
		return errors.New("disk full")
	}
	return l.Log.Write(ctx, rec)
}

// blockingLog holds writes of one record kind until release is closed.
type blockingLog struct {
	*memory.Log
	kind    txnlog.Kind
	entered chan struct{}
	release chan struct{}
}

func newBlockingLog(inner *memory.Log, kind txnlog.Kind) *blockingLog {
	return &blockingLog{Log: inner, kind: kind, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (l *blockingLog) Write(ctx context.Context, rec txnlog.Record) error {
	if rec.Kind == l.kind {
		select {
		case l.entered <- struct{}{}:
		default:
		}
		<-l.release
	}
	return l.Log.Write(ctx, rec)
}

func (l *blockingLog) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-l.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s record never written", l.kind)
	}
}

type harness struct {
	local   *participant.Local
	log     *memory.Log
	settler *recordingSettler
	cfg     Config

	mu      sync.Mutex
	settled map[txn.ID]txn.State
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pool := taskpool.New(taskpool.Config{Name: "coord-test", Workers: 8, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	h := &harness{
		local:   participant.NewLocal(),
		log:     memory.New(),
		settler: &recordingSettler{},
		settled: make(map[txn.ID]txn.State),
	}
	h.cfg = Config{
		Log:             h.log,
		Pool:            pool,
		Settler:         h.settler,
		Resolver:        h.local,
		CallTimeout:     time.Second,
		PrepareAttempts: 3,
		AbortAttempts:   3,
		OnSettled: func(id txn.ID, s txn.State) {
			h.mu.Lock()
			h.settled[id] = s
			h.mu.Unlock()
		},
	}
	return h
}

func (h *harness) coordinator(t *testing.T) *Coordinator {
	t.Helper()
	id, err := txn.NewID()
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	c, err := New(id, time.Time{}, h.cfg)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func (h *harness) join(t *testing.T, c *Coordinator, fakes ...*participanttest.Fake) {
	t.Helper()
	for i, f := range fakes {
		ref := h.local.Add(fmt.Sprintf("%s-p%d", c.ID(), i), f)
		if err := c.Join(context.Background(), ref, 0); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}
}

func (h *harness) settledState(id txn.ID) (txn.State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.settled[id]
	return s, ok
}

func TestCommitAllPrepared(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t)
	fakes := []*participanttest.Fake{
		participanttest.NewFake(txn.VotePrepared),
		participanttest.NewFake(txn.VotePrepared),
		participanttest.NewFake(txn.VotePrepared),
	}
	h.join(t, c, fakes...)

	if err := c.Commit(context.Background(), WaitForever); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := c.State(); got != txn.Committed {
		t.Fatalf("state = %s, want COMMITTED", got)
	}
	for i, f := range fakes {
		if f.Calls("prepare") != 1 || f.Calls("commit") != 1 {
			t.Fatalf("participant %d: prepare=%d commit=%d", i, f.Calls("prepare"), f.Calls("commit"))
		}
	}
	if !c.Settled() {
		t.Fatalf("expected settled")
	}
	if s, ok := h.settledState(c.ID()); !ok || s != txn.Committed {
		t.Fatalf("settled callback = %s,%v", s, ok)
	}
	if h.log.Len() != 0 {
		t.Fatalf("log retains %d transactions after settle", h.log.Len())
	}
}

func TestCommitWithAbortingVoter(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t)
	fakes := []*participanttest.Fake{
		participanttest.NewFake(txn.VotePrepared),
		participanttest.NewFake(txn.VoteAborted),
		participanttest.NewFake(txn.VotePrepared),
	}
	h.join(t, c, fakes...)

	err := c.Commit(context.Background(), WaitForever)
	if !errors.Is(err, txn.ErrCannotCommit) {
		t.Fatalf("commit err = %v, want ErrCannotCommit", err)
	}
	if got := c.State(); got != txn.Aborted {
		t.Fatalf("state = %s, want ABORTED", got)
	}
	for i, f := range fakes {
		if f.Calls("commit") != 0 {
			t.Fatalf("participant %d was told to commit", i)
		}
	}
	if fakes[0].Calls("abort") != 1 || fakes[2].Calls("abort") != 1 {
		t.Fatalf("prepared participants not aborted: %d %d", fakes[0].Calls("abort"), fakes[2].Calls("abort"))
	}
	if fakes[1].Calls("abort") != 0 {
		t.Fatalf("aborting voter told to abort again")
	}
	if err := c.Commit(context.Background(), WaitForever); !errors.Is(err, txn.ErrCannotCommit) {
		t.Fatalf("second commit err = %v", err)
	}
}

func TestCommitSingleParticipantUsesOneRoundTrip(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t)
	f := participanttest.NewFake(txn.VotePrepared)
	h.join(t, c, f)

	if err := c.Commit(context.Background(), WaitForever); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if f.Calls("prepare_and_commit") != 1 || f.Calls("prepare") != 0 || f.Calls("commit") != 0 {
		t.Fatalf("calls: pac=%d prepare=%d commit=%d", f.Calls("prepare_and_commit"), f.Calls("prepare"), f.Calls("commit"))
	}
	if c.State() != txn.Committed || !c.Settled() {
		t.Fatalf("state = %s settled=%v", c.State(), c.Settled())
	}
}

func TestCommitSingleParticipantUnreachable(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t)
	f := participanttest.NewFake(txn.VotePrepared)
	f.TransportFailures = 3
	h.join(t, c, f)

	err := c.Commit(context.Background(), WaitForever)
	if !errors.Is(err, txn.ErrCannotCommit) || !errors.Is(err, participant.ErrTransport) {
		t.Fatalf("commit err = %v, want cannot commit wrapping transport", err)
	}
	if c.State() != txn.Aborted {
		t.Fatalf("state = %s", c.State())
	}
	if f.Calls("abort") != 1 {
		t.Fatalf("abort calls = %d", f.Calls("abort"))
	}
}

func TestCommitWithoutParticipants(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t)
	if err := c.Commit(context.Background(), 0); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if c.State() != txn.Committed || !c.Settled() {
		t.Fatalf("state = %s settled=%v", c.State(), c.Settled())
	}
	if err := c.Commit(context.Background(), 0); err != nil {
		t.Fatalf("repeat commit: %v", err)
	}
	if err := c.Abort(context.Background(), 0); !errors.Is(err, txn.ErrCannotAbort) {
		t.Fatalf("abort after commit err = %v", err)
	}
}

func TestCommitTimeoutHandsOffToSettler(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t)
	f := participanttest.NewFake(txn.VotePrepared)
	f.Delay = 300 * time.Millisecond
	h.join(t, c, f, participanttest.NewFake(txn.VotePrepared))

	err := c.Commit(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, txn.ErrTimeoutExpired) {
		t.Fatalf("commit err = %v, want ErrTimeoutExpired", err)
	}
	if h.settler.count() != 1 {
		t.Fatalf("settler enqueues = %d", h.settler.count())
	}
	if s := c.State(); s != txn.Voting {
		t.Fatalf("state after timeout = %s, want VOTING", s)
	}
	if err := c.Commit(context.Background(), WaitForever); err != nil {
		t.Fatalf("settling commit: %v", err)
	}
	if c.State() != txn.Committed || !c.Settled() {
		t.Fatalf("state = %s settled=%v", c.State(), c.Settled())
	}
	if f.Calls("prepare") != 1 {
		t.Fatalf("prepare re-sent: %d", f.Calls("prepare"))
	}
}

func TestConcurrentCommitsDecideOnce(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t)
	fakes := []*participanttest.Fake{participanttest.NewFake(txn.VotePrepared), participanttest.NewFake(txn.VotePrepared)}
	h.join(t, c, fakes...)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Commit(context.Background(), WaitForever)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	for i, f := range fakes {
		if f.Calls("prepare") != 1 || f.Calls("commit") != 1 {
			t.Fatalf("participant %d: prepare=%d commit=%d", i, f.Calls("prepare"), f.Calls("commit"))
		}
	}
}

func TestJoinRules(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t)
	ref := h.local.Add("dup", participanttest.NewFake(txn.VotePrepared))
	if err := c.Join(context.Background(), ref, 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := c.Join(context.Background(), ref, 1); err != nil {
		t.Fatalf("duplicate join: %v", err)
	}
	if err := c.Join(context.Background(), ref, 2); !errors.Is(err, txn.ErrCannotJoin) {
		t.Fatalf("rejoin with new crash count err = %v", err)
	}
	if n := len(c.Handles()); n != 1 {
		t.Fatalf("handles = %d", n)
	}
	if err := c.Join(context.Background(), participant.Ref{}, 0); !errors.Is(err, txn.ErrCannotJoin) {
		t.Fatalf("invalid ref err = %v", err)
	}
	if err := c.Abort(context.Background(), WaitForever); err != nil {
		t.Fatalf("abort: %v", err)
	}
	late := h.local.Add("late", participanttest.NewFake(txn.VotePrepared))
	if err := c.Join(context.Background(), late, 0); !errors.Is(err, txn.ErrCannotJoin) {
		t.Fatalf("join after abort err = %v", err)
	}
}

func TestJoinLogWriteFailure(t *testing.T) {
	h := newHarness(t)
	flog := &failingLog{Log: h.log, fail: true}
	h.cfg.Log = flog
	c := h.coordinator(t)
	ref := h.local.Add("p", participanttest.NewFake(txn.VotePrepared))
	if err := c.Join(context.Background(), ref, 0); !errors.Is(err, txn.ErrLogWrite) {
		t.Fatalf("join err = %v, want ErrLogWrite", err)
	}
	if len(c.Handles()) != 0 {
		t.Fatalf("participant appended despite log failure")
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t)
	f := participanttest.NewFake(txn.VotePrepared)
	h.join(t, c, f)
	for i := 0; i < 2; i++ {
		if err := c.Abort(context.Background(), WaitForever); err != nil {
			t.Fatalf("abort %d: %v", i, err)
		}
	}
	if c.State() != txn.Aborted || !c.Settled() {
		t.Fatalf("state = %s settled=%v", c.State(), c.Settled())
	}
	if f.Calls("abort") != 1 {
		t.Fatalf("abort calls = %d", f.Calls("abort"))
	}
	if err := c.Commit(context.Background(), 0); !errors.Is(err, txn.ErrCannotCommit) {
		t.Fatalf("commit after abort err = %v", err)
	}
}

func TestLeaseExpiry(t *testing.T) {
	h := newHarness(t)
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	h.cfg.Clock = clk
	id, _ := txn.NewID()
	c, err := New(id, clk.Now().Add(time.Minute), h.cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	f := participanttest.NewFake(txn.VotePrepared)
	h.join(t, c, f)

	clk.Advance(30 * time.Second)
	if c.Expire() {
		t.Fatalf("expired before deadline")
	}
	expires, err := c.Renew(time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if want := clk.Now().Add(time.Minute); !expires.Equal(want) {
		t.Fatalf("expires = %s, want %s", expires, want)
	}

	clk.Advance(61 * time.Second)
	late := h.local.Add("late", participanttest.NewFake(txn.VotePrepared))
	if err := c.Join(context.Background(), late, 0); !errors.Is(err, txn.ErrCannotJoin) {
		t.Fatalf("join after expiry err = %v", err)
	}
	if c.State() != txn.Aborted {
		t.Fatalf("state = %s, want ABORTED", c.State())
	}
	if _, err := c.Renew(time.Minute); !errors.Is(err, txn.ErrUnknownTransaction) {
		t.Fatalf("renew after expiry err = %v", err)
	}
	if c.Expire() {
		t.Fatalf("second expiry acted")
	}
}

func TestLeaseExpiryWhileVotingIsIgnored(t *testing.T) {
	h := newHarness(t)
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	h.cfg.Clock = clk
	var voting atomic.Int32
	h.cfg.OnVoting = func(txn.ID) { voting.Add(1) }
	id, _ := txn.NewID()
	c, err := New(id, clk.Now().Add(time.Minute), h.cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a := participanttest.NewFake(txn.VotePrepared)
	b := participanttest.NewFake(txn.VotePrepared)
	a.Delay = 100 * time.Millisecond
	b.Delay = 100 * time.Millisecond
	h.join(t, c, a, b)

	done := make(chan error, 1)
	go func() { done <- c.Commit(context.Background(), WaitForever) }()
	deadline := time.Now().Add(5 * time.Second)
	for c.State() != txn.Voting {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, never reached VOTING", c.State())
		}
		time.Sleep(time.Millisecond)
	}
	clk.Advance(2 * time.Minute)
	if c.Expire() {
		t.Fatalf("expiry acted on a voting transaction")
	}
	if err := <-done; err != nil {
		t.Fatalf("commit: %v", err)
	}
	if c.State() != txn.Committed {
		t.Fatalf("state = %s, want COMMITTED", c.State())
	}
	if a.Calls("abort") != 0 || b.Calls("abort") != 0 {
		t.Fatalf("abort calls = %d %d", a.Calls("abort"), b.Calls("abort"))
	}
	if got := voting.Load(); got != 1 {
		t.Fatalf("OnVoting ran %d times", got)
	}
}

func TestStateReadsDoNotWaitForLogWrites(t *testing.T) {
	reads := func(t *testing.T, c *Coordinator, want txn.State) {
		t.Helper()
		got := make(chan txn.State, 1)
		go func() {
			_ = c.Handles()
			_ = c.Settled()
			got <- c.State()
		}()
		select {
		case s := <-got:
			if s != want {
				t.Fatalf("state during write = %s, want %s", s, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("state read blocked behind a log write")
		}
	}

	t.Run("join", func(t *testing.T) {
		h := newHarness(t)
		blog := newBlockingLog(h.log, txnlog.KindParticipant)
		h.cfg.Log = blog
		c := h.coordinator(t)
		ref := h.local.Add("p", participanttest.NewFake(txn.VotePrepared))
		errc := make(chan error, 1)
		go func() { errc <- c.Join(context.Background(), ref, 0) }()
		blog.waitEntered(t)
		reads(t, c, txn.Active)
		if n := len(c.Handles()); n != 0 {
			t.Fatalf("handle visible before its record was written: %d", n)
		}
		close(blog.release)
		if err := <-errc; err != nil {
			t.Fatalf("join: %v", err)
		}
		if n := len(c.Handles()); n != 1 {
			t.Fatalf("handles = %d after join", n)
		}
	})

	t.Run("prepare", func(t *testing.T) {
		h := newHarness(t)
		blog := newBlockingLog(h.log, txnlog.KindPrepare)
		h.cfg.Log = blog
		c := h.coordinator(t)
		h.join(t, c, participanttest.NewFake(txn.VotePrepared), participanttest.NewFake(txn.VotePrepared))
		errc := make(chan error, 1)
		go func() { errc <- c.Commit(context.Background(), WaitForever) }()
		blog.waitEntered(t)
		reads(t, c, txn.Active)
		close(blog.release)
		if err := <-errc; err != nil {
			t.Fatalf("commit: %v", err)
		}
		if c.State() != txn.Committed {
			t.Fatalf("state = %s", c.State())
		}
	})

	t.Run("abort", func(t *testing.T) {
		h := newHarness(t)
		blog := newBlockingLog(h.log, txnlog.KindAbort)
		h.cfg.Log = blog
		c := h.coordinator(t)
		h.join(t, c, participanttest.NewFake(txn.VotePrepared))
		errc := make(chan error, 1)
		go func() { errc <- c.Abort(context.Background(), WaitForever) }()
		blog.waitEntered(t)
		reads(t, c, txn.Active)
		close(blog.release)
		if err := <-errc; err != nil {
			t.Fatalf("abort: %v", err)
		}
		if c.State() != txn.Aborted || !c.Settled() {
			t.Fatalf("state = %s settled=%v", c.State(), c.Settled())
		}
	})
}

func TestBudgetFollowsClock(t *testing.T) {
	h := newHarness(t)
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	h.cfg.Clock = clk
	c := h.coordinator(t)

	remaining := c.budget(time.Minute)
	if got := remaining(); got != time.Minute {
		t.Fatalf("remaining = %s, want 1m", got)
	}
	clk.Advance(40 * time.Second)
	if got := remaining(); got != 20*time.Second {
		t.Fatalf("remaining after 40s = %s, want 20s", got)
	}
	clk.Advance(30 * time.Second)
	if got := remaining(); got != 0 {
		t.Fatalf("remaining after deadline = %s, want 0", got)
	}
	if got := c.budget(WaitForever)(); got != WaitForever {
		t.Fatalf("forever budget = %s", got)
	}
}

func TestRecoverVotingTransactionCommits(t *testing.T) {
	h := newHarness(t)
	id, _ := txn.NewID()
	a := participanttest.NewFake(txn.VotePrepared)
	b := participanttest.NewFake(txn.VotePrepared)
	refA := h.local.Add("a", a)
	refB := h.local.Add("b", b)
	ha := participant.NewHandle(refA, 0, h.local)
	hb := participant.NewHandle(refB, 0, h.local)
	ctx := context.Background()
	recs := []txnlog.Record{
		txnlog.ParticipantRecord(id, ha, txn.VoteActive),
		txnlog.ParticipantRecord(id, hb, txn.VoteActive),
		txnlog.PrepareRecord(id, []*participant.Handle{ha, hb}),
		txnlog.ParticipantRecord(id, ha, txn.VotePrepared),
		txnlog.ParticipantRecord(id, hb, txn.VotePrepared),
	}
	for _, rec := range recs {
		if err := h.log.Write(ctx, rec); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	c, err := New(id, time.Time{}, h.cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = h.log.Recover(ctx, func(rec txnlog.Record) error { return rec.Apply(c) })
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if c.State() != txn.Voting || len(c.Handles()) != 2 {
		t.Fatalf("recovered state = %s handles=%d", c.State(), len(c.Handles()))
	}
	if err := c.Commit(ctx, WaitForever); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if a.Calls("prepare") != 0 || b.Calls("prepare") != 0 {
		t.Fatalf("recorded votes were re-requested")
	}
	if a.Calls("commit") != 1 || b.Calls("commit") != 1 {
		t.Fatalf("commit calls = %d %d", a.Calls("commit"), b.Calls("commit"))
	}
}

func TestRestoreStateRefusesTerminalFlip(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t)
	if err := c.RestoreState(txn.Committed); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := c.RestoreState(txn.Committed); err != nil {
		t.Fatalf("restore same: %v", err)
	}
	if err := c.RestoreState(txn.Aborted); !errors.Is(err, txn.ErrInternal) {
		t.Fatalf("flip err = %v", err)
	}
}
