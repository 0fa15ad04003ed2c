package lease

import (
	"sync"
	"testing"
	"time"

	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/txn"
)

func TestPolicyGrant(t *testing.T) {
	p := Policy{Default: 10 * time.Second, Max: time.Minute}
	if got := p.Grant(0); got != 10*time.Second {
		t.Fatalf("default grant = %v", got)
	}
	if got := p.Grant(time.Hour); got != time.Minute {
		t.Fatalf("capped grant = %v", got)
	}
	if got := p.Grant(30 * time.Second); got != 30*time.Second {
		t.Fatalf("requested grant = %v", got)
	}
}

type expiries struct {
	mu  sync.Mutex
	ids []txn.ID
	ch  chan txn.ID
}

func newExpiries() *expiries { return &expiries{ch: make(chan txn.ID, 8)} }

func (e *expiries) record(id txn.ID) {
	e.mu.Lock()
	e.ids = append(e.ids, id)
	e.mu.Unlock()
	e.ch <- id
}

func TestLandlordFiresOnExpiry(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	got := newExpiries()
	l := NewLandlord(Config{Clock: clk, OnExpire: got.record})
	defer l.Close()
	l.Schedule(1, clk.Now().Add(time.Minute))
	clk.Advance(time.Minute)
	select {
	case id := <-got.ch:
		if id != 1 {
			t.Fatalf("unexpected id %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("expiry callback not invoked")
	}
	if l.Len() != 0 {
		t.Fatalf("expected timer to be cleared, %d remain", l.Len())
	}
}

func TestLandlordRescheduleReplacesTimer(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	got := newExpiries()
	l := NewLandlord(Config{Clock: clk, OnExpire: got.record})
	defer l.Close()
	l.Schedule(1, clk.Now().Add(time.Minute))
	l.Schedule(1, clk.Now().Add(2*time.Minute))
	clk.Advance(time.Minute)
	select {
	case <-got.ch:
		t.Fatal("superseded timer fired")
	case <-time.After(20 * time.Millisecond):
	}
	clk.Advance(time.Minute)
	select {
	case <-got.ch:
	case <-time.After(time.Second):
		t.Fatal("rescheduled timer did not fire")
	}
}

func TestLandlordCancel(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	got := newExpiries()
	l := NewLandlord(Config{Clock: clk, OnExpire: got.record})
	l.Schedule(1, clk.Now().Add(time.Second))
	l.Cancel(1)
	clk.Advance(time.Hour)
	select {
	case <-got.ch:
		t.Fatal("canceled lease fired")
	case <-time.After(20 * time.Millisecond):
	}
	l.Close()
	l.Schedule(2, clk.Now().Add(time.Second))
	if l.Len() != 0 {
		t.Fatal("closed landlord accepted a schedule")
	}
}

func TestInfoRemaining(t *testing.T) {
	now := time.Unix(100, 0)
	info := Info{ID: 1, Expires: now.Add(5 * time.Second)}
	if info.Remaining(now) != 5*time.Second {
		t.Fatalf("remaining = %v", info.Remaining(now))
	}
	if info.Remaining(now.Add(time.Minute)) != 0 {
		t.Fatal("expired lease should report zero remaining")
	}
}
