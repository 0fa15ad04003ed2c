package clock_test

import (
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/txnd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestRealAfterFuncFires(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	clock.Real{}.AfterFunc(5*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AfterFunc did not fire")
	}
}

func TestManualAfterFuncFiresOnAdvance(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	fired := make(chan struct{}, 1)
	clk.AfterFunc(time.Minute, func() { fired <- struct{}{} })
	if clk.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", clk.Pending())
	}
	clk.Advance(30 * time.Second)
	select {
	case <-fired:
		t.Fatal("timer fired early")
	case <-time.After(20 * time.Millisecond):
	}
	clk.Advance(30 * time.Second)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after advance")
	}
}

func TestManualStopPreventsFire(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	var calls atomic.Int32
	timer := clk.AfterFunc(time.Second, func() { calls.Add(1) })
	if !timer.Stop() {
		t.Fatal("expected Stop to report true")
	}
	if timer.Stop() {
		t.Fatal("second Stop should report false")
	}
	clk.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("stopped timer fired %d times", calls.Load())
	}
}

func TestManualAfterDeliversOnAdvance(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(100, 0))
	ch := clk.After(time.Second)
	clk.Advance(time.Second)
	select {
	case at := <-ch:
		if !at.Equal(time.Unix(101, 0).UTC()) {
			t.Fatalf("unexpected fire time %v", at)
		}
	default:
		t.Fatal("After channel not delivered")
	}
}
