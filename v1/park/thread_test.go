package park

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func waitParked(t *testing.T, th *Thread) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !th.IsParked() {
		if time.Now().After(deadline) {
			t.Fatal("thread never parked")
		}
		time.Sleep(time.Millisecond)
	}
}

func parkAsync(fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	return done
}

func expectDone(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s did not return", what)
	}
}

func TestUnparkBeforeParkIsConsumed(t *testing.T) {
	th := NewThread("a")
	th.Unpark()
	th.Unpark()
	done := parkAsync(func() { th.Park(context.Background(), nil) })
	expectDone(t, done, "park with permit")

	// permits do not accumulate
	done = parkAsync(func() { th.Park(context.Background(), nil) })
	waitParked(t, th)
	th.Unpark()
	expectDone(t, done, "park after unpark")
}

func TestInterruptWakesAndSticks(t *testing.T) {
	th := NewThread("a")
	done := parkAsync(func() { th.Park(context.Background(), "blocker") })
	waitParked(t, th)
	th.Interrupt()
	expectDone(t, done, "interrupted park")
	if !th.IsInterrupted() {
		t.Fatal("interrupt flag must stay set")
	}
	// a set flag makes park return at once
	th.Park(context.Background(), nil)
	if !th.Interrupted() {
		t.Fatal("expected interrupted")
	}
	if th.Interrupted() {
		t.Fatal("Interrupted must clear the flag")
	}
}

func TestParkReturnsOnContextDone(t *testing.T) {
	th := NewThread("a")
	ctx, cancel := context.WithCancel(context.Background())
	done := parkAsync(func() { th.Park(ctx, nil) })
	waitParked(t, th)
	cancel()
	expectDone(t, done, "cancelled park")
	if th.IsInterrupted() {
		t.Fatal("cancellation must not set the interrupt flag")
	}
}

func TestParkForUsesClock(t *testing.T) {
	mock := clock.NewMock()
	th := NewThread("a", WithClock(mock))
	done := parkAsync(func() { th.ParkFor(context.Background(), nil, time.Minute) })
	waitParked(t, th)
	mock.Add(30 * time.Second)
	select {
	case <-done:
		t.Fatal("park returned before its deadline")
	case <-time.After(10 * time.Millisecond):
	}
	mock.Add(30 * time.Second)
	expectDone(t, done, "timed park")
}

func TestParkedSinceUsesThreadClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	th := NewThread("a", WithClock(mock))
	done := parkAsync(func() { th.Park(context.Background(), nil) })
	waitParked(t, th)
	var found bool
	for _, s := range Parked() {
		if s.ID == th.ID() {
			found = true
			if !s.Since.Equal(mock.Now()) {
				t.Fatalf("since %v, want %v", s.Since, mock.Now())
			}
		}
	}
	if !found {
		t.Fatal("parked thread missing from snapshot")
	}
	th.Unpark()
	expectDone(t, done, "park")
}

func TestParkUntilPastDeadline(t *testing.T) {
	mock := clock.NewMock()
	th := NewThread("a", WithClock(mock))
	th.ParkUntil(context.Background(), nil, mock.Now().Add(-time.Second))
	th.ParkFor(context.Background(), nil, 0)
	if th.IsParked() {
		t.Fatal("expired park must not block")
	}
}

type namedBlocker struct{}

func (namedBlocker) String() string { return "named-blocker" }

func TestParkedSnapshots(t *testing.T) {
	th := NewThread("")
	if !strings.HasPrefix(th.Name(), "thread-") {
		t.Fatalf("unexpected generated name %q", th.Name())
	}
	done := parkAsync(func() { th.Park(context.Background(), namedBlocker{}) })
	waitParked(t, th)
	if th.Blocker() == nil {
		t.Fatal("expected blocker to be recorded")
	}
	var found bool
	for _, s := range Parked() {
		if s.ID == th.ID() {
			found = true
			if s.Blocker != "named-blocker" || s.Name != th.Name() {
				t.Fatalf("unexpected snapshot %+v", s)
			}
		}
	}
	if !found {
		t.Fatal("parked thread missing from snapshot")
	}
	th.Unpark()
	expectDone(t, done, "park")
	if th.Blocker() != nil {
		t.Fatal("blocker must be cleared after park")
	}
	for _, s := range Parked() {
		if s.ID == th.ID() {
			t.Fatal("unparked thread still listed")
		}
	}
}

func TestDescribeFallsBackToType(t *testing.T) {
	if got := describe(42); got != "int" {
		t.Fatalf("expected int got %q", got)
	}
}

func TestUnparkNilThread(t *testing.T) {
	var th *Thread
	th.Unpark()
}
