package synchronizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
	"github.com/mirkobrombin/go-qsync/v1/park"
)

func waitersOf(t *testing.T, s *Synchronizer[int32], c *Condition[int32], want int) {
	t.Helper()
	ctx, _ := bind("probe")
	waitFor(t, "condition waiters", func() bool {
		if err := s.Acquire(ctx, 1); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		n, err := s.WaitQueueLength(ctx, c)
		_, _ = s.Release(ctx, 1)
		return err == nil && n == want
	})
}

func TestConditionRequiresHold(t *testing.T) {
	s := newMutex()
	c := s.NewCondition()
	ctx, _ := bind("main")
	if err := c.Signal(ctx); !errors.Is(err, qerrors.ErrIllegalMonitorState) {
		t.Fatalf("signal: expected illegal monitor state, got %v", err)
	}
	if err := c.SignalAll(ctx); !errors.Is(err, qerrors.ErrIllegalMonitorState) {
		t.Fatalf("signal all: expected illegal monitor state, got %v", err)
	}
	if err := c.Await(ctx); !errors.Is(err, qerrors.ErrIllegalMonitorState) {
		t.Fatalf("await: expected illegal monitor state, got %v", err)
	}
	if _, err := s.HasWaiters(ctx, c); !errors.Is(err, qerrors.ErrIllegalMonitorState) {
		t.Fatalf("has waiters: expected illegal monitor state, got %v", err)
	}
	other := newMutex()
	if other.Owns(c) {
		t.Fatal("condition is owned by its own synchronizer only")
	}
	if _, err := other.HasWaiters(ctx, c); !errors.Is(err, qerrors.ErrIllegalState) {
		t.Fatalf("foreign condition: expected illegal state, got %v", err)
	}
}

func TestConditionAwaitSignal(t *testing.T) {
	s := newMutex()
	c := s.NewCondition()

	wctx, wt := bind("waiter")
	ready := false
	done := make(chan error, 1)
	go func() {
		_ = s.Acquire(wctx, 1)
		for !ready {
			if err := c.Await(wctx); err != nil {
				done <- err
				return
			}
		}
		if !s.hooks.IsHeldExclusively(s, wt) {
			done <- errors.New("await returned without holding the synchronizer")
			return
		}
		_, err := s.Release(wctx, 1)
		done <- err
	}()
	waitersOf(t, s, c, 1)

	ctx, _ := bind("main")
	_ = s.Acquire(ctx, 1)
	if ok, _ := s.HasWaiters(ctx, c); !ok {
		t.Fatal("expected a waiter")
	}
	threads, _ := s.WaitingThreads(ctx, c)
	if len(threads) != 1 || threads[0] != wt {
		t.Fatalf("unexpected waiting threads %v", threads)
	}
	ready = true
	if err := c.Signal(ctx); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if ok, _ := s.HasWaiters(ctx, c); ok {
		t.Fatal("signalled waiter must leave the condition")
	}
	if !s.IsQueued(wt) {
		t.Fatal("signalled waiter must be queued on the synchronizer")
	}
	_, _ = s.Release(ctx, 1)
	if err := waitErr(t, done); err != nil {
		t.Fatalf("waiter: %v", err)
	}
}

func TestConditionSignalAll(t *testing.T) {
	s := newMutex()
	c := s.NewCondition()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wctx, _ := bind("waiter")
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Acquire(wctx, 1)
			_ = c.AwaitUninterruptibly(wctx)
			_, _ = s.Release(wctx, 1)
		}()
	}
	waitersOf(t, s, c, 4)

	ctx, _ := bind("main")
	_ = s.Acquire(ctx, 1)
	if err := c.SignalAll(ctx); err != nil {
		t.Fatalf("signal all: %v", err)
	}
	if n, _ := s.WaitQueueLength(ctx, c); n != 0 {
		t.Fatalf("expected empty condition, got %d", n)
	}
	_, _ = s.Release(ctx, 1)
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not every waiter returned")
	}
}

func TestConditionAwaitTimeout(t *testing.T) {
	s := newMutex()
	c := s.NewCondition()
	ctx, mt := bind("main")
	_ = s.Acquire(ctx, 1)
	ok, err := c.AwaitTimeout(ctx, 15*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("expected timeout, ok %v err %v", ok, err)
	}
	if !s.hooks.IsHeldExclusively(s, mt) {
		t.Fatal("timed out await must reacquire")
	}
	left, err := c.AwaitFor(ctx, 5*time.Millisecond)
	if err != nil || left > 0 {
		t.Fatalf("expected elapsed wait, left %v err %v", left, err)
	}
	if ok, _ := s.HasWaiters(ctx, c); ok {
		t.Fatal("timed out waiters must be unlinked")
	}
	_, _ = s.Release(ctx, 1)
}

func TestConditionAwaitInterrupted(t *testing.T) {
	s := newMutex()
	c := s.NewCondition()
	wctx, wt := bind("waiter")
	cctx, cancel := context.WithCancel(wctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_ = s.Acquire(cctx, 1)
		err := c.Await(cctx)
		if !s.hooks.IsHeldExclusively(s, wt) {
			err = errors.New("interrupted await must reacquire")
		}
		_, _ = s.Release(cctx, 1)
		done <- err
	}()
	waitersOf(t, s, c, 1)
	cancel()
	err := waitErr(t, done)
	if !errors.Is(err, qerrors.ErrInterrupted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interruption by cancellation, got %v", err)
	}
	ctx, _ := bind("main")
	_ = s.Acquire(ctx, 1)
	if ok, _ := s.HasWaiters(ctx, c); ok {
		t.Fatal("interrupted waiter must be unlinked")
	}
	_, _ = s.Release(ctx, 1)
}

// An interrupt racing a signal either consumes the signal, re-asserting the
// interrupt, or cancels the wait and passes the signal to the next waiter.
func TestConditionSignalInterruptRace(t *testing.T) {
	for i := 0; i < 100; i++ {
		s := newMutex()
		c := s.NewCondition()
		start := func(name string) (*park.Thread, chan error) {
			wctx, wt := bind(name)
			done := make(chan error, 1)
			go func() {
				_ = s.Acquire(wctx, 1)
				err := c.Await(wctx)
				_, _ = s.Release(wctx, 1)
				done <- err
			}()
			return wt, done
		}
		at, adone := start("a")
		waitersOf(t, s, c, 1)
		_, bdone := start("b")
		waitersOf(t, s, c, 2)

		ctx, _ := bind("main")
		_ = s.Acquire(ctx, 1)
		at.Interrupt()
		_ = c.Signal(ctx)
		_, _ = s.Release(ctx, 1)

		aerr := waitErr(t, adone)
		switch {
		case aerr == nil:
			if !at.IsInterrupted() {
				t.Fatal("signalled waiter must re-assert the interrupt")
			}
			select {
			case <-bdone:
				t.Fatal("one signal woke two waiters")
			case <-time.After(5 * time.Millisecond):
			}
			_ = s.Acquire(ctx, 1)
			_ = c.SignalAll(ctx)
			_, _ = s.Release(ctx, 1)
			if err := waitErr(t, bdone); err != nil {
				t.Fatalf("b: %v", err)
			}
		case errors.Is(aerr, qerrors.ErrInterrupted):
			if err := waitErr(t, bdone); err != nil {
				t.Fatalf("signal lost after interrupt: %v", err)
			}
		default:
			t.Fatalf("a: unexpected error %v", aerr)
		}
	}
}
