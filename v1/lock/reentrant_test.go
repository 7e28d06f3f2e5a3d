package lock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
)

func TestReentrantLockHoldCount(t *testing.T) {
	l := NewReentrantLock()
	ctx, th := bind("owner")
	for i := 1; i <= 3; i++ {
		if err := l.Lock(ctx); err != nil {
			t.Fatalf("lock: %v", err)
		}
		if got := l.HoldCount(ctx); got != i {
			t.Fatalf("expected hold count %d got %d", i, got)
		}
	}
	if l.Owner() != th || !l.IsHeldByCurrentThread(ctx) {
		t.Fatal("expected owner to be bound thread")
	}
	if !strings.Contains(l.String(), "Locked by owner") {
		t.Fatalf("unexpected string %q", l.String())
	}
	for i := 0; i < 3; i++ {
		if err := l.Unlock(ctx); err != nil {
			t.Fatalf("unlock: %v", err)
		}
	}
	if l.IsLocked() || l.Owner() != nil {
		t.Fatal("expected lock free")
	}
}

func TestReentrantLockNonOwnerUnlock(t *testing.T) {
	l := NewReentrantLock()
	owner, _ := bind("owner")
	other, _ := bind("other")
	_ = l.Lock(owner)
	if err := l.Unlock(other); !errors.Is(err, qerrors.ErrIllegalMonitorState) {
		t.Fatalf("expected illegal monitor state, got %v", err)
	}
	if l.TryLock(other) {
		t.Fatal("other thread acquired a held lock")
	}
	if !l.TryLock(owner) || l.HoldCount(owner) != 2 {
		t.Fatal("owner should reacquire")
	}
	// an unbound context is a new thread each time
	if err := l.Unlock(context.Background()); !errors.Is(err, qerrors.ErrIllegalMonitorState) {
		t.Fatalf("expected illegal monitor state, got %v", err)
	}
}

func TestReentrantLockFairOrder(t *testing.T) {
	l := NewReentrantLock(WithFair(true))
	if !l.IsFair() {
		t.Fatal("expected fair lock")
	}
	ctx, _ := bind("main")
	_ = l.Lock(ctx)

	order := make(chan int, 4)
	for i := 0; i < 4; i++ {
		wctx, th := bind("waiter")
		go func(i int) {
			_ = l.Lock(wctx)
			order <- i
			_ = l.Unlock(wctx)
		}(i)
		waitFor(t, "waiter queued", func() bool { return l.HasQueuedThread(th) })
	}
	if l.QueueLength() != 4 {
		t.Fatalf("expected 4 queued got %d", l.QueueLength())
	}
	bctx, _ := bind("barger")
	if ok, _ := l.TryLockFor(bctx, time.Millisecond); ok {
		t.Fatal("acquired a held lock")
	}
	_ = l.Unlock(ctx)
	for i := 0; i < 4; i++ {
		select {
		case got := <-order:
			if got != i {
				t.Fatalf("expected waiter %d got %d", i, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for waiter")
		}
	}
}

func TestReentrantLockConditionKeepsHoldCount(t *testing.T) {
	l := NewReentrantLock()
	cond := l.NewCondition()
	wctx, _ := bind("waiter")
	done := make(chan error, 1)
	go func() {
		_ = l.Lock(wctx)
		_ = l.Lock(wctx)
		if err := cond.Await(wctx); err != nil {
			done <- err
			return
		}
		if n := l.HoldCount(wctx); n != 2 {
			done <- errors.New("hold count not restored")
			return
		}
		_ = l.Unlock(wctx)
		done <- l.Unlock(wctx)
	}()

	ctx, _ := bind("signaller")
	waitFor(t, "waiter on condition", func() bool {
		_ = l.Lock(ctx)
		defer l.Unlock(ctx)
		ok, _ := l.HasWaiters(ctx, cond)
		return ok
	})
	_ = l.Lock(ctx)
	if n, err := l.WaitQueueLength(ctx, cond); err != nil || n != 1 {
		t.Fatalf("expected 1 waiter, n %d err %v", n, err)
	}
	_ = cond.Signal(ctx)
	_ = l.Unlock(ctx)
	if err := expectErr(t, done); err != nil {
		t.Fatalf("waiter: %v", err)
	}
	if _, err := l.HasWaiters(ctx, cond); !errors.Is(err, qerrors.ErrIllegalMonitorState) {
		t.Fatalf("expected illegal monitor state, got %v", err)
	}
}

func TestReentrantLockInterruptibleCancel(t *testing.T) {
	l := NewReentrantLock()
	owner, _ := bind("owner")
	_ = l.Lock(owner)

	wctx, th := bind("waiter")
	cctx, cancel := context.WithCancel(wctx)
	errCh := make(chan error, 1)
	go func() { errCh <- l.LockInterruptibly(cctx) }()
	waitFor(t, "waiter parked", th.IsParked)
	cancel()
	err := expectErr(t, errCh)
	if !errors.Is(err, qerrors.ErrInterrupted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interrupted by cancel, got %v", err)
	}
	if l.HasQueuedThreads() {
		t.Fatal("cancelled waiter still queued")
	}
}

func TestReentrantLockLocker(t *testing.T) {
	l := NewReentrantLock()
	lk := l.Locker(context.Background())
	lk.Lock()
	lk.Lock()
	lk.Unlock()
	lk.Unlock()
	if l.IsLocked() {
		t.Fatal("expected unlocked")
	}
}
