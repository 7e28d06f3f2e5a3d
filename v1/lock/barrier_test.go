package lock

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
)

func TestCyclicBarrierTrips(t *testing.T) {
	var actions atomic.Int32
	b := NewCyclicBarrier(3, func(context.Context) error {
		actions.Add(1)
		return nil
	})
	for round := 0; round < 2; round++ {
		idx := make([]int, 3)
		var g errgroup.Group
		for i := 0; i < 3; i++ {
			g.Go(func() error {
				ctx, _ := bind("party")
				n, err := b.Await(ctx)
				idx[i] = n
				return err
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		sort.Ints(idx)
		if idx[0] != 0 || idx[1] != 1 || idx[2] != 2 {
			t.Fatalf("unexpected arrival indexes %v", idx)
		}
	}
	if actions.Load() != 2 {
		t.Fatalf("expected 2 actions got %d", actions.Load())
	}
	if b.IsBroken(context.Background()) || b.NumberWaiting(context.Background()) != 0 {
		t.Fatal("barrier should be reusable")
	}
}

func TestCyclicBarrierTimeoutBreaks(t *testing.T) {
	b := NewCyclicBarrier(3, nil)
	ctx, _ := bind("waiter")
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Await(ctx)
		errCh <- err
	}()
	waitFor(t, "first party waiting", func() bool { return b.NumberWaiting(context.Background()) == 1 })

	tctx, _ := bind("timed")
	if _, err := b.AwaitFor(tctx, 10*time.Millisecond); !errors.Is(err, qerrors.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if err := expectErr(t, errCh); !errors.Is(err, qerrors.ErrBrokenBarrier) {
		t.Fatalf("expected broken barrier, got %v", err)
	}
	if !b.IsBroken(context.Background()) {
		t.Fatal("expected broken")
	}
	if _, err := b.Await(ctx); !errors.Is(err, qerrors.ErrBrokenBarrier) {
		t.Fatalf("expected broken barrier, got %v", err)
	}
	b.Reset(context.Background())
	if b.IsBroken(context.Background()) {
		t.Fatal("reset should repair the barrier")
	}
}

func TestCyclicBarrierInterruptBreaks(t *testing.T) {
	b := NewCyclicBarrier(2, nil)
	ctx, th := bind("waiter")
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Await(ctx)
		errCh <- err
	}()
	waitFor(t, "party parked", th.IsParked)
	th.Interrupt()
	if err := expectErr(t, errCh); !errors.Is(err, qerrors.ErrInterrupted) {
		t.Fatalf("expected interrupted, got %v", err)
	}
	if !b.IsBroken(context.Background()) {
		t.Fatal("expected broken")
	}
}

func TestCyclicBarrierActionFailure(t *testing.T) {
	boom := errors.New("boom")
	b := NewCyclicBarrier(2, func(context.Context) error { return boom })
	ctx, _ := bind("waiter")
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Await(ctx)
		errCh <- err
	}()
	waitFor(t, "party waiting", func() bool { return b.NumberWaiting(context.Background()) == 1 })
	lctx, _ := bind("last")
	if _, err := b.Await(lctx); !errors.Is(err, boom) {
		t.Fatalf("expected action error, got %v", err)
	}
	if err := expectErr(t, errCh); !errors.Is(err, qerrors.ErrBrokenBarrier) {
		t.Fatalf("expected broken barrier, got %v", err)
	}
}

func TestCyclicBarrierReset(t *testing.T) {
	b := NewCyclicBarrier(2, nil)
	ctx, _ := bind("waiter")
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Await(ctx)
		errCh <- err
	}()
	waitFor(t, "party waiting", func() bool { return b.NumberWaiting(context.Background()) == 1 })
	b.Reset(context.Background())
	if err := expectErr(t, errCh); !errors.Is(err, qerrors.ErrBrokenBarrier) {
		t.Fatalf("expected broken barrier, got %v", err)
	}
	if b.IsBroken(context.Background()) || b.Parties() != 2 {
		t.Fatal("expected fresh generation")
	}
}
