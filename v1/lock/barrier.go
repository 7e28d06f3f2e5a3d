package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
	"github.com/mirkobrombin/go-qsync/v1/park"
	"github.com/mirkobrombin/go-qsync/v1/synchronizer"
)

type generation struct {
	broken bool
}

// CyclicBarrier lets a fixed number of parties wait for each other. When
// the last party arrives the optional action runs and every waiter is
// released. The barrier then resets for the next generation.
//
// If a party leaves early through an interrupt, a cancelled ctx, a timeout
// or a failing action, the barrier breaks: every current and future waiter
// fails with errors.ErrBrokenBarrier until Reset.
type CyclicBarrier struct {
	lock    *ReentrantLock
	trip    *synchronizer.Condition[int32]
	parties int
	action  func(ctx context.Context) error

	// guarded by lock
	gen   *generation
	count int
}

// NewCyclicBarrier returns a barrier for parties parties. action may be
// nil; otherwise it runs on the last arriving party before the others are
// released. It panics if parties is not positive.
func NewCyclicBarrier(parties int, action func(ctx context.Context) error) *CyclicBarrier {
	if parties <= 0 {
		panic("lock: barrier needs at least one party")
	}
	l := NewReentrantLock(WithName("lock.CyclicBarrier"))
	return &CyclicBarrier{
		lock:    l,
		trip:    l.NewCondition(),
		parties: parties,
		action:  action,
		gen:     &generation{},
		count:   parties,
	}
}

// Await waits until every party has arrived and returns the arrival index:
// parties-1 for the first arrival, 0 for the last.
func (b *CyclicBarrier) Await(ctx context.Context) (int, error) {
	return b.await(ctx, false, 0)
}

// AwaitFor is Await bounded by d. On timeout the barrier breaks and
// errors.ErrTimeout is returned.
func (b *CyclicBarrier) AwaitFor(ctx context.Context, d time.Duration) (int, error) {
	return b.await(ctx, true, d)
}

func (b *CyclicBarrier) await(ctx context.Context, timed bool, d time.Duration) (idx int, err error) {
	t := park.Current(ctx)
	ctx = park.WithThread(ctx, t)
	if err := b.lock.Lock(ctx); err != nil {
		return 0, err
	}
	defer func() {
		if uerr := b.lock.Unlock(ctx); uerr != nil && err == nil {
			err = uerr
		}
	}()

	g := b.gen
	if g.broken {
		return 0, qerrors.ErrBrokenBarrier
	}
	if t.Interrupted() {
		b.breakBarrier(ctx)
		return 0, qerrors.ErrInterrupted
	}
	if cerr := ctx.Err(); cerr != nil {
		b.breakBarrier(ctx)
		return 0, fmt.Errorf("%w: %w", qerrors.ErrInterrupted, cerr)
	}

	b.count--
	idx = b.count
	if idx == 0 {
		if err := b.runAction(ctx); err != nil {
			b.breakBarrier(ctx)
			return 0, err
		}
		b.nextGeneration(ctx)
		return 0, nil
	}

	for {
		var werr error
		timedOut := false
		if !timed {
			werr = b.trip.Await(ctx)
		} else if d > 0 {
			d, werr = b.trip.AwaitFor(ctx, d)
			timedOut = d <= 0
		} else {
			timedOut = true
		}
		if werr != nil {
			if !errors.Is(werr, qerrors.ErrInterrupted) {
				return 0, werr
			}
			if g == b.gen && !g.broken {
				b.breakBarrier(ctx)
				return 0, werr
			}
			// the generation completed first; keep the interrupt for later
			t.Interrupt()
		}
		if g.broken {
			return 0, qerrors.ErrBrokenBarrier
		}
		if g != b.gen {
			return idx, nil
		}
		if timedOut {
			b.breakBarrier(ctx)
			return 0, qerrors.ErrTimeout
		}
	}
}

func (b *CyclicBarrier) runAction(ctx context.Context) (err error) {
	if b.action == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lock: barrier action panicked: %v", r)
		}
	}()
	return b.action(ctx)
}

// nextGeneration wakes the current generation and starts a new one.
func (b *CyclicBarrier) nextGeneration(ctx context.Context) {
	_ = b.trip.SignalAll(ctx)
	b.count = b.parties
	b.gen = &generation{}
}

func (b *CyclicBarrier) breakBarrier(ctx context.Context) {
	b.gen.broken = true
	b.count = b.parties
	_ = b.trip.SignalAll(ctx)
}

// Parties returns the number of parties needed to trip the barrier.
func (b *CyclicBarrier) Parties() int { return b.parties }

// IsBroken reports whether the current generation is broken.
func (b *CyclicBarrier) IsBroken(ctx context.Context) bool {
	ctx = park.WithThread(ctx, park.Current(ctx))
	_ = b.lock.Lock(ctx)
	defer b.lock.Unlock(ctx)
	return b.gen.broken
}

// Reset breaks the current generation, failing its waiters with
// errors.ErrBrokenBarrier, and starts a new one.
func (b *CyclicBarrier) Reset(ctx context.Context) {
	ctx = park.WithThread(ctx, park.Current(ctx))
	_ = b.lock.Lock(ctx)
	defer b.lock.Unlock(ctx)
	b.breakBarrier(ctx)
	b.nextGeneration(ctx)
}

// NumberWaiting returns the number of parties waiting at the barrier.
func (b *CyclicBarrier) NumberWaiting(ctx context.Context) int {
	ctx = park.WithThread(ctx, park.Current(ctx))
	_ = b.lock.Lock(ctx)
	defer b.lock.Unlock(ctx)
	return b.parties - b.count
}
