package park

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

var nextID atomic.Uint64

type blockerRef struct {
	v any
}

// Thread is the parking handle of one logical thread of control.
type Thread struct {
	id    uint64
	name  string
	clock clock.Clock

	permit      chan struct{}
	interrupted atomic.Bool
	blocker     atomic.Pointer[blockerRef]
	parkedAt    atomic.Int64
	isParked    atomic.Bool
}

// ThreadOption configures a Thread.
type ThreadOption func(*Thread)

// WithClock sets the clock used for bounded parks and deadlines.
func WithClock(c clock.Clock) ThreadOption {
	return func(t *Thread) {
		if c != nil {
			t.clock = c
		}
	}
}

// NewThread returns a new Thread. An empty name is replaced by a generated one.
func NewThread(name string, opts ...ThreadOption) *Thread {
	t := &Thread{
		id:     nextID.Add(1),
		clock:  clock.New(),
		permit: make(chan struct{}, 1),
	}
	if name == "" {
		name = fmt.Sprintf("thread-%d", t.id)
	}
	t.name = name
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the process-unique identifier of the thread.
func (t *Thread) ID() uint64 { return t.id }

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

func (t *Thread) String() string { return t.name }

// Clock returns the clock of the thread.
func (t *Thread) Clock() clock.Clock { return t.clock }

// Now returns the current time according to the thread's clock.
func (t *Thread) Now() time.Time { return t.clock.Now() }

// Unpark makes the permit available, waking the thread if it is parked.
// Permits do not accumulate. Unpark on a nil thread is a no-op.
func (t *Thread) Unpark() {
	if t == nil {
		return
	}
	select {
	case t.permit <- struct{}{}:
	default:
	}
}

// Park blocks until the permit is available, the thread is interrupted or
// ctx is done. It returns immediately when the permit is already available
// or the interrupt flag is set.
func (t *Thread) Park(ctx context.Context, blocker any) {
	t.park(ctx, blocker, nil)
}

// ParkFor is like Park but waits at most d.
func (t *Thread) ParkFor(ctx context.Context, blocker any, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := t.clock.Timer(d)
	defer timer.Stop()
	t.park(ctx, blocker, timer.C)
}

// ParkUntil is like Park but waits at most until deadline.
func (t *Thread) ParkUntil(ctx context.Context, blocker any, deadline time.Time) {
	t.ParkFor(ctx, blocker, deadline.Sub(t.clock.Now()))
}

func (t *Thread) park(ctx context.Context, blocker any, timeout <-chan time.Time) {
	select {
	case <-t.permit:
		return
	default:
	}
	if t.interrupted.Load() {
		return
	}
	t.SetBlocker(blocker)
	t.parkedAt.Store(t.clock.Now().UnixNano())
	t.isParked.Store(true)
	parked.Store(t.id, t)
	select {
	case <-t.permit:
	case <-ctx.Done():
	case <-timeout:
	}
	parked.Delete(t.id)
	t.isParked.Store(false)
	t.SetBlocker(nil)
}

// IsParked reports whether the thread is currently blocked inside a park call.
func (t *Thread) IsParked() bool { return t.isParked.Load() }

// Interrupt sets the interrupt flag and wakes the thread if it is parked.
func (t *Thread) Interrupt() {
	t.interrupted.Store(true)
	t.Unpark()
}

// Interrupted reports whether the thread was interrupted and clears the flag.
func (t *Thread) Interrupted() bool {
	return t.interrupted.Swap(false)
}

// IsInterrupted reports the interrupt flag without clearing it.
func (t *Thread) IsInterrupted() bool {
	return t.interrupted.Load()
}

// Blocker returns the object the thread is parked on, or nil.
func (t *Thread) Blocker() any {
	if b := t.blocker.Load(); b != nil {
		return b.v
	}
	return nil
}

// SetBlocker records the object the thread is about to block on. It has no
// synchronization semantics.
func (t *Thread) SetBlocker(blocker any) {
	if blocker == nil {
		t.blocker.Store(nil)
		return
	}
	t.blocker.Store(&blockerRef{v: blocker})
}
