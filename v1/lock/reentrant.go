package lock

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
	"github.com/mirkobrombin/go-qsync/v1/park"
	"github.com/mirkobrombin/go-qsync/v1/synchronizer"
)

var errMaxHolds = fmt.Errorf("lock: maximum hold count exceeded: %w", qerrors.ErrIllegalState)

type reentrantHooks struct {
	synchronizer.UnsupportedHooks[int32]
	owner atomic.Pointer[park.Thread]
	fair  bool
}

func (h *reentrantHooks) TryAcquire(s *synchronizer.Synchronizer[int32], t *park.Thread, arg int32) (bool, error) {
	if h.fair && s.State() == 0 && s.HasQueuedPredecessors(t) {
		return false, nil
	}
	return h.tryLock(s, t, arg)
}

func (h *reentrantHooks) tryLock(s *synchronizer.Synchronizer[int32], t *park.Thread, arg int32) (bool, error) {
	c := s.State()
	if c == 0 {
		if s.CompareAndSetState(0, arg) {
			h.owner.Store(t)
			return true, nil
		}
		return false, nil
	}
	if h.owner.Load() != t {
		return false, nil
	}
	if c > math.MaxInt32-arg {
		return false, errMaxHolds
	}
	s.SetState(c + arg)
	return true, nil
}

func (h *reentrantHooks) TryRelease(s *synchronizer.Synchronizer[int32], t *park.Thread, arg int32) (bool, error) {
	if h.owner.Load() != t || t == nil {
		return false, fmt.Errorf("lock: unlock by non-owner %v: %w", t, qerrors.ErrIllegalMonitorState)
	}
	c := s.State() - arg
	free := c == 0
	if free {
		h.owner.Store(nil)
	}
	s.SetState(c)
	return free, nil
}

func (h *reentrantHooks) IsHeldExclusively(_ *synchronizer.Synchronizer[int32], t *park.Thread) bool {
	return t != nil && h.owner.Load() == t
}

// ReentrantLock is a mutual exclusion lock owned by the thread that acquired
// it, which may acquire it again. Ownership is tracked through the thread
// bound to ctx with park.WithThread: a context without one gets a new
// identity on every call and can never unlock.
//
// A fair lock grants the longest waiting thread first. A non-fair lock
// (the default) lets arriving threads barge ahead of queued ones.
type ReentrantLock struct {
	sync  *synchronizer.Synchronizer[int32]
	hooks *reentrantHooks
}

// NewReentrantLock returns an unlocked ReentrantLock.
func NewReentrantLock(opts ...Option) *ReentrantLock {
	o := buildOptions("lock.ReentrantLock", opts)
	h := &reentrantHooks{fair: o.fair}
	return &ReentrantLock{
		sync:  synchronizer.New[int32](h, synchronizer.WithName(o.name)),
		hooks: h,
	}
}

// Lock acquires the lock, ignoring interrupts while waiting. It fails only
// when the hold count would overflow.
func (l *ReentrantLock) Lock(ctx context.Context) error {
	return l.sync.Acquire(ctx, 1)
}

// LockInterruptibly acquires the lock unless the thread is interrupted or
// ctx is done.
func (l *ReentrantLock) LockInterruptibly(ctx context.Context) error {
	return l.sync.AcquireInterruptibly(ctx, 1)
}

// TryLock acquires the lock if it is free or already held by the caller.
// It barges even on a fair lock.
func (l *ReentrantLock) TryLock(ctx context.Context) bool {
	ok, _ := l.hooks.tryLock(l.sync, park.Current(ctx), 1)
	return ok
}

// TryLockFor waits at most d for the lock, honoring the fairness setting.
func (l *ReentrantLock) TryLockFor(ctx context.Context, d time.Duration) (bool, error) {
	return l.sync.TryAcquireFor(ctx, 1, d)
}

// Unlock decrements the hold count, releasing the lock when it reaches zero.
func (l *ReentrantLock) Unlock(ctx context.Context) error {
	_, err := l.sync.Release(ctx, 1)
	return err
}

// HoldCount returns the number of holds the caller has on the lock.
func (l *ReentrantLock) HoldCount(ctx context.Context) int {
	if l.IsHeldByCurrentThread(ctx) {
		return int(l.sync.State())
	}
	return 0
}

// IsHeldByCurrentThread reports whether the thread bound to ctx owns the lock.
func (l *ReentrantLock) IsHeldByCurrentThread(ctx context.Context) bool {
	t, ok := park.FromContext(ctx)
	return ok && l.hooks.owner.Load() == t
}

// IsLocked reports whether any thread holds the lock.
func (l *ReentrantLock) IsLocked() bool { return l.sync.State() != 0 }

// IsFair reports whether the lock grants in FIFO order.
func (l *ReentrantLock) IsFair() bool { return l.hooks.fair }

// Owner returns the owning thread, or nil.
func (l *ReentrantLock) Owner() *park.Thread {
	if l.sync.State() == 0 {
		return nil
	}
	return l.hooks.owner.Load()
}

// NewCondition returns a condition bound to the lock.
func (l *ReentrantLock) NewCondition() *synchronizer.Condition[int32] { return l.sync.NewCondition() }

// HasWaiters reports whether any thread waits on c. The caller must hold
// the lock.
func (l *ReentrantLock) HasWaiters(ctx context.Context, c *synchronizer.Condition[int32]) (bool, error) {
	return l.sync.HasWaiters(ctx, c)
}

// WaitQueueLength estimates the number of threads waiting on c.
func (l *ReentrantLock) WaitQueueLength(ctx context.Context, c *synchronizer.Condition[int32]) (int, error) {
	return l.sync.WaitQueueLength(ctx, c)
}

func (l *ReentrantLock) HasQueuedThreads() bool { return l.sync.HasQueuedThreads() }

func (l *ReentrantLock) HasQueuedThread(t *park.Thread) bool { return l.sync.IsQueued(t) }

func (l *ReentrantLock) QueueLength() int { return l.sync.QueueLength() }

func (l *ReentrantLock) QueuedThreads() []*park.Thread { return l.sync.QueuedThreads() }

func (l *ReentrantLock) String() string {
	if o := l.Owner(); o != nil {
		return fmt.Sprintf("%v[Locked by %v]", l.sync, o)
	}
	return fmt.Sprintf("%v[Unlocked]", l.sync)
}

// Locker returns a sync.Locker whose calls run as the thread bound to ctx,
// binding a new one when ctx has none. Unlock panics for a non-owner.
func (l *ReentrantLock) Locker(ctx context.Context) sync.Locker {
	ctx = park.WithThread(ctx, park.Current(ctx))
	return &ctxLocker{
		lock:   func() { _ = l.Lock(ctx) },
		unlock: func() error { return l.Unlock(ctx) },
	}
}
