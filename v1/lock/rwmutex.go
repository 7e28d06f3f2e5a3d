package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
	"github.com/mirkobrombin/go-qsync/v1/park"
	"github.com/mirkobrombin/go-qsync/v1/synchronizer"
)

// State layout: reader count in the low 16 bits, writer flag above it.
const (
	readerMask int32 = 1<<16 - 1
	writerBit  int32 = 1 << 16
)

type rwHooks struct{}

func (rwHooks) TryAcquire(s *synchronizer.Synchronizer[int32], _ *park.Thread, _ int32) (bool, error) {
	return s.CompareAndSetState(0, writerBit), nil
}

func (rwHooks) TryRelease(s *synchronizer.Synchronizer[int32], _ *park.Thread, _ int32) (bool, error) {
	if s.State()&writerBit == 0 {
		return false, fmt.Errorf("lock: unlock of unlocked RWMutex: %w", qerrors.ErrIllegalMonitorState)
	}
	s.SetState(0)
	return true, nil
}

func (rwHooks) IsHeldExclusively(s *synchronizer.Synchronizer[int32], _ *park.Thread) bool {
	return s.State()&writerBit != 0
}

func (rwHooks) TryAcquireShared(s *synchronizer.Synchronizer[int32], _ *park.Thread, _ int32) (int, error) {
	for {
		c := s.State()
		// a queued writer blocks new readers
		if c&writerBit != 0 || s.ApparentlyFirstQueuedIsExclusive() {
			return -1, nil
		}
		if c&readerMask == readerMask {
			return -1, fmt.Errorf("lock: maximum read lock count exceeded: %w", qerrors.ErrIllegalState)
		}
		if s.CompareAndSetState(c, c+1) {
			return 1, nil
		}
	}
}

func (rwHooks) TryReleaseShared(s *synchronizer.Synchronizer[int32], _ *park.Thread, _ int32) (bool, error) {
	for {
		c := s.State()
		if c&readerMask == 0 {
			return false, fmt.Errorf("lock: RUnlock of unlocked RWMutex: %w", qerrors.ErrIllegalMonitorState)
		}
		if s.CompareAndSetState(c, c-1) {
			return c == 1, nil
		}
	}
}

// RWMutex is a non-reentrant reader/writer lock. It prefers writers: once a
// writer is first in line, arriving readers queue behind it.
type RWMutex struct {
	sync *synchronizer.Synchronizer[int32]
}

// NewRWMutex returns an unlocked RWMutex.
func NewRWMutex(opts ...Option) *RWMutex {
	o := buildOptions("lock.RWMutex", opts)
	return &RWMutex{sync: synchronizer.New[int32](rwHooks{}, synchronizer.WithName(o.name))}
}

// Lock acquires the write lock.
func (rw *RWMutex) Lock(ctx context.Context) {
	_ = rw.sync.Acquire(ctx, 1)
}

func (rw *RWMutex) LockInterruptibly(ctx context.Context) error {
	return rw.sync.AcquireInterruptibly(ctx, 1)
}

func (rw *RWMutex) TryLock() bool {
	return rw.sync.CompareAndSetState(0, writerBit)
}

func (rw *RWMutex) TryLockFor(ctx context.Context, d time.Duration) (bool, error) {
	return rw.sync.TryAcquireFor(ctx, 1, d)
}

// Unlock releases the write lock.
func (rw *RWMutex) Unlock(ctx context.Context) error {
	_, err := rw.sync.Release(ctx, 1)
	return err
}

// RLock acquires a read lock. It fails only when the reader count would
// overflow.
func (rw *RWMutex) RLock(ctx context.Context) error {
	return rw.sync.AcquireShared(ctx, 1)
}

func (rw *RWMutex) RLockInterruptibly(ctx context.Context) error {
	return rw.sync.AcquireSharedInterruptibly(ctx, 1)
}

// TryRLock acquires a read lock if no writer holds or waits for the lock.
func (rw *RWMutex) TryRLock() bool {
	n, err := rwHooks{}.TryAcquireShared(rw.sync, nil, 1)
	return err == nil && n >= 0
}

func (rw *RWMutex) TryRLockFor(ctx context.Context, d time.Duration) (bool, error) {
	return rw.sync.TryAcquireSharedFor(ctx, 1, d)
}

// RUnlock releases a read lock.
func (rw *RWMutex) RUnlock(ctx context.Context) error {
	_, err := rw.sync.ReleaseShared(ctx, 1)
	return err
}

// ReadLockCount returns the number of read locks held.
func (rw *RWMutex) ReadLockCount() int { return int(rw.sync.State() & readerMask) }

// IsWriteLocked reports whether the write lock is held.
func (rw *RWMutex) IsWriteLocked() bool { return rw.sync.State()&writerBit != 0 }

// NewCondition returns a condition bound to the write lock.
func (rw *RWMutex) NewCondition() *synchronizer.Condition[int32] { return rw.sync.NewCondition() }

func (rw *RWMutex) QueueLength() int { return rw.sync.QueueLength() }

func (rw *RWMutex) String() string {
	c := rw.sync.State()
	switch {
	case c&writerBit != 0:
		return fmt.Sprintf("%v[Write locked]", rw.sync)
	case c != 0:
		return fmt.Sprintf("%v[Read locks = %d]", rw.sync, c&readerMask)
	}
	return fmt.Sprintf("%v[Unlocked]", rw.sync)
}

// Locker returns a sync.Locker for the write lock.
func (rw *RWMutex) Locker(ctx context.Context) sync.Locker {
	return &ctxLocker{
		lock:   func() { rw.Lock(ctx) },
		unlock: func() error { return rw.Unlock(ctx) },
	}
}

// RLocker returns a sync.Locker for the read lock. Its Lock panics when the
// reader count would overflow.
func (rw *RWMutex) RLocker(ctx context.Context) sync.Locker {
	return &ctxLocker{
		lock: func() {
			if err := rw.RLock(ctx); err != nil {
				panic(err)
			}
		},
		unlock: func() error { return rw.RUnlock(ctx) },
	}
}
