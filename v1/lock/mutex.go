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

type mutexHooks struct {
	synchronizer.UnsupportedHooks[int32]
}

func (mutexHooks) TryAcquire(s *synchronizer.Synchronizer[int32], _ *park.Thread, _ int32) (bool, error) {
	return s.CompareAndSetState(0, 1), nil
}

func (mutexHooks) TryRelease(s *synchronizer.Synchronizer[int32], _ *park.Thread, _ int32) (bool, error) {
	if s.State() == 0 {
		return false, fmt.Errorf("lock: unlock of unlocked mutex: %w", qerrors.ErrIllegalMonitorState)
	}
	s.SetState(0)
	return true, nil
}

func (mutexHooks) IsHeldExclusively(s *synchronizer.Synchronizer[int32], _ *park.Thread) bool {
	return s.State() != 0
}

// Mutex is a non-reentrant mutual exclusion lock. Like sync.Mutex it is not
// associated with a thread: any caller may unlock it. Blocked callers are
// granted the lock in arrival order, but a caller arriving while the lock is
// free may take it first.
type Mutex struct {
	sync *synchronizer.Synchronizer[int32]
}

// NewMutex returns an unlocked Mutex.
func NewMutex(opts ...Option) *Mutex {
	o := buildOptions("lock.Mutex", opts)
	return &Mutex{sync: synchronizer.New[int32](mutexHooks{}, synchronizer.WithName(o.name))}
}

// Lock blocks until the mutex is acquired. Interrupts and ctx cancellation
// are ignored while waiting.
func (m *Mutex) Lock(ctx context.Context) {
	_ = m.sync.Acquire(ctx, 1)
}

// LockInterruptibly blocks until the mutex is acquired, the thread bound to
// ctx is interrupted or ctx is done.
func (m *Mutex) LockInterruptibly(ctx context.Context) error {
	return m.sync.AcquireInterruptibly(ctx, 1)
}

// TryLock acquires the mutex only if it is free.
func (m *Mutex) TryLock() bool {
	return m.sync.CompareAndSetState(0, 1)
}

// TryLockFor waits at most d for the mutex.
func (m *Mutex) TryLockFor(ctx context.Context, d time.Duration) (bool, error) {
	return m.sync.TryAcquireFor(ctx, 1, d)
}

// Unlock releases the mutex. It fails with errors.ErrIllegalMonitorState
// when the mutex is not locked.
func (m *Mutex) Unlock(ctx context.Context) error {
	_, err := m.sync.Release(ctx, 1)
	return err
}

// IsLocked reports whether the mutex is held.
func (m *Mutex) IsLocked() bool { return m.sync.State() != 0 }

// NewCondition returns a condition bound to the mutex.
func (m *Mutex) NewCondition() *synchronizer.Condition[int32] { return m.sync.NewCondition() }

// HasQueuedThreads reports whether any caller may be waiting for the mutex.
func (m *Mutex) HasQueuedThreads() bool { return m.sync.HasQueuedThreads() }

// QueueLength estimates the number of waiting callers.
func (m *Mutex) QueueLength() int { return m.sync.QueueLength() }

func (m *Mutex) String() string { return m.sync.String() }

// Locker returns a sync.Locker whose calls use ctx. Its Unlock panics when
// the mutex is not locked.
func (m *Mutex) Locker(ctx context.Context) sync.Locker {
	return &ctxLocker{
		lock:   func() { m.Lock(ctx) },
		unlock: func() error { return m.Unlock(ctx) },
	}
}

// ctxLocker adapts a context-taking lock to sync.Locker.
type ctxLocker struct {
	lock   func()
	unlock func() error
}

func (l *ctxLocker) Lock() { l.lock() }

func (l *ctxLocker) Unlock() {
	if err := l.unlock(); err != nil {
		panic(err)
	}
}
