package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-qsync/v1/park"
	"github.com/mirkobrombin/go-qsync/v1/synchronizer"
)

type latchHooks struct {
	synchronizer.UnsupportedHooks[int32]
}

func (latchHooks) TryAcquireShared(s *synchronizer.Synchronizer[int32], _ *park.Thread, _ int32) (int, error) {
	if s.State() == 0 {
		return 1, nil
	}
	return -1, nil
}

func (latchHooks) TryReleaseShared(s *synchronizer.Synchronizer[int32], _ *park.Thread, _ int32) (bool, error) {
	for {
		c := s.State()
		if c == 0 {
			return false, nil
		}
		if s.CompareAndSetState(c, c-1) {
			return c == 1, nil
		}
	}
}

// CountDownLatch lets threads wait until a count of events has happened.
// Once the count reaches zero every waiter is released and later waits
// return immediately. The count cannot be reset.
type CountDownLatch struct {
	sync *synchronizer.Synchronizer[int32]
}

// NewCountDownLatch returns a latch with the given count. It panics if
// count is negative.
func NewCountDownLatch(count int32, opts ...Option) *CountDownLatch {
	if count < 0 {
		panic("lock: negative latch count")
	}
	o := buildOptions("lock.CountDownLatch", opts)
	s := synchronizer.New[int32](latchHooks{}, synchronizer.WithName(o.name))
	s.SetState(count)
	return &CountDownLatch{sync: s}
}

// Await waits until the count reaches zero, the thread is interrupted or
// ctx is done.
func (l *CountDownLatch) Await(ctx context.Context) error {
	return l.sync.AcquireSharedInterruptibly(ctx, 1)
}

// AwaitFor waits at most d and reports whether the count reached zero.
func (l *CountDownLatch) AwaitFor(ctx context.Context, d time.Duration) (bool, error) {
	return l.sync.TryAcquireSharedFor(ctx, 1, d)
}

// CountDown decrements the count, releasing every waiter when it reaches
// zero. It does nothing once the count is zero.
func (l *CountDownLatch) CountDown(ctx context.Context) {
	_, _ = l.sync.ReleaseShared(ctx, 1)
}

// Count returns the current count.
func (l *CountDownLatch) Count() int32 { return l.sync.State() }

func (l *CountDownLatch) String() string {
	return fmt.Sprintf("%v[Count = %d]", l.sync, l.sync.State())
}
