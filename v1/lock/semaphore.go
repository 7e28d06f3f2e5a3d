package lock

import (
	"context"
	"fmt"
	"time"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
	"github.com/mirkobrombin/go-qsync/v1/park"
	"github.com/mirkobrombin/go-qsync/v1/synchronizer"
)

var errNegativePermits = fmt.Errorf("lock: negative permit count: %w", qerrors.ErrIllegalState)

type semaphoreHooks struct {
	synchronizer.UnsupportedHooks[int64]
	fair bool
}

func (h semaphoreHooks) TryAcquireShared(s *synchronizer.Synchronizer[int64], t *park.Thread, n int64) (int, error) {
	if h.fair && s.HasQueuedPredecessors(t) {
		return -1, nil
	}
	return tryTakePermits(s, n), nil
}

func tryTakePermits(s *synchronizer.Synchronizer[int64], n int64) int {
	for {
		avail := s.State()
		rem := avail - n
		if rem < 0 {
			return -1
		}
		if s.CompareAndSetState(avail, rem) {
			if rem == 0 {
				return 0
			}
			return 1
		}
	}
}

func (semaphoreHooks) TryReleaseShared(s *synchronizer.Synchronizer[int64], _ *park.Thread, n int64) (bool, error) {
	for {
		cur := s.State()
		next := cur + n
		if next < cur {
			return false, fmt.Errorf("lock: maximum permit count exceeded: %w", qerrors.ErrIllegalState)
		}
		if s.CompareAndSetState(cur, next) {
			return true, nil
		}
	}
}

// Semaphore is a counting semaphore. Permits are not owned: any caller may
// release them, including permits it never acquired.
type Semaphore struct {
	sync *synchronizer.Synchronizer[int64]
	fair bool
}

// NewSemaphore returns a Semaphore holding permits permits, which may be
// negative.
func NewSemaphore(permits int64, opts ...Option) *Semaphore {
	o := buildOptions("lock.Semaphore", opts)
	s := synchronizer.New[int64](semaphoreHooks{fair: o.fair}, synchronizer.WithName(o.name))
	s.SetState(permits)
	return &Semaphore{sync: s, fair: o.fair}
}

// Acquire takes n permits, waiting through interrupts until they are
// available.
func (s *Semaphore) Acquire(ctx context.Context, n int64) error {
	if n < 0 {
		return errNegativePermits
	}
	return s.sync.AcquireShared(ctx, n)
}

// AcquireInterruptibly takes n permits unless the thread is interrupted or
// ctx is done first.
func (s *Semaphore) AcquireInterruptibly(ctx context.Context, n int64) error {
	if n < 0 {
		return errNegativePermits
	}
	return s.sync.AcquireSharedInterruptibly(ctx, n)
}

// TryAcquire takes n permits if they are available now, even on a fair
// semaphore.
func (s *Semaphore) TryAcquire(n int64) bool {
	return n >= 0 && tryTakePermits(s.sync, n) >= 0
}

// TryAcquireFor waits at most d for n permits.
func (s *Semaphore) TryAcquireFor(ctx context.Context, n int64, d time.Duration) (bool, error) {
	if n < 0 {
		return false, errNegativePermits
	}
	return s.sync.TryAcquireSharedFor(ctx, n, d)
}

// Release returns n permits.
func (s *Semaphore) Release(ctx context.Context, n int64) error {
	if n < 0 {
		return errNegativePermits
	}
	_, err := s.sync.ReleaseShared(ctx, n)
	return err
}

// AvailablePermits returns the current number of permits.
func (s *Semaphore) AvailablePermits() int64 { return s.sync.State() }

// DrainPermits sets the count to zero and returns the previous count. A
// negative count is drained too.
func (s *Semaphore) DrainPermits() int64 {
	for {
		cur := s.sync.State()
		if cur == 0 || s.sync.CompareAndSetState(cur, 0) {
			return cur
		}
	}
}

// ReducePermits removes n permits without waiting. The count may become
// negative.
func (s *Semaphore) ReducePermits(n int64) error {
	if n < 0 {
		return errNegativePermits
	}
	for {
		cur := s.sync.State()
		next := cur - n
		if next > cur {
			return fmt.Errorf("lock: permit count underflow: %w", qerrors.ErrIllegalState)
		}
		if s.sync.CompareAndSetState(cur, next) {
			return nil
		}
	}
}

// IsFair reports whether permits are granted in FIFO order.
func (s *Semaphore) IsFair() bool { return s.fair }

func (s *Semaphore) HasQueuedThreads() bool { return s.sync.HasQueuedThreads() }

func (s *Semaphore) QueueLength() int { return s.sync.QueueLength() }

func (s *Semaphore) String() string {
	return fmt.Sprintf("%v[Permits = %d]", s.sync, s.sync.State())
}
