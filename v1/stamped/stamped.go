package stamped

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
	"github.com/mirkobrombin/go-qsync/v1/park"
)

// State word layout: the low byte holds the reader count (bits 0-6) and the
// write bit (bit 7); the remaining bits are the version.
const (
	lgReaders = 7

	runit  int64 = 1
	wbit   int64 = 1 << lgReaders
	rbits  int64 = wbit - 1
	rfull  int64 = rbits - 1
	abits  int64 = rbits | wbit
	sbits  int64 = ^rbits
	origin int64 = wbit << 1

	// rsafe clears the write bit and the top reader bit so a blind CAS on
	// the masked word can only succeed with few readers and no writer.
	rsafe int64 = ^(3 << (lgReaders - 1))
)

// Lock is a stamped read/write lock. The zero value is not usable; create
// locks with New.
type Lock struct {
	state atomic.Int64
	head  atomic.Pointer[node]
	tail  atomic.Pointer[node]

	// readers beyond rfull, updated only while the reader bits are all set
	readerOverflow atomic.Int64
}

// New returns an unlocked Lock.
func New() *Lock {
	l := &Lock{}
	l.state.Store(origin)
	return l
}

func (l *Lock) tryAcquireWrite() int64 {
	if s := l.state.Load(); s&abits == 0 {
		if next := s | wbit; l.state.CompareAndSwap(s, next) {
			return next
		}
	}
	return 0
}

func (l *Lock) tryAcquireRead() int64 {
	for {
		s := l.state.Load()
		m := s & abits
		switch {
		case m < rfull:
			if next := s + runit; l.state.CompareAndSwap(s, next) {
				return next
			}
		case m == wbit:
			return 0
		default:
			if next := l.tryIncReaderOverflow(s); next != 0 {
				return next
			}
		}
	}
}

// unlockWriteState returns the state after releasing the write bit of s,
// skipping zero when the version wraps.
func unlockWriteState(s int64) int64 {
	if s += wbit; s == 0 {
		return origin
	}
	return s
}

func (l *Lock) releaseWrite(s int64) int64 {
	next := unlockWriteState(s)
	l.state.Store(next)
	signalNext(l.head.Load())
	return next
}

// WriteLock acquires exclusive access, waiting as needed, and returns a
// write stamp. Interrupts and cancellation of ctx are ignored while waiting;
// a pending interrupt is re-asserted once the lock is held.
func (l *Lock) WriteLock(ctx context.Context) int64 {
	if s := l.tryAcquireWrite(); s != 0 {
		return s
	}
	s, _ := l.acquireWrite(ctx, park.Current(ctx), false, false, time.Time{})
	return s
}

// TryWriteLock acquires exclusive access if it is immediately available and
// returns 0 otherwise.
func (l *Lock) TryWriteLock() int64 {
	return l.tryAcquireWrite()
}

// TryWriteLockFor acquires exclusive access waiting at most d. It returns 0
// when the time elapsed and errors.ErrInterrupted when the thread bound to
// ctx is interrupted or ctx is done.
func (l *Lock) TryWriteLockFor(ctx context.Context, d time.Duration) (int64, error) {
	t := park.Current(ctx)
	if err := checkInterrupt(ctx, t); err != nil {
		return 0, err
	}
	if s := l.tryAcquireWrite(); s != 0 {
		return s, nil
	}
	if d <= 0 {
		return 0, nil
	}
	return l.acquireWrite(ctx, t, true, true, t.Now().Add(d))
}

// WriteLockInterruptibly is like WriteLock but gives up with
// errors.ErrInterrupted on interruption.
func (l *Lock) WriteLockInterruptibly(ctx context.Context) (int64, error) {
	t := park.Current(ctx)
	if err := checkInterrupt(ctx, t); err != nil {
		return 0, err
	}
	if s := l.tryAcquireWrite(); s != 0 {
		return s, nil
	}
	return l.acquireWrite(ctx, t, true, false, time.Time{})
}

// ReadLock acquires shared access, waiting as needed, and returns a read
// stamp.
func (l *Lock) ReadLock(ctx context.Context) int64 {
	// one blind attempt for the common case of few readers and no writer
	s := l.state.Load() & rsafe
	if next := s + runit; l.state.CompareAndSwap(s, next) {
		return next
	}
	next, _ := l.acquireRead(ctx, park.Current(ctx), false, false, time.Time{})
	return next
}

// TryReadLock acquires shared access unless a writer holds the lock.
func (l *Lock) TryReadLock() int64 {
	return l.tryAcquireRead()
}

// TryReadLockFor acquires shared access waiting at most d.
func (l *Lock) TryReadLockFor(ctx context.Context, d time.Duration) (int64, error) {
	t := park.Current(ctx)
	if err := checkInterrupt(ctx, t); err != nil {
		return 0, err
	}
	if s := l.tryAcquireRead(); s != 0 {
		return s, nil
	}
	if d <= 0 {
		return 0, nil
	}
	return l.acquireRead(ctx, t, true, true, t.Now().Add(d))
}

// ReadLockInterruptibly is like ReadLock but gives up with
// errors.ErrInterrupted on interruption.
func (l *Lock) ReadLockInterruptibly(ctx context.Context) (int64, error) {
	t := park.Current(ctx)
	if err := checkInterrupt(ctx, t); err != nil {
		return 0, err
	}
	if s := l.tryAcquireRead(); s != 0 {
		return s, nil
	}
	return l.acquireRead(ctx, t, true, false, time.Time{})
}

// TryOptimisticRead returns a stamp to validate later, or 0 if the lock is
// write locked.
func (l *Lock) TryOptimisticRead() int64 {
	if s := l.state.Load(); s&wbit == 0 {
		return s & sbits
	}
	return 0
}

// Validate reports whether no write lock was granted since stamp was issued.
// It always fails for 0.
func (l *Lock) Validate(stamp int64) bool {
	return stamp&sbits == l.state.Load()&sbits
}

// UnlockWrite releases the write lock if stamp matches the lock state.
func (l *Lock) UnlockWrite(stamp int64) error {
	if l.state.Load() != stamp || stamp&wbit == 0 {
		return qerrors.ErrIllegalMonitorState
	}
	l.releaseWrite(stamp)
	return nil
}

// UnlockRead releases one read hold if stamp matches the lock state.
func (l *Lock) UnlockRead(stamp int64) error {
	if stamp&rbits != 0 {
		for {
			s := l.state.Load()
			m := s & rbits
			if s&sbits != stamp&sbits || m == 0 {
				break
			}
			if m < rfull {
				if l.state.CompareAndSwap(s, s-runit) {
					if m == runit {
						signalNext(l.head.Load())
					}
					return nil
				}
			} else if l.tryDecReaderOverflow(s) != 0 {
				return nil
			}
		}
	}
	return qerrors.ErrIllegalMonitorState
}

// Unlock releases the mode named by stamp.
func (l *Lock) Unlock(stamp int64) error {
	if stamp&wbit != 0 {
		return l.UnlockWrite(stamp)
	}
	return l.UnlockRead(stamp)
}

// TryUnlockWrite releases the write lock without a stamp. It reports false
// if the lock was not write locked.
func (l *Lock) TryUnlockWrite() bool {
	if s := l.state.Load(); s&wbit != 0 {
		l.releaseWrite(s)
		return true
	}
	return false
}

// TryUnlockRead releases one read hold without a stamp.
func (l *Lock) TryUnlockRead() bool {
	for {
		s := l.state.Load()
		m := s & abits
		if m == 0 || m >= wbit {
			return false
		}
		if m < rfull {
			if l.state.CompareAndSwap(s, s-runit) {
				if m == runit {
					signalNext(l.head.Load())
				}
				return true
			}
		} else if l.tryDecReaderOverflow(s) != 0 {
			return true
		}
	}
}

// TryConvertToWriteLock upgrades stamp to a write stamp. A write stamp is
// returned unchanged, a read stamp converts when it is the only reader and
// an optimistic stamp converts when the lock is free. It returns 0 otherwise.
func (l *Lock) TryConvertToWriteLock(stamp int64) int64 {
	a := stamp & abits
	for {
		s := l.state.Load()
		if s&sbits != stamp&sbits {
			return 0
		}
		switch m := s & abits; {
		case m == 0:
			if a != 0 {
				return 0
			}
			if next := s | wbit; l.state.CompareAndSwap(s, next) {
				return next
			}
		case m == wbit:
			if a != m {
				return 0
			}
			return stamp
		case m == runit && a != 0:
			if next := s - runit + wbit; l.state.CompareAndSwap(s, next) {
				return next
			}
		default:
			return 0
		}
	}
}

// TryConvertToReadLock downgrades a write stamp, acquires a read hold for a
// valid optimistic stamp or returns a read stamp unchanged. It returns 0
// when stamp no longer matches the lock state.
func (l *Lock) TryConvertToReadLock(stamp int64) int64 {
	for {
		s := l.state.Load()
		if s&sbits != stamp&sbits {
			return 0
		}
		switch a := stamp & abits; {
		case a >= wbit:
			if s != stamp {
				return 0
			}
			next := unlockWriteState(s) + runit
			l.state.Store(next)
			signalNext(l.head.Load())
			return next
		case a == 0:
			if s&abits < rfull {
				if next := s + runit; l.state.CompareAndSwap(s, next) {
					return next
				}
			} else if next := l.tryIncReaderOverflow(s); next != 0 {
				return next
			}
		default:
			if s&abits == 0 {
				return 0
			}
			return stamp
		}
	}
}

// TryConvertToOptimisticRead releases the lock mode held by stamp, if any,
// and returns an observation stamp. It returns 0 when stamp no longer
// matches the lock state.
func (l *Lock) TryConvertToOptimisticRead(stamp int64) int64 {
	for {
		s := l.state.Load()
		if s&sbits != stamp&sbits {
			return 0
		}
		a := stamp & abits
		m := s & abits
		switch {
		case a >= wbit:
			if s != stamp {
				return 0
			}
			return l.releaseWrite(s)
		case a == 0:
			return stamp
		case m == 0:
			return 0
		case m < rfull:
			if l.state.CompareAndSwap(s, s-runit) {
				if m == runit {
					signalNext(l.head.Load())
				}
				return (s - runit) & sbits
			}
		default:
			if next := l.tryDecReaderOverflow(s); next != 0 {
				return next & sbits
			}
		}
	}
}

// tryIncReaderOverflow adds a reader past rfull. All reader bits set marks
// the overflow counter as being updated.
func (l *Lock) tryIncReaderOverflow(s int64) int64 {
	if s&abits != rfull {
		onSpinWait()
	} else if l.state.CompareAndSwap(s, s|rbits) {
		l.readerOverflow.Add(1)
		l.state.Store(s)
		return s
	}
	return 0
}

func (l *Lock) tryDecReaderOverflow(s int64) int64 {
	if s&abits != rfull {
		onSpinWait()
	} else if l.state.CompareAndSwap(s, s|rbits) {
		next := s
		if l.readerOverflow.Load() > 0 {
			l.readerOverflow.Add(-1)
		} else {
			next = s - runit
		}
		l.state.Store(next)
		return next
	}
	return 0
}

// IsWriteLocked reports whether the lock is held exclusively.
func (l *Lock) IsWriteLocked() bool { return l.state.Load()&wbit != 0 }

// IsReadLocked reports whether the lock has read holds.
func (l *Lock) IsReadLocked() bool { return l.state.Load()&rbits != 0 }

// ReadLockCount returns the number of read holds.
func (l *Lock) ReadLockCount() int {
	return l.readLockCount(l.state.Load())
}

func (l *Lock) readLockCount(s int64) int {
	readers := s & rbits
	if readers >= rfull {
		readers = rfull + l.readerOverflow.Load()
	}
	return int(readers)
}

func (l *Lock) String() string {
	s := l.state.Load()
	switch {
	case s&abits == 0:
		return "stamped.Lock[Unlocked]"
	case s&wbit != 0:
		return "stamped.Lock[Write-locked]"
	default:
		return fmt.Sprintf("stamped.Lock[Read-locks:%d]", l.readLockCount(s))
	}
}

// IsWriteLockStamp reports whether stamp was returned by a write lock
// operation.
func IsWriteLockStamp(stamp int64) bool { return stamp&abits == wbit }

// IsReadLockStamp reports whether stamp holds a read lock.
func IsReadLockStamp(stamp int64) bool { return stamp&rbits != 0 }

// IsLockStamp reports whether stamp holds either lock mode.
func IsLockStamp(stamp int64) bool { return stamp&abits != 0 }

// IsOptimisticReadStamp reports whether stamp came from a successful
// optimistic read.
func IsOptimisticReadStamp(stamp int64) bool { return stamp&abits == 0 && stamp != 0 }
