package synchronizer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-qsync/v1/park"
)

// Synchronizer is a blocking synchronizer over a state word of type S whose
// meaning is given by Hooks.
type Synchronizer[S Word] struct {
	state atomic.Int64
	head  atomic.Pointer[node]
	tail  atomic.Pointer[node]

	hooks Hooks[S]
	name  string
}

// Option configures a Synchronizer.
type Option func(*options)

type options struct {
	name string
}

// WithName sets the name reported by String and shown as parked threads'
// blocker.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// New returns a Synchronizer dispatching to hooks, with a zero state word.
func New[S Word](hooks Hooks[S], opts ...Option) *Synchronizer[S] {
	o := options{name: "synchronizer"}
	for _, opt := range opts {
		opt(&o)
	}
	return &Synchronizer[S]{hooks: hooks, name: o.name}
}

// State returns the current state word.
func (s *Synchronizer[S]) State() S { return S(s.state.Load()) }

// SetState stores the state word.
func (s *Synchronizer[S]) SetState(v S) { s.state.Store(int64(v)) }

// CompareAndSetState sets the state word to update if it equals expect.
func (s *Synchronizer[S]) CompareAndSetState(expect, update S) bool {
	return s.state.CompareAndSwap(int64(expect), int64(update))
}

// Acquire acquires in exclusive mode, ignoring interrupts and context
// cancellation while waiting. A pending interrupt is re-asserted on return.
// Errors come only from the hooks.
func (s *Synchronizer[S]) Acquire(ctx context.Context, arg S) error {
	t := park.Current(ctx)
	ok, err := s.hooks.TryAcquire(s, t, arg)
	if err != nil || ok {
		return err
	}
	_, err = s.acquire(ctx, t, nil, arg, false, false, false, time.Time{})
	return err
}

// AcquireInterruptibly acquires in exclusive mode, failing with
// errors.ErrInterrupted when the thread is interrupted or ctx is done.
func (s *Synchronizer[S]) AcquireInterruptibly(ctx context.Context, arg S) error {
	t := park.Current(ctx)
	if err := checkInterrupt(ctx, t); err != nil {
		return err
	}
	ok, err := s.hooks.TryAcquire(s, t, arg)
	if err != nil || ok {
		return err
	}
	_, err = s.acquire(ctx, t, nil, arg, false, true, false, time.Time{})
	return err
}

// TryAcquireFor acquires in exclusive mode waiting at most d. It reports
// false when the time elapsed.
func (s *Synchronizer[S]) TryAcquireFor(ctx context.Context, arg S, d time.Duration) (bool, error) {
	t := park.Current(ctx)
	return s.tryAcquireUntil(ctx, t, arg, false, t.Now().Add(d))
}

// TryAcquireUntil acquires in exclusive mode waiting at most until deadline.
func (s *Synchronizer[S]) TryAcquireUntil(ctx context.Context, arg S, deadline time.Time) (bool, error) {
	return s.tryAcquireUntil(ctx, park.Current(ctx), arg, false, deadline)
}

// Release releases in exclusive mode, waking the next waiter when the
// release hook reports the synchronizer free.
func (s *Synchronizer[S]) Release(ctx context.Context, arg S) (bool, error) {
	return s.release(park.Current(ctx), arg)
}

func (s *Synchronizer[S]) release(t *park.Thread, arg S) (bool, error) {
	ok, err := s.hooks.TryRelease(s, t, arg)
	if err != nil || !ok {
		return false, err
	}
	signalNext(s.head.Load())
	return true, nil
}

// AcquireShared acquires in shared mode, ignoring interrupts while waiting.
func (s *Synchronizer[S]) AcquireShared(ctx context.Context, arg S) error {
	t := park.Current(ctx)
	r, err := s.hooks.TryAcquireShared(s, t, arg)
	if err != nil || r >= 0 {
		return err
	}
	_, err = s.acquire(ctx, t, nil, arg, true, false, false, time.Time{})
	return err
}

// AcquireSharedInterruptibly acquires in shared mode, failing with
// errors.ErrInterrupted when interrupted.
func (s *Synchronizer[S]) AcquireSharedInterruptibly(ctx context.Context, arg S) error {
	t := park.Current(ctx)
	if err := checkInterrupt(ctx, t); err != nil {
		return err
	}
	r, err := s.hooks.TryAcquireShared(s, t, arg)
	if err != nil || r >= 0 {
		return err
	}
	_, err = s.acquire(ctx, t, nil, arg, true, true, false, time.Time{})
	return err
}

// TryAcquireSharedFor acquires in shared mode waiting at most d.
func (s *Synchronizer[S]) TryAcquireSharedFor(ctx context.Context, arg S, d time.Duration) (bool, error) {
	t := park.Current(ctx)
	return s.tryAcquireUntil(ctx, t, arg, true, t.Now().Add(d))
}

// TryAcquireSharedUntil acquires in shared mode waiting at most until deadline.
func (s *Synchronizer[S]) TryAcquireSharedUntil(ctx context.Context, arg S, deadline time.Time) (bool, error) {
	return s.tryAcquireUntil(ctx, park.Current(ctx), arg, true, deadline)
}

// ReleaseShared releases in shared mode.
func (s *Synchronizer[S]) ReleaseShared(ctx context.Context, arg S) (bool, error) {
	ok, err := s.hooks.TryReleaseShared(s, park.Current(ctx), arg)
	if err != nil || !ok {
		return false, err
	}
	signalNext(s.head.Load())
	return true, nil
}

func (s *Synchronizer[S]) tryAcquireUntil(ctx context.Context, t *park.Thread, arg S, shared bool, deadline time.Time) (bool, error) {
	if err := checkInterrupt(ctx, t); err != nil {
		return false, err
	}
	var ok bool
	var err error
	if shared {
		var r int
		r, err = s.hooks.TryAcquireShared(s, t, arg)
		ok = r >= 0
	} else {
		ok, err = s.hooks.TryAcquire(s, t, arg)
	}
	if err != nil || ok {
		return ok, err
	}
	if !deadline.After(t.Now()) {
		return false, nil
	}
	return s.acquire(ctx, t, nil, arg, shared, true, true, deadline)
}

// HasQueuedThreads reports whether any thread may be waiting to acquire.
func (s *Synchronizer[S]) HasQueuedThreads() bool {
	for p, h := s.tail.Load(), s.head.Load(); p != h && p != nil; p = p.prev.Load() {
		if p.status.Load() >= 0 {
			return true
		}
	}
	return false
}

// HasContended reports whether any thread has ever had to queue.
func (s *Synchronizer[S]) HasContended() bool {
	return s.head.Load() != nil
}

// FirstQueuedThread returns the longest waiting thread, or nil.
func (s *Synchronizer[S]) FirstQueuedThread() *park.Thread {
	var first *park.Thread
	h := s.head.Load()
	if h == nil {
		return nil
	}
	n := h.next.Load()
	if n != nil {
		first = n.waiter.Load()
	}
	if n == nil || first == nil || n.prev.Load() == nil {
		// stale next link, traverse from the tail
		first = nil
		for p := s.tail.Load(); p != nil; {
			q := p.prev.Load()
			if q == nil {
				break
			}
			if w := p.waiter.Load(); w != nil {
				first = w
			}
			p = q
		}
	}
	return first
}

// IsQueued reports whether t is currently queued.
func (s *Synchronizer[S]) IsQueued(t *park.Thread) bool {
	if t == nil {
		return false
	}
	for p := s.tail.Load(); p != nil; p = p.prev.Load() {
		if p.waiter.Load() == t {
			return true
		}
	}
	return false
}

// HasQueuedPredecessors reports whether a thread other than t has been
// waiting longer. Fair policies refuse to barge when it returns true.
func (s *Synchronizer[S]) HasQueuedPredecessors(t *park.Thread) bool {
	first := s.FirstQueuedThread()
	return first != nil && first != t
}

// ApparentlyFirstQueuedIsExclusive reports whether the first queued thread,
// if one exists, waits in exclusive mode.
func (s *Synchronizer[S]) ApparentlyFirstQueuedIsExclusive() bool {
	h := s.head.Load()
	if h == nil {
		return false
	}
	n := h.next.Load()
	return n != nil && n.kind != sharedNode && n.waiter.Load() != nil
}

// QueueLength estimates the number of waiting threads.
func (s *Synchronizer[S]) QueueLength() int {
	n := 0
	for p := s.tail.Load(); p != nil; p = p.prev.Load() {
		if p.waiter.Load() != nil {
			n++
		}
	}
	return n
}

// QueuedThreads returns the threads that may be waiting, newest first.
func (s *Synchronizer[S]) QueuedThreads() []*park.Thread {
	return s.queuedThreads(func(*node) bool { return true })
}

// ExclusiveQueuedThreads returns the threads waiting in exclusive mode.
func (s *Synchronizer[S]) ExclusiveQueuedThreads() []*park.Thread {
	return s.queuedThreads(func(n *node) bool { return n.kind != sharedNode })
}

// SharedQueuedThreads returns the threads waiting in shared mode.
func (s *Synchronizer[S]) SharedQueuedThreads() []*park.Thread {
	return s.queuedThreads(func(n *node) bool { return n.kind == sharedNode })
}

func (s *Synchronizer[S]) queuedThreads(match func(*node) bool) []*park.Thread {
	var out []*park.Thread
	for p := s.tail.Load(); p != nil; p = p.prev.Load() {
		if !match(p) {
			continue
		}
		if w := p.waiter.Load(); w != nil {
			out = append(out, w)
		}
	}
	return out
}

// Reset empties the queue of a quiescent synchronizer, as if it was freshly
// created with its current state. It must not be called while threads wait.
func (s *Synchronizer[S]) Reset() {
	s.head.Store(nil)
	s.tail.Store(nil)
}

func (s *Synchronizer[S]) String() string {
	q := "empty"
	if s.HasQueuedThreads() {
		q = "nonempty"
	}
	return fmt.Sprintf("%s[state = %d, %s queue]", s.name, s.State(), q)
}
