package synchronizer

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
	"github.com/mirkobrombin/go-qsync/v1/metrics"
	"github.com/mirkobrombin/go-qsync/v1/park"
)

// Condition is a condition variable bound to a Synchronizer whose hooks
// implement exclusive mode and IsHeldExclusively. Waiters form a FIFO that
// is only touched while the synchronizer is held exclusively.
type Condition[S Word] struct {
	sync        *Synchronizer[S]
	firstWaiter *node
	lastWaiter  *node
}

// NewCondition returns a new condition bound to s.
func (s *Synchronizer[S]) NewCondition() *Condition[S] {
	return &Condition[S]{sync: s}
}

// Owns reports whether c was created by s.
func (s *Synchronizer[S]) Owns(c *Condition[S]) bool {
	return c != nil && c.sync == s
}

// HasWaiters reports whether any thread waits on c. The caller must hold s.
func (s *Synchronizer[S]) HasWaiters(ctx context.Context, c *Condition[S]) (bool, error) {
	if !s.Owns(c) {
		return false, qerrors.ErrIllegalState
	}
	return c.hasWaiters(park.Current(ctx))
}

// WaitQueueLength estimates the number of threads waiting on c.
func (s *Synchronizer[S]) WaitQueueLength(ctx context.Context, c *Condition[S]) (int, error) {
	if !s.Owns(c) {
		return 0, qerrors.ErrIllegalState
	}
	threads, err := c.waitingThreads(park.Current(ctx))
	return len(threads), err
}

// WaitingThreads returns the threads that may be waiting on c.
func (s *Synchronizer[S]) WaitingThreads(ctx context.Context, c *Condition[S]) ([]*park.Thread, error) {
	if !s.Owns(c) {
		return nil, qerrors.ErrIllegalState
	}
	return c.waitingThreads(park.Current(ctx))
}

func (c *Condition[S]) String() string {
	return c.sync.name + " condition"
}

// Signal moves the longest waiting thread, if any, to the synchronizer's
// queue. The caller must hold the synchronizer exclusively.
func (c *Condition[S]) Signal(ctx context.Context) error {
	if !c.held(park.Current(ctx)) {
		return qerrors.ErrIllegalMonitorState
	}
	if first := c.firstWaiter; first != nil {
		c.doSignal(first, false)
	}
	return nil
}

// SignalAll moves every waiting thread to the synchronizer's queue.
func (c *Condition[S]) SignalAll(ctx context.Context) error {
	if !c.held(park.Current(ctx)) {
		return qerrors.ErrIllegalMonitorState
	}
	if first := c.firstWaiter; first != nil {
		c.doSignal(first, true)
	}
	return nil
}

// Await releases the synchronizer, waits until signalled and reacquires it.
// An interrupt or a done ctx while waiting makes it return
// errors.ErrInterrupted, but only after the synchronizer is reacquired. A
// signal that wins the race against the interrupt is kept and the interrupt
// is re-asserted instead.
func (c *Condition[S]) Await(ctx context.Context) error {
	t := park.Current(ctx)
	if err := checkInterrupt(ctx, t); err != nil {
		return err
	}
	n := &node{kind: conditionNode}
	saved, err := c.enableWait(t, n)
	if err != nil {
		return err
	}
	var interrupted, cancelled bool
	var cause error
	for !c.sync.canReacquire(n) {
		if !interrupted {
			if t.Interrupted() {
				interrupted = true
			} else if err := ctx.Err(); err != nil {
				interrupted, cause = true, err
			}
		}
		if interrupted {
			if n.unsetStatus(statusCond)&statusCond != 0 {
				cancelled = true
				break
			}
			// signalled first; wait for the transfer to finish
			runtime.Gosched()
		} else if n.status.Load()&statusCond != 0 {
			t.Park(ctx, c)
		} else {
			runtime.Gosched()
		}
	}
	n.status.Store(0)
	if _, err := c.sync.acquire(ctx, t, n, saved, false, false, false, time.Time{}); err != nil {
		return err
	}
	if interrupted {
		if cancelled {
			c.unlinkCancelledWaiters(n)
			return interruptedBy(cause)
		}
		t.Interrupt()
	}
	return nil
}

// AwaitUninterruptibly is like Await but keeps waiting through interrupts
// and context cancellation, re-asserting a pending interrupt on return.
func (c *Condition[S]) AwaitUninterruptibly(ctx context.Context) error {
	t := park.Current(ctx)
	n := &node{kind: conditionNode}
	saved, err := c.enableWait(t, n)
	if err != nil {
		return err
	}
	interrupted := false
	for !c.sync.canReacquire(n) {
		if t.Interrupted() {
			interrupted = true
		} else if n.status.Load()&statusCond != 0 {
			t.Park(context.Background(), c)
		} else {
			runtime.Gosched()
		}
	}
	n.status.Store(0)
	if _, err := c.sync.acquire(ctx, t, n, saved, false, false, false, time.Time{}); err != nil {
		return err
	}
	if interrupted {
		t.Interrupt()
	}
	return nil
}

// AwaitFor waits at most d and returns the time left; a non-positive result
// means the wait timed out.
func (c *Condition[S]) AwaitFor(ctx context.Context, d time.Duration) (time.Duration, error) {
	t := park.Current(ctx)
	deadline := t.Now().Add(d)
	if _, err := c.awaitUntil(ctx, t, deadline); err != nil {
		return 0, err
	}
	return deadline.Sub(t.Now()), nil
}

// AwaitTimeout waits at most d and reports whether it was signalled.
func (c *Condition[S]) AwaitTimeout(ctx context.Context, d time.Duration) (bool, error) {
	t := park.Current(ctx)
	return c.awaitUntil(ctx, t, t.Now().Add(d))
}

// AwaitUntil waits at most until deadline and reports whether it was
// signalled.
func (c *Condition[S]) AwaitUntil(ctx context.Context, deadline time.Time) (bool, error) {
	return c.awaitUntil(ctx, park.Current(ctx), deadline)
}

func (c *Condition[S]) awaitUntil(ctx context.Context, t *park.Thread, deadline time.Time) (bool, error) {
	if err := checkInterrupt(ctx, t); err != nil {
		return false, err
	}
	n := &node{kind: conditionNode}
	saved, err := c.enableWait(t, n)
	if err != nil {
		return false, err
	}
	var interrupted, cancelled bool
	var cause error
	for !c.sync.canReacquire(n) {
		if !interrupted {
			if t.Interrupted() {
				interrupted = true
			} else if err := ctx.Err(); err != nil {
				interrupted, cause = true, err
			}
		}
		remaining := deadline.Sub(t.Now())
		if interrupted || remaining <= 0 {
			if n.unsetStatus(statusCond)&statusCond != 0 {
				cancelled = true
				break
			}
			runtime.Gosched()
		} else {
			t.ParkFor(ctx, c, remaining)
		}
	}
	n.status.Store(0)
	if _, err := c.sync.acquire(ctx, t, n, saved, false, false, false, time.Time{}); err != nil {
		return false, err
	}
	if cancelled {
		c.unlinkCancelledWaiters(n)
		if interrupted {
			return false, interruptedBy(cause)
		}
	} else if interrupted {
		t.Interrupt()
	}
	return !cancelled, nil
}

func (c *Condition[S]) held(t *park.Thread) bool {
	return c.sync.hooks.IsHeldExclusively(c.sync, t)
}

// enableWait appends n to the waiter list and fully releases the
// synchronizer, returning the state to reacquire with.
func (c *Condition[S]) enableWait(t *park.Thread, n *node) (S, error) {
	if !c.held(t) {
		n.status.Store(statusCancelled)
		return 0, qerrors.ErrIllegalMonitorState
	}
	n.waiter.Store(t)
	n.status.Store(statusCond | statusWaiting)
	if last := c.lastWaiter; last == nil {
		c.firstWaiter = n
	} else {
		last.nextWaiter = n
	}
	c.lastWaiter = n
	saved := c.sync.State()
	ok, err := c.sync.release(t, saved)
	if err == nil && ok {
		return saved, nil
	}
	if err == nil {
		err = qerrors.ErrIllegalMonitorState
	}
	slog.Error("qsync: condition wait could not release synchronizer", "synchronizer", c.sync.name, "thread", t.Name(), "error", err)
	n.status.Store(statusCancelled)
	return 0, err
}

// canReacquire reports whether n has been linked into the synchronizer's
// queue. Links are checked rather than status to avoid racing the enqueue.
func (s *Synchronizer[S]) canReacquire(n *node) bool {
	p := n.prev.Load()
	return p != nil && (p.next.Load() == n || s.isEnqueued(n))
}

func (c *Condition[S]) doSignal(first *node, all bool) {
	for first != nil {
		next := first.nextWaiter
		if c.firstWaiter = next; next == nil {
			c.lastWaiter = nil
		}
		if first.unsetStatus(statusCond)&statusCond != 0 {
			c.sync.enqueue(first)
			metrics.TransferCounter.Inc()
			if !all {
				break
			}
		}
		first = next
	}
}

// unlinkCancelledWaiters drops waiters that are no longer on the condition.
// It only walks the list when n might still be linked.
func (c *Condition[S]) unlinkCancelledWaiters(n *node) {
	if n != nil && n.nextWaiter == nil && n != c.lastWaiter {
		return
	}
	var trail *node
	for w := c.firstWaiter; w != nil; {
		next := w.nextWaiter
		if w.status.Load()&statusCond == 0 {
			w.nextWaiter = nil
			if trail == nil {
				c.firstWaiter = next
			} else {
				trail.nextWaiter = next
			}
			if next == nil {
				c.lastWaiter = trail
			}
		} else {
			trail = w
		}
		w = next
	}
}

func (c *Condition[S]) hasWaiters(t *park.Thread) (bool, error) {
	if !c.held(t) {
		return false, qerrors.ErrIllegalMonitorState
	}
	for w := c.firstWaiter; w != nil; w = w.nextWaiter {
		if w.status.Load()&statusCond != 0 {
			return true, nil
		}
	}
	return false, nil
}

func (c *Condition[S]) waitingThreads(t *park.Thread) ([]*park.Thread, error) {
	if !c.held(t) {
		return nil, qerrors.ErrIllegalMonitorState
	}
	var out []*park.Thread
	for w := c.firstWaiter; w != nil; w = w.nextWaiter {
		if w.status.Load()&statusCond != 0 {
			if th := w.waiter.Load(); th != nil {
				out = append(out, th)
			}
		}
	}
	return out, nil
}
