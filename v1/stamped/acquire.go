package stamped

import (
	"context"
	"fmt"
	"time"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
	"github.com/mirkobrombin/go-qsync/v1/metrics"
	"github.com/mirkobrombin/go-qsync/v1/park"
)

const maxSpins = 255

func checkInterrupt(ctx context.Context, t *park.Thread) error {
	if t.Interrupted() {
		return qerrors.ErrInterrupted
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", qerrors.ErrInterrupted, err)
	}
	return nil
}

// wait parks t on l. It reports false without parking when timed and the
// deadline has passed.
func (l *Lock) wait(ctx context.Context, t *park.Thread, timed bool, deadline time.Time) bool {
	var remaining time.Duration
	if timed {
		if remaining = deadline.Sub(t.Now()); remaining <= 0 {
			return false
		}
	}
	metrics.ParkCounter.Inc()
	metrics.ParkedGauge.Inc()
	if timed {
		t.ParkFor(ctx, l, remaining)
	} else {
		t.Park(ctx, l)
	}
	metrics.ParkedGauge.Dec()
	return true
}

func (l *Lock) acquireWrite(ctx context.Context, t *park.Thread, interruptible, timed bool, deadline time.Time) (int64, error) {
	var spins, postSpins int
	var interrupted, first bool
	var n, pred *node

	waitCtx := context.Background()
	if interruptible {
		waitCtx = ctx
	}

	for {
		if !first {
			pred = nil
			if n != nil {
				pred = n.prev.Load()
			}
			if pred != nil {
				if first = l.head.Load() == pred; !first {
					if pred.status.Load() < 0 {
						l.cleanQueue()
						continue
					}
					if pred.prev.Load() == nil {
						onSpinWait()
						continue
					}
				}
			}
		}
		if first || pred == nil {
			if s := l.state.Load(); s&abits == 0 && l.state.CompareAndSwap(s, s|wbit) {
				if first {
					n.prev.Store(nil)
					l.head.Store(n)
					pred.next.Store(nil)
					n.waiter.Store(nil)
				}
				if interrupted {
					t.Interrupt()
				}
				return s | wbit, nil
			}
		}
		switch {
		case n == nil:
			n = &node{}
		case pred == nil:
			tail := l.tail.Load()
			n.prev.Store(tail)
			if tail == nil {
				l.tryInitializeHead()
			} else if !l.tail.CompareAndSwap(tail, n) {
				n.prev.Store(nil)
			} else {
				tail.next.Store(n)
				metrics.EnqueuedCounter.Inc()
			}
		case first && spins != 0:
			spins--
			onSpinWait()
		case n.status.Load() == 0:
			if n.waiter.Load() == nil {
				n.waiter.Store(t)
			}
			n.status.Store(statusWaiting)
		default:
			postSpins = min(postSpins<<1|1, maxSpins)
			spins = postSpins
			if !l.wait(waitCtx, t, timed, deadline) {
				return l.cancelAcquire(ctx, t, n, interrupted, interruptible)
			}
			n.status.Store(0)
			if t.Interrupted() {
				interrupted = true
			}
			if interruptible && (interrupted || ctx.Err() != nil) {
				return l.cancelAcquire(ctx, t, n, interrupted, interruptible)
			}
		}
	}
}

func (l *Lock) acquireRead(ctx context.Context, t *park.Thread, interruptible, timed bool, deadline time.Time) (int64, error) {
	var interrupted bool
	var n *node

	waitCtx := context.Background()
	if interruptible {
		waitCtx = ctx
	}

	// Either enqueue a new reader group led by n, or join the group waiting
	// at the tail and wait for its leader to acquire or cancel.
enqueue:
	for {
		tail := l.tail.Load()
		var tailPred *node
		if tail != nil {
			tailPred = tail.prev.Load()
		}
		if tailPred == nil {
			if s := l.tryAcquireRead(); s != 0 {
				return s, nil
			}
		}
		switch {
		case tail == nil:
			l.tryInitializeHead()
		case tailPred == nil || !tail.reader:
			if n == nil {
				n = &node{reader: true}
			}
			if l.tail.Load() == tail {
				n.prev.Store(tail)
				if l.tail.CompareAndSwap(tail, n) {
					tail.next.Store(n)
					metrics.EnqueuedCounter.Inc()
					break enqueue
				}
				n.prev.Store(nil)
			}
		case l.tail.Load() == tail:
			leader := tail
			for attached := false; ; {
				if leader.status.Load() < 0 || leader.prev.Load() == nil {
					break
				}
				if n == nil {
					n = &node{reader: true}
					continue
				}
				if n.waiter.Load() == nil {
					n.waiter.Store(t)
					continue
				}
				if !attached {
					c := leader.cowaiters.Load()
					n.cowaiters.Store(c)
					if attached = leader.cowaiters.CompareAndSwap(c, n); !attached {
						n.cowaiters.Store(nil)
					}
					continue
				}
				parked := l.wait(waitCtx, t, timed, deadline)
				if t.Interrupted() {
					interrupted = true
				}
				if (interruptible && (interrupted || ctx.Err() != nil)) || !parked {
					return l.cancelCowaiter(ctx, t, n, leader, interrupted, interruptible)
				}
			}
			if n != nil {
				n.waiter.Store(nil)
			}
			s := l.tryAcquireRead()
			signalCowaiters(leader)
			if interrupted {
				t.Interrupt()
			}
			if s != 0 {
				return s, nil
			}
			// the group was stale or its leader cancelled
			n = nil
		}
	}

	var spins, postSpins int
	var first bool
	var pred *node
	for {
		if !first {
			if pred = n.prev.Load(); pred != nil {
				if first = l.head.Load() == pred; !first {
					if pred.status.Load() < 0 {
						l.cleanQueue()
						continue
					}
					if pred.prev.Load() == nil {
						onSpinWait()
						continue
					}
				}
			}
		}
		if first || pred == nil {
			if s := l.tryAcquireRead(); s != 0 {
				if first {
					n.prev.Store(nil)
					l.head.Store(n)
					pred.next.Store(nil)
					n.waiter.Store(nil)
				}
				signalCowaiters(n)
				if interrupted {
					t.Interrupt()
				}
				return s, nil
			}
		}
		switch {
		case first && spins != 0:
			spins--
			onSpinWait()
		case n.status.Load() == 0:
			if n.waiter.Load() == nil {
				n.waiter.Store(t)
			}
			n.status.Store(statusWaiting)
		default:
			postSpins = min(postSpins<<1|1, maxSpins)
			spins = postSpins
			if !l.wait(waitCtx, t, timed, deadline) {
				return l.cancelAcquire(ctx, t, n, interrupted, interruptible)
			}
			n.status.Store(0)
			if t.Interrupted() {
				interrupted = true
			}
			if interruptible && (interrupted || ctx.Err() != nil) {
				return l.cancelAcquire(ctx, t, n, interrupted, interruptible)
			}
		}
	}
}

// cancelAcquire abandons a queued writer or reader group leader. Attached
// readers are woken so they can requeue.
func (l *Lock) cancelAcquire(ctx context.Context, t *park.Thread, n *node, interrupted, interruptible bool) (int64, error) {
	if n != nil {
		n.waiter.Store(nil)
		n.status.Store(statusCancelled)
		l.cleanQueue()
		if n.reader {
			signalCowaiters(n)
		}
	}
	return 0, cancelled(ctx, t, interrupted, interruptible)
}

func (l *Lock) cancelCowaiter(ctx context.Context, t *park.Thread, n, leader *node, interrupted, interruptible bool) (int64, error) {
	if n != nil {
		n.waiter.Store(nil)
		n.status.Store(statusCancelled)
		unlinkCowaiter(n, leader)
	}
	return 0, cancelled(ctx, t, interrupted, interruptible)
}

// cancelled reports why a wait ended without the lock: interruption for
// interruptible waits, nil for an elapsed deadline.
func cancelled(ctx context.Context, t *park.Thread, interrupted, interruptible bool) error {
	if interruptible {
		if interrupted || t.Interrupted() {
			metrics.CancelledCounter.WithLabelValues(metrics.ReasonInterrupt).Inc()
			return qerrors.ErrInterrupted
		}
		if err := ctx.Err(); err != nil {
			metrics.CancelledCounter.WithLabelValues(metrics.ReasonInterrupt).Inc()
			return fmt.Errorf("%w: %w", qerrors.ErrInterrupted, err)
		}
	} else if interrupted {
		t.Interrupt()
	}
	metrics.CancelledCounter.WithLabelValues(metrics.ReasonTimeout).Inc()
	return nil
}
