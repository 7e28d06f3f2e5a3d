package synchronizer

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
	"github.com/mirkobrombin/go-qsync/v1/metrics"
	"github.com/mirkobrombin/go-qsync/v1/park"
)

// maxSpins bounds the spin budget a first-in-line waiter gets after a wakeup.
const maxSpins = 255

// interruptedBy reports an interruption, joining the context error when the
// context caused it.
func interruptedBy(cause error) error {
	if cause == nil {
		return qerrors.ErrInterrupted
	}
	return fmt.Errorf("%w: %w", qerrors.ErrInterrupted, cause)
}

// checkInterrupt consumes a pending interrupt of t and reports it together
// with a done ctx.
func checkInterrupt(ctx context.Context, t *park.Thread) error {
	if t.Interrupted() {
		return qerrors.ErrInterrupted
	}
	if err := ctx.Err(); err != nil {
		return interruptedBy(err)
	}
	return nil
}

// acquire drives t through try-acquire attempts, queueing, parking and
// cancellation. n is nil unless a condition waiter reacquires with its own
// node. It returns (true, nil) on success, (false, nil) on timeout and an
// error on interruption or when a hook fails.
func (s *Synchronizer[S]) acquire(ctx context.Context, t *park.Thread, n *node, arg S,
	shared, interruptible, timed bool, deadline time.Time) (bool, error) {

	var spins, postSpins int
	var interrupted, first bool
	var pred *node

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
				first = s.head.Load() == pred
				if !first {
					if pred.status.Load() < 0 {
						s.cleanQueue()
						continue
					}
					if pred.prev.Load() == nil {
						// pred is being promoted to head
						runtime.Gosched()
						continue
					}
				}
			}
		}
		if first || pred == nil {
			ok, err := s.tryAcquireHook(t, n, arg, shared, interrupted)
			if err != nil {
				return false, err
			}
			if ok {
				if first {
					n.prev.Store(nil)
					s.head.Store(n)
					pred.next.Store(nil)
					n.waiter.Store(nil)
					if shared {
						signalNextIfShared(n)
					}
					if interrupted {
						t.Interrupt()
					}
				}
				return true, nil
			}
		}
		tail := s.tail.Load()
		switch {
		case tail == nil:
			s.tryInitializeHead()
		case n == nil:
			// allocate lazily and retry once before enqueueing
			n = newNode(shared)
		case pred == nil:
			n.waiter.Store(t)
			n.prev.Store(tail)
			if !s.tail.CompareAndSwap(tail, n) {
				n.prev.Store(nil)
			} else {
				tail.next.Store(n)
				metrics.EnqueuedCounter.Inc()
			}
		case first && spins != 0:
			spins--
			runtime.Gosched()
		case n.status.Load() == 0:
			// enable signal and recheck before parking
			n.status.Store(statusWaiting)
		default:
			postSpins = min(postSpins<<1|1, maxSpins)
			spins = postSpins
			var remaining time.Duration
			if timed {
				if remaining = deadline.Sub(t.Now()); remaining <= 0 {
					return s.cancelAcquire(ctx, t, n, interrupted, interruptible)
				}
			}
			metrics.ParkCounter.Inc()
			metrics.ParkedGauge.Inc()
			if timed {
				t.ParkFor(waitCtx, s, remaining)
			} else {
				t.Park(waitCtx, s)
			}
			metrics.ParkedGauge.Dec()
			n.status.Store(0)
			if t.Interrupted() {
				interrupted = true
			}
			if interruptible && (interrupted || ctx.Err() != nil) {
				return s.cancelAcquire(ctx, t, n, interrupted, interruptible)
			}
		}
	}
}

// tryAcquireHook runs the mode specific hook. A failing or panicking hook
// cancels n before the failure propagates.
func (s *Synchronizer[S]) tryAcquireHook(t *park.Thread, n *node, arg S, shared, interrupted bool) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.abandon(t, n, interrupted, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()
	if shared {
		var r int
		r, err = s.hooks.TryAcquireShared(s, t, arg)
		ok = r >= 0
	} else {
		ok, err = s.hooks.TryAcquire(s, t, arg)
	}
	if err != nil {
		s.abandon(t, n, interrupted, err)
		return false, err
	}
	return ok, nil
}

// abandon cancels n after a hook failure.
func (s *Synchronizer[S]) abandon(t *park.Thread, n *node, interrupted bool, cause error) {
	if n != nil {
		slog.Warn("qsync: acquire hook failed, cancelling queued waiter", "synchronizer", s.name, "thread", t.Name(), "error", cause)
		n.waiter.Store(nil)
		n.status.Store(statusCancelled)
		if n.prev.Load() != nil {
			s.cleanQueue()
		}
		metrics.CancelledCounter.WithLabelValues(metrics.ReasonError).Inc()
	}
	if interrupted {
		t.Interrupt()
	}
}

// cancelAcquire marks n cancelled, unlinks it and reports the outcome.
// Non-interruptible callers get their interrupt re-asserted instead.
func (s *Synchronizer[S]) cancelAcquire(ctx context.Context, t *park.Thread, n *node, interrupted, interruptible bool) (bool, error) {
	if n != nil {
		n.waiter.Store(nil)
		n.status.Store(statusCancelled)
		if n.prev.Load() != nil {
			s.cleanQueue()
		}
	}
	if interruptible {
		if interrupted {
			metrics.CancelledCounter.WithLabelValues(metrics.ReasonInterrupt).Inc()
			return false, qerrors.ErrInterrupted
		}
		if err := ctx.Err(); err != nil {
			metrics.CancelledCounter.WithLabelValues(metrics.ReasonInterrupt).Inc()
			return false, interruptedBy(err)
		}
	} else if interrupted {
		t.Interrupt()
	}
	metrics.CancelledCounter.WithLabelValues(metrics.ReasonTimeout).Inc()
	return false, nil
}
