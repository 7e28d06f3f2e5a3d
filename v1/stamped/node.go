package stamped

import (
	"math"
	"runtime"
	"sync/atomic"

	"github.com/mirkobrombin/go-qsync/v1/metrics"
	"github.com/mirkobrombin/go-qsync/v1/park"
)

const (
	statusWaiting   int32 = 1
	statusCancelled int32 = math.MinInt32
)

// node is a queued writer or the leader of a queued reader group. Readers
// attached to a leader are linked through cowaiters and never enter the
// main queue.
type node struct {
	prev   atomic.Pointer[node]
	next   atomic.Pointer[node]
	waiter atomic.Pointer[park.Thread]
	status atomic.Int32

	reader    bool
	cowaiters atomic.Pointer[node]
}

func (n *node) clearWaiting() {
	for {
		old := n.status.Load()
		if old&statusWaiting == 0 || n.status.CompareAndSwap(old, old&^statusWaiting) {
			return
		}
	}
}

func signalNext(h *node) {
	if h == nil {
		return
	}
	if n := h.next.Load(); n != nil && n.status.Load() > 0 {
		n.clearWaiting()
		n.waiter.Load().Unpark()
		metrics.SignalCounter.Inc()
	}
}

// signalCowaiters pops and wakes every reader attached to leader.
func signalCowaiters(leader *node) {
	if leader == nil {
		return
	}
	for {
		c := leader.cowaiters.Load()
		if c == nil {
			return
		}
		if leader.cowaiters.CompareAndSwap(c, c.cowaiters.Load()) {
			c.waiter.Load().Unpark()
		}
	}
}

// unlinkCowaiter detaches n from leader while the leader is still queued.
func unlinkCowaiter(n, leader *node) {
	if leader == nil {
		return
	}
	for leader.prev.Load() != nil && leader.status.Load() >= 0 {
		for p := leader; ; {
			q := p.cowaiters.Load()
			if q == nil {
				return
			}
			if q == n {
				p.cowaiters.CompareAndSwap(q, q.cowaiters.Load())
				break
			}
			p = q
		}
	}
}

func (l *Lock) tryInitializeHead() {
	h := &node{}
	if l.head.CompareAndSwap(nil, h) {
		l.tail.Store(h)
	}
}

// cleanQueue unlinks cancelled nodes walking back from the tail, restarting
// whenever links are seen changing under it.
func (l *Lock) cleanQueue() {
	for {
		for q, s := l.tail.Load(), (*node)(nil); ; {
			if q == nil {
				return
			}
			p := q.prev.Load()
			if p == nil {
				return
			}
			if s == nil {
				if l.tail.Load() != q {
					break
				}
			} else if s.prev.Load() != q || s.status.Load() < 0 {
				break
			}
			if q.status.Load() < 0 {
				var unlinked bool
				if s == nil {
					unlinked = l.tail.CompareAndSwap(q, p)
				} else {
					unlinked = s.prev.CompareAndSwap(q, p)
				}
				if unlinked && q.prev.Load() == p {
					p.next.CompareAndSwap(q, s)
					if p.prev.Load() == nil {
						signalNext(p)
					}
				}
				break
			}
			if n := p.next.Load(); n != q {
				if n != nil && q.prev.Load() == p && q.status.Load() >= 0 {
					p.next.CompareAndSwap(n, q)
					if p.prev.Load() == nil {
						signalNext(p)
					}
				}
				break
			}
			s, q = q, p
		}
	}
}

// onSpinWait yields while another thread holds a transient state.
func onSpinWait() { runtime.Gosched() }
