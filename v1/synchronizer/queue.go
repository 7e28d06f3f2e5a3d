package synchronizer

import "github.com/mirkobrombin/go-qsync/v1/metrics"

// tryInitializeHead installs the sentinel head and tail of an empty queue.
func (s *Synchronizer[S]) tryInitializeHead() {
	h := &node{kind: exclusiveNode}
	if s.head.CompareAndSwap(nil, h) {
		s.tail.Store(h)
	}
}

// enqueue appends n to the queue. It is used to transfer condition nodes;
// the acquire engine links its own nodes inline.
func (s *Synchronizer[S]) enqueue(n *node) {
	for {
		t := s.tail.Load()
		n.prev.Store(t)
		if t == nil {
			s.tryInitializeHead()
			continue
		}
		if s.tail.CompareAndSwap(t, n) {
			t.next.Store(n)
			metrics.EnqueuedCounter.Inc()
			if t.status.Load() < 0 {
				// predecessor is cancelled; wake n so it helps clean
				n.waiter.Load().Unpark()
			}
			return
		}
	}
}

// isEnqueued reports whether n is reachable from the tail.
func (s *Synchronizer[S]) isEnqueued(n *node) bool {
	for t := s.tail.Load(); t != nil; t = t.prev.Load() {
		if t == n {
			return true
		}
	}
	return false
}

// signalNext wakes the successor of h, if any.
func signalNext(h *node) {
	if h == nil {
		return
	}
	if n := h.next.Load(); n != nil && n.status.Load() != 0 {
		n.unsetStatus(statusWaiting)
		n.waiter.Load().Unpark()
		metrics.SignalCounter.Inc()
	}
}

// signalNextIfShared wakes the successor of h only if it waits in shared mode.
func signalNextIfShared(h *node) {
	if h == nil {
		return
	}
	if n := h.next.Load(); n != nil && n.kind == sharedNode && n.status.Load() != 0 {
		n.unsetStatus(statusWaiting)
		n.waiter.Load().Unpark()
		metrics.SignalCounter.Inc()
	}
}

// cleanQueue unlinks cancelled nodes, walking backward from the tail over
// (succ, q, p) triples. Any inconsistency restarts the walk from the tail.
func (s *Synchronizer[S]) cleanQueue() {
	for {
		var succ *node
		q := s.tail.Load()
		for {
			if q == nil {
				return
			}
			p := q.prev.Load()
			if p == nil {
				return
			}
			if succ == nil {
				if s.tail.Load() != q {
					break
				}
			} else if succ.prev.Load() != q || succ.status.Load() < 0 {
				break
			}
			if q.status.Load() < 0 {
				var unlinked bool
				if succ == nil {
					unlinked = s.tail.CompareAndSwap(q, p)
				} else {
					unlinked = succ.prev.CompareAndSwap(q, p)
				}
				if unlinked && q.prev.Load() == p {
					p.next.CompareAndSwap(q, succ)
					if p.prev.Load() == nil {
						signalNext(p)
					}
				}
				break
			}
			if n := p.next.Load(); n != q {
				// help finish a lagging next link
				if n != nil && q.prev.Load() == p {
					p.next.CompareAndSwap(n, q)
					if p.prev.Load() == nil {
						signalNext(p)
					}
				}
				break
			}
			succ = q
			q = p
		}
	}
}
