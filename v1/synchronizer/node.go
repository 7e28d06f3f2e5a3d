package synchronizer

import (
	"math"
	"sync/atomic"

	"github.com/mirkobrombin/go-qsync/v1/park"
)

type nodeKind uint8

const (
	exclusiveNode nodeKind = iota
	sharedNode
	conditionNode
)

// Node status bits. cancelled is negative so a single sign test detects it.
const (
	statusWaiting   int32 = 1
	statusCond      int32 = 2
	statusCancelled int32 = math.MinInt32
)

type node struct {
	prev   atomic.Pointer[node]
	next   atomic.Pointer[node]
	waiter atomic.Pointer[park.Thread]
	status atomic.Int32
	kind   nodeKind

	// nextWaiter links condition nodes; guarded by exclusive ownership.
	nextWaiter *node
}

func newNode(shared bool) *node {
	if shared {
		return &node{kind: sharedNode}
	}
	return &node{kind: exclusiveNode}
}

// unsetStatus clears bits and returns the previous status.
func (n *node) unsetStatus(bits int32) int32 {
	for {
		old := n.status.Load()
		if old&bits == 0 || n.status.CompareAndSwap(old, old&^bits) {
			return old
		}
	}
}
