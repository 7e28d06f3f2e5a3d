// Package synchronizer is a framework for blocking synchronizers built on a
// single atomic state word and an intrusive lock-free queue of waiters.
//
// Concrete synchronizers (mutexes, semaphores, latches, read/write locks)
// implement Hooks to give the state word its meaning; the package drives
// waiters through try-acquire attempts, queue insertion, parking,
// cancellation and successor wakeup. Waiters that block are served in queue
// order, but any caller may barge in by succeeding at the hook before it is
// queued.
//
// The queue is a CLH variant: nodes are appended with a compare-and-swap on
// the tail and the prev links, walked backward from the tail, are the source
// of truth. next links are hints that may lag behind.
//
// Both 32 and 64 bit state words are supported through the Word type
// parameter.
package synchronizer
