// Package lock provides ready-made synchronizers built on the synchronizer
// package and keyed lock tables.
//
// Mutex, ReentrantLock, Semaphore, CountDownLatch, RWMutex and
// CyclicBarrier queue blocked callers in arrival order and support
// interruptible and timed acquisition through the thread bound to the
// context (see the park package).
//
// InMemory and Redis implement Locker, a table of named locks with an
// optional TTL. Lock and unlock events propagate across nodes via syncbus,
// enabling coordination patterns such as leader election.
package lock
