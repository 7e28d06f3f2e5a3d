package errors

import "errors"

var (
	// ErrInterrupted is returned by interruptible operations when the calling
	// thread is interrupted or its context is cancelled while waiting.
	ErrInterrupted = errors.New("qsync: interrupted")
	// ErrTimeout is returned when a bounded wait runs out of time and the
	// operation has no boolean result to report it with.
	ErrTimeout = errors.New("qsync: timeout")
	// ErrIllegalMonitorState is returned when a caller releases, signals or
	// waits on a synchronizer it does not hold.
	ErrIllegalMonitorState = errors.New("qsync: illegal monitor state")
	// ErrIllegalState is returned when a synchronizer reaches a state its
	// hooks cannot legally produce.
	ErrIllegalState = errors.New("qsync: illegal state")
	// ErrUnsupported is returned by hooks a synchronizer does not implement.
	ErrUnsupported = errors.New("qsync: unsupported operation")
	// ErrBrokenBarrier is returned by barrier waits when the barrier breaks.
	ErrBrokenBarrier = errors.New("qsync: broken barrier")
	ErrConnectionClosed = errors.New("qsync: connection closed")
)
