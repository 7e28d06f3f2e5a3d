package synchronizer

import (
	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
	"github.com/mirkobrombin/go-qsync/v1/park"
)

// Word is the set of state word types a Synchronizer can be built on.
type Word interface {
	~int32 | ~int64
}

// ExclusiveHooks give a synchronizer its exclusive-mode semantics. t is the
// calling thread; implementations that track ownership compare against it.
type ExclusiveHooks[S Word] interface {
	// TryAcquire attempts to acquire in exclusive mode without blocking.
	TryAcquire(s *Synchronizer[S], t *park.Thread, arg S) (bool, error)
	// TryRelease updates the state to reflect a release and reports whether
	// the synchronizer is now fully released, so waiters may acquire.
	TryRelease(s *Synchronizer[S], t *park.Thread, arg S) (bool, error)
	// IsHeldExclusively reports whether t holds the synchronizer
	// exclusively. Only conditions use it.
	IsHeldExclusively(s *Synchronizer[S], t *park.Thread) bool
}

// SharedHooks give a synchronizer its shared-mode semantics.
type SharedHooks[S Word] interface {
	// TryAcquireShared returns a negative value on failure, zero when it
	// succeeded but no further shared acquire can, and a positive value
	// when subsequent shared acquires may also succeed.
	TryAcquireShared(s *Synchronizer[S], t *park.Thread, arg S) (int, error)
	// TryReleaseShared reports whether the release may allow a waiting
	// acquire, shared or exclusive, to succeed.
	TryReleaseShared(s *Synchronizer[S], t *park.Thread, arg S) (bool, error)
}

// Hooks is the full set of hooks a Synchronizer dispatches to.
type Hooks[S Word] interface {
	ExclusiveHooks[S]
	SharedHooks[S]
}

// UnsupportedHooks implements every hook as unsupported. Embed it and
// override the modes a synchronizer actually uses.
type UnsupportedHooks[S Word] struct{}

func (UnsupportedHooks[S]) TryAcquire(*Synchronizer[S], *park.Thread, S) (bool, error) {
	return false, qerrors.ErrUnsupported
}

func (UnsupportedHooks[S]) TryRelease(*Synchronizer[S], *park.Thread, S) (bool, error) {
	return false, qerrors.ErrUnsupported
}

// IsHeldExclusively reports false, so conditions on a synchronizer that does
// not override it fail with ErrIllegalMonitorState.
func (UnsupportedHooks[S]) IsHeldExclusively(*Synchronizer[S], *park.Thread) bool {
	return false
}

func (UnsupportedHooks[S]) TryAcquireShared(*Synchronizer[S], *park.Thread, S) (int, error) {
	return -1, qerrors.ErrUnsupported
}

func (UnsupportedHooks[S]) TryReleaseShared(*Synchronizer[S], *park.Thread, S) (bool, error) {
	return false, qerrors.ErrUnsupported
}
