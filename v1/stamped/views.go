package stamped

import (
	"context"
	"fmt"
	"sync"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
)

type readLocker struct{ l *Lock }

func (v readLocker) Lock() { v.l.ReadLock(context.Background()) }

func (v readLocker) Unlock() {
	if !v.l.TryUnlockRead() {
		panic(fmt.Errorf("stamped: read unlock of unlocked lock: %w", qerrors.ErrIllegalMonitorState))
	}
}

type writeLocker struct{ l *Lock }

func (v writeLocker) Lock() { v.l.WriteLock(context.Background()) }

func (v writeLocker) Unlock() {
	if !v.l.TryUnlockWrite() {
		panic(fmt.Errorf("stamped: write unlock of unlocked lock: %w", qerrors.ErrIllegalMonitorState))
	}
}

// AsReadLocker returns a sync.Locker whose Lock and Unlock take and release
// read holds. Unlock panics when the lock is not read locked.
func (l *Lock) AsReadLocker() sync.Locker { return readLocker{l} }

// AsWriteLocker returns a sync.Locker over the write lock. Unlock panics when
// the lock is not write locked.
func (l *Lock) AsWriteLocker() sync.Locker { return writeLocker{l} }

// RWView exposes a Lock with the method set of sync.RWMutex.
type RWView struct {
	l *Lock
}

// AsRWLocker returns a sync.RWMutex shaped view of l.
func (l *Lock) AsRWLocker() RWView { return RWView{l} }

func (v RWView) Lock() { writeLocker(v).Lock() }

func (v RWView) Unlock() { writeLocker(v).Unlock() }

func (v RWView) RLock() { readLocker(v).Lock() }

func (v RWView) RUnlock() { readLocker(v).Unlock() }

// RLocker returns a sync.Locker over the read side, like
// sync.RWMutex.RLocker.
func (v RWView) RLocker() sync.Locker { return readLocker(v) }
