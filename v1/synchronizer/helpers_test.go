package synchronizer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
	"github.com/mirkobrombin/go-qsync/v1/park"
)

// mutexHooks is a non-reentrant owner-tracking mutex: state 1 means held.
type mutexHooks struct {
	UnsupportedHooks[int32]
	owner atomic.Pointer[park.Thread]
}

func (h *mutexHooks) TryAcquire(s *Synchronizer[int32], t *park.Thread, arg int32) (bool, error) {
	if s.CompareAndSetState(0, arg) {
		h.owner.Store(t)
		return true, nil
	}
	return false, nil
}

func (h *mutexHooks) TryRelease(s *Synchronizer[int32], t *park.Thread, _ int32) (bool, error) {
	if h.owner.Load() != t || s.State() == 0 {
		return false, qerrors.ErrIllegalMonitorState
	}
	h.owner.Store(nil)
	s.SetState(0)
	return true, nil
}

func (h *mutexHooks) IsHeldExclusively(s *Synchronizer[int32], t *park.Thread) bool {
	return s.State() != 0 && h.owner.Load() == t
}

// latchHooks opens every shared acquire once released.
type latchHooks struct {
	UnsupportedHooks[int32]
}

func (latchHooks) TryAcquireShared(s *Synchronizer[int32], _ *park.Thread, _ int32) (int, error) {
	if s.State() != 0 {
		return 1, nil
	}
	return -1, nil
}

func (latchHooks) TryReleaseShared(s *Synchronizer[int32], _ *park.Thread, _ int32) (bool, error) {
	s.SetState(1)
	return true, nil
}

func newMutex() *Synchronizer[int32] {
	return New[int32](&mutexHooks{}, WithName("test-mutex"))
}

func bind(name string) (context.Context, *park.Thread) {
	th := park.NewThread(name)
	return park.WithThread(context.Background(), th), th
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for goroutine")
	}
	return nil
}
