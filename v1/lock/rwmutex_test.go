package lock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
)

func TestRWMutexReadersShare(t *testing.T) {
	rw := NewRWMutex()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := rw.RLock(ctx); err != nil {
			t.Fatalf("rlock: %v", err)
		}
	}
	if rw.ReadLockCount() != 3 || rw.TryLock() {
		t.Fatal("expected 3 readers and no writer")
	}
	for i := 0; i < 3; i++ {
		if err := rw.RUnlock(ctx); err != nil {
			t.Fatalf("runlock: %v", err)
		}
	}
	if err := rw.RUnlock(ctx); !errors.Is(err, qerrors.ErrIllegalMonitorState) {
		t.Fatalf("expected illegal monitor state, got %v", err)
	}
	if !rw.TryLock() || !rw.IsWriteLocked() || rw.TryRLock() {
		t.Fatal("expected exclusive writer")
	}
	if err := rw.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := rw.Unlock(ctx); !errors.Is(err, qerrors.ErrIllegalMonitorState) {
		t.Fatalf("expected illegal monitor state, got %v", err)
	}
}

func TestRWMutexWriterPreferred(t *testing.T) {
	rw := NewRWMutex()
	ctx := context.Background()
	_ = rw.RLock(ctx)

	wctx, wt := bind("writer")
	wrote := make(chan error, 1)
	go func() {
		rw.Lock(wctx)
		wrote <- rw.Unlock(wctx)
	}()
	waitFor(t, "writer parked", wt.IsParked)

	// a queued writer blocks new readers
	if rw.TryRLock() {
		t.Fatal("reader barged ahead of queued writer")
	}
	rctx, rt := bind("reader")
	read := make(chan error, 1)
	go func() {
		if err := rw.RLock(rctx); err != nil {
			read <- err
			return
		}
		read <- rw.RUnlock(rctx)
	}()
	waitFor(t, "reader parked", rt.IsParked)

	_ = rw.RUnlock(ctx)
	if err := expectErr(t, wrote); err != nil {
		t.Fatalf("writer: %v", err)
	}
	if err := expectErr(t, read); err != nil {
		t.Fatalf("reader: %v", err)
	}
}

func TestRWMutexTimedAndLockers(t *testing.T) {
	rw := NewRWMutex()
	ctx := context.Background()
	rw.Lock(ctx)
	if ok, err := rw.TryRLockFor(ctx, 5*time.Millisecond); err != nil || ok {
		t.Fatalf("expected read timeout, ok %v err %v", ok, err)
	}
	if ok, err := rw.TryLockFor(ctx, 5*time.Millisecond); err != nil || ok {
		t.Fatalf("expected write timeout, ok %v err %v", ok, err)
	}
	_ = rw.Unlock(ctx)

	rl := rw.RLocker(ctx)
	rl.Lock()
	rl.Lock()
	if rw.ReadLockCount() != 2 {
		t.Fatal("expected two readers")
	}
	rl.Unlock()
	rl.Unlock()
	wl := rw.Locker(ctx)
	wl.Lock()
	if !rw.IsWriteLocked() {
		t.Fatal("expected writer")
	}
	wl.Unlock()
	if !strings.HasSuffix(rw.String(), "[Unlocked]") {
		t.Fatalf("unexpected string %q", rw.String())
	}
}
