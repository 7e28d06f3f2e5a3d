package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
	"github.com/mirkobrombin/go-qsync/v1/syncbus"
)

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis, syncbus.Bus, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := syncbus.NewInMemoryBus()
	locker := NewRedis(client, WithBus(bus))
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return locker, mr, bus, context.Background()
}

func TestRedisTryLockAcquireReleaseAndBus(t *testing.T) {
	l, _, bus, ctx := newRedisLocker(t)

	events, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := l.Acquire(ctx, "k", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	select {
	case evt := <-events:
		if evt.Kind != syncbus.KindLock || evt.Origin != l.origin {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for lock publish")
	}
	if err := l.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case evt := <-events:
		if evt.Kind != syncbus.KindUnlock {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unlock publish")
	}
	l.mu.Lock()
	if _, ok := l.gates["k"]; ok {
		t.Fatal("gate not cleaned up on release")
	}
	l.mu.Unlock()
	if err := l.Release(ctx, "k"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}

	ok, err := l.TryLock(ctx, "k", time.Second)
	if err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}
	if ok, err := l.TryLock(ctx, "k", time.Second); err != nil || ok {
		t.Fatalf("expected lock held, ok %v err %v", ok, err)
	}
	if err := l.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestRedisAcquireTimeout(t *testing.T) {
	l1, _, bus, ctx := newRedisLocker(t)
	l2 := NewRedis(l1.client, WithBus(bus))

	if ok, err := l1.TryLock(ctx, "k", 0); err != nil || !ok {
		t.Fatalf("initial trylock: %v ok %v", err, ok)
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := l2.Acquire(cctx, "k", 0)
	if !errors.Is(err, qerrors.ErrInterrupted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("acquire did not respect context timeout")
	}
}

func TestRedisAcquireWakesOnRemoteRelease(t *testing.T) {
	l1, _, bus, ctx := newRedisLocker(t)
	l2 := NewRedis(l1.client, WithBus(bus))

	if ok, _ := l1.TryLock(ctx, "k", 0); !ok {
		t.Fatal("initial trylock failed")
	}
	acquired := make(chan error, 1)
	go func() { acquired <- l2.Acquire(ctx, "k", 0) }()
	time.Sleep(20 * time.Millisecond)
	if err := l1.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("waiter not woken by unlock event")
	}
	if err := l2.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestRedisLocalContendersQueue(t *testing.T) {
	l, _, _, ctx := newRedisLocker(t)
	if err := l.Acquire(ctx, "k", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	acquired := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			if err := l.Acquire(ctx, "k", 0); err != nil {
				acquired <- err
				return
			}
			acquired <- l.Release(ctx, "k")
		}()
	}
	waitFor(t, "local waiters queued", func() bool { return l.QueueLength("k") == 2 })
	if err := l.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := expectErr(t, acquired); err != nil {
			t.Fatalf("waiter: %v", err)
		}
	}
}

func TestRedisReleaseAfterExpiry(t *testing.T) {
	l, mr, _, ctx := newRedisLocker(t)
	if ok, _ := l.TryLock(ctx, "k", time.Minute); !ok {
		t.Fatal("trylock failed")
	}
	mr.FastForward(2 * time.Minute)
	if err := l.Release(ctx, "k"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld after expiry, got %v", err)
	}
	if ok, _ := l.TryLock(ctx, "k", 0); !ok {
		t.Fatal("expected key free after expiry")
	}
}
