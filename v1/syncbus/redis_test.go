package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
)

func newRedisBus(t *testing.T) (*RedisBus, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(RedisBusOptions{Client: client})
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
		mr.Close()
	})
	return bus, client
}

func TestRedisBusFlow(t *testing.T) {
	bus, _ := newRedisBus(t)
	testBusFlow(t, bus, "key")
	waitUntil(t, "redis subscription dropped", func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		_, ok := bus.subs["key"]
		return !ok
	})
}

func TestRedisBusPrefix(t *testing.T) {
	bus, client := newRedisBus(t)
	custom := NewRedisBus(RedisBusOptions{Client: client, Prefix: "app:"})
	defer custom.Close()

	ctx := context.Background()
	ch, err := custom.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// different prefixes do not share channels
	_ = bus.Publish(ctx, Event{Key: "k", Kind: KindLock})
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
	if err := client.Publish(ctx, "app:k", `{"key":"k","kind":2,"origin":"raw"}`).Err(); err != nil {
		t.Fatalf("raw publish: %v", err)
	}
	if evt := receive(t, ch); evt.Origin != "raw" || evt.Kind != KindUnlock {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestRedisBusSubscribeCancelledContext(t *testing.T) {
	bus, _ := newRedisBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	if _, err := bus.Subscribe(ctx, "k"); !errors.Is(err, qerrors.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}
