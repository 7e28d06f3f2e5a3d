package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyBus struct {
	*InMemoryBus
	err error
}

func (f *flakyBus) Publish(ctx context.Context, evt Event) error {
	if f.err != nil {
		return f.err
	}
	return f.InMemoryBus.Publish(ctx, evt)
}

func TestCircuitBreakerStateTransitions(t *testing.T) {
	fb := &flakyBus{InMemoryBus: NewInMemoryBus()}
	timeout := 30 * time.Millisecond
	cb := NewCircuitBreaker(fb, 2, timeout)
	ctx := context.Background()
	evt := Event{Key: "k", Kind: KindLock}
	failErr := errors.New("fail")

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}
	fb.err = failErr
	if err := cb.Publish(ctx, evt); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy below threshold")
	}
	_ = cb.Publish(ctx, evt)
	if cb.IsHealthy() {
		t.Fatal("expected open after threshold")
	}
	if err := cb.Publish(ctx, evt); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	// failed probe reopens
	time.Sleep(timeout + 10*time.Millisecond)
	if err := cb.Publish(ctx, evt); err != failErr {
		t.Fatalf("expected probe failure, got %v", err)
	}
	if err := cb.Publish(ctx, evt); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	// successful probe closes
	time.Sleep(timeout + 10*time.Millisecond)
	fb.err = nil
	if err := cb.Publish(ctx, evt); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !cb.IsHealthy() || cb.failures != 0 || cb.state != stateClosed {
		t.Fatal("expected closed after successful probe")
	}
}

func TestCircuitBreakerPassthrough(t *testing.T) {
	cb := NewCircuitBreaker(NewInMemoryBus(), 5, time.Minute)
	testBusFlow(t, cb, "foo")
	if err := cb.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
