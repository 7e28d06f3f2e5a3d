package syncbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("qsync: circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	}
	return "closed"
}

// CircuitBreakerBus decorates a Bus so that publishes fail fast with
// ErrCircuitOpen after threshold consecutive failures, until timeout passed
// and a probe publish succeeds.
type CircuitBreakerBus struct {
	bus       Bus
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreakerBus.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready for a probe.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow moves an expired open circuit to half-open and lets exactly one probe
// through.
func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.transition(stateHalfOpen)
			return true
		}
	}
	return false
}

func (cb *CircuitBreakerBus) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state == stateHalfOpen {
		cb.transition(stateClosed)
	}
}

func (cb *CircuitBreakerBus) onFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if (cb.state == stateClosed && cb.failures >= cb.threshold) || cb.state == stateHalfOpen {
		slog.Warn("qsync: bus publish failing", "failures", cb.failures, "error", err)
		cb.transition(stateOpen)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreakerBus) transition(to state) {
	if cb.state == to {
		return
	}
	slog.Info("qsync: circuit breaker transition", "from", cb.state.String(), "to", to.String())
	cb.state = to
}

// Publish implements Bus.Publish with circuit breaker logic.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, evt Event) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := cb.bus.Publish(ctx, evt); err != nil {
		cb.onFailure(err)
		return err
	}
	cb.onSuccess()
	return nil
}

func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	return cb.bus.Subscribe(ctx, key)
}

func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	return cb.bus.Unsubscribe(ctx, key, ch)
}

func (cb *CircuitBreakerBus) Close() error {
	return cb.bus.Close()
}
