package syncbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
)

var errBusClosed = fmt.Errorf("syncbus: bus closed: %w", qerrors.ErrConnectionClosed)

// Kind is the kind of a lock event.
type Kind uint8

const (
	// KindLock announces that a key was locked.
	KindLock Kind = iota + 1
	// KindUnlock announces that a key was released.
	KindUnlock
)

func (k Kind) String() string {
	switch k {
	case KindLock:
		return "lock"
	case KindUnlock:
		return "unlock"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Event is a lock state change of one key. Origin identifies the node that
// published it so nodes can skip their own echoes.
type Event struct {
	Key    string    `json:"key"`
	Kind   Kind      `json:"kind"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

func encodeEvent(evt Event) ([]byte, error) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	return json.Marshal(evt)
}

func decodeEvent(data []byte) (Event, error) {
	var evt Event
	err := json.Unmarshal(data, &evt)
	return evt, err
}

// Bus propagates lock events between the nodes sharing a lock table.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(ctx context.Context, key string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, key string, ch <-chan Event) error
	Close() error
}

// Metrics holds publish and delivery counts of a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// subscriberBuffer bounds the events queued per subscriber. A subscriber that
// falls further behind loses events.
const subscriberBuffer = 64

// fanout tracks the local subscriber channels of each key.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	closed    bool
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]chan Event)}
}

// add registers a new channel for key and reports whether it is the first.
// It fails once closeAll has run.
func (f *fanout) add(key string) (chan Event, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false, errBusClosed
	}
	ch := make(chan Event, subscriberBuffer)
	first := len(f.subs[key]) == 0
	f.subs[key] = append(f.subs[key], ch)
	return ch, first, nil
}

// remove closes ch and reports whether key has no subscribers left.
func (f *fanout) remove(key string, ch <-chan Event) (removed, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			removed = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, key)
		return removed, removed
	}
	f.subs[key] = subs
	return removed, false
}

func (f *fanout) deliver(evt Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[evt.Key] {
		select {
		case ch <- evt:
			f.delivered.Add(1)
		default:
			slog.Warn("qsync: dropping event for slow subscriber", "key", evt.Key, "kind", evt.Kind.String())
		}
	}
}

func (f *fanout) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for k := range f.subs {
		out = append(out, k)
	}
	return out
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for key, subs := range f.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.subs, key)
	}
}

// unsubscribeOnDone removes ch once ctx is done.
func unsubscribeOnDone(ctx context.Context, b Bus, key string, ch <-chan Event) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
}

// InMemoryBus delivers events between lock tables of one process.
type InMemoryBus struct {
	fan       *fanout
	published atomic.Uint64
	closed    atomic.Bool
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{fan: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, evt Event) error {
	if b.closed.Load() {
		return errBusClosed
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.published.Add(1)
	b.fan.deliver(evt)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if b.closed.Load() {
		return nil, errBusClosed
	}
	ch, _, err := b.fan.add(key)
	if err != nil {
		return nil, err
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	b.fan.remove(key, ch)
	return nil
}

// Close closes every subscription.
func (b *InMemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.fan.closeAll()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.fan.delivered.Load(),
	}
}
