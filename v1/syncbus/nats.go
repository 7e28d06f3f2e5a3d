package syncbus

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "qsync.lock."

// NATSBus implements Bus on core NATS subjects, one subject per key.
type NATSBus struct {
	mu        sync.Mutex
	conn      *nats.Conn
	subs      map[string]*nats.Subscription
	fan       *fanout
	published atomic.Uint64
	closed    atomic.Bool
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		subs: make(map[string]*nats.Subscription),
		fan:  newFanout(),
	}
}

func natsSubject(key string) string { return natsSubjectPrefix + key }

// Publish implements Bus.Publish. Failed publishes are retried with jittered
// backoff until ctx is done.
func (b *NATSBus) Publish(ctx context.Context, evt Event) error {
	if b.closed.Load() {
		return errBusClosed
	}
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	backoff := 50 * time.Millisecond
	for {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if err = conn.Publish(natsSubject(evt.Key), data); err == nil {
			b.published.Add(1)
			return nil
		}
		_ = b.reconnect()
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		if backoff < time.Second {
			backoff = min(backoff*2, time.Second)
		}
	}
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if b.closed.Load() {
		return nil, errBusClosed
	}
	ch, first, err := b.fan.add(key)
	if err != nil {
		return nil, err
	}
	if first {
		b.mu.Lock()
		sub, err := b.conn.Subscribe(natsSubject(key), b.handler)
		if err == nil {
			b.subs[key] = sub
			// make sure the server knows the interest before returning
			err = b.conn.Flush()
		}
		b.mu.Unlock()
		if err != nil {
			b.fan.remove(key, ch)
			return nil, err
		}
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *NATSBus) handler(m *nats.Msg) {
	evt, err := decodeEvent(m.Data)
	if err != nil {
		slog.Warn("qsync: dropping malformed NATS event", "subject", m.Subject, "error", err)
		return
	}
	b.fan.deliver(evt)
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	if _, last := b.fan.remove(key, ch); !last {
		return nil
	}
	b.mu.Lock()
	sub := b.subs[key]
	delete(b.subs, key)
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Close drops every subscription. The connection stays open and owned by the
// caller.
func (b *NATSBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	for key, sub := range b.subs {
		_ = sub.Unsubscribe()
		delete(b.subs, key)
	}
	b.mu.Unlock()
	b.fan.closeAll()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.fan.delivered.Load(),
	}
}

func (b *NATSBus) reconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil && b.conn.IsConnected() {
		return nil
	}
	conn, err := b.conn.Opts.Connect()
	if err != nil {
		return err
	}
	b.conn = conn
	for key := range b.subs {
		sub, err := conn.Subscribe(natsSubject(key), b.handler)
		if err != nil {
			slog.Warn("qsync: NATS resubscribe failed", "key", key, "error", err)
			continue
		}
		b.subs[key] = sub
	}
	return nil
}
