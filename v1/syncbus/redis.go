package syncbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
)

const (
	redisBusTimeout    = 5 * time.Second
	defaultRedisPrefix = "qsync:lock:"
	tracerName         = "github.com/mirkobrombin/go-qsync/v1/syncbus"
)

var tracer = otel.Tracer(tracerName)

// RedisBusOptions configures a RedisBus.
type RedisBusOptions struct {
	Client *redis.Client
	// Prefix is prepended to keys to form channel names. Defaults to
	// "qsync:lock:".
	Prefix string
}

// RedisBus implements Bus on Redis pub/sub, one channel per key.
type RedisBus struct {
	client *redis.Client
	prefix string

	mu        sync.Mutex
	subs      map[string]*redis.PubSub
	fan       *fanout
	published atomic.Uint64
	closed    atomic.Bool
}

// NewRedisBus returns a new RedisBus.
func NewRedisBus(opts RedisBusOptions) *RedisBus {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBus{
		client: opts.Client,
		prefix: prefix,
		subs:   make(map[string]*redis.PubSub),
		fan:    newFanout(),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	if b.closed.Load() {
		return errBusClosed
	}
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(
		attribute.String("qsync.bus.key", evt.Key),
		attribute.String("qsync.bus.kind", evt.Kind.String()),
	))
	defer span.End()

	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.prefix+evt.Key, data).Err(); err != nil {
		span.RecordError(err)
		return redisErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis confirmed the
// subscription.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if b.closed.Load() {
		return nil, errBusClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, redisErr(err)
	}
	ch, first, err := b.fan.add(key)
	if err != nil {
		return nil, err
	}
	if first {
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		ps := b.client.Subscribe(cctx, b.prefix+key)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			b.fan.remove(key, ch)
			return nil, redisErr(err)
		}
		b.mu.Lock()
		b.subs[key] = ps
		b.mu.Unlock()
		go b.dispatch(key, ps)
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(key string, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		evt, err := decodeEvent([]byte(msg.Payload))
		if err != nil {
			slog.Warn("qsync: dropping malformed Redis event", "channel", msg.Channel, "error", err)
			continue
		}
		b.fan.deliver(evt)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	if _, last := b.fan.remove(key, ch); !last {
		return nil
	}
	b.mu.Lock()
	ps := b.subs[key]
	delete(b.subs, key)
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisBusTimeout)
	defer cancel()
	_ = ps.Unsubscribe(cctx, b.prefix+key)
	return redisErr(ps.Close())
}

// Close drops every subscription. The client stays open and owned by the
// caller.
func (b *RedisBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	for key, ps := range b.subs {
		_ = ps.Close()
		delete(b.subs, key)
	}
	b.mu.Unlock()
	b.fan.closeAll()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.fan.delivered.Load(),
	}
}

func redisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return qerrors.ErrTimeout
	case errors.Is(err, redis.ErrClosed):
		return qerrors.ErrConnectionClosed
	}
	return err
}
