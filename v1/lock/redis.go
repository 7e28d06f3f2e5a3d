package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
	"github.com/mirkobrombin/go-qsync/v1/syncbus"
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Bounds on how long a blocked Acquire waits for an unlock event before it
// retries SET NX on its own, covering holders that expired or died.
const (
	minRetryWait = 10 * time.Millisecond
	maxRetryWait = time.Second
)

type gate struct {
	m     *Mutex
	refs  int
	token string
	timer *time.Timer
}

// Redis implements Locker on a Redis backend with SET NX PX and a random
// token per hold. Contenders of the same process queue on a local Mutex per
// key, so only one of them at a time polls Redis. Unlock events on the bus
// wake a contender as soon as a holder on any node releases the key.
type Redis struct {
	client  *redis.Client
	bus     syncbus.Bus
	origin  string
	metrics *tableMetrics
	tracing bool

	mu    sync.Mutex
	gates map[string]*gate
}

// NewRedis returns a new Redis locker using the provided client. Without
// WithBus it uses a private InMemoryBus, which only sees local releases.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	o := buildOptions("redis", opts)
	if o.bus == nil {
		o.bus = syncbus.NewInMemoryBus()
	}
	return &Redis{
		client:  client,
		bus:     o.bus,
		origin:  uuid.NewString(),
		metrics: newTableMetrics(o.reg, o.name),
		tracing: o.tracing,
		gates:   make(map[string]*gate),
	}
}

func (r *Redis) ref(key string) *gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[key]
	if !ok {
		g = &gate{m: NewMutex(WithName("lock.Redis[" + key + "]"))}
		r.gates[key] = g
		r.metrics.setKeys(len(r.gates))
	}
	g.refs++
	return g
}

func (r *Redis) unref(key string, g *gate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g.refs--
	if g.refs == 0 {
		delete(r.gates, key)
		r.metrics.setKeys(len(r.gates))
	}
}

// TryLock attempts to obtain the lock without waiting.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	g := r.ref(key)
	if !g.m.TryLock() {
		r.unref(key, g)
		r.metrics.observe(resultBusy, time.Time{})
		return false, nil
	}
	ok, err := r.setNX(ctx, key, g, ttl)
	if err != nil || !ok {
		_ = g.m.Unlock(ctx)
		r.unref(key, g)
		if err != nil {
			r.metrics.observe(resultError, time.Time{})
			return false, err
		}
		r.metrics.observe(resultBusy, time.Time{})
		return false, nil
	}
	r.metrics.observe(resultAcquired, time.Time{})
	r.publish(ctx, key, syncbus.KindLock)
	return true, nil
}

func (r *Redis) setNX(ctx context.Context, key string, g *gate, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	r.mu.Lock()
	g.token = token
	if ttl > 0 {
		g.timer = time.AfterFunc(ttl, func() { r.expire(key, g, token) })
	}
	r.mu.Unlock()
	return true, nil
}

// Acquire blocks until the lock is obtained, ctx is done or the thread
// bound to ctx is interrupted.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (err error) {
	ctx, done := startAcquire(ctx, r.tracing, r.metrics, "Redis.Acquire", key)
	defer func() { done(err) }()

	g := r.ref(key)
	if err := g.m.LockInterruptibly(ctx); err != nil {
		r.unref(key, g)
		return err
	}
	if err := r.acquireRemote(ctx, key, g, ttl); err != nil {
		_ = g.m.Unlock(ctx)
		r.unref(key, g)
		return err
	}
	r.publish(ctx, key, syncbus.KindLock)
	return nil
}

// acquireRemote retries SET NX until it succeeds. The bus subscription is
// taken before each attempt so an unlock between a failed attempt and the
// wait is not missed.
func (r *Redis) acquireRemote(ctx context.Context, key string, g *gate, ttl time.Duration) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := r.bus.Subscribe(subCtx, key)
	if err != nil {
		return err
	}
	for {
		ok, err := r.setNX(ctx, key, g, ttl)
		if err != nil {
			if ctx.Err() != nil {
				return errInterruptedWait(ctx)
			}
			return err
		}
		if ok {
			return nil
		}
		wait := r.retryWait(ctx, key)
		timer := time.NewTimer(wait)
		select {
		case <-ch:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errInterruptedWait(ctx)
		}
		timer.Stop()
	}
}

// retryWait bounds the wait by the remaining TTL of the current holder.
func (r *Redis) retryWait(ctx context.Context, key string) time.Duration {
	pttl, err := r.client.PTTL(ctx, key).Result()
	switch {
	case err != nil, pttl < 0:
		return maxRetryWait
	case pttl < minRetryWait:
		return minRetryWait
	case pttl > maxRetryWait:
		return maxRetryWait
	}
	return pttl
}

func (r *Redis) expire(key string, g *gate, token string) {
	r.mu.Lock()
	if g.token != token {
		r.mu.Unlock()
		return
	}
	g.token = ""
	g.timer = nil
	r.mu.Unlock()
	_ = g.m.Unlock(context.Background())
	r.unref(key, g)
}

// Release frees the lock for the given key. It returns ErrNotHeld when the
// key is not held by this locker or its TTL already expired in Redis.
func (r *Redis) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	g, ok := r.gates[key]
	if !ok || g.token == "" {
		r.mu.Unlock()
		return fmt.Errorf("lock: release %q: %w", key, ErrNotHeld)
	}
	token := g.token
	g.token = ""
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	r.mu.Unlock()

	n, err := delScript.Run(ctx, r.client, []string{key}, token).Int64()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	_ = g.m.Unlock(ctx)
	r.unref(key, g)
	if err != nil {
		slog.Warn("qsync: redis lock release failed", "key", key, "error", err)
		return fmt.Errorf("lock: release %q: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("lock: release %q: expired: %w", key, ErrNotHeld)
	}
	r.publish(ctx, key, syncbus.KindUnlock)
	return nil
}

func (r *Redis) publish(ctx context.Context, key string, kind syncbus.Kind) {
	evt := syncbus.Event{Key: key, Kind: kind, Origin: r.origin}
	if err := r.bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		slog.Warn("qsync: lock event publish failed", "key", key, "kind", kind.String(), "error", err)
	}
}

// QueueLength estimates the number of local goroutines waiting for key.
func (r *Redis) QueueLength(key string) int {
	r.mu.Lock()
	g, ok := r.gates[key]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return g.m.QueueLength()
}

var _ Locker = (*Redis)(nil)

func errInterruptedWait(ctx context.Context) error {
	return fmt.Errorf("%w: %w", qerrors.ErrInterrupted, ctx.Err())
}
