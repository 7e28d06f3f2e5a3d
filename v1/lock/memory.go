package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/mirkobrombin/go-qsync/v1/park"
	"github.com/mirkobrombin/go-qsync/v1/synchronizer"
	"github.com/mirkobrombin/go-qsync/v1/syncbus"
)

// Entry states.
const (
	entryFree   int32 = 0
	entryLocal  int32 = 1
	entryRemote int32 = 2
)

type entryHooks struct {
	synchronizer.UnsupportedHooks[int32]
}

func (entryHooks) TryAcquire(s *synchronizer.Synchronizer[int32], _ *park.Thread, _ int32) (bool, error) {
	return s.CompareAndSetState(entryFree, entryLocal), nil
}

// TryRelease frees an entry held in the mode given by arg.
func (entryHooks) TryRelease(s *synchronizer.Synchronizer[int32], _ *park.Thread, arg int32) (bool, error) {
	if !s.CompareAndSetState(arg, entryFree) {
		return false, ErrNotHeld
	}
	return true, nil
}

func (entryHooks) IsHeldExclusively(s *synchronizer.Synchronizer[int32], _ *park.Thread) bool {
	return s.State() == entryLocal
}

type entry struct {
	sync *synchronizer.Synchronizer[int32]

	// guarded by InMemory.mu
	refs  int
	hold  uint64
	held  bool
	timer *time.Timer
}

// InMemory implements Locker in local memory. Each key is a queued
// synchronizer, so goroutines blocked on a key are granted it in arrival
// order. Lock and unlock events are published on a syncbus Bus and events
// from other nodes mark keys as held remotely, allowing multiple nodes to
// coordinate. Entries are dropped once nobody holds or waits for them.
type InMemory struct {
	bus     syncbus.Bus
	origin  string
	metrics *tableMetrics
	tracing bool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	subs    map[string]struct{}
}

// NewInMemory returns a new in-memory locker. Without WithBus it uses a
// private InMemoryBus.
func NewInMemory(opts ...Option) *InMemory {
	o := buildOptions("memory", opts)
	if o.bus == nil {
		o.bus = syncbus.NewInMemoryBus()
	}
	origin, err := uuid.GenerateUUID()
	if err != nil {
		origin = fmt.Sprintf("node-%d", time.Now().UnixNano())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemory{
		bus:     o.bus,
		origin:  origin,
		metrics: newTableMetrics(o.reg, o.name),
		tracing: o.tracing,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
		subs:    make(map[string]struct{}),
	}
}

// Origin returns the ID this table stamps on its events.
func (l *InMemory) Origin() string { return l.origin }

// Follow starts mirroring the events of key from other nodes without
// locking it. Keys are followed automatically on first use; a node must
// follow a key before a peer locks it to see that hold.
func (l *InMemory) Follow(key string) error {
	return l.ensureSubscription(key)
}

func (l *InMemory) ensureSubscription(key string) error {
	l.mu.Lock()
	if _, ok := l.subs[key]; ok {
		l.mu.Unlock()
		return nil
	}
	l.subs[key] = struct{}{}
	l.mu.Unlock()

	ch, err := l.bus.Subscribe(l.ctx, key)
	if err != nil {
		l.mu.Lock()
		delete(l.subs, key)
		l.mu.Unlock()
		return err
	}
	go func() {
		for evt := range ch {
			if evt.Origin == l.origin {
				continue
			}
			l.mirror(evt)
		}
	}()
	return nil
}

// mirror applies an event published by another node.
func (l *InMemory) mirror(evt syncbus.Event) {
	switch evt.Kind {
	case syncbus.KindLock:
		l.mu.Lock()
		e := l.refLocked(evt.Key)
		if e.sync.CompareAndSetState(entryFree, entryRemote) {
			l.mu.Unlock()
			return
		}
		if e.sync.State() == entryLocal {
			slog.Warn("qsync: remote lock conflicts with local hold", "key", evt.Key, "origin", evt.Origin)
		}
		l.unrefLocked(evt.Key, e)
		l.mu.Unlock()
	case syncbus.KindUnlock:
		l.mu.Lock()
		e, ok := l.entries[evt.Key]
		l.mu.Unlock()
		if !ok {
			return
		}
		if _, err := e.sync.Release(l.ctx, entryRemote); err != nil {
			return
		}
		l.unref(evt.Key, e)
	}
}

func (l *InMemory) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refLocked(key)
}

func (l *InMemory) refLocked(key string) *entry {
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sync: synchronizer.New[int32](entryHooks{}, synchronizer.WithName("lock.InMemory["+key+"]"))}
		l.entries[key] = e
		l.metrics.setKeys(len(l.entries))
	}
	e.refs++
	return e
}

func (l *InMemory) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unrefLocked(key, e)
}

func (l *InMemory) unrefLocked(key string, e *entry) {
	e.refs--
	if e.refs == 0 && e.sync.State() == entryFree {
		delete(l.entries, key)
		l.metrics.setKeys(len(l.entries))
	}
}

// TryLock attempts to obtain the lock without waiting. It returns true on success.
func (l *InMemory) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := l.ensureSubscription(key); err != nil {
		return false, err
	}
	e := l.ref(key)
	if !e.sync.CompareAndSetState(entryFree, entryLocal) {
		l.unref(key, e)
		l.metrics.observe(resultBusy, time.Time{})
		return false, nil
	}
	l.metrics.observe(resultAcquired, time.Time{})
	l.acquired(ctx, key, e, ttl)
	return true, nil
}

// Acquire blocks until the lock is obtained, ctx is done or the thread
// bound to ctx is interrupted. Waiters are served in arrival order.
func (l *InMemory) Acquire(ctx context.Context, key string, ttl time.Duration) (err error) {
	if err := l.ensureSubscription(key); err != nil {
		return err
	}
	ctx, done := startAcquire(ctx, l.tracing, l.metrics, "InMemory.Acquire", key)
	defer func() { done(err) }()

	e := l.ref(key)
	if err := e.sync.AcquireInterruptibly(ctx, entryLocal); err != nil {
		l.unref(key, e)
		return err
	}
	l.acquired(ctx, key, e, ttl)
	return nil
}

func (l *InMemory) acquired(ctx context.Context, key string, e *entry, ttl time.Duration) {
	l.mu.Lock()
	e.hold++
	e.held = true
	if ttl > 0 {
		id := e.hold
		e.timer = time.AfterFunc(ttl, func() { l.expire(key, e, id) })
	}
	l.mu.Unlock()
	l.publish(ctx, key, syncbus.KindLock)
}

func (l *InMemory) expire(key string, e *entry, id uint64) {
	l.mu.Lock()
	if e.hold != id || !e.held {
		l.mu.Unlock()
		return
	}
	e.hold++
	e.held = false
	e.timer = nil
	l.mu.Unlock()
	if err := l.release(l.ctx, key, e); err != nil {
		slog.Warn("qsync: lock expiry failed", "key", key, "error", err)
	}
}

// Release frees the lock for the given key. It returns ErrNotHeld when the
// key is not held by this table, including when its TTL already fired.
func (l *InMemory) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok || !e.held {
		l.mu.Unlock()
		return fmt.Errorf("lock: release %q: %w", key, ErrNotHeld)
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.hold++
	e.held = false
	l.mu.Unlock()
	return l.release(ctx, key, e)
}

func (l *InMemory) release(ctx context.Context, key string, e *entry) error {
	if _, err := e.sync.Release(ctx, entryLocal); err != nil {
		return fmt.Errorf("lock: release %q: %w", key, err)
	}
	l.unref(key, e)
	l.publish(ctx, key, syncbus.KindUnlock)
	return nil
}

func (l *InMemory) publish(ctx context.Context, key string, kind syncbus.Kind) {
	evt := syncbus.Event{Key: key, Kind: kind, Origin: l.origin}
	if err := l.bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		slog.Warn("qsync: lock event publish failed", "key", key, "kind", kind.String(), "error", err)
	}
}

// IsLocked reports whether key is held, locally or by another node.
func (l *InMemory) IsLocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return ok && e.sync.State() != entryFree
}

// HeldRemotely reports whether another node announced holding key.
func (l *InMemory) HeldRemotely(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return ok && e.sync.State() == entryRemote
}

// QueueLength estimates the number of goroutines waiting for key.
func (l *InMemory) QueueLength(key string) int {
	l.mu.Lock()
	e, ok := l.entries[key]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	return e.sync.QueueLength()
}

// Len returns the number of keys currently tracked.
func (l *InMemory) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops mirroring events and cancels pending TTL timers. Held keys
// stay held.
func (l *InMemory) Close() error {
	l.cancel()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	return nil
}

var _ Locker = (*InMemory)(nil)

