package presets

import (
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-qsync/v1/lock"
	"github.com/mirkobrombin/go-qsync/v1/syncbus"
)

// Circuit breaker settings applied to network buses.
const (
	breakerThreshold = 5
	breakerTimeout   = 30 * time.Second
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix overrides the pub/sub channel prefix of lock events.
	Prefix string
}

// NewRedis creates a lock table stored in Redis whose waiters are woken by
// unlock events on Redis pub/sub. Event publishing goes through a circuit
// breaker so an unhealthy connection fails fast.
func NewRedis(opts RedisOptions, lockOpts ...lock.Option) *lock.Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	bus := syncbus.NewRedisBus(syncbus.RedisBusOptions{Client: client, Prefix: opts.Prefix})
	cb := syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerTimeout)
	return lock.NewRedis(client, append([]lock.Option{lock.WithBus(cb)}, lockOpts...)...)
}

// NewNATS creates an in-memory lock table that mirrors the lock state of
// its peers over NATS subjects on conn.
func NewNATS(conn *nats.Conn, lockOpts ...lock.Option) *lock.InMemory {
	bus := syncbus.NewCircuitBreaker(syncbus.NewNATSBus(conn), breakerThreshold, breakerTimeout)
	return lock.NewInMemory(append([]lock.Option{lock.WithBus(bus)}, lockOpts...)...)
}

// NewInMemoryStandalone creates a lock table that runs entirely in-memory
// with no external dependencies. Useful for local development or a single
// process.
func NewInMemoryStandalone(lockOpts ...lock.Option) *lock.InMemory {
	return lock.NewInMemory(lockOpts...)
}
