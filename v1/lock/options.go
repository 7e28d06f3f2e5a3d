package lock

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-qsync/v1/syncbus"
)

// Option configures the synchronizers and lock tables of this package.
// Options that do not apply to a type are ignored by it.
type Option func(*options)

type options struct {
	name    string
	fair    bool
	bus     syncbus.Bus
	reg     prometheus.Registerer
	tracing bool
}

// WithName sets the name reported by String and shown as the blocker of
// parked threads.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithFair makes ReentrantLock and Semaphore grant in FIFO order instead of
// letting new arrivals barge.
func WithFair(fair bool) Option {
	return func(o *options) { o.fair = fair }
}

// WithBus sets the bus a lock table publishes and mirrors events on.
func WithBus(bus syncbus.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithMetrics registers per-table metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithTracing opens an OpenTelemetry span for every blocking table acquire.
func WithTracing() Option {
	return func(o *options) { o.tracing = true }
}

func buildOptions(name string, opts []Option) options {
	o := options{name: name}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
