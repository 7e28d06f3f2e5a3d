package lock

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	qerrors "github.com/mirkobrombin/go-qsync/v1/errors"
)

// ErrNotHeld is returned by Release for a key the table does not hold.
var ErrNotHeld = errors.New("qsync: lock not held")

var tracer = otel.Tracer("github.com/mirkobrombin/go-qsync/v1/lock")

// Locker is a table of named locks. Locks are not owned by a caller: any
// caller may release a key held by the table. A positive ttl releases the
// key automatically once it elapses.
type Locker interface {
	// TryLock acquires key only if it is free.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Acquire waits until key is acquired or ctx is done.
	Acquire(ctx context.Context, key string, ttl time.Duration) error
	// Release frees key.
	Release(ctx context.Context, key string) error
}

// Acquire outcomes used as the "result" label of the acquire counter.
const (
	resultAcquired  = "acquired"
	resultBusy      = "busy"
	resultCancelled = "cancelled"
	resultError     = "error"
)

type tableMetrics struct {
	acquireCounter *prometheus.CounterVec
	acquireHist    prometheus.Histogram
	keysGauge      prometheus.Gauge
}

func newTableMetrics(reg prometheus.Registerer, table string) *tableMetrics {
	if reg == nil {
		return nil
	}
	labels := prometheus.Labels{"table": table}
	m := &tableMetrics{
		acquireCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "qsync_table_acquire_total",
			Help:        "Total number of lock table acquisitions by result",
			ConstLabels: labels,
		}, []string{"result"}),
		acquireHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "qsync_table_acquire_seconds",
			Help:        "Time spent acquiring lock table keys",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}),
		keysGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "qsync_table_keys",
			Help:        "Current number of keys tracked by a lock table",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.acquireCounter, m.acquireHist, m.keysGauge)
	return m
}

func (m *tableMetrics) observe(result string, start time.Time) {
	if m == nil {
		return
	}
	m.acquireCounter.WithLabelValues(result).Inc()
	if !start.IsZero() {
		m.acquireHist.Observe(time.Since(start).Seconds())
	}
}

func (m *tableMetrics) setKeys(n int) {
	if m != nil {
		m.keysGauge.Set(float64(n))
	}
}

// startAcquire opens the span of a blocking acquire when tracing is on and
// returns a function that ends it and records the outcome.
func startAcquire(ctx context.Context, enabled bool, m *tableMetrics, op, key string) (context.Context, func(err error)) {
	var span trace.Span
	if enabled {
		ctx, span = tracer.Start(ctx, op, trace.WithAttributes(attribute.String("qsync.lock.key", key)))
	}
	start := time.Now()
	return ctx, func(err error) {
		result := resultAcquired
		switch {
		case err == nil:
		case errors.Is(err, qerrors.ErrInterrupted), errors.Is(err, qerrors.ErrTimeout):
			result = resultCancelled
		default:
			result = resultError
		}
		m.observe(result, start)
		if span != nil {
			span.SetAttributes(
				attribute.String("qsync.lock.result", result),
				attribute.Int64("qsync.lock.wait_ms", time.Since(start).Milliseconds()),
			)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
	}
}
