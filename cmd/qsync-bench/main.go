package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-qsync/v1/inspect"
	"github.com/mirkobrombin/go-qsync/v1/lock"
	"github.com/mirkobrombin/go-qsync/v1/metrics"
	"github.com/mirkobrombin/go-qsync/v1/park"
	"github.com/mirkobrombin/go-qsync/v1/stamped"
)

var (
	kind        = flag.String("kind", "mutex", "Synchronizer to benchmark: mutex, reentrant, fair, semaphore, rwmutex, stamped, table")
	concurrency = flag.Int("c", 50, "Number of concurrent workers")
	requests    = flag.Int("n", 100000, "Total number of critical sections")
	permits     = flag.Int64("permits", 4, "Permits of the semaphore")
	readRatio   = flag.Int("r", 90, "Percentage of read sections for rwmutex and stamped")
	hold        = flag.Duration("hold", 0, "Time spent inside each critical section")
	addr        = flag.String("metrics", "", "Serve /metrics and /debug/parked on this address while running")
	traceOn     = flag.Bool("trace", false, "Export lock table spans to stdout")
)

// section runs one critical section as worker w for iteration i.
type section func(ctx context.Context, w, i int) error

func newSection(tableOpts []lock.Option) (section, error) {
	switch *kind {
	case "mutex":
		m := lock.NewMutex()
		return func(ctx context.Context, _, _ int) error {
			m.Lock(ctx)
			busy()
			return m.Unlock(ctx)
		}, nil
	case "reentrant", "fair":
		l := lock.NewReentrantLock(lock.WithFair(*kind == "fair"))
		return func(ctx context.Context, _, _ int) error {
			if err := l.Lock(ctx); err != nil {
				return err
			}
			busy()
			return l.Unlock(ctx)
		}, nil
	case "semaphore":
		s := lock.NewSemaphore(*permits)
		return func(ctx context.Context, _, _ int) error {
			if err := s.Acquire(ctx, 1); err != nil {
				return err
			}
			busy()
			return s.Release(ctx, 1)
		}, nil
	case "rwmutex":
		rw := lock.NewRWMutex()
		return func(ctx context.Context, _, i int) error {
			if i%100 < *readRatio {
				if err := rw.RLock(ctx); err != nil {
					return err
				}
				busy()
				return rw.RUnlock(ctx)
			}
			rw.Lock(ctx)
			busy()
			return rw.Unlock(ctx)
		}, nil
	case "stamped":
		sl := stamped.New()
		var x, y atomic.Int64
		return func(ctx context.Context, _, i int) error {
			if i%100 < *readRatio {
				stamp := sl.TryOptimisticRead()
				a, b := x.Load(), y.Load()
				if !sl.Validate(stamp) {
					stamp = sl.ReadLock(ctx)
					a, b = x.Load(), y.Load()
					if err := sl.UnlockRead(stamp); err != nil {
						return err
					}
				}
				if a != b {
					return fmt.Errorf("torn read: %d != %d", a, b)
				}
				return nil
			}
			stamp := sl.WriteLock(ctx)
			x.Add(1)
			busy()
			y.Add(1)
			return sl.UnlockWrite(stamp)
		}, nil
	case "table":
		t := lock.NewInMemory(tableOpts...)
		return func(ctx context.Context, w, _ int) error {
			key := fmt.Sprintf("key-%d", w%4)
			if err := t.Acquire(ctx, key, 0); err != nil {
				return err
			}
			busy()
			return t.Release(ctx, key)
		}, nil
	}
	return nil, fmt.Errorf("unknown kind %q", *kind)
}

func busy() {
	if *hold > 0 {
		time.Sleep(*hold)
	}
}

func main() {
	flag.Parse()
	ctx := context.Background()

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	tableOpts := []lock.Option{lock.WithMetrics(reg)}

	if *traceOn {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(ctx) }()
		otel.SetTracerProvider(tp)
		tableOpts = append(tableOpts, lock.WithTracing())
	}

	if *addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/debug/parked", inspect.Handler())
		mux.Handle("/debug/parked/stream", inspect.SSEHandler(time.Second))
		go func() { log.Println(http.ListenAndServe(*addr, mux)) }()
		log.Printf("Serving metrics on %s", *addr)
	}

	run, err := newSection(tableOpts)
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("Starting benchmark: kind %s, %d sections, %d concurrency", *kind, *requests, *concurrency)

	var ops atomic.Int64
	perWorker := *requests / *concurrency
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *concurrency; w++ {
		g.Go(func() error {
			wctx := park.WithThread(gctx, park.NewThread(fmt.Sprintf("worker-%d", w)))
			for i := 0; i < perWorker; i++ {
				if err := run(wctx, w, i); err != nil {
					return err
				}
				ops.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}
	elapsed := time.Since(start)

	n := ops.Load()
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f ops/s", float64(n)/elapsed.Seconds())
	log.Printf("Avg Latency: %.2f ns", elapsed.Seconds()/float64(n)*1e9)
	log.Printf("Parks: %.0f", counterValue(reg, "qsync_parks_total"))
}

func counterValue(g prometheus.Gatherer, name string) float64 {
	mfs, err := g.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return 0
}
