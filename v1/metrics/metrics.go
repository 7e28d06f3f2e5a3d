package metrics

import "github.com/prometheus/client_golang/prometheus"

// Cancellation reasons used as the "reason" label of CancelledCounter.
const (
	ReasonTimeout   = "timeout"
	ReasonInterrupt = "interrupt"
	ReasonError     = "error"
)

var (
	// EnqueuedCounter tracks nodes linked into a wait-queue.
	EnqueuedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qsync_enqueued_total",
		Help: "Total number of waiters linked into a synchronizer queue",
	})
	// ParkCounter tracks park calls issued by the acquire engines.
	ParkCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qsync_parks_total",
		Help: "Total number of times a waiter parked",
	})
	// CancelledCounter tracks abandoned acquisitions by reason.
	CancelledCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qsync_cancelled_total",
		Help: "Total number of cancelled acquisitions",
	}, []string{"reason"})
	// SignalCounter tracks successor wakeups.
	SignalCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qsync_signals_total",
		Help: "Total number of successor wakeups",
	})
	// TransferCounter tracks condition waiters moved to the wait-queue.
	TransferCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qsync_condition_transfers_total",
		Help: "Total number of condition waiters transferred by a signal",
	})
	// ParkedGauge reports the number of waiters currently parked.
	ParkedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qsync_parked_threads",
		Help: "Current number of parked waiters",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the synchronizer metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(EnqueuedCounter, ParkCounter, CancelledCounter, SignalCounter, TransferCounter, ParkedGauge)
}
