package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterCoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	EnqueuedCounter.Inc()
	ParkCounter.Inc()
	CancelledCounter.WithLabelValues(ReasonTimeout).Inc()
	SignalCounter.Inc()
	TransferCounter.Inc()
	ParkedGauge.Set(3)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 6 {
		t.Fatalf("expected metrics registered, got %d", len(mfs))
	}
	if v := testutil.ToFloat64(ParkedGauge); v != 3 {
		t.Fatalf("expected parked gauge 3 got %v", v)
	}
}

func TestRegisterCoreMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterCoreMetrics(reg)
}

func TestCancelledCounterReasons(t *testing.T) {
	before := testutil.ToFloat64(CancelledCounter.WithLabelValues(ReasonInterrupt))
	CancelledCounter.WithLabelValues(ReasonInterrupt).Inc()
	after := testutil.ToFloat64(CancelledCounter.WithLabelValues(ReasonInterrupt))
	if after != before+1 {
		t.Fatalf("expected interrupt count to grow by 1, got %v -> %v", before, after)
	}
}
