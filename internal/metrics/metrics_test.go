package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func delaySamples(t *testing.T) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "posestream_render_delay_seconds" {
			return f.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	t.Fatalf("delay histogram not registered")
	return 0
}

func TestRegisterMetricsIsIdempotent(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()
}

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(captureWrites.WithLabelValues("net", "error"))
	RecordCaptureWrite("net", errors.New("broken pipe"))
	if got := testutil.ToFloat64(captureWrites.WithLabelValues("net", "error")); got != before+1 {
		t.Fatalf("capture error counter = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(renderIterations.WithLabelValues("false"))
	RecordRenderIteration(false)
	if got := testutil.ToFloat64(renderIterations.WithLabelValues("false")); got != before+1 {
		t.Fatalf("idle iteration counter = %v, want %v", got, before+1)
	}

	SetClients("pose", 3)
	if got := testutil.ToFloat64(wsClients.WithLabelValues("pose")); got != 3 {
		t.Fatalf("client gauge = %v", got)
	}
}

func TestIterationsDoNotObserveDelay(t *testing.T) {
	RegisterMetrics()
	before := delaySamples(t)
	RecordRenderIteration(true)
	if got := delaySamples(t); got != before {
		t.Fatalf("iteration observed a delay: %d -> %d", before, got)
	}
	RecordRenderDelay(0.25)
	if got := delaySamples(t); got != before+1 {
		t.Fatalf("delay samples = %d, want %d", got, before+1)
	}
}
