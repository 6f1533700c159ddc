package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "posestream"

var (
	registerOnce sync.Once

	captureWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "sink_writes_total",
			Help:      "Capture frames handed to each sink, by result.",
		},
		[]string{"sink", "result"},
	)
	ingestMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Wire messages read by the edge, by transport and result.",
		},
		[]string{"transport", "result"},
	)
	relayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Inbound pose messages, by result.",
		},
		[]string{"result"},
	)
	relaySuperseded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "superseded_total",
			Help:      "Pose updates replaced before the render loop consumed them.",
		},
	)
	renderIterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "iterations_total",
			Help:      "Render loop iterations, by whether a new pose was applied.",
		},
		[]string{"applied"},
	)
	renderDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "delay_seconds",
			Help:      "Capture-to-render delay of applied poses in seconds.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
	imageMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "imagestream",
			Name:      "messages_total",
			Help:      "Raw image messages, by result.",
		},
		[]string{"result"},
	)
	wsClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "ws_clients",
			Help:      "Connected websocket clients per hub.",
		},
		[]string{"hub"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			captureWrites, ingestMessages, relayMessages, relaySuperseded,
			renderIterations, renderDelay, imageMessages, wsClients,
		)
	})
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func RecordCaptureWrite(sink string, err error) {
	RegisterMetrics()
	captureWrites.WithLabelValues(sink, resultLabel(err)).Inc()
}

func RecordIngest(transport, result string) {
	RegisterMetrics()
	ingestMessages.WithLabelValues(transport, result).Inc()
}

func RecordRelayMessage(result string) {
	RegisterMetrics()
	relayMessages.WithLabelValues(result).Inc()
}

func RecordRelaySuperseded() {
	RegisterMetrics()
	relaySuperseded.Inc()
}

func RecordRenderIteration(applied bool) {
	RegisterMetrics()
	if applied {
		renderIterations.WithLabelValues("true").Inc()
		return
	}
	renderIterations.WithLabelValues("false").Inc()
}

// RecordRenderDelay observes a measured delay. Substituted zeros from
// unparseable capture times are not recorded.
func RecordRenderDelay(seconds float64) {
	RegisterMetrics()
	renderDelay.Observe(seconds)
}

func RecordImageMessage(result string) {
	RegisterMetrics()
	imageMessages.WithLabelValues(result).Inc()
}

func SetClients(hub string, n int) {
	RegisterMetrics()
	wsClients.WithLabelValues(hub).Set(float64(n))
}
