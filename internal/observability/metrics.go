package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the bridge.
type Metrics struct {
	ActiveCalls     prometheus.Gauge
	CallEvents      *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	DroppedFrames   *prometheus.CounterVec
	Interruptions   prometheus.Counter
	HeardAudioMS    prometheus.Histogram
	ModelReconnects prometheus.Counter
	UpstreamErrors  *prometheus.CounterVec
	MonitorDropped  prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of active call sessions (0 or 1).",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		DroppedFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Audio frames dropped by the relay, by reason.",
		}, []string{"reason"}),
		Interruptions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Barge-in truncations issued.",
		}),
		HeardAudioMS: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heard_audio_ms",
			Help:      "Milliseconds of assistant audio heard before truncation.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}),
		ModelReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_reconnects_total",
			Help:      "Model socket reconnect attempts.",
		}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Errors reported by the model socket, by code.",
		}, []string{"code"}),
		MonitorDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_dropped_total",
			Help:      "Monitor envelopes dropped due to backpressure or no sink.",
		}),
	}
}

func (m *Metrics) ObserveHeardAudio(d time.Duration) {
	m.HeardAudioMS.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
