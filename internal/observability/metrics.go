// Package observability groups the hub's Prometheus instruments.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the hub.
type Metrics struct {
	ActiveSessions         prometheus.Gauge
	ActiveListeners        prometheus.Gauge
	SessionEvents          *prometheus.CounterVec
	WSMessages             *prometheus.CounterVec
	WSWriteErrors          *prometheus.CounterVec
	AuthAttempts           *prometheus.CounterVec
	RateLimitRejections    *prometheus.CounterVec
	SynthesisRequests      *prometheus.CounterVec
	CacheEvents            *prometheus.CounterVec
	BroadcastFanoutLatency prometheus.Histogram
	SynthesizeLatency      prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active broadcast sessions.",
		}),
		ActiveListeners: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_listeners",
			Help:      "Number of joined listener connections across all sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write errors by reason.",
		}, []string{"reason"}),
		AuthAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Admin authentication attempts by method and result.",
		}, []string{"method", "result"}),
		RateLimitRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejections_total",
			Help:      "Rate limit rejections by dimension.",
		}, []string{"dimension"}),
		SynthesisRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_requests_total",
			Help:      "TTS synthesis outcomes by tier.",
		}, []string{"tier", "result"}),
		CacheEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_cache_events_total",
			Help:      "Audio cache hits, misses, and evictions.",
		}, []string{"event"}),
		BroadcastFanoutLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_fanout_latency_ms",
			Help:      "End-to-end broadcast fan-out latency in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		SynthesizeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesize_latency_ms",
			Help:      "Per-language synthesis latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 3500, 5000, 8000},
		}),
	}
}

func (m *Metrics) ObserveBroadcastFanout(d time.Duration) {
	if m == nil || m.BroadcastFanoutLatency == nil {
		return
	}
	m.BroadcastFanoutLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveSynthesize(d time.Duration) {
	if m == nil || m.SynthesizeLatency == nil {
		return
	}
	m.SynthesizeLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
