package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the agent runtime. Collectors
// are registered on a private registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted  prometheus.Counter
	SessionsStopped  *prometheus.CounterVec
	SessionsRejected prometheus.Counter
	ActiveSessions   prometheus.Gauge
	TurnDuration     prometheus.Histogram
	ToolCalls        *prometheus.CounterVec
	SessionErrors    prometheus.Counter
}

// NewMetrics creates a metrics set on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tablerelay_sessions_started_total",
			Help: "Sessions started.",
		}),
		SessionsStopped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tablerelay_sessions_stopped_total",
			Help: "Sessions stopped, by outcome.",
		}, []string{"outcome"}),
		SessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "tablerelay_sessions_rejected_total",
			Help: "Session starts rejected at capacity.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tablerelay_active_sessions",
			Help: "Currently active sessions.",
		}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tablerelay_turn_duration_seconds",
			Help:    "Duration of one workflow turn.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tablerelay_tool_calls_total",
			Help: "Tool invocations, by tool name.",
		}, []string{"tool"}),
		SessionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "tablerelay_session_errors_total",
			Help: "Errors recorded into sessions.",
		}),
	}
}

// Handler serves the metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
