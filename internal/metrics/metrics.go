// Package metrics defines the Prometheus metrics surface exposed by the
// safety core, grounded on the pack's promauto.With(registerer) factory
// pattern (internal/metrics/metrics.go in the bitunixbot example) and the
// teacher's promhttp.Handler() exposition (internal/servers/http.go),
// retargeted from ML/WebSocket metrics onto OrderManager, RateLimiter,
// ErrorHandler, and AccountState observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge/histogram the safety core exposes.
type Metrics struct {
	OrdersSubmitted  prometheus.Counter
	OrdersRejected   *prometheus.CounterVec
	OrderRetries     prometheus.Counter
	OrderLatency     prometheus.Histogram
	ActivePositions  prometheus.Gauge
	SessionPnL       prometheus.Gauge

	RateLimitViolations prometheus.Counter
	ClientsBanned       prometheus.Gauge
	AdaptiveDelay       prometheus.Gauge

	ErrorsHandled     *prometheus.CounterVec
	CircuitOpen       prometheus.Gauge
	EmergencyStops    prometheus.Counter
}

// New registers every metric with the default registerer, the way the
// process entry point wires it for production.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers every metric with registerer, so tests can use
// an isolated prometheus.NewRegistry() instead of the global default.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		OrdersSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "safetycore_orders_submitted_total",
			Help: "Total number of orders accepted past admission checks.",
		}),
		OrdersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "safetycore_orders_rejected_total",
			Help: "Total number of orders rejected, labeled by rejection kind.",
		}, []string{"kind"}),
		OrderRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "safetycore_order_retries_total",
			Help: "Total number of worker-level order retry attempts.",
		}),
		OrderLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "safetycore_order_submit_duration_seconds",
			Help:    "Duration of OrderManager.Submit from admission to future resolution.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		ActivePositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "safetycore_active_positions",
			Help: "Number of symbols with an open position.",
		}),
		SessionPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "safetycore_session_pnl",
			Help: "Realized PnL for the running session.",
		}),
		RateLimitViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "safetycore_rate_limit_violations_total",
			Help: "Total number of rate-limit ceiling breaches recorded.",
		}),
		ClientsBanned: factory.NewGauge(prometheus.GaugeOpts{
			Name: "safetycore_rate_limit_banned_clients",
			Help: "Number of clients currently under a rate-limit ban.",
		}),
		AdaptiveDelay: factory.NewGauge(prometheus.GaugeOpts{
			Name: "safetycore_rate_limit_adaptive_delay_seconds",
			Help: "Current adaptive delay hint applied before outbound requests.",
		}),
		ErrorsHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "safetycore_errors_handled_total",
			Help: "Total number of errors classified and handled, labeled by kind.",
		}, []string{"kind"}),
		CircuitOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "safetycore_circuit_breakers_open",
			Help: "Number of (strategy, operation) circuit breakers currently open.",
		}),
		EmergencyStops: factory.NewCounter(prometheus.CounterOpts{
			Name: "safetycore_emergency_stops_total",
			Help: "Total number of times the emergency stop latch was engaged.",
		}),
	}
}
