// Package metrics provides Prometheus metrics for the trading engine.
// Every recording method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	registry *prometheus.Registry

	// Cycle metrics
	CyclesTotal    *prometheus.CounterVec
	CycleDuration  prometheus.Histogram
	CycleErrors    prometheus.Counter
	TradesExecuted *prometheus.CounterVec
	DebatesRun     prometheus.Counter
	EngineRunning  prometheus.Gauge

	// Circuit breaker metrics
	BreakerLevel       prometheus.Gauge
	BreakerEvaluations *prometheus.CounterVec
	EmergencyCloses    prometheus.Counter

	// Reconciliation metrics
	TrackedTrades  prometheus.Gauge
	ClosuresBooked *prometheus.CounterVec

	// Attribution metrics
	AggregationRuns *prometheus.CounterVec

	// Exchange metrics
	ExchangeLatency *prometheus.HistogramVec
	ExchangeErrors  *prometheus.CounterVec

	// Event bus metrics
	EventsDropped prometheus.Gauge
}

// NewMetrics creates a new Metrics instance on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "autopilot"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycles_total",
			Help:      "Total number of completed cycles by outcome",
		}, []string{"outcome"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycle_duration_seconds",
			Help:      "Cycle duration in seconds",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		CycleErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycle_errors_total",
			Help:      "Total number of errors recorded in cycles",
		}),
		TradesExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "trades_executed_total",
			Help:      "Total number of trades executed by side",
		}, []string{"side"}),
		DebatesRun: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "debates_run_total",
			Help:      "Total number of adjudicated analyst debates",
		}),
		EngineRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "running",
			Help:      "1 while the engine loop is running",
		}),

		BreakerLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "level",
			Help:      "Current alert level (0 NONE, 1 YELLOW, 2 ORANGE, 3 RED)",
		}),
		BreakerEvaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "evaluations_total",
			Help:      "Total number of breaker evaluations by level",
		}, []string{"level"}),
		EmergencyCloses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "emergency_closes_total",
			Help:      "Total number of emergency liquidations",
		}),

		TrackedTrades: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "tracked_trades",
			Help:      "Number of tracked open trades",
		}),
		ClosuresBooked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "closures_total",
			Help:      "Total number of detected closures by result",
		}, []string{"result"}),

		AggregationRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "aggregation_runs_total",
			Help:      "Total number of attribution runs by status",
		}, []string{"status"}),

		ExchangeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "request_latency_seconds",
			Help:      "Exchange request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		ExchangeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "request_errors_total",
			Help:      "Total number of failed exchange requests",
		}, []string{"method"}),

		EventsDropped: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped",
			Help:      "Events dropped for slow subscribers since start",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordCycle records a finished cycle.
func (m *Metrics) RecordCycle(duration time.Duration, trades, debates, errs int) {
	if m == nil {
		return
	}
	outcome := "ok"
	if errs > 0 {
		outcome = "error"
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(duration.Seconds())
	m.CycleErrors.Add(float64(errs))
	m.DebatesRun.Add(float64(debates))
}

// RecordTrade records an executed order.
func (m *Metrics) RecordTrade(side string) {
	if m == nil {
		return
	}
	m.TradesExecuted.WithLabelValues(side).Inc()
}

// SetRunning flips the running gauge.
func (m *Metrics) SetRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.EngineRunning.Set(1)
	} else {
		m.EngineRunning.Set(0)
	}
}

// RecordBreaker records an evaluated alert level.
func (m *Metrics) RecordBreaker(level int, name string) {
	if m == nil {
		return
	}
	m.BreakerLevel.Set(float64(level))
	m.BreakerEvaluations.WithLabelValues(name).Inc()
}

// RecordEmergencyClose counts an emergency liquidation.
func (m *Metrics) RecordEmergencyClose() {
	if m == nil {
		return
	}
	m.EmergencyCloses.Inc()
}

// RecordSync records a reconciliation pass.
func (m *Metrics) RecordSync(tracked, closed, unknown, failed, evicted int) {
	if m == nil {
		return
	}
	m.TrackedTrades.Set(float64(tracked))
	m.ClosuresBooked.WithLabelValues("closed").Add(float64(closed))
	m.ClosuresBooked.WithLabelValues("unknown").Add(float64(unknown))
	m.ClosuresBooked.WithLabelValues("failed").Add(float64(failed))
	m.ClosuresBooked.WithLabelValues("evicted").Add(float64(evicted))
}

// RecordAggregation records an attribution run status: ok, skipped or error.
func (m *Metrics) RecordAggregation(status string) {
	if m == nil {
		return
	}
	m.AggregationRuns.WithLabelValues(status).Inc()
}

// RecordExchangeCall records an exchange request.
func (m *Metrics) RecordExchangeCall(method string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.ExchangeLatency.WithLabelValues(method).Observe(duration.Seconds())
	if err != nil {
		m.ExchangeErrors.WithLabelValues(method).Inc()
	}
}

// SetEventsDropped mirrors the event bus drop counter.
func (m *Metrics) SetEventsDropped(n int64) {
	if m == nil {
		return
	}
	m.EventsDropped.Set(float64(n))
}
