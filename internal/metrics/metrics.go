// Package metrics provides Prometheus metrics for the execution engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine reports to. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Lifecycle
	TradesBuilt      *prometheus.CounterVec
	TradeTransitions *prometheus.CounterVec
	Rejections       *prometheus.CounterVec
	Broadcasts       *prometheus.CounterVec
	Reverts          *prometheus.CounterVec
	LockContention   prometheus.Counter
	BreakerTrips     *prometheus.CounterVec

	// Upstream latency
	QuoteLatency *prometheus.HistogramVec
	StepLatency  *prometheus.HistogramVec

	// Jobs
	JobsProcessed *prometheus.CounterVec
	JobsRequeued  prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tradexec"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TradesBuilt: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "trades_built_total",
			Help:      "Trades that reached built, by quote strategy",
		}, []string{"strategy"}),
		TradeTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "trade_transitions_total",
			Help:      "Trade status transitions",
		}, []string{"from", "to"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "rejections_total",
			Help:      "Requests rejected by guards or validation, by error code",
		}, []string{"code"}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "broadcasts_total",
			Help:      "Broadcast attempts by kind and outcome",
		}, []string{"kind", "outcome"}),
		Reverts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "reverts_total",
			Help:      "Simulation and on-chain reverts",
		}, []string{"stage"}),
		LockContention: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "lock_contention_total",
			Help:      "Requests refused because the execution lock was held",
		}),
		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker trips by breaker name",
		}, []string{"breaker"}),

		QuoteLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "quote_latency_seconds",
			Help:      "Aggregator quote latency by strategy and outcome",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"strategy", "outcome"}),
		StepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "step_latency_seconds",
			Help:      "Latency of engine steps",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),

		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Jobs processed by the worker, by final status",
		}, []string{"status"}),
		JobsRequeued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "requeued_total",
			Help:      "Stale jobs returned to the queue",
		}),
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.TradeTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Built(strategy string) {
	if m == nil {
		return
	}
	m.TradesBuilt.WithLabelValues(strategy).Inc()
}

func (m *Metrics) Rejected(code string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(code).Inc()
}

func (m *Metrics) Broadcast(kind, outcome string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Revert(stage string) {
	if m == nil {
		return
	}
	m.Reverts.WithLabelValues(stage).Inc()
}

func (m *Metrics) Contended() {
	if m == nil {
		return
	}
	m.LockContention.Inc()
}

func (m *Metrics) Tripped(breaker string) {
	if m == nil {
		return
	}
	m.BreakerTrips.WithLabelValues(breaker).Inc()
}

// ObserveQuote matches the aggregator client's observer signature.
func (m *Metrics) ObserveQuote(strategy, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.QuoteLatency.WithLabelValues(strategy, outcome).Observe(elapsed.Seconds())
}

// Since records the time spent in step since start.
func (m *Metrics) Since(step string, start time.Time) {
	if m == nil {
		return
	}
	m.StepLatency.WithLabelValues(step).Observe(time.Since(start).Seconds())
}

func (m *Metrics) JobDone(status string) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(status).Inc()
}

func (m *Metrics) Requeued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.JobsRequeued.Add(float64(n))
}
