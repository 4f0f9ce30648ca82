package infra

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "coinsim"

// Metrics holds the Prometheus collectors of the application.
// It satisfies the cache, broadcast and simulation observer interfaces.
// A nil *Metrics is a valid no-op observer.
type Metrics struct {
	registry *prometheus.Registry

	// Simulation
	TicksTotal        *prometheus.CounterVec
	TickFailures      *prometheus.CounterVec
	ActiveSimulations prometheus.Gauge

	// Broadcast
	Viewers        prometheus.Gauge
	BroadcastSends prometheus.Counter
	BroadcastDrops prometheus.Counter

	// Price cache
	CacheRequests *prometheus.CounterVec

	// Market poller
	PollRuns      *prometheus.CounterVec
	PollDuration  prometheus.Histogram
	PollSkipped   prometheus.Counter
	PricesUpdated prometheus.Counter
}

// NewMetrics registers every collector on a fresh registry, plus Go runtime collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newMetricsOn(reg)
}

func newMetricsOn(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TicksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "simulation",
			Name:      "ticks_total",
			Help:      "Successful simulation ticks by resulting phase",
		}, []string{"phase"}),
		TickFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "simulation",
			Name:      "tick_failures_total",
			Help:      "Skipped simulation ticks by reason",
		}, []string{"reason"}),
		ActiveSimulations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "simulation",
			Name:      "active",
			Help:      "Number of active simulations",
		}),

		Viewers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "broadcast",
			Name:      "viewers",
			Help:      "Connected websocket viewers",
		}),
		BroadcastSends: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "broadcast",
			Name:      "sends_total",
			Help:      "Messages delivered to viewers",
		}),
		BroadcastDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Viewers dropped after a failed send",
		}),

		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "price_cache",
			Name:      "requests_total",
			Help:      "Price cache lookups by result (hit, miss, stale)",
		}, []string{"result"}),

		PollRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "poller",
			Name:      "runs_total",
			Help:      "Market poll runs by status",
		}, []string{"status"}),
		PollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "poller",
			Name:      "duration_seconds",
			Help:      "Market poll run duration",
			Buckets:   prometheus.DefBuckets,
		}),
		PollSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "poller",
			Name:      "skipped_simulating_total",
			Help:      "Market updates skipped because the coin was simulating",
		}),
		PricesUpdated: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "poller",
			Name:      "prices_updated_total",
			Help:      "Coin prices written from market quotes",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Simulation observer

func (m *Metrics) TickRecorded(phase string) {
	if m == nil {
		return
	}
	m.TicksTotal.WithLabelValues(phase).Inc()
}

func (m *Metrics) TickFailed(reason string) {
	if m == nil {
		return
	}
	m.TickFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) SimulationsActive(n int) {
	if m == nil {
		return
	}
	m.ActiveSimulations.Set(float64(n))
}

// Broadcast observer

func (m *Metrics) ViewersChanged(n int) {
	if m == nil {
		return
	}
	m.Viewers.Set(float64(n))
}

func (m *Metrics) BroadcastSent(n int) {
	if m == nil {
		return
	}
	m.BroadcastSends.Add(float64(n))
}

func (m *Metrics) BroadcastDropped() {
	if m == nil {
		return
	}
	m.BroadcastDrops.Inc()
}

// Cache observer

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues("hit").Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues("miss").Inc()
}

func (m *Metrics) CacheStale() {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues("stale").Inc()
}

// Poller observer

func (m *Metrics) PollCompleted(status string, seconds float64, updated, skipped int) {
	if m == nil {
		return
	}
	m.PollRuns.WithLabelValues(status).Inc()
	m.PollDuration.Observe(seconds)
	m.PricesUpdated.Add(float64(updated))
	m.PollSkipped.Add(float64(skipped))
}
