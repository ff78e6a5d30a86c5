package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Process metrics
	SpawnsTotal             *prometheus.CounterVec
	IdentityCaptureDuration prometheus.Histogram
	ProcessesLive           prometheus.Gauge

	// Stream metrics
	EventsTotal         *prometheus.CounterVec
	MalformedLinesTotal prometheus.Counter
	LinesFramedTotal    prometheus.Counter

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec
	KillsTotal     *prometheus.CounterVec

	// Token metrics
	TokensTotal *prometheus.CounterVec

	// Compaction metrics
	CompactionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		SpawnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kaiwa_spawns_total",
				Help: "Total number of assistant process spawns",
			},
			[]string{"status"},
		),
		IdentityCaptureDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kaiwa_identity_capture_duration_seconds",
				Help:    "Time from spawn to session identity capture",
				Buckets: prometheus.DefBuckets,
			},
		),
		ProcessesLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kaiwa_processes_live",
				Help: "Number of live assistant processes",
			},
		),

		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kaiwa_events_total",
				Help: "Total number of normalized stream events",
			},
			[]string{"type"},
		),
		MalformedLinesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kaiwa_malformed_lines_total",
				Help: "Total number of stream lines dropped as malformed",
			},
		),
		LinesFramedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kaiwa_lines_framed_total",
				Help: "Total number of complete lines framed from the stream",
			},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kaiwa_sessions_active",
				Help: "Number of currently active sessions",
			},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kaiwa_sessions_total",
				Help: "Total number of sessions started",
			},
			[]string{"mode"},
		),
		KillsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kaiwa_kills_total",
				Help: "Total number of session kill requests",
			},
			[]string{"outcome"},
		),

		TokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kaiwa_tokens_total",
				Help: "Total number of tokens accumulated",
			},
			[]string{"class"},
		),

		CompactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kaiwa_compactions_total",
				Help: "Total number of compaction attempts",
			},
			[]string{"outcome"},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.SpawnsTotal)
	m.registry.MustRegister(m.IdentityCaptureDuration)
	m.registry.MustRegister(m.ProcessesLive)

	m.registry.MustRegister(m.EventsTotal)
	m.registry.MustRegister(m.MalformedLinesTotal)
	m.registry.MustRegister(m.LinesFramedTotal)

	m.registry.MustRegister(m.SessionsActive)
	m.registry.MustRegister(m.SessionsTotal)
	m.registry.MustRegister(m.KillsTotal)

	m.registry.MustRegister(m.TokensTotal)
	m.registry.MustRegister(m.CompactionsTotal)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
