package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ModuleMetrics records JSON-RPC module activity: request counts, error
// counts by status code, and handler latency.
type ModuleMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *ModuleMetrics

	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Modules returns the lazily-initialised RPC module metrics registry.
func Modules() *ModuleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &ModuleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vismarket",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vismarket",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vismarket",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
		}
		prometheus.MustRegister(moduleRegistry.requests, moduleRegistry.errors, moduleRegistry.latency)
	})
	return moduleRegistry
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}

// Observe records one handled request. status is empty for successes.
func (m *ModuleMetrics) Observe(module, method, status string, start time.Time) {
	if m == nil {
		return
	}
	module = normalizeLabel(module)
	method = normalizeLabel(method)
	outcome := "ok"
	if status != "" {
		outcome = "error"
		m.errors.WithLabelValues(module, method, normalizeLabel(status)).Inc()
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	m.latency.WithLabelValues(module, method).Observe(time.Since(start).Seconds())
}

// EngineMetrics tracks ledger and escrow engine activity independent of the
// RPC surface.
type EngineMetrics struct {
	trades     *prometheus.CounterVec
	executions *prometheus.CounterVec
	journalLag prometheus.Gauge
}

// Engines returns the lazily-initialised engine metrics registry.
func Engines() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			trades: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vismarket",
				Subsystem: "credits",
				Name:      "trades_total",
				Help:      "Completed credit trades segmented by side.",
			}, []string{"side"}),
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vismarket",
				Subsystem: "services",
				Name:      "execution_transitions_total",
				Help:      "Service execution state transitions segmented by resulting state.",
			}, []string{"state"}),
			journalLag: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vismarket",
				Subsystem: "events",
				Name:      "journal_sequence",
				Help:      "Highest sequence number appended to the event journal.",
			}),
		}
		prometheus.MustRegister(engineRegistry.trades, engineRegistry.executions, engineRegistry.journalLag)
	})
	return engineRegistry
}

// RecordTrade counts one buy or sell.
func (m *EngineMetrics) RecordTrade(side string) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(normalizeLabel(side)).Inc()
}

// RecordExecutionTransition counts one escrow state transition.
func (m *EngineMetrics) RecordExecutionTransition(state string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(normalizeLabel(state)).Inc()
}

// SetJournalSequence publishes the journal head position.
func (m *EngineMetrics) SetJournalSequence(seq uint64) {
	if m == nil {
		return
	}
	m.journalLag.Set(float64(seq))
}
