// Package metrics exposes Prometheus counters for the cost engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "costengine"

// Metrics groups the engine's collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	breakdowns        *prometheus.CounterVec
	catalogMisses     *prometheus.CounterVec
	entriesAppended   *prometheus.CounterVec
	persistenceErrors *prometheus.CounterVec
	applyRequests     *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		breakdowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breakdowns_total",
			Help:      "Protocol cost breakdowns calculated, by sex and bracket.",
		}, []string{"sex", "bracket"}),
		catalogMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_misses_total",
			Help:      "Included protocol items skipped because no catalog entry exists.",
		}, []string{"protocol", "item"}),
		entriesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_appended_total",
			Help:      "Ledger entries stored, by category.",
		}, []string{"category"}),
		persistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Gateway failures surfaced by the ledger, by operation.",
		}, []string{"op"}),
		applyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_requests_total",
			Help:      "Protocol applications, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preview_cache_lookups_total",
			Help:      "Preview cache lookups, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.breakdowns,
		m.catalogMisses,
		m.entriesAppended,
		m.persistenceErrors,
		m.applyRequests,
		m.cacheLookups,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
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

func (m *Metrics) BreakdownCalculated(sex, bracket string) {
	if m == nil {
		return
	}
	m.breakdowns.WithLabelValues(sex, bracket).Inc()
}

func (m *Metrics) CatalogMiss(protocol, item string) {
	if m == nil {
		return
	}
	m.catalogMisses.WithLabelValues(protocol, item).Inc()
}

func (m *Metrics) EntryAppended(category string) {
	if m == nil {
		return
	}
	m.entriesAppended.WithLabelValues(category).Inc()
}

func (m *Metrics) PersistenceFailed(op string) {
	if m == nil {
		return
	}
	m.persistenceErrors.WithLabelValues(op).Inc()
}

// ApplyRequested counts an apply by mode ("sync", "async") and outcome
// ("ok", "invalid", "failed", "queued").
func (m *Metrics) ApplyRequested(mode, outcome string) {
	if m == nil {
		return
	}
	m.applyRequests.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}
