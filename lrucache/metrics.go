/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hicaroostreb/saas-boilerplate-sub004/internal/libinfo"
)

// MetricsCollector receives usage signals from the cache.
// Implementations must be safe for concurrent use.
type MetricsCollector interface {
	// SetAmount reports the current number of entries in the cache.
	SetAmount(int)

	// IncHits counts a lookup that found its key.
	IncHits()

	// IncMisses counts a lookup that did not find its key.
	IncMisses()

	// AddEvictions counts entries removed to free space.
	AddEvictions(int)
}

// PrometheusMetricsOpts configures PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is prepended to every metric name.
	Namespace string

	// ConstLabels are attached to every metric.
	ConstLabels prometheus.Labels

	// CurriedLabelNames declares label names that must be bound later via
	// PrometheusMetrics.MustCurryWith. Observing metrics before currying
	// them with exactly these labels panics.
	CurriedLabelNames []string
}

// PrometheusMetrics is a MetricsCollector backed by Prometheus metrics.
type PrometheusMetrics struct {
	EntriesAmount  *prometheus.GaugeVec
	HitsTotal      *prometheus.CounterVec
	MissesTotal    *prometheus.CounterVec
	EvictionsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates a new PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts is a version of NewPrometheusMetrics with options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	constLabels := libinfo.AddPrometheusLibVersionLabel(opts.ConstLabels)

	newGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, opts.CurriedLabelNames)
	}
	newCounter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, opts.CurriedLabelNames)
	}

	return &PrometheusMetrics{
		EntriesAmount:  newGauge("cache_entries_amount", "Total number of entries in the cache."),
		HitsTotal:      newCounter("cache_hits_total", "Number of successfully found keys in the cache."),
		MissesTotal:    newCounter("cache_misses_total", "Number of not found keys in the cache."),
		EvictionsTotal: newCounter("cache_evictions_total", "Number of evicted entries."),
	}
}

// MustCurryWith binds the labels declared in CurriedLabelNames and returns
// a collector observing the curried metrics. The receiver is not modified.
func (m *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		EntriesAmount:  m.EntriesAmount.MustCurryWith(labels),
		HitsTotal:      m.HitsTotal.MustCurryWith(labels),
		MissesTotal:    m.MissesTotal.MustCurryWith(labels),
		EvictionsTotal: m.EvictionsTotal.MustCurryWith(labels),
	}
}

func (m *PrometheusMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.EntriesAmount, m.HitsTotal, m.MissesTotal, m.EvictionsTotal}
}

// MustRegister registers all metrics in the default Prometheus registry
// and panics on any registration error.
func (m *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(m.collectors()...)
}

// Unregister removes all metrics from the default Prometheus registry.
func (m *PrometheusMetrics) Unregister() {
	for _, c := range m.collectors() {
		prometheus.Unregister(c)
	}
}

// SetAmount reports the current number of entries in the cache.
func (m *PrometheusMetrics) SetAmount(amount int) {
	m.EntriesAmount.With(nil).Set(float64(amount))
}

// IncHits counts a lookup that found its key.
func (m *PrometheusMetrics) IncHits() {
	m.HitsTotal.With(nil).Inc()
}

// IncMisses counts a lookup that did not find its key.
func (m *PrometheusMetrics) IncMisses() {
	m.MissesTotal.With(nil).Inc()
}

// AddEvictions counts entries removed to free space.
func (m *PrometheusMetrics) AddEvictions(n int) {
	m.EvictionsTotal.With(nil).Add(float64(n))
}

type noopMetrics struct{}

func (noopMetrics) SetAmount(int)    {}
func (noopMetrics) IncHits()         {}
func (noopMetrics) IncMisses()       {}
func (noopMetrics) AddEvictions(int) {}
