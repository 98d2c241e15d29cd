/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package throttle

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsLabelDryRun = "dry_run"
	metricsLabelRule   = "rule"
)

const (
	metricsValYes = "yes"
	metricsValNo  = "no"
)

// MetricsCollector represents collector of metrics.
type MetricsCollector struct {
	// RateLimitRejects is a counter of rejected requests due to rate limit policy.
	RateLimitRejects *prometheus.CounterVec
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(namespace string) *MetricsCollector {
	return &MetricsCollector{
		RateLimitRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_rejects_total",
				Help:      "The total number of rejected requests due to rate limit exceeding.",
			},
			[]string{metricsLabelDryRun, metricsLabelRule},
		),
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (c *MetricsCollector) MustCurryWith(labels prometheus.Labels) *MetricsCollector {
	return &MetricsCollector{
		RateLimitRejects: c.RateLimitRejects.MustCurryWith(labels),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (c *MetricsCollector) MustRegister() {
	prometheus.MustRegister(c.RateLimitRejects)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (c *MetricsCollector) Unregister() {
	prometheus.Unregister(c.RateLimitRejects)
}

func (c *MetricsCollector) incRateLimitRejects(rule string, dryRun bool) {
	if c == nil {
		return
	}
	dryRunVal := metricsValNo
	if dryRun {
		dryRunVal = metricsValYes
	}
	c.RateLimitRejects.With(prometheus.Labels{metricsLabelDryRun: dryRunVal, metricsLabelRule: rule}).Inc()
}
