/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hicaroostreb/saas-boilerplate-sub004/internal/libinfo"
)

const (
	metricsLabelAlgorithm = "algorithm"
	metricsLabelStore     = "store"
	metricsLabelAllowed   = "allowed"
	metricsLabelOp        = "op"
)

const (
	metricsValYes = "yes"
	metricsValNo  = "no"
)

// MetricsCollector represents a collector of metrics about admission checks.
type MetricsCollector interface {
	// ObserveCheck collects the outcome and duration of one admission check.
	ObserveCheck(alg Algorithm, store StoreKind, allowed bool, elapsed time.Duration)

	// IncStorageErrors increments the counter of failed storage operations.
	IncStorageErrors(op string)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// DurationBuckets is a list of buckets for the check duration histogram.
	// prometheus.DefBuckets are used when empty.
	DurationBuckets []float64

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels

	// CurriedLabelNames is a list of label names that will be curried with
	// the provided labels. See PrometheusMetrics.MustCurryWith method for
	// more details. Keep in mind that if this list is not empty,
	// PrometheusMetrics.MustCurryWith method must be called further with the
	// same labels. Otherwise, the collector will panic.
	CurriedLabelNames []string
}

// PrometheusMetrics represents the rate limiter metrics powered by Prometheus.
type PrometheusMetrics struct {
	ChecksTotal        *prometheus.CounterVec
	CheckDuration      *prometheus.HistogramVec
	StorageErrorsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	durationBuckets := opts.DurationBuckets
	if len(durationBuckets) == 0 {
		durationBuckets = prometheus.DefBuckets
	}
	constLabels := libinfo.AddPrometheusLibVersionLabel(opts.ConstLabels)

	checksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_checks_total",
			Help:        "Number of performed admission checks.",
			ConstLabels: constLabels,
		},
		append([]string{metricsLabelAlgorithm, metricsLabelStore, metricsLabelAllowed}, opts.CurriedLabelNames...),
	)

	checkDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_check_duration_seconds",
			Help:        "Time spent on one admission check including storage access.",
			Buckets:     durationBuckets,
			ConstLabels: constLabels,
		},
		append([]string{metricsLabelAlgorithm, metricsLabelStore}, opts.CurriedLabelNames...),
	)

	storageErrorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_storage_errors_total",
			Help:        "Number of failed storage operations.",
			ConstLabels: constLabels,
		},
		append([]string{metricsLabelOp}, opts.CurriedLabelNames...),
	)

	return &PrometheusMetrics{
		ChecksTotal:        checksTotal,
		CheckDuration:      checkDuration,
		StorageErrorsTotal: storageErrorsTotal,
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		ChecksTotal:        pm.ChecksTotal.MustCurryWith(labels),
		CheckDuration:      pm.CheckDuration.MustCurryWith(labels).(*prometheus.HistogramVec),
		StorageErrorsTotal: pm.StorageErrorsTotal.MustCurryWith(labels),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.ChecksTotal,
		pm.CheckDuration,
		pm.StorageErrorsTotal,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.ChecksTotal)
	prometheus.Unregister(pm.CheckDuration)
	prometheus.Unregister(pm.StorageErrorsTotal)
}

// ObserveCheck collects the outcome and duration of one admission check.
// Implements MetricsCollector interface.
func (pm *PrometheusMetrics) ObserveCheck(alg Algorithm, store StoreKind, allowed bool, elapsed time.Duration) {
	allowedVal := metricsValNo
	if allowed {
		allowedVal = metricsValYes
	}
	pm.ChecksTotal.With(prometheus.Labels{
		metricsLabelAlgorithm: string(alg),
		metricsLabelStore:     string(store),
		metricsLabelAllowed:   allowedVal,
	}).Inc()
	pm.CheckDuration.With(prometheus.Labels{
		metricsLabelAlgorithm: string(alg),
		metricsLabelStore:     string(store),
	}).Observe(elapsed.Seconds())
}

// IncStorageErrors increments the counter of failed storage operations.
// Implements MetricsCollector interface.
func (pm *PrometheusMetrics) IncStorageErrors(op string) {
	pm.StorageErrorsTotal.With(prometheus.Labels{metricsLabelOp: op}).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) ObserveCheck(_ Algorithm, _ StoreKind, _ bool, _ time.Duration) {}
func (disabledMetrics) IncStorageErrors(_ string)                                      {}
