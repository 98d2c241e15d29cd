/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hicaroostreb/saas-boilerplate-sub004/internal/libinfo"
)

const (
	metricsSubsystem = "restapi"

	metricsLabelResponseErrorDomain = "domain"
	metricsLabelResponseErrorCode   = "code"
)

var metricsResponseErrors *prometheus.CounterVec

// MustInitAndRegisterMetrics initializes and registers restapi global metrics.
// Panic will be raised in case of error.
func MustInitAndRegisterMetrics(namespace string) {
	metricsResponseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   metricsSubsystem,
		Name:        "response_errors",
		Help:        "The total number of errors sent in REST API responses.",
		ConstLabels: libinfo.AddPrometheusLibVersionLabel(nil),
	}, []string{metricsLabelResponseErrorDomain, metricsLabelResponseErrorCode})
	prometheus.MustRegister(metricsResponseErrors)
}

// UnregisterMetrics unregisters restapi global metrics.
func UnregisterMetrics() {
	if metricsResponseErrors != nil {
		prometheus.Unregister(metricsResponseErrors)
	}
}
