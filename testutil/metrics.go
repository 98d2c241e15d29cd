/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertSamplesCountInCounter asserts that the passed prometheus.Counter has the wanted value.
func AssertSamplesCountInCounter(t assert.TestingT, counter prometheus.Counter, wantCount int) bool {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	return assert.Equal(t, wantCount, int(promtestutil.ToFloat64(counter)))
}

// RequireSamplesCountInCounter is like AssertSamplesCountInCounter but fails the test immediately.
func RequireSamplesCountInCounter(t require.TestingT, counter prometheus.Counter, wantCount int) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	if !AssertSamplesCountInCounter(t, counter, wantCount) {
		t.FailNow()
	}
}

// AssertSamplesCountInHistogram asserts that the passed prometheus.Histogram contains
// the wanted number of samples.
func AssertSamplesCountInHistogram(t assert.TestingT, hist prometheus.Histogram, wantSamplesCount int) bool {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	reg := prometheus.NewPedanticRegistry()
	if !assert.NoError(t, reg.Register(hist)) {
		return false
	}
	families, err := reg.Gather()
	if !assert.NoError(t, err) || !assert.Len(t, families, 1) {
		return false
	}
	gotSamplesCount := int(families[0].GetMetric()[0].GetHistogram().GetSampleCount())
	return assert.Equal(t, wantSamplesCount, gotSamplesCount)
}

// RequireSamplesCountInHistogram is like AssertSamplesCountInHistogram but fails the test immediately.
func RequireSamplesCountInHistogram(t require.TestingT, hist prometheus.Histogram, wantSamplesCount int) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	if !AssertSamplesCountInHistogram(t, hist, wantSamplesCount) {
		t.FailNow()
	}
}
