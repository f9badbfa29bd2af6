// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Histogram tracks the distribution of one measure of the relay.
type Histogram interface {
	// Observe samples the value for the given tags.
	Observe(value float64, tagsValue ...string)
	// Delete deletes the value for the histogram with the given tags value.
	Delete(tagsValue ...string)
}

// Histogram implementation using Prometheus.
type promHistogram struct {
	ph *prometheus.HistogramVec
}

func (h *promHistogram) Observe(value float64, tagsValue ...string) {
	h.ph.WithLabelValues(tagsValue...).Observe(value)
}

func (h *promHistogram) Delete(tagsValue ...string) {
	h.ph.DeleteLabelValues(tagsValue...)
}

// NewHistogram creates a Histogram with default options for telemetry purpose.
// Current implementation used: Prometheus Histogram
func NewHistogram(subsystem, name string, tags []string, help string, buckets []float64) Histogram {
	h := &promHistogram{
		ph: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: subsystem,
				Name:      name,
				Help:      help,
				Buckets:   buckets,
			},
			tags,
		),
	}
	registry.MustRegister(h.ph)
	return h
}
