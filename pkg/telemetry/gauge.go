// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Gauge tracks the value of one health metric of the relay.
type Gauge interface {
	// Set stores the value for the given tags.
	Set(value float64, tagsValue ...string)
	// Inc increments the gauge with the given tags value.
	Inc(tagsValue ...string)
	// Dec decrements the gauge with the given tags value.
	Dec(tagsValue ...string)
	// Add adds the value to the gauge with the given tags value.
	Add(value float64, tagsValue ...string)
	// Sub subtracts the value from the gauge with the given tags value.
	Sub(value float64, tagsValue ...string)
	// Delete deletes the value for the gauge with the given tags value.
	Delete(tagsValue ...string)
	// Get returns the current value of the gauge, mostly for tests.
	Get(tagsValue ...string) float64
}

// Gauge implementation using Prometheus.
type promGauge struct {
	pg *prometheus.GaugeVec
}

func (g *promGauge) Set(value float64, tagsValue ...string) {
	g.pg.WithLabelValues(tagsValue...).Set(value)
}

func (g *promGauge) Inc(tagsValue ...string) {
	g.pg.WithLabelValues(tagsValue...).Inc()
}

func (g *promGauge) Dec(tagsValue ...string) {
	g.pg.WithLabelValues(tagsValue...).Dec()
}

func (g *promGauge) Add(value float64, tagsValue ...string) {
	g.pg.WithLabelValues(tagsValue...).Add(value)
}

func (g *promGauge) Sub(value float64, tagsValue ...string) {
	g.pg.WithLabelValues(tagsValue...).Sub(value)
}

func (g *promGauge) Delete(tagsValue ...string) {
	g.pg.DeleteLabelValues(tagsValue...)
}

func (g *promGauge) Get(tagsValue ...string) float64 {
	metric := &dto.Metric{}
	_ = g.pg.WithLabelValues(tagsValue...).Write(metric)
	return metric.GetGauge().GetValue()
}

// NewGauge creates a Gauge with default options for telemetry purpose.
// Current implementation used: Prometheus Gauge
func NewGauge(subsystem, name string, tags []string, help string) Gauge {
	g := &promGauge{
		pg: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Subsystem: subsystem,
				Name:      name,
				Help:      help,
			},
			tags,
		),
	}
	registry.MustRegister(g.pg)
	return g
}
