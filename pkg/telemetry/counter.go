// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Counter tracks how many times something is happening.
type Counter interface {
	// Inc increments the counter with the given tags value.
	Inc(tagsValue ...string)
	// Add adds the value to the counter with the given tags value.
	Add(value float64, tagsValue ...string)
	// Delete deletes the value for the counter with the given tags value.
	Delete(tagsValue ...string)
	// Get returns the current value of the counter, mostly for tests.
	Get(tagsValue ...string) float64
}

// Counter implementation using Prometheus.
type promCounter struct {
	pc *prometheus.CounterVec
}

func (c *promCounter) Inc(tagsValue ...string) {
	c.pc.WithLabelValues(tagsValue...).Inc()
}

func (c *promCounter) Add(value float64, tagsValue ...string) {
	c.pc.WithLabelValues(tagsValue...).Add(value)
}

func (c *promCounter) Delete(tagsValue ...string) {
	c.pc.DeleteLabelValues(tagsValue...)
}

func (c *promCounter) Get(tagsValue ...string) float64 {
	metric := &dto.Metric{}
	_ = c.pc.WithLabelValues(tagsValue...).Write(metric)
	return metric.GetCounter().GetValue()
}

// NewCounter creates a Counter with default options for telemetry purpose.
// Current implementation used: Prometheus Counter
func NewCounter(subsystem, name string, tags []string, help string) Counter {
	c := &promCounter{
		pc: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      name,
				Help:      help,
			},
			tags,
		),
	}
	registry.MustRegister(c.pc)
	return c
}
