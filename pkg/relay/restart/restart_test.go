// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package restart

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) note(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

type component struct {
	name string
	rec  *recorder
	wait time.Duration
}

func (c *component) Start() {
	c.rec.note(c.name)
}

func (c *component) Stop() {
	if c.wait > 0 {
		time.Sleep(c.wait)
	}
	c.rec.note(c.name)
}

func TestSerialStopperStopsInOrder(t *testing.T) {
	rec := &recorder{}
	stopper := NewSerialStopper(&component{name: "first", rec: rec})
	stopper.Add(&component{name: "second", rec: rec}, &component{name: "third", rec: rec})

	stopper.Stop()

	assert.Equal(t, []string{"first", "second", "third"}, rec.calls)
}

func TestParallelStopperWaitsForEveryComponent(t *testing.T) {
	rec := &recorder{}
	stopper := NewParallelStopper()
	stopper.Add(&component{name: "slow", rec: rec, wait: 50 * time.Millisecond})
	stopper.Add(&component{name: "fast", rec: rec})

	stopper.Stop()

	assert.ElementsMatch(t, []string{"slow", "fast"}, rec.calls)
}

func TestStarterStartsInOrder(t *testing.T) {
	rec := &recorder{}
	starter := NewStarter(&component{name: "first", rec: rec}, &component{name: "second", rec: rec})
	starter.Add(&component{name: "third", rec: rec})

	starter.Start()

	assert.Equal(t, []string{"first", "second", "third"}, rec.calls)
}
