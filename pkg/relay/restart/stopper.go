// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package restart

import (
	"sync"
)

// Stopper stops a group of stoppable objects
type Stopper interface {
	Stoppable
	Add(components ...Stoppable)
}

type serialStopper struct {
	components []Stoppable
}

// NewSerialStopper returns a stopper that stops its components one
// after the other, in the order they were added.
func NewSerialStopper(components ...Stoppable) Stopper {
	return &serialStopper{
		components: components,
	}
}

func (s *serialStopper) Add(components ...Stoppable) {
	s.components = append(s.components, components...)
}

func (s *serialStopper) Stop() {
	for _, component := range s.components {
		component.Stop()
	}
}

type parallelStopper struct {
	components []Stoppable
}

// NewParallelStopper returns a stopper that stops all its components
// concurrently and returns once every one of them completed.
func NewParallelStopper(components ...Stoppable) Stopper {
	return &parallelStopper{
		components: components,
	}
}

func (s *parallelStopper) Add(components ...Stoppable) {
	s.components = append(s.components, components...)
}

func (s *parallelStopper) Stop() {
	wg := &sync.WaitGroup{}
	for _, component := range s.components {
		wg.Add(1)
		go func(c Stoppable) {
			defer wg.Done()
			c.Stop()
		}(component)
	}
	wg.Wait()
}
