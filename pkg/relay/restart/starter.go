// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package restart

// Starter starts a group of startable objects
type Starter interface {
	Startable
	Add(components ...Startable)
}

type starter struct {
	components []Startable
}

// NewStarter returns a starter that starts its components one after
// the other, in the order they were added.
func NewStarter(components ...Startable) Starter {
	return &starter{
		components: components,
	}
}

func (s *starter) Add(components ...Startable) {
	s.components = append(s.components, components...)
}

func (s *starter) Start() {
	for _, component := range s.components {
		component.Start()
	}
}
