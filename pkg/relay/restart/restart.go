// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package restart groups components with a Start and Stop lifecycle so
// they can be brought up and torn down as one unit.
package restart

// Stoppable represents a stoppable object
type Stoppable interface {
	Stop()
}

// Startable represents a startable object
type Startable interface {
	Start()
}

// Restartable represents a startable and stoppable object
type Restartable interface {
	Startable
	Stoppable
}
