// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package relay wires the pipeline together and exposes the start and
// stop entry points used by the daemon command.
package relay

import (
	"time"

	"go.uber.org/atomic"

	"github.com/kurotori/vrc-log-relay/pkg/config"
	"github.com/kurotori/vrc-log-relay/pkg/relay/status"
	"github.com/kurotori/vrc-log-relay/pkg/util/log"
)

var (
	// isRunning indicates whether the relay is running or not
	isRunning = atomic.NewBool(false)
	// the running pipeline
	agent *Agent
)

// Start brings the relay up from the global configuration. Starting a
// running relay is a no-op.
func Start() error {
	if IsRunning() {
		return nil
	}

	log.Info("Starting vrc-log-relay...")
	a := NewAgent(config.Relay)
	status.Init(time.Now(), a.supervisor.GetStatus)
	if err := a.Start(); err != nil {
		status.Clear()
		return err
	}
	agent = a
	isRunning.Store(true)
	log.Infof("vrc-log-relay started, serving on %s", a.ServerAddr())
	return nil
}

// Stop shuts the relay down without losing lines already read, it only
// returns once the pipeline drained and every subscriber was notified.
func Stop() {
	log.Info("Stopping vrc-log-relay")
	if IsRunning() {
		if agent != nil {
			agent.Stop()
			agent = nil
		}
		status.Clear()
		isRunning.Store(false)
	}
	log.Info("vrc-log-relay stopped")
}

// IsRunning returns true if the relay is up.
func IsRunning() bool {
	return isRunning.Load()
}

// ServerAddr reports the websocket address of the running relay, empty
// when stopped.
func ServerAddr() string {
	if agent == nil {
		return ""
	}
	return agent.ServerAddr()
}
