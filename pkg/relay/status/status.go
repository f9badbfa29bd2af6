// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package status assembles the status and metrics payloads served to
// subscribers. The relay initializes one builder at startup, every
// reply is computed on the fly from the live counters.
package status

import (
	"expvar"
	"sync"
	"time"

	"github.com/kurotori/vrc-log-relay/pkg/relay/metrics"
	"github.com/kurotori/vrc-log-relay/pkg/relay/server"
	"github.com/kurotori/vrc-log-relay/pkg/relay/source"
)

// globalsLock prevents the builder variable (not the object behind it,
// it has its own locks) from data races between reads in Get and
// writes in Init and Clear.
var (
	globalsLock sync.RWMutex
	builder     *Builder
)

// Init instantiates the builder that computes status and metrics
// payloads, and starts its sampling loop.
func Init(startTime time.Time, sourceStatus func() source.Status) {
	globalsLock.Lock()
	defer globalsLock.Unlock()

	builder = NewBuilder(BuilderOptions{
		StartTime:    startTime,
		SourceStatus: sourceStatus,
	})
	builder.Start()
}

// Clear stops the sampling loop and drops the builder, Init must be
// called again before the next use.
func Clear() {
	globalsLock.Lock()
	defer globalsLock.Unlock()

	if builder != nil {
		builder.Stop()
	}
	builder = nil
}

// Get returns the status payload computed on the fly.
func Get() *server.StatusData {
	globalsLock.RLock()
	defer globalsLock.RUnlock()

	if builder == nil {
		return &server.StatusData{
			VRChatStatus: server.VRChatStatus{ActiveLogFiles: []string{}},
		}
	}
	return builder.BuildStatus()
}

// GetMetrics returns the metrics payload for one get_metrics request.
func GetMetrics(req *server.GetMetricsData) *server.MetricsData {
	globalsLock.RLock()
	defer globalsLock.RUnlock()

	if builder == nil {
		return &server.MetricsData{}
	}
	return builder.BuildMetrics(req)
}

// CurrentVRChatStatus returns the game facing status section, used by
// the status change notifications.
func CurrentVRChatStatus() server.VRChatStatus {
	globalsLock.RLock()
	defer globalsLock.RUnlock()

	if builder == nil {
		return server.VRChatStatus{ActiveLogFiles: []string{}}
	}
	return builder.buildVRChatStatus(builder.opts.SourceStatus())
}

// VRChatStatusFrom converts one specific source snapshot. Status change
// notifications use it so the payload reflects the post transition
// state instead of whatever the source reports by the time the frame is
// built.
func VRChatStatusFrom(src source.Status) server.VRChatStatus {
	globalsLock.RLock()
	defer globalsLock.RUnlock()

	if builder != nil {
		return builder.buildVRChatStatus(src)
	}
	files := src.ActiveFiles
	if files == nil {
		files = []string{}
	}
	return server.VRChatStatus{
		IsRunning:          src.IsRunning,
		ProcessID:          src.ProcessID,
		LogDirectoryExists: src.LogDirectoryExists,
		ActiveLogFiles:     files,
		DetectedAt:         toMillis(src.DetectedAt),
	}
}

// NoteLogActivity records the observation time of a parsed record.
func NoteLogActivity(t time.Time) {
	globalsLock.RLock()
	defer globalsLock.RUnlock()

	if builder != nil {
		builder.noteActivity(t)
	}
}

func init() {
	metrics.RelayExpvars.Set("Uptime", expvar.Func(func() interface{} {
		return Get().Uptime
	}))
	metrics.RelayExpvars.Set("LastLogTime", expvar.Func(func() interface{} {
		return Get().LastLogTime
	}))
	metrics.RelayExpvars.Set("IsRunning", expvar.Func(func() interface{} {
		return Get().VRChatStatus.IsRunning
	}))
}
