// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package metrics

import (
	"expvar"

	"github.com/kurotori/vrc-log-relay/pkg/telemetry"
)

var (
	// RelayExpvars contains the core metrics of the relay.
	RelayExpvars *expvar.Map
	// BytesRead is the total number of bytes read by the tailers.
	BytesRead = expvar.Int{}
	// TlmBytesRead is the total number of bytes read by the tailers.
	TlmBytesRead = telemetry.NewCounter("tailer", "bytes_read",
		nil, "Total number of bytes read by the tailers")
	// LinesRead is the total number of complete lines read by the tailers.
	LinesRead = expvar.Int{}
	// TlmLinesRead is the total number of complete lines read by the tailers.
	TlmLinesRead = telemetry.NewCounter("tailer", "lines_read",
		nil, "Total number of complete lines read by the tailers")
	// LogsProcessed is the total number of lines turned into records.
	LogsProcessed = expvar.Int{}
	// TlmLogsProcessed is the total number of lines turned into records.
	TlmLogsProcessed = telemetry.NewCounter("relay", "processed",
		nil, "Total number of lines turned into records")
	// LogsDistributed is the total number of records enqueued to subscribers.
	LogsDistributed = expvar.Int{}
	// TlmLogsDistributed is the total number of records enqueued to subscribers.
	TlmLogsDistributed = telemetry.NewCounter("relay", "distributed",
		nil, "Total number of records enqueued to subscribers")
	// LogsDropped is the total number of records dropped on full subscriber queues.
	LogsDropped = expvar.Int{}
	// TlmLogsDropped is the number of records dropped per subscriber.
	TlmLogsDropped = telemetry.NewCounter("relay", "dropped",
		[]string{"subscriber"}, "Total number of records dropped per subscriber")
	// SubscribersConnected is the current number of active subscribers.
	SubscribersConnected = expvar.Int{}
	// TlmSubscribersConnected is the current number of active subscribers.
	TlmSubscribersConnected = telemetry.NewGauge("server", "subscribers",
		nil, "Current number of active subscribers")
	// SubscribersRejected is the total number of connections rejected at the cap.
	SubscribersRejected = expvar.Int{}
	// TlmSubscribersRejected is the total number of connections rejected at the cap.
	TlmSubscribersRejected = telemetry.NewCounter("server", "rejected",
		nil, "Total number of connections rejected at the connection limit")
	// FilesTailed is the current number of tailed files.
	FilesTailed = expvar.Int{}
	// TlmFilesTailed is the current number of tailed files.
	TlmFilesTailed = telemetry.NewGauge("tailer", "files",
		nil, "Current number of tailed files")
	// ProbeFailures is the total number of process probes that errored out.
	ProbeFailures = expvar.Int{}
	// TlmProbeFailures is the total number of process probes that errored out.
	TlmProbeFailures = telemetry.NewCounter("prober", "failures",
		nil, "Total number of process probes that errored out")
	// StatusChanges is the total number of source status transitions.
	StatusChanges = expvar.Int{}
	// TlmStatusChanges is the total number of source status transitions.
	TlmStatusChanges = telemetry.NewCounter("relay", "status_changes",
		nil, "Total number of source status transitions")
)

func init() {
	RelayExpvars = expvar.NewMap("vrc-log-relay")
	RelayExpvars.Set("BytesRead", &BytesRead)
	RelayExpvars.Set("LinesRead", &LinesRead)
	RelayExpvars.Set("LogsProcessed", &LogsProcessed)
	RelayExpvars.Set("LogsDistributed", &LogsDistributed)
	RelayExpvars.Set("LogsDropped", &LogsDropped)
	RelayExpvars.Set("SubscribersConnected", &SubscribersConnected)
	RelayExpvars.Set("SubscribersRejected", &SubscribersRejected)
	RelayExpvars.Set("FilesTailed", &FilesTailed)
	RelayExpvars.Set("ProbeFailures", &ProbeFailures)
	RelayExpvars.Set("StatusChanges", &StatusChanges)
}
