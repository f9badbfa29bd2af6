// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package relay

import (
	"github.com/kurotori/vrc-log-relay/pkg/config"
	"github.com/kurotori/vrc-log-relay/pkg/relay/fileprovider"
	"github.com/kurotori/vrc-log-relay/pkg/relay/message"
	"github.com/kurotori/vrc-log-relay/pkg/relay/prober"
	"github.com/kurotori/vrc-log-relay/pkg/relay/processor"
	"github.com/kurotori/vrc-log-relay/pkg/relay/restart"
	"github.com/kurotori/vrc-log-relay/pkg/relay/server"
	"github.com/kurotori/vrc-log-relay/pkg/relay/source"
	"github.com/kurotori/vrc-log-relay/pkg/relay/status"
	"github.com/kurotori/vrc-log-relay/pkg/util/log"
)

// chanSize is the depth of the channels between the pipeline stages.
const chanSize = 100

// stopFunc adapts a bare function to restart.Stoppable.
type stopFunc func()

// Stop implements restart.Stoppable.
func (f stopFunc) Stop() { f() }

// Agent owns every stage of the relay pipeline, from source supervision
// to the subscriber fan-out.
type Agent struct {
	supervisor *source.Supervisor
	processor  *processor.Processor
	server     *server.Server

	forwarderDone chan struct{}
}

// NewAgent assembles the pipeline from the given configuration.
func NewAgent(cfg config.Config) *Agent {
	rawChan := make(chan *message.RawLine, chanSize)
	recordChan := make(chan *message.Record, chanSize)

	gameProber := prober.NewSystemProber(prober.Options{
		ProcessName:     cfg.GetString("vrchat.process_name"),
		AuxMarkers:      cfg.GetStringSlice("monitor.aux_process_markers"),
		Retries:         cfg.GetInt("monitor.probe_retries"),
		StrategyTimeout: cfg.GetDuration("monitor.probe_timeout"),
	})
	provider := fileprovider.NewProvider(nil, cfg.GetDuration("monitor.group_period"), cfg.GetInt("monitor.max_files"))

	supervisor := source.NewSupervisor(source.Options{
		Prober:                gameProber,
		Provider:              provider,
		LogDirectory:          cfg.GetString("vrchat.log_directory"),
		ProbeInterval:         cfg.GetDuration("monitor.probe_interval"),
		OutputChan:            rawChan,
		TailerPollInterval:    cfg.GetDuration("tailer.poll_interval"),
		TailerMaxPollInterval: cfg.GetDuration("tailer.max_poll_interval"),
		TailerOpenTimeout:     cfg.GetDuration("tailer.open_timeout"),
		TailerMaxLineBytes:    cfg.GetInt("tailer.max_line_bytes"),
	})

	proc := processor.New(rawChan, recordChan, func(record *message.Record) {
		status.NoteLogActivity(record.ObservedAt)
	})

	srv := server.NewServer(server.Options{
		Addr:             config.ListenAddress(cfg),
		MaxClients:       cfg.GetInt("server.max_clients"),
		PingInterval:     cfg.GetDuration("server.ping_interval"),
		HandshakeTimeout: cfg.GetDuration("server.handshake_timeout"),
		QueueSize:        cfg.GetInt("server.outbound_queue_size"),
		MaxFrameBytes:    cfg.GetInt64("server.max_frame_bytes"),
		RecordsChan:      recordChan,
		StatusProvider:   status.Get,
		MetricsProvider:  status.GetMetrics,
	})

	return &Agent{
		supervisor:    supervisor,
		processor:     proc,
		server:        srv,
		forwarderDone: make(chan struct{}),
	}
}

// Start brings the pipeline up back to front so no stage ever feeds a
// stage that is not draining yet.
func (a *Agent) Start() error {
	if err := a.server.Start(); err != nil {
		return err
	}
	starter := restart.NewStarter(a.processor, a.supervisor)
	starter.Start()
	go a.forwardStatusChanges()
	return nil
}

// Stop tears the pipeline down front to back. The acceptor goes first,
// then the tailers drain through the processor into the fan-out, and
// only then do the subscribers get their disconnect notice.
func (a *Agent) Stop() {
	stopper := restart.NewSerialStopper(
		stopFunc(a.server.StopAccepting),
		stopFunc(a.supervisor.StopTailing),
		a.processor,
		a.server,
		a.supervisor,
	)
	stopper.Stop()
	<-a.forwarderDone
}

// ServerAddr reports the bound websocket address once Start returned.
func (a *Agent) ServerAddr() string {
	return a.server.Addr()
}

// forwardStatusChanges republishes supervision transitions to the
// subscribers. It exits when the supervisor closes its change stream.
func (a *Agent) forwardStatusChanges() {
	defer close(a.forwarderDone)
	for change := range a.supervisor.Changes() {
		a.server.PublishStatusChange(&server.StatusChangeData{
			ChangeType:    string(change.Type),
			Timestamp:     change.At.UnixMilli(),
			Data:          change.Data,
			CurrentStatus: status.VRChatStatusFrom(change.Status),
		})
	}
	log.Debug("Status change forwarder stopped")
}
