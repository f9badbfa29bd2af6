// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package processor turns the raw lines coming out of the tailers into
// processed records for the broadcast fabric.
package processor

import (
	"github.com/kurotori/vrc-log-relay/pkg/relay/message"
	"github.com/kurotori/vrc-log-relay/pkg/relay/metrics"
	"github.com/kurotori/vrc-log-relay/pkg/relay/parser"
	"github.com/kurotori/vrc-log-relay/pkg/util/log"
)

// Processor is the single pipeline stage between tailers and fan-out.
// Raw lines are owned by the processor once received and records are
// owned by the receiver once sent, nothing is shared.
type Processor struct {
	inputChan  chan *message.RawLine
	outputChan chan *message.Record

	// onRecord, when set, observes every record before it is forwarded.
	onRecord func(*message.Record)

	stop chan struct{}
	done chan struct{}
}

// New returns a Processor wired between the two channels. The output
// channel is closed once the processor has fully drained.
func New(input chan *message.RawLine, output chan *message.Record, onRecord func(*message.Record)) *Processor {
	return &Processor{
		inputChan:  input,
		outputChan: output,
		onRecord:   onRecord,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the processing loop.
func (p *Processor) Start() {
	go p.run()
}

// Stop drains the lines already handed over by the tailers, closes the
// output channel and returns. Call it only after the tailers stopped
// producing.
func (p *Processor) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Processor) run() {
	defer close(p.done)
	defer close(p.outputChan)
	for {
		select {
		case raw := <-p.inputChan:
			p.process(raw)
		case <-p.stop:
			for {
				select {
				case raw := <-p.inputChan:
					p.process(raw)
				default:
					log.Debug("Processor drained")
					return
				}
			}
		}
	}
}

func (p *Processor) process(raw *message.RawLine) {
	record := parser.Parse(raw.Content)
	if record == nil {
		return
	}
	record.Origin = message.Origin{
		FilePath:  raw.FilePath,
		Basename:  raw.Basename,
		FileIndex: raw.FileIndex,
		LineNo:    raw.LineNo,
	}
	metrics.LogsProcessed.Add(1)
	metrics.TlmLogsProcessed.Inc()
	if p.onRecord != nil {
		p.onRecord(record)
	}
	p.outputChan <- record
}
