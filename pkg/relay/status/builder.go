// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package status

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/atomic"

	"github.com/kurotori/vrc-log-relay/pkg/relay/metrics"
	"github.com/kurotori/vrc-log-relay/pkg/relay/server"
	"github.com/kurotori/vrc-log-relay/pkg/relay/source"
	"github.com/kurotori/vrc-log-relay/pkg/util/log"
)

const (
	defaultSampleInterval = 10 * time.Second
	// defaultHistoryLimit keeps an hour of samples at the default
	// interval.
	defaultHistoryLimit = 360

	// The per second rate is a sliding count over the last minute.
	rateWindow = time.Minute
	rateBucket = 5 * time.Second
)

// BuilderOptions configures a Builder. Zero fields fall back to
// defaults.
type BuilderOptions struct {
	StartTime      time.Time
	SourceStatus   func() source.Status
	SampleInterval time.Duration
	HistoryLimit   int
	Clock          clock.Clock
}

// Builder computes status and metrics payloads from the live counters
// and keeps the sampled metrics history.
type Builder struct {
	opts  BuilderOptions
	clock clock.Clock
	proc  *process.Process

	lastLog *atomic.Int64
	msgRate *movingSum

	mu      sync.Mutex
	history []server.MetricsSnapshot

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewBuilder returns an unstarted builder.
func NewBuilder(opts BuilderOptions) *Builder {
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}
	if opts.SourceStatus == nil {
		opts.SourceStatus = func() source.Status { return source.Status{} }
	}
	if opts.SampleInterval == 0 {
		opts.SampleInterval = defaultSampleInterval
	}
	if opts.HistoryLimit == 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warnf("Cannot inspect own process, rss and cpu will read zero: %v", err)
		proc = nil
	}
	return &Builder{
		opts:    opts,
		clock:   opts.Clock,
		proc:    proc,
		lastLog: atomic.NewInt64(0),
		msgRate: newMovingSum(rateWindow, rateBucket, opts.Clock),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the metrics sampling loop.
func (b *Builder) Start() {
	b.sample()
	go b.run()
}

// Stop terminates the sampling loop.
func (b *Builder) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}

func (b *Builder) run() {
	defer close(b.done)
	ticker := b.clock.Ticker(b.opts.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.sample()
		}
	}
}

func (b *Builder) noteActivity(t time.Time) {
	b.lastLog.Store(t.UnixMilli())
	b.msgRate.Add(1)
}

// currentRate divides the windowed count by the window, or by the
// uptime while it is still shorter than the window.
func (b *Builder) currentRate() float64 {
	elapsed := b.clock.Now().Sub(b.opts.StartTime)
	if elapsed <= 0 || elapsed > rateWindow {
		elapsed = rateWindow
	}
	return float64(b.msgRate.Sum()) / elapsed.Seconds()
}

// BuildStatus assembles one status payload.
func (b *Builder) BuildStatus() *server.StatusData {
	src := b.opts.SourceStatus()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return &server.StatusData{
		Uptime:              time.Since(b.opts.StartTime).Milliseconds(),
		MonitoredFiles:      len(src.ActiveFiles),
		MessagesProcessed:   metrics.LogsProcessed.Value(),
		MessagesDistributed: metrics.LogsDistributed.Value(),
		LastLogTime:         b.lastLog.Load(),
		MemoryUsage: server.MemoryUsage{
			RSS:       b.rss(),
			HeapUsed:  mem.HeapAlloc,
			HeapTotal: mem.HeapSys,
		},
		VRChatStatus: b.buildVRChatStatus(src),
	}
}

func (b *Builder) buildVRChatStatus(src source.Status) server.VRChatStatus {
	activeFiles := src.ActiveFiles
	if activeFiles == nil {
		activeFiles = []string{}
	}
	return server.VRChatStatus{
		IsRunning:          src.IsRunning,
		ProcessID:          src.ProcessID,
		LogDirectoryExists: src.LogDirectoryExists,
		ActiveLogFiles:     activeFiles,
		LastLogActivity:    b.lastLog.Load(),
		DetectedAt:         toMillis(src.DetectedAt),
	}
}

// BuildMetrics assembles one metrics payload.
func (b *Builder) BuildMetrics(req *server.GetMetricsData) *server.MetricsData {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := &server.MetricsData{
		Current: server.MetricsSnapshot{
			MessagesPerSecond: b.currentRate(),
			MemoryUsageMB:     float64(b.rss()) / (1024 * 1024),
			CPUUsage:          b.cpuPercent(),
			Timestamp:         b.clock.Now().UnixMilli(),
		},
	}
	if req != nil && req.IncludeHistory {
		cutoff := int64(0)
		if req.TimeRange > 0 {
			cutoff = b.clock.Now().UnixMilli() - req.TimeRange
		}
		for _, snap := range b.history {
			if snap.Timestamp >= cutoff {
				data.History = append(data.History, snap)
			}
		}
	}
	return data
}

// sample appends one point to the history.
func (b *Builder) sample() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, server.MetricsSnapshot{
		MessagesPerSecond: b.currentRate(),
		MemoryUsageMB:     float64(b.rss()) / (1024 * 1024),
		CPUUsage:          b.cpuPercent(),
		Timestamp:         b.clock.Now().UnixMilli(),
	})
	if len(b.history) > b.opts.HistoryLimit {
		b.history = b.history[len(b.history)-b.opts.HistoryLimit:]
	}
}

func (b *Builder) rss() uint64 {
	if b.proc == nil {
		return 0
	}
	info, err := b.proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}

func (b *Builder) cpuPercent() float64 {
	if b.proc == nil {
		return 0
	}
	percent, err := b.proc.Percent(0)
	if err != nil {
		return 0
	}
	return percent
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
