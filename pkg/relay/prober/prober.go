// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package prober detects whether the VRChat process is running.
//
// Detection is best effort. A probe that fails is reported as "absent
// this round" and never brings the relay down, the next round gets a
// fresh chance.
package prober

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/kurotori/vrc-log-relay/pkg/relay/metrics"
	"github.com/kurotori/vrc-log-relay/pkg/util/cache"
	"github.com/kurotori/vrc-log-relay/pkg/util/log"
)

// Result is the outcome of one probe round.
type Result struct {
	// Present is true when a live game process was found.
	Present bool
	// Pid is the process id of the match, 0 when absent.
	Pid int32
	// Method names the strategy that produced the match.
	Method string
}

// Prober is the detection interface consumed by the source supervisor.
type Prober interface {
	Probe(ctx context.Context) Result
}

// candidate is one process considered for a match.
type candidate struct {
	pid     int32
	name    string
	cmdline string
}

// strategy is a single way of looking for the game process. It returns
// every matching candidate in native enumeration order.
type strategy struct {
	name string
	run  func(ctx context.Context, processName string) ([]candidate, error)
}

// processInfo is a flattened snapshot of a running process.
type processInfo struct {
	pid     int32
	name    string
	cmdline string
}

const processCacheKey = "prober/processes"

// processFetcher enumerates running processes. Tests swap it out.
var processFetcher = fetchProcesses

func fetchProcesses() ([]processInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	infos := make([]processInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			// Processes can vanish mid enumeration.
			continue
		}
		cmdline, _ := p.Cmdline()
		infos = append(infos, processInfo{pid: p.Pid, name: name, cmdline: cmdline})
	}
	return infos, nil
}

// Options configures a SystemProber. Zero values select the defaults.
type Options struct {
	// ProcessName is the executable name to look for, "VRChat.exe" in a
	// standard install.
	ProcessName string
	// AuxMarkers lists lowercase substrings that mark a process as an
	// auxiliary of the game rather than the game itself.
	AuxMarkers []string
	// Retries is the number of attempts per strategy.
	Retries int
	// RetryDelay is the pause between attempts of one strategy.
	RetryDelay time.Duration
	// StrategyTimeout bounds one attempt of one strategy.
	StrategyTimeout time.Duration
	// CacheTTL is how long an enumeration snapshot may be reused.
	CacheTTL time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// SystemProber probes the host with an ordered list of strategies, by
// executable name first, then by command line, then through an OS
// command. The first strategy with a match wins.
type SystemProber struct {
	processName     string
	auxMarkers      []string
	selfPid         int32
	retries         int
	retryDelay      time.Duration
	strategyTimeout time.Duration
	cacheTTL        time.Duration
	clock           clock.Clock
	strategies      []strategy
}

// NewSystemProber returns a prober for the given options.
func NewSystemProber(opts Options) *SystemProber {
	if opts.ProcessName == "" {
		opts.ProcessName = "VRChat.exe"
	}
	if opts.AuxMarkers == nil {
		opts.AuxMarkers = []string{"launcher", "install", "setup", "update", "crash", "redist"}
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.StrategyTimeout <= 0 {
		opts.StrategyTimeout = 10 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	markers := make([]string, 0, len(opts.AuxMarkers))
	for _, marker := range opts.AuxMarkers {
		markers = append(markers, strings.ToLower(marker))
	}
	p := &SystemProber{
		processName:     opts.ProcessName,
		auxMarkers:      markers,
		selfPid:         int32(os.Getpid()),
		retries:         opts.Retries,
		retryDelay:      opts.RetryDelay,
		strategyTimeout: opts.StrategyTimeout,
		cacheTTL:        opts.CacheTTL,
		clock:           opts.Clock,
	}
	p.strategies = []strategy{
		{name: "name", run: p.enumerateByName},
		{name: "cmdline", run: p.enumerateByCmdline},
		{name: "exec", run: execEnumerate},
	}
	return p
}

// Probe runs the strategies in order and returns the first match. When
// no strategy matches the game is reported absent, which is the normal
// outcome on a machine where it is not running.
func (p *SystemProber) Probe(ctx context.Context) Result {
	errored := 0
	for _, s := range p.strategies {
		candidates, err := p.runStrategy(ctx, s)
		if err != nil {
			errored++
			log.Debugf("Process probe strategy %q failed: %v", s.name, err)
			continue
		}
		if pid, ok := p.pick(candidates); ok {
			return Result{Present: true, Pid: pid, Method: s.name}
		}
	}
	if errored == len(p.strategies) {
		metrics.ProbeFailures.Add(1)
		metrics.TlmProbeFailures.Inc()
		log.Warnf("Every process probe strategy failed, reporting %s as absent this round", p.processName)
	}
	return Result{}
}

func (p *SystemProber) runStrategy(ctx context.Context, s strategy) ([]candidate, error) {
	var lastErr error
	for attempt := 0; attempt < p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-p.clock.After(p.retryDelay):
			}
		}
		runCtx, cancel := context.WithTimeout(ctx, p.strategyTimeout)
		candidates, err := s.run(runCtx, p.processName)
		cancel()
		if err == nil {
			return candidates, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// pick filters and orders the candidates of one strategy. The relay
// itself is never a match. Auxiliary processes such as launchers or
// crash handlers only win when nothing else matched.
func (p *SystemProber) pick(candidates []candidate) (int32, bool) {
	survivors := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.pid == p.selfPid {
			continue
		}
		survivors = append(survivors, c)
	}
	for _, c := range survivors {
		if !p.isAuxiliary(c) {
			return c.pid, true
		}
	}
	if len(survivors) > 0 {
		return survivors[0].pid, true
	}
	return 0, false
}

func (p *SystemProber) isAuxiliary(c candidate) bool {
	haystack := strings.ToLower(c.cmdline)
	if haystack == "" {
		haystack = strings.ToLower(c.name)
	}
	for _, marker := range p.auxMarkers {
		if strings.Contains(haystack, marker) {
			return true
		}
	}
	return false
}

func (p *SystemProber) enumerateByName(ctx context.Context, processName string) ([]candidate, error) {
	infos, err := p.getProcesses(ctx)
	if err != nil {
		return nil, err
	}
	var candidates []candidate
	for _, info := range infos {
		if matchesName(info.name, processName) {
			candidates = append(candidates, candidate{pid: info.pid, name: info.name, cmdline: info.cmdline})
		}
	}
	return candidates, nil
}

func (p *SystemProber) enumerateByCmdline(ctx context.Context, processName string) ([]candidate, error) {
	infos, err := p.getProcesses(ctx)
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(processName)
	var candidates []candidate
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.cmdline), want) {
			candidates = append(candidates, candidate{pid: info.pid, name: info.name, cmdline: info.cmdline})
		}
	}
	return candidates, nil
}

// matchesName compares an enumerated process name against the wanted
// executable. The name may come without its extension, for example the
// Linux comm value of a Proton hosted game.
func matchesName(name, want string) bool {
	if strings.EqualFold(name, want) {
		return true
	}
	bare := strings.TrimSuffix(want, filepath.Ext(want))
	return bare != want && strings.EqualFold(name, bare)
}

func (p *SystemProber) getProcesses(ctx context.Context) ([]processInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := cache.BuildRelayKey(processCacheKey)
	if value, found := cache.Cache.Get(key); found {
		return value.([]processInfo), nil
	}
	infos, err := processFetcher()
	if err != nil {
		return nil, err
	}
	cache.Cache.Set(key, infos, p.cacheTTL)
	return infos, nil
}
