// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package source supervises where the relay's lines come from. It
// watches for the game process, for the log directory and for the log
// files themselves, and keeps one tailer per file of the current
// session.
package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"

	"github.com/kurotori/vrc-log-relay/pkg/relay/fileprovider"
	"github.com/kurotori/vrc-log-relay/pkg/relay/message"
	"github.com/kurotori/vrc-log-relay/pkg/relay/metrics"
	"github.com/kurotori/vrc-log-relay/pkg/relay/prober"
	"github.com/kurotori/vrc-log-relay/pkg/relay/tailer"
	"github.com/kurotori/vrc-log-relay/pkg/status/health"
	"github.com/kurotori/vrc-log-relay/pkg/util/log"
)

// State is the supervision state exposed in status payloads.
type State string

const (
	// StateProbeOnly means the game process has never been seen yet.
	StateProbeOnly State = "probe_only"
	// StateDirectoryAbsent means the process was seen but the log
	// directory does not exist.
	StateDirectoryAbsent State = "directory_absent"
	// StateDirectoryPresentIdle means the log directory exists but no
	// file is currently tailed.
	StateDirectoryPresentIdle State = "directory_present_idle"
	// StateTailing means at least one log file is being tailed.
	StateTailing State = "tailing"
)

// ChangeType partitions status changes for subscribers.
type ChangeType string

const (
	// ChangeProcess signals the game process appearing or vanishing.
	ChangeProcess ChangeType = "process"
	// ChangeLogDirectory signals the log directory appearing or vanishing.
	ChangeLogDirectory ChangeType = "log_directory"
	// ChangeLogMonitoring signals a change of the tailed file set.
	ChangeLogMonitoring ChangeType = "log_monitoring"
)

// Status is a snapshot of the supervision state. It is copied out under
// a lock, callers own their copy.
type Status struct {
	State              State
	IsRunning          bool
	ProcessID          int32
	DetectionMethod    string
	DetectedAt         time.Time
	LogDirectory       string
	LogDirectoryExists bool
	// ActiveFiles lists the basenames of the tailed files, oldest first.
	ActiveFiles []string
}

// StatusChange is emitted on every supervision transition.
type StatusChange struct {
	Type ChangeType
	At   time.Time
	// Data carries the change specific payload forwarded to subscribers.
	Data map[string]interface{}
	// Status is the snapshot taken right after the transition.
	Status Status
}

// Options configures a Supervisor.
type Options struct {
	Prober        prober.Prober
	Provider      *fileprovider.Provider
	LogDirectory  string
	ProbeInterval time.Duration
	// OutputChan is shared by every tailer the supervisor spawns.
	OutputChan chan *message.RawLine

	TailerPollInterval    time.Duration
	TailerMaxPollInterval time.Duration
	TailerOpenTimeout     time.Duration
	TailerMaxLineBytes    int

	Clock clock.Clock
}

// Supervisor drives the source state machine. It reconciles on a probe
// ticker, on directory watch events and on tailers reporting their file
// gone.
type Supervisor struct {
	opts  Options
	clock clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	status Status

	// The fields below are owned by the run loop.
	tailers        map[string]*tailer.Tailer
	sessionCounter int
	wasRunning     bool
	draining       bool
	watcher        *fsnotify.Watcher
	watcherPath    string

	goneChan   chan string
	changeChan chan *StatusChange

	healthToken health.ID

	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
	drainChan   chan struct{}
	drainOnce   sync.Once
	drainedChan chan struct{}
}

// NewSupervisor returns a stopped Supervisor for the given options.
func NewSupervisor(opts Options) *Supervisor {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:   opts,
		clock:  opts.Clock,
		ctx:    ctx,
		cancel: cancel,
		status: Status{
			State:        StateProbeOnly,
			LogDirectory: opts.LogDirectory,
		},
		tailers:     make(map[string]*tailer.Tailer),
		goneChan:    make(chan string, 8),
		changeChan:  make(chan *StatusChange, 16),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		drainChan:   make(chan struct{}),
		drainedChan: make(chan struct{}),
	}
}

// Start launches the supervision loop.
func (s *Supervisor) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Degraded but functional, the probe ticker still rescans.
		log.Warnf("Could not create a directory watcher, falling back to polling only: %v", err)
	} else {
		s.watcher = watcher
	}
	s.healthToken = health.Register("source-supervisor")
	go s.run()
}

// StopTailing halts every tailer and prevents new spawns. The loop
// keeps running so status stays answerable during shutdown.
func (s *Supervisor) StopTailing() {
	s.drainOnce.Do(func() {
		close(s.drainChan)
	})
	select {
	case <-s.drainedChan:
	case <-s.done:
	}
}

// Stop terminates the supervision loop and every remaining tailer.
func (s *Supervisor) Stop() {
	s.cancel()
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
	for path, t := range s.tailers {
		t.Stop()
		delete(s.tailers, path)
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
	health.Deregister(s.healthToken) //nolint:errcheck
	// The run loop was the only sender, subscribers ranging over
	// Changes() terminate here.
	close(s.changeChan)
}

// GetStatus returns a copy of the current supervision snapshot.
func (s *Supervisor) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := s.status
	status.ActiveFiles = append([]string(nil), s.status.ActiveFiles...)
	return status
}

// Changes returns the stream of supervision transitions.
func (s *Supervisor) Changes() <-chan *StatusChange {
	return s.changeChan
}

func (s *Supervisor) run() {
	defer close(s.done)
	ticker := s.clock.Ticker(s.opts.ProbeInterval)
	defer ticker.Stop()

	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	if s.watcher != nil {
		watchEvents = s.watcher.Events
		watchErrors = s.watcher.Errors
	}
	drainChan := s.drainChan

	s.reconcile()
	health.Ping(s.healthToken) //nolint:errcheck
	for {
		select {
		case <-s.stop:
			return
		case <-drainChan:
			// A closed channel stays ready, disarm it after one round.
			drainChan = nil
			s.draining = true
			s.reconcile()
			close(s.drainedChan)
		case <-ticker.C:
			s.reconcile()
			health.Ping(s.healthToken) //nolint:errcheck
		case event := <-watchEvents:
			// Write and chmod events fire for every appended line,
			// only the shape of the directory matters here.
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.reconcile()
		case err := <-watchErrors:
			log.Warnf("Log directory watcher error: %v", err)
		case path := <-s.goneChan:
			s.removeTailer(path)
			s.reconcile()
		}
	}
}

// reconcile drives one round of the state machine, it probes, checks
// the directory, re-runs the selector and diffs the tailer set.
func (s *Supervisor) reconcile() {
	probe := s.opts.Prober.Probe(s.ctx)
	dirExists := s.directoryExists()

	var selected []fileprovider.LogFile
	if probe.Present && dirExists && !s.draining {
		var err error
		selected, err = s.opts.Provider.FilesToTail(s.opts.LogDirectory)
		if err != nil {
			log.Warnf("Could not list %s: %v", s.opts.LogDirectory, err)
			selected = nil
		}
	}

	if s.wasRunning && !probe.Present {
		// The session ended, the next one numbers its files from zero.
		s.sessionCounter = 0
	}
	s.wasRunning = probe.Present

	added, removed := s.applySelection(selected)
	s.syncWatcher(probe.Present, dirExists)

	old := s.GetStatus()
	next := s.buildStatus(probe, dirExists)
	s.mu.Lock()
	s.status = next
	s.mu.Unlock()

	now := s.clock.Now()
	if old.IsRunning != next.IsRunning {
		data := map[string]interface{}{
			"isRunning": next.IsRunning,
		}
		if next.IsRunning {
			data["processId"] = next.ProcessID
			data["method"] = next.DetectionMethod
		}
		s.emitChange(&StatusChange{Type: ChangeProcess, At: now, Data: data, Status: next})
	}
	if old.LogDirectoryExists != next.LogDirectoryExists {
		s.emitChange(&StatusChange{
			Type: ChangeLogDirectory,
			At:   now,
			Data: map[string]interface{}{
				"exists": next.LogDirectoryExists,
				"path":   s.opts.LogDirectory,
			},
			Status: next,
		})
	}
	if len(added) > 0 || len(removed) > 0 {
		s.emitChange(&StatusChange{
			Type: ChangeLogMonitoring,
			At:   now,
			Data: map[string]interface{}{
				"activeFiles": next.ActiveFiles,
				"added":       basenamesOf(added),
				"removed":     basenamesOf(removed),
			},
			Status: next,
		})
	}
}

// applySelection stops the tailers that fell out of the selection and
// spawns one for every newly selected path. A path already being tailed
// is never restarted.
func (s *Supervisor) applySelection(selected []fileprovider.LogFile) (added, removed []string) {
	want := make(map[string]bool, len(selected))
	for _, f := range selected {
		want[f.Path] = true
	}
	for path, t := range s.tailers {
		if want[path] && !t.IsFinished() {
			continue
		}
		t.Stop()
		delete(s.tailers, path)
		removed = append(removed, path)
		metrics.FilesTailed.Add(-1)
		metrics.TlmFilesTailed.Dec()
	}
	for _, f := range selected {
		if _, ok := s.tailers[f.Path]; ok {
			continue
		}
		t := tailer.NewTailer(tailer.Options{
			Path:            f.Path,
			FileIndex:       s.sessionCounter,
			OutputChan:      s.opts.OutputChan,
			GoneChan:        s.goneChan,
			PollInterval:    s.opts.TailerPollInterval,
			MaxPollInterval: s.opts.TailerMaxPollInterval,
			OpenTimeout:     s.opts.TailerOpenTimeout,
			MaxLineBytes:    s.opts.TailerMaxLineBytes,
		})
		if err := t.Start(0, io.SeekEnd); err != nil {
			log.Warnf("Could not start tailing %s: %v", f.Path, err)
			continue
		}
		s.sessionCounter++
		s.tailers[f.Path] = t
		added = append(added, f.Path)
		metrics.FilesTailed.Add(1)
		metrics.TlmFilesTailed.Inc()
	}
	return added, removed
}

func (s *Supervisor) removeTailer(path string) {
	t, ok := s.tailers[path]
	if !ok {
		return
	}
	t.Stop()
	delete(s.tailers, path)
	metrics.FilesTailed.Add(-1)
	metrics.TlmFilesTailed.Dec()
}

// syncWatcher keeps the fsnotify watch aligned with the directory. The
// watch is only established once the process has been seen, and is kept
// afterwards so a restarted game is caught quickly.
func (s *Supervisor) syncWatcher(present, dirExists bool) {
	if s.watcher == nil {
		return
	}
	watchWanted := dirExists && (present || s.watcherPath != "" || s.wasEverRunning())
	if watchWanted && s.watcherPath == "" {
		if err := s.watcher.Add(s.opts.LogDirectory); err != nil {
			log.Warnf("Could not watch %s: %v", s.opts.LogDirectory, err)
			return
		}
		s.watcherPath = s.opts.LogDirectory
	}
	if !dirExists && s.watcherPath != "" {
		// The kernel side of the watch died with the directory.
		s.watcher.Remove(s.watcherPath)
		s.watcherPath = ""
	}
}

func (s *Supervisor) wasEverRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.State != StateProbeOnly
}

func (s *Supervisor) directoryExists() bool {
	info, err := os.Stat(s.opts.LogDirectory)
	return err == nil && info.IsDir()
}

func (s *Supervisor) buildStatus(probe prober.Result, dirExists bool) Status {
	next := Status{
		IsRunning:          probe.Present,
		LogDirectory:       s.opts.LogDirectory,
		LogDirectoryExists: dirExists,
		ActiveFiles:        s.activeFiles(),
	}
	if probe.Present {
		next.ProcessID = probe.Pid
		next.DetectionMethod = probe.Method
		next.DetectedAt = s.previousDetectedAt(probe)
	}
	switch {
	case len(next.ActiveFiles) > 0:
		next.State = StateTailing
	case !probe.Present && !s.wasEverRunning():
		next.State = StateProbeOnly
	case !dirExists:
		next.State = StateDirectoryAbsent
	default:
		next.State = StateDirectoryPresentIdle
	}
	return next
}

// previousDetectedAt keeps the original detection time across rounds
// while the same process stays up.
func (s *Supervisor) previousDetectedAt(probe prober.Result) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status.IsRunning && s.status.ProcessID == probe.Pid && !s.status.DetectedAt.IsZero() {
		return s.status.DetectedAt
	}
	return s.clock.Now()
}

func (s *Supervisor) activeFiles() []string {
	type entry struct {
		index int
		name  string
	}
	entries := make([]entry, 0, len(s.tailers))
	for path, t := range s.tailers {
		entries = append(entries, entry{index: t.FileIndex(), name: filepath.Base(path)})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].index < entries[j].index
	})
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.name)
	}
	return names
}

func (s *Supervisor) emitChange(change *StatusChange) {
	metrics.StatusChanges.Add(1)
	metrics.TlmStatusChanges.Inc()
	log.Infof("Source status change %s: %v", change.Type, change.Data)
	select {
	case s.changeChan <- change:
	default:
		log.Warnf("Status change listener is behind, dropping a %s change", change.Type)
	}
}

func basenamesOf(paths []string) []string {
	names := make([]string, 0, len(paths))
	for _, path := range paths {
		names = append(names, filepath.Base(path))
	}
	return names
}
