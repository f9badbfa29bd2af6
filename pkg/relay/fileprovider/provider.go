// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package fileprovider decides which log files of the VRChat log
// directory belong to the current game session.
//
// The game names every log file after its creation time and sometimes
// hands off to a fresh file in the middle of a session. Files written
// within a short window of each other are therefore treated as one
// continuous stream, while an older file is assumed to belong to a
// previous session and is left alone.
package fileprovider

import (
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/afero"
)

// logFilePattern matches the basenames produced by the game, for
// example "output_log_2025-06-30_15-30-15.txt".
var logFilePattern = regexp.MustCompile(`^output_log_(\d{4})-(\d{2})-(\d{2})_(\d{2})-(\d{2})-(\d{2})\.txt$`)

// LogFile is one candidate log file with the timestamp parsed from its
// basename.
type LogFile struct {
	Path      string
	Timestamp time.Time
}

// Provider selects the files to tail from a directory listing.
type Provider struct {
	fs          afero.Fs
	groupPeriod time.Duration
	maxFiles    int
}

// NewProvider returns a Provider grouping files written within
// groupPeriod of each other, keeping at most maxFiles of them.
func NewProvider(fs afero.Fs, groupPeriod time.Duration, maxFiles int) *Provider {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Provider{
		fs:          fs,
		groupPeriod: groupPeriod,
		maxFiles:    maxFiles,
	}
}

// FilesToTail returns the files of the current session, oldest first so
// that the index of a file in the selection is stable while the session
// lasts.
//
// Starting from the newest file, a candidate is part of the session iff
// its timestamp is within groupPeriod of the previously included file.
// The walk stops at the first candidate outside the window and at
// maxFiles included files.
func (p *Provider) FilesToTail(dir string) ([]LogFile, error) {
	infos, err := afero.ReadDir(p.fs, dir)
	if err != nil {
		return nil, err
	}
	files := make([]LogFile, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		ts, ok := ParseBasename(info.Name())
		if !ok {
			continue
		}
		files = append(files, LogFile{
			Path:      filepath.Join(dir, info.Name()),
			Timestamp: ts,
		})
	}
	if len(files) == 0 {
		return nil, nil
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].Timestamp.Equal(files[j].Timestamp) {
			return files[i].Timestamp.After(files[j].Timestamp)
		}
		return files[i].Path > files[j].Path
	})
	selected := files[:1]
	for _, candidate := range files[1:] {
		if len(selected) >= p.maxFiles {
			break
		}
		previous := selected[len(selected)-1]
		if previous.Timestamp.Sub(candidate.Timestamp) > p.groupPeriod {
			break
		}
		selected = append(selected, candidate)
	}
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	return selected, nil
}

// ParseBasename extracts the creation timestamp encoded in a log file
// basename. The second return value is false when the name does not
// match the pattern.
func ParseBasename(name string) (time.Time, bool) {
	groups := logFilePattern.FindStringSubmatch(name)
	if groups == nil {
		return time.Time{}, false
	}
	parts := make([]int, 6)
	for i := range parts {
		n, err := strconv.Atoi(groups[i+1])
		if err != nil {
			return time.Time{}, false
		}
		parts[i] = n
	}
	return time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], 0, time.Local), true
}
