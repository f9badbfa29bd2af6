// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2018 Datadog, Inc.

// Package message holds the data model passed between the tailers, the
// processor and the server: raw file lines on the way in, processed records
// on the way out.
package message

import (
	"time"
)

// Level is the severity extracted from a log line.
type Level string

// All the levels a record can carry. VRChat writes Log, Warning, Error and
// Exception prefixed lines, Debug shows up on verbose installs.
const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

// Kind is the semantic event class recognized in a line.
type Kind string

// All the kinds the parser can emit.
const (
	KindWorldChange Kind = "world_change"
	KindUserJoin    Kind = "user_join"
	KindUserLeave   Kind = "user_leave"
	KindOther       Kind = "other"
)

// Source attributes a line to the part of the game that wrote it.
type Source string

// All the source attributions.
const (
	SourceGame     Source = "game"
	SourceNetwork  Source = "network"
	SourceScripted Source = "scripted"
	SourceOther    Source = "other"
)

// RawLine is one completed line read from a log file, before parsing.
// Content never includes the trailing newline.
type RawLine struct {
	Content    []byte
	FilePath   string
	Basename   string
	FileIndex  int
	LineNo     int64
	IngestedAt time.Time
}

// Parsed is the semantic payload of a record. Fields is a flat map whose
// keys depend on Kind, see the parser package.
type Parsed struct {
	Kind   Kind              `json:"kind"`
	Fields map[string]string `json:"fields"`
}

// Origin identifies where a record was read from.
type Origin struct {
	FilePath  string
	Basename  string
	FileIndex int
	LineNo    int64
}

// Record is a fully processed log line ready for fan-out. Records are never
// mutated after the processor hands them over.
type Record struct {
	ID         string
	ObservedAt time.Time
	// LineTime is the wall clock parsed out of the line itself, zero when
	// the line carried no timestamp.
	LineTime time.Time
	Level    Level
	Source   Source
	Raw      string
	Parsed   *Parsed
	Origin   Origin
	Tags     []string
}

// Field returns the named parsed field, or "" when absent.
func (r *Record) Field(name string) string {
	if r.Parsed == nil {
		return ""
	}
	return r.Parsed.Fields[name]
}

// Kind returns the semantic kind of the record, KindOther when unparsed.
func (r *Record) Kind() Kind {
	if r.Parsed == nil {
		return KindOther
	}
	return r.Parsed.Kind
}

// HasTag reports whether tag is part of the record's tag set.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
