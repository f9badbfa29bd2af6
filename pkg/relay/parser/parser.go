// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package parser turns raw VRChat log lines into processed records.
//
// VRChat log lines follow the pattern '<date> <time> <level> -  <content>',
// for example:
// 2025.6.30 15:30:15 Debug -  [Behaviour] Joining wrld_abc123~private(usr_def456)~region(jp)
// The level word and the timestamp are both optional, lines written by the
// engine mid-flight (stack traces, blank separators) carry neither.
package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kurotori/vrc-log-relay/pkg/relay/message"
)

var (
	// levelLineRegexp matches '<YYYY.M.D H:M:S> <Level> - <content>'.
	levelLineRegexp = regexp.MustCompile(`^(\d{4})\.(\d{1,2})\.(\d{1,2}) (\d{1,2}):(\d{2}):(\d{2})\s+(Log|Warning|Error|Exception|Debug)\s+-\s*(.*)$`)
	// timestampLineRegexp matches '<YYYY.M.D H:M:S> <content>' without a level word.
	timestampLineRegexp = regexp.MustCompile(`^(\d{4})\.(\d{1,2})\.(\d{1,2}) (\d{1,2}):(\d{2}):(\d{2})\s+(.*)$`)

	// worldJoinRegexp matches '[Behaviour] Joining wrld_<id>[:<instance>][~parts]'.
	// 'Joining or Creating Room:' lines do not match, the world id is required.
	worldJoinRegexp = regexp.MustCompile(`\[Behaviour\] Joining (wrld_[^:~\s]+)(?::(\d+))?(~\S*)?`)
	// playerJoinRegexp matches '[Behaviour] OnPlayerJoined <name> (usr_<id>)'.
	// The name group is greedy on purpose, display names may contain spaces
	// and even parentheses, the user id anchors the match at the end.
	playerJoinRegexp = regexp.MustCompile(`\[Behaviour\] OnPlayerJoined (.+) \((usr_[^)]+)\)\s*$`)
	// playerLeaveRegexp matches '[Behaviour] OnPlayerLeft <name> (usr_<id>)'.
	// 'OnPlayerLeftRoom' does not match, the trailing space is required.
	playerLeaveRegexp = regexp.MustCompile(`\[Behaviour\] OnPlayerLeft (.+) \((usr_[^)]+)\)\s*$`)

	// instance descriptor parts, e.g. '~private(usr_x)~canRequestInvite~region(jp)'
	instanceUserRegexp   = regexp.MustCompile(`~[A-Za-z]+\((usr_[^)]+)\)`)
	instanceRegionRegexp = regexp.MustCompile(`~region\(([^)]+)\)`)
)

// levelMappings translates the level words VRChat writes into record levels.
var levelMappings = map[string]message.Level{
	"Debug":     message.LevelDebug,
	"Log":       message.LevelInfo,
	"Warning":   message.LevelWarning,
	"Error":     message.LevelError,
	"Exception": message.LevelError,
}

// Parse turns one raw log line into a processed record. It returns nil for
// empty or whitespace-only lines. Apart from the record id and the
// observation timestamp the result is a pure function of the input.
func Parse(line []byte) *message.Record {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}

	record := &message.Record{
		ID:         uuid.New().String(),
		ObservedAt: time.Now(),
		Level:      message.LevelInfo,
		Raw:        string(line),
	}

	content := trimmed
	if m := levelLineRegexp.FindStringSubmatch(trimmed); m != nil {
		record.LineTime = lineTime(m[1], m[2], m[3], m[4], m[5], m[6])
		record.Level = levelMappings[m[7]]
		content = m[8]
	} else if m := timestampLineRegexp.FindStringSubmatch(trimmed); m != nil {
		record.LineTime = lineTime(m[1], m[2], m[3], m[4], m[5], m[6])
		content = m[7]
	}

	record.Parsed = parseContent(content)
	record.Source = sourceFor(record.Parsed.Kind, content)
	record.Tags = []string{
		"level:" + string(record.Level),
		"type:" + string(record.Parsed.Kind),
	}
	return record
}

// parseContent classifies the content part of a line, first match wins.
func parseContent(content string) *message.Parsed {
	if m := worldJoinRegexp.FindStringSubmatch(content); m != nil {
		fields := map[string]string{
			"world_id": strings.TrimPrefix(m[1], "wrld_"),
		}
		if m[2] != "" {
			fields["instance"] = m[2]
		}
		// the tilde-delimited instance descriptor carries the access type
		// with the instance owner, and the region
		if um := instanceUserRegexp.FindStringSubmatch(m[3]); um != nil {
			fields["user_id"] = strings.TrimPrefix(um[1], "usr_")
		}
		if rm := instanceRegionRegexp.FindStringSubmatch(m[3]); rm != nil {
			fields["region"] = rm[1]
		}
		return &message.Parsed{Kind: message.KindWorldChange, Fields: fields}
	}
	if m := playerJoinRegexp.FindStringSubmatch(content); m != nil {
		return &message.Parsed{
			Kind: message.KindUserJoin,
			Fields: map[string]string{
				"user_name": m[1],
				"user_id":   strings.TrimPrefix(m[2], "usr_"),
			},
		}
	}
	if m := playerLeaveRegexp.FindStringSubmatch(content); m != nil {
		return &message.Parsed{
			Kind: message.KindUserLeave,
			Fields: map[string]string{
				"user_name": m[1],
				"user_id":   strings.TrimPrefix(m[2], "usr_"),
			},
		}
	}
	return &message.Parsed{
		Kind:   message.KindOther,
		Fields: map[string]string{"content": content},
	}
}

// sourceFor attributes a line to the part of the game that wrote it.
func sourceFor(kind message.Kind, content string) message.Source {
	switch kind {
	case message.KindWorldChange, message.KindUserJoin, message.KindUserLeave:
		return message.SourceGame
	}
	if strings.HasPrefix(content, "[Network]") {
		return message.SourceNetwork
	}
	if strings.HasPrefix(content, "[UdonBehaviour]") {
		return message.SourceScripted
	}
	return message.SourceOther
}

// lineTime builds the timestamp VRChat wrote at the head of the line. The
// game logs in the machine's local time without a zone indication.
func lineTime(year, month, day, hour, minute, second string) time.Time {
	y, _ := strconv.Atoi(year)
	mo, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	h, _ := strconv.Atoi(hour)
	mi, _ := strconv.Atoi(minute)
	s, _ := strconv.Atoi(second)
	return time.Date(y, time.Month(mo), d, h, mi, s, 0, time.Local)
}
