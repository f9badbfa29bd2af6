// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build !windows

package prober

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
)

// execEnumerate shells out to pgrep. Tests swap it out.
var execEnumerate = pgrepEnumerate

// pgrepEnumerate matches against full command lines so that the game
// running under a compatibility layer is still found.
func pgrepEnumerate(ctx context.Context, processName string) ([]candidate, error) {
	out, err := exec.CommandContext(ctx, "pgrep", "-a", "-f", processName).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			// Exit code 1 means no process matched.
			return nil, nil
		}
		return nil, err
	}
	return parsePgrepOutput(out), nil
}

func parsePgrepOutput(out []byte) []candidate {
	var candidates []candidate
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		pid, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil {
			continue
		}
		c := candidate{pid: int32(pid)}
		if len(fields) == 2 {
			c.cmdline = fields[1]
		}
		candidates = append(candidates, c)
	}
	return candidates
}
