// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build windows

package prober

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// execEnumerate shells out to tasklist. Tests swap it out.
var execEnumerate = tasklistEnumerate

func tasklistEnumerate(ctx context.Context, processName string) ([]candidate, error) {
	filter := fmt.Sprintf("IMAGENAME eq %s", processName)
	out, err := exec.CommandContext(ctx, "tasklist", "/FI", filter, "/FO", "CSV", "/NH").Output()
	if err != nil {
		return nil, err
	}
	return parseTasklistOutput(out), nil
}

// parseTasklistOutput reads the CSV emitted by tasklist. A round with
// no match produces a plain INFO line instead of CSV records, which
// simply yields no candidate.
func parseTasklistOutput(out []byte) []candidate {
	reader := csv.NewReader(bytes.NewReader(out))
	reader.FieldsPerRecord = -1
	var candidates []candidate
	for {
		record, err := reader.Read()
		if err != nil {
			return candidates
		}
		if len(record) < 2 {
			continue
		}
		pid, err := strconv.ParseInt(strings.TrimSpace(record[1]), 10, 32)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{pid: int32(pid), name: record[0]})
	}
}
