// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package pidfile provides helpers to deal with pid files
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// isProcess reports whether a process with the given pid is currently running
func isProcess(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}

// WritePID writes the current PID to a file, after ensuring that the file
// doesn't refer to a process that is still running
func WritePID(pidFilePath string) error {
	if byteContent, err := os.ReadFile(pidFilePath); err == nil {
		pidStr := strings.TrimSpace(string(byteContent))
		if pid, err := strconv.Atoi(pidStr); err == nil && isProcess(pid) {
			return fmt.Errorf("pidfile %s already exists and process %d is running, remove the file if it is stale", pidFilePath, pid)
		}
	}

	if err := os.MkdirAll(filepath.Dir(pidFilePath), os.ModeDir|0755); err != nil {
		return err
	}

	return os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// Remove deletes the pidfile, logging is left to the caller
func Remove(pidFilePath string) error {
	return os.Remove(pidFilePath)
}
