// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

package status

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kurotori/vrc-log-relay/pkg/relay/server"
	"github.com/kurotori/vrc-log-relay/pkg/version"
)

// FormatText renders one status payload as a human readable page.
func FormatText(status *server.StatusData) string {
	b := new(bytes.Buffer)
	renderHeader(b, status)
	renderVRChat(b, &status.VRChatStatus)
	renderMemory(b, &status.MemoryUsage)
	return b.String()
}

func renderHeader(w io.Writer, status *server.StatusData) {
	title := fmt.Sprintf("vrc-log-relay (v%s)", version.RelayVersion)
	bar := strings.Repeat("=", len(title))
	fmt.Fprintf(w, "%s\n%s\n%s\n\n", bar, title, bar)

	now := time.Now()
	started := now.Add(-time.Duration(status.Uptime) * time.Millisecond)
	fmt.Fprintf(w, "  Started: %s\n", humanize.RelTime(started, now, "ago", ""))
	fmt.Fprintf(w, "  Connected clients: %d\n", status.ConnectedClients)
	fmt.Fprintf(w, "  Monitored files: %d\n", status.MonitoredFiles)
	fmt.Fprintf(w, "  Messages processed: %d\n", status.MessagesProcessed)
	fmt.Fprintf(w, "  Messages distributed: %d\n", status.MessagesDistributed)
	if status.LastLogTime > 0 {
		fmt.Fprintf(w, "  Last log line: %s\n", humanize.Time(time.UnixMilli(status.LastLogTime)))
	}
	fmt.Fprint(w, "\n")
}

func renderVRChat(w io.Writer, vs *server.VRChatStatus) {
	fmt.Fprint(w, "VRChat\n======\n")
	if vs.IsRunning {
		fmt.Fprintf(w, "  Process: running (pid %d)\n", vs.ProcessID)
	} else {
		fmt.Fprint(w, "  Process: not running\n")
	}
	if vs.LogDirectoryExists {
		fmt.Fprint(w, "  Log directory: present\n")
	} else {
		fmt.Fprint(w, "  Log directory: absent\n")
	}
	if len(vs.ActiveLogFiles) == 0 {
		fmt.Fprint(w, "  Active log files: none\n")
	} else {
		fmt.Fprint(w, "  Active log files:\n")
		for _, name := range vs.ActiveLogFiles {
			fmt.Fprintf(w, "    %s\n", name)
		}
	}
	if vs.DetectedAt > 0 {
		fmt.Fprintf(w, "  Detected: %s\n", humanize.Time(time.UnixMilli(vs.DetectedAt)))
	}
	fmt.Fprint(w, "\n")
}

func renderMemory(w io.Writer, mem *server.MemoryUsage) {
	fmt.Fprint(w, "Memory\n======\n")
	fmt.Fprintf(w, "  RSS: %s\n", humanize.Bytes(mem.RSS))
	fmt.Fprintf(w, "  Heap in use: %s\n", humanize.Bytes(mem.HeapUsed))
	fmt.Fprintf(w, "  Heap reserved: %s\n", humanize.Bytes(mem.HeapTotal))
}
