// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package processor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/kurotori/vrc-log-relay/pkg/relay/message"
)

func receiveRecord(tb testing.TB, out chan *message.Record) *message.Record {
	tb.Helper()
	select {
	case record := <-out:
		return record
	case <-time.After(5 * time.Second):
		tb.Fatal("timed out waiting for a record")
		return nil
	}
}

func TestProcessorParsesAndStampsOrigin(t *testing.T) {
	in := make(chan *message.RawLine, 8)
	out := make(chan *message.Record, 8)
	p := New(in, out, nil)
	p.Start()
	defer p.Stop()

	in <- &message.RawLine{
		Content:   []byte("2025.6.30 15:30:15 Log        -  [Behaviour] OnPlayerJoined kurotori (usr_8140cc3a-a3ab-4d6f-b5e6-aa1ed0bd8b6b)"),
		FilePath:  "/game/output_log_2025-06-30_15-30-15.txt",
		Basename:  "output_log_2025-06-30_15-30-15.txt",
		FileIndex: 2,
		LineNo:    17,
	}

	record := receiveRecord(t, out)
	assert.Equal(t, message.KindUserJoin, record.Kind())
	assert.Equal(t, "kurotori", record.Field("user_name"))
	assert.Equal(t, "/game/output_log_2025-06-30_15-30-15.txt", record.Origin.FilePath)
	assert.Equal(t, "output_log_2025-06-30_15-30-15.txt", record.Origin.Basename)
	assert.Equal(t, 2, record.Origin.FileIndex)
	assert.EqualValues(t, 17, record.Origin.LineNo)
}

func TestProcessorSkipsBlankLines(t *testing.T) {
	in := make(chan *message.RawLine, 8)
	out := make(chan *message.Record, 8)
	p := New(in, out, nil)
	p.Start()
	defer p.Stop()

	in <- &message.RawLine{Content: []byte("   ")}
	in <- &message.RawLine{Content: []byte("")}
	in <- &message.RawLine{Content: []byte("a real line")}

	record := receiveRecord(t, out)
	assert.Equal(t, "a real line", record.Raw)
	select {
	case extra := <-out:
		t.Fatalf("blank line produced a record: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestProcessorDrainsOnStop(t *testing.T) {
	in := make(chan *message.RawLine, 16)
	out := make(chan *message.Record, 16)
	for i := 0; i < 5; i++ {
		in <- &message.RawLine{Content: []byte(fmt.Sprintf("line %d", i))}
	}

	p := New(in, out, nil)
	p.Start()
	p.Stop()

	count := 0
	for range out {
		count++
	}
	assert.Equal(t, 5, count)
}

func TestProcessorObserverHook(t *testing.T) {
	in := make(chan *message.RawLine, 8)
	out := make(chan *message.Record, 8)
	seen := atomic.NewInt64(0)
	p := New(in, out, func(*message.Record) {
		seen.Inc()
	})
	p.Start()

	in <- &message.RawLine{Content: []byte("one")}
	in <- &message.RawLine{Content: []byte("two")}
	receiveRecord(t, out)
	receiveRecord(t, out)
	p.Stop()

	require.EqualValues(t, 2, seen.Load())
}
