// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package tailer

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/kurotori/vrc-log-relay/pkg/relay/message"
)

func appendToFile(tb testing.TB, path string, content string) {
	tb.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(tb, err)
	_, err = f.WriteString(content)
	require.NoError(tb, err)
	require.NoError(tb, f.Close())
}

func receiveLine(tb testing.TB, out chan *message.RawLine) *message.RawLine {
	tb.Helper()
	select {
	case raw := <-out:
		return raw
	case <-time.After(5 * time.Second):
		tb.Fatal("timed out waiting for a line")
		return nil
	}
}

type TailerTestSuite struct {
	suite.Suite
	testDir  string
	testPath string
	out      chan *message.RawLine
	tailer   *Tailer
}

func (suite *TailerTestSuite) SetupTest() {
	suite.testDir = suite.T().TempDir()
	suite.testPath = filepath.Join(suite.testDir, "output_log_2025-06-30_15-30-15.txt")
	appendToFile(suite.T(), suite.testPath, "")
	suite.out = make(chan *message.RawLine, 4)
	suite.tailer = NewTailer(Options{
		Path:         suite.testPath,
		FileIndex:    1,
		OutputChan:   suite.out,
		PollInterval: 10 * time.Millisecond,
	})
}

func (suite *TailerTestSuite) TearDownTest() {
	suite.tailer.Stop()
}

func TestTailerTestSuite(t *testing.T) {
	suite.Run(t, new(TailerTestSuite))
}

func (suite *TailerTestSuite) TestTailFromEnd() {
	appendToFile(suite.T(), suite.testPath, "old line\n")
	suite.Require().NoError(suite.tailer.Start(0, io.SeekEnd))

	appendToFile(suite.T(), suite.testPath, "new line\n")
	raw := receiveLine(suite.T(), suite.out)
	suite.Equal("new line", string(raw.Content))
	suite.Equal(suite.testPath, raw.FilePath)
	suite.Equal("output_log_2025-06-30_15-30-15.txt", raw.Basename)
	suite.Equal(1, raw.FileIndex)
	suite.EqualValues(1, raw.LineNo)
	suite.False(raw.IngestedAt.IsZero())

	appendToFile(suite.T(), suite.testPath, "second\nthird\n")
	suite.Equal("second", string(receiveLine(suite.T(), suite.out).Content))
	raw = receiveLine(suite.T(), suite.out)
	suite.Equal("third", string(raw.Content))
	suite.EqualValues(3, raw.LineNo)
}

func (suite *TailerTestSuite) TestTailFromBeginning() {
	appendToFile(suite.T(), suite.testPath, "line1\nline2\n")
	suite.Require().NoError(suite.tailer.Start(0, io.SeekStart))

	suite.Equal("line1", string(receiveLine(suite.T(), suite.out).Content))
	suite.Equal("line2", string(receiveLine(suite.T(), suite.out).Content))
	suite.EqualValues(12, suite.tailer.ReadOffset())
}

func (suite *TailerTestSuite) TestPartialLinesAreBuffered() {
	suite.Require().NoError(suite.tailer.Start(0, io.SeekEnd))

	appendToFile(suite.T(), suite.testPath, "partial")
	time.Sleep(100 * time.Millisecond)
	select {
	case raw := <-suite.out:
		suite.FailNowf("unexpected line", "%q arrived before its newline", raw.Content)
	default:
	}

	appendToFile(suite.T(), suite.testPath, " done\n")
	suite.Equal("partial done", string(receiveLine(suite.T(), suite.out).Content))
}

func (suite *TailerTestSuite) TestCarriageReturnIsTrimmed() {
	suite.Require().NoError(suite.tailer.Start(0, io.SeekEnd))

	appendToFile(suite.T(), suite.testPath, "2025.6.30 15:30:15 Log  -  hello\r\n")
	suite.Equal("2025.6.30 15:30:15 Log  -  hello", string(receiveLine(suite.T(), suite.out).Content))
}

func (suite *TailerTestSuite) TestTruncationRestartsFromZero() {
	appendToFile(suite.T(), suite.testPath, "before truncate\n")
	suite.Require().NoError(suite.tailer.Start(0, io.SeekStart))

	suite.Equal("before truncate", string(receiveLine(suite.T(), suite.out).Content))

	suite.Require().NoError(os.Truncate(suite.testPath, 0))
	appendToFile(suite.T(), suite.testPath, "fresh\n")

	raw := receiveLine(suite.T(), suite.out)
	suite.Equal("fresh", string(raw.Content))
	suite.EqualValues(1, raw.LineNo)
}

func (suite *TailerTestSuite) TestRotationByReplacementFile() {
	appendToFile(suite.T(), suite.testPath, "first generation\n")
	suite.Require().NoError(suite.tailer.Start(0, io.SeekStart))

	suite.Equal("first generation", string(receiveLine(suite.T(), suite.out).Content))

	// Atomically swap a new file under the same path so the tailer never
	// observes the path as missing.
	replacement := filepath.Join(suite.testDir, "replacement.txt")
	appendToFile(suite.T(), replacement, "second generation\n")
	suite.Require().NoError(os.Rename(replacement, suite.testPath))

	raw := receiveLine(suite.T(), suite.out)
	suite.Equal("second generation", string(raw.Content))
	suite.EqualValues(1, raw.LineNo)
}

func (suite *TailerTestSuite) TestRotationDiscardsPartialLine() {
	suite.Require().NoError(suite.tailer.Start(0, io.SeekEnd))

	appendToFile(suite.T(), suite.testPath, "doomed fragment")
	// Wait for the fragment to be picked up before rotating it away.
	suite.Require().Eventually(func() bool {
		return suite.tailer.ReadOffset() > 0
	}, 5*time.Second, 10*time.Millisecond)

	suite.Require().NoError(os.Truncate(suite.testPath, 0))
	appendToFile(suite.T(), suite.testPath, "clean line\n")

	suite.Equal("clean line", string(receiveLine(suite.T(), suite.out).Content))
}

func (suite *TailerTestSuite) TestPathGoneIsTerminal() {
	appendToFile(suite.T(), suite.testPath, "content\n")
	gone := make(chan string, 1)
	suite.tailer = NewTailer(Options{
		Path:         suite.testPath,
		OutputChan:   suite.out,
		GoneChan:     gone,
		PollInterval: 10 * time.Millisecond,
	})
	suite.Require().NoError(suite.tailer.Start(0, io.SeekStart))

	suite.Equal("content", string(receiveLine(suite.T(), suite.out).Content))

	suite.Require().NoError(os.Remove(suite.testPath))
	select {
	case path := <-gone:
		suite.Equal(suite.testPath, path)
	case <-time.After(5 * time.Second):
		suite.FailNow("timed out waiting for the gone signal")
	}
	suite.Eventually(suite.tailer.IsFinished, 5*time.Second, 10*time.Millisecond)
}

func (suite *TailerTestSuite) TestOversizedLineIsForceFlushed() {
	suite.tailer = NewTailer(Options{
		Path:         suite.testPath,
		OutputChan:   suite.out,
		PollInterval: 10 * time.Millisecond,
		MaxLineBytes: 8,
	})
	suite.Require().NoError(suite.tailer.Start(0, io.SeekEnd))

	appendToFile(suite.T(), suite.testPath, "abcdefghij")
	suite.Equal("abcdefghij", string(receiveLine(suite.T(), suite.out).Content))

	appendToFile(suite.T(), suite.testPath, "klm\n")
	raw := receiveLine(suite.T(), suite.out)
	suite.Equal("klm", string(raw.Content))
	suite.EqualValues(2, raw.LineNo)
}

func (suite *TailerTestSuite) TestStopFlushesPartialLine() {
	suite.Require().NoError(suite.tailer.Start(0, io.SeekEnd))

	appendToFile(suite.T(), suite.testPath, "no newline yet")
	suite.Require().Eventually(func() bool {
		return suite.tailer.ReadOffset() > 0
	}, 5*time.Second, 10*time.Millisecond)

	suite.tailer.Stop()
	suite.Equal("no newline yet", string(receiveLine(suite.T(), suite.out).Content))
}

func TestStartOnMissingFileFails(t *testing.T) {
	out := make(chan *message.RawLine)
	tailer := NewTailer(Options{
		Path:         filepath.Join(t.TempDir(), "never-written.txt"),
		OutputChan:   out,
		PollInterval: 10 * time.Millisecond,
	})
	assert.Error(t, tailer.Start(0, io.SeekEnd))
	assert.True(t, tailer.IsFinished())
}

func TestIdentifier(t *testing.T) {
	tailer := NewTailer(Options{Path: "/var/game/output_log_2025-06-30_15-30-15.txt"})
	assert.Equal(t, "file:/var/game/output_log_2025-06-30_15-30-15.txt", tailer.Identifier())
}
