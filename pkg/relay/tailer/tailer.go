// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package tailer reads lines appended to a single VRChat log file and
// forwards them as raw lines to the processing pipeline.
package tailer

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"github.com/kurotori/vrc-log-relay/pkg/relay/message"
	"github.com/kurotori/vrc-log-relay/pkg/relay/metrics"
	"github.com/kurotori/vrc-log-relay/pkg/util/log"
)

const readBufferSize = 4096

// Options bundles the parameters needed to build a Tailer.
type Options struct {
	// Path is the absolute path of the file to tail.
	Path string
	// FileIndex is the position of the file in the current selection,
	// oldest first. It is stamped on every emitted line.
	FileIndex int
	// OutputChan receives one RawLine per completed line.
	OutputChan chan *message.RawLine
	// GoneChan, when non nil, receives the tailed path once the file
	// disappears for good and the tailer gives up on it.
	GoneChan chan<- string
	// PollInterval is the sleep between reads when the file is idle.
	PollInterval time.Duration
	// MaxPollInterval caps the backoff applied after transient errors.
	MaxPollInterval time.Duration
	// OpenTimeout bounds the retries of the initial open.
	OpenTimeout time.Duration
	// MaxLineBytes is the size over which a pending line is force flushed.
	MaxLineBytes int
}

// Tailer tails one file. It polls for appended bytes, splits them into
// lines and publishes each completed line on the output channel. Lines
// longer than MaxLineBytes are emitted in chunks.
//
// Rotation is detected on the tailed path itself: a shrinking size or a
// change of file identity makes the tailer drop its pending partial line
// and restart from offset 0 of whatever now lives at the path. A path
// that stops existing is terminal, the tailer reports it on GoneChan and
// exits so the supervisor can rebuild its selection.
type Tailer struct {
	path      string
	basename  string
	fileIndex int

	outputChan chan *message.RawLine
	goneChan   chan<- string

	file     *os.File
	fileInfo os.FileInfo

	readOffset *atomic.Int64
	lineCount  *atomic.Int64

	lineBuffer bytes.Buffer
	readBuffer []byte

	pollInterval    time.Duration
	maxPollInterval time.Duration
	openTimeout     time.Duration
	maxLineBytes    int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	isFinished *atomic.Bool
}

// NewTailer returns an initialized Tailer. Start must be called before
// any line is read.
func NewTailer(opts Options) *Tailer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.MaxPollInterval < opts.PollInterval {
		opts.MaxPollInterval = 2 * time.Second
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 15 * time.Second
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = 256 * 1024
	}
	return &Tailer{
		path:            opts.Path,
		basename:        filepath.Base(opts.Path),
		fileIndex:       opts.FileIndex,
		outputChan:      opts.OutputChan,
		goneChan:        opts.GoneChan,
		readOffset:      atomic.NewInt64(0),
		lineCount:       atomic.NewInt64(0),
		readBuffer:      make([]byte, readBufferSize),
		pollInterval:    opts.PollInterval,
		maxPollInterval: opts.MaxPollInterval,
		openTimeout:     opts.OpenTimeout,
		maxLineBytes:    opts.MaxLineBytes,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		isFinished:      atomic.NewBool(false),
	}
}

// Identifier returns a unique handle for this tailer.
func (t *Tailer) Identifier() string {
	return "file:" + t.path
}

// Path returns the tailed path.
func (t *Tailer) Path() string {
	return t.path
}

// FileIndex returns the index of the file in the current selection.
func (t *Tailer) FileIndex() int {
	return t.fileIndex
}

// ReadOffset returns the absolute offset of the last byte read.
func (t *Tailer) ReadOffset() int64 {
	return t.readOffset.Load()
}

// LineCount returns the number of lines emitted from the current file.
func (t *Tailer) LineCount() int64 {
	return t.lineCount.Load()
}

// IsFinished reports whether the tailer exited on its own, either
// stopped or because the path went away.
func (t *Tailer) IsFinished() bool {
	return t.isFinished.Load()
}

// Start opens the file, seeks to the requested position and launches
// the read loop. Use (0, io.SeekEnd) to tail new content only and
// (offset, io.SeekStart) to resume from a known offset.
func (t *Tailer) Start(offset int64, whence int) error {
	if err := t.openFile(); err != nil {
		t.isFinished.Store(true)
		close(t.done)
		return err
	}
	ret, err := t.file.Seek(offset, whence)
	if err != nil {
		t.file.Close()
		t.isFinished.Store(true)
		close(t.done)
		return err
	}
	t.readOffset.Store(ret)
	log.Infof("Start tailing %s from offset %d", t.path, ret)
	go t.readForever()
	return nil
}

// Stop terminates the read loop and waits for it to exit. Any pending
// partial line is flushed.
func (t *Tailer) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
	<-t.done
}

func (t *Tailer) openFile() error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.pollInterval
	policy.MaxInterval = t.maxPollInterval
	policy.MaxElapsedTime = t.openTimeout
	return backoff.Retry(func() error {
		f, err := os.Open(t.path)
		if err != nil {
			if os.IsNotExist(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		t.file = f
		t.fileInfo = info
		return nil
	}, policy)
}

func (t *Tailer) readForever() {
	defer t.onStop()
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = t.pollInterval
	retry.MaxInterval = t.maxPollInterval
	retry.MaxElapsedTime = 0
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		n, err := t.read()
		if err != nil {
			if os.IsNotExist(err) {
				t.reportGone()
				return
			}
			log.Warnf("Could not read %s: %v", t.path, err)
			if !t.wait(retry.NextBackOff()) {
				return
			}
			continue
		}
		if n > 0 {
			retry.Reset()
			continue
		}
		rotated, err := t.didRotate()
		if err != nil {
			if os.IsNotExist(err) {
				t.reportGone()
				return
			}
			log.Warnf("Could not stat %s: %v", t.path, err)
			if !t.wait(retry.NextBackOff()) {
				return
			}
			continue
		}
		if rotated {
			if err := t.reopen(); err != nil {
				if !os.IsNotExist(err) {
					log.Warnf("Could not reopen %s after rotation: %v", t.path, err)
				}
				t.reportGone()
				return
			}
			retry.Reset()
			continue
		}
		if !t.wait(t.pollInterval) {
			return
		}
	}
}

// wait sleeps for the given duration unless the tailer is stopped
// first. It reports whether the read loop should keep running.
func (t *Tailer) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.stop:
		return false
	case <-timer.C:
		return true
	}
}

// read pulls at most one buffer worth of appended bytes and feeds them
// to the line splitter. It returns the byte count, with io.EOF mapped
// to (0, nil) since an idle file is the normal case.
func (t *Tailer) read() (int, error) {
	n, err := t.file.Read(t.readBuffer)
	if n > 0 {
		t.readOffset.Add(int64(n))
		metrics.BytesRead.Add(int64(n))
		metrics.TlmBytesRead.Add(float64(n))
		t.splitLines(t.readBuffer[:n])
	}
	if err != nil && err != io.EOF {
		return n, err
	}
	return n, nil
}

func (t *Tailer) splitLines(chunk []byte) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			t.lineBuffer.Write(chunk)
			if t.lineBuffer.Len() >= t.maxLineBytes {
				log.Debugf("Force flushing an oversized line from %s", t.path)
				t.emitLine()
			}
			return
		}
		t.lineBuffer.Write(chunk[:i])
		t.emitLine()
		chunk = chunk[i+1:]
	}
}

// emitLine publishes the buffered line and resets the buffer. The game
// writes CRLF terminated lines so a trailing carriage return is removed.
func (t *Tailer) emitLine() {
	defer t.lineBuffer.Reset()
	line := t.lineBuffer.Bytes()
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	content := make([]byte, len(line))
	copy(content, line)
	raw := &message.RawLine{
		Content:    content,
		FilePath:   t.path,
		Basename:   t.basename,
		FileIndex:  t.fileIndex,
		LineNo:     t.lineCount.Inc(),
		IngestedAt: time.Now(),
	}
	metrics.LinesRead.Add(1)
	metrics.TlmLinesRead.Inc()
	select {
	case t.outputChan <- raw:
	case <-t.stop:
	}
}

// didRotate reports whether the path now designates different content
// than what is being read, either a new file or a truncated one.
func (t *Tailer) didRotate() (bool, error) {
	info, err := os.Stat(t.path)
	if err != nil {
		return false, err
	}
	if !os.SameFile(t.fileInfo, info) {
		return true, nil
	}
	return info.Size() < t.readOffset.Load(), nil
}

func (t *Tailer) reopen() error {
	log.Infof("Log rotation detected on %s, tailing from the beginning", t.path)
	t.file.Close()
	t.lineBuffer.Reset()
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	t.file = f
	t.fileInfo = info
	t.readOffset.Store(0)
	t.lineCount.Store(0)
	return nil
}

func (t *Tailer) reportGone() {
	log.Infof("File %s does not exist anymore, stopping its tailer", t.path)
	if t.goneChan == nil {
		return
	}
	select {
	case t.goneChan <- t.path:
	case <-t.stop:
	}
}

func (t *Tailer) onStop() {
	if t.lineBuffer.Len() > 0 {
		select {
		case <-t.stop:
			// The consumer may be gone, do not block on the flush.
			t.flushPartial()
		default:
			t.emitLine()
		}
	}
	if t.file != nil {
		t.file.Close()
	}
	t.isFinished.Store(true)
	close(t.done)
	log.Debugf("Tailer stopped for %s", t.path)
}

// flushPartial makes a best effort attempt to hand over the pending
// partial line during shutdown without blocking on a dead consumer.
func (t *Tailer) flushPartial() {
	defer t.lineBuffer.Reset()
	line := t.lineBuffer.Bytes()
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if len(line) == 0 {
		return
	}
	content := make([]byte, len(line))
	copy(content, line)
	raw := &message.RawLine{
		Content:    content,
		FilePath:   t.path,
		Basename:   t.basename,
		FileIndex:  t.fileIndex,
		LineNo:     t.lineCount.Inc(),
		IngestedAt: time.Now(),
	}
	select {
	case t.outputChan <- raw:
		metrics.LinesRead.Add(1)
		metrics.TlmLinesRead.Inc()
	default:
		log.Debugf("Dropping a partial line from %s on shutdown", t.path)
	}
}
