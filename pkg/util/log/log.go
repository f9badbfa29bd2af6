// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-2020 Datadog, Inc.

package log

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *RelayLogger

	// This buffer holds log lines sent to the logger before its
	// initialization. Even if initializing the logger is one of the first
	// things the daemon does, we still load the config and resolve the log
	// file path first.
	//
	// This buffer should be very short lived.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
	defaultStackDepth    = 3
)

// RelayLogger wrapper structure for seelog
type RelayLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

// SetupLogger configures the logger singleton with a seelog interface
func SetupLogger(l seelog.LoggerInterface, level string) {
	logger = &RelayLogger{
		inner: l,
	}

	lvl, ok := seelog.LogLevelFromString(level)
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger.level = lvl

	// We're not going to call RelayLogger directly, but using the
	// exported functions, that will give us two frames in the stack
	// trace that should be skipped to get to the original caller.
	logger.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	// Flushing logs since the logger is now initialized
	bufferMutex.Lock()
	bufferLogsBeforeInit = false
	defer bufferMutex.Unlock()
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

// ReplaceLogger allows replacing the internal logger, returns the old one
func ReplaceLogger(l seelog.LoggerInterface) seelog.LoggerInterface {
	if logger == nil || logger.inner == nil {
		return nil
	}
	return logger.replaceInnerLogger(l)
}

// ChangeLogLevel changes the current log level, valid levels are trace, debug,
// info, warn, error, critical and off
func ChangeLogLevel(level string) error {
	if logger == nil || logger.inner == nil {
		return errors.New("cannot change loglevel: logger not initialized")
	}
	return logger.changeLogLevel(level)
}

// GetLogLevel returns the current log level
func GetLogLevel() (seelog.LogLevel, error) {
	if logger == nil || logger.inner == nil {
		return seelog.InfoLvl, errors.New("cannot get loglevel: logger not initialized")
	}
	return logger.getLogLevel(), nil
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()

	logsBuffer = append(logsBuffer, logHandle)
}

func (sw *RelayLogger) replaceInnerLogger(l seelog.LoggerInterface) seelog.LoggerInterface {
	sw.l.Lock()
	defer sw.l.Unlock()

	old := sw.inner
	sw.inner = l

	return old
}

func (sw *RelayLogger) changeLogLevel(level string) error {
	sw.l.Lock()
	defer sw.l.Unlock()

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return errors.New("bad log level")
	}
	sw.level = lvl
	return nil
}

func (sw *RelayLogger) shouldLog(level seelog.LogLevel) bool {
	sw.l.RLock()
	shouldLog := level >= sw.level
	sw.l.RUnlock()

	return shouldLog
}

func (sw *RelayLogger) getLogLevel() seelog.LogLevel {
	sw.l.RLock()
	defer sw.l.RUnlock()

	return sw.level
}

// trace logs at the trace level
func (sw *RelayLogger) trace(s string) {
	sw.l.Lock()
	defer sw.l.Unlock()

	sw.inner.Trace(s)
}

// debug logs at the debug level
func (sw *RelayLogger) debug(s string) {
	sw.l.Lock()
	defer sw.l.Unlock()

	sw.inner.Debug(s)
}

// info logs at the info level
func (sw *RelayLogger) info(s string) {
	sw.l.Lock()
	defer sw.l.Unlock()

	sw.inner.Info(s)
}

// warn logs at the warn level
func (sw *RelayLogger) warn(s string) error {
	sw.l.Lock()
	defer sw.l.Unlock()

	return sw.inner.Warn(s)
}

// error logs at the error level
func (sw *RelayLogger) error(s string) error {
	sw.l.Lock()
	defer sw.l.Unlock()

	return sw.inner.Error(s)
}

// critical logs at the critical level
func (sw *RelayLogger) critical(s string) error {
	sw.l.Lock()
	defer sw.l.Unlock()

	return sw.inner.Critical(s)
}

// tracef logs with format at the trace level
func (sw *RelayLogger) tracef(format string, params ...interface{}) {
	sw.trace(fmt.Sprintf(format, params...))
}

// debugf logs with format at the debug level
func (sw *RelayLogger) debugf(format string, params ...interface{}) {
	sw.debug(fmt.Sprintf(format, params...))
}

// infof logs with format at the info level
func (sw *RelayLogger) infof(format string, params ...interface{}) {
	sw.info(fmt.Sprintf(format, params...))
}

// warnf logs with format at the warn level
func (sw *RelayLogger) warnf(format string, params ...interface{}) error {
	return sw.warn(fmt.Sprintf(format, params...))
}

// errorf logs with format at the error level
func (sw *RelayLogger) errorf(format string, params ...interface{}) error {
	return sw.error(fmt.Sprintf(format, params...))
}

// criticalf logs with format at the critical level
func (sw *RelayLogger) criticalf(format string, params ...interface{}) error {
	return sw.critical(fmt.Sprintf(format, params...))
}

func buildLogEntry(v ...interface{}) string {
	var fmtBuffer bytes.Buffer

	for i := 0; i < len(v)-1; i++ {
		fmtBuffer.WriteString("%v ")
	}
	fmtBuffer.WriteString("%v")

	return fmt.Sprintf(fmtBuffer.String(), v...)
}

func formatErrorf(format string, params ...interface{}) error {
	return fmt.Errorf(format, params...)
}

func formatError(v ...interface{}) error {
	return errors.New(fmt.Sprint(v...))
}

func logBase(logLevel seelog.LogLevel, bufferFunc func(), logFunc func(string), v ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(logLevel) {
		logFunc(buildLogEntry(v...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
}

func logWithError(logLevel seelog.LogLevel, bufferFunc func(), logFunc func(string) error, fallbackStderr bool, v ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(logLevel) {
		return logFunc(buildLogEntry(v...))
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
	err := formatError(v...)
	if fallbackStderr {
		fmt.Fprintf(os.Stderr, "%s: %s\n", logLevel.String(), err.Error())
	}
	return err
}

func logFormat(logLevel seelog.LogLevel, bufferFunc func(), logFunc func(string, ...interface{}), format string, params ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(logLevel) {
		logFunc(format, params...)
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
}

func logFormatWithError(logLevel seelog.LogLevel, bufferFunc func(), logFunc func(string, ...interface{}) error, format string, fallbackStderr bool, params ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(logLevel) {
		return logFunc(format, params...)
	} else if bufferLogsBeforeInit && (logger == nil || logger.inner == nil) {
		addLogToBuffer(bufferFunc)
	}
	err := formatErrorf(format, params...)
	if fallbackStderr {
		fmt.Fprintf(os.Stderr, "%s: %s\n", logLevel.String(), err.Error())
	}
	return err
}

// Trace logs at the trace level
func Trace(v ...interface{}) {
	logBase(seelog.TraceLvl, func() { Trace(v...) }, logger.trace, v...)
}

// Tracef logs with format at the trace level
func Tracef(format string, params ...interface{}) {
	logFormat(seelog.TraceLvl, func() { Tracef(format, params...) }, logger.tracef, format, params...)
}

// Debug logs at the debug level
func Debug(v ...interface{}) {
	logBase(seelog.DebugLvl, func() { Debug(v...) }, logger.debug, v...)
}

// Debugf logs with format at the debug level
func Debugf(format string, params ...interface{}) {
	logFormat(seelog.DebugLvl, func() { Debugf(format, params...) }, logger.debugf, format, params...)
}

// Info logs at the info level
func Info(v ...interface{}) {
	logBase(seelog.InfoLvl, func() { Info(v...) }, logger.info, v...)
}

// Infof logs with format at the info level
func Infof(format string, params ...interface{}) {
	logFormat(seelog.InfoLvl, func() { Infof(format, params...) }, logger.infof, format, params...)
}

// Warn logs at the warn level and returns an error containing the formated log message
func Warn(v ...interface{}) error {
	return logWithError(seelog.WarnLvl, func() { Warn(v...) }, logger.warn, false, v...)
}

// Warnf logs with format at the warn level and returns an error containing the formated log message
func Warnf(format string, params ...interface{}) error {
	return logFormatWithError(seelog.WarnLvl, func() { Warnf(format, params...) }, logger.warnf, format, false, params...)
}

// Error logs at the error level and returns an error containing the formated log message
func Error(v ...interface{}) error {
	return logWithError(seelog.ErrorLvl, func() { Error(v...) }, logger.error, true, v...)
}

// Errorf logs with format at the error level and returns an error containing the formated log message
func Errorf(format string, params ...interface{}) error {
	return logFormatWithError(seelog.ErrorLvl, func() { Errorf(format, params...) }, logger.errorf, format, true, params...)
}

// Critical logs at the critical level and returns an error containing the formated log message
func Critical(v ...interface{}) error {
	return logWithError(seelog.CriticalLvl, func() { Critical(v...) }, logger.critical, true, v...)
}

// Criticalf logs with format at the critical level and returns an error containing the formated log message
func Criticalf(format string, params ...interface{}) error {
	return logFormatWithError(seelog.CriticalLvl, func() { Criticalf(format, params...) }, logger.criticalf, format, true, params...)
}

// Flush flushes the underlying inner log
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.inner.Flush()
	}
}
