// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

package config

import (
	"fmt"
	"strings"

	seelog "github.com/cihub/seelog"

	"github.com/kurotori/vrc-log-relay/pkg/util/log"
)

const logFileMaxSize = 10 * 1024 * 1024         // 10MB
const logDateFormat = "2006-01-02 15:04:05 MST" // see time.Format for format syntax

// LoggerName specifies the name of the logger instance, it shows up in every
// log line emitted by that process.
type LoggerName string

// SetupLogger builds the seelog logger from the given level and file and
// installs it behind the pkg/util/log facade.
func SetupLogger(loggerName LoggerName, logLevel, logFile string) error {
	seelogLogLevel := strings.ToLower(logLevel)
	if seelogLogLevel == "warning" { // Common gotcha, seelog spells it "warn"
		seelogLogLevel = "warn"
	}

	configTemplate := `<seelog minlevel="%s">
    <outputs formatid="common">
        <console />`
	params := []interface{}{seelogLogLevel}
	if logFile != "" {
		configTemplate += `<rollingfile type="size" filename="%s" maxsize="%d" maxrolls="1" />`
		params = append(params, logFile, logFileMaxSize)
	}
	configTemplate += `</outputs>
    <formats>
        <format id="common" format="%%Date(%s) | %s | %%LEVEL | (%%RelFile:%%Line) | %%Msg%%n"/>
    </formats>
</seelog>`
	params = append(params, logDateFormat, loggerName)
	config := fmt.Sprintf(configTemplate, params...)

	interfaceLogger, err := seelog.LoggerFromConfigAsString(config)
	if err != nil {
		return err
	}
	seelog.ReplaceLogger(interfaceLogger) //nolint:errcheck
	log.SetupLogger(interfaceLogger, seelogLogLevel)
	return nil
}
