// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kurotori/vrc-log-relay/pkg/api/healthprobe"
	"github.com/kurotori/vrc-log-relay/pkg/config"
	"github.com/kurotori/vrc-log-relay/pkg/pidfile"
	"github.com/kurotori/vrc-log-relay/pkg/relay"
	"github.com/kurotori/vrc-log-relay/pkg/status/health"
	"github.com/kurotori/vrc-log-relay/pkg/util/log"
	"github.com/kurotori/vrc-log-relay/pkg/version"
)

var (
	// relayCmd is the root command
	relayCmd = &cobra.Command{
		Use:   "vrc-log-relay [command]",
		Short: "Relay VRChat log lines to local tools.",
		Long: `
vrc-log-relay watches for a running VRChat process, tails the log files of
the current session and serves the parsed lines to local subscribers over a
websocket, so overlays and companion tools never have to touch the log
directory themselves.`,
	}

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the relay",
		Long:  `Runs the relay in the foreground`,
		RunE:  start,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vrc-log-relay %s - Commit: %s - Go: %s\n",
				version.RelayVersion, version.Commit, runtime.Version())
		},
	}

	confPath string
)

const (
	// loggerName is the name of the relay logger
	loggerName config.LoggerName = "RELAY"
)

func init() {
	// attach the commands to the root
	relayCmd.AddCommand(startCmd)
	relayCmd.AddCommand(versionCmd)

	// local flags
	startCmd.Flags().StringVarP(&confPath, "cfgpath", "c", "", "path to the configuration file")
	startCmd.Flags().StringP("log-level", "l", "", "override the configured log level")
	startCmd.Flags().StringP("pidfile", "p", "", "path to the pid file")
	config.Relay.BindPFlag("log_level", startCmd.Flags().Lookup("log-level")) //nolint:errcheck
	config.Relay.BindPFlag("pidfile", startCmd.Flags().Lookup("pidfile"))     //nolint:errcheck
}

func start(cmd *cobra.Command, args []string) error {
	if err := config.Load(confPath); err != nil {
		return err
	}
	if err := config.Validate(config.Relay); err != nil {
		return err
	}

	err := config.SetupLogger(
		loggerName,
		config.Relay.GetString("log_level"),
		config.Relay.GetString("log_file"),
	)
	if err != nil {
		fmt.Printf("Unable to setup logger: %v\n", err)
		return nil
	}
	defer log.Flush()

	if pidfilePath := config.Relay.GetString("pidfile"); pidfilePath != "" {
		if err := pidfile.WritePID(pidfilePath); err != nil {
			log.Criticalf("Could not write pid file: %v", err)
			return nil
		}
		log.Infof("pid '%d' written to pid file '%s'", os.Getpid(), pidfilePath)
		defer func() {
			_ = pidfile.Remove(pidfilePath)
		}()
	}

	// Admin endpoints, health, status, expvar and telemetry.
	var admin *healthprobe.Server
	if port := config.Relay.GetInt("expvar_port"); port > 0 {
		admin = healthprobe.NewServer(healthprobe.Options{
			Port:            port,
			EnableTelemetry: config.Relay.GetBool("telemetry.enabled"),
		})
		if err := admin.Start(); err != nil {
			log.Criticalf("Error starting the admin server, exiting: %v", err)
			return nil
		}
		defer admin.Stop()
	}

	if err := relay.Start(); err != nil {
		log.Criticalf("Unable to start the relay: %v", err)
		return nil
	}

	// Block here until we receive a stop signal
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh

	// retrieve the component health before stopping anything
	if current := health.GetStatus(); len(current.Unhealthy) > 0 {
		log.Warnf("Some components were unhealthy: %v", current.Unhealthy)
	}

	relay.Stop()
	log.Info("See ya!")
	return nil
}

func main() {
	if err := relayCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}
