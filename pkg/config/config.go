// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2018 Datadog, Inc.

package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// DefaultServerPort is the port the relay listens on when none is configured.
const DefaultServerPort = 8999

// DefaultExpvarPort is the port used by the expvar server.
const DefaultExpvarPort = 5101

// Relay is the global configuration object
var Relay Config

func init() {
	// Configure the global configuration object
	Relay = NewConfig("vrc-log-relay", "VRC_RELAY", strings.NewReplacer(".", "_"))
	// Configuration defaults
	initConfig(Relay)
}

// initConfig initializes the config defaults on a config
func initConfig(config Config) {
	// Daemon
	config.BindEnvAndSetDefault("log_level", "info")
	config.BindEnvAndSetDefault("log_file", "")
	config.BindEnvAndSetDefault("pidfile", "")
	config.BindEnvAndSetDefault("expvar_port", DefaultExpvarPort)
	config.BindEnvAndSetDefault("telemetry.enabled", true)

	// Server
	config.BindEnvAndSetDefault("server.host", "127.0.0.1")
	config.BindEnvAndSetDefault("server.port", DefaultServerPort)
	config.BindEnvAndSetDefault("server.max_clients", 16)
	config.BindEnvAndSetDefault("server.ping_interval", 30*time.Second)
	config.BindEnvAndSetDefault("server.handshake_timeout", 10*time.Second)
	config.BindEnvAndSetDefault("server.outbound_queue_size", 256)
	config.BindEnvAndSetDefault("server.max_frame_bytes", 64*1024)

	// VRChat
	config.BindEnvAndSetDefault("vrchat.process_name", "VRChat.exe")
	config.BindEnvAndSetDefault("vrchat.log_directory", defaultVRChatLogPath())

	// Monitoring
	config.BindEnvAndSetDefault("monitor.probe_interval", 5*time.Second)
	config.BindEnvAndSetDefault("monitor.probe_timeout", 10*time.Second)
	config.BindEnvAndSetDefault("monitor.probe_retries", 3)
	config.BindEnvAndSetDefault("monitor.group_period", 30*time.Second)
	config.BindEnvAndSetDefault("monitor.max_files", 4)
	config.BindEnvAndSetDefault("monitor.aux_process_markers", []string{
		"launcher", "install", "setup", "update", "crash", "redist",
	})

	// Tailing
	config.BindEnvAndSetDefault("tailer.poll_interval", 100*time.Millisecond)
	config.BindEnvAndSetDefault("tailer.max_poll_interval", 2*time.Second)
	config.BindEnvAndSetDefault("tailer.open_timeout", 15*time.Second)
	config.BindEnvAndSetDefault("tailer.max_line_bytes", 256*1024)
}

// Load reads the config file at the given path, or searches the default
// locations when the path is empty. A missing config file is not an error,
// the defaults cover a standard VRChat install.
func Load(configPath string) error {
	if configPath != "" {
		Relay.SetConfigFile(configPath)
	} else {
		Relay.SetConfigType("yaml")
		Relay.AddConfigPath(".")
		Relay.AddConfigPath(defaultConfigSearchPath())
	}

	if err := Relay.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath == "" && errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrap(err, "unable to load the configuration")
	}
	return nil
}

// Validate returns an error when the loaded configuration cannot produce a
// working relay. Every offending setting is reported, not just the first.
func Validate(config Config) error {
	var errs *multierror.Error

	if port := config.GetInt("server.port"); port <= 0 || port > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("server.port: %d is not a valid port", port))
	}

	if host := config.GetString("server.host"); !IsLoopbackHost(host) {
		errs = multierror.Append(errs, fmt.Errorf("server.host: %q is not a loopback address, the relay only serves local clients", host))
	}

	if maxClients := config.GetInt("server.max_clients"); maxClients < 1 {
		errs = multierror.Append(errs, fmt.Errorf("server.max_clients: %d must be at least 1", maxClients))
	}
	if queueSize := config.GetInt("server.outbound_queue_size"); queueSize < 1 {
		errs = multierror.Append(errs, fmt.Errorf("server.outbound_queue_size: %d must be at least 1", queueSize))
	}
	if pingInterval := config.GetDuration("server.ping_interval"); pingInterval <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("server.ping_interval: %v must be positive", pingInterval))
	}

	if maxFiles := config.GetInt("monitor.max_files"); maxFiles < 1 {
		errs = multierror.Append(errs, fmt.Errorf("monitor.max_files: %d must be at least 1", maxFiles))
	}
	if groupPeriod := config.GetDuration("monitor.group_period"); groupPeriod <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("monitor.group_period: %v must be positive", groupPeriod))
	}
	if probeInterval := config.GetDuration("monitor.probe_interval"); probeInterval <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("monitor.probe_interval: %v must be positive", probeInterval))
	}
	if probeTimeout := config.GetDuration("monitor.probe_timeout"); probeTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("monitor.probe_timeout: %v must be positive", probeTimeout))
	}

	pollInterval := config.GetDuration("tailer.poll_interval")
	if pollInterval <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("tailer.poll_interval: %v must be positive", pollInterval))
	}
	if maxPollInterval := config.GetDuration("tailer.max_poll_interval"); maxPollInterval < pollInterval {
		errs = multierror.Append(errs, fmt.Errorf("tailer.max_poll_interval: %v must not be lower than tailer.poll_interval", maxPollInterval))
	}

	return errs.ErrorOrNil()
}

// IsLoopbackHost reports whether host names the local machine only.
func IsLoopbackHost(host string) bool {
	if host == "localhost" || host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ListenAddress returns the host:port the server should bind, from config.
func ListenAddress(config Config) string {
	return net.JoinHostPort(config.GetString("server.host"), fmt.Sprintf("%d", config.GetInt("server.port")))
}
