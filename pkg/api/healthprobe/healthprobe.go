// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package healthprobe exposes the relay's admin endpoints on a loopback
// port: component liveness, the status payload, expvar and the
// prometheus metrics.
package healthprobe

import (
	"context"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/kurotori/vrc-log-relay/pkg/relay/status"
	"github.com/kurotori/vrc-log-relay/pkg/status/health"
	"github.com/kurotori/vrc-log-relay/pkg/telemetry"
	"github.com/kurotori/vrc-log-relay/pkg/util/log"
)

const defaultTimeout = time.Second

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var mimeTypeMap = map[string]string{
	"text": "text/plain",
	"json": "application/json",
}

// Options configures the admin server.
type Options struct {
	// Port is the loopback port to bind, 0 picks an ephemeral one.
	Port int
	// EnableTelemetry serves the prometheus registry under /metrics.
	EnableTelemetry bool
}

// Server is the admin HTTP server. It only ever binds the loopback
// interface.
type Server struct {
	opts     Options
	listener net.Listener
	srv      *http.Server
}

// NewServer returns an unstarted admin server.
func NewServer(opts Options) *Server {
	return &Server{opts: opts}
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.opts.Port))
	if err != nil {
		return err
	}
	s.listener = ln

	r := mux.NewRouter()
	r.HandleFunc("/live", healthHandler)
	r.HandleFunc("/ready", healthHandler)
	r.HandleFunc("/status", statusHandler)
	r.Handle("/debug/vars", expvar.Handler())
	if s.opts.EnableTelemetry {
		r.Handle("/metrics", telemetry.Handler())
	}

	s.srv = &http.Server{
		Handler:           r,
		ReadTimeout:       defaultTimeout,
		ReadHeaderTimeout: defaultTimeout,
		WriteTimeout:      defaultTimeout,
	}
	go s.srv.Serve(ln) //nolint:errcheck
	log.Infof("Admin server listening on %s", ln.Addr())
	return nil
}

// Stop shuts the server down, waiting up to a second for in-flight
// requests.
func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.srv.Shutdown(ctx) //nolint:errcheck
}

// Addr reports the bound address, usable once Start returned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	current := health.GetStatus()
	if len(current.Unhealthy) > 0 {
		w.WriteHeader(http.StatusInternalServerError)
		log.Infof("Healthcheck failed on: %v", current.Unhealthy)
	}
	payload, err := json.Marshal(current)
	if err != nil {
		log.Errorf("Error marshalling health status: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(payload) //nolint:errcheck
}

func statusHandler(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	contentType, ok := mimeTypeMap[format]
	if !ok {
		format = "json"
		contentType = mimeTypeMap[format]
	}
	w.Header().Set("Content-Type", contentType)

	current := status.Get()
	if format == "text" {
		fmt.Fprint(w, status.FormatText(current)) //nolint:errcheck
		return
	}
	payload, err := json.Marshal(current)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(payload) //nolint:errcheck
}
