// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package server exposes processed log records to local subscribers
// over a websocket fan-out. Every subscriber gets its own bounded
// queue, a slow consumer only ever loses its own frames.
package server

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/kurotori/vrc-log-relay/pkg/relay/message"
	"github.com/kurotori/vrc-log-relay/pkg/relay/metrics"
	"github.com/kurotori/vrc-log-relay/pkg/status/health"
	"github.com/kurotori/vrc-log-relay/pkg/util/log"
	"github.com/kurotori/vrc-log-relay/pkg/version"
)

const (
	defaultMaxClients       = 16
	defaultPingInterval     = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultQueueSize        = 256
	defaultMaxFrameBytes    = 64 * 1024
	defaultShutdownGrace    = 1 * time.Second

	// kickGrace is how long the sender gets to flush the final error
	// frame before the connection closes under it.
	kickGrace = 250 * time.Millisecond
)

// serverCapabilities is advertised in every welcome frame.
var serverCapabilities = []string{
	TypeLogMessage,
	TypeStatusChange,
	"filters",
	"metrics",
	"heartbeat",
}

// Options configures a Server. Zero fields fall back to defaults.
type Options struct {
	// Addr is the listen address. Only loopback hosts are accepted.
	Addr             string
	MaxClients       int
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	QueueSize        int
	MaxFrameBytes    int64
	ShutdownGrace    time.Duration

	// RecordsChan carries processed records to fan out. The server
	// drains it until it is closed.
	RecordsChan chan *message.Record

	// StatusProvider and MetricsProvider assemble the reply payloads
	// for get_status and get_metrics. The server fills in the
	// subscriber count itself.
	StatusProvider  func() *StatusData
	MetricsProvider func(*GetMetricsData) *MetricsData

	Clock clock.Clock
}

// Server accepts websocket subscribers on the loopback interface and
// relays records to them.
type Server struct {
	opts     Options
	clock    clock.Clock
	registry *registry
	upgrader websocket.Upgrader

	listener   net.Listener
	httpServer *http.Server
	startedAt  time.Time

	healthToken health.ID

	stop          chan struct{}
	stopOnce      sync.Once
	acceptOnce    sync.Once
	publishDone   chan struct{}
	heartbeatDone chan struct{}
}

// NewServer returns an unstarted message server.
func NewServer(opts Options) *Server {
	if opts.MaxClients == 0 {
		opts.MaxClients = defaultMaxClients
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.MaxFrameBytes == 0 {
		opts.MaxFrameBytes = defaultMaxFrameBytes
	}
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Server{
		opts:     opts,
		clock:    opts.Clock,
		registry: newRegistry(opts.MaxClients),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local tools connect from arbitrary origins, the
			// loopback check is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		stop:          make(chan struct{}),
		publishDone:   make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}
}

// Start binds the listener and launches the serving loops. A
// non-loopback listen address is refused outright.
func (s *Server) Start() error {
	host, _, err := net.SplitHostPort(s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "invalid listen address %q", s.opts.Addr)
	}
	if host != "localhost" {
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			return errors.Errorf("refusing to listen on non-loopback address %q", s.opts.Addr)
		}
	}

	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "cannot listen on %s", s.opts.Addr)
	}
	s.listener = listener
	s.startedAt = time.Now()

	router := mux.NewRouter()
	router.HandleFunc("/", s.handleWS)
	s.httpServer = &http.Server{Handler: router}

	// The heartbeat loop only wakes every ping interval, size the
	// health window accordingly.
	s.healthToken = health.RegisterWithCustomTimeout("message-server", 3*s.opts.PingInterval)
	go s.serve()
	go s.publishLoop()
	go s.heartbeatLoop()
	log.Infof("Message server listening on %s, %d clients max, %s frame limit",
		listener.Addr(), s.opts.MaxClients, humanize.Bytes(uint64(s.opts.MaxFrameBytes)))
	return nil
}

func (s *Server) serve() {
	err := s.httpServer.Serve(s.listener)
	if err != nil && err != http.ErrServerClosed && !errors.Is(err, net.ErrClosed) {
		log.Errorf("Message server terminated: %v", err)
	}
}

// Addr reports the bound listen address, usable once Start returned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ClientCount reports the number of active subscribers.
func (s *Server) ClientCount() int {
	return s.registry.count()
}

// Snapshot reports the public view of every subscriber.
func (s *Server) Snapshot() []ClientInfo {
	return s.registry.snapshot()
}

// StopAccepting closes the listener so no new subscriber gets in.
// Existing connections keep running until Stop.
func (s *Server) StopAccepting() {
	s.acceptOnce.Do(func() {
		if s.listener != nil {
			s.listener.Close() //nolint:errcheck
		}
	})
}

// Stop closes the listener, announces the shutdown to every subscriber
// and tears the connections down after the grace period. Call it after
// the processor drained so queued records had their chance to flush.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.StopAccepting()
		close(s.stop)
		<-s.heartbeatDone
		<-s.publishDone

		clients := s.registry.list()
		frame := newFrame(TypeDisconnect, &DisconnectData{
			Reason:      ErrServerShutdown,
			Message:     "server shutting down",
			GracePeriod: s.opts.ShutdownGrace.Milliseconds(),
		})
		for _, c := range clients {
			c.enqueue(frame)
		}
		if len(clients) > 0 {
			time.Sleep(s.opts.ShutdownGrace)
		}
		for _, c := range clients {
			s.registry.remove(c.id)
			c.close()
		}
		health.Deregister(s.healthToken) //nolint:errcheck
		log.Info("Message server stopped")
	})
}

// Publish enqueues one record to every subscriber whose filters match.
// Serialization happens later, in each subscriber's sender.
func (s *Server) Publish(record *message.Record) {
	frame := newFrame(TypeLogMessage, logMessagePayload(record))
	s.registry.eachMatching(record, func(c *client) {
		if c.enqueue(frame) {
			metrics.LogsDistributed.Add(1)
			metrics.TlmLogsDistributed.Inc()
		}
	})
}

// PublishStatusChange broadcasts a source transition to every
// subscriber. Filters only apply to log messages.
func (s *Server) PublishStatusChange(data *StatusChangeData) {
	frame := newFrame(TypeStatusChange, data)
	for _, c := range s.registry.list() {
		c.enqueue(frame)
	}
}

// publishLoop owns the inbound records channel and exits when it
// closes.
func (s *Server) publishLoop() {
	defer close(s.publishDone)
	if s.opts.RecordsChan == nil {
		return
	}
	for record := range s.opts.RecordsChan {
		s.Publish(record)
	}
	log.Debug("Record fan-out drained")
}

// heartbeatLoop drives the protocol level ping cycle. A subscriber
// that stayed silent for a full interval is disconnected.
func (s *Server) heartbeatLoop() {
	defer close(s.heartbeatDone)
	ticker := s.clock.Ticker(s.opts.PingInterval)
	defer ticker.Stop()
	health.Ping(s.healthToken) //nolint:errcheck
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			health.Ping(s.healthToken) //nolint:errcheck
			for _, c := range s.registry.list() {
				if !c.alive.Load() {
					log.Infof("Client %s missed its heartbeat window, disconnecting", c.id)
					s.kick(c, ErrHeartbeatTimeout, "no frame received within the heartbeat window")
					continue
				}
				c.alive.Store(false)
				c.enqueue(newFrame(TypePing, &PingData{Timestamp: time.Now().UnixMilli()}))
			}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		log.Warnf("Rejecting non-loopback peer %s", r.RemoteAddr)
		http.Error(w, "loopback only", http.StatusForbidden)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("Websocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	s.serveConn(conn)
}

// serveConn runs the handshake and, once the subscriber is admitted,
// its two pumps. It returns when the connection dies.
func (s *Server) serveConn(conn *websocket.Conn) {
	conn.SetReadLimit(s.opts.MaxFrameBytes)
	c := newClient(conn, s.opts.QueueSize)

	hello, err := s.awaitHello(c)
	if err != nil {
		log.Debugf("Handshake failed for %s: %v", conn.RemoteAddr(), err)
		s.refuse(conn, ErrInvalidMessage, err.Error())
		return
	}
	c.name = hello.ClientName
	if c.name == "" {
		c.name = "anonymous"
	}
	c.version = hello.Version
	c.capabilities = hello.Capabilities

	if err := s.registry.add(c); err != nil {
		metrics.SubscribersRejected.Add(1)
		metrics.TlmSubscribersRejected.Inc()
		log.Warnf("Rejecting client %s: %v", c.name, err)
		s.refuse(conn, ErrConnectionLimit, "subscriber limit reached")
		return
	}

	log.Infof("Client %s connected: %s %s", c.id, c.name, c.version)
	go c.writePump()
	c.enqueue(newFrame(TypeWelcome, &WelcomeData{
		ClientID:      c.id,
		ServerVersion: version.RelayVersion,
		ConnectedAt:   c.connectedAt.UnixMilli(),
		Capabilities:  serverCapabilities,
	}))
	s.readLoop(c)
}

// awaitHello reads the first frame, which must be a hello, within the
// handshake window.
func (s *Server) awaitHello(c *client) (*HelloData, error) {
	c.conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout)) //nolint:errcheck
	defer c.conn.SetReadDeadline(time.Time{})                       //nolint:errcheck
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		return nil, errors.New("no hello received")
	}
	var frame inboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, errors.New("malformed handshake frame")
	}
	if frame.Type != TypeHello {
		return nil, errors.Errorf("expected hello, got %q", frame.Type)
	}
	var hello HelloData
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &hello); err != nil {
			return nil, errors.New("malformed hello payload")
		}
	}
	return &hello, nil
}

// refuse is the pre-admission close path, the pumps are not running
// yet so it writes directly.
func (s *Server) refuse(conn *websocket.Conn, code, msg string) {
	frame := newFrame(TypeError, &ErrorData{Code: code, Message: msg})
	if payload, err := json.Marshal(frame); err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
		conn.WriteMessage(websocket.TextMessage, payload)   //nolint:errcheck
	}
	conn.Close()
}

// readLoop dispatches inbound frames until the connection dies. Any
// inbound frame refreshes the heartbeat.
func (s *Server) readLoop(c *client) {
	defer s.dropClient(c)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.kick(c, ErrInvalidMessage, "frame exceeds the size limit")
			}
			return
		}
		c.alive.Store(true)
		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.kick(c, ErrInvalidMessage, "malformed frame")
			return
		}
		if frame.Type == "" {
			s.kick(c, ErrInvalidMessage, "missing frame type")
			return
		}
		s.dispatch(c, &frame)
	}
}

func (s *Server) dispatch(c *client, frame *inboundFrame) {
	switch frame.Type {
	case TypePing:
		c.enqueue(reply(frame, TypePong, &PongData{Timestamp: time.Now().UnixMilli()}))
	case TypePong:
		// alive is already refreshed, nothing else to do
	case TypeGetStatus:
		s.replyStatus(c, frame)
	case TypeGetMetrics:
		s.replyMetrics(c, frame)
	case TypeAddFilter:
		s.handleAddFilter(c, frame)
	case TypeRemoveFilter:
		s.handleRemoveFilter(c, frame)
	case TypeHello:
		c.enqueue(reply(frame, TypeError, &ErrorData{
			Code:    ErrInvalidMessage,
			Message: "handshake already complete",
		}))
	default:
		c.enqueue(reply(frame, TypeError, &ErrorData{
			Code:    ErrInvalidMessage,
			Message: fmt.Sprintf("unknown frame type %q", frame.Type),
		}))
	}
}

// reply echoes the request id so clients can correlate.
func reply(request *inboundFrame, frameType string, data interface{}) *Frame {
	frame := newFrame(frameType, data)
	frame.ID = request.ID
	return frame
}

func (s *Server) replyStatus(c *client, request *inboundFrame) {
	provider := s.opts.StatusProvider
	if provider == nil {
		c.enqueue(reply(request, TypeError, &ErrorData{
			Code:    ErrServerError,
			Message: "status is not available",
		}))
		return
	}
	data := provider()
	data.ConnectedClients = s.registry.count()
	c.enqueue(reply(request, TypeStatus, data))
}

func (s *Server) replyMetrics(c *client, request *inboundFrame) {
	provider := s.opts.MetricsProvider
	if provider == nil {
		c.enqueue(reply(request, TypeError, &ErrorData{
			Code:    ErrServerError,
			Message: "metrics are not available",
		}))
		return
	}
	var req GetMetricsData
	if len(request.Data) > 0 {
		if err := json.Unmarshal(request.Data, &req); err != nil {
			c.enqueue(reply(request, TypeError, &ErrorData{
				Code:    ErrInvalidMessage,
				Message: "malformed get_metrics payload",
			}))
			return
		}
	}
	data := provider(&req)
	data.Current.ClientConnections = s.registry.count()
	c.enqueue(reply(request, TypeMetrics, data))
}

func (s *Server) handleAddFilter(c *client, request *inboundFrame) {
	var clause FilterClause
	if err := json.Unmarshal(request.Data, &clause); err != nil {
		c.enqueue(reply(request, TypeFilterResponse, &FilterResponseData{
			Action:  "add",
			Success: false,
			Error:   &ErrorData{Code: ErrInvalidFilter, Message: "malformed add_filter payload"},
		}))
		return
	}
	id, err := c.addFilter(clause)
	if err != nil {
		c.enqueue(reply(request, TypeFilterResponse, &FilterResponseData{
			Action:  "add",
			Success: false,
			Error:   &ErrorData{Code: ErrInvalidFilter, Message: err.Error()},
		}))
		return
	}
	c.enqueue(reply(request, TypeFilterResponse, &FilterResponseData{
		Action:   "add",
		Success:  true,
		FilterID: id,
	}))
}

func (s *Server) handleRemoveFilter(c *client, request *inboundFrame) {
	var body RemoveFilterData
	if err := json.Unmarshal(request.Data, &body); err != nil || body.ID == "" {
		c.enqueue(reply(request, TypeFilterResponse, &FilterResponseData{
			Action:  "remove",
			Success: false,
			Error:   &ErrorData{Code: ErrInvalidFilter, Message: "malformed remove_filter payload"},
		}))
		return
	}
	if !c.removeFilter(body.ID) {
		c.enqueue(reply(request, TypeFilterResponse, &FilterResponseData{
			Action:   "remove",
			Success:  false,
			FilterID: body.ID,
			Error:    &ErrorData{Code: ErrFilterNotFound, Message: "no filter with this id"},
		}))
		return
	}
	c.enqueue(reply(request, TypeFilterResponse, &FilterResponseData{
		Action:   "remove",
		Success:  true,
		FilterID: body.ID,
	}))
}

// kick removes a subscriber with a final error frame, leaving the
// sender a short grace to flush before the connection closes under it.
func (s *Server) kick(c *client, code, message string) {
	if !s.registry.remove(c.id) {
		return
	}
	c.kicked.Store(true)
	c.enqueue(newFrame(TypeError, &ErrorData{Code: code, Message: message}))
	time.AfterFunc(kickGrace, c.close)
}

// dropClient is the read side teardown. A kicked client keeps its
// connection until the grace timer fires so the last frame can flush.
func (s *Server) dropClient(c *client) {
	if s.registry.remove(c.id) {
		log.Infof("Client %s disconnected: %s", c.id, c.name)
	}
	if !c.kicked.Load() {
		c.close()
	}
}

// isLoopback reports whether a remote address is a loopback peer.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
