// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package server

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurotori/vrc-log-relay/pkg/relay/message"
	"github.com/kurotori/vrc-log-relay/pkg/version"
)

func newTestServer(t *testing.T, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = 100 * time.Millisecond
	}
	s := NewServer(opts)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func dialServer(t *testing.T, s *Server) *websocket.Conn {
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame *Frame) {
	payload, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func readFrame(t *testing.T, conn *websocket.Conn) *inboundFrame {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	frame := &inboundFrame{}
	require.NoError(t, json.Unmarshal(payload, frame))
	return frame
}

// readFrameOfType skips unrelated frames, heartbeat pings mostly.
func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) *inboundFrame {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return nil
}

func decodePayload(t *testing.T, frame *inboundFrame, v interface{}) {
	require.NoError(t, json.Unmarshal(frame.Data, v))
}

// connect dials and completes the hello handshake.
func connect(t *testing.T, s *Server, name string) *websocket.Conn {
	conn := dialServer(t, s)
	sendFrame(t, conn, newFrame(TypeHello, &HelloData{ClientName: name, Version: "1.0.0"}))
	welcome := readFrame(t, conn)
	require.Equal(t, TypeWelcome, welcome.Type)
	return conn
}

func testRecord(raw string, level message.Level) *message.Record {
	return &message.Record{
		ID:         uuid.NewString(),
		ObservedAt: time.Now(),
		Level:      level,
		Source:     message.SourceGame,
		Raw:        raw,
		Origin: message.Origin{
			FilePath:  "/game/output_log_2024-01-01_12-00-00.txt",
			Basename:  "output_log_2024-01-01_12-00-00.txt",
			FileIndex: 1,
			LineNo:    42,
		},
	}
}

func TestHandshake(t *testing.T) {
	s := newTestServer(t, Options{})
	conn := dialServer(t, s)

	sendFrame(t, conn, newFrame(TypeHello, &HelloData{
		ClientName:   "test-overlay",
		Version:      "2.0.0",
		Capabilities: []string{"log_message"},
	}))

	frame := readFrame(t, conn)
	require.Equal(t, TypeWelcome, frame.Type)
	assert.NotZero(t, frame.Timestamp)

	var welcome WelcomeData
	decodePayload(t, frame, &welcome)
	assert.NotEmpty(t, welcome.ClientID)
	assert.Equal(t, version.RelayVersion, welcome.ServerVersion)
	assert.NotZero(t, welcome.ConnectedAt)
	assert.Contains(t, welcome.Capabilities, TypeLogMessage)
	assert.Equal(t, 1, s.ClientCount())
}

func TestHandshakeIgnoresUnknownFields(t *testing.T) {
	s := newTestServer(t, Options{})
	conn := dialServer(t, s)

	raw := `{"type":"hello","data":{"clientName":"tool","version":"1.0","legacyMode":true},"futureField":123}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))

	frame := readFrame(t, conn)
	assert.Equal(t, TypeWelcome, frame.Type)
}

func TestHandshakeRequiresHello(t *testing.T) {
	s := newTestServer(t, Options{})
	conn := dialServer(t, s)

	sendFrame(t, conn, newFrame(TypePing, &PingData{}))

	frame := readFrame(t, conn)
	require.Equal(t, TypeError, frame.Type)
	var errData ErrorData
	decodePayload(t, frame, &errData)
	assert.Equal(t, ErrInvalidMessage, errData.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHandshakeTimeout(t *testing.T) {
	s := newTestServer(t, Options{HandshakeTimeout: 100 * time.Millisecond})
	conn := dialServer(t, s)

	frame := readFrame(t, conn)
	require.Equal(t, TypeError, frame.Type)
	var errData ErrorData
	decodePayload(t, frame, &errData)
	assert.Equal(t, ErrInvalidMessage, errData.Code)
}

func TestConnectionLimit(t *testing.T) {
	s := newTestServer(t, Options{MaxClients: 1})
	connect(t, s, "first")

	conn := dialServer(t, s)
	sendFrame(t, conn, newFrame(TypeHello, &HelloData{ClientName: "second", Version: "1.0.0"}))

	frame := readFrame(t, conn)
	require.Equal(t, TypeError, frame.Type)
	var errData ErrorData
	decodePayload(t, frame, &errData)
	assert.Equal(t, ErrConnectionLimit, errData.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 1, s.ClientCount())
}

func TestLogMessageFanout(t *testing.T) {
	s := newTestServer(t, Options{})
	first := connect(t, s, "first")
	second := connect(t, s, "second")

	record := testRecord("[Behaviour] Entering world", message.LevelInfo)
	record.LineTime = time.UnixMilli(1700000000000)
	record.Parsed = &message.Parsed{
		Kind:   message.KindWorldChange,
		Fields: map[string]string{"world": "wrld_1234"},
	}
	s.Publish(record)

	for _, conn := range []*websocket.Conn{first, second} {
		frame := readFrame(t, conn)
		require.Equal(t, TypeLogMessage, frame.Type)

		var payload LogMessageData
		decodePayload(t, frame, &payload)
		assert.Equal(t, record.ID, payload.ID)
		assert.Equal(t, "[Behaviour] Entering world", payload.Raw)
		assert.Equal(t, message.SourceGame, payload.Source)
		assert.Equal(t, message.LevelInfo, payload.Level)
		require.NotNil(t, payload.Parsed)
		assert.Equal(t, message.KindWorldChange, payload.Parsed.Kind)
		assert.Equal(t, "wrld_1234", payload.Parsed.Fields["world"])
		assert.Equal(t, record.Origin.FilePath, payload.Metadata.FilePath)
		assert.Equal(t, 1, payload.Metadata.FileIndex)
		assert.Equal(t, int64(42), payload.Metadata.LineNumber)
		assert.Equal(t, int64(1700000000000), payload.Metadata.OriginalTimestamp)
	}
}

func TestRecordsChannelFanout(t *testing.T) {
	records := make(chan *message.Record, 4)
	s := newTestServer(t, Options{RecordsChan: records})
	conn := connect(t, s, "drainer")

	records <- testRecord("line one", message.LevelInfo)
	records <- testRecord("line two", message.LevelInfo)
	close(records)

	var payload LogMessageData
	decodePayload(t, readFrameOfType(t, conn, TypeLogMessage), &payload)
	assert.Equal(t, "line one", payload.Raw)
	decodePayload(t, readFrameOfType(t, conn, TypeLogMessage), &payload)
	assert.Equal(t, "line two", payload.Raw)
}

func TestFilterSelectsRecords(t *testing.T) {
	s := newTestServer(t, Options{})
	conn := connect(t, s, "filtered")

	addFilter := newFrame(TypeAddFilter, &FilterClause{
		Type:      FilterTypeLevel,
		Condition: FilterCondition{Operator: OperatorEquals, Value: "error"},
	})
	addFilter.ID = "req-1"
	sendFrame(t, conn, addFilter)

	response := readFrame(t, conn)
	require.Equal(t, TypeFilterResponse, response.Type)
	assert.Equal(t, "req-1", response.ID)
	var ack FilterResponseData
	decodePayload(t, response, &ack)
	require.True(t, ack.Success)
	assert.Equal(t, "add", ack.Action)
	assert.NotEmpty(t, ack.FilterID)

	s.Publish(testRecord("routine line", message.LevelInfo))
	s.Publish(testRecord("something broke", message.LevelError))

	frame := readFrame(t, conn)
	require.Equal(t, TypeLogMessage, frame.Type)
	var payload LogMessageData
	decodePayload(t, frame, &payload)
	assert.Equal(t, "something broke", payload.Raw)
}

func TestRemoveFilter(t *testing.T) {
	s := newTestServer(t, Options{})
	conn := connect(t, s, "filtered")

	sendFrame(t, conn, newFrame(TypeAddFilter, &FilterClause{
		ID:        "f1",
		Type:      FilterTypeLevel,
		Condition: FilterCondition{Operator: OperatorEquals, Value: "error"},
	}))
	var ack FilterResponseData
	decodePayload(t, readFrame(t, conn), &ack)
	require.True(t, ack.Success)

	sendFrame(t, conn, newFrame(TypeRemoveFilter, &RemoveFilterData{ID: "f1"}))
	decodePayload(t, readFrame(t, conn), &ack)
	require.True(t, ack.Success)
	assert.Equal(t, "remove", ack.Action)
	assert.Equal(t, "f1", ack.FilterID)

	// records flow unfiltered again
	s.Publish(testRecord("routine line", message.LevelInfo))
	var payload LogMessageData
	decodePayload(t, readFrameOfType(t, conn, TypeLogMessage), &payload)
	assert.Equal(t, "routine line", payload.Raw)
}

func TestRemoveUnknownFilter(t *testing.T) {
	s := newTestServer(t, Options{})
	conn := connect(t, s, "filtered")

	sendFrame(t, conn, newFrame(TypeRemoveFilter, &RemoveFilterData{ID: "ghost"}))

	var ack FilterResponseData
	decodePayload(t, readFrame(t, conn), &ack)
	assert.False(t, ack.Success)
	require.NotNil(t, ack.Error)
	assert.Equal(t, ErrFilterNotFound, ack.Error.Code)
}

func TestInvalidFilterIsRejected(t *testing.T) {
	s := newTestServer(t, Options{})
	conn := connect(t, s, "filtered")

	sendFrame(t, conn, newFrame(TypeAddFilter, &FilterClause{
		Type:      FilterTypeRegex,
		Condition: FilterCondition{Operator: OperatorRegex, Value: "["},
	}))

	var ack FilterResponseData
	decodePayload(t, readFrame(t, conn), &ack)
	assert.False(t, ack.Success)
	require.NotNil(t, ack.Error)
	assert.Equal(t, ErrInvalidFilter, ack.Error.Code)

	// the connection survives a rejected filter
	sendFrame(t, conn, newFrame(TypePing, &PingData{}))
	assert.Equal(t, TypePong, readFrame(t, conn).Type)
}

func TestPingPong(t *testing.T) {
	s := newTestServer(t, Options{})
	conn := connect(t, s, "pinger")

	ping := newFrame(TypePing, &PingData{Timestamp: 12345})
	ping.ID = "req-2"
	sendFrame(t, conn, ping)

	frame := readFrame(t, conn)
	require.Equal(t, TypePong, frame.Type)
	assert.Equal(t, "req-2", frame.ID)
	var pong PongData
	decodePayload(t, frame, &pong)
	assert.NotZero(t, pong.Timestamp)
}

func TestUnknownFrameTypeKeepsConnection(t *testing.T) {
	s := newTestServer(t, Options{})
	conn := connect(t, s, "curious")

	sendFrame(t, conn, &Frame{Type: "subscribe"})

	frame := readFrame(t, conn)
	require.Equal(t, TypeError, frame.Type)
	var errData ErrorData
	decodePayload(t, frame, &errData)
	assert.Equal(t, ErrInvalidMessage, errData.Code)

	sendFrame(t, conn, newFrame(TypePing, &PingData{}))
	assert.Equal(t, TypePong, readFrame(t, conn).Type)
}

func TestMalformedFrameCloses(t *testing.T) {
	s := newTestServer(t, Options{})
	conn := connect(t, s, "broken")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json at all")))

	frame := readFrame(t, conn)
	require.Equal(t, TypeError, frame.Type)
	var errData ErrorData
	decodePayload(t, frame, &errData)
	assert.Equal(t, ErrInvalidMessage, errData.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, s.ClientCount())
}

func TestOversizedFrameCloses(t *testing.T) {
	s := newTestServer(t, Options{MaxFrameBytes: 256})
	conn := connect(t, s, "chatty")

	big := make([]byte, 1024)
	for i := range big {
		big[i] = 'a'
	}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, big))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	assert.Error(t, err)
}

func TestHeartbeatTimeout(t *testing.T) {
	s := newTestServer(t, Options{PingInterval: 100 * time.Millisecond})
	conn := connect(t, s, "silent")

	frame := readFrame(t, conn)
	require.Equal(t, TypePing, frame.Type)

	// stay silent through the next tick
	frame = readFrameOfType(t, conn, TypeError)
	var errData ErrorData
	decodePayload(t, frame, &errData)
	assert.Equal(t, ErrHeartbeatTimeout, errData.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHeartbeatPongKeepsConnection(t *testing.T) {
	s := newTestServer(t, Options{PingInterval: 100 * time.Millisecond})
	conn := connect(t, s, "attentive")

	for i := 0; i < 3; i++ {
		frame := readFrameOfType(t, conn, TypePing)
		var ping PingData
		decodePayload(t, frame, &ping)
		sendFrame(t, conn, newFrame(TypePong, &PongData{Timestamp: ping.Timestamp}))
	}

	sendFrame(t, conn, newFrame(TypePing, &PingData{}))
	assert.Equal(t, TypePong, readFrameOfType(t, conn, TypePong).Type)
}

func TestGetStatus(t *testing.T) {
	s := newTestServer(t, Options{
		StatusProvider: func() *StatusData {
			return &StatusData{
				Uptime:            1234,
				MonitoredFiles:    2,
				MessagesProcessed: 99,
				VRChatStatus: VRChatStatus{
					IsRunning:      true,
					ProcessID:      4242,
					ActiveLogFiles: []string{"output_log_2024-01-01_12-00-00.txt"},
				},
			}
		},
	})
	conn := connect(t, s, "inspector")

	request := newFrame(TypeGetStatus, nil)
	request.ID = "req-7"
	sendFrame(t, conn, request)

	frame := readFrame(t, conn)
	require.Equal(t, TypeStatus, frame.Type)
	assert.Equal(t, "req-7", frame.ID)

	var status StatusData
	decodePayload(t, frame, &status)
	assert.Equal(t, int64(1234), status.Uptime)
	assert.Equal(t, 2, status.MonitoredFiles)
	assert.Equal(t, int64(99), status.MessagesProcessed)
	assert.Equal(t, 1, status.ConnectedClients)
	assert.True(t, status.VRChatStatus.IsRunning)
	assert.Equal(t, int32(4242), status.VRChatStatus.ProcessID)
}

func TestGetMetrics(t *testing.T) {
	seenCh := make(chan GetMetricsData, 1)
	s := newTestServer(t, Options{
		MetricsProvider: func(req *GetMetricsData) *MetricsData {
			seenCh <- *req
			data := &MetricsData{
				Current: MetricsSnapshot{MessagesPerSecond: 5.5, MemoryUsageMB: 42.0},
			}
			if req.IncludeHistory {
				data.History = []MetricsSnapshot{
					{MessagesPerSecond: 1.0, Timestamp: 1000},
					{MessagesPerSecond: 2.0, Timestamp: 2000},
				}
			}
			return data
		},
	})
	conn := connect(t, s, "collector")

	sendFrame(t, conn, newFrame(TypeGetMetrics, &GetMetricsData{
		TimeRange:      60000,
		IncludeHistory: true,
	}))

	frame := readFrame(t, conn)
	require.Equal(t, TypeMetrics, frame.Type)

	var metrics MetricsData
	decodePayload(t, frame, &metrics)
	assert.Equal(t, 5.5, metrics.Current.MessagesPerSecond)
	assert.Equal(t, 1, metrics.Current.ClientConnections)
	require.Len(t, metrics.History, 2)

	seen := <-seenCh
	assert.Equal(t, int64(60000), seen.TimeRange)
	assert.True(t, seen.IncludeHistory)
}

func TestStatusChangeBroadcast(t *testing.T) {
	s := newTestServer(t, Options{})
	first := connect(t, s, "first")
	second := connect(t, s, "second")

	s.PublishStatusChange(&StatusChangeData{
		ChangeType: "process",
		Timestamp:  time.Now().UnixMilli(),
		Data:       map[string]interface{}{"isRunning": true, "processId": float64(4242)},
		CurrentStatus: VRChatStatus{
			IsRunning:          true,
			ProcessID:          4242,
			LogDirectoryExists: true,
			ActiveLogFiles:     []string{},
		},
	})

	for _, conn := range []*websocket.Conn{first, second} {
		frame := readFrame(t, conn)
		require.Equal(t, TypeStatusChange, frame.Type)

		var change StatusChangeData
		decodePayload(t, frame, &change)
		assert.Equal(t, "process", change.ChangeType)
		assert.Equal(t, true, change.Data["isRunning"])
		assert.True(t, change.CurrentStatus.IsRunning)
	}
}

func TestServerShutdownDisconnect(t *testing.T) {
	s := newTestServer(t, Options{})
	conn := connect(t, s, "bystander")

	s.Stop()

	frame := readFrame(t, conn)
	require.Equal(t, TypeDisconnect, frame.Type)
	var disconnect DisconnectData
	decodePayload(t, frame, &disconnect)
	assert.Equal(t, ErrServerShutdown, disconnect.Reason)
	assert.NotZero(t, disconnect.GracePeriod)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestStartRefusesNonLoopback(t *testing.T) {
	s := NewServer(Options{Addr: "0.0.0.0:0"})
	assert.Error(t, s.Start())

	s = NewServer(Options{Addr: "not an address"})
	assert.Error(t, s.Start())
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("127.0.0.1:8999"))
	assert.True(t, isLoopback("[::1]:8999"))
	assert.False(t, isLoopback("192.168.1.10:8999"))
	assert.False(t, isLoopback("example.com:8999"))
}
