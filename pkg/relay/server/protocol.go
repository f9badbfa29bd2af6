// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package server

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/kurotori/vrc-log-relay/pkg/relay/message"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame types of the wire protocol.
const (
	TypeHello          = "hello"
	TypeWelcome        = "welcome"
	TypeError          = "error"
	TypeGetStatus      = "get_status"
	TypeStatus         = "status"
	TypeGetMetrics     = "get_metrics"
	TypeMetrics        = "metrics"
	TypeStatusChange   = "vrchat_status_change"
	TypeLogMessage     = "log_message"
	TypeAddFilter      = "add_filter"
	TypeRemoveFilter   = "remove_filter"
	TypeFilterResponse = "filter_response"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeDisconnect     = "disconnect"
)

// Error codes carried by error frames and filter responses.
const (
	ErrConnectionLimit  = "connection_limit"
	ErrInvalidMessage   = "invalid_message"
	ErrInvalidFilter    = "invalid_filter"
	ErrFilterNotFound   = "filter_not_found"
	ErrServerError      = "server_error"
	ErrHeartbeatTimeout = "heartbeat_timeout"
	ErrServerShutdown   = "server_shutdown"
)

// Frame is the outgoing envelope. Payloads are kept as live values so
// that serialization happens once per subscriber, in its sender.
type Frame struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	ID        string      `json:"id,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// inboundFrame is the incoming envelope, the payload stays raw until
// the type is known.
type inboundFrame struct {
	Type      string              `json:"type"`
	Data      jsoniter.RawMessage `json:"data,omitempty"`
	ID        string              `json:"id,omitempty"`
	Timestamp int64               `json:"timestamp,omitempty"`
}

func newFrame(frameType string, data interface{}) *Frame {
	return &Frame{
		Type:      frameType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// toMillis renders a time as a millisecond epoch, zero stays zero so
// omitempty drops fields that were never set.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// HelloData is the client side of the handshake.
type HelloData struct {
	ClientName   string   `json:"clientName"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
	Description  string   `json:"description,omitempty"`
}

// WelcomeData is the server side of the handshake.
type WelcomeData struct {
	ClientID      string   `json:"clientId"`
	ServerVersion string   `json:"serverVersion"`
	ConnectedAt   int64    `json:"connectedAt"`
	Capabilities  []string `json:"capabilities"`
}

// ErrorData reports a failure to one subscriber.
type ErrorData struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// MemoryUsage is the memory section of a status reply, in bytes.
type MemoryUsage struct {
	RSS       uint64 `json:"rss"`
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
}

// VRChatStatus is the game facing section of a status reply.
type VRChatStatus struct {
	IsRunning          bool     `json:"isRunning"`
	ProcessID          int32    `json:"processId,omitempty"`
	LogDirectoryExists bool     `json:"logDirectoryExists"`
	ActiveLogFiles     []string `json:"activeLogFiles"`
	LastLogActivity    int64    `json:"lastLogActivity,omitempty"`
	DetectedAt         int64    `json:"detectedAt,omitempty"`
}

// StatusData answers a get_status request. Uptime and every timestamp
// are milliseconds.
type StatusData struct {
	Uptime              int64        `json:"uptime"`
	ConnectedClients    int          `json:"connectedClients"`
	MonitoredFiles      int          `json:"monitoredFiles"`
	MessagesProcessed   int64        `json:"messagesProcessed"`
	MessagesDistributed int64        `json:"messagesDistributed"`
	LastLogTime         int64        `json:"lastLogTime,omitempty"`
	MemoryUsage         MemoryUsage  `json:"memoryUsage"`
	VRChatStatus        VRChatStatus `json:"vrchatStatus"`
}

// GetMetricsData is the optional body of a get_metrics request.
type GetMetricsData struct {
	// TimeRange bounds the returned history, in milliseconds.
	TimeRange      int64 `json:"timeRange,omitempty"`
	IncludeHistory bool  `json:"includeHistory,omitempty"`
}

// MetricsSnapshot is one point of the metrics series.
type MetricsSnapshot struct {
	MessagesPerSecond float64 `json:"messagesPerSecond"`
	ClientConnections int     `json:"clientConnections"`
	MemoryUsageMB     float64 `json:"memoryUsageMB"`
	CPUUsage          float64 `json:"cpuUsage"`
	Timestamp         int64   `json:"timestamp,omitempty"`
}

// MetricsData answers a get_metrics request.
type MetricsData struct {
	Current MetricsSnapshot   `json:"current"`
	History []MetricsSnapshot `json:"history,omitempty"`
}

// StatusChangeData notifies subscribers of a source transition.
type StatusChangeData struct {
	ChangeType    string                 `json:"changeType"`
	Timestamp     int64                  `json:"timestamp"`
	Data          map[string]interface{} `json:"data"`
	CurrentStatus VRChatStatus           `json:"currentStatus"`
}

// LogMetadata locates a log message in its file.
type LogMetadata struct {
	FilePath          string `json:"filePath"`
	FileIndex         int    `json:"fileIndex"`
	LineNumber        int64  `json:"lineNumber,omitempty"`
	OriginalTimestamp int64  `json:"originalTimestamp,omitempty"`
}

// LogMessageData is one relayed log line.
type LogMessageData struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Source    message.Source  `json:"source"`
	Level     message.Level   `json:"level"`
	Raw       string          `json:"raw"`
	Parsed    *message.Parsed `json:"parsed,omitempty"`
	Metadata  LogMetadata     `json:"metadata"`
}

// FilterCondition is the matching half of a filter clause. Value is a
// string for most operators and an array for "in".
type FilterCondition struct {
	Operator      string      `json:"operator"`
	Value         interface{} `json:"value"`
	CaseSensitive bool        `json:"caseSensitive,omitempty"`
}

// FilterClause is one subscriber supplied filter.
type FilterClause struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Condition FilterCondition `json:"condition"`
}

// RemoveFilterData identifies the clause to drop.
type RemoveFilterData struct {
	ID string `json:"id"`
}

// FilterResponseData acknowledges a filter mutation.
type FilterResponseData struct {
	Action   string     `json:"action"`
	Success  bool       `json:"success"`
	FilterID string     `json:"filterId,omitempty"`
	Error    *ErrorData `json:"error,omitempty"`
}

// PingData and PongData carry the heartbeat timestamps.
type PingData struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// PongData answers a ping.
type PongData struct {
	Timestamp int64 `json:"timestamp"`
}

// DisconnectData announces a server initiated close.
type DisconnectData struct {
	Reason      string `json:"reason"`
	Message     string `json:"message"`
	GracePeriod int64  `json:"gracePeriod,omitempty"`
}

// logMessagePayload shapes a processed record for the wire.
func logMessagePayload(record *message.Record) *LogMessageData {
	return &LogMessageData{
		ID:        record.ID,
		Timestamp: record.ObservedAt.UnixMilli(),
		Source:    record.Source,
		Level:     record.Level,
		Raw:       record.Raw,
		Parsed:    record.Parsed,
		Metadata: LogMetadata{
			FilePath:          record.Origin.FilePath,
			FileIndex:         record.Origin.FileIndex,
			LineNumber:        record.Origin.LineNo,
			OriginalTimestamp: toMillis(record.LineTime),
		},
	}
}
