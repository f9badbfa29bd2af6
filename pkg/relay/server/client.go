// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/kurotori/vrc-log-relay/pkg/relay/message"
	"github.com/kurotori/vrc-log-relay/pkg/relay/metrics"
	"github.com/kurotori/vrc-log-relay/pkg/util/log"
)

const writeTimeout = 10 * time.Second

// client is one websocket subscriber. The registry owns its lifetime,
// the two pumps own the connection.
type client struct {
	id           string
	name         string
	version      string
	capabilities []string
	connectedAt  time.Time

	conn     *websocket.Conn
	outbound chan *Frame

	alive   *atomic.Bool
	kicked  *atomic.Bool
	sent    *atomic.Int64
	dropped *atomic.Int64

	filterMu sync.RWMutex
	filters  []*compiledFilter

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(conn *websocket.Conn, queueSize int) *client {
	return &client{
		id:          uuid.NewString(),
		connectedAt: time.Now(),
		conn:        conn,
		outbound:    make(chan *Frame, queueSize),
		alive:       atomic.NewBool(true),
		kicked:      atomic.NewBool(false),
		sent:        atomic.NewInt64(0),
		dropped:     atomic.NewInt64(0),
		closed:      make(chan struct{}),
	}
}

// enqueue hands a frame to the sender without ever blocking the
// caller. A full queue keeps its backlog and drops the incoming frame.
func (c *client) enqueue(frame *Frame) bool {
	select {
	case c.outbound <- frame:
		return true
	default:
		c.dropped.Inc()
		if frame.Type == TypeLogMessage {
			metrics.LogsDropped.Add(1)
			metrics.TlmLogsDropped.Inc(c.name)
		}
		return false
	}
}

// matches applies the clause set, every clause must pass. An empty set
// passes everything.
func (c *client) matches(record *message.Record) bool {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	for _, f := range c.filters {
		if !f.match(record) {
			return false
		}
	}
	return true
}

// addFilter compiles and upserts one clause, keyed by its id. A blank
// id gets a generated one, which is returned either way.
func (c *client) addFilter(clause FilterClause) (string, error) {
	if clause.ID == "" {
		clause.ID = uuid.NewString()
	}
	compiled, err := compileFilter(clause)
	if err != nil {
		return "", err
	}
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	for i, existing := range c.filters {
		if existing.clause.ID == clause.ID {
			c.filters[i] = compiled
			return clause.ID, nil
		}
	}
	c.filters = append(c.filters, compiled)
	return clause.ID, nil
}

// removeFilter drops a clause, reporting whether it existed.
func (c *client) removeFilter(id string) bool {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	for i, existing := range c.filters {
		if existing.clause.ID == id {
			c.filters = append(c.filters[:i], c.filters[i+1:]...)
			return true
		}
	}
	return false
}

func (c *client) filterCount() int {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	return len(c.filters)
}

// close tears the connection down once. The disconnect paths enqueue
// their last frame and wait a grace period before calling this.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// writePump serializes and writes every outgoing frame. It is the only
// writer of the connection.
func (c *client) writePump() {
	for {
		select {
		case frame := <-c.outbound:
			payload, err := json.Marshal(frame)
			if err != nil {
				log.Warnf("Dropping unserializable %s frame for client %s: %v", frame.Type, c.id, err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			c.sent.Inc()
		case <-c.closed:
			return
		}
	}
}

// ClientInfo is a point in time view of one subscriber.
type ClientInfo struct {
	ID          string
	Name        string
	Version     string
	ConnectedAt time.Time
	Filters     int
	QueueLen    int
	Sent        int64
	Dropped     int64
}

func (c *client) info() ClientInfo {
	return ClientInfo{
		ID:          c.id,
		Name:        c.name,
		Version:     c.version,
		ConnectedAt: c.connectedAt,
		Filters:     c.filterCount(),
		QueueLen:    len(c.outbound),
		Sent:        c.sent.Load(),
		Dropped:     c.dropped.Load(),
	}
}
