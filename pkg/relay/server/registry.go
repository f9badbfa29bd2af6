// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package server

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/kurotori/vrc-log-relay/pkg/relay/message"
	"github.com/kurotori/vrc-log-relay/pkg/relay/metrics"
)

var errConnectionLimit = errors.New("connection limit reached")

// registry tracks the active subscribers and enforces the connection
// cap. Dispatch iterates under the read lock, mutations are rare.
type registry struct {
	mu          sync.RWMutex
	subscribers map[string]*client
	maxClients  int
}

func newRegistry(maxClients int) *registry {
	return &registry{
		subscribers: make(map[string]*client),
		maxClients:  maxClients,
	}
}

// add admits a subscriber unless the cap is reached.
func (r *registry) add(c *client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxClients > 0 && len(r.subscribers) >= r.maxClients {
		return errConnectionLimit
	}
	r.subscribers[c.id] = c
	r.publishGauge()
	return nil
}

// remove forgets a subscriber, reporting whether it was present.
func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[id]; !ok {
		return false
	}
	delete(r.subscribers, id)
	r.publishGauge()
	return true
}

// publishGauge is called with the lock held.
func (r *registry) publishGauge() {
	metrics.SubscribersConnected.Set(int64(len(r.subscribers)))
	metrics.TlmSubscribersConnected.Set(float64(len(r.subscribers)))
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// list snapshots the current subscriber set.
func (r *registry) list() []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*client, 0, len(r.subscribers))
	for _, c := range r.subscribers {
		clients = append(clients, c)
	}
	return clients
}

// snapshot reports the public view of every subscriber, oldest first.
func (r *registry) snapshot() []ClientInfo {
	clients := r.list()
	infos := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		infos = append(infos, c.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// eachMatching runs fn for every subscriber whose filters pass the
// record. fn must not block, dispatch holds the read lock.
func (r *registry) eachMatching(record *message.Record, fn func(*client)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.subscribers {
		if c.matches(record) {
			fn(c)
		}
	}
}
