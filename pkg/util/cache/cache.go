// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package cache provides a process wide in-memory key value store with
// per entry expiration.
package cache

import (
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
)

const (
	defaultExpire = 5 * time.Minute
	defaultPurge  = 30 * time.Second

	// RelayCachePrefix is the common root used to prefix all the cache keys.
	RelayCachePrefix = "relay"

	// NoExpiration maps to the go-cache value of the same name.
	NoExpiration = cache.NoExpiration
)

// Cache is the shared store. Entries expire after 5 minutes unless a
// different TTL is given on Set.
var Cache = cache.New(defaultExpire, defaultPurge)

// BuildRelayKey returns a cache key rooted under the relay prefix.
func BuildRelayKey(keys ...string) string {
	return strings.Join(append([]string{RelayCachePrefix}, keys...), "/")
}
