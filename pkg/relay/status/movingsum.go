// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2023-present Datadog, Inc.

package status

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type bucket struct {
	timestamp time.Time
	count     int64
}

// movingSum counts events over a sliding time window. Events land in
// coarse buckets so the memory cost stays bounded no matter the rate.
type movingSum struct {
	buckets    []bucket
	timeWindow time.Duration
	bucketSize time.Duration
	clock      clock.Clock
	lock       sync.Mutex
}

func newMovingSum(timeWindow time.Duration, bucketSize time.Duration, clk clock.Clock) *movingSum {
	return &movingSum{
		buckets:    make([]bucket, 0),
		timeWindow: timeWindow,
		bucketSize: bucketSize,
		clock:      clk,
	}
}

// Add counts n events at the current time.
func (ms *movingSum) Add(n int64) {
	ms.lock.Lock()
	defer ms.lock.Unlock()

	ms.dropOldBuckets()
	now := ms.clock.Now()
	if last := len(ms.buckets) - 1; last < 0 || now.Sub(ms.buckets[last].timestamp) >= ms.bucketSize {
		ms.buckets = append(ms.buckets, bucket{timestamp: now, count: n})
		return
	}
	ms.buckets[len(ms.buckets)-1].count += n
}

// Sum returns the event count inside the window.
func (ms *movingSum) Sum() int64 {
	ms.lock.Lock()
	defer ms.lock.Unlock()

	ms.dropOldBuckets()
	sum := int64(0)
	for _, b := range ms.buckets {
		sum += b.count
	}
	return sum
}

func (ms *movingSum) dropOldBuckets() {
	threshold := ms.clock.Now().Add(-ms.timeWindow)
	dropFromIndex := 0
	for _, b := range ms.buckets {
		if b.timestamp.After(threshold) {
			break
		}
		dropFromIndex++
	}
	ms.buckets = ms.buckets[dropFromIndex:]
}
