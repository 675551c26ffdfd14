// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/coracle-net/coracle/lib/metrics"
)

// latencyBuckets covers microsecond latencies up to ~35 minutes in
// power-of-two buckets; anything beyond clamps into the last bucket.
const latencyBuckets = 32

// Histogram is a log₂-bucketed latency histogram. Bucket i counts
// samples in [2^(i-1), 2^i) microseconds, with bucket 0 holding
// sub-microsecond samples. Recording is lock-free; snapshots are
// monotonic but not atomic across buckets.
type Histogram struct {
	buckets   [latencyBuckets]atomic.Uint64
	count     atomic.Uint64
	sumMicros atomic.Uint64
}

// Record adds one latency sample.
func (h *Histogram) Record(d time.Duration) {
	micros := d.Microseconds()
	if micros < 0 {
		micros = 0
	}
	index := bits.Len64(uint64(micros))
	if index >= latencyBuckets {
		index = latencyBuckets - 1
	}
	h.buckets[index].Add(1)
	h.count.Add(1)
	h.sumMicros.Add(uint64(micros))
}

// Snapshot returns the histogram in the registry's exchange form. Sum
// is in microseconds; upper bounds are exclusive.
func (h *Histogram) Snapshot() metrics.HistogramValue {
	value := metrics.HistogramValue{
		UpperBounds: make([]uint64, latencyBuckets),
		Counts:      make([]uint64, latencyBuckets),
		Count:       h.count.Load(),
		Sum:         h.sumMicros.Load(),
	}
	for i := 0; i < latencyBuckets; i++ {
		value.UpperBounds[i] = 1 << i
		value.Counts[i] = h.buckets[i].Load()
	}
	return value
}
