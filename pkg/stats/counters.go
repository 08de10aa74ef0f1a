// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package stats implements per-worker statistics (C6): cache-aligned
// atomic counters, a bundle of latency histograms, optional heatmap and
// coverage tracking, and the merge operation used to aggregate across
// workers and nodes.
package stats

import "sync/atomic"

// cacheLineSize is the padding unit applied to every counter so
// adjacent counters never share a cache line; false sharing between
// workers' hot counters would otherwise dominate the cost of updating
// them.
const cacheLineSize = 64

// paddedCounter is a single atomic uint64 padded out to a full cache
// line. Aggregation happens at snapshot/merge time, never per-operation,
// so relaxed (default Go atomic) ordering is sufficient.
type paddedCounter struct {
	v atomic.Uint64
	_ [cacheLineSize - 8]byte
}

func (c *paddedCounter) add(delta uint64) { c.v.Add(delta) }
func (c *paddedCounter) load() uint64     { return c.v.Load() }
func (c *paddedCounter) store(val uint64) { c.v.Store(val) }

// updateMax atomically raises the counter to max(current, val).
func (c *paddedCounter) updateMax(val uint64) {
	for {
		cur := c.v.Load()
		if val <= cur {
			return
		}
		if c.v.CompareAndSwap(cur, val) {
			return
		}
	}
}

// updateMin atomically lowers the counter to min(current, val). The
// counter must be seeded to its maximum representable value before the
// first updateMin call, or every value will appear larger than "unset".
func (c *paddedCounter) updateMin(val uint64) {
	for {
		cur := c.v.Load()
		if val >= cur {
			return
		}
		if c.v.CompareAndSwap(cur, val) {
			return
		}
	}
}

// ErrorKind classifies a recorded error for the per-kind counters.
type ErrorKind int

const (
	ErrorRead ErrorKind = iota
	ErrorWrite
	ErrorMetadata
)

// Counters holds every cache-line-padded atomic field of a worker's
// statistics (§3's "Worker Statistics (per-worker)" counters list).
type Counters struct {
	ReadOps        paddedCounter
	WriteOps       paddedCounter
	ReadBytes      paddedCounter
	WriteBytes     paddedCounter
	ErrorsTotal    paddedCounter
	ErrorsRead     paddedCounter
	ErrorsWrite    paddedCounter
	ErrorsMetadata paddedCounter
	VerifyOps      paddedCounter
	VerifyFailures paddedCounter
	MinBytesPerOp  paddedCounter
	MaxBytesPerOp  paddedCounter

	CurrentQueueDepth paddedCounter
	PeakQueueDepth    paddedCounter
	QueueDepthSum     paddedCounter
	QueueDepthSamples paddedCounter
}

// NewCounters returns a zero-valued Counters with MinBytesPerOp seeded
// to its saturating maximum, so the first recorded operation always
// wins the min comparison.
func NewCounters() *Counters {
	c := &Counters{}
	c.MinBytesPerOp.store(^uint64(0))
	return c
}

// RecordIO updates the op/byte counters and the per-op min/max for a
// successful read or write.
func (c *Counters) RecordIO(isWrite bool, bytes int) {
	n := uint64(bytes)
	if isWrite {
		c.WriteOps.add(1)
		c.WriteBytes.add(n)
	} else {
		c.ReadOps.add(1)
		c.ReadBytes.add(n)
	}
	c.MinBytesPerOp.updateMin(n)
	c.MaxBytesPerOp.updateMax(n)
}

// RecordError increments the total and per-kind error counters.
func (c *Counters) RecordError(kind ErrorKind) {
	c.ErrorsTotal.add(1)
	switch kind {
	case ErrorRead:
		c.ErrorsRead.add(1)
	case ErrorWrite:
		c.ErrorsWrite.add(1)
	case ErrorMetadata:
		c.ErrorsMetadata.add(1)
	}
}

// RecordVerify counts one verification attempt and, if it failed, one
// verification failure.
func (c *Counters) RecordVerify(ok bool) {
	c.VerifyOps.add(1)
	if !ok {
		c.VerifyFailures.add(1)
	}
}

// SampleQueueDepth records the current in-flight count for both the
// peak tracker and the running average (sum / samples).
func (c *Counters) SampleQueueDepth(depth int) {
	n := uint64(depth)
	c.CurrentQueueDepth.store(n)
	c.PeakQueueDepth.updateMax(n)
	c.QueueDepthSum.add(n)
	c.QueueDepthSamples.add(1)
}

// AvgQueueDepth returns the mean sampled queue depth, or 0 if no
// samples have been taken.
func (c *Counters) AvgQueueDepth() float64 {
	samples := c.QueueDepthSamples.load()
	if samples == 0 {
		return 0
	}
	return float64(c.QueueDepthSum.load()) / float64(samples)
}

// minBytesPerOp returns 0 instead of the saturating-maximum sentinel
// when no operation has been recorded yet.
func (c *Counters) minBytesPerOp() uint64 {
	v := c.MinBytesPerOp.load()
	if v == ^uint64(0) {
		return 0
	}
	return v
}
