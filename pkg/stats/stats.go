// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package stats

import (
	"sync"
	"time"
)

func nsAsDuration(nanos int64) time.Duration { return time.Duration(nanos) }

// Heatmap tallies per-block access counts. It is optional: a run only
// allocates one when block-level access visualization was requested,
// since the map grows with the addressable range of the target rather
// than with a fixed budget.
type Heatmap struct {
	mu     sync.Mutex
	counts map[uint64]uint64
}

// NewHeatmap allocates an empty heatmap.
func NewHeatmap() *Heatmap {
	return &Heatmap{counts: make(map[uint64]uint64)}
}

// Record increments the access count for blockIndex.
func (h *Heatmap) Record(blockIndex uint64) {
	h.mu.Lock()
	h.counts[blockIndex]++
	h.mu.Unlock()
}

// Snapshot returns a copy of the current counts, safe to read without
// holding the heatmap's lock.
func (h *Heatmap) Snapshot() map[uint64]uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[uint64]uint64, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}

// Merge adds other's counts into h.
func (h *Heatmap) Merge(other map[uint64]uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, v := range other {
		h.counts[k] += v
	}
}

// Coverage tracks the set of distinct blocks touched during a run. Like
// Heatmap it is optional and only allocated when coverage reporting was
// requested, since tracking every distinct block touched over a large
// random-access run can itself become a meaningful memory cost.
type Coverage struct {
	mu      sync.Mutex
	touched map[uint64]struct{}
}

// NewCoverage allocates an empty coverage tracker.
func NewCoverage() *Coverage {
	return &Coverage{touched: make(map[uint64]struct{})}
}

// Record marks blockIndex as touched.
func (c *Coverage) Record(blockIndex uint64) {
	c.mu.Lock()
	c.touched[blockIndex] = struct{}{}
	c.mu.Unlock()
}

// Snapshot returns a copy of the touched set.
func (c *Coverage) Snapshot() map[uint64]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint64]struct{}, len(c.touched))
	for k := range c.touched {
		out[k] = struct{}{}
	}
	return out
}

// Merge unions other's touched set into c.
func (c *Coverage) Merge(other map[uint64]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range other {
		c.touched[k] = struct{}{}
	}
}

// CoveragePercentage reports the fraction of totalBlocks touched, in [0, 100].
func CoveragePercentage(touched map[uint64]struct{}, totalBlocks uint64) float64 {
	if totalBlocks == 0 {
		return 0
	}
	return 100 * float64(len(touched)) / float64(totalBlocks)
}

// WorkerStats is the live, mutable statistics state owned by a single
// worker for the duration of a run. Heatmap and Coverage are nil unless
// the run configuration requested them.
type WorkerStats struct {
	WorkerID   int
	Counters   *Counters
	Histograms *Histograms
	Heatmap    *Heatmap
	Coverage   *Coverage

	startedAt time.Time
}

// NewWorkerStats constructs a WorkerStats with freshly allocated
// counters and histograms. trackLocks, trackHeatmap and trackCoverage
// independently enable their respective optional facilities.
func NewWorkerStats(workerID int, trackLocks, trackHeatmap, trackCoverage bool) *WorkerStats {
	ws := &WorkerStats{
		WorkerID:   workerID,
		Counters:   NewCounters(),
		Histograms: NewHistograms(trackLocks),
		startedAt:  time.Time{},
	}
	if trackHeatmap {
		ws.Heatmap = NewHeatmap()
	}
	if trackCoverage {
		ws.Coverage = NewCoverage()
	}
	return ws
}

// Start marks the beginning of the measured run, for Duration().
func (ws *WorkerStats) Start(now time.Time) { ws.startedAt = now }

// Duration returns the wall-clock elapsed time since Start, relative to
// now.
func (ws *WorkerStats) Duration(now time.Time) time.Duration {
	if ws.startedAt.IsZero() {
		return 0
	}
	return now.Sub(ws.startedAt)
}

// RecordCompletion folds one completed I/O operation's result into the
// counters, the latency histogram, and (if enabled) the heatmap.
func (ws *WorkerStats) RecordCompletion(isWrite bool, bytes int, latencyNanos int64, blockIndex uint64, ioErr error, kind ErrorKind) {
	if ioErr != nil {
		ws.Counters.RecordError(kind)
		return
	}
	ws.Counters.RecordIO(isWrite, bytes)
	ws.Histograms.RecordIO(isWrite, latencyNanos)
	if ws.Heatmap != nil {
		ws.Heatmap.Record(blockIndex)
	}
	if ws.Coverage != nil {
		ws.Coverage.Record(blockIndex)
	}
}
