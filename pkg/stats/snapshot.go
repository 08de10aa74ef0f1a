// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package stats

import (
	"time"

	"github.com/iopulse/iopulse/pkg/histogram"
)

// EncodedHistograms is the fully-serializable mirror of Histograms: the
// same histograms, each encoded to the deterministic byte format every
// node agrees on.
type EncodedHistograms struct {
	Combined []byte
	Read     []byte
	Write    []byte
	Metadata [metaOpCount][]byte

	// LockAcquire is nil unless lock tracking was enabled on the source.
	LockAcquire []byte
}

func encodeHistogram(h *histogram.Histogram) []byte {
	data, err := h.Encode()
	if err != nil {
		// Encode only fails on internal corruption of the underlying
		// bucket array, which cannot happen for a histogram built via
		// histogram.New; treat as empty rather than panic the worker.
		return nil
	}
	return data
}

// Encode serializes h into an EncodedHistograms.
func (h *Histograms) Encode() EncodedHistograms {
	out := EncodedHistograms{
		Combined: encodeHistogram(h.Combined),
		Read:     encodeHistogram(h.Read),
		Write:    encodeHistogram(h.Write),
	}
	for i := range h.Metadata {
		out.Metadata[i] = encodeHistogram(h.Metadata[i])
	}
	if h.LockAcquire != nil {
		out.LockAcquire = encodeHistogram(h.LockAcquire)
	}
	return out
}

func decodeHistogramInto(dst **histogram.Histogram, data []byte) {
	if len(data) == 0 {
		return
	}
	h, err := histogram.Decode(data)
	if err != nil {
		return
	}
	*dst = h
}

// Decode reconstructs a Histograms bundle from its encoded form.
func (e EncodedHistograms) Decode() *Histograms {
	h := NewHistograms(e.LockAcquire != nil)
	decodeHistogramInto(&h.Combined, e.Combined)
	decodeHistogramInto(&h.Read, e.Read)
	decodeHistogramInto(&h.Write, e.Write)
	for i := range e.Metadata {
		decodeHistogramInto(&h.Metadata[i], e.Metadata[i])
	}
	if e.LockAcquire != nil {
		decodeHistogramInto(&h.LockAcquire, e.LockAcquire)
	}
	return h
}

// CounterValues is a plain-data copy of Counters, read atomically field
// by field.
type CounterValues struct {
	ReadOps        uint64
	WriteOps       uint64
	ReadBytes      uint64
	WriteBytes     uint64
	ErrorsTotal    uint64
	ErrorsRead     uint64
	ErrorsWrite    uint64
	ErrorsMetadata uint64
	VerifyOps      uint64
	VerifyFailures uint64
	MinBytesPerOp  uint64
	MaxBytesPerOp  uint64

	CurrentQueueDepth uint64
	PeakQueueDepth    uint64
	QueueDepthSum     uint64
	QueueDepthSamples uint64
}

// TotalBytes returns read+write bytes, the quantity invariant (iii)
// requires to equal the sum of every recorded operation's byte count.
func (c CounterValues) TotalBytes() uint64 { return c.ReadBytes + c.WriteBytes }

// Values reads out a point-in-time copy of every counter field.
func (c *Counters) Values() CounterValues {
	return CounterValues{
		ReadOps:           c.ReadOps.load(),
		WriteOps:          c.WriteOps.load(),
		ReadBytes:         c.ReadBytes.load(),
		WriteBytes:        c.WriteBytes.load(),
		ErrorsTotal:       c.ErrorsTotal.load(),
		ErrorsRead:        c.ErrorsRead.load(),
		ErrorsWrite:       c.ErrorsWrite.load(),
		ErrorsMetadata:    c.ErrorsMetadata.load(),
		VerifyOps:         c.VerifyOps.load(),
		VerifyFailures:    c.VerifyFailures.load(),
		MinBytesPerOp:     c.minBytesPerOp(),
		MaxBytesPerOp:     c.MaxBytesPerOp.load(),
		CurrentQueueDepth: c.CurrentQueueDepth.load(),
		PeakQueueDepth:    c.PeakQueueDepth.load(),
		QueueDepthSum:     c.QueueDepthSum.load(),
		QueueDepthSamples: c.QueueDepthSamples.load(),
	}
}

// merge folds other into c by value, used when combining CounterValues
// that were already read out from live atomics (node/coordinator
// aggregation, where there is no longer a live *Counters to add into).
func (c CounterValues) merge(other CounterValues) CounterValues {
	min := c.MinBytesPerOp
	if other.MinBytesPerOp != 0 && (min == 0 || other.MinBytesPerOp < min) {
		min = other.MinBytesPerOp
	}
	max := c.MaxBytesPerOp
	if other.MaxBytesPerOp > max {
		max = other.MaxBytesPerOp
	}
	peakQD := c.PeakQueueDepth
	if other.PeakQueueDepth > peakQD {
		peakQD = other.PeakQueueDepth
	}
	return CounterValues{
		ReadOps:           c.ReadOps + other.ReadOps,
		WriteOps:          c.WriteOps + other.WriteOps,
		ReadBytes:         c.ReadBytes + other.ReadBytes,
		WriteBytes:        c.WriteBytes + other.WriteBytes,
		ErrorsTotal:       c.ErrorsTotal + other.ErrorsTotal,
		ErrorsRead:        c.ErrorsRead + other.ErrorsRead,
		ErrorsWrite:       c.ErrorsWrite + other.ErrorsWrite,
		ErrorsMetadata:    c.ErrorsMetadata + other.ErrorsMetadata,
		VerifyOps:         c.VerifyOps + other.VerifyOps,
		VerifyFailures:    c.VerifyFailures + other.VerifyFailures,
		MinBytesPerOp:     min,
		MaxBytesPerOp:     max,
		CurrentQueueDepth: c.CurrentQueueDepth + other.CurrentQueueDepth,
		PeakQueueDepth:    peakQD,
		QueueDepthSum:     c.QueueDepthSum + other.QueueDepthSum,
		QueueDepthSamples: c.QueueDepthSamples + other.QueueDepthSamples,
	}
}

// Snapshot is a fully-serializable mirror of WorkerStats: the same
// fields, with histograms encoded as byte strings and the heatmap/
// coverage sets copied out to plain maps.
type Snapshot struct {
	WorkerID   int
	Counters   CounterValues
	Histograms EncodedHistograms
	Heatmap    map[uint64]uint64
	Coverage   map[uint64]struct{}
	Duration   time.Duration
	Resource   ResourceUsage
}

// Snapshot reads out an immutable copy of ws suitable for serialization
// or cross-goroutine sharing.
func (ws *WorkerStats) Snapshot(now time.Time, resource ResourceUsage) Snapshot {
	snap := Snapshot{
		WorkerID:   ws.WorkerID,
		Counters:   ws.Counters.Values(),
		Histograms: ws.Histograms.Encode(),
		Duration:   ws.Duration(now),
		Resource:   resource,
	}
	if ws.Heatmap != nil {
		snap.Heatmap = ws.Heatmap.Snapshot()
	}
	if ws.Coverage != nil {
		snap.Coverage = ws.Coverage.Snapshot()
	}
	return snap
}

// Merge combines two Snapshots from the same logical worker (or, during
// node/coordinator aggregation, two already-merged aggregates) into a
// new Snapshot. Duration takes the maximum of the two, per the
// multi-node convention of reporting the longest-running node's wall
// clock.
func Merge(a, b Snapshot) Snapshot {
	out := Snapshot{
		WorkerID: a.WorkerID,
		Counters: a.Counters.merge(b.Counters),
		Duration: maxDuration(a.Duration, b.Duration),
		Resource: ResourceUsage{
			CPUPercent: a.Resource.CPUPercent + b.Resource.CPUPercent,
			RSSBytes:   a.Resource.RSSBytes + b.Resource.RSSBytes,
			PeakRSS:    maxUint64(a.Resource.PeakRSS, b.Resource.PeakRSS),
		},
	}

	ha, hb := a.Histograms.Decode(), b.Histograms.Decode()
	ha.Merge(hb)
	out.Histograms = ha.Encode()

	if a.Heatmap != nil || b.Heatmap != nil {
		out.Heatmap = mergeUint64Maps(a.Heatmap, b.Heatmap)
	}
	if a.Coverage != nil || b.Coverage != nil {
		out.Coverage = mergeSets(a.Coverage, b.Coverage)
	}
	return out
}

func mergeUint64Maps(a, b map[uint64]uint64) map[uint64]uint64 {
	out := make(map[uint64]uint64, len(a)+len(b))
	for k, v := range a {
		out[k] += v
	}
	for k, v := range b {
		out[k] += v
	}
	return out
}

func mergeSets(a, b map[uint64]struct{}) map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// SaturatingSub computes a non-negative delta between two cumulative
// counter readings, clamping to 0 instead of wrapping when current
// regresses below previous — invariant (iv), applied when a coordinator diffs consecutive
// heartbeat snapshots from the same worker.
func SaturatingSub(current, previous uint64) uint64 {
	if current < previous {
		return 0
	}
	return current - previous
}

// NodeResults is a node's contribution to a distributed run: its
// wall-clock duration, every worker's final snapshot, and an aggregate
// already merged across those workers.
type NodeResults struct {
	NodeID    string
	Duration  time.Duration
	Workers   []Snapshot
	Aggregate Snapshot
}

// NewNodeResults builds a NodeResults from a node's final per-worker
// snapshots, merging them into the Aggregate field.
func NewNodeResults(nodeID string, duration time.Duration, workers []Snapshot) NodeResults {
	nr := NodeResults{NodeID: nodeID, Duration: duration, Workers: workers}
	if len(workers) == 0 {
		return nr
	}
	agg := workers[0]
	for _, w := range workers[1:] {
		agg = Merge(agg, w)
	}
	agg.Duration = duration
	nr.Aggregate = agg
	return nr
}

// TimeSeriesSnapshot is the point-in-time view published in heartbeats
// and the final time-series output: cumulative counters, derived average
// latency, cloned histograms, and (when per-worker breakdown is enabled)
// the individual worker snapshots that were combined to produce it.
type TimeSeriesSnapshot struct {
	Elapsed         time.Duration
	ReadOps         uint64
	WriteOps        uint64
	ReadBytes       uint64
	WriteBytes      uint64
	AvgLatency      time.Duration
	CombinedLatency *histogram.Histogram
	ReadLatency     *histogram.Histogram
	WriteLatency    *histogram.Histogram
	MetadataLatency [metaOpCount]*histogram.Histogram
	PerWorker       []Snapshot
	CPUPercent      float64
	MemoryBytes     uint64
}

// NewTimeSeriesSnapshot builds a TimeSeriesSnapshot from a Snapshot
// aggregate, cloning its histograms so the result is independent of any
// subsequently-mutated live state.
func NewTimeSeriesSnapshot(elapsed time.Duration, agg Snapshot, perWorker []Snapshot) TimeSeriesSnapshot {
	h := agg.Histograms.Decode()
	ts := TimeSeriesSnapshot{
		Elapsed:         elapsed,
		ReadOps:         agg.Counters.ReadOps,
		WriteOps:        agg.Counters.WriteOps,
		ReadBytes:       agg.Counters.ReadBytes,
		WriteBytes:      agg.Counters.WriteBytes,
		CombinedLatency: h.Combined,
		ReadLatency:     h.Read,
		WriteLatency:    h.Write,
		MetadataLatency: h.Metadata,
		PerWorker:       perWorker,
		CPUPercent:      agg.Resource.CPUPercent,
		MemoryBytes:     agg.Resource.RSSBytes,
	}
	if h.Combined.Count() > 0 {
		ts.AvgLatency = h.Combined.Mean()
	}
	return ts
}
