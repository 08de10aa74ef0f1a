// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package stats_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iopulse/iopulse/pkg/stats"
)

func TestCountersAccumulateAcrossOperations(t *testing.T) {
	c := stats.NewCounters()
	c.RecordIO(false, 4096)
	c.RecordIO(true, 8192)
	c.RecordIO(false, 1024)

	v := c.Values()
	assert.Equal(t, uint64(2), v.ReadOps)
	assert.Equal(t, uint64(1), v.WriteOps)
	assert.Equal(t, uint64(5120), v.ReadBytes)
	assert.Equal(t, uint64(8192), v.WriteBytes)
	assert.Equal(t, v.ReadBytes+v.WriteBytes, v.TotalBytes())
	assert.Equal(t, uint64(1024), v.MinBytesPerOp)
	assert.Equal(t, uint64(8192), v.MaxBytesPerOp)
}

func TestCountersMinBytesPerOpUnsetReturnsZero(t *testing.T) {
	c := stats.NewCounters()
	assert.Equal(t, uint64(0), c.Values().MinBytesPerOp)
}

func TestCountersErrorsPerKind(t *testing.T) {
	c := stats.NewCounters()
	c.RecordError(stats.ErrorRead)
	c.RecordError(stats.ErrorWrite)
	c.RecordError(stats.ErrorMetadata)
	c.RecordError(stats.ErrorRead)

	v := c.Values()
	assert.Equal(t, uint64(4), v.ErrorsTotal)
	assert.Equal(t, uint64(2), v.ErrorsRead)
	assert.Equal(t, uint64(1), v.ErrorsWrite)
	assert.Equal(t, uint64(1), v.ErrorsMetadata)
}

func TestCountersVerify(t *testing.T) {
	c := stats.NewCounters()
	c.RecordVerify(true)
	c.RecordVerify(false)
	c.RecordVerify(false)

	v := c.Values()
	assert.Equal(t, uint64(3), v.VerifyOps)
	assert.Equal(t, uint64(2), v.VerifyFailures)
}

func TestQueueDepthTracking(t *testing.T) {
	c := stats.NewCounters()
	c.SampleQueueDepth(4)
	c.SampleQueueDepth(10)
	c.SampleQueueDepth(2)

	v := c.Values()
	assert.Equal(t, uint64(2), v.CurrentQueueDepth)
	assert.Equal(t, uint64(10), v.PeakQueueDepth)
	assert.InDelta(t, 16.0/3, c.AvgQueueDepth(), 0.001)
}

func TestHistogramsRecordRoutesByDirection(t *testing.T) {
	h := stats.NewHistograms(false)
	h.RecordIO(false, int64(5*time.Millisecond))
	h.RecordIO(true, int64(10*time.Millisecond))

	assert.Equal(t, int64(2), h.Combined.Count())
	assert.Equal(t, int64(1), h.Read.Count())
	assert.Equal(t, int64(1), h.Write.Count())
}

func TestHistogramsLockAcquireOnlyWhenEnabled(t *testing.T) {
	withLocks := stats.NewHistograms(true)
	require.NotNil(t, withLocks.LockAcquire)
	withLocks.RecordLockAcquire(int64(time.Millisecond))
	assert.Equal(t, int64(1), withLocks.LockAcquire.Count())

	withoutLocks := stats.NewHistograms(false)
	assert.Nil(t, withoutLocks.LockAcquire)
	withoutLocks.RecordLockAcquire(int64(time.Millisecond)) // must not panic
}

func TestHistogramsMetadataOpRouting(t *testing.T) {
	h := stats.NewHistograms(false)
	h.RecordMetadataOp(stats.MetaMkdir, int64(time.Millisecond))
	h.RecordMetadataOp(stats.MetaFsync, int64(2*time.Millisecond))

	assert.Equal(t, int64(1), h.Metadata[stats.MetaMkdir].Count())
	assert.Equal(t, int64(1), h.Metadata[stats.MetaFsync].Count())
	assert.Equal(t, int64(0), h.Metadata[stats.MetaStat].Count())
}

func TestHeatmapRecordsAndMerges(t *testing.T) {
	hm := stats.NewHeatmap()
	hm.Record(10)
	hm.Record(10)
	hm.Record(20)

	snap := hm.Snapshot()
	assert.Equal(t, uint64(2), snap[10])
	assert.Equal(t, uint64(1), snap[20])

	other := stats.NewHeatmap()
	other.Record(10)
	hm.Merge(other.Snapshot())
	assert.Equal(t, uint64(3), hm.Snapshot()[10])
}

func TestCoverageTracksDistinctBlocksAndPercentage(t *testing.T) {
	cov := stats.NewCoverage()
	cov.Record(1)
	cov.Record(2)
	cov.Record(1)

	snap := cov.Snapshot()
	assert.Len(t, snap, 2)
	assert.InDelta(t, 20.0, stats.CoveragePercentage(snap, 10), 0.001)
}

func TestWorkerStatsRecordCompletionSuccessAndFailure(t *testing.T) {
	ws := stats.NewWorkerStats(0, false, true, true)
	ws.RecordCompletion(false, 4096, int64(time.Millisecond), 7, nil, 0)
	ws.RecordCompletion(true, 4096, 0, 0, assertError{}, stats.ErrorWrite)

	v := ws.Counters.Values()
	assert.Equal(t, uint64(1), v.ReadOps)
	assert.Equal(t, uint64(1), v.ErrorsWrite)
	assert.Equal(t, uint64(1), v.ErrorsTotal)
	assert.Equal(t, uint64(1), ws.Heatmap.Snapshot()[7])
	assert.Contains(t, ws.Coverage.Snapshot(), uint64(7))
}

type assertError struct{}

func (assertError) Error() string { return "injected" }

func TestSnapshotRoundTripsHistogramsThroughEncoding(t *testing.T) {
	ws := stats.NewWorkerStats(1, false, false, false)
	ws.Start(time.Now())
	ws.RecordCompletion(false, 4096, int64(3*time.Millisecond), 0, nil, 0)

	snap := ws.Snapshot(time.Now().Add(time.Second), stats.ResourceUsage{CPUPercent: 12.5, RSSBytes: 1024})

	decoded := snap.Histograms.Decode()
	require.Equal(t, int64(1), decoded.Combined.Count())
	assert.Equal(t, uint64(1), snap.Counters.ReadOps)
	assert.InDelta(t, time.Second, snap.Duration, float64(50*time.Millisecond))
}

func TestMergeCombinesCountersHistogramsAndOptionalSets(t *testing.T) {
	a := stats.NewWorkerStats(0, false, true, true)
	a.RecordCompletion(false, 1000, int64(time.Millisecond), 1, nil, 0)
	snapA := a.Snapshot(time.Now(), stats.ResourceUsage{RSSBytes: 100, PeakRSS: 200})

	b := stats.NewWorkerStats(0, false, true, true)
	b.RecordCompletion(true, 2000, int64(2*time.Millisecond), 2, nil, 0)
	snapB := b.Snapshot(time.Now(), stats.ResourceUsage{RSSBytes: 50, PeakRSS: 300})

	merged := stats.Merge(snapA, snapB)
	assert.Equal(t, uint64(1), merged.Counters.ReadOps)
	assert.Equal(t, uint64(1), merged.Counters.WriteOps)
	assert.Equal(t, uint64(3000), merged.Counters.TotalBytes())
	assert.Equal(t, uint64(150), merged.Resource.RSSBytes)
	assert.Equal(t, uint64(300), merged.Resource.PeakRSS)

	decoded := merged.Histograms.Decode()
	assert.Equal(t, int64(2), decoded.Combined.Count())

	assert.Len(t, merged.Heatmap, 2)
	assert.Len(t, merged.Coverage, 2)
}

func TestNewNodeResultsAggregatesWorkers(t *testing.T) {
	w1 := stats.NewWorkerStats(0, false, false, false)
	w1.RecordCompletion(false, 1000, int64(time.Millisecond), 0, nil, 0)
	snap1 := w1.Snapshot(time.Now(), stats.ResourceUsage{})

	w2 := stats.NewWorkerStats(1, false, false, false)
	w2.RecordCompletion(true, 2000, int64(time.Millisecond), 0, nil, 0)
	snap2 := w2.Snapshot(time.Now(), stats.ResourceUsage{})

	nr := stats.NewNodeResults("node-a", 5*time.Second, []stats.Snapshot{snap1, snap2})
	assert.Len(t, nr.Workers, 2)
	assert.Equal(t, 5*time.Second, nr.Aggregate.Duration)
	assert.Equal(t, uint64(3000), nr.Aggregate.Counters.TotalBytes())
}

func TestNewTimeSeriesSnapshotDerivesAvgLatency(t *testing.T) {
	w := stats.NewWorkerStats(0, false, false, false)
	w.RecordCompletion(false, 4096, int64(2*time.Millisecond), 0, nil, 0)
	w.RecordCompletion(false, 4096, int64(4*time.Millisecond), 0, nil, 0)
	snap := w.Snapshot(time.Now(), stats.ResourceUsage{CPUPercent: 10, RSSBytes: 2048})

	ts := stats.NewTimeSeriesSnapshot(time.Second, snap, nil)
	assert.Equal(t, uint64(2), ts.ReadOps)
	assert.Greater(t, ts.AvgLatency, time.Duration(0))
	assert.Equal(t, 10.0, ts.CPUPercent)
	assert.Equal(t, uint64(2048), ts.MemoryBytes)
}

func TestSaturatingSubClampsInsteadOfWrapping(t *testing.T) {
	assert.Equal(t, uint64(5), stats.SaturatingSub(10, 5))
	assert.Equal(t, uint64(0), stats.SaturatingSub(5, 10))
	assert.Equal(t, uint64(0), stats.SaturatingSub(5, 5))
}

func TestResourceSamplerFirstSampleReportsNoCPUPercent(t *testing.T) {
	rs := stats.NewResourceSampler("/proc")
	usage, err := rs.Sample()
	require.NoError(t, err)
	assert.Equal(t, 0.0, usage.CPUPercent)
	assert.GreaterOrEqual(t, usage.RSSBytes, uint64(0))
}
