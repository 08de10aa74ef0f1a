// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package worker

import (
	"math/rand/v2"
	"time"

	"github.com/iopulse/iopulse/pkg/distribution"
	"github.com/iopulse/iopulse/pkg/target"
)

// Criterion selects how a worker decides it is done.
type Criterion int

const (
	// CriterionDuration stops once elapsed wall time reaches Config.Duration.
	CriterionDuration Criterion = iota
	// CriterionTotalBytes stops once total bytes transferred reaches Config.TotalBytes.
	CriterionTotalBytes
	// CriterionRunUntilComplete stops once the assigned partition, file, or
	// file list has been fully visited once.
	CriterionRunUntilComplete
)

// FileListMode selects how a worker picks its next file in file-list mode.
type FileListMode int

const (
	// FileListNone means the worker operates on a single target, not a list.
	FileListNone FileListMode = iota
	// FileListShared means every worker draws uniformly at random from the
	// full file list.
	FileListShared
	// FileListPartitioned means each worker wraps sequentially through its
	// own assigned slice of the file list.
	FileListPartitioned
)

// SizeWeight is one entry of a weighted block-size distribution: Size in
// bytes, with relative selection probability Weight.
type SizeWeight struct {
	Size   int
	Weight float64
}

// ThinkTime configures an optional pacing delay applied every N
// operations, either a fixed duration or a fraction of the most recently
// observed I/O latency.
type ThinkTime struct {
	EveryNOps   uint64
	Fixed       time.Duration
	AdaptivePct float64 // fraction of last op's latency, used when Fixed == 0
}

// Config parameterizes one worker's run. It is built by the node service
// from the distributed Config message (or directly by a standalone CLI
// run) and is immutable once passed to New.
type Config struct {
	WorkerID          int
	GlobalWorkerID    int
	GlobalWorkerCount int

	QueueDepth int
	ReadPct    float64 // fraction of ops that are reads, in [0,1]
	Sizes      []SizeWeight
	DistSpec   distribution.Spec

	Pattern  target.RefillPattern
	Verify   bool
	LockMode target.LockMode

	Criterion  Criterion
	Duration   time.Duration
	TotalBytes uint64

	ContinueOnError bool
	MaxErrors       uint64

	// AutoRefill allows Init to grow/fill a zero-length or too-small
	// single-file target with the configured pattern instead of rejecting
	// it outright, per spec.md §4.5.
	AutoRefill bool

	Think ThinkTime

	FileList     FileListMode
	Files        []string
	PerWorkerTag bool // append a worker-id suffix and only touch own files

	TrackHeatmap  bool
	TrackCoverage bool

	// SnapshotEveryOps is how often (in completed ops) the live snapshot is
	// republished for the monitoring thread. The CLI sets 1 for the sync
	// engine at queue depth 1 (to keep the UI responsive at low IOPS),
	// whether or not the target uses direct I/O, and 1000 otherwise.
	SnapshotEveryOps uint64

	Seed uint64
}

// defaultBlockSize is used when Sizes is empty.
const defaultBlockSize = 4096

// pickSize performs a weighted choice over cfg.Sizes, falling back to
// defaultBlockSize when none are configured.
func (c *Config) pickSize(rng *rand.Rand) int {
	if len(c.Sizes) == 0 {
		return defaultBlockSize
	}
	var total float64
	for _, s := range c.Sizes {
		total += s.Weight
	}
	if total <= 0 {
		return c.Sizes[0].Size
	}
	r := rng.Float64() * total
	for _, s := range c.Sizes {
		r -= s.Weight
		if r <= 0 {
			return s.Size
		}
	}
	return c.Sizes[len(c.Sizes)-1].Size
}

// largestSize returns the biggest configured block size, falling back to
// defaultBlockSize when none are configured. Init uses it to size the
// minimum usable target: if the partition can't fit even one operation
// at the largest configured size, every op of that size would stall
// forever.
func (c *Config) largestSize() int {
	largest := 0
	for _, s := range c.Sizes {
		if s.Size > largest {
			largest = s.Size
		}
	}
	if largest == 0 {
		return defaultBlockSize
	}
	return largest
}

// pickIsWrite performs a weighted coin flip between read and write.
func (c *Config) pickIsWrite(rng *rand.Rand) bool {
	return rng.Float64() >= c.ReadPct
}
