// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package protocol

import (
	"github.com/iopulse/iopulse/pkg/stats"
	"github.com/iopulse/iopulse/pkg/target"
	"github.com/iopulse/iopulse/pkg/worker"
)

// PrepareFiles asks a node to create/fill/pre-allocate files (or a byte
// range of one shared file) before the run's Config is sent.
type PrepareFiles struct {
	NodeID    string
	Files     []string
	FileSize  int64
	StartByte int64
	EndByte   int64 // exclusive; 0 means "whole file" (use FileSize)
	Pattern   target.RefillPattern
	FillFiles bool
}

// FilesReady is a node's response once PrepareFiles has completed.
type FilesReady struct {
	NodeID       string
	FilesCreated int
	FilesFilled  int
	DurationNS   int64
}

// Config carries the full run configuration a node needs to build and
// start its workers, including the contiguous global worker-id range
// this node owns.
type Config struct {
	NodeID            string
	EngineName        string // one of "sync", "uring", "libaio", "mmap"
	TargetPath        string
	WorkerConfig      worker.Config
	WorkerIDStart     int
	WorkerIDEnd       int // exclusive
	GlobalWorkerCount int
	FileList          []string
	FileRangeStart    int64
	FileRangeEnd      int64
	SkipPreallocation bool
}

// Ready is a node's response to Config, completing the readiness barrier.
type Ready struct {
	NodeID     string
	NumWorkers int
	OK         bool
}

// Start tells every ready node the wall-clock instant (nanoseconds since
// the Unix epoch) at which workers should begin.
type Start struct {
	StartTimestampNS int64
}

// Heartbeat is a node's periodic (1 Hz) progress report: the cumulative
// aggregate snapshot across its workers, and each worker's individual
// snapshot.
type Heartbeat struct {
	NodeID    string
	ElapsedNS int64
	Aggregate stats.Snapshot
	PerWorker []stats.Snapshot // one entry per worker, always filled in by the node
}

// HeartbeatAck is defined for wire completeness but unused by the
// current simplified coordinator, which does not acknowledge heartbeats.
type HeartbeatAck struct{}

// Stop tells a node to finish in-flight operations and report Results.
type Stop struct{}

// Results is a node's final report, sent after Stop or once every worker
// has finished on its own.
type Results struct {
	NodeID     string
	DurationNS int64
	PerWorker  []stats.Snapshot
	Aggregate  stats.Snapshot
}

// Error reports a fatal condition a node hit and is about to disconnect
// after sending.
type Error struct {
	NodeID    string
	Message   string
	ElapsedNS int64
}
