// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package coordinator implements the coordinator (C9): it connects to every
// node, distributes configuration, barriers them on a synchronized start,
// collects heartbeats into a per-node time series, and aggregates final
// results.
package coordinator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/iopulse/iopulse/pkg/ioerr"
	"github.com/iopulse/iopulse/pkg/layout"
	"github.com/iopulse/iopulse/pkg/protocol"
	"github.com/iopulse/iopulse/pkg/stats"
	"github.com/iopulse/iopulse/pkg/target"
	"github.com/iopulse/iopulse/pkg/worker"
)

// startDelay is how far in the future the synchronized start timestamp is
// set, giving every node time to receive and act on the Start message.
const startDelay = 100 * time.Millisecond

// stopDrainWait is how long the coordinator waits after sending Stop
// before it expects nodes to have finished draining in-flight operations.
const stopDrainWait = 500 * time.Millisecond

// readTimeout bounds each heartbeat-loop read so a node that goes quiet
// doesn't block the loop from noticing context cancellation.
const readTimeout = time.Second

// completionPollInterval is how often the coordinator checks whether every
// node has reported Results when no fixed test duration bounds the wait
// (total-bytes and run-until-complete criteria finish on their own
// schedule, not the coordinator's).
const completionPollInterval = 200 * time.Millisecond

// defaultWarmupDiscard is how much of the run's start is treated as a
// startup artifact: the first heartbeat received within this window is
// dropped from the time series rather than appended. spec.md fixes this
// at 500ms; a rewrite gains nothing by hardcoding it, so it is exposed as
// a field instead.
const defaultWarmupDiscard = 500 * time.Millisecond

// Coordinator drives a distributed run across a set of node-service
// connections.
type Coordinator struct {
	Logger        logr.Logger
	WarmupDiscard time.Duration
}

// New constructs a Coordinator with the default warmup discard window.
func New(logger logr.Logger) *Coordinator {
	return &Coordinator{Logger: logger, WarmupDiscard: defaultWarmupDiscard}
}

// DatasetRequest optionally asks the coordinator to build a file-list
// dataset before distributing Config, either by generating a fresh tree
// or loading an existing manifest.
type DatasetRequest struct {
	Generate     *layout.Spec
	ManifestPath string
	Fill         bool
	Pattern      target.RefillPattern

	// CacheDir, if set, opens a layout.ManifestCache there: the
	// coordinator logs when ManifestPath still matches its last recorded
	// fingerprint and records the fingerprint again. A manifest dataset is
	// read and used as it is either way; it is never prepared or filled.
	CacheDir string
}

// SharedFilePrealloc asks the coordinator to partition preallocation (and
// optional fill) of a single large shared target across every node,
// issuing PrepareFiles in parallel rather than relying on one node to pay
// the whole cost.
type SharedFilePrealloc struct {
	FileSize int64
	Fill     bool
	Pattern  target.RefillPattern
}

// RunConfig parameterizes one coordinated run.
type RunConfig struct {
	NodeAddrs  []string
	EngineName string
	TargetPath string

	// Workers is the shared worker configuration template sent to every
	// node; WorkerID/GlobalWorkerID are overwritten per node by the node
	// service itself, and GlobalWorkerCount is overwritten here.
	Workers      worker.Config
	TotalWorkers int

	Dataset  *DatasetRequest
	Shared   *SharedFilePrealloc
	PerNode  bool // set from -per-worker; not sent to nodes, which always include per-worker snapshots in heartbeats and Results
}

// Report is the coordinator's final output: per-node results, a combined
// aggregate, and a per-node heartbeat time series.
type Report struct {
	Duration   time.Duration
	PerNode    []stats.NodeResults
	Aggregate  stats.Snapshot
	TimeSeries map[string][]stats.TimeSeriesSnapshot
}

type nodeConn struct {
	id            string
	addr          string
	conn          net.Conn
	workerIDStart int
	workerIDEnd   int
}

func (n *nodeConn) writeMsg(msgType protocol.Type, payload any) error {
	return protocol.WriteMessage(n.conn, msgType, payload)
}

type nodeSession struct {
	mu         sync.Mutex
	lastCum    stats.Snapshot
	haveLast   bool
	series     []stats.TimeSeriesSnapshot
	results    *protocol.Results
	err        error
}

func (s *nodeSession) recordHeartbeat(hb protocol.Heartbeat, warmup time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Duration(hb.ElapsedNS)
	if elapsed < warmup && !s.haveLast {
		s.lastCum = hb.Aggregate
		s.haveLast = true
		return
	}

	delta := hb.Aggregate
	if s.haveLast {
		delta.Counters = deltaCounterValues(hb.Aggregate.Counters, s.lastCum.Counters)
	}
	s.lastCum = hb.Aggregate
	s.haveLast = true

	ts := stats.NewTimeSeriesSnapshot(elapsed, delta, hb.PerWorker)
	s.series = append(s.series, ts)
}

func (s *nodeSession) setResults(r protocol.Results) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = &r
}

func (s *nodeSession) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *nodeSession) done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results != nil || s.err != nil
}

// deltaCounterValues computes a non-negative, field-by-field delta
// between two cumulative readings from the same node, per invariant (iv).
func deltaCounterValues(cur, prev stats.CounterValues) stats.CounterValues {
	return stats.CounterValues{
		ReadOps:           stats.SaturatingSub(cur.ReadOps, prev.ReadOps),
		WriteOps:          stats.SaturatingSub(cur.WriteOps, prev.WriteOps),
		ReadBytes:         stats.SaturatingSub(cur.ReadBytes, prev.ReadBytes),
		WriteBytes:        stats.SaturatingSub(cur.WriteBytes, prev.WriteBytes),
		ErrorsTotal:       stats.SaturatingSub(cur.ErrorsTotal, prev.ErrorsTotal),
		ErrorsRead:        stats.SaturatingSub(cur.ErrorsRead, prev.ErrorsRead),
		ErrorsWrite:       stats.SaturatingSub(cur.ErrorsWrite, prev.ErrorsWrite),
		ErrorsMetadata:    stats.SaturatingSub(cur.ErrorsMetadata, prev.ErrorsMetadata),
		VerifyOps:         stats.SaturatingSub(cur.VerifyOps, prev.VerifyOps),
		VerifyFailures:    stats.SaturatingSub(cur.VerifyFailures, prev.VerifyFailures),
		MinBytesPerOp:     cur.MinBytesPerOp,
		MaxBytesPerOp:     cur.MaxBytesPerOp,
		CurrentQueueDepth: cur.CurrentQueueDepth,
		PeakQueueDepth:    cur.PeakQueueDepth,
		QueueDepthSum:     stats.SaturatingSub(cur.QueueDepthSum, prev.QueueDepthSum),
		QueueDepthSamples: stats.SaturatingSub(cur.QueueDepthSamples, prev.QueueDepthSamples),
	}
}

// Run executes one coordinated test against cfg.NodeAddrs and returns the
// combined report, or the first fatal error any stage of the protocol
// produced.
func (c *Coordinator) Run(ctx context.Context, cfg RunConfig) (*Report, error) {
	if c.WarmupDiscard == 0 {
		c.WarmupDiscard = defaultWarmupDiscard
	}

	nodes, err := c.dialAll(ctx, cfg.NodeAddrs)
	if err != nil {
		return nil, err
	}
	defer closeAll(nodes)

	fileList, err := c.prepareDataset(cfg.Dataset)
	if err != nil {
		return nil, err
	}

	if cfg.Shared != nil && len(nodes) > 1 {
		if err := c.preallocateShared(ctx, nodes, cfg); err != nil {
			return nil, err
		}
	}

	assignWorkerRanges(nodes, cfg.TotalWorkers)

	if err := c.sendConfigs(nodes, cfg, fileList); err != nil {
		return nil, err
	}
	if err := c.waitReady(ctx, nodes); err != nil {
		return nil, err
	}

	startAt := time.Now().Add(startDelay)
	if err := c.sendStart(nodes, startAt); err != nil {
		return nil, err
	}

	sessions := make([]*nodeSession, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		sessions[i] = &nodeSession{}
		wg.Add(1)
		go func(i int, n *nodeConn) {
			defer wg.Done()
			c.readLoop(ctx, n, sessions[i])
		}(i, n)
	}

	c.waitForCompletion(ctx, cfg.Workers, sessions)

	for _, n := range nodes {
		_ = n.writeMsg(protocol.TypeStop, protocol.Stop{})
	}
	select {
	case <-time.After(stopDrainWait):
	case <-ctx.Done():
	}

	wg.Wait()

	return c.buildReport(nodes, sessions)
}

// dialAll connects to every node address in parallel, retrying each dial
// with exponential backoff so a node that is still starting up doesn't
// abort the whole run.
func (c *Coordinator) dialAll(ctx context.Context, addrs []string) ([]*nodeConn, error) {
	nodes := make([]*nodeConn, len(addrs))
	errs := make([]error, len(addrs))

	var wg sync.WaitGroup
	for i, addr := range addrs {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			var d net.Dialer
			conn, err := backoff.Retry(ctx, func() (net.Conn, error) {
				conn, err := d.DialContext(ctx, "tcp", addr)
				if err != nil {
					c.Logger.V(1).Info("dial failed, retrying", "addr", addr, "error", err.Error())
					return nil, err
				}
				return conn, nil
			}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
			if err != nil {
				errs[i] = ioerr.Newf(ioerr.Transport, err, "coordinator: failed to dial node %s", addr)
				return
			}
			nodes[i] = &nodeConn{id: fmt.Sprintf("node-%d", i), addr: addr, conn: conn}
		}(i, addr)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			closeAll(nodes)
			return nil, err
		}
	}
	return nodes, nil
}

func closeAll(nodes []*nodeConn) {
	for _, n := range nodes {
		if n != nil && n.conn != nil {
			_ = n.conn.Close()
		}
	}
}

// prepareDataset generates or loads a file-list dataset locally. This
// assumes the dataset lives on storage reachable from the coordinator
// (e.g. a shared mount). Datasets on node-local storage are not handled:
// the only PrepareFiles round trip the coordinator issues is
// SharedFilePrealloc's, for a single shared target.
func (c *Coordinator) prepareDataset(req *DatasetRequest) ([]string, error) {
	if req == nil {
		return nil, nil
	}
	var cache *layout.ManifestCache
	if req.CacheDir != "" {
		var err error
		cache, err = layout.OpenManifestCache(req.CacheDir)
		if err != nil {
			c.Logger.Error(err, "failed to open manifest cache, continuing without it")
		} else {
			defer cache.Close()
		}
	}

	if req.ManifestPath != "" {
		if cache != nil && cache.Fresh(req.ManifestPath) {
			c.Logger.V(1).Info("manifest unchanged since last recorded run", "manifest", req.ManifestPath)
		}
		entries, err := layout.ReadManifest(req.ManifestPath)
		if err != nil {
			return nil, err
		}
		paths := make([]string, len(entries))
		for i, e := range entries {
			paths[i] = e.Path
		}
		if cache != nil {
			if err := cache.MarkFresh(req.ManifestPath); err != nil {
				c.Logger.Error(err, "failed to record manifest cache fingerprint")
			}
		}
		return paths, nil
	}
	if req.Generate == nil {
		return nil, ioerr.Newf(ioerr.Validation, nil, "coordinator: dataset request has neither Generate nor ManifestPath set")
	}

	paths, err := layout.GenerateTree(*req.Generate)
	if err != nil {
		return nil, err
	}
	if req.Fill {
		if _, _, err := layout.PrepareFiles(protocol.PrepareFiles{
			Files:     paths,
			FileSize:  req.Generate.FileSize,
			Pattern:   req.Pattern,
			FillFiles: true,
		}); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

// preallocateShared slices cfg.Shared.FileSize into len(nodes) disjoint
// ranges and issues a PrepareFiles/FilesReady round trip to each node in
// parallel, per spec.md §4.7 step 3.
func (c *Coordinator) preallocateShared(ctx context.Context, nodes []*nodeConn, cfg RunConfig) error {
	errs := make([]error, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *nodeConn) {
			defer wg.Done()
			part := worker.ComputePartition(cfg.Shared.FileSize, i, len(nodes))
			pf := protocol.PrepareFiles{
				Files:     []string{cfg.TargetPath},
				FileSize:  cfg.Shared.FileSize,
				StartByte: part.Start,
				EndByte:   part.End,
				Pattern:   cfg.Shared.Pattern,
				FillFiles: cfg.Shared.Fill,
			}
			if err := n.writeMsg(protocol.TypePrepareFiles, pf); err != nil {
				errs[i] = ioerr.Newf(ioerr.Transport, err, "coordinator: failed to send PrepareFiles to %s", n.addr)
				return
			}
			frame, err := protocol.ReadMessage(n.conn)
			if err != nil {
				errs[i] = ioerr.Newf(ioerr.Transport, err, "coordinator: failed to read FilesReady from %s", n.addr)
				return
			}
			if err := protocol.Expect(frame, protocol.TypeFilesReady); err != nil {
				errs[i] = err
				return
			}
		}(i, n)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// assignWorkerRanges divides cfg.TotalWorkers contiguously across nodes,
// appending any remainder to the last node so every worker id in
// [0, TotalWorkers) is owned by exactly one node.
func assignWorkerRanges(nodes []*nodeConn, totalWorkers int) {
	n := len(nodes)
	if n == 0 {
		return
	}
	base := totalWorkers / n
	for i, node := range nodes {
		node.workerIDStart = i * base
		node.workerIDEnd = node.workerIDStart + base
		if i == n-1 {
			node.workerIDEnd = totalWorkers
		}
	}
}

func (c *Coordinator) sendConfigs(nodes []*nodeConn, cfg RunConfig, fileList []string) error {
	errs := make([]error, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *nodeConn) {
			defer wg.Done()
			wc := cfg.Workers
			wc.GlobalWorkerCount = cfg.TotalWorkers
			msg := protocol.Config{
				NodeID:            n.id,
				EngineName:        cfg.EngineName,
				TargetPath:        cfg.TargetPath,
				WorkerConfig:      wc,
				WorkerIDStart:     n.workerIDStart,
				WorkerIDEnd:       n.workerIDEnd,
				GlobalWorkerCount: cfg.TotalWorkers,
				FileList:          fileList,
				SkipPreallocation: fileList != nil || cfg.Shared != nil,
			}
			if err := n.writeMsg(protocol.TypeConfig, msg); err != nil {
				errs[i] = ioerr.Newf(ioerr.Transport, err, "coordinator: failed to send Config to %s", n.addr)
			}
		}(i, n)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) waitReady(ctx context.Context, nodes []*nodeConn) error {
	errs := make([]error, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *nodeConn) {
			defer wg.Done()
			frame, err := protocol.ReadMessage(n.conn)
			if err != nil {
				errs[i] = ioerr.Newf(ioerr.Transport, err, "coordinator: failed to read Ready from %s", n.addr)
				return
			}
			if frame.Type == protocol.TypeError {
				var e protocol.Error
				_ = protocol.Decode(frame, &e)
				errs[i] = ioerr.Newf(ioerr.Validation, nil, "coordinator: node %s reported error: %s", n.addr, e.Message)
				return
			}
			if err := protocol.Expect(frame, protocol.TypeReady); err != nil {
				errs[i] = err
				return
			}
			var ready protocol.Ready
			if err := protocol.Decode(frame, &ready); err != nil {
				errs[i] = err
				return
			}
			if !ready.OK {
				errs[i] = ioerr.Newf(ioerr.Validation, nil, "coordinator: node %s reported not ready", n.addr)
			}
		}(i, n)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) sendStart(nodes []*nodeConn, startAt time.Time) error {
	msg := protocol.Start{StartTimestampNS: startAt.UnixNano()}
	for _, n := range nodes {
		if err := n.writeMsg(protocol.TypeStart, msg); err != nil {
			return ioerr.Newf(ioerr.Transport, err, "coordinator: failed to send Start to %s", n.addr)
		}
	}
	return nil
}

// readLoop consumes frames from one node connection until it sees
// Results (or a fatal error/EOF), converting every Heartbeat into a
// time-series point along the way. Per spec.md §4.7's ordering rule,
// any Heartbeat that arrives after Stop has already been sent is simply
// folded into the time series like any other — it is Results the
// coordinator is waiting for, so a late Heartbeat never blocks it.
func (c *Coordinator) readLoop(ctx context.Context, n *nodeConn, session *nodeSession) {
	for {
		if ctx.Err() != nil {
			session.setErr(ctx.Err())
			return
		}
		_ = n.conn.SetReadDeadline(time.Now().Add(readTimeout))
		frame, err := protocol.ReadMessage(n.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			session.setErr(ioerr.Newf(ioerr.Transport, err, "coordinator: read from %s", n.addr))
			return
		}

		switch frame.Type {
		case protocol.TypeHeartbeat:
			var hb protocol.Heartbeat
			if err := protocol.Decode(frame, &hb); err != nil {
				session.setErr(err)
				return
			}
			session.recordHeartbeat(hb, c.WarmupDiscard)
		case protocol.TypeResults:
			var res protocol.Results
			if err := protocol.Decode(frame, &res); err != nil {
				session.setErr(err)
				return
			}
			session.setResults(res)
			return
		case protocol.TypeError:
			var e protocol.Error
			_ = protocol.Decode(frame, &e)
			session.setErr(ioerr.Newf(ioerr.Validation, nil, "coordinator: node %s reported error: %s", n.addr, e.Message))
			return
		}
	}
}

// waitForCompletion blocks until the run's stopping condition is met:
// for a fixed-duration run, that's the configured duration elapsing; for
// total-bytes or run-until-complete criteria, nodes self-terminate on
// their own schedule, so the coordinator instead polls until every node
// has reported Results.
func (c *Coordinator) waitForCompletion(ctx context.Context, wc worker.Config, sessions []*nodeSession) {
	if wc.Criterion == worker.CriterionDuration {
		select {
		case <-time.After(wc.Duration):
		case <-ctx.Done():
		}
		return
	}

	ticker := time.NewTicker(completionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			allDone := true
			for _, s := range sessions {
				if !s.done() {
					allDone = false
					break
				}
			}
			if allDone {
				return
			}
		}
	}
}

func (c *Coordinator) buildReport(nodes []*nodeConn, sessions []*nodeSession) (*Report, error) {
	report := &Report{TimeSeries: make(map[string][]stats.TimeSeriesSnapshot, len(nodes))}

	var perNode []stats.NodeResults
	var maxDuration time.Duration
	for i, n := range nodes {
		s := sessions[i]
		if s.err != nil {
			return nil, s.err
		}
		if s.results == nil {
			return nil, ioerr.Newf(ioerr.Transport, nil, "coordinator: node %s closed without sending Results", n.addr)
		}
		nr := stats.NodeResults{
			NodeID:    s.results.NodeID,
			Duration:  time.Duration(s.results.DurationNS),
			Workers:   s.results.PerWorker,
			Aggregate: s.results.Aggregate,
		}
		perNode = append(perNode, nr)
		report.TimeSeries[n.id] = s.series
		if nr.Duration > maxDuration {
			maxDuration = nr.Duration
		}
	}

	report.PerNode = perNode
	report.Duration = maxDuration
	if len(perNode) > 0 {
		agg := perNode[0].Aggregate
		for _, nr := range perNode[1:] {
			agg = stats.Merge(agg, nr.Aggregate)
		}
		agg.Duration = maxDuration
		report.Aggregate = agg
	}
	return report, nil
}
