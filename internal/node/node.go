// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package node implements the node service (C8): it accepts a single
// coordinator connection, optionally prepares files, builds and runs its
// share of workers, streams heartbeats, and reports final results.
package node

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/iopulse/iopulse/pkg/bufferpool"
	"github.com/iopulse/iopulse/pkg/distribution"
	"github.com/iopulse/iopulse/pkg/engine"
	"github.com/iopulse/iopulse/pkg/layout"
	"github.com/iopulse/iopulse/pkg/protocol"
	"github.com/iopulse/iopulse/pkg/stats"
	"github.com/iopulse/iopulse/pkg/target"
	"github.com/iopulse/iopulse/pkg/worker"
)

// heartbeatInterval matches the 1 Hz cadence spec.md §4.6 requires.
const heartbeatInterval = time.Second

// lingerAfterResults is how long the node keeps the connection open
// after sending Results, giving the coordinator time to finish a large
// read before the socket closes — a pragmatic workaround the spec itself
// flags as something a rewrite should replace with a half-close
// handshake.
const lingerAfterResults = 500 * time.Millisecond

// Service is the node-side TCP listener.
type Service struct {
	Logger logr.Logger
}

// New constructs a node Service.
func New(logger logr.Logger) *Service {
	return &Service{Logger: logger}
}

// Serve accepts connections on addr until ctx is cancelled. The protocol
// only ever expects one coordinator connection per run, but the listener
// tolerates sequential reconnects (e.g. a coordinator retry).
func (s *Service) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	nodeID := hostname()
	log := s.Logger.WithValues("node_id", nodeID, "peer", conn.RemoteAddr().String())

	var writeMu sync.Mutex
	sendError := func(msg string, elapsed time.Duration) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = protocol.WriteMessage(conn, protocol.TypeError, protocol.Error{
			NodeID: nodeID, Message: msg, ElapsedNS: int64(elapsed),
		})
	}

	frame, err := protocol.ReadMessage(conn)
	if err != nil {
		log.Error(err, "failed to read first frame")
		sendError(err.Error(), 0)
		return
	}

	if frame.Type == protocol.TypePrepareFiles {
		var pf protocol.PrepareFiles
		if err := protocol.Decode(frame, &pf); err != nil {
			sendError(err.Error(), 0)
			return
		}
		start := time.Now()
		created, filled, err := layout.PrepareFiles(pf)
		if err != nil {
			log.Error(err, "PrepareFiles failed")
			sendError(err.Error(), time.Since(start))
			return
		}
		writeMu.Lock()
		err = protocol.WriteMessage(conn, protocol.TypeFilesReady, protocol.FilesReady{
			NodeID:       nodeID,
			FilesCreated: created,
			FilesFilled:  filled,
			DurationNS:   int64(time.Since(start)),
		})
		writeMu.Unlock()
		if err != nil {
			log.Error(err, "failed to send FilesReady")
			return
		}

		frame, err = protocol.ReadMessage(conn)
		if err != nil {
			log.Error(err, "failed to read Config after FilesReady")
			sendError(err.Error(), 0)
			return
		}
	}

	if err := protocol.Expect(frame, protocol.TypeConfig); err != nil {
		log.Error(err, "unexpected frame, wanted Config")
		sendError(err.Error(), 0)
		return
	}
	var cfg protocol.Config
	if err := protocol.Decode(frame, &cfg); err != nil {
		sendError(err.Error(), 0)
		return
	}

	workers, err := buildWorkers(cfg)
	if err != nil {
		log.Error(err, "failed to build workers")
		sendError(err.Error(), 0)
		return
	}

	writeMu.Lock()
	err = protocol.WriteMessage(conn, protocol.TypeReady, protocol.Ready{
		NodeID: nodeID, NumWorkers: len(workers), OK: true,
	})
	writeMu.Unlock()
	if err != nil {
		log.Error(err, "failed to send Ready")
		return
	}

	frame, err = protocol.ReadMessage(conn)
	if err != nil {
		log.Error(err, "failed to read Start")
		return
	}
	if err := protocol.Expect(frame, protocol.TypeStart); err != nil {
		sendError(err.Error(), 0)
		return
	}
	var start protocol.Start
	if err := protocol.Decode(frame, &start); err != nil {
		sendError(err.Error(), 0)
		return
	}
	if delay := time.Until(time.Unix(0, start.StartTimestampNS)); delay > 0 {
		time.Sleep(delay)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	runStart := time.Now()

	var wg sync.WaitGroup
	results := make([]stats.Snapshot, len(workers))
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w *worker.Worker) {
			defer wg.Done()
			snap, err := w.Run(runCtx)
			if err != nil {
				log.Error(err, "worker run failed", "worker_id", i)
			}
			results[i] = snap
		}(i, w)
	}

	stopCh := make(chan struct{})
	var tripOnce sync.Once
	tripStop := func() { tripOnce.Do(func() { close(stopCh) }) }

	go func() {
		frame, err := protocol.ReadMessage(conn)
		if err != nil {
			log.Error(err, "lost coordinator connection, tripping dead-man's switch")
			tripStop()
			return
		}
		if frame.Type == protocol.TypeStop {
			tripStop()
		}
	}()

	heartbeatDone := make(chan struct{})
	go runHeartbeats(conn, &writeMu, nodeID, runStart, workers, stopCh, tripStop, heartbeatDone)

	// Workers also return on their own once a total-bytes or
	// run-until-complete criterion is met; Results then go out without
	// waiting for Stop.
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	select {
	case <-stopCh:
	case <-workersDone:
		tripStop()
	case <-ctx.Done():
	}
	cancelRun()
	<-workersDone
	<-heartbeatDone

	duration := time.Since(runStart)
	agg := stats.Snapshot{}
	if len(results) > 0 {
		agg = results[0]
		for _, r := range results[1:] {
			agg = stats.Merge(agg, r)
		}
		agg.Duration = duration
	}

	writeMu.Lock()
	_ = protocol.WriteMessage(conn, protocol.TypeResults, protocol.Results{
		NodeID:     nodeID,
		DurationNS: int64(duration),
		PerWorker:  results,
		Aggregate:  agg,
	})
	writeMu.Unlock()

	time.Sleep(lingerAfterResults)
}

// runHeartbeats polls every worker's live snapshot once per second,
// merges them into one aggregate, and writes a Heartbeat frame. It exits
// as soon as stopCh closes. A write failure means the coordinator is
// gone — it trips stopCh itself rather than leaving workers running
// untethered (the dead-man's switch spec.md §4.6 requires).
func runHeartbeats(conn net.Conn, writeMu *sync.Mutex, nodeID string, runStart time.Time, workers []*worker.Worker, stopCh <-chan struct{}, tripStop func(), done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			perWorker := make([]stats.Snapshot, len(workers))
			for i, w := range workers {
				perWorker[i] = w.LiveSnapshot().Load()
			}
			agg := stats.Snapshot{}
			if len(perWorker) > 0 {
				agg = perWorker[0]
				for _, s := range perWorker[1:] {
					agg = stats.Merge(agg, s)
				}
			}
			writeMu.Lock()
			err := protocol.WriteMessage(conn, protocol.TypeHeartbeat, protocol.Heartbeat{
				NodeID:    nodeID,
				ElapsedNS: int64(time.Since(runStart)),
				Aggregate: agg,
				PerWorker: perWorker,
			})
			writeMu.Unlock()
			if err != nil {
				tripStop()
				return
			}
		}
	}
}

// buildWorkers constructs one *worker.Worker per worker id in cfg's
// assigned range, each with its own engine instance, target handle,
// buffer pool and distribution.
func buildWorkers(cfg protocol.Config) ([]*worker.Worker, error) {
	n := cfg.WorkerIDEnd - cfg.WorkerIDStart
	if n <= 0 {
		return nil, nil
	}
	workers := make([]*worker.Worker, 0, n)
	for gid := cfg.WorkerIDStart; gid < cfg.WorkerIDEnd; gid++ {
		eng, err := engine.New(engine.Name(cfg.EngineName))
		if err != nil {
			return nil, err
		}

		wc := cfg.WorkerConfig
		wc.WorkerID = gid - cfg.WorkerIDStart
		wc.GlobalWorkerID = gid
		wc.GlobalWorkerCount = cfg.GlobalWorkerCount
		if len(cfg.FileList) > 0 {
			if wc.FileList == worker.FileListNone {
				wc.FileList = worker.FileListPartitioned
			}
			wc.Files = cfg.FileList
		}

		var tgt *target.Target
		if wc.FileList == worker.FileListNone {
			tgt, err = target.Open(cfg.TargetPath, target.OpenFlags{})
			if err != nil {
				return nil, err
			}
		}

		blockSize := defaultSizeFor(cfg.WorkerConfig)
		pool, err := bufferpool.New(cfg.WorkerConfig.QueueDepth, blockSize, blockSize)
		if err != nil {
			return nil, err
		}

		dist, err := distribution.New(cfg.WorkerConfig.DistSpec, uint64(gid)+1)
		if err != nil {
			return nil, err
		}

		w := worker.New(wc, eng, tgt, pool, dist)
		if err := w.Init(); err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func defaultSizeFor(cfg worker.Config) int {
	largest := 0
	for _, s := range cfg.Sizes {
		if s.Size > largest {
			largest = s.Size
		}
	}
	if largest == 0 {
		return 4096
	}
	return largest
}
