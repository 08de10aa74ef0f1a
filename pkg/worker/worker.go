// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package worker

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/iopulse/iopulse/pkg/bufferpool"
	"github.com/iopulse/iopulse/pkg/distribution"
	"github.com/iopulse/iopulse/pkg/engine"
	"github.com/iopulse/iopulse/pkg/ioerr"
	"github.com/iopulse/iopulse/pkg/stats"
	"github.com/iopulse/iopulse/pkg/target"
)

// State is a point in a worker's lifecycle. Transitions are linear; an
// error after EngineInitialized still runs the full teardown sequence
// (engine cleanup, target close) before the worker reports a final
// state.
type State int

const (
	Created State = iota
	AffinityApplied
	EngineInitialized
	TargetsOpen
	Running
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case AffinityApplied:
		return "affinity-applied"
	case EngineInitialized:
		return "engine-initialized"
	case TargetsOpen:
		return "targets-open"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// LiveSnapshot is a mutex-guarded box holding the most recently published
// Snapshot for a worker, read by the node's heartbeat/monitoring path
// without interrupting the worker's hot loop beyond a single brief lock.
type LiveSnapshot struct {
	mu   sync.Mutex
	snap stats.Snapshot
}

// Publish stores s as the current snapshot.
func (l *LiveSnapshot) Publish(s stats.Snapshot) {
	l.mu.Lock()
	l.snap = s
	l.mu.Unlock()
}

// Load returns the most recently published snapshot.
func (l *LiveSnapshot) Load() stats.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap
}

type inFlightOp struct {
	bufIdx     bufferpool.Index
	op         engine.OpType
	offset     int64
	length     int
	submitTime time.Time
	blockIndex uint64
}

// Worker drives one engine, one target, a buffer pool and a block
// distribution through the pipelined queue-depth loop described for C7.
type Worker struct {
	cfg  Config
	eng  engine.Engine
	tgt  *target.Target
	pool *bufferpool.Pool
	dist distribution.Distribution

	state State
	stats *stats.WorkerStats
	live  *LiveSnapshot
	rng   *rand.Rand

	partition   Partition
	inFlight    map[uint64]inFlightOp
	lockGuard   *target.LockGuard
	lastLatency time.Duration

	fileSel     *fileSelector
	currentPath string
	currentTgt  *target.Target

	totalBytes uint64
	opCount    uint64
	errCount   uint64
	startedAt  time.Time

	resourceSampler *stats.ResourceSampler
	lastResource    stats.ResourceUsage
}

// New constructs a Worker in the Created state. The caller remains
// responsible for calling SetAffinity (if desired) before Init.
func New(cfg Config, eng engine.Engine, tgt *target.Target, pool *bufferpool.Pool, dist distribution.Distribution) *Worker {
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(cfg.WorkerID) + 1
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	w := &Worker{
		cfg:             cfg,
		eng:             eng,
		tgt:             tgt,
		pool:            pool,
		dist:            dist,
		state:           Created,
		stats:           stats.NewWorkerStats(cfg.WorkerID, cfg.LockMode != target.LockNone, cfg.TrackHeatmap, cfg.TrackCoverage),
		live:            &LiveSnapshot{},
		rng:             rng,
		inFlight:        make(map[uint64]inFlightOp, cfg.QueueDepth),
		resourceSampler: stats.NewResourceSampler("/proc"),
	}
	if cfg.FileList != FileListNone {
		w.fileSel = newFileSelector(cfg, cfg.GlobalWorkerID, cfg.GlobalWorkerCount, rng)
	}
	return w
}

// LiveSnapshot exposes the worker's shared snapshot box for the node
// service's monitoring thread to poll.
func (w *Worker) LiveSnapshot() *LiveSnapshot { return w.live }

// State reports the worker's current lifecycle state.
func (w *Worker) State() State { return w.state }

// ApplyAffinity pins the calling goroutine's OS thread to cpu and
// advances the state machine to AffinityApplied. The returned function
// must be deferred by the caller to release the OS-thread pin.
func (w *Worker) ApplyAffinity(cpu int) (func(), error) {
	unpin, err := pinToCPU(cpu)
	if err != nil {
		return unpin, err
	}
	w.state = AffinityApplied
	return unpin, nil
}

// Init brings the engine up and opens the target, advancing the state
// machine through EngineInitialized and TargetsOpen. Targets are already
// open by the time Init is called in the current design (the caller owns
// target.Open), so this stage only validates and applies locking.
func (w *Worker) Init() error {
	if err := w.eng.Init(engine.Config{QueueDepth: w.cfg.QueueDepth}); err != nil {
		return ioerr.Newf(ioerr.Preparation, err, "worker %d: engine init failed", w.cfg.WorkerID)
	}
	w.state = EngineInitialized

	// Random-pattern writes skip filling the buffer on every op (see
	// fillQueue); that's only valid content when verification is off, and
	// only once the pool's buffers have actually been seeded with random
	// bytes here.
	if w.cfg.Pattern == target.PatternRandom && !w.cfg.Verify {
		if err := w.pool.PrefillRandom(); err != nil {
			return ioerr.Newf(ioerr.Preparation, err, "worker %d: buffer prefill failed", w.cfg.WorkerID)
		}
	}

	if w.fileSel != nil {
		if w.fileSel.Empty() {
			return ioerr.Newf(ioerr.Validation, nil, "worker %d: no files assigned in file-list mode", w.cfg.WorkerID)
		}
		w.state = TargetsOpen
		return nil
	}

	if w.tgt != nil {
		size, err := w.tgt.Size()
		if err != nil {
			return ioerr.Newf(ioerr.Preparation, err, "worker %d: failed to size target", w.cfg.WorkerID)
		}
		w.partition = ComputePartition(size, w.cfg.GlobalWorkerID, w.cfg.GlobalWorkerCount)

		if err := w.ensureUsableSize(); err != nil {
			return err
		}

		if w.cfg.LockMode != target.LockNone && w.cfg.QueueDepth == 1 {
			start := time.Now()
			guard, err := w.tgt.Lock(w.cfg.LockMode, w.partition.Start, w.partition.Size())
			if err != nil {
				return ioerr.Newf(ioerr.Preparation, err, "worker %d: failed to acquire lock", w.cfg.WorkerID)
			}
			w.stats.Histograms.RecordLockAcquire(int64(time.Since(start)))
			w.lockGuard = guard
		}
	}
	w.state = TargetsOpen
	return nil
}

// advanceFile picks this worker's next file per its fileSelector policy.
// The currently-open file is left untouched when the selector picks the
// same path again (the common case for Partitioned mode revisiting a
// large file across several fill cycles); it is closed and replaced only
// when a different path is chosen, per spec.md §4.5.
func (w *Worker) advanceFile() error {
	path := w.fileSel.Next()
	if path == w.currentPath && w.currentTgt != nil {
		return nil
	}
	if w.currentTgt != nil {
		_ = w.currentTgt.Close()
		w.currentTgt = nil
	}
	tgt, err := target.Open(path, target.OpenFlags{})
	if err != nil {
		return ioerr.Newf(ioerr.Preparation, err, "worker %d: failed to open %s", w.cfg.WorkerID, path)
	}
	size, err := tgt.Size()
	if err != nil {
		_ = tgt.Close()
		return ioerr.Newf(ioerr.Preparation, err, "worker %d: failed to size %s", w.cfg.WorkerID, path)
	}
	w.currentTgt = tgt
	w.currentPath = path
	w.partition = Partition{Start: 0, End: size}
	return nil
}

// currentFD returns the descriptor of whichever target this worker is
// presently operating against, whether a fixed single target or the
// currently-open file in file-list mode.
func (w *Worker) currentFD() uintptr {
	if w.fileSel != nil {
		if w.currentTgt == nil {
			return ^uintptr(0)
		}
		return w.currentTgt.FD()
	}
	return w.tgt.FD()
}

// ensureUsableSize rejects a zero-length or far-too-small partition
// unless AutoRefill is set, per spec.md §4.5: "reads against a
// zero-length or far-too-small target are rejected at startup with an
// explanatory error unless auto-refill is enabled, in which case the
// target is filled with the configured pattern first." With AutoRefill
// set, a zero-length or sub-block-size partition is grown and filled up
// to the largest configured block size.
func (w *Worker) ensureUsableSize() error {
	if w.partition.Size() <= 0 && !w.cfg.AutoRefill {
		return ioerr.Newf(ioerr.Validation, nil, "worker %d: target %s has a zero-length partition, nothing to read or write", w.cfg.WorkerID, w.tgt.Path())
	}

	minSize := int64(w.cfg.largestSize())
	if w.partition.Size() >= minSize {
		return nil
	}
	if !w.cfg.AutoRefill {
		return ioerr.Newf(ioerr.Validation, nil, "worker %d: target %s is %d bytes, too small for the configured block sizes (up to %d bytes); enable auto-refill or use a larger target", w.cfg.WorkerID, w.tgt.Path(), w.partition.Size(), minSize)
	}

	newEnd := w.partition.Start + minSize
	if err := w.tgt.Refill(w.cfg.Pattern, w.partition.Start, newEnd); err != nil {
		return ioerr.Newf(ioerr.Preparation, err, "worker %d: auto-refill failed for %s", w.cfg.WorkerID, w.tgt.Path())
	}
	w.partition.End = newEnd
	return nil
}

func (w *Worker) numBlocksForOp(blockSize int) uint64 {
	if w.partition.Size() <= 0 {
		return 0
	}
	n := w.partition.Size() / int64(blockSize)
	if n <= 0 {
		return 0
	}
	return uint64(n)
}

// Run executes the pipelined queue-depth loop until the configured
// completion criterion is met, ctx is cancelled, or an unrecoverable
// error occurs. It always runs full teardown (draining in-flight
// operations, engine cleanup, unlocking, target close) before returning,
// regardless of how it exits.
func (w *Worker) Run(ctx context.Context) (stats.Snapshot, error) {
	w.state = Running
	w.startedAt = time.Now()
	w.stats.Start(w.startedAt)

	runErr := w.loop(ctx)

	w.state = Draining
	drainErr := w.drain()
	if runErr == nil {
		runErr = drainErr
	}

	if err := w.eng.Cleanup(); err != nil && runErr == nil {
		runErr = ioerr.Newf(ioerr.Preparation, err, "worker %d: engine cleanup failed", w.cfg.WorkerID)
	}

	if w.lockGuard != nil {
		_ = w.lockGuard.Unlock()
	}
	if w.tgt != nil {
		_ = w.tgt.Close()
	}
	if w.currentTgt != nil {
		_ = w.currentTgt.Close()
		w.currentTgt = nil
	}
	w.state = Closed

	snap := w.finalSnapshot()
	return snap, runErr
}

func (w *Worker) finalSnapshot() stats.Snapshot {
	usage, err := w.resourceSampler.Sample()
	if err == nil {
		w.lastResource = usage
	}
	return w.stats.Snapshot(time.Now(), w.lastResource)
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		if err := w.fillQueue(ctx); err != nil {
			return err
		}
		if err := w.harvestCompletions(); err != nil && (!w.cfg.ContinueOnError || ioerr.IsKind(err, ioerr.ResourceLimit)) {
			return err
		}

		if w.shouldStop(ctx) && len(w.inFlight) == 0 {
			return nil
		}

		if w.opCount%10000 == 0 {
			if usage, err := w.resourceSampler.Sample(); err == nil {
				w.lastResource = usage
			}
		}

		every := w.cfg.SnapshotEveryOps
		if every == 0 {
			every = 1000
		}
		if w.opCount%every == 0 {
			w.live.Publish(w.stats.Snapshot(time.Now(), w.lastResource))
		}

		w.applyThinkTime()
	}
}

// fillQueue is Phase 1: submit operations until the queue depth is
// reached or the stop condition is already satisfied.
func (w *Worker) fillQueue(ctx context.Context) error {
	if w.fileSel != nil && len(w.inFlight) == 0 {
		if err := w.advanceFile(); err != nil {
			return err
		}
	}
	for len(w.inFlight) < w.cfg.QueueDepth {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if w.shouldStop(ctx) {
			return nil
		}

		isWrite := w.cfg.pickIsWrite(w.rng)
		blockSize := w.cfg.pickSize(w.rng)
		numBlocks := w.numBlocksForOp(blockSize)
		if numBlocks == 0 {
			return nil
		}
		blockIdx := w.dist.NextBlock(numBlocks)
		offset := w.partition.Start + int64(blockIdx)*int64(blockSize)

		bufIdx, ok := w.pool.Acquire()
		if !ok {
			return ioerr.Newf(ioerr.ResourceLimit, nil, "worker %d: buffer pool exhausted", w.cfg.WorkerID)
		}
		buf := w.pool.Get(bufIdx)[:blockSize]

		opType := engine.Read
		if isWrite {
			opType = engine.Write
			if w.cfg.Pattern != target.PatternRandom || w.cfg.Verify {
				FillPattern(buf, w.cfg.Pattern, offset, w.cfg.WorkerID)
			}
		}

		tag := uint64(bufIdx)
		if err := w.eng.Submit(engine.Operation{
			Op:     opType,
			FD:     w.currentFD(),
			Offset: offset,
			Buffer: buf,
			Length: blockSize,
			Tag:    tag,
		}); err != nil {
			w.pool.Release(bufIdx)
			if ioerr.IsKind(err, ioerr.QueueFull) {
				return nil
			}
			return err
		}

		w.inFlight[tag] = inFlightOp{
			bufIdx:     bufIdx,
			op:         opType,
			offset:     offset,
			length:     blockSize,
			submitTime: time.Now(),
			blockIndex: blockIdx,
		}
		w.stats.Counters.SampleQueueDepth(len(w.inFlight))
	}
	return nil
}

// harvestCompletions is Phase 2: drain whatever the engine reports done
// and fold each result into statistics, verification and buffer reuse.
func (w *Worker) harvestCompletions() error {
	if len(w.inFlight) == 0 {
		return nil
	}
	completions, err := w.eng.PollCompletions()
	if err != nil {
		return ioerr.Newf(ioerr.IOFailure, err, "worker %d: poll_completions failed", w.cfg.WorkerID)
	}

	var firstErr error
	for _, c := range completions {
		desc, ok := w.inFlight[c.Tag]
		if !ok {
			continue
		}
		delete(w.inFlight, c.Tag)

		latency := time.Since(desc.submitTime)
		w.lastLatency = latency
		buf := w.pool.Get(desc.bufIdx)[:desc.length]

		if c.Err != nil {
			kind := stats.ErrorRead
			if desc.op == engine.Write {
				kind = stats.ErrorWrite
			}
			w.stats.RecordCompletion(desc.op == engine.Write, 0, 0, desc.blockIndex, c.Err, kind)
			w.pool.Release(desc.bufIdx)
			w.errCount++
			w.opCount++
			if firstErr != nil {
				continue
			}
			if !w.cfg.ContinueOnError {
				firstErr = ioerr.Newf(ioerr.IOFailure, c.Err, "worker %d: operation failed", w.cfg.WorkerID)
			} else if w.cfg.MaxErrors > 0 && w.errCount >= w.cfg.MaxErrors {
				firstErr = ioerr.Newf(ioerr.ResourceLimit, c.Err, "worker %d: exceeded max error threshold", w.cfg.WorkerID)
			}
			continue
		}

		if desc.op == engine.Read && w.cfg.Verify {
			ok := VerifyPattern(buf, w.cfg.Pattern, desc.offset, w.cfg.WorkerID)
			w.stats.Counters.RecordVerify(ok)
		}

		w.stats.RecordCompletion(desc.op == engine.Write, c.N, int64(latency), desc.blockIndex, nil, 0)
		w.pool.Release(desc.bufIdx)
		w.totalBytes += uint64(c.N)
		w.opCount++
	}
	return firstErr
}

// drain repeatedly polls until every in-flight operation has produced a
// completion, run once the main loop has decided to stop.
func (w *Worker) drain() error {
	for len(w.inFlight) > 0 {
		if err := w.harvestCompletions(); err != nil {
			return err
		}
	}
	return nil
}

// shouldStop evaluates the configured completion criterion.
func (w *Worker) shouldStop(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}
	switch w.cfg.Criterion {
	case CriterionDuration:
		return time.Since(w.startedAt) >= w.cfg.Duration
	case CriterionTotalBytes:
		return w.totalBytes >= w.cfg.TotalBytes
	case CriterionRunUntilComplete:
		if w.fileSel != nil {
			return w.fileSel.AllVisited()
		}
		return w.totalBytes >= uint64(w.partition.Size())
	default:
		return false
	}
}

// applyThinkTime is Phase 6: an optional pacing delay every N ops.
func (w *Worker) applyThinkTime() {
	t := w.cfg.Think
	if t.EveryNOps == 0 || w.opCount%t.EveryNOps != 0 {
		return
	}
	if t.Fixed > 0 {
		time.Sleep(t.Fixed)
		return
	}
	if t.AdaptivePct > 0 && w.lastLatency > 0 {
		time.Sleep(time.Duration(float64(w.lastLatency) * t.AdaptivePct))
	}
}
