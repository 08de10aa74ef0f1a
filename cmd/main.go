// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command iopulse is the distributed I/O load generator and profiler's
// entrypoint. It dispatches to one of three subcommands: "standalone"
// (single host, drives an in-process node through the normal coordinator
// path), "service" (just a node service, for a distributed run), and
// "coordinator" (connects to a list of already-running node services).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/iopulse/iopulse/internal/coordinator"
	"github.com/iopulse/iopulse/internal/node"
	"github.com/iopulse/iopulse/pkg/distribution"
	"github.com/iopulse/iopulse/pkg/engine"
	"github.com/iopulse/iopulse/pkg/engine/libaio"
	"github.com/iopulse/iopulse/pkg/engine/mmapengine"
	"github.com/iopulse/iopulse/pkg/engine/syncengine"
	"github.com/iopulse/iopulse/pkg/engine/uring"
	"github.com/iopulse/iopulse/pkg/layout"
	"github.com/iopulse/iopulse/pkg/target"
	"github.com/iopulse/iopulse/pkg/worker"
)

// ephemeralPortLo and ephemeralPortHi bound the port range "standalone"
// mode scans for a free local node-service listener, per spec.md §6.
const (
	ephemeralPortLo = 9999
	ephemeralPortHi = 10100
)

func init() {
	engine.Register(engine.NameSync, func() engine.Engine { return syncengine.New() })
	engine.Register(engine.NameURing, func() engine.Engine { return uring.New() })
	engine.Register(engine.NameLibaio, func() engine.Engine { return libaio.New() })
	engine.Register(engine.NameMmap, func() engine.Engine { return mmapengine.New() })
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "standalone":
		err = runStandalone(os.Args[2:])
	case "service":
		err = runService(os.Args[2:])
	case "coordinator":
		err = runCoordinator(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "iopulse: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: iopulse <standalone|service|coordinator> [flags]")
}

func newLogger(verbose bool) logr.Logger {
	var zl *zap.Logger
	if verbose {
		zl, _ = zap.NewDevelopment()
	} else {
		zl, _ = zap.NewProduction()
	}
	return zapr.NewLogger(zl)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// commonRunFlags are the workload-shaping flags shared by "standalone"
// and "coordinator", since standalone is a coordinator driving exactly
// one self-started node.
type commonRunFlags struct {
	target            string
	engineName        string
	workers           int
	queueDepth        int
	readPct           float64
	blockSizes        string
	duration          time.Duration
	totalBytes        int64
	runUntilComplete  bool
	pattern           string
	verify            bool
	autoRefill        bool
	lockMode          string
	distKind          string
	distTheta         float64
	distH             float64
	distStddev        float64
	distCenter        float64
	continueOnError   bool
	maxErrors         uint64
	thinkEveryNOps    uint64
	thinkFixed        time.Duration
	thinkAdaptivePct  float64
	trackHeatmap      bool
	trackCoverage     bool
	perNode           bool
	jsonOut           string
	verbose           bool
	datasetDir        string
	datasetDepth      int
	datasetWidth      int
	datasetFilesPerDi int
	datasetFileSize   int64
	fill              bool
	manifest          string
	cacheDir          string
}

func bindCommonFlags(fs *flag.FlagSet, c *commonRunFlags) {
	fs.StringVar(&c.target, "target", "", "path to the target file or block device")
	fs.StringVar(&c.engineName, "engine", "sync", "I/O engine: sync, uring, libaio, mmap")
	fs.IntVar(&c.workers, "workers", 1, "total worker count across all nodes")
	fs.IntVar(&c.queueDepth, "queue-depth", 1, "in-flight operations per worker")
	fs.Float64Var(&c.readPct, "read-pct", 1.0, "fraction of operations that are reads, in [0,1]")
	fs.StringVar(&c.blockSizes, "block-sizes", "4096", "comma-separated size:weight pairs, e.g. 4096:7,131072:3")
	fs.DurationVar(&c.duration, "duration", 0, "stop after this much wall time")
	fs.Int64Var(&c.totalBytes, "total-bytes", 0, "stop after this many bytes have been transferred")
	fs.BoolVar(&c.runUntilComplete, "run-until-complete", false, "stop once the target/partition/file list has been visited once")
	fs.StringVar(&c.pattern, "pattern", "random", "write pattern: zero, one, random, sequential")
	fs.BoolVar(&c.verify, "verify", false, "verify read data against the expected write pattern")
	fs.BoolVar(&c.autoRefill, "auto-refill", false, "grow/fill a zero-length or too-small target instead of rejecting it at startup")
	fs.StringVar(&c.lockMode, "lock-mode", "none", "byte-range lock mode: none, shared, exclusive")
	fs.StringVar(&c.distKind, "distribution", "uniform", "block distribution: uniform, sequential, zipf, pareto, gaussian")
	fs.Float64Var(&c.distTheta, "dist-theta", 0.99, "zipf skew parameter")
	fs.Float64Var(&c.distH, "dist-h", 1.5, "pareto shape parameter")
	fs.Float64Var(&c.distStddev, "dist-stddev", 0.1, "gaussian stddev as a fraction of the address space")
	fs.Float64Var(&c.distCenter, "dist-center", 0.5, "gaussian center as a fraction of the address space")
	fs.BoolVar(&c.continueOnError, "continue-on-error", false, "keep running after an I/O error instead of aborting")
	fs.Uint64Var(&c.maxErrors, "max-errors", 0, "abort after this many errors when continue-on-error is set (0 = unbounded)")
	fs.Uint64Var(&c.thinkEveryNOps, "think-every-n-ops", 0, "apply think time every N operations (0 disables it)")
	fs.DurationVar(&c.thinkFixed, "think-fixed", 0, "fixed think-time delay")
	fs.Float64Var(&c.thinkAdaptivePct, "think-adaptive-pct", 0, "think time as a fraction of the last operation's latency")
	fs.BoolVar(&c.trackHeatmap, "track-heatmap", false, "record per-block access counts")
	fs.BoolVar(&c.trackCoverage, "track-coverage", false, "record the set of distinct blocks touched")
	fs.BoolVar(&c.perNode, "per-worker", false, "recorded in the run config only; heartbeats and results always carry per-worker snapshots")
	fs.StringVar(&c.jsonOut, "json-out", "", "write the aggregate report as JSON to this path")
	fs.BoolVar(&c.verbose, "verbose", false, "enable development-mode (human-readable) logging")
	fs.StringVar(&c.datasetDir, "dataset-dir", "", "generate a file-list dataset tree rooted here instead of a single target")
	fs.IntVar(&c.datasetDepth, "dataset-depth", 1, "dataset directory tree depth")
	fs.IntVar(&c.datasetWidth, "dataset-width", 1, "dataset subdirectories per level")
	fs.IntVar(&c.datasetFilesPerDi, "dataset-files-per-dir", 1, "dataset files per leaf directory")
	fs.Int64Var(&c.datasetFileSize, "dataset-file-size", 1<<20, "size of each generated dataset file")
	fs.BoolVar(&c.fill, "fill", true, "pre-fill/pre-allocate generated dataset files, or the shared -target when there is more than one node, before the run")
	fs.StringVar(&c.manifest, "manifest", "", "load a file-list dataset from this manifest instead of -dataset-dir")
	fs.StringVar(&c.cacheDir, "cache-dir", "", "record -manifest's fingerprint here and log when it is unchanged since the last run")
}

func (c *commonRunFlags) parseSizes() ([]worker.SizeWeight, error) {
	var sizes []worker.SizeWeight
	for _, pair := range strings.Split(c.blockSizes, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		size, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid block size %q: %w", pair, err)
		}
		weight := 1.0
		if len(parts) == 2 {
			weight, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid block size weight %q: %w", pair, err)
			}
		}
		sizes = append(sizes, worker.SizeWeight{Size: size, Weight: weight})
	}
	if len(sizes) == 0 {
		return nil, fmt.Errorf("no block sizes parsed from %q", c.blockSizes)
	}
	return sizes, nil
}

func parsePattern(s string) (target.RefillPattern, error) {
	switch s {
	case "zero":
		return target.PatternZero, nil
	case "one":
		return target.PatternOne, nil
	case "random":
		return target.PatternRandom, nil
	case "sequential":
		return target.PatternSequential, nil
	default:
		return 0, fmt.Errorf("unknown pattern %q", s)
	}
}

func parseLockMode(s string) (target.LockMode, error) {
	switch s {
	case "none":
		return target.LockNone, nil
	case "shared":
		return target.LockShared, nil
	case "exclusive":
		return target.LockExclusive, nil
	default:
		return 0, fmt.Errorf("unknown lock mode %q", s)
	}
}

func (c *commonRunFlags) buildRunConfig() (coordinator.RunConfig, error) {
	sizes, err := c.parseSizes()
	if err != nil {
		return coordinator.RunConfig{}, err
	}
	pattern, err := parsePattern(c.pattern)
	if err != nil {
		return coordinator.RunConfig{}, err
	}
	lockMode, err := parseLockMode(c.lockMode)
	if err != nil {
		return coordinator.RunConfig{}, err
	}

	criterion := worker.CriterionDuration
	switch {
	case c.runUntilComplete:
		criterion = worker.CriterionRunUntilComplete
	case c.totalBytes > 0:
		criterion = worker.CriterionTotalBytes
	}
	if criterion == worker.CriterionDuration && c.duration <= 0 {
		return coordinator.RunConfig{}, fmt.Errorf("one of -duration, -total-bytes, or -run-until-complete is required")
	}

	wc := worker.Config{
		QueueDepth:       c.queueDepth,
		ReadPct:          c.readPct,
		Sizes:            sizes,
		DistSpec:         distribution.Spec{Kind: distribution.Kind(c.distKind), Theta: c.distTheta, H: c.distH, Stddev: c.distStddev, Center: c.distCenter},
		Pattern:          pattern,
		Verify:           c.verify,
		AutoRefill:       c.autoRefill,
		LockMode:         lockMode,
		Criterion:        criterion,
		Duration:         c.duration,
		TotalBytes:       uint64(c.totalBytes),
		ContinueOnError:  c.continueOnError,
		MaxErrors:        c.maxErrors,
		Think:            worker.ThinkTime{EveryNOps: c.thinkEveryNOps, Fixed: c.thinkFixed, AdaptivePct: c.thinkAdaptivePct},
		TrackHeatmap:     c.trackHeatmap,
		TrackCoverage:    c.trackCoverage,
		SnapshotEveryOps: snapshotEveryOpsFor(c.engineName, c.queueDepth),
	}

	cfg := coordinator.RunConfig{
		EngineName:   c.engineName,
		TargetPath:   c.target,
		Workers:      wc,
		TotalWorkers: c.workers,
		PerNode:      c.perNode,
	}

	switch {
	case c.manifest != "":
		cfg.Dataset = &coordinator.DatasetRequest{
			ManifestPath: c.manifest,
			CacheDir:     c.cacheDir,
		}
	case c.datasetDir != "":
		cfg.Dataset = &coordinator.DatasetRequest{
			Generate: &layout.Spec{
				BaseDir:     c.datasetDir,
				Depth:       c.datasetDepth,
				Width:       c.datasetWidth,
				FilesPerDir: c.datasetFilesPerDi,
				FileSize:    c.datasetFileSize,
			},
			Fill:    c.fill,
			Pattern: pattern,
		}
	case c.target != "" && c.fill:
		cfg.Shared = &coordinator.SharedFilePrealloc{
			FileSize: fileSizeFor(c.totalBytes),
			Fill:     c.verify || c.readPct > 0,
			Pattern:  pattern,
		}
	}

	return cfg, nil
}

// snapshotEveryOpsFor picks the live-snapshot publish cadence per the
// design note in spec.md §9: every op for the sync engine at queue depth
// 1 (so low-IOPS runs still look live), every 1000 ops otherwise. Whether
// the target uses direct I/O is not consulted.
func snapshotEveryOpsFor(engineName string, queueDepth int) uint64 {
	if engineName == string(engine.NameSync) && queueDepth <= 1 {
		return 1
	}
	return 1000
}

// fileSizeFor picks a reasonable shared-target size to preallocate when
// none is implied by the workload itself: the configured total-bytes
// budget, or a fixed 256 MiB default otherwise; the target's existing
// size is not consulted.
func fileSizeFor(totalBytes int64) int64 {
	if totalBytes > 0 {
		return totalBytes
	}
	const defaultSharedSize = 256 << 20
	return defaultSharedSize
}

func runCoordinator(args []string) error {
	fs := flag.NewFlagSet("coordinator", flag.ExitOnError)
	var c commonRunFlags
	bindCommonFlags(fs, &c)
	var nodeList string
	fs.StringVar(&nodeList, "nodes", "", "comma-separated node-service addresses")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if nodeList == "" {
		return fmt.Errorf("-nodes is required")
	}

	cfg, err := c.buildRunConfig()
	if err != nil {
		return err
	}
	cfg.NodeAddrs = strings.Split(nodeList, ",")

	logger := newLogger(c.verbose)
	ctx, cancel := signalContext()
	defer cancel()

	report, err := coordinator.New(logger).Run(ctx, cfg)
	if err != nil {
		return err
	}
	return emitReport(report, c.jsonOut)
}

func runService(args []string) error {
	fs := flag.NewFlagSet("service", flag.ExitOnError)
	listen := fs.String("listen", ":9999", "address to listen on")
	verbose := fs.Bool("verbose", false, "enable development-mode (human-readable) logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(*verbose)
	ctx, cancel := signalContext()
	defer cancel()

	logger.Info("starting node service", "addr", *listen)
	return node.New(logger).Serve(ctx, *listen)
}

func runStandalone(args []string) error {
	fs := flag.NewFlagSet("standalone", flag.ExitOnError)
	var c commonRunFlags
	bindCommonFlags(fs, &c)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := c.buildRunConfig()
	if err != nil {
		return err
	}

	logger := newLogger(c.verbose)
	ctx, cancel := signalContext()
	defer cancel()

	addr, ln, err := reserveEphemeralPort()
	if err != nil {
		return fmt.Errorf("standalone: failed to reserve a local port: %w", err)
	}
	ln.Close()

	svc := node.New(logger.WithName("node"))
	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	go func() {
		if err := svc.Serve(serveCtx, addr); err != nil {
			logger.Error(err, "node service exited")
		}
	}()
	// Give the listener a moment to come up before the coordinator dials it.
	time.Sleep(20 * time.Millisecond)

	cfg.NodeAddrs = []string{addr}
	report, err := coordinator.New(logger.WithName("coordinator")).Run(ctx, cfg)
	if err != nil {
		return err
	}
	return emitReport(report, c.jsonOut)
}

// reserveEphemeralPort scans [ephemeralPortLo, ephemeralPortHi) in
// random order for a free local port, per spec.md §6's "standalone
// internally starts a node-service on a free ephemeral port
// 9999-10099" requirement.
func reserveEphemeralPort() (string, net.Listener, error) {
	n := ephemeralPortHi - ephemeralPortLo
	perm := rand.Perm(n)
	for _, i := range perm {
		port := ephemeralPortLo + i
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return addr, ln, nil
		}
	}
	return "", nil, fmt.Errorf("no free port in [%d,%d)", ephemeralPortLo, ephemeralPortHi)
}

func emitReport(report *coordinator.Report, jsonPath string) error {
	fmt.Printf("duration=%s read_ops=%d write_ops=%d read_bytes=%d write_bytes=%d errors=%d\n",
		report.Duration,
		report.Aggregate.Counters.ReadOps,
		report.Aggregate.Counters.WriteOps,
		report.Aggregate.Counters.ReadBytes,
		report.Aggregate.Counters.WriteBytes,
		report.Aggregate.Counters.ErrorsTotal,
	)
	for _, nr := range report.PerNode {
		fmt.Printf("  node=%s duration=%s read_ops=%d write_ops=%d errors=%d\n",
			nr.NodeID, nr.Duration, nr.Aggregate.Counters.ReadOps, nr.Aggregate.Counters.WriteOps, nr.Aggregate.Counters.ErrorsTotal)
	}

	if jsonPath == "" {
		return nil
	}
	f, err := os.Create(jsonPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", jsonPath, err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
