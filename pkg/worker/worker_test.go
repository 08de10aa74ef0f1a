// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package worker_test

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iopulse/iopulse/pkg/bufferpool"
	"github.com/iopulse/iopulse/pkg/distribution"
	"github.com/iopulse/iopulse/pkg/engine/mock"
	"github.com/iopulse/iopulse/pkg/ioerr"
	"github.com/iopulse/iopulse/pkg/target"
	"github.com/iopulse/iopulse/pkg/worker"
)

const testFileSize = 64 * 1024
const testBlockSize = 4096

func openTestTarget(t *testing.T) *target.Target {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data")
	tgt, err := target.Open(path, target.OpenFlags{Create: true, Truncate: true, LogicalSize: testFileSize})
	require.NoError(t, err)
	require.NoError(t, tgt.Preallocate(0, 0))
	require.NoError(t, tgt.Refill(target.PatternZero, 0, 0))
	return tgt
}

func baseConfig() worker.Config {
	return worker.Config{
		QueueDepth:        4,
		ReadPct:           0,
		Sizes:             []worker.SizeWeight{{Size: testBlockSize, Weight: 1}},
		Pattern:           target.PatternZero,
		GlobalWorkerCount: 1,
		SnapshotEveryOps:  1,
	}
}

func TestWorkerRunsToTotalBytesCompletion(t *testing.T) {
	tgt := openTestTarget(t)
	pool, err := bufferpool.New(8, testBlockSize, testBlockSize)
	require.NoError(t, err)
	defer pool.Close()

	cfg := baseConfig()
	cfg.Criterion = worker.CriterionTotalBytes
	cfg.TotalBytes = testFileSize

	w := worker.New(cfg, mock.New(), tgt, pool, distribution.NewSequential())
	require.NoError(t, w.Init())

	snap, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.Closed, w.State())
	assert.GreaterOrEqual(t, snap.Counters.WriteBytes, uint64(testFileSize))
	assert.Zero(t, snap.Counters.ErrorsTotal)
}

func TestWorkerRunUntilCompleteCoversPartitionOnce(t *testing.T) {
	tgt := openTestTarget(t)
	pool, err := bufferpool.New(8, testBlockSize, testBlockSize)
	require.NoError(t, err)
	defer pool.Close()

	cfg := baseConfig()
	cfg.Criterion = worker.CriterionRunUntilComplete

	w := worker.New(cfg, mock.New(), tgt, pool, distribution.NewSequential())
	require.NoError(t, w.Init())

	snap, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.Counters.WriteBytes, uint64(testFileSize))
}

func TestWorkerStopsOnContextCancellation(t *testing.T) {
	tgt := openTestTarget(t)
	pool, err := bufferpool.New(8, testBlockSize, testBlockSize)
	require.NoError(t, err)
	defer pool.Close()

	cfg := baseConfig()
	cfg.Criterion = worker.CriterionDuration
	cfg.Duration = time.Hour // never naturally elapses within the test

	w := worker.New(cfg, mock.New(), tgt, pool, distribution.NewSequential())
	require.NoError(t, w.Init())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, worker.Closed, w.State())
}

func TestWorkerPropagatesErrorWithoutContinueOnError(t *testing.T) {
	tgt := openTestTarget(t)
	pool, err := bufferpool.New(8, testBlockSize, testBlockSize)
	require.NoError(t, err)
	defer pool.Close()

	eng := mock.New()
	eng.SetShouldFail(true)

	cfg := baseConfig()
	cfg.Criterion = worker.CriterionTotalBytes
	cfg.TotalBytes = testFileSize
	cfg.ContinueOnError = false

	w := worker.New(cfg, eng, tgt, pool, distribution.NewSequential())
	require.NoError(t, w.Init())

	_, err = w.Run(context.Background())
	require.Error(t, err)
	assert.True(t, ioerr.IsKind(err, ioerr.IOFailure))
}

func TestWorkerContinuesOnErrorUntilMaxErrors(t *testing.T) {
	tgt := openTestTarget(t)
	pool, err := bufferpool.New(8, testBlockSize, testBlockSize)
	require.NoError(t, err)
	defer pool.Close()

	eng := mock.New()
	eng.SetShouldFail(true)

	cfg := baseConfig()
	cfg.Criterion = worker.CriterionDuration
	cfg.Duration = time.Hour
	cfg.ContinueOnError = true
	cfg.MaxErrors = 3

	w := worker.New(cfg, eng, tgt, pool, distribution.NewSequential())
	require.NoError(t, w.Init())

	snap, err := w.Run(context.Background())
	require.Error(t, err)
	assert.True(t, ioerr.IsKind(err, ioerr.ResourceLimit))
	assert.GreaterOrEqual(t, snap.Counters.ErrorsTotal, uint64(3))
}

func TestWorkerVerifiesReadPatternAfterWrite(t *testing.T) {
	tgt := openTestTarget(t)
	pool, err := bufferpool.New(8, testBlockSize, testBlockSize)
	require.NoError(t, err)
	defer pool.Close()

	cfg := baseConfig()
	cfg.ReadPct = 1 // reads only, over the zero-pattern-prefilled target
	cfg.Verify = true
	cfg.Criterion = worker.CriterionTotalBytes
	cfg.TotalBytes = testBlockSize * 4

	w := worker.New(cfg, mock.New(), tgt, pool, distribution.NewSequential())
	require.NoError(t, w.Init())

	snap, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Greater(t, snap.Counters.VerifyOps, uint64(0))
	assert.Equal(t, uint64(0), snap.Counters.VerifyFailures)
}

func makeTestFiles(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, "file"+strconv.Itoa(i)+".dat")
		tgt, err := target.Open(path, target.OpenFlags{Create: true, LogicalSize: testBlockSize * 2})
		require.NoError(t, err)
		require.NoError(t, tgt.Refill(target.PatternZero, 0, 0))
		require.NoError(t, tgt.Close())
		paths[i] = path
	}
	return paths
}

func TestWorkerFileListPartitionedVisitsAllOwnFilesOnce(t *testing.T) {
	paths := makeTestFiles(t, 4)
	pool, err := bufferpool.New(8, testBlockSize, testBlockSize)
	require.NoError(t, err)
	defer pool.Close()

	cfg := baseConfig()
	cfg.Criterion = worker.CriterionRunUntilComplete
	cfg.FileList = worker.FileListPartitioned
	cfg.Files = paths
	cfg.GlobalWorkerID = 0
	cfg.GlobalWorkerCount = 2 // this worker owns files[0:2]

	w := worker.New(cfg, mock.New(), nil, pool, distribution.NewSequential())
	require.NoError(t, w.Init())

	snap, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.Counters.ErrorsTotal)
	assert.Greater(t, snap.Counters.WriteBytes+snap.Counters.ReadBytes, uint64(0))
}

func TestWorkerFileListSharedVisitsAllFilesOnce(t *testing.T) {
	paths := makeTestFiles(t, 3)
	pool, err := bufferpool.New(8, testBlockSize, testBlockSize)
	require.NoError(t, err)
	defer pool.Close()

	cfg := baseConfig()
	cfg.Criterion = worker.CriterionRunUntilComplete
	cfg.FileList = worker.FileListShared
	cfg.Files = paths
	cfg.GlobalWorkerID = 0
	cfg.GlobalWorkerCount = 1

	w := worker.New(cfg, mock.New(), nil, pool, distribution.NewSequential())
	require.NoError(t, w.Init())

	snap, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.Counters.ErrorsTotal)
}

func TestWorkerFileListPerWorkerTagRestrictsOwnFiles(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"data_w0.dat", "data_w1.dat"} {
		path := filepath.Join(dir, name)
		tgt, err := target.Open(path, target.OpenFlags{Create: true, LogicalSize: testBlockSize * 2})
		require.NoError(t, err)
		require.NoError(t, tgt.Refill(target.PatternZero, 0, 0))
		require.NoError(t, tgt.Close())
		paths = append(paths, path)
	}
	pool, err := bufferpool.New(8, testBlockSize, testBlockSize)
	require.NoError(t, err)
	defer pool.Close()

	cfg := baseConfig()
	cfg.Criterion = worker.CriterionRunUntilComplete
	cfg.FileList = worker.FileListPartitioned
	cfg.Files = paths
	cfg.PerWorkerTag = true
	cfg.GlobalWorkerID = 1
	cfg.GlobalWorkerCount = 2

	w := worker.New(cfg, mock.New(), nil, pool, distribution.NewSequential())
	require.NoError(t, w.Init())

	snap, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.Counters.ErrorsTotal)
}
