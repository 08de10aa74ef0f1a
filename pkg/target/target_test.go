// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package target

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesAndSizesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	tgt, err := Open(path, OpenFlags{Create: true, LogicalSize: 64 * 1024})
	require.NoError(t, err)
	defer tgt.Close()

	size, err := tgt.Size()
	require.NoError(t, err)
	require.Equal(t, int64(64*1024), size)
	require.Equal(t, KindFile, tgt.Kind())
	require.NotZero(t, tgt.FD())
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	tgt, err := Open(path, OpenFlags{Create: true, LogicalSize: 4096})
	require.NoError(t, err)

	require.NoError(t, tgt.Close())
	require.NoError(t, tgt.Close())
}

func TestPreallocateAndRefillZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	tgt, err := Open(path, OpenFlags{Create: true, LogicalSize: 8192})
	require.NoError(t, err)
	defer tgt.Close()

	require.NoError(t, tgt.Preallocate(0, 0))

	size, err := tgt.Size()
	require.NoError(t, err)
	require.GreaterOrEqual(t, size, int64(8192))
}

func TestRefillSequentialThenReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	tgt, err := Open(path, OpenFlags{Create: true, LogicalSize: 16})
	require.NoError(t, err)
	defer tgt.Close()

	require.NoError(t, tgt.Refill(PatternSequential, 0, 16))

	buf := make([]byte, 16)
	n, err := tgt.f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	for i, b := range buf {
		require.Equal(t, byte(i), b)
	}
}

func TestLockNoneIsNoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	tgt, err := Open(path, OpenFlags{Create: true, LogicalSize: 4096})
	require.NoError(t, err)
	defer tgt.Close()

	guard, err := tgt.Lock(LockNone, 0, 0)
	require.NoError(t, err)
	require.NoError(t, guard.Unlock())
}

func TestLockExclusiveRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	tgt, err := Open(path, OpenFlags{Create: true, LogicalSize: 4096})
	require.NoError(t, err)
	defer tgt.Close()

	guard, err := tgt.Lock(LockExclusive, 0, 4096)
	require.NoError(t, err)
	require.NoError(t, guard.Unlock())
}

func TestBlockDeviceRejectsCreateAndTruncate(t *testing.T) {
	// There is no portable way to fabricate a block device in a unit
	// test sandbox; this documents the contract for reviewers and is
	// exercised end-to-end in the worker/layout integration paths
	// against regular files, which always take the KindFile branch.
	t.Skip("block-device creation requires root/loop-device setup unavailable in CI")
}
