// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package uring_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iopulse/iopulse/pkg/engine"
	"github.com/iopulse/iopulse/pkg/engine/uring"
)

// TestPipelinedBatchSubmission is seed scenario (b): a full queue depth of
// writes submitted before any completion is polled.
func TestPipelinedBatchSubmission(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "uring-*")
	require.NoError(t, err)
	defer f.Close()

	const blockSize = 4096
	const depth = 16
	require.NoError(t, f.Truncate(depth*blockSize))

	e := uring.New()
	require.NoError(t, e.Init(engine.Config{QueueDepth: depth}))
	defer e.Cleanup()

	buf := make([]byte, blockSize)
	for i := 0; i < depth; i++ {
		require.NoError(t, e.Submit(engine.Operation{
			Op:     engine.Write,
			FD:     f.Fd(),
			Offset: int64(i * blockSize),
			Buffer: buf,
			Length: blockSize,
			Tag:    uint64(i),
		}))
	}

	seen := make(map[uint64]bool)
	for len(seen) < depth {
		completions, err := e.PollCompletions()
		require.NoError(t, err)
		for _, c := range completions {
			require.NoError(t, c.Err)
			seen[c.Tag] = true
		}
	}
	assert.Len(t, seen, depth)
}

func TestQueueFullUntilPolled(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "uring-*")
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(2*4096))

	e := uring.New()
	require.NoError(t, e.Init(engine.Config{QueueDepth: 1}))
	defer e.Cleanup()

	buf := make([]byte, 4096)
	op := engine.Operation{Op: engine.Write, FD: f.Fd(), Buffer: buf, Length: len(buf)}
	require.NoError(t, e.Submit(op))

	err = e.Submit(op)
	assert.Error(t, err)

	_, err = e.PollCompletions()
	require.NoError(t, err)
	require.NoError(t, e.Submit(op))
}
