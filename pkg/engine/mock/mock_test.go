// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iopulse/iopulse/pkg/engine"
	"github.com/iopulse/iopulse/pkg/engine/mock"
)

func TestBasicCompletion(t *testing.T) {
	e := mock.New()
	require.NoError(t, e.Init(engine.Config{}))

	require.NoError(t, e.Submit(engine.Operation{Op: engine.Read, FD: 1, Length: 4096, Tag: 42}))

	completions, err := e.PollCompletions()
	require.NoError(t, err)
	require.Len(t, completions, 1)
	assert.Equal(t, uint64(42), completions[0].Tag)
	assert.Equal(t, engine.Read, completions[0].Op)
	assert.NoError(t, completions[0].Err)
	assert.Equal(t, 4096, completions[0].N)
}

func TestFailureMode(t *testing.T) {
	e := mock.New()
	e.SetShouldFail(true)
	e.SetErrorMessage("test error")
	require.NoError(t, e.Init(engine.Config{}))

	require.NoError(t, e.Submit(engine.Operation{Op: engine.Write, FD: 2, Offset: 1024, Length: 8192, Tag: 99}))

	completions, err := e.PollCompletions()
	require.NoError(t, err)
	require.Len(t, completions, 1)
	assert.ErrorContains(t, completions[0].Err, "test error")
}

func TestPartialTransfer(t *testing.T) {
	e := mock.New()
	e.SetBytesPerOp(2048)
	require.NoError(t, e.Init(engine.Config{}))

	require.NoError(t, e.Submit(engine.Operation{Op: engine.Read, FD: 3, Length: 4096, Tag: 1}))

	completions, err := e.PollCompletions()
	require.NoError(t, err)
	require.Len(t, completions, 1)
	assert.Equal(t, 2048, completions[0].N)
}

func TestMultipleOperations(t *testing.T) {
	e := mock.New()
	require.NoError(t, e.Init(engine.Config{}))

	for i := 0; i < 5; i++ {
		op := engine.Write
		if i%2 == 0 {
			op = engine.Read
		}
		require.NoError(t, e.Submit(engine.Operation{
			Op:     op,
			FD:     1,
			Offset: int64(i) * 4096,
			Length: 4096,
			Tag:    uint64(i),
		}))
	}

	completions, err := e.PollCompletions()
	require.NoError(t, err)
	require.Len(t, completions, 5)
	for i, c := range completions {
		assert.Equal(t, uint64(i), c.Tag)
	}
}

func TestOperationTracking(t *testing.T) {
	e := mock.New()
	require.NoError(t, e.Init(engine.Config{}))

	require.NoError(t, e.Submit(engine.Operation{Op: engine.Read, FD: 1, Length: 4096, Tag: 1}))
	require.NoError(t, e.Submit(engine.Operation{Op: engine.Write, FD: 2, Offset: 8192, Length: 16384, Tag: 2}))

	submitted := e.SubmittedOperations()
	require.Len(t, submitted, 2)
	assert.Equal(t, engine.Read, submitted[0].Op)
	assert.Equal(t, 4096, submitted[0].Length)
	assert.Equal(t, engine.Write, submitted[1].Op)
	assert.Equal(t, int64(8192), submitted[1].Offset)
	assert.Equal(t, 16384, submitted[1].Length)

	e.ClearSubmittedOperations()
	assert.Empty(t, e.SubmittedOperations())
}

func TestCapabilitiesReported(t *testing.T) {
	caps := engine.Capabilities{
		AsyncIO:           true,
		BatchSubmission:   true,
		RegisteredBuffers: true,
		FixedFiles:        true,
		PollingMode:       true,
		MaxQueueDepth:     256,
	}
	e := mock.WithCapabilities(caps)
	assert.Equal(t, caps, e.Capabilities())
}

func TestCleanupClearsPending(t *testing.T) {
	e := mock.New()
	require.NoError(t, e.Init(engine.Config{}))

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Submit(engine.Operation{Op: engine.Read, FD: 1, Offset: int64(i) * 4096, Length: 4096, Tag: uint64(i)}))
	}
	assert.Equal(t, 3, e.PendingCount())

	require.NoError(t, e.Cleanup())
	assert.Equal(t, 0, e.PendingCount())
}
