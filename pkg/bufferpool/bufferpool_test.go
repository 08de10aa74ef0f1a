// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package bufferpool_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iopulse/iopulse/pkg/bufferpool"
)

func TestNewValidation(t *testing.T) {
	_, err := bufferpool.New(0, 4096, 4096)
	assert.Error(t, err)

	_, err = bufferpool.New(4, 0, 4096)
	assert.Error(t, err)

	_, err = bufferpool.New(4, 4096, 3)
	assert.Error(t, err)
}

func TestAcquireReleaseExhaustion(t *testing.T) {
	p, err := bufferpool.New(2, 512, 512)
	require.NoError(t, err)
	defer p.Close()

	a, ok := p.Acquire()
	require.True(t, ok)
	b, ok := p.Acquire()
	require.True(t, ok)
	assert.NotEqual(t, a, b)

	_, ok = p.Acquire()
	assert.False(t, ok, "pool should be exhausted")

	p.Release(a)
	c, ok := p.Acquire()
	require.True(t, ok)
	assert.Equal(t, a, c)
}

func TestDoubleReleasePanics(t *testing.T) {
	p, err := bufferpool.New(1, 512, 512)
	require.NoError(t, err)
	defer p.Close()

	idx, ok := p.Acquire()
	require.True(t, ok)
	p.Release(idx)
	assert.Panics(t, func() { p.Release(idx) })
}

func TestAlignment(t *testing.T) {
	const alignment = 4096
	p, err := bufferpool.New(8, 4096, alignment)
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 8; i++ {
		buf := p.Get(bufferpool.Index(i))
		require.Len(t, buf, 4096)
		addr := uintptr(unsafe.Pointer(&buf[0]))
		assert.Zero(t, addr%alignment, "buffer %d not aligned", i)
	}
}

func TestNoAliasing(t *testing.T) {
	p, err := bufferpool.New(4, 64, 64)
	require.NoError(t, err)
	defer p.Close()

	seen := map[bufferpool.Index]bool{}
	for i := 0; i < 4; i++ {
		idx, ok := p.Acquire()
		require.True(t, ok)
		assert.False(t, seen[idx], "index %d acquired twice while in flight", idx)
		seen[idx] = true
	}
}

func TestPrefillRandom(t *testing.T) {
	p, err := bufferpool.New(2, 256, 256)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.PrefillRandom())
	b0 := p.Get(0)
	b1 := p.Get(1)
	assert.NotEqual(t, b0, b1, "prefill should not produce identical buffers")
}
