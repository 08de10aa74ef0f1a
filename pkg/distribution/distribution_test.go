// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package distribution_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iopulse/iopulse/pkg/distribution"
)

func TestAllDistributionsStayInRange(t *testing.T) {
	dists := map[string]distribution.Distribution{
		"uniform":    distribution.NewUniformSeeded(1),
		"sequential": distribution.NewSequential(),
		"zipf":       distribution.NewZipfSeeded(1.2, 1),
		"pareto":     distribution.NewParetoSeeded(0.9, 1),
		"gaussian":   distribution.NewGaussianSeeded(0.1, 0.5, 1),
	}
	for name, d := range dists {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 1000; i++ {
				block := d.NextBlock(1000)
				assert.Less(t, block, uint64(1000))
			}
		})
	}
}

func TestZeroBlocksReturnsZero(t *testing.T) {
	dists := map[string]distribution.Distribution{
		"uniform":    distribution.NewUniformSeeded(1),
		"sequential": distribution.NewSequential(),
		"zipf":       distribution.NewZipfSeeded(1.2, 1),
		"pareto":     distribution.NewParetoSeeded(0.9, 1),
		"gaussian":   distribution.NewGaussianSeeded(0.1, 0.5, 1),
	}
	for name, d := range dists {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, uint64(0), d.NextBlock(0))
		})
	}
}

func TestSequentialWrapsAround(t *testing.T) {
	d := distribution.NewSequential()
	assert.Equal(t, uint64(0), d.NextBlock(3))
	assert.Equal(t, uint64(1), d.NextBlock(3))
	assert.Equal(t, uint64(2), d.NextBlock(3))
	assert.Equal(t, uint64(0), d.NextBlock(3))
	assert.Equal(t, uint64(1), d.NextBlock(3))
}

func TestUniformSameSeedSameSequence(t *testing.T) {
	a := distribution.NewUniformSeeded(12345)
	b := distribution.NewUniformSeeded(12345)
	for i := 0; i < 10; i++ {
		require.Equal(t, a.NextBlock(1000), b.NextBlock(1000))
	}
}

func TestZipfSameSeedSameSequence(t *testing.T) {
	a := distribution.NewZipfSeeded(1.2, 12345)
	b := distribution.NewZipfSeeded(1.2, 12345)
	for i := 0; i < 10; i++ {
		require.Equal(t, a.NextBlock(1000), b.NextBlock(1000))
	}
}

// TestZipfSkewedTowardLowRanks asserts the power-law property: low block
// numbers are sampled far more often than high ones.
func TestZipfSkewedTowardLowRanks(t *testing.T) {
	d := distribution.NewZipfSeeded(1.5, 42)
	const numBlocks = 1000
	buckets := make([]int, 10)
	for i := 0; i < 10000; i++ {
		b := d.NextBlock(numBlocks)
		bucket := int(b * 10 / numBlocks)
		buckets[bucket]++
	}
	assert.Greater(t, buckets[0], buckets[9]*2)
}

// TestParetoConcentratesInFirstFifth checks the 80/20-style skew.
func TestParetoConcentratesInFirstFifth(t *testing.T) {
	d := distribution.NewParetoSeeded(0.9, 42)
	const numBlocks = 1000
	var lowCount int
	for i := 0; i < 10000; i++ {
		b := d.NextBlock(numBlocks)
		if b < numBlocks/5 {
			lowCount++
		}
	}
	assert.Greater(t, lowCount, 2500)
}

func TestGaussianClustersAroundCenter(t *testing.T) {
	d := distribution.NewGaussianSeeded(0.1, 0.5, 42)
	const numBlocks = 1000
	center := int64(numBlocks / 2)
	var totalDistance int64
	const samples = 1000
	for i := 0; i < samples; i++ {
		b := int64(d.NextBlock(numBlocks))
		dist := b - center
		if dist < 0 {
			dist = -dist
		}
		totalDistance += dist
	}
	avg := float64(totalDistance) / float64(samples)
	assert.Less(t, avg, numBlocks*0.15)
}

func TestInvalidParametersPanic(t *testing.T) {
	assert.Panics(t, func() { distribution.NewZipf(3.5) })
	assert.Panics(t, func() { distribution.NewZipf(-0.5) })
	assert.Panics(t, func() { distribution.NewPareto(10.5) })
	assert.Panics(t, func() { distribution.NewGaussian(0, 0.5) })
	assert.Panics(t, func() { distribution.NewGaussian(0.1, 1.5) })
}
