// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package distribution

import (
	"math"
	"math/rand/v2"
	"sort"
)

// zipfCDFCap bounds the pre-computed CDF's rank count regardless of how
// many blocks the file has, keeping initialization under a few
// milliseconds even for multi-terabyte targets.
const zipfCDFCap = 1_000_000

// Zipf generates block numbers following a power-law distribution:
// P(k) ∝ 1/k^theta. Small theta (0.5) is close to uniform; large theta
// (2.0) concentrates heavily on a few hot blocks. Uses inverse-transform
// sampling over a pre-computed CDF, located by binary search.
type Zipf struct {
	theta float64
	cdf   []float64
	rng   *rand.Rand
}

// NewZipf constructs a Zipf distribution. theta must be in [0, 3].
func NewZipf(theta float64) *Zipf {
	if theta < 0 || theta > 3 {
		panic("distribution: zipf theta must be in range [0.0, 3.0]")
	}
	return &Zipf{theta: theta, rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewZipfSeeded constructs a Zipf distribution with a deterministic seed.
func NewZipfSeeded(theta float64, seed uint64) *Zipf {
	if theta < 0 || theta > 3 {
		panic("distribution: zipf theta must be in range [0.0, 3.0]")
	}
	return &Zipf{theta: theta, rng: rand.New(rand.NewPCG(seed, seed))}
}

var _ Distribution = (*Zipf)(nil)

func (z *Zipf) computeCDF(numBlocks uint64) {
	n := numBlocks
	if n > zipfCDFCap {
		n = zipfCDFCap
	}

	var hns float64
	for i := uint64(1); i <= n; i++ {
		hns += math.Pow(float64(i), -z.theta)
	}

	z.cdf = make([]float64, 0, n)
	var cumulative float64
	for i := uint64(1); i <= n; i++ {
		cumulative += math.Pow(float64(i), -z.theta) / hns
		z.cdf = append(z.cdf, cumulative)
	}
}

func (z *Zipf) NextBlock(numBlocks uint64) uint64 {
	if numBlocks <= 1 {
		return 0
	}
	if len(z.cdf) == 0 {
		z.computeCDF(numBlocks)
	}

	u := z.rng.Float64()
	rank := sort.Search(len(z.cdf), func(i int) bool { return z.cdf[i] >= u })

	block := (uint64(rank) * numBlocks) / uint64(len(z.cdf))
	if block >= numBlocks {
		block = numBlocks - 1
	}
	return block
}
