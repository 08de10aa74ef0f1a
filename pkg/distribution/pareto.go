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

// paretoCDFRanks bounds the pre-computed CDF's rank count; empirically
// h ≈ 0.9 over this many ranks reproduces the 80/20 access pattern the
// Pareto principle describes.
const paretoCDFRanks = 100_000

// Pareto generates block numbers following the Pareto principle: a
// small fraction of blocks receive the majority of accesses. h controls
// the skew — h ≈ 0.9 approximates an 80/20 split. Implemented as a
// Zipf-like inverse-CDF sampler rather than the textbook Pareto inverse
// CDF, which doesn't map cleanly onto a bounded block range.
type Pareto struct {
	h   float64
	cdf []float64
	rng *rand.Rand
}

// NewPareto constructs a Pareto distribution. h must be in [0, 10].
func NewPareto(h float64) *Pareto {
	if h < 0 || h > 10 {
		panic("distribution: pareto h must be in range [0.0, 10.0]")
	}
	return &Pareto{h: h, rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewParetoSeeded constructs a Pareto distribution with a deterministic
// seed.
func NewParetoSeeded(h float64, seed uint64) *Pareto {
	if h < 0 || h > 10 {
		panic("distribution: pareto h must be in range [0.0, 10.0]")
	}
	return &Pareto{h: h, rng: rand.New(rand.NewPCG(seed, seed))}
}

var _ Distribution = (*Pareto)(nil)

func (p *Pareto) computeCDF(numBlocks uint64) {
	n := numBlocks
	if n > paretoCDFRanks {
		n = paretoCDFRanks
	}

	exponent := p.h
	var sum float64
	for i := uint64(1); i <= n; i++ {
		sum += math.Pow(float64(i), -exponent)
	}

	p.cdf = make([]float64, 0, n)
	var cumulative float64
	for i := uint64(1); i <= n; i++ {
		cumulative += math.Pow(float64(i), -exponent) / sum
		p.cdf = append(p.cdf, cumulative)
	}
}

func (p *Pareto) NextBlock(numBlocks uint64) uint64 {
	if numBlocks <= 1 {
		return 0
	}
	if len(p.cdf) == 0 {
		p.computeCDF(numBlocks)
	}

	u := p.rng.Float64()
	rank := sort.Search(len(p.cdf), func(i int) bool { return p.cdf[i] >= u })

	block := (uint64(rank) * numBlocks) / uint64(len(p.cdf))
	if block >= numBlocks {
		block = numBlocks - 1
	}
	return block
}
