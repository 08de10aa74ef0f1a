// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package distribution

import (
	"math"
	"math/rand/v2"
)

// Gaussian generates block numbers following a normal distribution
// centered at a configurable fraction of the range, simulating locality
// of reference. Standard normal variables come from a Box-Muller
// transform, with the second of each generated pair cached for the next
// call.
type Gaussian struct {
	stddev   float64
	center   float64
	rng      *rand.Rand
	spare    float64
	hasSpare bool
}

// NewGaussian constructs a Gaussian distribution. stddev must be > 0
// (as a fraction of the block range) and center must be in [0, 1].
func NewGaussian(stddev, center float64) *Gaussian {
	validateGaussianParams(stddev, center)
	return &Gaussian{stddev: stddev, center: center, rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewGaussianSeeded constructs a Gaussian distribution with a
// deterministic seed.
func NewGaussianSeeded(stddev, center float64, seed uint64) *Gaussian {
	validateGaussianParams(stddev, center)
	return &Gaussian{stddev: stddev, center: center, rng: rand.New(rand.NewPCG(seed, seed))}
}

func validateGaussianParams(stddev, center float64) {
	if stddev <= 0 {
		panic("distribution: gaussian stddev must be positive")
	}
	if center < 0 || center > 1 {
		panic("distribution: gaussian center must be in range [0.0, 1.0]")
	}
}

var _ Distribution = (*Gaussian)(nil)

func (g *Gaussian) standardNormal() float64 {
	if g.hasSpare {
		g.hasSpare = false
		return g.spare
	}

	u1 := g.rng.Float64()
	u2 := g.rng.Float64()

	r := math.Sqrt(-2 * math.Log(u1))
	theta := 2 * math.Pi * u2

	z0 := r * math.Cos(theta)
	z1 := r * math.Sin(theta)

	g.spare = z1
	g.hasSpare = true
	return z0
}

func (g *Gaussian) NextBlock(numBlocks uint64) uint64 {
	if numBlocks <= 1 {
		return 0
	}

	z := g.standardNormal()

	n := float64(numBlocks)
	centerBlock := g.center * n
	value := centerBlock + z*g.stddev*n

	clamped := math.Max(0, math.Min(value, n-1))
	return uint64(clamped)
}
