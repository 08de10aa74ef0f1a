// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package distribution

import "math/rand/v2"

// Uniform generates block numbers with equal probability across the
// entire range. This is the default access pattern.
type Uniform struct {
	rng *rand.Rand
}

// NewUniform constructs a Uniform distribution seeded from the runtime's
// entropy source.
func NewUniform() *Uniform {
	return &Uniform{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewUniformSeeded constructs a Uniform distribution with a
// deterministic seed, for reproducible runs and tests.
func NewUniformSeeded(seed uint64) *Uniform {
	return &Uniform{rng: rand.New(rand.NewPCG(seed, seed))}
}

var _ Distribution = (*Uniform)(nil)

func (u *Uniform) NextBlock(numBlocks uint64) uint64 {
	if numBlocks == 0 {
		return 0
	}
	return u.rng.Uint64N(numBlocks)
}
