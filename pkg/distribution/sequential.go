// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package distribution

// Sequential generates block numbers in order starting at 0, wrapping
// back to 0 once the file's block count is exhausted.
type Sequential struct {
	current uint64
}

// NewSequential constructs a Sequential distribution starting at block 0.
func NewSequential() *Sequential { return &Sequential{} }

var _ Distribution = (*Sequential)(nil)

func (s *Sequential) NextBlock(numBlocks uint64) uint64 {
	if numBlocks == 0 {
		return 0
	}
	block := s.current
	s.current++
	if s.current >= numBlocks {
		s.current = 0
	}
	return block
}
