// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package distribution implements the random block-number generators
// (C5, §4.4 in the glossary sense): each Distribution produces block
// indices in [0, numBlocks), not byte offsets, so a worker's
// offset := blockNum * blockSize is always block-aligned regardless of
// which distribution chose it.
package distribution

// Distribution generates the next block number to operate on, given the
// file's total block count. Implementations are not safe for concurrent
// use; each worker owns its own instance.
type Distribution interface {
	NextBlock(numBlocks uint64) uint64
}
