// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package worker implements the pipelined queue-depth execution loop
// (C7): the per-worker goroutine that owns one engine, one or more
// targets, a buffer pool, a block-selection distribution and a
// statistics object, and drives them until a configured completion
// criterion is met.
package worker

import (
	"encoding/binary"

	"github.com/iopulse/iopulse/pkg/target"
)

// FillPattern fills buf with the deterministic byte sequence a worker
// writes for a given write pattern, offset and worker id. The same
// function run over the same (offset, workerID) pair always reproduces
// the same bytes, which is what makes read verification possible without
// keeping a separate record of what was written.
func FillPattern(buf []byte, pattern target.RefillPattern, offset int64, workerID int) {
	switch pattern {
	case target.PatternZero:
		for i := range buf {
			buf[i] = 0
		}
	case target.PatternOne:
		for i := range buf {
			buf[i] = 0xFF
		}
	case target.PatternSequential:
		for i := range buf {
			buf[i] = byte(i)
		}
	default:
		fillDeterministic(buf, offset, workerID)
	}
}

// fillDeterministic derives a repeatable pseudo-random-looking byte
// sequence from (offset, workerID), used for the "Random" write pattern
// (and any pattern FillPattern does not name), so VerifyPattern can
// check it later. The other patterns carry no offset or worker signature.
func fillDeterministic(buf []byte, offset int64, workerID int) {
	var seed [16]byte
	binary.LittleEndian.PutUint64(seed[0:8], uint64(offset))
	binary.LittleEndian.PutUint32(seed[8:12], uint32(workerID))
	for i := range buf {
		buf[i] = seed[i%12] ^ byte(i)
	}
}

// VerifyPattern reports whether buf matches the bytes FillPattern would
// have written for the same (pattern, offset, workerID).
func VerifyPattern(buf []byte, pattern target.RefillPattern, offset int64, workerID int) bool {
	expected := make([]byte, len(buf))
	FillPattern(expected, pattern, offset, workerID)
	for i := range buf {
		if buf[i] != expected[i] {
			return false
		}
	}
	return true
}
