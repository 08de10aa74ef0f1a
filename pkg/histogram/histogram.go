// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package histogram provides a bounded, logarithmic-bucket latency
// histogram with mergeable state and percentile queries, built on top of
// HdrHistogram-go. Values are recorded and reported in nanoseconds.
package histogram

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// MinValue and MaxValue bound the recordable range in nanoseconds,
	// matching the contract of spec.md §4.2: [1, 3.6e12] ns (an hour).
	MinValue = 1
	MaxValue = 3_600_000_000_000

	// SigFigs is the number of significant decimal digits of precision
	// HdrHistogram preserves per value.
	SigFigs = 3
)

// Histogram is a mergeable, bounded latency histogram. The zero value is
// not usable; construct with New.
type Histogram struct {
	h *hdrhistogram.Histogram
}

// New returns a histogram pre-sized for its full value range, so that
// later Clone/Merge calls in the hot path never resize the underlying
// bucket array.
func New() *Histogram {
	return &Histogram{h: hdrhistogram.New(MinValue, MaxValue, SigFigs)}
}

// Record saturating-clamps d into [MinValue, MaxValue] nanoseconds and
// records it.
func (h *Histogram) Record(d time.Duration) {
	v := d.Nanoseconds()
	if v < MinValue {
		v = MinValue
	}
	if v > MaxValue {
		v = MaxValue
	}
	// RecordValue only fails when v is out of range, which cannot happen
	// after the clamp above.
	_ = h.h.RecordValue(v)
}

// Count returns the number of recorded values.
func (h *Histogram) Count() int64 { return h.h.TotalCount() }

// Min returns the smallest recorded value, or 0 if nothing was recorded.
func (h *Histogram) Min() time.Duration { return time.Duration(h.h.Min()) }

// Max returns the largest recorded value, or 0 if nothing was recorded.
// The library reports the upper bound of the value's bucket, so the
// result is capped at MaxValue to stay inside the clamped range.
func (h *Histogram) Max() time.Duration {
	m := h.h.Max()
	if m > MaxValue {
		m = MaxValue
	}
	return time.Duration(m)
}

// Mean returns the arithmetic mean of all recorded values.
func (h *Histogram) Mean() time.Duration { return time.Duration(h.h.Mean()) }

// StdDev returns the standard deviation of all recorded values.
func (h *Histogram) StdDev() time.Duration { return time.Duration(h.h.StdDev()) }

// Percentile returns the value at percentile p (0-100 inclusive).
func (h *Histogram) Percentile(p float64) time.Duration {
	return time.Duration(h.h.ValueAtQuantile(p))
}

// Merge folds other's recorded values into h. Associative and
// commutative: merging a set of per-worker histograms in any order
// produces the same result.
func (h *Histogram) Merge(other *Histogram) {
	if other == nil {
		return
	}
	h.h.Merge(other.h)
}

// Reset discards all recorded values without freeing the underlying
// bucket array.
func (h *Histogram) Reset() {
	h.h.Reset()
}

// CloneInto resets dst and merges h's current state into it. Used on the
// worker hot path (periodic snapshot publication) where dst is a
// pre-allocated histogram owned by the shared live-snapshot slot — this
// never allocates once dst has been sized by New().
func (h *Histogram) CloneInto(dst *Histogram) {
	dst.Reset()
	dst.Merge(h)
}

// Clone returns a new, independent Histogram with the same recorded
// state. Convenience wrapper around CloneInto for call sites outside the
// hot path (tests, final aggregation).
func (h *Histogram) Clone() *Histogram {
	dst := New()
	h.CloneInto(dst)
	return dst
}

// Encode serializes the histogram's exported snapshot via gob — the same
// wire encoding pkg/protocol uses for every other message — for
// embedding in a Snapshot or wire message.
func (h *Histogram) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(h.h.Export()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reconstructs a Histogram from bytes produced by Encode.
func Decode(data []byte) (*Histogram, error) {
	var snap hdrhistogram.Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, err
	}
	return &Histogram{h: hdrhistogram.Import(&snap)}, nil
}
