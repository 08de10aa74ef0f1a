// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package stats

import "github.com/iopulse/iopulse/pkg/histogram"

// MetadataOp identifies one of the metadata operations tracked with its
// own latency histogram.
type MetadataOp int

const (
	MetaOpen MetadataOp = iota
	MetaClose
	MetaStat
	MetaSetattr
	MetaMkdir
	MetaRmdir
	MetaUnlink
	MetaRename
	MetaReaddir
	MetaFsync
	metaOpCount
)

// Histograms bundles every latency histogram a worker maintains: the
// combined read+write distribution, the per-direction distributions, one
// per metadata operation, and an optional lock-acquisition distribution
// (only populated when a lock mode other than none is configured).
type Histograms struct {
	Combined *histogram.Histogram
	Read     *histogram.Histogram
	Write    *histogram.Histogram
	Metadata [metaOpCount]*histogram.Histogram

	// LockAcquire is nil unless the target configuration requests byte-range
	// or whole-file locking; most runs never touch it.
	LockAcquire *histogram.Histogram
}

// NewHistograms allocates a fully populated Histograms bundle. trackLocks
// controls whether LockAcquire is allocated.
func NewHistograms(trackLocks bool) *Histograms {
	h := &Histograms{
		Combined: histogram.New(),
		Read:     histogram.New(),
		Write:    histogram.New(),
	}
	for i := range h.Metadata {
		h.Metadata[i] = histogram.New()
	}
	if trackLocks {
		h.LockAcquire = histogram.New()
	}
	return h
}

// RecordIO records an I/O operation's latency into Combined and its
// direction-specific histogram.
func (h *Histograms) RecordIO(isWrite bool, nanos int64) {
	d := nsAsDuration(nanos)
	h.Combined.Record(d)
	if isWrite {
		h.Write.Record(d)
	} else {
		h.Read.Record(d)
	}
}

// RecordMetadataOp records a metadata operation's latency into its
// dedicated histogram.
func (h *Histograms) RecordMetadataOp(op MetadataOp, nanos int64) {
	if op < 0 || int(op) >= len(h.Metadata) {
		return
	}
	h.Metadata[op].Record(nsAsDuration(nanos))
}

// RecordLockAcquire records a lock-wait latency, if lock tracking is
// enabled; it is a no-op otherwise.
func (h *Histograms) RecordLockAcquire(nanos int64) {
	if h.LockAcquire == nil {
		return
	}
	h.LockAcquire.Record(nsAsDuration(nanos))
}

// Clone returns an independent deep copy of the bundle, suitable for
// embedding in a Snapshot without racing the live histograms.
func (h *Histograms) Clone() *Histograms {
	out := &Histograms{
		Combined: h.Combined.Clone(),
		Read:     h.Read.Clone(),
		Write:    h.Write.Clone(),
	}
	for i := range h.Metadata {
		out.Metadata[i] = h.Metadata[i].Clone()
	}
	if h.LockAcquire != nil {
		out.LockAcquire = h.LockAcquire.Clone()
	}
	return out
}

// Merge folds other's recorded values into h, histogram by histogram.
func (h *Histograms) Merge(other *Histograms) {
	if other == nil {
		return
	}
	h.Combined.Merge(other.Combined)
	h.Read.Merge(other.Read)
	h.Write.Merge(other.Write)
	for i := range h.Metadata {
		h.Metadata[i].Merge(other.Metadata[i])
	}
	if h.LockAcquire != nil && other.LockAcquire != nil {
		h.LockAcquire.Merge(other.LockAcquire)
	}
}
