// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package bufferpool owns a fixed set of block-size, page-aligned buffers
// handed out and returned by index. It never grows: allocation failure at
// construction is fatal, matching the contract a worker relies on to
// guarantee buffer non-aliasing for the lifetime of a run.
package bufferpool

import (
	"crypto/rand"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Index identifies one buffer slot owned by the pool.
type Index int

// Pool is a fixed-capacity set of page-aligned buffers. At most one
// in-flight I/O operation may reference a given Index at a time; the
// acquire/release discipline enforces that invariant.
type Pool struct {
	blockSize int
	alignment int
	capacity  int

	slab []byte // backing store for every buffer, mmap'd anonymous memory

	mu    sync.Mutex
	free  []Index // stack of free indices
	inUse []bool
}

// New allocates capacity buffers of blockSize bytes, each aligned to
// alignment (which must be a power of two). Allocation failure is fatal:
// New returns an error the caller should treat as unrecoverable.
func New(capacity, blockSize, alignment int) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("bufferpool: capacity must be > 0, got %d", capacity)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("bufferpool: blockSize must be > 0, got %d", blockSize)
	}
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("bufferpool: alignment must be a power of two, got %d", alignment)
	}

	// Over-allocate by one alignment so every buffer's start address can be
	// rounded up to the requested alignment, regardless of where the mmap
	// region lands.
	total := capacity*blockSize + alignment
	slab, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("bufferpool: failed to allocate %d bytes: %w", total, err)
	}

	p := &Pool{
		blockSize: blockSize,
		alignment: alignment,
		capacity:  capacity,
		slab:      slab,
		free:      make([]Index, capacity),
		inUse:     make([]bool, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.free[i] = Index(capacity - 1 - i) // pop from the end acquires index 0 first
	}
	return p, nil
}

// alignedStart returns the byte offset into the slab at which the first
// aligned buffer begins.
func (p *Pool) alignedStart() int {
	addr := uintptr(unsafe.Pointer(&p.slab[0]))
	mask := uintptr(p.alignment - 1)
	aligned := (addr + mask) &^ mask
	return int(aligned - addr)
}

func (p *Pool) offsetFor(i Index) int {
	return p.alignedStart() + int(i)*p.blockSize
}

// Acquire returns a free buffer index, or false if every buffer is
// currently in flight.
func (p *Pool) Acquire() (Index, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, false
	}
	n := len(p.free) - 1
	idx := p.free[n]
	p.free = p.free[:n]
	p.inUse[idx] = true
	return idx, true
}

// Release returns idx to the pool. Must be called exactly once per
// Acquire that produced idx.
func (p *Pool) Release(idx Index) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inUse[idx] {
		panic(fmt.Sprintf("bufferpool: double release of index %d", idx))
	}
	p.inUse[idx] = false
	p.free = append(p.free, idx)
}

// Get borrows the bytes behind idx. The caller must not retain the slice
// beyond the matching Release.
func (p *Pool) Get(idx Index) []byte {
	off := p.offsetFor(idx)
	return p.slab[off : off+p.blockSize]
}

// BlockSize returns the fixed size of every buffer in the pool.
func (p *Pool) BlockSize() int { return p.blockSize }

// Capacity returns the number of buffers the pool was constructed with.
func (p *Pool) Capacity() int { return p.capacity }

// Available returns the number of buffers currently free.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// PrefillRandom overwrites every buffer with cryptographic-quality random
// bytes. Invoked once at worker startup when the write pattern is Random
// and verification is disabled, to avoid paying the fill cost on every
// operation.
func (p *Pool) PrefillRandom() error {
	for i := 0; i < p.capacity; i++ {
		if _, err := rand.Read(p.Get(Index(i))); err != nil {
			return fmt.Errorf("bufferpool: prefill failed: %w", err)
		}
	}
	return nil
}

// Close releases the backing mmap region. Not safe to call while any
// buffer is still in flight.
func (p *Pool) Close() error {
	return unix.Munmap(p.slab)
}
