// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package mmapengine implements the memory-mapped backend (§4.3d): each
// descriptor is lazily mapped PROT_READ|PROT_WRITE, MAP_SHARED on first
// use, and operations copy bytes between the mapping and the caller's
// buffer instead of going through read/write syscalls. There is no
// queue of its own; correctness under concurrent flush relies on kernel
// mapping semantics, so durability always requires an explicit msync.
package mmapengine

import (
	"golang.org/x/sys/unix"

	"github.com/iopulse/iopulse/pkg/engine"
	"github.com/iopulse/iopulse/pkg/ioerr"
)

type mapping struct {
	data []byte
	size int64
}

// Engine is the memory-mapped backend. Capacity is 1 — submit/poll are a
// synchronous pair, like syncengine, but data moves via memcpy against a
// cached mapping rather than pread/pwrite.
type Engine struct {
	mappings map[uintptr]*mapping
	fifo     []engine.Completion
}

var _ engine.Engine = (*Engine)(nil)

// New constructs an uninitialized mmap engine.
func New() *Engine { return &Engine{} }

func (e *Engine) Init(_ engine.Config) error {
	e.mappings = make(map[uintptr]*mapping)
	return nil
}

func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{MaxQueueDepth: 1}
}

func (e *Engine) mappingFor(fd uintptr) (*mapping, error) {
	if m, ok := e.mappings[fd]; ok {
		return m, nil
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(fd), &st); err != nil {
		return nil, ioerr.Newf(ioerr.MetadataError, err, "mmap engine: fstat fd=%d", fd)
	}
	size := st.Size
	if size == 0 {
		// Nothing to map yet; treated lazily as an empty mapping so reads
		// past end-of-file behave correctly without requiring a prior
		// preallocation step.
		m := &mapping{data: nil, size: 0}
		e.mappings[fd] = m
		return m, nil
	}

	data, err := unix.Mmap(int(fd), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, ioerr.Newf(ioerr.IOFailure, err, "mmap engine: mmap fd=%d size=%d", fd, size)
	}

	m := &mapping{data: data, size: size}
	e.mappings[fd] = m
	return m, nil
}

func (e *Engine) Submit(op engine.Operation) error {
	if op.Op == engine.Read || op.Op == engine.Write {
		if op.Length != len(op.Buffer) {
			return ioerr.Newf(ioerr.SubmissionError, engine.ErrInvalidLength(op.Length, len(op.Buffer)), "mmap engine: submit")
		}
		if op.Length == 0 {
			return ioerr.Newf(ioerr.SubmissionError, nil, "mmap engine: zero-length operation rejected")
		}
	}

	c := engine.Completion{Tag: op.Tag, Op: op.Op}

	m, err := e.mappingFor(op.FD)
	if err != nil {
		c.Err = err
		e.fifo = append(e.fifo, c)
		return nil
	}

	switch op.Op {
	case engine.Read:
		c.N, c.Err = e.readFromMapping(m, op)
	case engine.Write:
		c.N, c.Err = e.writeToMapping(m, op)
	case engine.FlushAll, engine.FlushData:
		if m.data != nil {
			if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
				c.Err = ioerr.Newf(ioerr.IOFailure, err, "mmap engine: msync")
			}
		}
	default:
		c.Err = ioerr.Newf(ioerr.SubmissionError, nil, "mmap engine: unknown op type %v", op.Op)
	}

	e.fifo = append(e.fifo, c)
	return nil
}

// readFromMapping copies bytes out of the mapping. Reads that start at or
// past end-of-file return 0 bytes, not an error; reads that straddle
// end-of-file return a short count.
func (e *Engine) readFromMapping(m *mapping, op engine.Operation) (int, error) {
	if op.Offset >= m.size {
		return 0, nil
	}
	end := op.Offset + int64(op.Length)
	if end > m.size {
		end = m.size
	}
	n := copy(op.Buffer[:op.Length], m.data[op.Offset:end])
	return n, nil
}

// writeToMapping copies bytes into the mapping. A write that would start
// or extend past end-of-file fails with OffsetOverrun — the mapping is
// fixed at the size observed when it was established and is never grown.
func (e *Engine) writeToMapping(m *mapping, op engine.Operation) (int, error) {
	end := op.Offset + int64(op.Length)
	if op.Offset >= m.size || end > m.size {
		return 0, ioerr.Newf(ioerr.WriteError, nil, "mmap engine: write [%d,%d) overruns mapped size %d", op.Offset, end, m.size)
	}
	n := copy(m.data[op.Offset:end], op.Buffer[:op.Length])
	return n, nil
}

func (e *Engine) PollCompletions() ([]engine.Completion, error) {
	if len(e.fifo) == 0 {
		return nil, nil
	}
	out := e.fifo
	e.fifo = nil
	return out, nil
}

func (e *Engine) Cleanup() error {
	var firstErr error
	for fd, m := range e.mappings {
		if m.data == nil {
			continue
		}
		if err := unix.Munmap(m.data); err != nil && firstErr == nil {
			firstErr = ioerr.Newf(ioerr.IOFailure, err, "mmap engine: munmap fd=%d", fd)
		}
	}
	e.mappings = nil
	if firstErr != nil {
		return firstErr
	}
	return nil
}
