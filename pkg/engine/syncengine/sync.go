// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package syncengine implements the synchronous positioned-I/O backend
// (§4.3a): submit performs the read/write/flush inline and stores the
// result; poll returns it. Capacity is 1 — there is never more than one
// operation in flight.
package syncengine

import (
	"golang.org/x/sys/unix"

	"github.com/iopulse/iopulse/pkg/engine"
	"github.com/iopulse/iopulse/pkg/ioerr"
)

// Engine is the synchronous, blocking I/O engine.
type Engine struct {
	pending *engine.Completion
}

var _ engine.Engine = (*Engine)(nil)

// New constructs an uninitialized synchronous engine.
func New() *Engine { return &Engine{} }

func (e *Engine) Init(_ engine.Config) error { return nil }

func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{MaxQueueDepth: 1}
}

func (e *Engine) Submit(op engine.Operation) error {
	if e.pending != nil {
		return ioerr.Newf(ioerr.QueueFull, nil, "sync engine: capacity is 1, completion not yet polled")
	}
	if op.Length != len(op.Buffer) {
		return ioerr.Newf(ioerr.SubmissionError, engine.ErrInvalidLength(op.Length, len(op.Buffer)), "sync engine: submit")
	}

	var n int
	var err error
	switch op.Op {
	case engine.Read:
		n, err = readFull(int(op.FD), op.Buffer[:op.Length], op.Offset)
	case engine.Write:
		n, err = writeFull(int(op.FD), op.Buffer[:op.Length], op.Offset)
	case engine.FlushAll:
		err = unix.Fsync(int(op.FD))
	case engine.FlushData:
		err = unix.Fdatasync(int(op.FD))
	default:
		err = ioerr.Newf(ioerr.SubmissionError, nil, "sync engine: unknown op type %v", op.Op)
	}

	e.pending = &engine.Completion{Tag: op.Tag, Op: op.Op, N: n, Err: err}
	return nil
}

func (e *Engine) PollCompletions() ([]engine.Completion, error) {
	if e.pending == nil {
		return nil, nil
	}
	c := *e.pending
	e.pending = nil
	return []engine.Completion{c}, nil
}

func (e *Engine) Cleanup() error { return nil }

// readFull re-issues pread from the advanced offset until length bytes
// have been read, EOF is reached (a short read), or an error occurs.
func readFull(fd int, buf []byte, offset int64) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Pread(fd, buf[total:], offset+int64(total))
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, ioerr.Newf(ioerr.ReadError, err, "pread at offset %d", offset+int64(total))
		}
		if n == 0 {
			// EOF: return whatever was transferred as a successful short read.
			return total, nil
		}
	}
	return total, nil
}

// writeFull re-issues pwrite from the advanced offset until length bytes
// have been written or an error occurs.
func writeFull(fd int, buf []byte, offset int64) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Pwrite(fd, buf[total:], offset+int64(total))
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, ioerr.Newf(ioerr.WriteError, err, "pwrite at offset %d", offset+int64(total))
		}
		if n == 0 {
			return total, ioerr.Newf(ioerr.WriteError, nil, "pwrite wrote 0 bytes at offset %d", offset+int64(total))
		}
	}
	return total, nil
}
