// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package uring implements the io_uring backend (§4.3b) over
// github.com/pawelgaczynski/giouring. Each Submit prepares one submission
// queue entry and hands it to the kernel straight away; entries are not
// batched across Submit calls. PollCompletions blocks in WaitCQE for at
// least one completion when operations are in flight, then drains any
// others that are already complete without blocking. UserData on each
// entry carries a ring-local sequence key, and a side table maps that key
// back to the caller's tag.
package uring

import (
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/iopulse/iopulse/pkg/engine"
	"github.com/iopulse/iopulse/pkg/ioerr"
)

// tagRecord remembers what a submitted SQE was for, since the completion
// queue only gives back the 64-bit UserData we set on submission.
type tagRecord struct {
	tag uint64
	op  engine.OpType
}

// Engine is the io_uring backend.
type Engine struct {
	ring     *giouring.Ring
	depth    uint32
	inFlight int

	pending map[uint64]tagRecord
	seq     uint64
}

var _ engine.Engine = (*Engine)(nil)

// New constructs an uninitialized io_uring engine.
func New() *Engine { return &Engine{} }

func (e *Engine) Init(cfg engine.Config) error {
	depth := uint32(cfg.QueueDepth)
	if depth == 0 {
		depth = 1
	}
	e.depth = depth
	e.pending = make(map[uint64]tagRecord, depth)

	ring, err := giouring.CreateRing(depth)
	if err != nil {
		return ioerr.Newf(ioerr.IOFailure, err, "uring: create ring (depth=%d)", depth)
	}
	e.ring = ring
	return nil
}

func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		AsyncIO:         true,
		BatchSubmission: true,
		MaxQueueDepth:   int(e.depth),
	}
}

// seqKey mints a ring-local correlation key distinct from the caller's
// Tag, since UserData must be unique per outstanding SQE and tags are
// only meaningful to the caller.
func (e *Engine) seqKey() uint64 {
	e.seq++
	return e.seq
}

func (e *Engine) Submit(op engine.Operation) error {
	if op.Op == engine.Read || op.Op == engine.Write {
		if op.Length != len(op.Buffer) {
			return ioerr.Newf(ioerr.SubmissionError, engine.ErrInvalidLength(op.Length, len(op.Buffer)), "uring: submit")
		}
	}
	if uint32(e.inFlight) >= e.depth {
		return ioerr.Newf(ioerr.QueueFull, nil, "uring: submission queue exhausted (depth=%d)", e.depth)
	}

	sqe := e.ring.GetSQE()
	if sqe == nil {
		return ioerr.Newf(ioerr.QueueFull, nil, "uring: no free submission queue entry")
	}

	key := e.seqKey()
	fd := int32(op.FD)

	switch op.Op {
	case engine.Read:
		sqe.PrepareRead(fd, uintptr(unsafe.Pointer(&op.Buffer[0])), uint32(op.Length), uint64(op.Offset))
	case engine.Write:
		sqe.PrepareWrite(fd, uintptr(unsafe.Pointer(&op.Buffer[0])), uint32(op.Length), uint64(op.Offset))
	case engine.FlushAll:
		sqe.PrepareFsync(fd, 0)
	case engine.FlushData:
		sqe.PrepareFsync(fd, giouring.FsyncDatasync)
	default:
		return ioerr.Newf(ioerr.SubmissionError, nil, "uring: unknown op type %v", op.Op)
	}
	sqe.UserData = key

	e.pending[key] = tagRecord{tag: op.Tag, op: op.Op}

	if _, err := e.ring.Submit(); err != nil {
		delete(e.pending, key)
		return ioerr.Newf(ioerr.SubmissionError, err, "uring: submit")
	}
	e.inFlight++
	return nil
}

func (e *Engine) PollCompletions() ([]engine.Completion, error) {
	if e.inFlight == 0 {
		return nil, nil
	}

	var completions []engine.Completion
	cqe, err := e.ring.WaitCQE()
	if err != nil {
		return nil, ioerr.Newf(ioerr.IOFailure, err, "uring: wait_cqe")
	}
	completions = append(completions, e.reap(cqe))
	e.ring.SeenCQE(cqe)

	// Drain whatever else already completed without blocking again.
	for {
		next, peekErr := e.ring.PeekCQE()
		if peekErr != nil || next == nil {
			break
		}
		completions = append(completions, e.reap(next))
		e.ring.SeenCQE(next)
	}
	return completions, nil
}

func (e *Engine) reap(cqe *giouring.CompletionQueueEvent) engine.Completion {
	rec, ok := e.pending[cqe.UserData]
	delete(e.pending, cqe.UserData)
	e.inFlight--

	c := engine.Completion{Op: rec.op}
	if ok {
		c.Tag = rec.tag
	}
	if cqe.Res < 0 {
		c.Err = ioerr.Newf(ioerr.IOFailure, unix.Errno(-cqe.Res), "uring: completion error")
	} else {
		c.N = int(cqe.Res)
	}
	return c
}

func (e *Engine) Cleanup() error {
	for e.inFlight > 0 {
		if _, err := e.PollCompletions(); err != nil {
			return err
		}
	}
	if e.ring != nil {
		e.ring.QueueExit()
		e.ring = nil
	}
	return nil
}
