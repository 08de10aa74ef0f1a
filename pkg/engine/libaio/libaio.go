// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package libaio implements the Linux native-asynchronous backend (§4.3c)
// over the kernel's aio-context primitives (io_setup/io_submit/
// io_getevents/io_destroy), called directly via raw syscalls — there is
// no maintained cgo-free libaio binding in the ecosystem, and the raw
// syscall numbers are stable ABI, matching the approach taken by
// runningwild/jolt's libaio engine.
package libaio

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/iopulse/iopulse/pkg/engine"
	"github.com/iopulse/iopulse/pkg/ioerr"
)

const (
	iocbCmdPread  = 0
	iocbCmdPwrite = 1
	iocbCmdFsync  = 2
	iocbCmdFdsync = 3
)

// iocb mirrors struct iocb (64-bit x86_64/arm64 layout).
type iocb struct {
	Data      uint64
	Key       uint32
	RWFlags   uint32
	OpCode    uint16
	ReqPrio   int16
	FD        uint32
	Buf       uint64
	NBytes    uint64
	Offset    int64
	Reserved2 uint64
	Flags     uint32
	ResFD     uint32
}

// ioEvent mirrors struct io_event.
type ioEvent struct {
	Data uint64
	Obj  uint64
	Res  int64
	Res2 int64
}

type slot struct {
	tag   uint64
	op    engine.OpType
	cb    iocb
	inUse bool
}

// Engine is the native-aio backend. A freelist of pre-allocated control
// blocks bounds capacity to the configured queue depth; Submit fails with
// QueueFull once the freelist is empty.
type Engine struct {
	ctxID uintptr
	qd    int

	slots    []slot
	free     []int // stack of free slot indices
	inFlight int

	events      []ioEvent
	completions []engine.Completion // reused scratch, sized qd
}

var _ engine.Engine = (*Engine)(nil)

// New constructs an uninitialized libaio engine.
func New() *Engine { return &Engine{} }

func (e *Engine) Init(cfg engine.Config) error {
	qd := cfg.QueueDepth
	if qd <= 0 {
		qd = 1
	}
	e.qd = qd
	e.slots = make([]slot, qd)
	e.free = make([]int, qd)
	for i := range e.free {
		e.free[i] = qd - 1 - i
	}
	e.events = make([]ioEvent, qd)
	e.completions = make([]engine.Completion, 0, qd)

	if _, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(qd), uintptr(unsafe.Pointer(&e.ctxID)), 0); errno != 0 {
		return ioerr.Newf(ioerr.IOFailure, errno, "libaio: io_setup(qd=%d)", qd)
	}
	return nil
}

func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		AsyncIO:         true,
		BatchSubmission: true,
		MaxQueueDepth:   e.qd,
	}
}

func (e *Engine) Submit(op engine.Operation) error {
	if op.Op == engine.Read || op.Op == engine.Write {
		if op.Length != len(op.Buffer) {
			return ioerr.Newf(ioerr.SubmissionError, engine.ErrInvalidLength(op.Length, len(op.Buffer)), "libaio: submit")
		}
	}
	if len(e.free) == 0 {
		return ioerr.Newf(ioerr.QueueFull, nil, "libaio: freelist exhausted (qd=%d)", e.qd)
	}

	idx := e.free[len(e.free)-1]
	e.free = e.free[:len(e.free)-1]

	s := &e.slots[idx]
	s.tag = op.Tag
	s.op = op.Op
	s.inUse = true
	s.cb = iocb{}
	s.cb.Data = uint64(idx)
	s.cb.FD = uint32(op.FD)
	s.cb.Offset = op.Offset

	switch op.Op {
	case engine.Read:
		s.cb.OpCode = iocbCmdPread
		s.cb.Buf = uint64(uintptr(unsafe.Pointer(&op.Buffer[0])))
		s.cb.NBytes = uint64(op.Length)
	case engine.Write:
		s.cb.OpCode = iocbCmdPwrite
		s.cb.Buf = uint64(uintptr(unsafe.Pointer(&op.Buffer[0])))
		s.cb.NBytes = uint64(op.Length)
	case engine.FlushAll:
		s.cb.OpCode = iocbCmdFsync
	case engine.FlushData:
		s.cb.OpCode = iocbCmdFdsync
	default:
		e.free = append(e.free, idx)
		s.inUse = false
		return ioerr.Newf(ioerr.SubmissionError, nil, "libaio: unknown op type %v", op.Op)
	}

	cbp := &s.cb
	n, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, e.ctxID, 1, uintptr(unsafe.Pointer(&cbp)))
	if errno != 0 {
		e.free = append(e.free, idx)
		s.inUse = false
		return ioerr.Newf(ioerr.SubmissionError, errno, "libaio: io_submit")
	}
	if n != 1 {
		e.free = append(e.free, idx)
		s.inUse = false
		return ioerr.Newf(ioerr.SubmissionError, nil, "libaio: io_submit submitted %d entries, expected 1", n)
	}

	e.inFlight++
	return nil
}

func (e *Engine) PollCompletions() ([]engine.Completion, error) {
	if e.inFlight == 0 {
		return nil, nil
	}

	minNr := 0
	if e.inFlight > 0 {
		minNr = 1
	}

	n, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS, e.ctxID, uintptr(minNr), uintptr(e.qd),
		uintptr(unsafe.Pointer(&e.events[0])), 0, 0)
	if errno != 0 && errno != unix.EINTR {
		return nil, ioerr.Newf(ioerr.IOFailure, errno, "libaio: io_getevents")
	}

	e.completions = e.completions[:0]
	for i := 0; i < int(n); i++ {
		evt := e.events[i]
		idx := int(evt.Data)
		s := &e.slots[idx]

		c := engine.Completion{Tag: s.tag, Op: s.op}
		if evt.Res < 0 {
			c.Err = ioerr.Newf(ioerr.IOFailure, unix.Errno(-evt.Res), "libaio: completion error")
		} else {
			c.N = int(evt.Res)
		}
		e.completions = append(e.completions, c)

		s.inUse = false
		e.free = append(e.free, idx)
		e.inFlight--
	}
	return e.completions, nil
}

func (e *Engine) Cleanup() error {
	for e.inFlight > 0 {
		if _, err := e.PollCompletions(); err != nil {
			return err
		}
	}
	if e.ctxID != 0 {
		unix.Syscall(unix.SYS_IO_DESTROY, e.ctxID, 0, 0)
		e.ctxID = 0
	}
	return nil
}
