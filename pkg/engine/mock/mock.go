// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package mock provides a deterministic, in-memory Engine for worker-loop
// unit tests: no system calls, configurable success/failure and partial
// transfer, and a record of every submitted operation for assertions.
package mock

import (
	"sync"

	"github.com/iopulse/iopulse/pkg/engine"
	"github.com/iopulse/iopulse/pkg/ioerr"
)

// OperationRecord is a copy of a submitted Operation kept for test
// verification; it omits the buffer since tests assert on shape, not
// byte content.
type OperationRecord struct {
	Op     engine.OpType
	FD     uintptr
	Offset int64
	Length int
	Tag    uint64
}

// Engine is the mock backend.
type Engine struct {
	mu sync.Mutex

	capabilities engine.Capabilities
	pending      []engine.Operation
	submitted    []OperationRecord

	shouldFail   bool
	errMessage   string
	bytesPerOp   int // 0 means "use requested length"
}

var _ engine.Engine = (*Engine)(nil)

// New constructs a mock engine that succeeds every operation with the
// requested byte count and reports no special capabilities.
func New() *Engine {
	return &Engine{errMessage: "mock engine error"}
}

// WithCapabilities constructs a mock engine reporting the given
// capabilities, for exercising worker code paths that branch on them.
func WithCapabilities(caps engine.Capabilities) *Engine {
	e := New()
	e.capabilities = caps
	return e
}

// SetShouldFail toggles whether subsequent polls report every currently
// pending and future operation as failed.
func (e *Engine) SetShouldFail(fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shouldFail = fail
}

// SetErrorMessage sets the message used when SetShouldFail(true).
func (e *Engine) SetErrorMessage(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errMessage = msg
}

// SetBytesPerOp overrides the byte count reported on success; 0 restores
// the default of echoing back the operation's requested length, letting
// tests simulate short transfers.
func (e *Engine) SetBytesPerOp(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bytesPerOp = n
}

// PendingCount reports the number of operations not yet surfaced by
// PollCompletions.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// SubmittedOperations returns a copy of every operation submitted since
// construction or the last ClearSubmittedOperations.
func (e *Engine) SubmittedOperations() []OperationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]OperationRecord, len(e.submitted))
	copy(out, e.submitted)
	return out
}

// ClearSubmittedOperations resets the submission history.
func (e *Engine) ClearSubmittedOperations() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitted = nil
}

func (e *Engine) Init(_ engine.Config) error { return nil }

func (e *Engine) Capabilities() engine.Capabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capabilities
}

func (e *Engine) Submit(op engine.Operation) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.submitted = append(e.submitted, OperationRecord{
		Op:     op.Op,
		FD:     op.FD,
		Offset: op.Offset,
		Length: op.Length,
		Tag:    op.Tag,
	})
	e.pending = append(e.pending, op)
	return nil
}

func (e *Engine) PollCompletions() ([]engine.Completion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) == 0 {
		return nil, nil
	}

	completions := make([]engine.Completion, 0, len(e.pending))
	for _, op := range e.pending {
		c := engine.Completion{Tag: op.Tag, Op: op.Op}
		if e.shouldFail {
			c.Err = ioerr.Newf(ioerr.IOFailure, nil, "%s", e.errMessage)
		} else if e.bytesPerOp != 0 {
			c.N = e.bytesPerOp
		} else {
			c.N = op.Length
		}
		completions = append(completions, c)
	}
	e.pending = nil
	return completions, nil
}

func (e *Engine) Cleanup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = nil
	return nil
}
