// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ioerr defines the stable, user-visible error taxonomy shared by
// every IOPulse subsystem: engines, targets, workers, the node service and
// the coordinator all wrap failures in a Kind so callers can branch on
// classification without string matching.
package ioerr

import (
	stdliberrors "errors"
	"fmt"
)

var (
	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Kind classifies an error into one of the taxonomy buckets callers care
// about. Values are stable across releases.
type Kind int

const (
	_ Kind = iota
	Validation
	Transport
	ProtocolVersionMismatch
	QueueFull
	SubmissionError
	IOFailure
	ReadError
	WriteError
	MetadataError
	AlignmentError
	VerificationFailure
	Preparation
	ResourceLimit
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "Validation"
	case Transport:
		return "Transport"
	case ProtocolVersionMismatch:
		return "ProtocolVersionMismatch"
	case QueueFull:
		return "QueueFull"
	case SubmissionError:
		return "SubmissionError"
	case IOFailure:
		return "IOFailure"
	case ReadError:
		return "ReadError"
	case WriteError:
		return "WriteError"
	case MetadataError:
		return "MetadataError"
	case AlignmentError:
		return "AlignmentError"
	case VerificationFailure:
		return "VerificationFailure"
	case Preparation:
		return "Preparation"
	case ResourceLimit:
		return "ResourceLimit"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a stable Kind and an optional node
// identifier, matching the "failing node identifier and plain-English
// cause" summary required by the error-handling design.
type Error struct {
	Kind   Kind
	NodeID string
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	if e.NodeID != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s (node=%s): %v", e.Kind, e.Msg, e.NodeID, e.Cause)
		}
		return fmt.Sprintf("%s: %s (node=%s)", e.Kind, e.Msg, e.NodeID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Newf builds a Kind-classified error.
func Newf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// WithNode attaches a node identifier to an existing *Error, returning a
// shallow copy so the original is left untouched.
func WithNode(err *Error, nodeID string) *Error {
	cp := *err
	cp.NodeID = nodeID
	return &cp
}

// KindOf extracts the Kind of err, if err (or something it wraps) is an
// *Error. Returns false if no classified error is found in the chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is classified as kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// RetryableError marks errors that a caller may retry after backoff —
// mirrors the teacher's errors package marker-interface idiom.
type RetryableError interface {
	error
	Retryable()
}

type retryableError struct{ text string }

func (r *retryableError) Error() string { return r.text }
func (r *retryableError) Retryable()    {}

// NewRetryable builds a plain RetryableError.
func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

// Retryable reports whether err (or something it wraps) is a RetryableError.
func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}
