// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package protocol implements the length-prefixed, tagged-union wire
// format exchanged between the coordinator and node services (§6): a
// 4-byte little-endian length prefix, a shared protocol-version byte, a
// one-byte message-type tag, and a gob-encoded payload.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"

	"github.com/iopulse/iopulse/pkg/ioerr"
)

// Version is the wire protocol version every node and coordinator must
// agree on. A mismatch aborts the connection with an Error message.
const Version byte = 1

// MaxMessageSize bounds a single frame's payload, guarding against a
// corrupt or malicious length prefix causing an unbounded allocation.
const MaxMessageSize = 100 * 1024 * 1024

// lengthPrefixSize and headerSize describe the fixed portion of every
// frame: 4 bytes of payload length, 1 byte of protocol version, 1 byte
// of message type.
const (
	lengthPrefixSize = 4
	headerSize       = lengthPrefixSize + 2
)

// Type identifies which message a frame carries.
type Type byte

const (
	TypePrepareFiles Type = iota + 1
	TypeFilesReady
	TypeConfig
	TypeReady
	TypeStart
	TypeHeartbeat
	TypeHeartbeatAck
	TypeStop
	TypeResults
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypePrepareFiles:
		return "PrepareFiles"
	case TypeFilesReady:
		return "FilesReady"
	case TypeConfig:
		return "Config"
	case TypeReady:
		return "Ready"
	case TypeStart:
		return "Start"
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeHeartbeatAck:
		return "HeartbeatAck"
	case TypeStop:
		return "Stop"
	case TypeResults:
		return "Results"
	case TypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// WriteMessage frames and writes one message: msgType identifies the
// payload's Go type so the reader can dispatch without a type registry.
func WriteMessage(w io.Writer, msgType Type, payload any) error {
	var buf bytes.Buffer
	if payload != nil {
		if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
			return ioerr.Newf(ioerr.Transport, err, "protocol: failed to encode %s payload", msgType)
		}
	}
	if buf.Len() > MaxMessageSize {
		return ioerr.Newf(ioerr.Validation, nil, "protocol: %s payload of %d bytes exceeds max frame size", msgType, buf.Len())
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(buf.Len()))
	header[4] = Version
	header[5] = byte(msgType)

	if _, err := w.Write(header); err != nil {
		return ioerr.Newf(ioerr.Transport, err, "protocol: failed to write %s header", msgType)
	}
	if buf.Len() > 0 {
		if _, err := w.Write(buf.Bytes()); err != nil {
			return ioerr.Newf(ioerr.Transport, err, "protocol: failed to write %s payload", msgType)
		}
	}
	return nil
}

// Frame is a decoded message header plus its still-encoded payload.
type Frame struct {
	Type    Type
	Payload []byte
}

// ReadMessage reads and validates one frame's header, returning the raw
// gob-encoded payload for the caller to decode with Decode. A protocol
// version mismatch is reported as an ioerr.ProtocolVersionMismatch error
// so callers can translate it directly into an Error message.
func ReadMessage(r io.Reader) (Frame, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, ioerr.Newf(ioerr.Transport, err, "protocol: failed to read frame header")
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	if length > MaxMessageSize {
		return Frame{}, ioerr.Newf(ioerr.Validation, nil, "protocol: frame length %d exceeds max frame size", length)
	}
	version := header[4]
	if version != Version {
		return Frame{}, ioerr.Newf(ioerr.ProtocolVersionMismatch, nil, "protocol: peer version %d, expected %d", version, Version)
	}
	msgType := Type(header[5])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, ioerr.Newf(ioerr.Transport, err, "protocol: failed to read %s payload", msgType)
		}
	}
	return Frame{Type: msgType, Payload: payload}, nil
}

// Decode gob-decodes a frame's payload into dst, which must be a pointer
// to the message struct matching frame.Type.
func Decode(frame Frame, dst any) error {
	if len(frame.Payload) == 0 {
		return nil
	}
	if err := gob.NewDecoder(bytes.NewReader(frame.Payload)).Decode(dst); err != nil {
		return ioerr.Newf(ioerr.Transport, err, "protocol: failed to decode %s payload", frame.Type)
	}
	return nil
}

// errMismatch is returned by helpers that assert a frame carries the
// expected type before decoding it.
func errMismatch(want, got Type) error {
	return ioerr.Newf(ioerr.Validation, nil, "protocol: expected %s frame, got %s", want, got)
}

// Expect validates frame.Type equals want before the caller decodes it.
func Expect(frame Frame, want Type) error {
	if frame.Type != want {
		return errMismatch(want, frame.Type)
	}
	return nil
}
