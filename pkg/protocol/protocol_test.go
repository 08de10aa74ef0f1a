// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package protocol_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iopulse/iopulse/pkg/ioerr"
	"github.com/iopulse/iopulse/pkg/protocol"
)

func TestWriteThenReadRoundTripsPayload(t *testing.T) {
	var buf bytes.Buffer
	msg := protocol.Ready{NodeID: "node-1", NumWorkers: 4, OK: true}

	require.NoError(t, protocol.WriteMessage(&buf, protocol.TypeReady, msg))

	frame, err := protocol.ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeReady, frame.Type)

	var decoded protocol.Ready
	require.NoError(t, protocol.Decode(frame, &decoded))
	assert.Equal(t, msg, decoded)
}

func TestEmptyPayloadMessageRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, protocol.WriteMessage(&buf, protocol.TypeStop, nil))

	frame, err := protocol.ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeStop, frame.Type)
	assert.Empty(t, frame.Payload)
}

func TestVersionMismatchIsRejected(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, protocol.WriteMessage(&buf, protocol.TypeStart, protocol.Start{StartTimestampNS: 42}))

	raw := buf.Bytes()
	raw[4] = protocol.Version + 1 // corrupt the version byte

	_, err := protocol.ReadMessage(bytes.NewReader(raw))
	require.Error(t, err)
	assert.True(t, ioerr.IsKind(err, ioerr.ProtocolVersionMismatch))
}

func TestOversizedLengthPrefixIsRejected(t *testing.T) {
	header := make([]byte, 6)
	header[0], header[1], header[2], header[3] = 0xFF, 0xFF, 0xFF, 0x7F
	header[4] = protocol.Version
	header[5] = byte(protocol.TypeHeartbeat)

	_, err := protocol.ReadMessage(bytes.NewReader(header))
	require.Error(t, err)
	assert.True(t, ioerr.IsKind(err, ioerr.Validation))
}

func TestExpectRejectsWrongType(t *testing.T) {
	frame := protocol.Frame{Type: protocol.TypeError}
	err := protocol.Expect(frame, protocol.TypeReady)
	require.Error(t, err)
	assert.True(t, ioerr.IsKind(err, ioerr.Validation))
}

func TestMultipleFramesOnOneStreamReadInOrder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, protocol.WriteMessage(&buf, protocol.TypePrepareFiles, protocol.PrepareFiles{NodeID: "a", FileSize: 1024}))
	require.NoError(t, protocol.WriteMessage(&buf, protocol.TypeFilesReady, protocol.FilesReady{NodeID: "a", FilesCreated: 1}))

	first, err := protocol.ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePrepareFiles, first.Type)

	second, err := protocol.ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeFilesReady, second.Type)
}
