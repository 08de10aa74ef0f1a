// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package layout_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iopulse/iopulse/pkg/layout"
	"github.com/iopulse/iopulse/pkg/protocol"
	"github.com/iopulse/iopulse/pkg/target"
)

func TestGenerateTreeCreatesExpectedLeafFileCount(t *testing.T) {
	base := t.TempDir()
	paths, err := layout.GenerateTree(layout.Spec{
		BaseDir:     base,
		Depth:       2,
		Width:       2,
		FilesPerDir: 3,
		FileSize:    4096,
	})
	require.NoError(t, err)
	assert.Len(t, paths, 2*2*3)
	assert.True(t, layout.IsDataset(base))
}

func TestIsDatasetFalseForUnmarkedDirectory(t *testing.T) {
	assert.False(t, layout.IsDataset(t.TempDir()))
}

func TestManifestRoundTrips(t *testing.T) {
	base := t.TempDir()
	manifestPath := filepath.Join(base, "manifest.txt")
	entries := []layout.FileEntry{
		{Path: "a/file_0000.dat", Size: 4096},
		{Path: "a/file_0001.dat", Size: 8192},
	}
	require.NoError(t, layout.WriteManifest(manifestPath, entries))

	got, err := layout.ReadManifest(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestReadManifestRejectsMalformedLine(t *testing.T) {
	base := t.TempDir()
	manifestPath := filepath.Join(base, "manifest.txt")
	require.NoError(t, os.WriteFile(manifestPath, []byte("# header\nonlyonecolumn\n"), 0o644))

	_, err := layout.ReadManifest(manifestPath)
	require.Error(t, err)
}

func TestPrepareFilesCreatesAndFillsEachFile(t *testing.T) {
	base := t.TempDir()
	paths := []string{
		filepath.Join(base, "f0.dat"),
		filepath.Join(base, "f1.dat"),
		filepath.Join(base, "f2.dat"),
	}

	created, filled, err := layout.PrepareFiles(protocol.PrepareFiles{
		Files:     paths,
		FileSize:  4096,
		Pattern:   target.PatternOne,
		FillFiles: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, created)
	assert.Equal(t, 3, filled)

	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		require.Len(t, data, 4096)
		for _, b := range data {
			assert.Equal(t, byte(0xFF), b)
		}
	}
}

func TestPrepareFilesWithoutFillFilesOnlyPreallocates(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "f0.dat")

	created, filled, err := layout.PrepareFiles(protocol.PrepareFiles{
		Files:    []string{path},
		FileSize: 4096,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, 0, filled)

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, 4096, st.Size())
}

func TestPrepareFilesSecondCallDoesNotCountAsCreated(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "f0.dat")
	pf := protocol.PrepareFiles{Files: []string{path}, FileSize: 4096}

	_, _, err := layout.PrepareFiles(pf)
	require.NoError(t, err)

	created, _, err := layout.PrepareFiles(pf)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func TestPrepareFilesSharedRangeFillsOnlyRequestedSlice(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "shared.dat")

	created, filled, err := layout.PrepareFiles(protocol.PrepareFiles{
		Files:     []string{path},
		FileSize:  4096 * 4,
		StartByte: 4096,
		EndByte:   4096 * 2,
		Pattern:   target.PatternOne,
		FillFiles: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, filled)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 4096*4)
	for i, b := range data {
		if i >= 4096 && i < 4096*2 {
			assert.Equal(t, byte(0xFF), b, "offset %d should be filled", i)
		} else {
			assert.Equal(t, byte(0), b, "offset %d should remain sparse", i)
		}
	}
}

func TestPrepareFilesEmptyListIsNoop(t *testing.T) {
	created, filled, err := layout.PrepareFiles(protocol.PrepareFiles{})
	require.NoError(t, err)
	assert.Equal(t, 0, created)
	assert.Equal(t, 0, filled)
}
