// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package layout generates and manages file-list-mode datasets: a tree
// of directories and files, a manifest recording what was created, and
// the parallel pre-allocation/fill fan-out a node runs in response to a
// PrepareFiles request.
package layout

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"k8s.io/client-go/util/workqueue"

	"github.com/iopulse/iopulse/pkg/ioerr"
	"github.com/iopulse/iopulse/pkg/protocol"
	"github.com/iopulse/iopulse/pkg/target"
)

// datasetMarker names the sentinel file written at a dataset tree's root
// once generation completes, so a later run can tell a partially-built
// tree from a finished one.
const datasetMarker = ".iopulse-dataset"

// Spec describes a synthetic dataset tree to generate: depth levels of
// directories, width subdirectories per level, and filesPerDir files in
// every leaf directory.
type Spec struct {
	BaseDir     string
	Depth       int
	Width       int
	FilesPerDir int
	FileSize    int64
}

// GenerateTree creates the directory tree and returns the full list of
// file paths it contains, without writing any file content — callers
// fill or preallocate separately via PrepareFiles.
func GenerateTree(spec Spec) ([]string, error) {
	var paths []string
	var walk func(dir string, level int) error
	walk = func(dir string, level int) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ioerr.Newf(ioerr.Preparation, err, "layout: failed to create directory %s", dir)
		}
		if level == spec.Depth {
			for i := 0; i < spec.FilesPerDir; i++ {
				paths = append(paths, filepath.Join(dir, fmt.Sprintf("file_%04d.dat", i)))
			}
			return nil
		}
		for i := 0; i < spec.Width; i++ {
			if err := walk(filepath.Join(dir, fmt.Sprintf("d%02d", i)), level+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(spec.BaseDir, 0); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(spec.BaseDir, datasetMarker), []byte("1\n"), 0o644); err != nil {
		return nil, ioerr.Newf(ioerr.Preparation, err, "layout: failed to write dataset marker")
	}
	return paths, nil
}

// IsDataset reports whether dir already holds a completed dataset tree.
func IsDataset(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, datasetMarker))
	return err == nil
}

// FileEntry is one manifest line: a file's path and its expected size.
type FileEntry struct {
	Path string
	Size int64
}

// WriteManifest writes a commented, human-readable "path size" listing,
// one entry per line, so a later run can validate or reuse a dataset
// without re-walking the filesystem.
func WriteManifest(manifestPath string, entries []FileEntry) error {
	f, err := os.Create(manifestPath)
	if err != nil {
		return ioerr.Newf(ioerr.Preparation, err, "layout: failed to create manifest %s", manifestPath)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "# iopulse dataset manifest\n# path size_bytes\n")
	for _, e := range entries {
		fmt.Fprintf(w, "%s %d\n", e.Path, e.Size)
	}
	return w.Flush()
}

// ReadManifest parses a manifest written by WriteManifest.
func ReadManifest(manifestPath string) ([]FileEntry, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, ioerr.Newf(ioerr.Preparation, err, "layout: failed to read manifest %s", manifestPath)
	}
	var entries []FileEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			return nil, ioerr.Newf(ioerr.Validation, nil, "layout: malformed manifest line %q", line)
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, ioerr.Newf(ioerr.Validation, err, "layout: malformed size in manifest line %q", line)
		}
		entries = append(entries, FileEntry{Path: parts[0], Size: size})
	}
	return entries, nil
}

// PrepareFiles creates, preallocates and optionally fills the files (or
// byte range of a single shared file) a PrepareFiles message requests,
// fanning the work out across a bounded worker pool driven by a
// workqueue so creation of many small files parallelizes across cores.
func PrepareFiles(pf protocol.PrepareFiles) (filesCreated, filesFilled int, err error) {
	if len(pf.Files) == 1 && pf.EndByte > 0 {
		return prepareSharedRange(pf)
	}
	if len(pf.Files) == 0 {
		return 0, 0, nil
	}

	queue := workqueue.NewTyped[string]()
	for _, f := range pf.Files {
		queue.Add(f)
	}
	queue.ShutDownWithDrain()

	numWorkers := runtime.NumCPU()
	if numWorkers < 1 {
		numWorkers = 1
	}
	if numWorkers > len(pf.Files) {
		numWorkers = len(pf.Files)
	}

	var mu sync.Mutex
	var firstErr error
	var created, filled int

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				path, shutdown := queue.Get()
				if shutdown {
					return
				}
				ok, didFill, err := prepareOneFile(path, pf)
				queue.Done(path)
				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
				} else {
					if ok {
						created++
					}
					if didFill {
						filled++
					}
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return created, filled, firstErr
}

func prepareOneFile(path string, pf protocol.PrepareFiles) (created, filled bool, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, false, ioerr.Newf(ioerr.Preparation, err, "layout: failed to create parent directory for %s", path)
	}

	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	tgt, err := target.Open(path, target.OpenFlags{Create: true, LogicalSize: pf.FileSize})
	if err != nil {
		return false, false, ioerr.Newf(ioerr.Preparation, err, "layout: failed to open %s", path)
	}
	defer tgt.Close()

	if err := tgt.Preallocate(0, 0); err != nil {
		return false, false, ioerr.Newf(ioerr.Preparation, err, "layout: failed to preallocate %s", path)
	}

	if pf.FillFiles {
		if err := tgt.Refill(pf.Pattern, 0, 0); err != nil {
			return false, false, ioerr.Newf(ioerr.Preparation, err, "layout: failed to fill %s", path)
		}
		filled = true
	}

	return isNew, filled, nil
}

// prepareSharedRange preallocates (and optionally fills) a [StartByte,
// EndByte) slice of a single shared file, used when more than one node
// must cooperatively build one large target.
func prepareSharedRange(pf protocol.PrepareFiles) (filesCreated, filesFilled int, err error) {
	if len(pf.Files) != 1 {
		return 0, 0, ioerr.Newf(ioerr.Validation, nil, "layout: shared single-file range preparation requires exactly one path in Files")
	}
	path := pf.Files[0]

	tgt, err := target.Open(path, target.OpenFlags{Create: true, LogicalSize: pf.FileSize})
	if err != nil {
		return 0, 0, ioerr.Newf(ioerr.Preparation, err, "layout: failed to open shared target %s", path)
	}
	defer tgt.Close()

	if err := tgt.Preallocate(pf.StartByte, pf.EndByte); err != nil {
		return 0, 0, ioerr.Newf(ioerr.Preparation, err, "layout: failed to preallocate shared range [%d,%d) of %s", pf.StartByte, pf.EndByte, path)
	}

	filled := 0
	if pf.FillFiles {
		if err := tgt.Refill(pf.Pattern, pf.StartByte, pf.EndByte); err != nil {
			return 1, 0, ioerr.Newf(ioerr.Preparation, err, "layout: failed to fill shared range [%d,%d) of %s", pf.StartByte, pf.EndByte, path)
		}
		filled = 1
	}

	return 1, filled, nil
}
