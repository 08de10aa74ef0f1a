// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package worker

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
)

// workerTag returns the filename suffix a per-worker-tagged file list
// uses to bind a file to exactly one worker, e.g. "data_w3.bin" for
// globalWorkerID 3.
func workerTag(globalWorkerID int) string {
	return fmt.Sprintf("_w%d", globalWorkerID)
}

// fileSelector implements the file-list-mode policy (§4.5): Partitioned
// wraps sequentially through a disjoint slice of the list, Shared draws
// uniformly at random from the full list, and per-worker tagging
// restricts a worker to files carrying its own suffix regardless of
// policy. It also tracks which files have been visited at least once,
// which is what "run until complete" means in file-list mode.
type fileSelector struct {
	mode    FileListMode
	files   []string
	visited map[string]bool
	idx     int
	rng     *rand.Rand
}

// newFileSelector builds the selector for one worker: cfg.Files is
// filtered to this worker's own files when PerWorkerTag is set,
// otherwise partitioned (contiguous slice) or shared (full list) per
// cfg.FileList.
func newFileSelector(cfg Config, globalWorkerID, globalWorkerCount int, rng *rand.Rand) *fileSelector {
	files := cfg.Files
	if cfg.PerWorkerTag {
		tag := workerTag(globalWorkerID)
		owned := make([]string, 0, len(files))
		for _, f := range files {
			if strings.Contains(filepath.Base(f), tag) {
				owned = append(owned, f)
			}
		}
		files = owned
	} else if cfg.FileList == FileListPartitioned {
		files = partitionFiles(files, globalWorkerID, globalWorkerCount)
	}
	return &fileSelector{
		mode:    cfg.FileList,
		files:   files,
		visited: make(map[string]bool, len(files)),
		rng:     rng,
	}
}

// partitionFiles slices files into globalWorkerCount contiguous,
// disjoint groups and returns the one owned by globalWorkerID, mirroring
// ComputePartition's byte-range slicing but over a file list.
func partitionFiles(files []string, globalWorkerID, globalWorkerCount int) []string {
	if globalWorkerCount <= 0 || len(files) == 0 {
		return files
	}
	n := len(files)
	base := n / globalWorkerCount
	rem := n % globalWorkerCount
	start := globalWorkerID*base + min(globalWorkerID, rem)
	extra := 0
	if globalWorkerID < rem {
		extra = 1
	}
	end := start + base + extra
	if end > n {
		end = n
	}
	if start > end {
		start = end
	}
	return files[start:end]
}

// Empty reports whether this worker has no files assigned at all.
func (s *fileSelector) Empty() bool { return len(s.files) == 0 }

// Next picks the next file path per policy and marks it visited.
func (s *fileSelector) Next() string {
	var path string
	switch s.mode {
	case FileListShared:
		path = s.files[s.rng.IntN(len(s.files))]
	default: // FileListPartitioned, or a per-worker-tagged plain list
		path = s.files[s.idx%len(s.files)]
		s.idx++
	}
	s.visited[path] = true
	return path
}

// AllVisited reports whether every file assigned to this worker has
// been selected at least once, the file-list "run until complete"
// signal.
func (s *fileSelector) AllVisited() bool {
	if len(s.files) == 0 {
		return true
	}
	return len(s.visited) >= len(s.files)
}
