// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package worker

import "testing"

func TestPartitionFilesCoversEveryFileExactlyOnce(t *testing.T) {
	files := []string{"a", "b", "c", "d", "e"}
	seen := make(map[string]int)
	for gid := 0; gid < 3; gid++ {
		for _, f := range partitionFiles(files, gid, 3) {
			seen[f]++
		}
	}
	if len(seen) != len(files) {
		t.Fatalf("expected all %d files covered, got %d", len(files), len(seen))
	}
	for _, f := range files {
		if seen[f] != 1 {
			t.Errorf("file %q covered %d times, want exactly 1", f, seen[f])
		}
	}
}

func TestFileSelectorPartitionedWrapsAround(t *testing.T) {
	sel := &fileSelector{mode: FileListPartitioned, files: []string{"x", "y"}, visited: make(map[string]bool)}
	first := sel.Next()
	second := sel.Next()
	third := sel.Next()
	if first != "x" || second != "y" || third != "x" {
		t.Fatalf("got %q, %q, %q; want wraparound x,y,x", first, second, third)
	}
	if !sel.AllVisited() {
		t.Fatalf("expected all files visited after one full cycle")
	}
}
