// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package worker

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// SetAffinity pins the calling OS thread to cpu. Callers must have
// already called runtime.LockOSThread, since Go may otherwise migrate
// the goroutine to a different thread right after this call returns.
func SetAffinity(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("worker: failed to set CPU affinity to %d: %w", cpu, err)
	}
	return nil
}

// pinToCPU locks the current goroutine to its OS thread and applies the
// requested affinity, returning a function that releases the OS thread
// lock. Call it once at the top of the worker goroutine, before
// Engine.Init, and defer its result.
func pinToCPU(cpu int) (func(), error) {
	runtime.LockOSThread()
	if err := SetAffinity(cpu); err != nil {
		runtime.UnlockOSThread()
		return func() {}, err
	}
	return runtime.UnlockOSThread, nil
}
