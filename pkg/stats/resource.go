// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package stats

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ResourceUsage is a point-in-time reading of the worker process's own
// CPU and memory consumption.
type ResourceUsage struct {
	CPUPercent float64
	RSSBytes   uint64
	PeakRSS    uint64
}

// ResourceSampler reads /proc/self to compute CPU percent (relative to
// the interval between two samples) and resident memory. userHZ is
// cached on first read the same way procutils caches boot time and page
// size, since it never changes during the process's lifetime.
type ResourceSampler struct {
	procPath string

	userHZOnce sync.Once
	userHZ     int64
	userHZErr  error

	lastSample time.Time
	lastTicks  uint64
}

// NewResourceSampler constructs a sampler rooted at procPath (normally
// "/proc").
func NewResourceSampler(procPath string) *ResourceSampler {
	return &ResourceSampler{procPath: procPath}
}

func (r *ResourceSampler) getUserHZ() (int64, error) {
	r.userHZOnce.Do(func() {
		r.userHZ, r.userHZErr = readClockTicksPerSecond()
	})
	return r.userHZ, r.userHZErr
}

// readClockTicksPerSecond hard-codes the near-universal Linux value of
// 100 rather than calling into cgo sysconf; every mainstream distro
// kernel iopulse targets uses CONFIG_HZ-independent USER_HZ=100.
func readClockTicksPerSecond() (int64, error) { return 100, nil }

// Sample reads /proc/self/stat for CPU ticks and /proc/self/status for
// memory, returning usage computed against the previous call. The first
// call after construction always reports CPUPercent 0, since there is no
// prior sample to diff against.
func (r *ResourceSampler) Sample() (ResourceUsage, error) {
	ticks, err := r.readUtimeStime()
	if err != nil {
		return ResourceUsage{}, err
	}
	rss, peak, err := r.readMemory()
	if err != nil {
		return ResourceUsage{}, err
	}

	now := time.Now()
	var pct float64
	if !r.lastSample.IsZero() {
		hz, err := r.getUserHZ()
		if err == nil && hz > 0 {
			elapsedSeconds := now.Sub(r.lastSample).Seconds()
			if elapsedSeconds > 0 && ticks >= r.lastTicks {
				deltaTicks := ticks - r.lastTicks
				pct = 100 * (float64(deltaTicks) / float64(hz)) / elapsedSeconds
			}
		}
	}
	r.lastSample = now
	r.lastTicks = ticks

	return ResourceUsage{CPUPercent: pct, RSSBytes: rss, PeakRSS: peak}, nil
}

// readUtimeStime parses fields 14 and 15 (utime, stime) of
// /proc/self/stat. The comm field in parens may itself contain spaces or
// parens, so splitting is anchored on the last ')' rather than by naive
// field index.
func (r *ResourceSampler) readUtimeStime() (uint64, error) {
	path := r.procPath + "/self/stat"
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	line := string(data)
	closeParen := strings.LastIndex(line, ")")
	if closeParen < 0 {
		return 0, fmt.Errorf("malformed %s: no comm field", path)
	}
	fields := strings.Fields(line[closeParen+1:])
	// fields[0] is state (field 3); utime/stime are fields 14/15, i.e.
	// fields[11] and fields[12] in this post-comm slice.
	if len(fields) < 13 {
		return 0, fmt.Errorf("malformed %s: too few fields", path)
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse utime: %w", err)
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse stime: %w", err)
	}
	return utime + stime, nil
}

// readMemory parses VmRSS and VmHWM (peak RSS) from /proc/self/status,
// both reported in kB.
func (r *ResourceSampler) readMemory() (rss, peak uint64, err error) {
	path := r.procPath + "/self/status"
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "VmRSS:"):
			rss = parseKBField(line)
		case strings.HasPrefix(line, "VmHWM:"):
			peak = parseKBField(line)
		}
	}
	return rss, peak, nil
}

func parseKBField(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return v * 1024
}
