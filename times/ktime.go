// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

// Package times provides the monotonic kernel timestamps the profiler
// stamps events with.
package times // import "github.com/miniperf/miniperf/times"

import (
	"time"
	_ "unsafe" // required to use //go:linkname for runtime.nanotime
)

// KTime stores a time value, retrieved from a monotonic clock, in
// nanoseconds. It matches the CLOCK_MONOTONIC timestamps the kernel
// puts into perf sample records, so collector-side and kernel-side
// events share one timeline.
type KTime int64

// GetKTime gets the current monotonic time. This relies on
// runtime.nanotime using CLOCK_MONOTONIC; going through the runtime is
// cheaper than a syscall as it can use the vDSO.
//
//go:noescape
//go:linkname GetKTime runtime.nanotime
func GetKTime() KTime

// Sub returns the duration t-other.
func (t KTime) Sub(other KTime) time.Duration {
	return time.Duration(int64(t) - int64(other))
}
