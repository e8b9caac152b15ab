// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

// miniperf-collector is the c-shared build of the roofline collector
// runtime. The compiler pass emits calls to the exported symbols below
// around every instrumented loop; build with
//
//	go build -buildmode=c-shared -o libminiperf-collector.so ./cmd/miniperf-collector
//
// and link or LD_PRELOAD the library into the target.
package main

/*
#include <stdint.h>

typedef struct {
	uint32_t    line;
	const char *filename;
	const char *function_name;
} miniperf_loop_info;

typedef struct {
	uint64_t trip_count;
	uint64_t bytes_load;
	uint64_t bytes_store;
	uint64_t scalar_int_ops;
	uint64_t scalar_float_ops;
	uint64_t scalar_double_ops;
	uint64_t vector_int_ops;
	uint64_t vector_float_ops;
	uint64_t vector_double_ops;
} miniperf_loop_stats;
*/
import "C"

import (
	"sync"

	"github.com/miniperf/miniperf/collector"
)

var (
	runtimeOnce sync.Once
	rt          *collector.Runtime

	// C callers hold loop handles as integers; the registry maps them
	// back to the Go-side handles without handing Go pointers to C.
	handleMu   sync.Mutex
	handleSeq  C.uintptr_t
	handleByID = make(map[C.uintptr_t]collector.Handle)
)

func runtimeInstance() *collector.Runtime {
	runtimeOnce.Do(func() {
		rt = collector.NewRuntime()
	})
	return rt
}

//export miniperf_notify_loop_begin
func miniperf_notify_loop_begin(info *C.miniperf_loop_info) C.uintptr_t {
	if info == nil {
		return 0
	}
	handle := runtimeInstance().NotifyLoopBegin(&collector.LoopInfo{
		Line:         uint32(info.line),
		Filename:     C.GoString(info.filename),
		FunctionName: C.GoString(info.function_name),
	})

	handleMu.Lock()
	defer handleMu.Unlock()
	handleSeq++
	id := handleSeq
	handleByID[id] = handle
	return id
}

//export miniperf_notify_loop_stats
func miniperf_notify_loop_stats(id C.uintptr_t, stats *C.miniperf_loop_stats) {
	if id == 0 || stats == nil {
		return
	}
	handleMu.Lock()
	handle, ok := handleByID[id]
	handleMu.Unlock()
	if !ok {
		return
	}
	runtimeInstance().NotifyLoopStats(handle, &collector.LoopStats{
		TripCount:       uint64(stats.trip_count),
		BytesLoad:       uint64(stats.bytes_load),
		BytesStore:      uint64(stats.bytes_store),
		ScalarIntOps:    uint64(stats.scalar_int_ops),
		ScalarFloatOps:  uint64(stats.scalar_float_ops),
		ScalarDoubleOps: uint64(stats.scalar_double_ops),
		VectorIntOps:    uint64(stats.vector_int_ops),
		VectorFloatOps:  uint64(stats.vector_float_ops),
		VectorDoubleOps: uint64(stats.vector_double_ops),
	})
}

//export miniperf_notify_loop_end
func miniperf_notify_loop_end(id C.uintptr_t) {
	if id == 0 {
		return
	}
	handleMu.Lock()
	handle, ok := handleByID[id]
	delete(handleByID, id)
	handleMu.Unlock()
	if !ok {
		return
	}
	runtimeInstance().NotifyLoopEnd(handle)
}

//export miniperf_is_instrumented_profiling
func miniperf_is_instrumented_profiling() C.int {
	if runtimeInstance().IsInstrumentedProfiling() {
		return 1
	}
	return 0
}

func main() {}
