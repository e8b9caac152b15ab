// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

// Package collector is the roofline instrumentation runtime loaded
// into the target process. The compiler pass emits calls to its four
// entry points around every outermost loop; the runtime keeps
// per-thread loop stacks and ships events to the profiler over IPC.
package collector // import "github.com/miniperf/miniperf/collector"

import (
	"os"
	"sync/atomic"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
	"golang.org/x/sys/unix"

	"github.com/miniperf/miniperf/ipc"
	"github.com/miniperf/miniperf/libmp"
	"github.com/miniperf/miniperf/libmp/xsync"
	"github.com/miniperf/miniperf/times"
)

// EnvInstrumented selects pass 2 of the roofline scenario: only when
// it is "1" does IsInstrumentedProfiling report true and the dispatch
// shim branch into the instrumented loop clones.
const EnvInstrumented = "MINIPERF_ROOFLINE_INSTRUMENTED"

// maxLoopDepth is the fixed depth of the per-thread loop stack. The
// pass only instruments outermost loops, so nesting beyond this means
// a miscompiled target; overflow is an invariant violation, not an
// allocation.
const maxLoopDepth = 64

// flushThreshold is the per-thread event batch size that triggers a
// flush to the IPC sender.
const flushThreshold = 128

// LoopInfo describes one instrumented loop's source location.
type LoopInfo struct {
	Line         uint32
	Filename     string
	FunctionName string
}

// LoopStats is the per-invocation counter block filled in by the
// instrumented loop clone.
type LoopStats struct {
	TripCount       uint64
	BytesLoad       uint64
	BytesStore      uint64
	ScalarIntOps    uint64
	ScalarFloatOps  uint64
	ScalarDoubleOps uint64
	VectorIntOps    uint64
	VectorFloatOps  uint64
	VectorDoubleOps uint64
}

func (s *LoopStats) add(other *LoopStats) {
	s.TripCount += other.TripCount
	s.BytesLoad += other.BytesLoad
	s.BytesStore += other.BytesStore
	s.ScalarIntOps += other.ScalarIntOps
	s.ScalarFloatOps += other.ScalarFloatOps
	s.ScalarDoubleOps += other.ScalarDoubleOps
	s.VectorIntOps += other.VectorIntOps
	s.VectorFloatOps += other.VectorFloatOps
	s.VectorDoubleOps += other.VectorDoubleOps
}

type loopFrame struct {
	info          LoopInfo
	beginID       libmp.EventID
	correlationID libmp.EventID
	begin         times.KTime
	stats         LoopStats
	functionKey   uint64
	filenameKey   uint64
}

// Handle is the opaque value NotifyLoopBegin returns to the generated
// code; the zero Handle is inert.
type Handle struct {
	ts    *threadState
	frame *loopFrame
}

// threadState is one thread's loop stack and event batch. Only the
// owning thread touches it, so no locking is needed past the lookup.
// The padding keeps neighbouring threads' hot state off a shared cache
// line.
type threadState struct {
	tid   uint32
	depth int
	stack [maxLoopDepth]loopFrame
	batch []*libmp.Event
	_     [64]byte
}

// Runtime is the collector state for one target process.
type Runtime struct {
	client       *ipc.Client
	enabled      bool
	instrumented bool
	pid          uint32

	threads xsync.RWMutex[map[uint32]*threadState]

	nextStringKey atomic.Uint64
	stringKeys    *lru.SyncedLRU[string, uint64]
}

func hashString(s string) uint32 {
	return uint32(xxh3.HashString(s))
}

// NewRuntime initialises the collector from the environment. Without
// MINIPERF_IPC_SOCKET in the environment the runtime is inert and all
// entry points are no-ops.
func NewRuntime() *Runtime {
	r := &Runtime{
		pid: uint32(os.Getpid()),
	}
	r.threads = xsync.NewRWMutex(make(map[uint32]*threadState))

	path := os.Getenv(ipc.EnvSocket)
	if path == "" {
		return r
	}
	client, err := ipc.Dial(path)
	if err != nil {
		log.Warnf("Roofline collector disabled: %v", err)
		return r
	}

	keys, err := lru.NewSynced[string, uint64](1024, hashString)
	if err != nil {
		log.Warnf("Roofline collector disabled: %v", err)
		client.Close()
		return r
	}

	r.client = client
	r.enabled = true
	r.instrumented = os.Getenv(EnvInstrumented) == "1"
	r.stringKeys = keys
	return r
}

// IsInstrumentedProfiling is consulted by the pass-generated dispatch
// shim: true only during the instrumented pass of a roofline scenario.
func (r *Runtime) IsInstrumentedProfiling() bool {
	return r.enabled && r.instrumented
}

// threadState returns the calling thread's state, creating it on first
// use.
func (r *Runtime) threadState() *threadState {
	tid := uint32(unix.Gettid())

	m := r.threads.RLock()
	ts := (*m)[tid]
	r.threads.RUnlock(&m)
	if ts != nil {
		return ts
	}

	ts = &threadState{tid: tid}
	wm := r.threads.WLock()
	if existing := (*wm)[tid]; existing != nil {
		ts = existing
	} else {
		(*wm)[tid] = ts
	}
	r.threads.WUnlock(&wm)
	return ts
}

// stringKey returns the producer-local intern key for s, publishing
// the string to the profiler on first use.
func (r *Runtime) stringKey(s string) uint64 {
	if key, ok := r.stringKeys.Get(s); ok {
		return key
	}
	key := r.nextStringKey.Add(1)
	r.stringKeys.Add(s, key)
	r.client.PostString(key, s)
	return key
}

// localStringID wraps a producer-local key in the EventID convention
// the receiver rewrites: key in P2, zero P1.
func localStringID(key uint64) libmp.EventID {
	return libmp.EventID{P2: key}
}

func (ts *threadState) enqueue(r *Runtime, ev *libmp.Event) {
	ts.batch = append(ts.batch, ev)
	if len(ts.batch) >= flushThreshold {
		ts.flush(r)
	}
}

func (ts *threadState) flush(r *Runtime) {
	for _, ev := range ts.batch {
		r.client.PostEvent(ev)
	}
	ts.batch = ts.batch[:0]
}

// NotifyLoopBegin is called once at the preheader of each outermost
// loop. It pushes a frame on the calling thread's loop stack, emits a
// rooflineLoopStart event and returns the handle the remaining entry
// points take.
func (r *Runtime) NotifyLoopBegin(info *LoopInfo) Handle {
	if !r.enabled {
		return Handle{}
	}

	ts := r.threadState()
	if ts.depth >= maxLoopDepth {
		log.Panicf("loop stack overflow on thread %d at %s:%d (miscompiled target?)",
			ts.tid, info.Filename, info.Line)
	}

	frame := &ts.stack[ts.depth]
	ts.depth++

	*frame = loopFrame{
		info:          *info,
		beginID:       libmp.NewID(),
		correlationID: libmp.CorrelationID(info.Filename, info.Line, info.FunctionName),
		begin:         times.GetKTime(),
		functionKey:   r.stringKey(info.FunctionName),
		filenameKey:   r.stringKey(info.Filename),
	}

	ev := &libmp.Event{
		UniqueID:      frame.beginID,
		CorrelationID: frame.correlationID,
		Type:          libmp.RooflineLoopStart,
		ProcessID:     r.pid,
		ThreadID:      ts.tid,
		Timestamp:     uint64(frame.begin),
		Callstack: []libmp.CallFrame{
			libmp.LocationFrame(libmp.Location{
				FunctionName: localStringID(frame.functionKey),
				Filename:     localStringID(frame.filenameKey),
				Line:         frame.info.Line,
			}),
		},
	}
	ts.enqueue(r, ev)

	return Handle{ts: ts, frame: frame}
}

// NotifyLoopStats is called from the instrumented loop clone once per
// invocation of the outlined body; it accumulates the stats block into
// the frame's totals.
func (r *Runtime) NotifyLoopStats(h Handle, stats *LoopStats) {
	if !r.enabled || h.frame == nil || stats == nil {
		return
	}
	h.frame.stats.add(stats)
}

// NotifyLoopEnd pops the loop frame, emitting the rooflineLoopEnd
// event and one typed event per non-zero accumulated counter, all
// parented to the loop-begin event. Frames must pop LIFO; a mismatch
// indicates a miscompiled target and is fatal.
func (r *Runtime) NotifyLoopEnd(h Handle) {
	if !r.enabled || h.frame == nil {
		return
	}

	ts := h.ts
	if ts.depth == 0 || &ts.stack[ts.depth-1] != h.frame {
		log.Panicf("loop stack mismatch on thread %d at %s:%d (miscompiled target?)",
			ts.tid, h.frame.info.Filename, h.frame.info.Line)
	}
	ts.depth--
	frame := h.frame

	now := times.GetKTime()
	endEvent := &libmp.Event{
		UniqueID:      libmp.NewID(),
		ParentID:      frame.beginID,
		CorrelationID: frame.correlationID,
		Type:          libmp.RooflineLoopEnd,
		ProcessID:     r.pid,
		ThreadID:      ts.tid,
		Timestamp:     uint64(now),
		Value:         uint64(now.Sub(frame.begin)),
	}
	if frame.stats.TripCount > 0 {
		endEvent.WithMetadataInt(localStringID(r.stringKey("trip_count")),
			frame.stats.TripCount)
	}
	ts.enqueue(r, endEvent)

	counters := [...]struct {
		ty    libmp.EventType
		value uint64
	}{
		{libmp.RooflineBytesLoad, frame.stats.BytesLoad},
		{libmp.RooflineBytesStore, frame.stats.BytesStore},
		{libmp.RooflineScalarIntOps, frame.stats.ScalarIntOps},
		{libmp.RooflineScalarFloatOps, frame.stats.ScalarFloatOps},
		{libmp.RooflineScalarDoubleOps, frame.stats.ScalarDoubleOps},
		{libmp.RooflineVectorIntOps, frame.stats.VectorIntOps},
		{libmp.RooflineVectorFloatOps, frame.stats.VectorFloatOps},
		{libmp.RooflineVectorDoubleOps, frame.stats.VectorDoubleOps},
	}
	for _, c := range counters {
		if c.value == 0 {
			continue
		}
		ts.enqueue(r, &libmp.Event{
			UniqueID:      libmp.NewID(),
			ParentID:      frame.beginID,
			CorrelationID: frame.correlationID,
			Type:          c.ty,
			ProcessID:     r.pid,
			ThreadID:      ts.tid,
			Timestamp:     uint64(now),
			Value:         c.value,
		})
	}

	// Hot-path batching only pays off inside nests; once the
	// outermost loop is done, push everything to the sender.
	if ts.depth == 0 {
		ts.flush(r)
	}
}

// Close flushes all thread batches and tears down the IPC connection.
func (r *Runtime) Close() {
	if !r.enabled {
		return
	}
	m := r.threads.WLock()
	for _, ts := range *m {
		ts.flush(r)
	}
	r.threads.WUnlock(&m)
	r.client.Close()
	r.enabled = false
}
