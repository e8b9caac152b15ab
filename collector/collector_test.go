// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miniperf/miniperf/ipc"
	"github.com/miniperf/miniperf/libmp"
)

// testSession wires a runtime to an in-process IPC server the way the
// orchestrator does during pass 2.
type testSession struct {
	strings *libmp.StringTable
	server  *ipc.Server
	rt      *Runtime

	mu     sync.Mutex
	events []*libmp.Event
}

func newTestSession(t *testing.T, instrumented string) *testSession {
	t.Helper()

	// The entry points are thread-affine like their cgo callers;
	// keep the test on one OS thread.
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)

	s := &testSession{strings: libmp.NewStringTable()}

	socket := filepath.Join(t.TempDir(), "ipc.sock")
	server, err := ipc.Serve(context.Background(), socket, s.strings,
		func(ev *libmp.Event) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.events = append(s.events, ev)
		})
	require.NoError(t, err)
	s.server = server

	t.Setenv(ipc.EnvSocket, socket)
	t.Setenv(EnvInstrumented, instrumented)
	s.rt = NewRuntime()
	require.True(t, s.rt.enabled, "runtime must come up with a socket configured")
	return s
}

func (s *testSession) drain(t *testing.T, want int) []*libmp.Event {
	t.Helper()
	s.rt.Close()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.events)
		s.mu.Unlock()
		if n >= want {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, s.server.Close())
	s.mu.Lock()
	defer s.mu.Unlock()
	require.GreaterOrEqual(t, len(s.events), want)
	return append([]*libmp.Event(nil), s.events...)
}

func eventsOfType(events []*libmp.Event, ty libmp.EventType) []*libmp.Event {
	var out []*libmp.Event
	for _, ev := range events {
		if ev.Type == ty {
			out = append(out, ev)
		}
	}
	return out
}

func TestIsInstrumentedProfiling(t *testing.T) {
	s := newTestSession(t, "1")
	assert.True(t, s.rt.IsInstrumentedProfiling())
	s.rt.Close()
	require.NoError(t, s.server.Close())

	s = newTestSession(t, "0")
	assert.False(t, s.rt.IsInstrumentedProfiling())
	s.rt.Close()
	require.NoError(t, s.server.Close())
}

func TestRuntimeDisabledWithoutSocket(t *testing.T) {
	t.Setenv(ipc.EnvSocket, "")
	rt := NewRuntime()
	assert.False(t, rt.IsInstrumentedProfiling())

	// Entry points must be harmless no-ops.
	h := rt.NotifyLoopBegin(&LoopInfo{Line: 1, Filename: "a.c", FunctionName: "f"})
	rt.NotifyLoopStats(h, &LoopStats{TripCount: 1})
	rt.NotifyLoopEnd(h)
	rt.Close()
}

func TestLoopLifecycle(t *testing.T) {
	s := newTestSession(t, "1")

	info := &LoopInfo{Line: 42, Filename: "kernels.c", FunctionName: "saxpy"}
	h := s.rt.NotifyLoopBegin(info)
	s.rt.NotifyLoopStats(h, &LoopStats{
		TripCount:      1000,
		BytesLoad:      16000,
		BytesStore:     8000,
		ScalarFloatOps: 0,
		ScalarDoubleOps: 1000,
	})
	s.rt.NotifyLoopEnd(h)

	// loop start + loop end + 3 non-zero counters
	events := s.drain(t, 5)

	starts := eventsOfType(events, libmp.RooflineLoopStart)
	require.Len(t, starts, 1)
	start := starts[0]

	ends := eventsOfType(events, libmp.RooflineLoopEnd)
	require.Len(t, ends, 1)
	end := ends[0]

	// The end pairs with its begin and shares its correlation id.
	assert.Equal(t, start.UniqueID, end.ParentID)
	assert.Equal(t, start.CorrelationID, end.CorrelationID)

	// Correlation ids must match the deterministic source hash that
	// the PMU pass post-processor computes independently.
	assert.Equal(t, libmp.CorrelationID("kernels.c", 42, "saxpy"), start.CorrelationID)

	// The begin event resolves its location against the session
	// intern table.
	require.Len(t, start.Callstack, 1)
	require.True(t, start.Callstack[0].Resolved)
	funcID, ok := s.strings.Lookup("saxpy")
	require.True(t, ok)
	fileID, ok := s.strings.Lookup("kernels.c")
	require.True(t, ok)
	assert.Equal(t, funcID, start.Callstack[0].Location.FunctionName)
	assert.Equal(t, fileID, start.Callstack[0].Location.Filename)
	assert.Equal(t, uint32(42), start.Callstack[0].Location.Line)

	// One typed event per non-zero stats counter, all parented to the
	// begin event.
	tests := map[libmp.EventType]uint64{
		libmp.RooflineBytesLoad:       16000,
		libmp.RooflineBytesStore:      8000,
		libmp.RooflineScalarDoubleOps: 1000,
	}
	for ty, want := range tests {
		evs := eventsOfType(events, ty)
		require.Len(t, evs, 1, "expected one %s event", ty)
		assert.Equal(t, want, evs[0].Value)
		assert.Equal(t, start.UniqueID, evs[0].ParentID)
		assert.Equal(t, start.CorrelationID, evs[0].CorrelationID)
	}
	// Zero-valued counters stay silent.
	assert.Empty(t, eventsOfType(events, libmp.RooflineScalarFloatOps))
	assert.Empty(t, eventsOfType(events, libmp.RooflineVectorIntOps))
}

func TestLoopStatsAccumulate(t *testing.T) {
	s := newTestSession(t, "1")

	h := s.rt.NotifyLoopBegin(&LoopInfo{Line: 1, Filename: "a.c", FunctionName: "f"})
	for range 4 {
		s.rt.NotifyLoopStats(h, &LoopStats{TripCount: 10, BytesLoad: 100})
	}
	s.rt.NotifyLoopEnd(h)

	events := s.drain(t, 3)
	loads := eventsOfType(events, libmp.RooflineBytesLoad)
	require.Len(t, loads, 1)
	assert.Equal(t, uint64(400), loads[0].Value)
}

// Nested loops on one thread must pair begin/end LIFO.
func TestNestedLoopsLIFO(t *testing.T) {
	s := newTestSession(t, "1")

	outer := s.rt.NotifyLoopBegin(&LoopInfo{Line: 1, Filename: "a.c", FunctionName: "outer"})
	inner := s.rt.NotifyLoopBegin(&LoopInfo{Line: 2, Filename: "a.c", FunctionName: "inner"})
	s.rt.NotifyLoopStats(inner, &LoopStats{BytesLoad: 8})
	s.rt.NotifyLoopEnd(inner)
	s.rt.NotifyLoopStats(outer, &LoopStats{BytesLoad: 16})
	s.rt.NotifyLoopEnd(outer)

	events := s.drain(t, 6)

	starts := eventsOfType(events, libmp.RooflineLoopStart)
	ends := eventsOfType(events, libmp.RooflineLoopEnd)
	require.Len(t, starts, 2)
	require.Len(t, ends, 2)

	// Balanced, properly nested parenthesisation per thread: walk the
	// per-thread stream and match ends against a stack of begins.
	var stack []libmp.EventID
	for _, ev := range events {
		switch ev.Type {
		case libmp.RooflineLoopStart:
			stack = append(stack, ev.UniqueID)
		case libmp.RooflineLoopEnd:
			require.NotEmpty(t, stack, "loop end without open begin")
			assert.Equal(t, stack[len(stack)-1], ev.ParentID)
			stack = stack[:len(stack)-1]
		}
	}
	assert.Empty(t, stack, "unbalanced loop events")
}

func TestLoopEndMismatchPanics(t *testing.T) {
	s := newTestSession(t, "1")
	defer func() {
		require.NotNil(t, recover(), "LIFO mismatch must be fatal")
		s.rt.Close()
		s.server.Close()
	}()

	outer := s.rt.NotifyLoopBegin(&LoopInfo{Line: 1, Filename: "a.c", FunctionName: "outer"})
	s.rt.NotifyLoopBegin(&LoopInfo{Line: 2, Filename: "a.c", FunctionName: "inner"})
	// Ending the outer loop with the inner still open violates LIFO.
	s.rt.NotifyLoopEnd(outer)
}
