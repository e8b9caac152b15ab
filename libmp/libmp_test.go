// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package libmp_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miniperf/miniperf/libmp"
)

func TestEventTypeClassification(t *testing.T) {
	tests := map[string]struct {
		ty         libmp.EventType
		name       string
		isPMU      bool
		isOS       bool
		isRoofline bool
	}{
		"cycles":      {ty: libmp.PMUCycles, name: "pmu_cycles", isPMU: true},
		"custom":      {ty: libmp.PMUCustom, name: "pmu_custom", isPMU: true},
		"page faults": {ty: libmp.OSPageFaults, name: "os_page_faults", isOS: true},
		"user time":   {ty: libmp.OSUserTime, name: "os_user_time", isOS: true},
		"loop start":  {ty: libmp.RooflineLoopStart, name: "roofline_loop_start", isRoofline: true},
		"bytes load":  {ty: libmp.RooflineBytesLoad, name: "roofline_bytes_load", isRoofline: true},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.True(t, test.ty.Valid())
			assert.Equal(t, test.name, test.ty.String())
			assert.Equal(t, test.isPMU, test.ty.IsPMU())
			assert.Equal(t, test.isOS, test.ty.IsOS())
			assert.Equal(t, test.isRoofline, test.ty.IsRoofline())
		})
	}
}

func TestEventTypeInvalid(t *testing.T) {
	assert.False(t, libmp.EventType(1000).Valid())
}

// Ids must be pairwise distinct within a session, including under
// concurrent allocation.
func TestNewIDUniqueness(t *testing.T) {
	const perWorker = 2000
	const workers = 8

	var mu sync.Mutex
	seen := make(map[libmp.EventID]bool, perWorker*workers)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]libmp.EventID, 0, perWorker)
			for range perWorker {
				ids = append(ids, libmp.NewID())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range ids {
				require.False(t, seen[id], "duplicate id %s", id)
				seen[id] = true
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, perWorker*workers)
}

func TestNewIDOrdered(t *testing.T) {
	// Ids embed a millisecond timestamp; ids allocated over a
	// measurable time span must sort by allocation time.
	first := libmp.NewID()
	require.False(t, first.IsZero())

	time.Sleep(2 * time.Millisecond)
	second := libmp.NewID()
	assert.True(t, first.Less(second))
}

func TestStringTable(t *testing.T) {
	st := libmp.NewStringTable()

	id := st.Intern("main.c")
	require.False(t, id.IsZero())

	// Interning is idempotent.
	assert.Equal(t, id, st.Intern("main.c"))

	other := st.Intern("kernel")
	assert.NotEqual(t, id, other)

	got, ok := st.Lookup("main.c")
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = st.Lookup("missing")
	assert.False(t, ok)

	snapshot := st.Snapshot()
	assert.Equal(t, map[libmp.EventID]string{
		id:    "main.c",
		other: "kernel",
	}, snapshot)
}

func TestStringTableConcurrent(t *testing.T) {
	st := libmp.NewStringTable()
	strings := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	var wg sync.WaitGroup
	results := make([][]libmp.EventID, 8)
	for worker := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]libmp.EventID, len(strings))
			for i, s := range strings {
				ids[i] = st.Intern(s)
			}
			results[worker] = ids
		}()
	}
	wg.Wait()

	// Every worker must have observed the same id per string.
	for _, ids := range results[1:] {
		assert.Equal(t, results[0], ids)
	}
	assert.Equal(t, len(strings), st.Len())
}

func TestCorrelationID(t *testing.T) {
	id := libmp.CorrelationID("kernels.c", 42, "saxpy")

	// Deterministic across invocations and sessions.
	assert.Equal(t, id, libmp.CorrelationID("kernels.c", 42, "saxpy"))

	// Sensitive to every component of the triple.
	assert.NotEqual(t, id, libmp.CorrelationID("kernels.c", 43, "saxpy"))
	assert.NotEqual(t, id, libmp.CorrelationID("kernels.h", 42, "saxpy"))
	assert.NotEqual(t, id, libmp.CorrelationID("kernels.c", 42, "daxpy"))

	// The separator keeps shifted triples from colliding.
	assert.NotEqual(t,
		libmp.CorrelationID("a", 1, "2b"),
		libmp.CorrelationID("a", 12, "b"))
}
