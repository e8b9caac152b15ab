// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miniperf/miniperf/libmp"
	"github.com/miniperf/miniperf/pmu"
	"github.com/miniperf/miniperf/supervisor"
)

func TestParseKind(t *testing.T) {
	for _, name := range []string{"snapshot", "roofline"} {
		kind, err := ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, Kind(name), kind)
	}
	_, err := ParseKind("flamegraph")
	require.Error(t, err)
}

func TestCollectorEnv(t *testing.T) {
	env := collectorEnv("", false)
	assert.Equal(t, []string{"MINIPERF_ROOFLINE_INSTRUMENTED=0"}, env)

	env = collectorEnv("/tmp/ipc.sock", true)
	assert.Equal(t, []string{
		"MINIPERF_ROOFLINE_INSTRUMENTED=1",
		"MINIPERF_IPC_SOCKET=/tmp/ipc.sock",
	}, env)
}

func TestResolveCounters(t *testing.T) {
	x60 := pmu.FindPlatform("spacemit_x60")
	require.NotNil(t, x60)

	resolved, err := resolveCounters(x60, pmu.CanonicalCounters())
	require.NoError(t, err)
	require.NotEmpty(t, resolved)

	byName := make(map[string]pmu.Counter, len(resolved))
	for _, c := range resolved {
		byName[c.Name()] = c
	}
	// The aliased cache counters come back as raw vendor events.
	assert.Equal(t, uint64(0xb8), byName["l2_cache_access"].Code())
	assert.Equal(t, uint64(0xb9), byName["l2_cache_miss"].Code())
	// Unaliased canonical counters survive untouched.
	assert.Contains(t, byName, "cycles")
	assert.Contains(t, byName, "page_faults")

	// Without a platform profile the request passes through.
	passthrough, err := resolveCounters(nil, pmu.CanonicalCounters())
	require.NoError(t, err)
	assert.Equal(t, pmu.CanonicalCounters(), passthrough)
}

// Sampling scenarios must refuse cycles as leader on the X60 and
// substitute the vendor cycle counter.
func TestSamplingCountersLeaderSubstitution(t *testing.T) {
	x60 := pmu.FindPlatform("spacemit_x60")
	require.NotNil(t, x60)

	counters, err := samplingCounters(x60)
	require.NoError(t, err)
	require.NotEmpty(t, counters)

	leader := counters[0]
	assert.Equal(t, "u_mode_cycle", leader.Name())
	assert.Equal(t, uint64(0x22), leader.Code())

	u7 := pmu.FindPlatform("sifive_u7")
	require.NotNil(t, u7)
	counters, err = samplingCounters(u7)
	require.NoError(t, err)
	assert.Equal(t, pmu.Cycles, counters[0])
}

func TestOSEvents(t *testing.T) {
	events := osEvents(4242, supervisor.Usage{
		UserTime:        2_000_000,
		SystemTime:      1_000_000,
		WallTime:        5_000_000,
		PageFaults:      17,
		ContextSwitches: 3,
	})

	byType := make(map[libmp.EventType]*libmp.Event, len(events))
	seen := make(map[libmp.EventID]bool, len(events))
	for _, ev := range events {
		byType[ev.Type] = ev
		assert.Equal(t, uint32(4242), ev.ProcessID)
		assert.False(t, seen[ev.UniqueID], "duplicate unique id")
		seen[ev.UniqueID] = true
	}

	assert.Equal(t, uint64(5_000_000), byType[libmp.OSTotalTime].Value)
	assert.Equal(t, uint64(2_000_000), byType[libmp.OSUserTime].Value)
	assert.Equal(t, uint64(1_000_000), byType[libmp.OSSystemTime].Value)
	assert.Equal(t, uint64(17), byType[libmp.OSPageFaults].Value)
	assert.Equal(t, uint64(3), byType[libmp.OSContextSwitches].Value)
}
