// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"testing"

	"github.com/elastic/go-perf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miniperf/miniperf/libmp"
	"github.com/miniperf/miniperf/output"
)

type sinkStub struct {
	procMap []output.ProcMapEntry
}

func (s *sinkStub) WriteEvent(*libmp.Event) error { return nil }

func (s *sinkStub) AddProcMapEntry(entry output.ProcMapEntry) {
	s.procMap = append(s.procMap, entry)
}

// The sum of lost counts reported in-band must equal the total the
// kernel reported.
func TestLostRecordFidelity(t *testing.T) {
	in := make(chan drainedRecord, 4)
	out := make(chan *libmp.Event, 4)

	in <- drainedRecord{rec: &perf.LostRecord{Lost: 3}}
	in <- drainedRecord{rec: &perf.LostRecord{Lost: 4}}
	close(in)

	decode(in, out, &sinkStub{})
	close(out)

	var events []*libmp.Event
	for ev := range out {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, libmp.PMUCustom, events[0].Type)
	assert.Equal(t, uint64(7), events[0].Value)
	assert.False(t, events[0].UniqueID.IsZero())
}

func TestMmapRecordsFeedProcMap(t *testing.T) {
	in := make(chan drainedRecord, 2)
	out := make(chan *libmp.Event, 2)

	in <- drainedRecord{rec: &perf.MmapRecord{
		Pid:      77,
		Addr:     0x400000,
		Len:      0x2000,
		PageOffset: 0x1000,
		Filename: "/usr/bin/true",
	}}
	close(in)

	sink := &sinkStub{}
	decode(in, out, sink)

	require.Len(t, sink.procMap, 1)
	assert.Equal(t, output.ProcMapEntry{
		Filename: "/usr/bin/true",
		Address:  0x400000,
		Size:     0x2000,
		Offset:   0x1000,
		PID:      77,
	}, sink.procMap[0])
}
