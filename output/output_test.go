// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package output_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miniperf/miniperf/libmp"
	"github.com/miniperf/miniperf/output"
)

func TestSessionRoundtrip(t *testing.T) {
	dir := t.TempDir()

	writer, err := output.NewWriter(dir)
	require.NoError(t, err)

	strings := libmp.NewStringTable()
	counterKey := strings.Intern("counter")
	cyclesName := strings.Intern("cycles")

	events := []*libmp.Event{
		{
			UniqueID:    libmp.NewID(),
			Type:        libmp.PMUCycles,
			ProcessID:   100,
			TimeEnabled: 10,
			TimeRunning: 10,
			Value:       123456,
		},
		{
			UniqueID:  libmp.NewID(),
			Type:      libmp.RooflineLoopStart,
			Timestamp: 42,
			Callstack: []libmp.CallFrame{libmp.IPFrame(0x1000)},
		},
	}
	events[0].WithMetadataString(counterKey, cyclesName)

	for _, ev := range events {
		require.NoError(t, writer.WriteEvent(ev))
	}
	writer.AddProcMapEntry(output.ProcMapEntry{
		Filename: "/usr/bin/true", Address: 0x400000, Size: 0x1000, PID: 100,
	})
	writer.AddProcMapEntry(output.ProcMapEntry{
		Filename: "/usr/bin/true", Address: 0x400000, Size: 0x1000, PID: 100,
	})

	require.NoError(t, writer.WriteInfo(&output.RecordInfo{
		Scenario:  "snapshot",
		Command:   []string{"/bin/true"},
		CPUFamily: "testchip",
	}))
	require.NoError(t, writer.WriteStrings(strings.Snapshot()))
	require.NoError(t, writer.Close())

	reader, err := output.NewReader(dir)
	require.NoError(t, err)
	defer reader.Close()

	var got []*libmp.Event
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, ev)
	}
	assert.Equal(t, events, got)

	info, err := reader.Info()
	require.NoError(t, err)
	assert.Equal(t, "snapshot", info.Scenario)
	assert.Equal(t, []string{"/bin/true"}, info.Command)

	dict, err := reader.Strings()
	require.NoError(t, err)
	assert.Equal(t, "counter", dict[counterKey.String()])
	assert.Equal(t, "cycles", dict[cyclesName.String()])
}

func TestWriterRefusesExistingStream(t *testing.T) {
	dir := t.TempDir()

	writer, err := output.NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	// A directory that already holds a recording must not be
	// silently overwritten.
	_, err = output.NewWriter(dir)
	require.Error(t, err)
}

func TestReaderMissingSession(t *testing.T) {
	_, err := output.NewReader(t.TempDir())
	require.Error(t, err)
}
