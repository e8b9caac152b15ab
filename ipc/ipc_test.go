// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package ipc_test

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miniperf/miniperf/ipc"
	"github.com/miniperf/miniperf/libmp"
)

// eventCollector gathers handled events for assertions.
type eventCollector struct {
	mu     sync.Mutex
	events []*libmp.Event
}

func (c *eventCollector) handle(ev *libmp.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) snapshot() []*libmp.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*libmp.Event(nil), c.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPostRoundtrip(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "ipc.sock")
	strings := libmp.NewStringTable()
	collected := &eventCollector{}

	server, err := ipc.Serve(context.Background(), socket, strings, collected.handle)
	require.NoError(t, err)

	client, err := ipc.Dial(socket)
	require.NoError(t, err)

	// Producer-local key 7 for a function name, then an event
	// referencing it through the zero-P1 convention.
	client.PostString(7, "saxpy")
	client.PostEvent(&libmp.Event{
		UniqueID:  libmp.EventID{P1: 1, P2: 1},
		Type:      libmp.RooflineLoopStart,
		ProcessID: 42,
		Callstack: []libmp.CallFrame{
			libmp.LocationFrame(libmp.Location{
				FunctionName: libmp.EventID{P2: 7},
				Filename:     libmp.EventID{P2: 7},
				Line:         3,
			}),
		},
	})
	require.NoError(t, client.Close())

	waitFor(t, func() bool { return len(collected.snapshot()) == 1 })
	require.NoError(t, server.Close())

	events := collected.snapshot()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, libmp.RooflineLoopStart, ev.Type)

	// The producer-local key must have been rewritten to the session
	// intern id.
	sessionID, ok := strings.Lookup("saxpy")
	require.True(t, ok)
	require.Len(t, ev.Callstack, 1)
	assert.Equal(t, sessionID, ev.Callstack[0].Location.FunctionName)
	assert.Equal(t, sessionID, ev.Callstack[0].Location.Filename)
}

func TestStringRewriteInMetadata(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "ipc.sock")
	strings := libmp.NewStringTable()
	collected := &eventCollector{}

	server, err := ipc.Serve(context.Background(), socket, strings, collected.handle)
	require.NoError(t, err)
	defer server.Close()

	client, err := ipc.Dial(socket)
	require.NoError(t, err)

	client.PostString(1, "trip_count")
	ev := &libmp.Event{UniqueID: libmp.EventID{P1: 9}, Type: libmp.RooflineLoopEnd}
	ev.WithMetadataInt(libmp.EventID{P2: 1}, 1000)
	client.PostEvent(ev)
	require.NoError(t, client.Close())

	waitFor(t, func() bool { return len(collected.snapshot()) == 1 })

	got := collected.snapshot()[0]
	key, ok := strings.Lookup("trip_count")
	require.True(t, ok)
	require.Len(t, got.Metadata, 1)
	assert.Equal(t, key, got.Metadata[0].Key)
	assert.Equal(t, uint64(1000), got.Metadata[0].Value.Integer)
}

// A producer vanishing mid-stream must mark the session disconnected;
// a clean close must not.
func TestDisconnectDetection(t *testing.T) {
	t.Run("clean close", func(t *testing.T) {
		socket := filepath.Join(t.TempDir(), "ipc.sock")
		server, err := ipc.Serve(context.Background(), socket,
			libmp.NewStringTable(), func(*libmp.Event) {})
		require.NoError(t, err)

		client, err := ipc.Dial(socket)
		require.NoError(t, err)
		require.NoError(t, client.Close())

		assert.NoError(t, server.Close())
	})

	t.Run("garbage frame", func(t *testing.T) {
		socket := filepath.Join(t.TempDir(), "ipc.sock")
		server, err := ipc.Serve(context.Background(), socket,
			libmp.NewStringTable(), func(*libmp.Event) {})
		require.NoError(t, err)

		conn, err := net.Dial("unix", socket)
		require.NoError(t, err)
		// Valid length prefix, bogus payload tag.
		_, err = conn.Write([]byte{1, 0, 0, 0, 0xee})
		require.NoError(t, err)
		conn.Close()

		waitFor(t, func() bool { return server.Disconnected() })
		assert.ErrorIs(t, server.Close(), ipc.ErrDisconnect)
	})
}
