// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miniperf/miniperf/supervisor"
)

func TestSpawnFailure(t *testing.T) {
	_, err := supervisor.Start(context.Background(),
		[]string{"/no/such/binary"}, nil)
	require.ErrorIs(t, err, supervisor.ErrChildSpawn)

	_, err = supervisor.Start(context.Background(), nil, nil)
	require.ErrorIs(t, err, supervisor.ErrChildSpawn)
}

func TestRunChild(t *testing.T) {
	if _, err := os.Stat("/bin/true"); err != nil {
		t.Skip("/bin/true not available")
	}

	child, err := supervisor.Start(context.Background(), []string{"/bin/true"}, nil)
	if err != nil {
		// Sandboxes may deny ptrace entirely.
		t.Skipf("cannot trace children here: %v", err)
	}

	assert.Positive(t, child.PID())

	// The child is stopped at exec; this is where counter groups
	// would attach in a real session.
	require.NoError(t, child.Resume())

	exitCode, usage, err := child.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)
	assert.Positive(t, usage.WallTime)
}

func TestChildExitCode(t *testing.T) {
	if _, err := os.Stat("/bin/false"); err != nil {
		t.Skip("/bin/false not available")
	}

	child, err := supervisor.Start(context.Background(), []string{"/bin/false"}, nil)
	if err != nil {
		t.Skipf("cannot trace children here: %v", err)
	}
	require.NoError(t, child.Resume())

	exitCode, _, err := child.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, exitCode)
}

func TestChildEnvironment(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	child, err := supervisor.Start(context.Background(),
		[]string{"/bin/sh", "-c", `test "$MINIPERF_ROOFLINE_INSTRUMENTED" = 1`},
		[]string{"MINIPERF_ROOFLINE_INSTRUMENTED=1"})
	if err != nil {
		t.Skipf("cannot trace children here: %v", err)
	}
	require.NoError(t, child.Resume())

	exitCode, _, err := child.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)
}
