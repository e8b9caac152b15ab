// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package scenario // import "github.com/miniperf/miniperf/scenario"

import (
	"context"

	"github.com/miniperf/miniperf/pmu"
	"github.com/miniperf/miniperf/supervisor"
)

// StatResult is the outcome of a stat run: the scaled counter values
// and the child's resource usage and exit code.
type StatResult struct {
	Counts    []pmu.ScaledCount
	Usage     supervisor.Usage
	ChildExit int
}

// Stat runs the command once under a counting group over all
// platform-supported canonical counters and returns their scaled
// values. Rendering is the caller's concern.
func Stat(ctx context.Context, command []string, opts ...supervisor.Option) (*StatResult, error) {
	platform := hostPlatform()

	counters, err := resolveCounters(platform, pmu.CanonicalCounters())
	if err != nil {
		return nil, err
	}

	child, err := supervisor.Start(ctx, command, nil, opts...)
	if err != nil {
		return nil, err
	}

	group, err := pmu.Open(counters, pmu.AttachProcess(child.PID()), pmu.OpenOptions{
		FollowFork: true,
	})
	if err != nil {
		return nil, err
	}
	defer group.Close()

	if err := group.Reset(); err != nil {
		return nil, err
	}
	if err := group.Enable(); err != nil {
		return nil, err
	}
	if err := child.Resume(); err != nil {
		return nil, err
	}
	exitCode, usage, err := child.Wait()
	if err != nil {
		return nil, err
	}
	if err := group.Disable(); err != nil {
		return nil, err
	}

	counts, err := group.ReadScaled()
	if err != nil {
		return nil, err
	}
	return &StatResult{
		Counts:    counts,
		Usage:     usage,
		ChildExit: exitCode,
	}, nil
}
