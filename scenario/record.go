// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package scenario // import "github.com/miniperf/miniperf/scenario"

import (
	"context"
	"fmt"

	"github.com/miniperf/miniperf/libmp"
	"github.com/miniperf/miniperf/output"
)

// Result reports a completed recording session.
type Result struct {
	Info *output.RecordInfo

	// ChildExit is the target command's exit code, surfaced as the
	// CLI's own exit code on child failure.
	ChildExit int
}

// Record runs the requested scenario and persists the session into
// opts.OutputDir. The container is closed and fsynced even when the
// scenario itself failed partway, so partial results stay readable.
func Record(ctx context.Context, opts *Options) (*Result, error) {
	writer, err := output.NewWriter(opts.OutputDir)
	if err != nil {
		return nil, err
	}
	strings := libmp.NewStringTable()

	var info *output.RecordInfo
	var childExit int
	var runErr error

	switch opts.Scenario {
	case Snapshot:
		info, childExit, runErr = runSnapshot(ctx, opts, writer, strings)
	case Roofline:
		info, childExit, runErr = runRoofline(ctx, opts, writer, strings)
	default:
		runErr = fmt.Errorf("unknown scenario %q", opts.Scenario)
	}

	if info != nil {
		if err := writer.WriteInfo(info); err != nil && runErr == nil {
			runErr = err
		}
	}
	if err := writer.WriteStrings(strings.Snapshot()); err != nil && runErr == nil {
		runErr = err
	}
	if err := writer.Close(); err != nil && runErr == nil {
		runErr = err
	}

	if runErr != nil {
		return nil, runErr
	}
	return &Result{Info: info, ChildExit: childExit}, nil
}
