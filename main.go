// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

// miniperf is a sampling profiler for native applications on Linux:
// it wraps a child command, collects hardware counters and callstacks,
// and persists a structured event stream for later analysis.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"

	"github.com/miniperf/miniperf/libmp"
	"github.com/miniperf/miniperf/output"
	"github.com/miniperf/miniperf/pmu"
	"github.com/miniperf/miniperf/scenario"
	"github.com/miniperf/miniperf/supervisor"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Stable mapping of the error taxonomy for scripting.
	exitPermissionDenied   exitCode = 2
	exitUnsupportedCounter exitCode = 3
	exitChildSpawnFailure  exitCode = 4
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "miniperf: %v\n", err)
		return exitFailure
	}

	if args.verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx := context.Background()

	switch args.verb {
	case "stat":
		return runStat(ctx, args)
	case "record":
		return runRecord(ctx, args)
	case "show":
		return runShow(args)
	case "list":
		return runList()
	}
	return exitFailure
}

// classifyError maps the error taxonomy onto stable exit codes.
func classifyError(err error) exitCode {
	switch {
	case errors.Is(err, pmu.ErrPermissionDenied):
		return exitPermissionDenied
	case errors.Is(err, pmu.ErrUnsupportedCounter):
		return exitUnsupportedCounter
	case errors.Is(err, supervisor.ErrChildSpawn):
		return exitChildSpawnFailure
	}
	return exitFailure
}

func runStat(ctx context.Context, args *arguments) exitCode {
	result, err := scenario.Stat(ctx, args.statCommand)
	if err != nil {
		fmt.Fprintf(os.Stderr, "miniperf: %v\n", err)
		return classifyError(err)
	}

	fmt.Printf("\nPerformance counter stats for '%v':\n\n", args.statCommand)
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "Counter\tValue\tScaling\tDescription")
	for _, count := range result.Counts {
		if !count.Valid {
			fmt.Fprintf(w, "%s\t<not counted>\t\t%s\n",
				count.Counter.Name(), count.Counter.Description())
			continue
		}
		scaling := float64(1)
		if count.TimeRunning > 0 {
			scaling = float64(count.TimeEnabled) / float64(count.TimeRunning)
		}
		fmt.Fprintf(w, "%s\t%d\t%.2f\t%s\n",
			count.Counter.Name(), count.Scaled, scaling, count.Counter.Description())
	}
	w.Flush()
	fmt.Printf("\n  user time: %v, system time: %v, wall time: %v\n",
		result.Usage.UserTime, result.Usage.SystemTime, result.Usage.WallTime)

	if result.ChildExit != 0 {
		return exitCode(result.ChildExit)
	}
	return exitSuccess
}

func runRecord(ctx context.Context, args *arguments) exitCode {
	log.Infof("Recording %s scenario into %s", args.record.Scenario, args.record.OutputDir)

	result, err := scenario.Record(ctx, &args.record)
	if err != nil {
		fmt.Fprintf(os.Stderr, "miniperf: %v\n", err)
		return classifyError(err)
	}
	if result.ChildExit != 0 {
		return exitCode(result.ChildExit)
	}
	return exitSuccess
}

func runShow(args *arguments) exitCode {
	reader, err := output.NewReader(args.showDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "miniperf: %v\n", err)
		return exitFailure
	}
	defer reader.Close()

	if info, err := reader.Info(); err == nil {
		fmt.Printf("scenario: %s\ncommand: %v\ncpu: %s %s\n\n",
			info.Scenario, info.Command, info.CPUVendor, info.CPUFamily)
	}

	byType := make(map[libmp.EventType]uint64)
	var total uint64
	for {
		ev, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			fmt.Fprintf(os.Stderr, "miniperf: %v\n", err)
			return exitFailure
		}
		byType[ev.Type]++
		total++
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "Event type\tCount")
	for ty := libmp.EventType(0); ty.Valid(); ty++ {
		if byType[ty] == 0 {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\n", ty, byType[ty])
	}
	w.Flush()
	fmt.Printf("\n%d events total\n", total)
	return exitSuccess
}

func runList() exitCode {
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	for _, counter := range pmu.ListSupportedCounters() {
		fmt.Fprintf(w, "%s\t%s\n", counter.Name(), counter.Description())
	}
	w.Flush()
	return exitSuccess
}
