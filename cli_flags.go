// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/peterbourgon/ff/v3"

	"github.com/miniperf/miniperf/scenario"
)

// Help strings for command line arguments
var (
	verboseHelp     = "Enable verbose logging and debugging capabilities."
	scenarioHelp    = "Recording scenario, one of: snapshot, roofline."
	outputDirHelp   = "Directory to write the recorded session into."
	sampleRateHelp  = "PMU sampling frequency in Hz for sampling scenarios."
	gracePeriodHelp = "How long a signalled child may keep running before it is killed."
)

type arguments struct {
	verb    string
	verbose bool

	// record
	record scenario.Options

	// stat
	statCommand []string

	// show
	showDir string
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  miniperf stat -- <cmd ...>
  miniperf record -s <scenario> -o <dir> -- <cmd ...>
  miniperf show <dir>
  miniperf list
`)
}

func parseArgs() (*arguments, error) {
	if len(os.Args) < 2 {
		usage()
		return nil, fmt.Errorf("missing verb")
	}

	args := &arguments{verb: os.Args[1]}
	rest := os.Args[2:]

	newFlagSet := func(name string) *flag.FlagSet {
		fs := flag.NewFlagSet(name, flag.ContinueOnError)
		fs.BoolVar(&args.verbose, "verbose", false, verboseHelp)
		return fs
	}
	parse := func(fs *flag.FlagSet) error {
		return ff.Parse(fs, rest, ff.WithEnvVarPrefix("MINIPERF"))
	}

	switch args.verb {
	case "stat":
		fs := newFlagSet("stat")
		if err := parse(fs); err != nil {
			return nil, err
		}
		args.statCommand = fs.Args()
		if len(args.statCommand) == 0 {
			return nil, fmt.Errorf("stat: missing command after --")
		}

	case "record":
		fs := newFlagSet("record")
		var scenarioName string
		fs.StringVar(&scenarioName, "s", "", scenarioHelp)
		fs.StringVar(&args.record.OutputDir, "o", "", outputDirHelp)
		fs.Uint64Var(&args.record.SampleRate, "sample-rate",
			scenario.DefaultSampleRate, sampleRateHelp)
		fs.DurationVar(&args.record.GracePeriod, "grace-period",
			5*time.Second, gracePeriodHelp)
		if err := parse(fs); err != nil {
			return nil, err
		}
		kind, err := scenario.ParseKind(scenarioName)
		if err != nil {
			return nil, err
		}
		args.record.Scenario = kind
		if args.record.OutputDir == "" {
			return nil, fmt.Errorf("record: missing -o <dir>")
		}
		args.record.Command = fs.Args()
		if len(args.record.Command) == 0 {
			return nil, fmt.Errorf("record: missing command after --")
		}

	case "show":
		fs := newFlagSet("show")
		if err := parse(fs); err != nil {
			return nil, err
		}
		if fs.NArg() != 1 {
			return nil, fmt.Errorf("show: expected exactly one result directory")
		}
		args.showDir = fs.Arg(0)

	case "list":
		fs := newFlagSet("list")
		if err := parse(fs); err != nil {
			return nil, err
		}

	default:
		usage()
		return nil, fmt.Errorf("unknown verb %q", args.verb)
	}

	return args, nil
}
