// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package scenario // import "github.com/miniperf/miniperf/scenario"

import (
	"context"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/miniperf/miniperf/ipc"
	"github.com/miniperf/miniperf/libmp"
	"github.com/miniperf/miniperf/output"
	"github.com/miniperf/miniperf/pipeline"
	"github.com/miniperf/miniperf/pmu"
	"github.com/miniperf/miniperf/supervisor"
)

// collectorEnv builds the environment that turns the collector runtime
// inside the instrumented child on or off.
func collectorEnv(socket string, instrumented bool) []string {
	env := []string{"MINIPERF_ROOFLINE_INSTRUMENTED=0"}
	if instrumented {
		env[0] = "MINIPERF_ROOFLINE_INSTRUMENTED=1"
	}
	if socket != "" {
		env = append(env, ipc.EnvSocket+"="+socket)
	}
	return env
}

// samplingCounters selects the counters for the PMU sampling pass: the
// platform's legal sampling leader first, then the canonical hot-path
// counters.
func samplingCounters(platform *pmu.Platform) ([]pmu.Counter, error) {
	want := []pmu.Counter{
		pmu.Cycles,
		pmu.Instructions,
		pmu.LLCReferences,
		pmu.LLCMisses,
	}

	if platform == nil {
		return want, nil
	}

	leader, err := platform.SamplingLeader()
	if err != nil {
		return nil, err
	}
	// Only the leader drives the overflow interrupt; counters the
	// platform cannot sample on are still fine as read-along siblings.
	counters := []pmu.Counter{leader}
	for _, c := range want {
		resolved, err := platform.Resolve(c)
		if err != nil {
			log.Warnf("Skipping counter %s: %v", c.Name(), err)
			continue
		}
		if resolved.Name() == leader.Name() {
			continue
		}
		counters = append(counters, resolved)
	}
	return counters, nil
}

// runRoofline records the two-pass roofline scenario. Pass 1 samples
// the PMU over the instrumented binary with instrumentation dormant;
// pass 2 reruns the child with the collector runtime live and no PMU
// sampling. Pass 2 loop events carry correlation ids derived from
// their source locations; pass 1 PMU events carry a per-sample
// correlation id and are not linked to source locations here, so the
// two passes do not share correlation ids in the recorded stream.
func runRoofline(ctx context.Context, opts *Options, writer *output.Writer,
	strings *libmp.StringTable) (*output.RecordInfo, int, error) {
	platform := hostPlatform()

	info := &output.RecordInfo{
		Scenario: string(Roofline),
		Command:  opts.Command,
	}
	if platform != nil {
		info.CPUFamily = platform.FamilyID
		info.CPUVendor = platform.Vendor
	}

	// Pass 1: PMU sampling, collector dormant.
	log.Infof("Run 1: collecting performance data for '%v'", opts.Command)

	counters, err := samplingCounters(platform)
	if err != nil {
		return nil, 0, err
	}

	child, err := supervisor.Start(ctx, opts.Command,
		collectorEnv("", false), opts.childOptions()...)
	if err != nil {
		return nil, 0, err
	}

	group, err := pmu.Open(counters, pmu.AttachProcess(child.PID()), pmu.OpenOptions{
		Sampling: &pmu.SamplingOptions{Frequency: opts.sampleRate()},
	})
	if err != nil {
		return nil, 0, err
	}
	defer group.Close()

	for _, c := range group.Counters() {
		info.Counters = append(info.Counters, c.Name())
	}

	pipeCtx, cancelPipe := context.WithCancel(ctx)
	pipeDone := make(chan error, 1)
	go func() {
		pipeDone <- pipeline.Run(pipeCtx, &pipeline.Config{
			Groups:     []*pmu.Group{group},
			Sink:       writer,
			SampleRate: opts.sampleRate(),
		})
	}()

	if err := group.Enable(); err != nil {
		cancelPipe()
		<-pipeDone
		return nil, 0, err
	}
	if err := child.Resume(); err != nil {
		cancelPipe()
		<-pipeDone
		return nil, 0, err
	}
	exitCode, usage, err := child.Wait()
	if err != nil {
		cancelPipe()
		<-pipeDone
		return nil, 0, err
	}
	_ = group.Disable()
	cancelPipe()
	if err := <-pipeDone; err != nil {
		return nil, 0, err
	}

	for _, ev := range osEvents(child.PID(), usage) {
		if err := writer.WriteEvent(ev); err != nil {
			return nil, 0, err
		}
	}
	info.PIDs = append(info.PIDs, child.PID())

	// Pass 2: no PMU sampling, collector live over IPC.
	log.Infof("Run 2: collecting loop statistics for '%v'", opts.Command)

	socket := filepath.Join(opts.OutputDir, "ipc.sock")

	// The collector events arrive from per-connection goroutines;
	// funnel them through one channel to keep a single writer.
	evCh := make(chan *libmp.Event, 1024)
	writeDone := make(chan error, 1)
	go func() {
		var firstErr error
		for ev := range evCh {
			if err := writer.WriteEvent(ev); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		writeDone <- firstErr
	}()

	server, err := ipc.Serve(ctx, socket, strings, func(ev *libmp.Event) {
		evCh <- ev
	})
	if err != nil {
		close(evCh)
		<-writeDone
		return nil, 0, err
	}

	instChild, err := supervisor.Start(ctx, opts.Command,
		collectorEnv(socket, true), opts.childOptions()...)
	if err != nil {
		server.Close()
		close(evCh)
		<-writeDone
		return nil, 0, err
	}
	if err := instChild.Resume(); err != nil {
		server.Close()
		close(evCh)
		<-writeDone
		return nil, 0, err
	}
	instExit, instUsage, err := instChild.Wait()
	serveErr := server.Close()
	close(evCh)
	if werr := <-writeDone; err == nil && werr != nil {
		err = werr
	}
	if err != nil {
		return nil, 0, err
	}

	for _, ev := range osEvents(instChild.PID(), instUsage) {
		if err := writer.WriteEvent(ev); err != nil {
			return nil, 0, err
		}
	}
	info.PIDs = append(info.PIDs, instChild.PID())

	if serveErr != nil {
		// Partial results are kept: the container still closes
		// cleanly, but the session reports the failure.
		return info, exitCode, serveErr
	}

	if exitCode == 0 {
		exitCode = instExit
	}
	return info, exitCode, nil
}
