// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

// Package scenario composes the profiler subsystems into recording
// scenarios: snapshot (one counting pass) and roofline (a PMU sampling
// pass followed by an instrumented pass).
package scenario // import "github.com/miniperf/miniperf/scenario"

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/miniperf/miniperf/libmp"
	"github.com/miniperf/miniperf/pmu"
	"github.com/miniperf/miniperf/supervisor"
	"github.com/miniperf/miniperf/times"
)

// Kind names a recording scenario.
type Kind string

const (
	Snapshot Kind = "snapshot"
	Roofline Kind = "roofline"
)

// ParseKind validates a scenario name from the CLI.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Snapshot, Roofline:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown scenario %q", s)
}

// DefaultSampleRate is the PMU sampling frequency used when the CLI
// does not override it.
const DefaultSampleRate = 997

// Options configure one recording session.
type Options struct {
	Scenario  Kind
	OutputDir string
	Command   []string

	// SampleRate is the sampling frequency in Hz for sampling passes.
	SampleRate uint64

	// GracePeriod is handed to the child supervisor.
	GracePeriod time.Duration
}

func (o *Options) sampleRate() uint64 {
	if o.SampleRate == 0 {
		return DefaultSampleRate
	}
	return o.SampleRate
}

func (o *Options) childOptions() []supervisor.Option {
	if o.GracePeriod > 0 {
		return []supervisor.Option{supervisor.WithGracePeriod(o.GracePeriod)}
	}
	return nil
}

// resolveCounters maps the requested counters onto the platform,
// dropping the ones the platform cannot serve. An empty result means
// none of the requested counters is supported.
func resolveCounters(platform *pmu.Platform, counters []pmu.Counter) ([]pmu.Counter, error) {
	if platform == nil {
		return counters, nil
	}
	resolved := make([]pmu.Counter, 0, len(counters))
	for _, c := range counters {
		r, err := platform.Resolve(c)
		if err != nil {
			log.Warnf("Skipping counter %s: %v", c.Name(), err)
			continue
		}
		resolved = append(resolved, r)
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("%w: no requested counter is available on %s",
			pmu.ErrUnsupportedCounter, platform.FamilyID)
	}
	return resolved, nil
}

// osEvents synthesises the OS resource usage events emitted at session
// end from the reaped child's rusage.
func osEvents(pid int, usage supervisor.Usage) []*libmp.Event {
	now := uint64(times.GetKTime())
	mk := func(ty libmp.EventType, value uint64) *libmp.Event {
		return &libmp.Event{
			UniqueID:  libmp.NewID(),
			Type:      ty,
			ProcessID: uint32(pid),
			Timestamp: now,
			Value:     value,
		}
	}
	return []*libmp.Event{
		mk(libmp.OSTotalTime, uint64(usage.WallTime.Nanoseconds())),
		mk(libmp.OSUserTime, uint64(usage.UserTime.Nanoseconds())),
		mk(libmp.OSSystemTime, uint64(usage.SystemTime.Nanoseconds())),
		mk(libmp.OSPageFaults, usage.PageFaults),
		mk(libmp.OSContextSwitches, usage.ContextSwitches),
	}
}

// hostPlatform is a best-effort lookup: profiling still works on
// catalog-unknown machines with the kernel's canonical events only.
func hostPlatform() *pmu.Platform {
	platform, err := pmu.HostPlatform()
	if err != nil {
		log.Debugf("No platform profile: %v", err)
		return nil
	}
	log.Debugf("Using platform profile %s (%s)", platform.FamilyID, platform.Name)
	return platform
}
