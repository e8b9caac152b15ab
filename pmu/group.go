// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package pmu // import "github.com/miniperf/miniperf/pmu"

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/elastic/go-perf"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Target selects what a Group attaches to: a process (all its
// threads), a single thread, or a CPU.
type Target struct {
	pid int
	cpu int
}

// AttachProcess monitors the given process on any CPU.
func AttachProcess(pid int) Target {
	return Target{pid: pid, cpu: -1}
}

// AttachThread monitors a single thread on any CPU.
func AttachThread(tid int) Target {
	return Target{pid: tid, cpu: -1}
}

// AttachCPU monitors every thread on one CPU.
func AttachCPU(cpu int) Target {
	return Target{pid: perf.AllThreads, cpu: cpu}
}

// SamplingOptions arms the group leader for event sampling.
type SamplingOptions struct {
	// Frequency is the requested average sample rate in Hz.
	Frequency uint64
}

// OpenOptions control how a Group is opened.
type OpenOptions struct {
	// Grouped opens all counters under one leader fd so the kernel
	// schedules them together. Ungrouped counters multiplex
	// independently, which lets a counting session carry more events
	// than the PMU has slots.
	Grouped bool

	// FollowFork extends counting into children of the target. It
	// applies to ungrouped counters only and is ignored when Grouped is
	// set or in sampling mode: the kernel rejects inherited events
	// with group reads.
	FollowFork bool

	// Sampling, if non-nil, arms the leader for sampling and maps its
	// ring buffer.
	Sampling *SamplingOptions
}

// Group is a set of open kernel counters that are enabled, disabled
// and read together.
type Group struct {
	counters []Counter
	events   []*perf.Event
	byID     map[uint64]Counter
	grouped  bool
	sampling bool
}

// ScaledCount is one counter value read from a group, scaled for
// multiplexing.
type ScaledCount struct {
	Counter Counter

	Raw    uint64
	Scaled uint64

	// TimeEnabled and TimeRunning are nanoseconds the counter was
	// armed and actually counting.
	TimeEnabled uint64
	TimeRunning uint64

	// Valid is false when TimeRunning was zero: the counter never got
	// onto the hardware and its value must be dropped, not reported
	// as zero.
	Valid bool
}

func configureAttr(attr *perf.Attr, c Counter) error {
	switch c.Kind {
	case KindCycles:
		return perf.CPUCycles.Configure(attr)
	case KindInstructions:
		return perf.Instructions.Configure(attr)
	case KindLLCReferences:
		return perf.CacheReferences.Configure(attr)
	case KindLLCMisses:
		return perf.CacheMisses.Configure(attr)
	case KindBranchInstructions:
		return perf.BranchInstructions.Configure(attr)
	case KindBranchMisses:
		return perf.BranchMisses.Configure(attr)
	case KindStalledCyclesFrontend:
		return perf.StalledCyclesFrontend.Configure(attr)
	case KindStalledCyclesBackend:
		return perf.StalledCyclesBackend.Configure(attr)
	case KindCPUClock:
		return perf.CPUClock.Configure(attr)
	case KindPageFaults:
		return perf.PageFaults.Configure(attr)
	case KindContextSwitches:
		return perf.ContextSwitches.Configure(attr)
	case KindCPUMigrations:
		return perf.CPUMigrations.Configure(attr)
	case KindRaw:
		attr.Type = perf.RawEvent
		attr.Config = c.code
		attr.Label = c.name
		return nil
	default:
		return fmt.Errorf("%w: counter %q must be resolved against a platform first",
			ErrUnsupportedCounter, c.Name())
	}
}

// classifyOpenError translates kernel errnos into the profiler's error
// taxonomy.
func classifyOpenError(err error, c Counter) error {
	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %s (%s)", ErrPermissionDenied, c.Name(), paranoidHint())
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV),
		errors.Is(err, unix.EOPNOTSUPP):
		return fmt.Errorf("%w: %s: %v", ErrUnsupportedCounter, c.Name(), err)
	}
	return fmt.Errorf("open counter %s: %w", c.Name(), err)
}

func paranoidHint() string {
	const path = "/proc/sys/kernel/perf_event_paranoid"
	data, err := os.ReadFile(path)
	if err != nil {
		return "check CAP_PERFMON"
	}
	level, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || level <= 0 {
		return "check CAP_PERFMON"
	}
	return fmt.Sprintf("perf_event_paranoid is %d, consider: echo 0 | sudo tee %s", level, path)
}

// Open opens one kernel counter per descriptor on the given target.
// The first counter is the group leader. The leader failing to open
// fails the whole group; a failing sibling is dropped with a warning
// and the caller may retry with a smaller set.
func Open(counters []Counter, target Target, opts OpenOptions) (*Group, error) {
	if len(counters) == 0 {
		return nil, fmt.Errorf("%w: empty counter set", ErrUnsupportedCounter)
	}

	g := &Group{
		counters: make([]Counter, 0, len(counters)),
		events:   make([]*perf.Event, 0, len(counters)),
		byID:     make(map[uint64]Counter, len(counters)),
		grouped:  opts.Grouped || opts.Sampling != nil,
		sampling: opts.Sampling != nil,
	}

	success := false
	defer func() {
		if !success {
			g.Close()
		}
	}()

	var leader *perf.Event
	for i, c := range counters {
		isLeader := i == 0

		attr := new(perf.Attr)
		if err := configureAttr(attr, c); err != nil {
			if isLeader {
				return nil, err
			}
			log.Warnf("Dropping counter %s: %v", c.Name(), err)
			continue
		}

		attr.CountFormat = perf.CountFormat{
			Enabled: true,
			Running: true,
			ID:      true,
			Group:   g.grouped,
		}
		attr.Options.ExcludeKernel = true
		attr.Options.ExcludeHypervisor = true

		if g.grouped {
			// Siblings must start enabled so that enabling the leader
			// arms the whole group atomically.
			attr.Options.Disabled = isLeader
		} else {
			attr.Options.Disabled = true
			attr.Options.Inherit = opts.FollowFork
			// Fixed counters are always on; pinning them avoids
			// losing them to multiplexing rotation.
			if c.Kind == KindCycles || c.Kind == KindInstructions {
				attr.Options.Pinned = true
			}
		}

		if isLeader && opts.Sampling != nil {
			attr.SetSampleFreq(opts.Sampling.Frequency)
			attr.SampleFormat = perf.SampleFormat{
				Identifier: true,
				IP:         true,
				Tid:        true,
				Time:       true,
				CPU:        true,
				Count:      true,
				Callchain:  true,
			}
			// Track address-space changes so samples can be mapped
			// back to executables by the post-processor.
			attr.Options.Mmap = true
			attr.Options.Comm = true
			attr.Options.Task = true
			attr.Wakeup = 1
		}

		groupFD := leader
		if !g.grouped {
			groupFD = nil
		}
		ev, err := perf.Open(attr, target.pid, target.cpu, groupFD)
		if err != nil {
			err = classifyOpenError(err, c)
			if isLeader || errors.Is(err, ErrPermissionDenied) {
				return nil, err
			}
			log.Warnf("Dropping counter %s: %v", c.Name(), err)
			continue
		}
		if isLeader {
			leader = ev
		}

		id, err := ev.ID()
		if err != nil {
			if isLeader {
				return nil, fmt.Errorf("query id of %s: %w", c.Name(), err)
			}
			log.Warnf("Dropping counter %s: %v", c.Name(), err)
			ev.Close()
			continue
		}

		g.counters = append(g.counters, c)
		g.events = append(g.events, ev)
		g.byID[id] = c
	}

	if opts.Sampling != nil {
		if err := leader.MapRing(); err != nil {
			return nil, fmt.Errorf("map sampling ring: %w", err)
		}
	}

	success = true
	return g, nil
}

// Counters returns the counters that opened successfully, leader
// first.
func (g *Group) Counters() []Counter {
	return g.counters
}

// CounterByID maps a kernel-reported sample id back to its counter.
func (g *Group) CounterByID(id uint64) (Counter, bool) {
	c, ok := g.byID[id]
	return c, ok
}

// Leader returns the group leader event. In sampling mode its ring
// buffer carries the sample stream.
func (g *Group) Leader() *perf.Event {
	if len(g.events) == 0 {
		return nil
	}
	return g.events[0]
}

// Sampling reports whether the group was opened in sampling mode.
func (g *Group) Sampling() bool {
	return g.sampling
}

// Enable arms the group. For grouped counters enabling the leader arms
// all siblings atomically.
func (g *Group) Enable() error {
	if g.grouped {
		return g.events[0].Enable()
	}
	for i, ev := range g.events {
		if err := ev.Enable(); err != nil {
			return fmt.Errorf("enable %s: %w", g.counters[i].Name(), err)
		}
	}
	return nil
}

// Disable disarms the group.
func (g *Group) Disable() error {
	if g.grouped {
		return g.events[0].Disable()
	}
	var firstErr error
	for i, ev := range g.events {
		if err := ev.Disable(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("disable %s: %w", g.counters[i].Name(), err)
		}
	}
	return firstErr
}

// Reset zeroes all counter values.
func (g *Group) Reset() error {
	var firstErr error
	for i, ev := range g.events {
		if err := ev.Reset(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("reset %s: %w", g.counters[i].Name(), err)
		}
	}
	return firstErr
}

func scaled(raw, enabled, running uint64) (uint64, bool) {
	if running == 0 {
		return 0, false
	}
	if enabled == running {
		return raw, true
	}
	return uint64(float64(raw) * float64(enabled) / float64(running)), true
}

// ReadScaled reads every counter in the group and scales the raw
// values by time_enabled/time_running to correct for multiplexing.
// Counters that never ran are returned with Valid == false.
func (g *Group) ReadScaled() ([]ScaledCount, error) {
	if g.grouped {
		gc, err := g.events[0].ReadGroupCount()
		if err != nil {
			return nil, fmt.Errorf("read group: %w", err)
		}
		enabled := uint64(gc.Enabled)
		running := uint64(gc.Running)
		out := make([]ScaledCount, 0, len(gc.Values))
		for _, v := range gc.Values {
			c, ok := g.byID[v.ID]
			if !ok {
				continue
			}
			sc := ScaledCount{
				Counter:     c,
				Raw:         v.Value,
				TimeEnabled: enabled,
				TimeRunning: running,
			}
			sc.Scaled, sc.Valid = scaled(v.Value, enabled, running)
			out = append(out, sc)
		}
		return out, nil
	}

	out := make([]ScaledCount, 0, len(g.events))
	for i, ev := range g.events {
		count, err := ev.ReadCount()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", g.counters[i].Name(), err)
		}
		sc := ScaledCount{
			Counter:     g.counters[i],
			Raw:         count.Value,
			TimeEnabled: uint64(count.Enabled),
			TimeRunning: uint64(count.Running),
		}
		sc.Scaled, sc.Valid = scaled(count.Value, sc.TimeEnabled, sc.TimeRunning)
		out = append(out, sc)
	}
	return out, nil
}

// Close releases all kernel resources held by the group.
func (g *Group) Close() {
	for _, ev := range g.events {
		if ev == nil {
			continue
		}
		if err := ev.Close(); err != nil {
			log.Warnf("Failed to close counter: %v", err)
		}
	}
	g.events = nil
}
