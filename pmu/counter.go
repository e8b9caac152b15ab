// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

// Package pmu abstracts the kernel performance-monitoring interface:
// it maps canonical counter names to per-platform events, opens and
// multiplexes counter groups, and exposes time-scaled reads and
// sampling ring buffers.
package pmu // import "github.com/miniperf/miniperf/pmu"

import (
	"errors"
	"sort"

	"github.com/miniperf/miniperf/libmp"
)

var (
	// ErrUnsupportedCounter is returned when a counter cannot be
	// mapped to an event on the current platform.
	ErrUnsupportedCounter = errors.New("unsupported counter")

	// ErrPermissionDenied is returned when the kernel refuses to open
	// a counter, typically due to perf_event_paranoid or a missing
	// capability.
	ErrPermissionDenied = errors.New("permission denied opening counter")
)

// Kind identifies a canonical counter, or one of the two escape
// hatches: Custom (a vendor event referenced by name) and Raw (a fully
// resolved vendor event with its code).
type Kind uint8

const (
	KindCycles Kind = iota
	KindInstructions
	KindLLCReferences
	KindLLCMisses
	KindBranchInstructions
	KindBranchMisses
	KindStalledCyclesFrontend
	KindStalledCyclesBackend
	KindCPUClock
	KindPageFaults
	KindContextSwitches
	KindCPUMigrations
	KindCustom
	KindRaw
)

// Counter describes one event to count or sample. Canonical counters
// carry only the Kind; Custom counters carry the vendor event name to
// resolve; Raw counters are fully resolved vendor events.
type Counter struct {
	Kind Kind
	name string
	desc string
	code uint64
}

// Canonical counters.
var (
	Cycles                = Counter{Kind: KindCycles}
	Instructions          = Counter{Kind: KindInstructions}
	LLCReferences         = Counter{Kind: KindLLCReferences}
	LLCMisses             = Counter{Kind: KindLLCMisses}
	BranchInstructions    = Counter{Kind: KindBranchInstructions}
	BranchMisses          = Counter{Kind: KindBranchMisses}
	StalledCyclesFrontend = Counter{Kind: KindStalledCyclesFrontend}
	StalledCyclesBackend  = Counter{Kind: KindStalledCyclesBackend}
	CPUClock              = Counter{Kind: KindCPUClock}
	PageFaults            = Counter{Kind: KindPageFaults}
	ContextSwitches       = Counter{Kind: KindContextSwitches}
	CPUMigrations         = Counter{Kind: KindCPUMigrations}
)

// CustomCounter references a vendor event by name. It must be resolved
// against a platform profile before it can be opened.
func CustomCounter(name string) Counter {
	return Counter{Kind: KindCustom, name: name}
}

// RawCounter is a fully resolved vendor event.
func RawCounter(name, desc string, code uint64) Counter {
	return Counter{Kind: KindRaw, name: name, desc: desc, code: code}
}

var kindNames = map[Kind]string{
	KindCycles:                "cycles",
	KindInstructions:          "instructions",
	KindLLCReferences:         "cache_references",
	KindLLCMisses:             "cache_misses",
	KindBranchInstructions:    "branches",
	KindBranchMisses:          "branch_misses",
	KindStalledCyclesFrontend: "stalled_cycles_frontend",
	KindStalledCyclesBackend:  "stalled_cycles_backend",
	KindCPUClock:              "cpu_clock",
	KindPageFaults:            "page_faults",
	KindContextSwitches:       "context_switches",
	KindCPUMigrations:         "cpu_migrations",
}

var kindDescs = map[Kind]string{
	KindCycles:                "Number of CPU cycles",
	KindInstructions:          "Number of instructions retired",
	KindLLCReferences:         "Last level cache references",
	KindLLCMisses:             "Last level cache misses",
	KindBranchInstructions:    "Branch instructions retired",
	KindBranchMisses:          "Branch instructions missed",
	KindStalledCyclesFrontend: "Cycles stalled on frontend bottlenecks",
	KindStalledCyclesBackend:  "Cycles stalled on backend bottlenecks",
	KindCPUClock:              "A high-resolution per-CPU timer",
	KindPageFaults:            "Number of page faults",
	KindContextSwitches:       "Number of context switches",
	KindCPUMigrations:         "Number of migrations to a new CPU",
}

// Name returns the canonical name of the counter.
func (c Counter) Name() string {
	if c.Kind == KindCustom || c.Kind == KindRaw {
		return c.name
	}
	return kindNames[c.Kind]
}

// Description returns the human-readable description of the counter.
func (c Counter) Description() string {
	if c.Kind == KindCustom || c.Kind == KindRaw {
		return c.desc
	}
	return kindDescs[c.Kind]
}

// Code returns the raw event code of a Raw counter.
func (c Counter) Code() uint64 {
	return c.code
}

func (c Counter) String() string {
	return c.Name()
}

// EventType maps the counter to its canonical event type in the output
// stream. Vendor events map to PMUCustom.
func (c Counter) EventType() libmp.EventType {
	switch c.Kind {
	case KindCycles:
		return libmp.PMUCycles
	case KindInstructions:
		return libmp.PMUInstructions
	case KindLLCReferences:
		return libmp.PMULLCReferences
	case KindLLCMisses:
		return libmp.PMULLCMisses
	case KindBranchInstructions:
		return libmp.PMUBranchInstructions
	case KindBranchMisses:
		return libmp.PMUBranchMisses
	case KindStalledCyclesFrontend:
		return libmp.PMUStalledCyclesFrontend
	case KindStalledCyclesBackend:
		return libmp.PMUStalledCyclesBackend
	case KindCPUClock:
		return libmp.OSCPUClock
	case KindPageFaults:
		return libmp.OSPageFaults
	case KindContextSwitches:
		return libmp.OSContextSwitches
	case KindCPUMigrations:
		return libmp.OSCPUMigrations
	default:
		return libmp.PMUCustom
	}
}

// IsSoftware reports whether the counter is an OS software event
// rather than a hardware PMU event.
func (c Counter) IsSoftware() bool {
	switch c.Kind {
	case KindCPUClock, KindPageFaults, KindContextSwitches, KindCPUMigrations:
		return true
	}
	return false
}

// CanonicalCounters is the full canonical set, in the order scaled
// snapshot results are reported.
func CanonicalCounters() []Counter {
	return []Counter{
		Cycles,
		Instructions,
		LLCReferences,
		LLCMisses,
		BranchInstructions,
		BranchMisses,
		StalledCyclesFrontend,
		StalledCyclesBackend,
		CPUClock,
		PageFaults,
		ContextSwitches,
		CPUMigrations,
	}
}

// ListSupportedCounters returns the canonical counters plus every
// vendor event the host platform profile publishes, vendor events
// sorted by name.
func ListSupportedCounters() []Counter {
	counters := CanonicalCounters()
	platform, err := HostPlatform()
	if err != nil {
		return counters
	}
	names := make([]string, 0, len(platform.Events))
	for name := range platform.Events {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		evt := platform.Events[name]
		counters = append(counters, RawCounter(evt.Name, evt.Desc, evt.Code))
	}
	return counters
}
