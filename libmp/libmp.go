// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

// Package libmp contains the core data model of the profiler: event
// identifiers, the canonical event record, and the intern-string table
// that backs all string references inside events.
package libmp // import "github.com/miniperf/miniperf/libmp"

import (
	"fmt"
)

// EventID is a 128-bit identifier, stored as two 64-bit halves. It is
// used both as the unique id of events and as the key of interned
// strings (filenames, function names, metadata keys).
type EventID struct {
	P1 uint64
	P2 uint64
}

// ZeroID is the null EventID, used for absent parent/correlation links.
var ZeroID = EventID{}

// IsZero reports whether the id is the null id.
func (id EventID) IsZero() bool {
	return id.P1 == 0 && id.P2 == 0
}

func (id EventID) String() string {
	return fmt.Sprintf("%016x%016x", id.P1, id.P2)
}

// Less imposes a total order on EventIDs. UUIDv7-allocated ids sort by
// allocation time.
func (id EventID) Less(other EventID) bool {
	if id.P1 != other.P1 {
		return id.P1 < other.P1
	}
	return id.P2 < other.P2
}

// EventType enumerates the closed set of observation types the profiler
// can record. The numeric values are part of the frozen record schema
// and must not be reordered.
type EventType uint32

const (
	PMUCycles EventType = iota
	PMUInstructions
	PMULLCReferences
	PMULLCMisses
	PMUBranchInstructions
	PMUBranchMisses
	PMUStalledCyclesFrontend
	PMUStalledCyclesBackend
	PMUCustom
	OSCPUClock
	OSCPUMigrations
	OSPageFaults
	OSContextSwitches
	OSTotalTime
	OSUserTime
	OSSystemTime
	RooflineBytesLoad
	RooflineBytesStore
	RooflineScalarIntOps
	RooflineScalarFloatOps
	RooflineScalarDoubleOps
	RooflineVectorIntOps
	RooflineVectorFloatOps
	RooflineVectorDoubleOps
	RooflineLoopStart
	RooflineLoopEnd

	numEventTypes
)

var eventTypeNames = [numEventTypes]string{
	PMUCycles:                "pmu_cycles",
	PMUInstructions:          "pmu_instructions",
	PMULLCReferences:         "pmu_llc_references",
	PMULLCMisses:             "pmu_llc_misses",
	PMUBranchInstructions:    "pmu_branch_instructions",
	PMUBranchMisses:          "pmu_branch_misses",
	PMUStalledCyclesFrontend: "pmu_stalled_cycles_frontend",
	PMUStalledCyclesBackend:  "pmu_stalled_cycles_backend",
	PMUCustom:                "pmu_custom",
	OSCPUClock:               "os_cpu_clock",
	OSCPUMigrations:          "os_cpu_migrations",
	OSPageFaults:             "os_page_faults",
	OSContextSwitches:        "os_context_switches",
	OSTotalTime:              "os_total_time",
	OSUserTime:               "os_user_time",
	OSSystemTime:             "os_system_time",
	RooflineBytesLoad:        "roofline_bytes_load",
	RooflineBytesStore:       "roofline_bytes_store",
	RooflineScalarIntOps:     "roofline_scalar_int_ops",
	RooflineScalarFloatOps:   "roofline_scalar_float_ops",
	RooflineScalarDoubleOps:  "roofline_scalar_double_ops",
	RooflineVectorIntOps:     "roofline_vector_int_ops",
	RooflineVectorFloatOps:   "roofline_vector_float_ops",
	RooflineVectorDoubleOps:  "roofline_vector_double_ops",
	RooflineLoopStart:        "roofline_loop_start",
	RooflineLoopEnd:          "roofline_loop_end",
}

func (t EventType) String() string {
	if t < numEventTypes {
		return eventTypeNames[t]
	}
	return fmt.Sprintf("event_type(%d)", uint32(t))
}

// Valid reports whether t is a member of the closed enumeration.
func (t EventType) Valid() bool {
	return t < numEventTypes
}

// IsPMU reports whether t is a hardware counter observation.
func (t EventType) IsPMU() bool {
	return t <= PMUCustom
}

// IsOS reports whether t is an OS software counter observation.
func (t EventType) IsOS() bool {
	return t >= OSCPUClock && t <= OSSystemTime
}

// IsRoofline reports whether t was produced by the roofline collector
// runtime.
func (t EventType) IsRoofline() bool {
	return t >= RooflineBytesLoad && t <= RooflineLoopEnd
}

// Location is a resolved callstack frame. FunctionName and Filename are
// intern-table ids.
type Location struct {
	FunctionName EventID
	Filename     EventID
	Line         uint32
}

// CallFrame is one frame of a callstack: either a resolved source
// location or a raw instruction pointer left for the post-processor.
type CallFrame struct {
	// Location is valid if Resolved is true, IP otherwise.
	Location Location
	IP       uint64
	Resolved bool
}

// LocationFrame returns a resolved frame.
func LocationFrame(loc Location) CallFrame {
	return CallFrame{Location: loc, Resolved: true}
}

// IPFrame returns an unresolved frame carrying only an instruction
// pointer.
func IPFrame(ip uint64) CallFrame {
	return CallFrame{IP: ip}
}

// MetadataValue is either an interned string id or a plain integer.
type MetadataValue struct {
	StringID EventID
	Integer  uint64
	IsString bool
}

// Metadata is one (key, value) annotation on an event. Key is an intern
// table id.
type Metadata struct {
	Key   EventID
	Value MetadataValue
}

// Event is the canonical observation record. All profiler subsystems
// produce Events; the output container and the IPC channel both carry
// them in the frozen binary layout implemented in codec.go.
type Event struct {
	UniqueID      EventID
	ParentID      EventID
	CorrelationID EventID

	Type EventType

	ProcessID uint32
	ThreadID  uint32

	// TimeEnabled and TimeRunning are the nanoseconds the counter was
	// armed and actually counting. TimeRunning <= TimeEnabled; the
	// ratio scales multiplexed counter values.
	TimeEnabled uint64
	TimeRunning uint64

	// Timestamp is monotonic nanoseconds from the kernel clock source
	// used by the sampling facility.
	Timestamp uint64

	Value uint64
	IP    uint64

	Callstack []CallFrame
	Metadata  []Metadata
}

// WithMetadataInt appends an integer annotation and returns the event
// for chaining during construction.
func (e *Event) WithMetadataInt(key EventID, value uint64) *Event {
	e.Metadata = append(e.Metadata, Metadata{
		Key:   key,
		Value: MetadataValue{Integer: value},
	})
	return e
}

// WithMetadataString appends an interned-string annotation.
func (e *Event) WithMetadataString(key, value EventID) *Event {
	e.Metadata = append(e.Metadata, Metadata{
		Key:   key,
		Value: MetadataValue{StringID: value, IsString: true},
	})
	return e
}
