// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline drains PMU sampling ring buffers into the output
// container: one drain task per ring buffer, one decode task and one
// writer task per session, connected by bounded channels.
package pipeline // import "github.com/miniperf/miniperf/pipeline"

import (
	"context"
	"time"

	"github.com/elastic/go-perf"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/miniperf/miniperf/libmp"
	"github.com/miniperf/miniperf/output"
	"github.com/miniperf/miniperf/pmu"
)

// Sink receives the decoded canonical event stream. The writer task
// calls WriteEvent; the decode task calls AddProcMapEntry once the
// record stream ends, which can overlap with WriteEvent calls still in
// progress.
type Sink interface {
	WriteEvent(*libmp.Event) error
	AddProcMapEntry(entry output.ProcMapEntry)
}

// reorderWindow bounds how far, by kernel timestamp, events may be
// re-ordered across ring buffers. Samples arriving later than the
// window still go out, keeping their original timestamp.
const reorderWindow = 10 * time.Millisecond

// drainedRecord is one kernel record plus its origin.
type drainedRecord struct {
	rec   perf.Record
	group *pmu.Group
}

// Config configures one pipeline session.
type Config struct {
	// Groups are the sampling groups whose rings to drain.
	Groups []*pmu.Group

	Sink Sink

	// SampleRate (Hz) sizes the decode channel: a 100 ms stall must
	// not drop samples.
	SampleRate uint64
}

func (c *Config) channelCapacity() int {
	capacity := int(c.SampleRate / 10 * uint64(len(c.Groups)))
	if capacity < 256 {
		capacity = 256
	}
	return capacity
}

// Run drains all rings until ctx is cancelled, then flushes the
// pipeline to quiescence. The sink has received every decodable event
// when Run returns.
func Run(ctx context.Context, cfg *Config) error {
	drainCh := make(chan drainedRecord, cfg.channelCapacity())
	writeCh := make(chan *libmp.Event, cfg.channelCapacity())

	var drains errgroup.Group
	for _, group := range cfg.Groups {
		drains.Go(func() error {
			return drain(ctx, group, drainCh)
		})
	}

	var tail errgroup.Group
	tail.Go(func() error {
		// All drains share drainCh; close it once they are done so
		// the decoder can flush and finish.
		err := drains.Wait()
		close(drainCh)
		return err
	})
	tail.Go(func() error {
		decode(drainCh, writeCh, cfg.Sink)
		close(writeCh)
		return nil
	})

	var writeErr error
	for ev := range writeCh {
		if err := cfg.Sink.WriteEvent(ev); err != nil && writeErr == nil {
			// Remember the first failure but keep draining so the
			// upstream stages can finish.
			writeErr = err
		}
	}

	if err := tail.Wait(); err != nil {
		return err
	}
	return writeErr
}

// drain forwards kernel records from one ring buffer in kernel order.
// On cancellation it keeps reading briefly to pick up records that
// were already in the ring.
func drain(ctx context.Context, group *pmu.Group, out chan<- drainedRecord) error {
	leader := group.Leader()

	forward := func(readCtx context.Context) error {
		for {
			rec, err := leader.ReadRecord(readCtx)
			if err != nil {
				if readCtx.Err() != nil {
					return nil
				}
				return err
			}
			// If the decode channel is full this blocks, letting the
			// kernel buffer absorb the pressure; a kernel-side
			// overflow surfaces as a LOST record.
			out <- drainedRecord{rec: rec, group: group}
		}
	}

	if err := forward(ctx); err != nil {
		return err
	}

	// Final sweep of records that were in the ring at cancellation.
	flushCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	return forward(flushCtx)
}

// sampleKey identifies one counter on one thread and CPU for delta
// tracking across successive samples.
type sampleKey struct {
	group *pmu.Group
	cpu   uint32
	pid   uint32
	tid   uint32
	id    uint64
}

type lastSample struct {
	value       uint64
	timeEnabled uint64
	timeRunning uint64
}

// perf callchain entries above this value are context markers
// (PERF_CONTEXT_*), not return addresses.
const contextMarkerBase = ^uint64(0) - 4095

func callstackFrames(callchain []uint64) []libmp.CallFrame {
	if len(callchain) == 0 {
		return nil
	}
	frames := make([]libmp.CallFrame, 0, len(callchain))
	for _, ip := range callchain {
		if ip >= contextMarkerBase {
			continue
		}
		frames = append(frames, libmp.IPFrame(ip))
	}
	return frames
}

// decode turns kernel records into canonical events, re-ordering by
// timestamp within the bounded window. Process-map entries are staged
// locally and handed to the sink once the record stream ends; the
// writer task may still be writing buffered events at that point.
func decode(in <-chan drainedRecord, out chan<- *libmp.Event, sink Sink) {
	lastSamples := make(map[sampleKey]lastSample)
	reorder := newReorderBuffer(out)
	var procMap []output.ProcMapEntry

	var lostRecords uint64
	var decodeErrors uint64

	for item := range in {
		switch rec := item.rec.(type) {
		case *perf.SampleGroupRecord:
			decodeSampleGroup(item.group, rec, lastSamples, reorder)

		case *perf.MmapRecord:
			procMap = append(procMap, output.ProcMapEntry{
				Filename: rec.Filename,
				Address:  rec.Addr,
				Size:     rec.Len,
				Offset:   rec.PageOffset,
				PID:      rec.Pid,
			})

		case *perf.ForkRecord, *perf.ExitRecord, *perf.CommRecord:
			// Process-tracking records only feed side tables; the
			// interesting one (MMAP) is handled above.

		case *perf.LostRecord:
			lostRecords += rec.Lost

		default:
			decodeErrors++
		}
	}

	reorder.flush()

	if decodeErrors > 0 {
		log.Warnf("Skipped %d undecodable ring buffer records", decodeErrors)
	}
	if lostRecords > 0 {
		// The kernel dropped samples; record the gap in-band so the
		// post-processor can see it.
		out <- &libmp.Event{
			UniqueID: libmp.NewID(),
			Type:     libmp.PMUCustom,
			Value:    lostRecords,
		}
	}
	for _, entry := range procMap {
		sink.AddProcMapEntry(entry)
	}
}

func decodeSampleGroup(group *pmu.Group, rec *perf.SampleGroupRecord,
	lastSamples map[sampleKey]lastSample, reorder *reorderBuffer) {
	frames := callstackFrames(rec.Callchain)

	// One sample id ties together the per-counter events of this
	// sample; the post-processor rewrites correlation ids to source
	// locations once the IP is symbolised.
	sampleID := libmp.NewID()

	enabled := uint64(rec.Count.Enabled)
	running := uint64(rec.Count.Running)

	for _, value := range rec.Count.Values {
		counter, ok := group.CounterByID(value.ID)
		if !ok {
			continue
		}
		key := sampleKey{
			group: group,
			cpu:   rec.CPU,
			pid:   rec.Pid,
			tid:   rec.Tid,
			id:    value.ID,
		}
		last := lastSamples[key]
		lastSamples[key] = lastSample{
			value:       value.Value,
			timeEnabled: enabled,
			timeRunning: running,
		}

		ev := &libmp.Event{
			UniqueID:      libmp.NewID(),
			CorrelationID: sampleID,
			Type:          counter.EventType(),
			ProcessID:     rec.Pid,
			ThreadID:      rec.Tid,
			TimeEnabled:   enabled - last.timeEnabled,
			TimeRunning:   running - last.timeRunning,
			Timestamp:     rec.Time,
			Value:         value.Value - last.value,
			IP:            rec.IP,
			Callstack:     frames,
		}
		reorder.push(ev)
	}
}
