// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package scenario // import "github.com/miniperf/miniperf/scenario"

import (
	"context"

	"github.com/miniperf/miniperf/libmp"
	"github.com/miniperf/miniperf/output"
	"github.com/miniperf/miniperf/pmu"
	"github.com/miniperf/miniperf/supervisor"
	"github.com/miniperf/miniperf/times"
)

// runSnapshot records one counting pass: every platform-supported
// canonical counter is read scaled after the child exits and emitted
// as one event each, followed by the synthetic OS usage events.
func runSnapshot(ctx context.Context, opts *Options, writer *output.Writer,
	strings *libmp.StringTable) (*output.RecordInfo, int, error) {
	platform := hostPlatform()

	counters, err := resolveCounters(platform, pmu.CanonicalCounters())
	if err != nil {
		return nil, 0, err
	}

	child, err := supervisor.Start(ctx, opts.Command, nil, opts.childOptions()...)
	if err != nil {
		return nil, 0, err
	}

	group, err := pmu.Open(counters, pmu.AttachProcess(child.PID()), pmu.OpenOptions{
		FollowFork: true,
	})
	if err != nil {
		return nil, 0, err
	}
	defer group.Close()

	if err := group.Reset(); err != nil {
		return nil, 0, err
	}
	if err := group.Enable(); err != nil {
		return nil, 0, err
	}
	if err := child.Resume(); err != nil {
		return nil, 0, err
	}
	exitCode, usage, err := child.Wait()
	if err != nil {
		return nil, 0, err
	}
	if err := group.Disable(); err != nil {
		return nil, 0, err
	}

	counts, err := group.ReadScaled()
	if err != nil {
		return nil, 0, err
	}

	counterKey := strings.Intern("counter")
	now := uint64(times.GetKTime())
	for _, count := range counts {
		if !count.Valid {
			// The counter never got onto the hardware; dropping it
			// beats reporting a misleading zero.
			continue
		}
		ev := &libmp.Event{
			UniqueID:    libmp.NewID(),
			Type:        count.Counter.EventType(),
			ProcessID:   uint32(child.PID()),
			TimeEnabled: count.TimeEnabled,
			TimeRunning: count.TimeRunning,
			Timestamp:   now,
			Value:       count.Scaled,
		}
		ev.WithMetadataString(counterKey, strings.Intern(count.Counter.Name()))
		if err := writer.WriteEvent(ev); err != nil {
			return nil, 0, err
		}
	}
	for _, ev := range osEvents(child.PID(), usage) {
		if err := writer.WriteEvent(ev); err != nil {
			return nil, 0, err
		}
	}

	info := &output.RecordInfo{
		Scenario: string(Snapshot),
		Command:  opts.Command,
		PIDs:     []int{child.PID()},
	}
	if platform != nil {
		info.CPUFamily = platform.FamilyID
		info.CPUVendor = platform.Vendor
	}
	for _, c := range group.Counters() {
		info.Counters = append(info.Counters, c.Name())
	}
	return info, exitCode, nil
}
