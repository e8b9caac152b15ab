// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline // import "github.com/miniperf/miniperf/pipeline"

import (
	"container/heap"

	"github.com/miniperf/miniperf/libmp"
)

// eventHeap is a min-heap of events ordered by timestamp.
type eventHeap []*libmp.Event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].Timestamp < h[j].Timestamp }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)         { *h = append(*h, x.(*libmp.Event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ev
}

// reorderBuffer re-orders events by kernel timestamp within the
// bounded window. Within one ring the kernel already emits records in
// order; the buffer restores order across rings. An event older than
// the watermark when it arrives is emitted immediately, keeping its
// original timestamp.
type reorderBuffer struct {
	out     chan<- *libmp.Event
	pending eventHeap
	// maxSeen is the highest timestamp observed; events trailing it
	// by more than the window are safe to release.
	maxSeen uint64
}

func newReorderBuffer(out chan<- *libmp.Event) *reorderBuffer {
	return &reorderBuffer{out: out}
}

func (r *reorderBuffer) push(ev *libmp.Event) {
	if ev.Timestamp > r.maxSeen {
		r.maxSeen = ev.Timestamp
	}
	heap.Push(&r.pending, ev)

	window := uint64(reorderWindow.Nanoseconds())
	for r.pending.Len() > 0 {
		next := r.pending[0]
		if r.maxSeen-next.Timestamp <= window {
			break
		}
		r.out <- heap.Pop(&r.pending).(*libmp.Event)
	}
}

// flush releases all pending events in timestamp order.
func (r *reorderBuffer) flush() {
	for r.pending.Len() > 0 {
		r.out <- heap.Pop(&r.pending).(*libmp.Event)
	}
}
