// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package timerqueue

import "github.com/juju/leaselayer/internal/lease/clockticks"

// entryHeap is a container/heap.Interface over *Entry ordered by
// deadline, ascending.
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	return h[i].deadline < h[j].deadline
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// peekDeadline returns the deadline of the earliest entry, or false if
// the heap is empty.
func (h entryHeap) peekDeadline() (clockticks.Ticks, bool) {
	if len(h) == 0 {
		return 0, false
	}
	return h[0].deadline, true
}
