package scheduler

import (
	"container/heap"
	"time"
)

type entry struct {
	job       Job
	next      time.Time
	lastFired time.Time
	index     int
}

// jobHeap orders entries by next fire time, then by key for a stable order.
type jobHeap []*entry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if !h[i].next.Equal(h[j].next) {
		return h[i].next.Before(h[j].next)
	}
	return h[i].job.Key.String() < h[j].job.Key.String()
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func (h *jobHeap) peek() *entry {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

var _ heap.Interface = (*jobHeap)(nil)
