package queue

import (
	"container/heap"
	"time"
)

// item is one pending-queue entry. Entries are lazily deleted: a popped
// item whose job is no longer Pending is discarded (cancel and replay can
// leave stale entries behind).
type item struct {
	jobID     string
	priority  int
	createdAt time.Time
	seq       uint64
}

// pendingHeap orders items highest priority first, ties broken by earliest
// createdAt, then by submission sequence so FIFO within a tier is strict
// even under equal timestamps.
type pendingHeap []*item

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].createdAt.Equal(h[j].createdAt) {
		return h[i].createdAt.Before(h[j].createdAt)
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

var _ heap.Interface = (*pendingHeap)(nil)
