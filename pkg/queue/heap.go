package queue

import (
	"container/heap"
	"time"

	"github.com/forgebay/runnerd/pkg/types"
)

// waitingItem is one job sitting in a queue's waiting collection,
// ordered by (priority, enqueued_at, job_id) per spec.md §4.3's
// dispatch comparator.
type waitingItem struct {
	job   *types.Job
	index int
}

type waitingHeap []*waitingItem

func (h waitingHeap) Len() int { return len(h) }

func (h waitingHeap) Less(i, j int) bool {
	a, b := h[i].job, h[j].job
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.JobID < b.JobID
}

func (h waitingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *waitingHeap) Push(x any) {
	item := x.(*waitingItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *waitingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// delayedItem is a job waiting for delay_until to elapse before it
// re-enters waiting.
type delayedItem struct {
	job        *types.Job
	delayUntil time.Time
	index      int
}

type delayedHeap []*delayedItem

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	return h[i].delayUntil.Before(h[j].delayUntil)
}

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *delayedHeap) Push(x any) {
	item := x.(*delayedItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

var (
	_ heap.Interface = (*waitingHeap)(nil)
	_ heap.Interface = (*delayedHeap)(nil)
)
