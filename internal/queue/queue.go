// Package queue implements spec §4.L: the run scheduling priority queue.
// Entries order by (scheduledFor ascending, -priority ascending) so the
// earliest-due entry dequeues first, ties broken in favor of the higher
// priority. No ecosystem priority-queue library appears anywhere in the
// retrieved pack (see DESIGN.md), so this is stdlib container/heap, the
// same justification the teacher itself applies to its own few stdlib-only
// concerns (e.g. internal/config's env loading).
package queue

import (
	"container/heap"
	"sync"
	"time"
)

// Entry is one queued run, per spec §3's QueueEntry.
type Entry struct {
	RunID        string
	WorkflowName string
	Priority     int
	ScheduledFor time.Time

	index int // heap.Interface bookkeeping
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].ScheduledFor.Equal(h[j].ScheduledFor) {
		return h[i].ScheduledFor.Before(h[j].ScheduledFor)
	}
	return h[i].Priority > h[j].Priority
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
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

// PriorityQueue is a binary heap of Entry keyed by (scheduledFor, -priority).
// The manager is the single writer/reader of the heap; Remove is the one
// operation external callers (pause/cancel) use concurrently, per §5's
// shared-resource policy, so every method takes the lock.
type PriorityQueue struct {
	mu      sync.Mutex
	heap    entryHeap
	byRunID map[string]*Entry
}

// New creates an empty priority queue.
func New() *PriorityQueue {
	return &PriorityQueue{byRunID: map[string]*Entry{}}
}

// Enqueue adds entry to the queue.
func (q *PriorityQueue) Enqueue(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := e
	heap.Push(&q.heap, &cp)
	q.byRunID[cp.RunID] = &cp
}

// Dequeue pops the single earliest-due, highest-priority entry, or ok=false
// if the queue is empty.
func (q *PriorityQueue) Dequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return Entry{}, false
	}
	e := heap.Pop(&q.heap).(*Entry)
	delete(q.byRunID, e.RunID)
	return *e, true
}

// Peek returns the head entry without removing it.
func (q *PriorityQueue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return Entry{}, false
	}
	return *q.heap[0], true
}

// Size returns the number of queued entries.
func (q *PriorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Clear empties the queue.
func (q *PriorityQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = nil
	q.byRunID = map[string]*Entry{}
}

// GetReady removes and returns every entry whose ScheduledFor is <= now, in
// heap-pop order (earliest/highest-priority first).
func (q *PriorityQueue) GetReady(now time.Time) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ready []Entry
	for q.heap.Len() > 0 && !q.heap[0].ScheduledFor.After(now) {
		e := heap.Pop(&q.heap).(*Entry)
		delete(q.byRunID, e.RunID)
		ready = append(ready, *e)
	}
	return ready
}

// Remove deletes the entry for runID if present: a map lookup finds its
// heap index, then heap.Remove takes O(log n).
func (q *PriorityQueue) Remove(runID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byRunID[runID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byRunID, runID)
	return true
}
