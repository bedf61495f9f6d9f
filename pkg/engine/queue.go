package engine

import "container/heap"

// eventQueue orders pending events by (blockNumber, logIndex,
// subscriptionId) ascending, per spec §4.Q. It is not itself responsible
// for deduplication — the processor skips already-indexed events.
//
// Structure mirrors the teacher's container/heap priority queue
// (pkg/rpcproxy/queue.go), trimmed to single-threaded use: the engine is a
// cooperative state machine with one logical task touching the queue
// between suspension points, so no locking is needed here.
type eventQueue struct {
	items eventHeap
}

// newEventQueue creates an empty queue.
func newEventQueue() *eventQueue {
	q := &eventQueue{items: make(eventHeap, 0)}
	heap.Init(&q.items)
	return q
}

// queue inserts an event. O(log n).
func (q *eventQueue) queue(e pendingEvent) {
	heap.Push(&q.items, e)
}

// peek returns the smallest event without removing it. ok is false when
// the queue is empty.
func (q *eventQueue) peek() (pendingEvent, bool) {
	if len(q.items) == 0 {
		return pendingEvent{}, false
	}
	return q.items[0], true
}

// take removes and returns the smallest event.
func (q *eventQueue) take() (pendingEvent, bool) {
	if len(q.items) == 0 {
		return pendingEvent{}, false
	}
	item := heap.Pop(&q.items)
	return item.(pendingEvent), true
}

// size returns the current element count.
func (q *eventQueue) size() int {
	return len(q.items)
}

// resort re-establishes heap order after items were appended to q.items
// directly. A re-plan mid-batch inserts through queue(), which keeps heap
// order on every insert, so the engine itself never calls resort.
func (q *eventQueue) resort() {
	heap.Init(&q.items)
}

type eventHeap []pendingEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool { return h[i].less(h[j]) }

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x interface{}) {
	*h = append(*h, x.(pendingEvent))
}

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
