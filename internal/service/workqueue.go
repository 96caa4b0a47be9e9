package service

import (
	"container/heap"
	"time"

	"github.com/halcyon-sec/aegiscore/internal/domain/work"
)

// queueEntry is one heap element. seq provides strict FIFO ordering
// inside a priority tier and is never reassigned, so an aged item keeps
// its arrival position within its new tier.
type queueEntry struct {
	item     *work.Item
	seq      uint64
	enqueued time.Time
	index    int
}

// workQueue is a priority heap keyed by (effective priority desc, seq asc)
// with O(1) membership lookup for cancellation. Not safe for concurrent
// use; the router serializes access under its own mutex.
type workQueue struct {
	entries []*queueEntry
	byID    map[string]*queueEntry
	nextSeq uint64
}

func newWorkQueue() *workQueue {
	return &workQueue{byID: make(map[string]*queueEntry)}
}

// Len implements heap.Interface.
func (q *workQueue) Len() int { return len(q.entries) }

// Less implements heap.Interface: higher priority drains first; within a
// tier, lower seq (earlier arrival) drains first.
func (q *workQueue) Less(i, j int) bool {
	a, b := q.entries[i], q.entries[j]
	if a.item.EffectivePriority != b.item.EffectivePriority {
		return a.item.EffectivePriority > b.item.EffectivePriority
	}
	return a.seq < b.seq
}

// Swap implements heap.Interface.
func (q *workQueue) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	q.entries[i].index = i
	q.entries[j].index = j
}

// Push implements heap.Interface. Use push instead.
func (q *workQueue) Push(x any) {
	e := x.(*queueEntry)
	e.index = len(q.entries)
	q.entries = append(q.entries, e)
}

// Pop implements heap.Interface. Use pop instead.
func (q *workQueue) Pop() any {
	old := q.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	q.entries = old[:n-1]
	return e
}

// push enqueues an item at the back of its priority tier.
func (q *workQueue) push(item *work.Item, enqueued time.Time) {
	e := &queueEntry{item: item, seq: q.nextSeq, enqueued: enqueued}
	q.nextSeq++
	q.byID[item.ID] = e
	heap.Push(q, e)
}

// pop removes and returns the highest-priority item, or nil when empty.
func (q *workQueue) pop() *work.Item {
	if len(q.entries) == 0 {
		return nil
	}
	e := heap.Pop(q).(*queueEntry)
	delete(q.byID, e.item.ID)
	return e.item
}

// remove deletes the item with the given id from the queue.
// Returns the item, or nil if it was not queued.
func (q *workQueue) remove(id string) *work.Item {
	e, ok := q.byID[id]
	if !ok {
		return nil
	}
	heap.Remove(q, e.index)
	delete(q.byID, id)
	return e.item
}

// contains reports whether the item is currently queued.
func (q *workQueue) contains(id string) bool {
	_, ok := q.byID[id]
	return ok
}

// promoteAged raises the effective priority of every entry that has been
// waiting longer than threshold by one level. Returns the promoted items
// so the caller can persist and log the change. seq is preserved: the
// item joins its new tier ordered by original arrival.
func (q *workQueue) promoteAged(now time.Time, threshold time.Duration) []*work.Item {
	var promoted []*work.Item
	for _, e := range q.entries {
		if e.item.EffectivePriority >= work.PriorityCritical {
			continue
		}
		if now.Sub(e.enqueued) < threshold {
			continue
		}
		e.item.EffectivePriority = e.item.EffectivePriority.Promote()
		e.enqueued = now // aging clock restarts after each promotion
		promoted = append(promoted, e.item)
	}
	if len(promoted) > 0 {
		heap.Init(q)
	}
	return promoted
}
