// Package util
//
// This file provides the keyed min-heap used to rank segments for eviction.
//
// The heap is combined with a map so a ranked segment can be looked up,
// re-prioritized or dropped by id in O(1)/O(log n) while the minimum
// remains available in O(1):
//
//   - O(log n) for AddItem, PopMin and RemoveByKey
//   - O(1) for Peek, Contains and GetByKey
//
// Ordering is by priority, then by key. Two candidates with the same
// priority always come out lowest key first, which keeps victim selection
// reproducible.
//
// Concurrency: not safe for concurrent use. The owner of the storage engine
// is the only goroutine touching it.
//
// Example usage:
//
//	rank := NewMapHeap()
//	rank.AddItem(segID, createdAt)
//	victim, ok := rank.PopMin()
package util

import (
	"container/heap"
	"strconv"
)

// item is one ranked entry: Key identifies the ranked object, Priority orders it
type item struct {
	Key      uint64
	Priority uint64
	index    int // maintained by container/heap
}

func (i *item) String() string {
	return "{Key: " + strconv.FormatUint(i.Key, 10) + ", Priority: " + strconv.FormatUint(i.Priority, 10) + "}"
}

// MapHeap is a min-heap of (key, priority) pairs with key-based access
type MapHeap struct {
	items    []*item
	itemsMap map[uint64]*item
}

// NewMapHeap creates an empty, initialized MapHeap
func NewMapHeap() *MapHeap {
	return &MapHeap{
		items:    make([]*item, 0),
		itemsMap: make(map[uint64]*item),
	}
}

// Len is part of heap.Interface
func (mh *MapHeap) Len() int { return len(mh.items) }

// Less is part of heap.Interface. Ties are broken by the lower key.
func (mh *MapHeap) Less(i, j int) bool {
	a, b := mh.items[i], mh.items[j]
	if a.Priority == b.Priority {
		return a.Key < b.Key
	}
	return a.Priority < b.Priority
}

// Swap is part of heap.Interface
func (mh *MapHeap) Swap(i, j int) {
	mh.items[i], mh.items[j] = mh.items[j], mh.items[i]
	mh.items[i].index = i
	mh.items[j].index = j
}

// Push is part of heap.Interface, use AddItem instead
func (mh *MapHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(mh.items)
	mh.items = append(mh.items, it)
	mh.itemsMap[it.Key] = it
}

// Pop is part of heap.Interface, use PopMin instead
func (mh *MapHeap) Pop() interface{} {
	old := mh.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	mh.items = old[:n-1]
	delete(mh.itemsMap, it.Key)
	return it
}

// AddItem inserts key with the given priority, or re-prioritizes it if present
func (mh *MapHeap) AddItem(key, priority uint64) {
	if it, exists := mh.itemsMap[key]; exists {
		it.Priority = priority
		heap.Fix(mh, it.index)
		return
	}
	heap.Push(mh, &item{Key: key, Priority: priority})
}

// PopMin removes and returns the key with the lowest priority
func (mh *MapHeap) PopMin() (key, priority uint64, ok bool) {
	if len(mh.items) == 0 {
		return 0, 0, false
	}
	it := heap.Pop(mh).(*item)
	return it.Key, it.Priority, true
}

// RemoveByKey removes key and returns its priority
func (mh *MapHeap) RemoveByKey(key uint64) (uint64, bool) {
	it, exists := mh.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(mh, it.index)
	return it.Priority, true
}

// Peek returns the lowest priority entry without removing it
func (mh *MapHeap) Peek() (key, priority uint64, ok bool) {
	if len(mh.items) == 0 {
		return 0, 0, false
	}
	return mh.items[0].Key, mh.items[0].Priority, true
}

// Contains reports whether key is ranked
func (mh *MapHeap) Contains(key uint64) bool {
	_, exists := mh.itemsMap[key]
	return exists
}

// GetByKey returns the priority of key without removing it
func (mh *MapHeap) GetByKey(key uint64) (uint64, bool) {
	it, exists := mh.itemsMap[key]
	if !exists {
		return 0, false
	}
	return it.Priority, true
}

// Reset drops every entry but keeps the allocated capacity
func (mh *MapHeap) Reset() {
	for i := range mh.items {
		mh.items[i] = nil
	}
	mh.items = mh.items[:0]
	clear(mh.itemsMap)
}
