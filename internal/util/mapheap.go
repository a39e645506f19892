// Package util provides small concurrency-agnostic data structures: a
// priority queue with O(1) key lookup (core/dispatcher orders its tasks with
// it), and a lock-free multi-producer single-consumer queue (not used by any
// package in this module).
package util

import (
	"container/heap"
	"strconv"
)

// item is a single entry in a MapHeap.
type item struct {
	Key      uint64
	Priority uint64
	index    int
}

func (i *item) String() string {
	return "{Key: " + strconv.FormatUint(i.Key, 10) + ", Priority: " + strconv.FormatUint(i.Priority, 10) + "}"
}

// MapHeap is a binary min-heap keyed by priority with O(1) key-based lookup
// and O(log n) key-based removal. It backs core/dispatcher's task ordering.
//
// Not thread-safe; callers hold their own lock around Push/Pop/AddItem/RemoveByKey.
type MapHeap struct {
	items    []*item
	itemsMap map[uint64]*item
}

// NewMapHeap creates an empty MapHeap.
func NewMapHeap() *MapHeap {
	return &MapHeap{
		items:    make([]*item, 0),
		itemsMap: make(map[uint64]*item),
	}
}

func (h *MapHeap) Len() int { return len(h.items) }

func (h *MapHeap) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

func (h *MapHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *MapHeap) Push(x interface{}) {
	n := len(h.items)
	it := x.(*item)
	it.index = n
	h.items = append(h.items, it)
	h.itemsMap[it.Key] = it
}

func (h *MapHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, it.Key)
	return it
}

// AddItem inserts a new key/priority pair, or updates the priority of an
// existing key and re-heapifies.
func (h *MapHeap) AddItem(key, priority uint64) {
	if it, exists := h.itemsMap[key]; exists {
		it.Priority = priority
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &item{Key: key, Priority: priority})
}

// RemoveByKey removes an item by key. Returns its priority and whether it existed.
func (h *MapHeap) RemoveByKey(key uint64) (uint64, bool) {
	it, exists := h.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(h, it.index)
	return it.Priority, true
}

// Peek returns the lowest-priority item without removing it.
func (h *MapHeap) Peek() (key uint64, priority uint64, ok bool) {
	if len(h.items) == 0 {
		return 0, 0, false
	}
	return h.items[0].Key, h.items[0].Priority, true
}

// PopMin removes and returns the lowest-priority item.
func (h *MapHeap) PopMin() (key uint64, priority uint64, ok bool) {
	if len(h.items) == 0 {
		return 0, 0, false
	}
	it := heap.Pop(h).(*item)
	return it.Key, it.Priority, true
}

// Contains reports whether key is currently tracked.
func (h *MapHeap) Contains(key uint64) bool {
	_, exists := h.itemsMap[key]
	return exists
}
