package priority

import "container/heap"

// Heap is a max-heap over items ranked by a caller-supplied priority
// function, used by the scrubber to service high-priority slabs (those
// deep in their scrubbing threshold, or explicitly requested) ahead of the
// regular unrecovered-slab queue, regardless of enqueue order.
type Heap[T any] struct {
	h *innerHeap[T]
}

// NewHeap returns an empty max-heap ordered by priority(item): higher
// values come out first.
func NewHeap[T any](priority func(T) int) *Heap[T] {
	h := &innerHeap[T]{priority: priority}
	heap.Init(h)
	return &Heap[T]{h: h}
}

// Push adds item to the heap.
func (h *Heap[T]) Push(item T) {
	heap.Push(h.h, item)
}

// Pop removes and returns the highest-priority item. The second return is
// false if the heap is empty.
func (h *Heap[T]) Pop() (item T, ok bool) {
	if h.h.Len() == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(h.h).(T), true
}

// Len returns the number of items in the heap.
func (h *Heap[T]) Len() int { return h.h.Len() }

// innerHeap adapts a slice of T plus a priority function to
// container/heap.Interface.
type innerHeap[T any] struct {
	items    []T
	priority func(T) int
}

func (h *innerHeap[T]) Len() int { return len(h.items) }
func (h *innerHeap[T]) Less(i, j int) bool {
	return h.priority(h.items[i]) > h.priority(h.items[j]) // max-heap
}
func (h *innerHeap[T]) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *innerHeap[T]) Push(x interface{}) {
	h.items = append(h.items, x.(T))
}

func (h *innerHeap[T]) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
