// Package priority implements two selection structures as a single
// component: a multi-queue priority table (used by the slab allocator to
// pick the next slab to allocate from) and a max-heap (used by the
// scrubber to pick the next slab to scrub). Both are
// generic over the item type so the slab allocator and the scrubber can
// each use their own slab-handle type without this package depending on
// internal/slab.
package priority

// Table buckets items by an integer priority in [0, maxPriority] and
// always dequeues from the highest nonempty bucket, FIFO within a bucket.
// This is a priority table keyed by (free-block count, prior use): the
// caller computes the integer priority (e.g. from free block count,
// reduced for an unopened slab to preserve dedupe headroom) and the
// table only needs to hand back the best candidate quickly.
type Table[T comparable] struct {
	buckets     [][]T
	location    map[T]int // item -> bucket index currently holding it
	maxPriority int
	size        int
}

// NewTable returns an empty priority table with buckets [0, maxPriority].
func NewTable[T comparable](maxPriority int) *Table[T] {
	return &Table[T]{
		buckets:     make([][]T, maxPriority+1),
		location:    make(map[T]int),
		maxPriority: maxPriority,
	}
}

// Enqueue adds item at the given priority. If item is already enqueued, it
// is moved to the new priority (removed from its old bucket first).
func (t *Table[T]) Enqueue(priority int, item T) {
	if priority < 0 || priority > t.maxPriority {
		panic("priority: priority out of range")
	}
	if _, present := t.location[item]; present {
		t.Remove(item)
	}
	t.buckets[priority] = append(t.buckets[priority], item)
	t.location[item] = priority
	t.size++
}

// Remove takes item out of whichever bucket currently holds it. It is a
// no-op if item is not enqueued.
func (t *Table[T]) Remove(item T) {
	bucket, present := t.location[item]
	if !present {
		return
	}
	items := t.buckets[bucket]
	for i, v := range items {
		if v == item {
			t.buckets[bucket] = append(items[:i], items[i+1:]...)
			break
		}
	}
	delete(t.location, item)
	t.size--
}

// DequeueMax removes and returns the front item of the highest nonempty
// bucket, along with its priority. The second return is false if the
// table is empty.
func (t *Table[T]) DequeueMax() (item T, priority int, ok bool) {
	for p := t.maxPriority; p >= 0; p-- {
		bucket := t.buckets[p]
		if len(bucket) == 0 {
			continue
		}
		item = bucket[0]
		t.buckets[p] = bucket[1:]
		delete(t.location, item)
		t.size--
		return item, p, true
	}
	var zero T
	return zero, 0, false
}

// Len returns the total number of items enqueued across all buckets.
func (t *Table[T]) Len() int { return t.size }

// IsEmpty reports whether the table has no items.
func (t *Table[T]) IsEmpty() bool { return t.size == 0 }
