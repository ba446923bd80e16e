package slab

import (
	"context"
	"fmt"
	"sync"

	"github.com/dreamware/vdostore/internal/physical"
	"github.com/dreamware/vdostore/internal/priority"
)

// Depot owns every slab in the backing device and decides which slab
// satisfies the next block allocation. Slab selection uses a priority
// table keyed by free-block count, built on internal/priority.Table: always
// hand out blocks from the slab with the most room, which is the cheapest
// way to keep the free-block distribution balanced without a full sort on
// every allocation.
type Depot struct {
	mu           sync.Mutex
	slabSize     uint32
	nextOrigin   physical.PBN
	slabs        []*Slab
	openPriority *priority.Table[*Slab]
}

// priorityBuckets bounds the free-block priority table: priorities above
// this are clamped down to it, since the table only needs enough buckets
// to distinguish "nearly full" from "nearly empty", not one bucket per
// possible free-block count.
const priorityBuckets = 256

// NewDepot creates an empty depot. slabSize is the fixed block count of
// every slab the depot will ever create; firstOrigin is the physical
// block number of the start of the first slab's block range.
func NewDepot(slabSize uint32, firstOrigin physical.PBN) *Depot {
	return &Depot{
		slabSize:     slabSize,
		nextOrigin:   firstOrigin,
		openPriority: priority.NewTable[*Slab](priorityBuckets - 1),
	}
}

// Grow appends count new, fully free slabs to the depot, each sized
// slabSize blocks, extending the addressable physical space. Usable
// while the device is online because it only ever appends — existing
// slab numbers and origins never change.
func (d *Depot) Grow(count int) []*Slab {
	d.mu.Lock()
	defer d.mu.Unlock()

	added := make([]*Slab, 0, count)
	for i := 0; i < count; i++ {
		number := len(d.slabs)
		s := NewSlab(number, d.nextOrigin, d.slabSize)
		d.nextOrigin += physical.PBN(d.slabSize)
		d.slabs = append(d.slabs, s)
		d.openPriority.Enqueue(d.slabPriority(s), s)
		added = append(added, s)
	}
	return added
}

// slabPriority maps a slab's free-block count onto the bounded priority
// table range.
func (d *Depot) slabPriority(s *Slab) int {
	free := int(s.FreeBlockCount())
	if free >= priorityBuckets {
		return priorityBuckets - 1
	}
	return free
}

// touchPriority re-enqueues s at its current free-block priority. Called
// after any allocation or free so the priority table stays accurate for
// the next selection.
func (d *Depot) touchPriority(s *Slab) {
	if s.FreeBlockCount() == 0 {
		d.openPriority.Remove(s)
		return
	}
	d.openPriority.Enqueue(d.slabPriority(s), s)
}

// AllocateBlock picks the slab with the most free blocks, reserves one of
// its blocks as a provisional reference, and returns its PBN. It
// implements the Allocator interface that internal/blockmap and
// internal/vio depend on.
func (d *Depot) AllocateBlock(ctx context.Context) (physical.PBN, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		s, _, ok := d.openPriority.DequeueMax()
		if !ok {
			return 0, fmt.Errorf("slab: depot is out of space")
		}
		pbn, found := s.FindFreeBlock()
		if !found {
			// Stale priority entry; the slab filled up since it was
			// enqueued. Drop it and try the next best slab.
			continue
		}
		if err := s.MakeProvisional(pbn); err != nil {
			// Lost a race with a concurrent allocator call; try again.
			d.openPriority.Enqueue(d.slabPriority(s), s)
			continue
		}
		d.touchPriority(s)
		return pbn, nil
	}
}

// SlabFor returns the slab owning pbn, or nil if no slab covers it.
func (d *Depot) SlabFor(pbn physical.PBN) *Slab {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.slabs {
		if pbn >= s.Origin && pbn < s.Origin+physical.PBN(s.BlockCount) {
			return s
		}
	}
	return nil
}

// Increment raises the reference count of pbn's owning block, via its
// slab, and refreshes that slab's allocation priority.
func (d *Depot) Increment(pbn physical.PBN) (byte, error) {
	s := d.SlabFor(pbn)
	if s == nil {
		return 0, fmt.Errorf("slab: pbn %d is not owned by any slab", pbn)
	}
	count, err := s.Increment(pbn)
	d.mu.Lock()
	d.touchPriority(s)
	d.mu.Unlock()
	return count, err
}

// Decrement lowers the reference count of pbn's owning block, via its
// slab, and refreshes that slab's allocation priority.
func (d *Depot) Decrement(pbn physical.PBN) (byte, error) {
	s := d.SlabFor(pbn)
	if s == nil {
		return 0, fmt.Errorf("slab: pbn %d is not owned by any slab", pbn)
	}
	count, err := s.Decrement(pbn)
	d.mu.Lock()
	d.touchPriority(s)
	d.mu.Unlock()
	return count, err
}

// Slabs returns every slab in the depot, in slab-number order. Callers
// must not mutate the returned slice's backing array.
func (d *Depot) Slabs() []*Slab {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Slab, len(d.slabs))
	copy(out, d.slabs)
	return out
}

// SlabCount returns the number of slabs currently in the depot.
func (d *Depot) SlabCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slabs)
}

// RecoverSlabs returns every slab whose state is not StateRebuilt, for
// the scrubber to work through, ordered by slab number.
func (d *Depot) RecoverSlabs() []*Slab {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Slab
	for _, s := range d.slabs {
		if s.State() != StateRebuilt {
			out = append(out, s)
		}
	}
	return out
}
