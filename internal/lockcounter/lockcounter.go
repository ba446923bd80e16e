// Package lockcounter implements a per-journal-block, multi-zone
// reference counter: for each of the J on-disk
// recovery-journal blocks, a zero-or-positive count is maintained per
// logical zone, per physical zone, and one count for the journal zone
// itself. Only when every one of those counts for a given block reaches
// zero may the recovery journal consider that block reaped.
//
// This replaces what would otherwise be a lock graph spanning every zone
// (and could deadlock) with a single counting structure: each zone only
// ever touches its own slot, and a holding-zone count fires a one-shot
// notification exactly when it transitions to zero.
package lockcounter

import (
	"fmt"
	"sync"
)

// Kind identifies which family of per-zone counter a call touches.
type Kind int

const (
	// KindJournal is the single journal-zone counter for a block.
	KindJournal Kind = iota
	// KindLogical is one of the per-logical-zone counters for a block.
	KindLogical
	// KindPhysical is one of the per-physical-zone counters for a block.
	KindPhysical
)

type block struct {
	journal  uint32
	logical  []uint32
	physical []uint32
	holding  int32 // number of zone slots currently nonzero for this block
}

// LockCounter tracks, for each of numBlocks journal blocks, a count per
// logical zone, per physical zone, and a single journal-zone count.
type LockCounter struct {
	mu               sync.Mutex
	blocks           []block
	numLogicalZones  int
	numPhysicalZones int
	listener         func(blockIndex int)
}

// New builds a lock counter for numBlocks journal blocks, with
// numLogicalZones logical-zone slots and numPhysicalZones physical-zone
// slots per block.
func New(numBlocks, numLogicalZones, numPhysicalZones int) *LockCounter {
	blocks := make([]block, numBlocks)
	for i := range blocks {
		blocks[i].logical = make([]uint32, numLogicalZones)
		blocks[i].physical = make([]uint32, numPhysicalZones)
	}
	return &LockCounter{
		blocks:           blocks,
		numLogicalZones:  numLogicalZones,
		numPhysicalZones: numPhysicalZones,
	}
}

// SetListener installs the callback invoked exactly once each time a
// block's holding-zone count transitions from nonzero to zero. The
// listener runs synchronously on the goroutine that made the releasing
// call, after the counter's internal state has been updated, so it is safe
// for the listener to immediately query IsLocked.
func (lc *LockCounter) SetListener(f func(blockIndex int)) {
	lc.listener = f
}

// adjust applies delta to *counter and updates the block's holding count,
// reporting whether the holding count just transitioned to zero. The
// listener is invoked by the caller after releasing the lock, never from
// within adjust, so a listener that calls back into the lock counter (e.g.
// to check IsLocked) cannot deadlock against mu.
func (lc *LockCounter) adjust(blockIndex int, counter *uint32, delta int32) (justDrained bool) {
	b := &lc.blocks[blockIndex]
	before := *counter
	if delta > 0 {
		*counter += uint32(delta)
	} else {
		*counter -= uint32(-delta)
	}
	after := *counter

	switch {
	case before == 0 && after > 0:
		b.holding++
	case before > 0 && after == 0:
		b.holding--
	}

	return after == 0 && before != after && b.holding == 0
}

// Acquire adds one reference of the given kind to blockIndex, for the
// given zone (ignored for KindJournal).
func (lc *LockCounter) Acquire(blockIndex int, kind Kind, zone int) {
	lc.touch(blockIndex, kind, zone, 1)
}

// Release removes one reference of the given kind from blockIndex, for the
// given zone (ignored for KindJournal). It panics if the counter would go
// negative, since that indicates a release without a matching acquire.
func (lc *LockCounter) Release(blockIndex int, kind Kind, zone int) {
	lc.touch(blockIndex, kind, zone, -1)
}

func (lc *LockCounter) touch(blockIndex int, kind Kind, zone int, delta int32) {
	lc.mu.Lock()
	b := &lc.blocks[blockIndex]
	var drained bool
	switch kind {
	case KindJournal:
		lc.checkDelta(b.journal, delta, blockIndex, kind, 0)
		drained = lc.adjust(blockIndex, &b.journal, delta)
	case KindLogical:
		lc.checkZone(zone, lc.numLogicalZones)
		lc.checkDelta(b.logical[zone], delta, blockIndex, kind, zone)
		drained = lc.adjust(blockIndex, &b.logical[zone], delta)
	case KindPhysical:
		lc.checkZone(zone, lc.numPhysicalZones)
		lc.checkDelta(b.physical[zone], delta, blockIndex, kind, zone)
		drained = lc.adjust(blockIndex, &b.physical[zone], delta)
	default:
		lc.mu.Unlock()
		panic(fmt.Sprintf("lockcounter: unknown kind %d", kind))
	}
	listener := lc.listener
	lc.mu.Unlock()

	if drained && listener != nil {
		listener(blockIndex)
	}
}

func (lc *LockCounter) checkZone(zone, count int) {
	if zone < 0 || zone >= count {
		panic(fmt.Sprintf("lockcounter: zone %d out of range [0,%d)", zone, count))
	}
}

func (lc *LockCounter) checkDelta(current uint32, delta int32, blockIndex int, kind Kind, zone int) {
	if delta < 0 && current == 0 {
		panic(fmt.Sprintf("lockcounter: release without acquire on block %d kind %d zone %d", blockIndex, kind, zone))
	}
}

// IsLocked reports whether any zone still holds a reference on blockIndex,
// i.e. whether the recovery journal must keep that block from being
// reaped.
func (lc *LockCounter) IsLocked(blockIndex int) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.blocks[blockIndex].holding > 0
}

// NumBlocks returns the number of journal blocks this counter tracks.
func (lc *LockCounter) NumBlocks() int { return len(lc.blocks) }
