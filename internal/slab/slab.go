// Package slab implements the physical-block allocator: fixed-size slabs
// of blocks, each with a reference-count array, and a depot that selects
// which slab satisfies the next allocation.
//
// The on-disk reference-count array is a flat byte-per-block table in the
// style of zchee-go-qcow2's refcount table/block split
// (MAX_REFTABLE_SIZE, the refcount-block layout in types.go/header.go) —
// generalized here from qcow2's per-cluster 16/32-bit counters to the
// single-byte-with-provisional-sentinel counts this engine uses.
package slab

import (
	"fmt"
	"sync"

	"github.com/dreamware/vdostore/internal/physical"
)

// ProvisionalReference is the refcount sentinel meaning "this block has
// been handed out by the allocator but no journal entry has committed a
// real reference to it yet." It must be resolved (replaced by a real
// count, or freed) before the slab can be summed for free-block
// accounting.
const ProvisionalReference byte = 255

// MaxReferenceCount is the largest concrete (non-provisional) reference
// count a block can carry.
const MaxReferenceCount byte = 254

// State is a slab's position in its recovery lifecycle.
type State int

const (
	// StateUnrecovered is a slab's state immediately after a crash,
	// before its slab journal has been replayed.
	StateUnrecovered State = iota
	// StateReplaying is set while the slab's journal entries are being
	// applied to the in-memory refcount array.
	StateReplaying
	// StateRequiresScrubbing means replay finished but the refcounts
	// could not be fully reconstructed from the journal alone (e.g. the
	// journal itself was incomplete) and a full scrub is required.
	StateRequiresScrubbing
	// StateRebuilding names a from-scratch refcount rebuild. Nothing in
	// the engine sets it: the scrubber moves a slab from Replaying
	// straight to Rebuilt.
	StateRebuilding
	// StateRebuilt is a slab fully reconciled with the block map: normal
	// operation.
	StateRebuilt
)

func (s State) String() string {
	switch s {
	case StateUnrecovered:
		return "unrecovered"
	case StateReplaying:
		return "replaying"
	case StateRequiresScrubbing:
		return "requires-scrubbing"
	case StateRebuilding:
		return "rebuilding"
	case StateRebuilt:
		return "rebuilt"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Slab is one fixed-size extent of the backing device plus its
// reference-count array. BlockCount blocks starting at Origin are owned
// by this slab; RefCounts[i] counts references to block Origin+i.
type Slab struct {
	mu sync.Mutex

	Number     int
	Origin     physical.PBN
	BlockCount uint32
	RefCounts  []byte
	state      State
	freeCount  uint32 // blocks with RefCounts[i] == 0; maintained incrementally
}

// NewSlab allocates a fresh, all-free slab of blockCount blocks starting
// at origin. A freshly created slab starts Rebuilt: there is nothing to
// recover for a slab that has never been written.
func NewSlab(number int, origin physical.PBN, blockCount uint32) *Slab {
	return &Slab{
		Number:     number,
		Origin:     origin,
		BlockCount: blockCount,
		RefCounts:  make([]byte, blockCount),
		state:      StateRebuilt,
		freeCount:  blockCount,
	}
}

// State returns the slab's current lifecycle state.
func (s *Slab) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the slab to a new lifecycle state. It does not
// validate that the transition is one of the legal ones; callers
// (recovery, scrubber) are expected to drive the sequence in order.
func (s *Slab) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// FreeBlockCount returns the number of blocks in the slab with a zero
// reference count, usable as the allocator's priority key.
func (s *Slab) FreeBlockCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeCount
}

// blockIndex validates and converts pbn to an index into RefCounts.
func (s *Slab) blockIndex(pbn physical.PBN) (int, error) {
	if pbn < s.Origin || pbn >= s.Origin+physical.PBN(s.BlockCount) {
		return 0, fmt.Errorf("slab: pbn %d is not owned by slab %d (origin %d, count %d)", pbn, s.Number, s.Origin, s.BlockCount)
	}
	return int(pbn - s.Origin), nil
}

// ReferenceCount returns the current reference count for pbn, which may
// be ProvisionalReference.
func (s *Slab) ReferenceCount(pbn physical.PBN) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.blockIndex(pbn)
	if err != nil {
		return 0, err
	}
	return s.RefCounts[idx], nil
}

// MakeProvisional marks pbn provisionally referenced: it is no longer
// free for allocation but does not yet count as a real reference. The
// block must currently be free.
func (s *Slab) MakeProvisional(pbn physical.PBN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.blockIndex(pbn)
	if err != nil {
		return err
	}
	if s.RefCounts[idx] != 0 {
		return fmt.Errorf("slab: pbn %d is not free (refcount %d)", pbn, s.RefCounts[idx])
	}
	s.RefCounts[idx] = ProvisionalReference
	s.freeCount--
	return nil
}

// Increment raises pbn's reference count by one. A provisional reference
// becomes a real count of 1 on its first real increment.
func (s *Slab) Increment(pbn physical.PBN) (newCount byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.blockIndex(pbn)
	if err != nil {
		return 0, err
	}
	cur := s.RefCounts[idx]
	switch {
	case cur == ProvisionalReference:
		s.RefCounts[idx] = 1
	case cur == 0:
		s.RefCounts[idx] = 1
		s.freeCount--
	case cur >= MaxReferenceCount:
		return 0, fmt.Errorf("slab: pbn %d reference count saturated at %d", pbn, MaxReferenceCount)
	default:
		s.RefCounts[idx] = cur + 1
	}
	return s.RefCounts[idx], nil
}

// Decrement lowers pbn's reference count by one, freeing the block when
// it reaches zero. Decrementing an already-free block is an error: it
// indicates a bookkeeping bug upstream, reported as a plain error naming
// the pbn.
func (s *Slab) Decrement(pbn physical.PBN) (newCount byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.blockIndex(pbn)
	if err != nil {
		return 0, err
	}
	cur := s.RefCounts[idx]
	if cur == 0 {
		return 0, fmt.Errorf("slab: cannot decrement already-free pbn %d", pbn)
	}
	if cur == ProvisionalReference || cur == 1 {
		s.RefCounts[idx] = 0
		s.freeCount++
		return 0, nil
	}
	s.RefCounts[idx] = cur - 1
	return s.RefCounts[idx], nil
}

// RecalculateFreeCount recomputes freeCount from RefCounts, used after a
// scrub rebuilds the array wholesale rather than through the incremental
// Increment/Decrement path.
func (s *Slab) RecalculateFreeCount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var free uint32
	for _, c := range s.RefCounts {
		if c == 0 {
			free++
		}
	}
	s.freeCount = free
}

// FindFreeBlock returns the PBN of an arbitrary free block in the slab,
// and true, or false if the slab is full. Depot.AllocateBlock, its only
// caller, holds the depot's lock across this call and the subsequent
// MakeProvisional, so the two never race against another allocation on
// the same slab.
func (s *Slab) FindFreeBlock() (physical.PBN, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.RefCounts {
		if c == 0 {
			return s.Origin + physical.PBN(i), true
		}
	}
	return 0, false
}
