package slab

import (
	"context"
	"testing"

	"github.com/dreamware/vdostore/internal/physical"
)

func TestGrowAddsSlabsWithDistinctOrigins(t *testing.T) {
	d := NewDepot(16, 0)
	added := d.Grow(3)
	if len(added) != 3 {
		t.Fatalf("got %d slabs, want 3", len(added))
	}
	if added[0].Origin != 0 || added[1].Origin != 16 || added[2].Origin != 32 {
		t.Fatalf("got origins %d, %d, %d", added[0].Origin, added[1].Origin, added[2].Origin)
	}
	if d.SlabCount() != 3 {
		t.Fatalf("got slab count %d, want 3", d.SlabCount())
	}
}

func TestAllocateBlockPrefersEmptiestSlab(t *testing.T) {
	d := NewDepot(4, 0)
	d.Grow(2)
	slabs := d.Slabs()

	// Fill slab 0 down to one free block so slab 1 (fully free) is the
	// emptier choice.
	for i := 0; i < 3; i++ {
		if _, err := d.Increment(slabs[0].Origin + physical.PBN(i)); err != nil {
			t.Fatalf("Increment: %v", err)
		}
	}

	ctx := context.Background()
	allocated, err := d.AllocateBlock(ctx)
	if err != nil {
		t.Fatalf("AllocateBlock: %v", err)
	}
	if d.SlabFor(allocated) != slabs[1] {
		t.Fatalf("expected allocation from the fully-free slab, got pbn %d", allocated)
	}
}

func TestAllocateBlockExhaustionReturnsError(t *testing.T) {
	d := NewDepot(1, 0)
	d.Grow(1)
	ctx := context.Background()

	if _, err := d.AllocateBlock(ctx); err != nil {
		t.Fatalf("AllocateBlock: %v", err)
	}
	if _, err := d.AllocateBlock(ctx); err == nil {
		t.Fatal("expected error once the only slab is exhausted")
	}
}

func TestIncrementDecrementThroughDepot(t *testing.T) {
	d := NewDepot(8, 100)
	d.Grow(1)
	ctx := context.Background()

	pbn, err := d.AllocateBlock(ctx)
	if err != nil {
		t.Fatalf("AllocateBlock: %v", err)
	}
	count, err := d.Increment(pbn)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if count != 1 {
		t.Fatalf("got count %d, want 1", count)
	}
	count, err = d.Decrement(pbn)
	if err != nil {
		t.Fatalf("Decrement: %v", err)
	}
	if count != 0 {
		t.Fatalf("got count %d, want 0", count)
	}
}

func TestRecoverSlabsFiltersOutRebuilt(t *testing.T) {
	d := NewDepot(4, 0)
	added := d.Grow(3)
	added[1].SetState(StateRequiresScrubbing)

	needingRecovery := d.RecoverSlabs()
	if len(needingRecovery) != 1 || needingRecovery[0] != added[1] {
		t.Fatalf("got %v, want only slab 1", needingRecovery)
	}
}
