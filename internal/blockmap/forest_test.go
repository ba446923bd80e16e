package blockmap

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/dreamware/vdostore/internal/collaborator"
	"github.com/dreamware/vdostore/internal/pagecache"
	"github.com/dreamware/vdostore/internal/physical"
)

// sequentialAllocator hands out increasing PBNs starting above a base, so
// tests never collide with root pages that tests set up by hand.
type sequentialAllocator struct {
	next int64
}

func newSequentialAllocator(base physical.PBN) *sequentialAllocator {
	return &sequentialAllocator{next: int64(base)}
}

func (a *sequentialAllocator) AllocateBlock(ctx context.Context) (physical.PBN, error) {
	return physical.PBN(atomic.AddInt64(&a.next, 1)), nil
}

func newTestForest(t *testing.T, roots int) *Forest {
	t.Helper()
	backend := collaborator.NewMemoryIOSubmitter()
	cache := pagecache.New(64, backend, nil, nil)
	alloc := newSequentialAllocator(1000)
	return NewForest(cache, alloc, physical.Nonce(42), roots)
}

func TestLookupUnallocatedTreeReturnsUnmapped(t *testing.T) {
	f := newTestForest(t, 4)
	entry, err := f.Lookup(context.Background(), 12345)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry.IsMapped() {
		t.Fatalf("expected unmapped entry for never-written lbn, got %v", entry)
	}
}

func TestUpdateThenLookupRoundTrip(t *testing.T) {
	f := newTestForest(t, 4)
	ctx := context.Background()

	newEntry, err := physical.NewMappingEntry(555, physical.MappingStateUncompressed)
	if err != nil {
		t.Fatalf("NewMappingEntry: %v", err)
	}
	old, err := f.Update(ctx, 7, newEntry, 1)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if old.IsMapped() {
		t.Fatalf("expected old entry to be unmapped on first write, got %v", old)
	}

	got, err := f.Lookup(ctx, 7)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !got.Equal(newEntry) {
		t.Fatalf("got %v, want %v", got, newEntry)
	}
}

func TestUpdateOverwriteReturnsPreviousMapping(t *testing.T) {
	f := newTestForest(t, 4)
	ctx := context.Background()

	first, err := physical.NewMappingEntry(100, physical.MappingStateUncompressed)
	if err != nil {
		t.Fatalf("NewMappingEntry: %v", err)
	}
	if _, err := f.Update(ctx, 20, first, 1); err != nil {
		t.Fatalf("Update: %v", err)
	}

	second, err := physical.NewMappingEntry(200, physical.MappingStateCompressedSlot0+3)
	if err != nil {
		t.Fatalf("NewMappingEntry: %v", err)
	}
	old, err := f.Update(ctx, 20, second, 2)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !old.Equal(first) {
		t.Fatalf("got old %v, want %v", old, first)
	}

	got, _ := f.Lookup(ctx, 20)
	if !got.Equal(second) {
		t.Fatalf("got %v, want %v", got, second)
	}
}

func TestUpdateDistinctLBNsDoNotCollide(t *testing.T) {
	f := newTestForest(t, 2)
	ctx := context.Background()

	entryA, err := physical.NewMappingEntry(11, physical.MappingStateUncompressed)
	if err != nil {
		t.Fatalf("NewMappingEntry: %v", err)
	}
	entryB, err := physical.NewMappingEntry(22, physical.MappingStateUncompressed)
	if err != nil {
		t.Fatalf("NewMappingEntry: %v", err)
	}

	if _, err := f.Update(ctx, 3, entryA, 1); err != nil {
		t.Fatalf("Update a: %v", err)
	}
	if _, err := f.Update(ctx, 4, entryB, 1); err != nil {
		t.Fatalf("Update b: %v", err)
	}

	gotA, _ := f.Lookup(ctx, 3)
	gotB, _ := f.Lookup(ctx, 4)
	if !gotA.Equal(entryA) || !gotB.Equal(entryB) {
		t.Fatalf("got (%v, %v), want (%v, %v)", gotA, gotB, entryA, entryB)
	}
}

func TestFindBlockMapPBNUnallocatedIsZero(t *testing.T) {
	f := newTestForest(t, 4)
	pbn, err := f.FindBlockMapPBN(context.Background(), 0, []int{0, 0})
	if err != nil {
		t.Fatalf("FindBlockMapPBN: %v", err)
	}
	if pbn != 0 {
		t.Fatalf("got %d, want 0 for unallocated root", pbn)
	}
}

func TestFindBlockMapPBNMatchesRootAfterAllocation(t *testing.T) {
	f := newTestForest(t, 4)
	ctx := context.Background()
	entry, err := physical.NewMappingEntry(9, physical.MappingStateUncompressed)
	if err != nil {
		t.Fatalf("NewMappingEntry: %v", err)
	}
	if _, err := f.Update(ctx, 1, entry, 1); err != nil {
		t.Fatalf("Update: %v", err)
	}

	rootIndex, _ := treeIndices(1, 4)
	root, err := f.FindBlockMapPBN(ctx, rootIndex, nil)
	if err != nil {
		t.Fatalf("FindBlockMapPBN: %v", err)
	}
	if root != f.Root(rootIndex) || root == 0 {
		t.Fatalf("got root %d, want %d", root, f.Root(rootIndex))
	}
}
