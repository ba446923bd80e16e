package blockmap

import (
	"context"
	"fmt"

	"github.com/dreamware/vdostore/internal/pagecache"
	"github.com/dreamware/vdostore/internal/physical"
)

// Allocator is the narrow contract the forest needs from the physical
// block allocator (internal/slab) to grow new tree pages on demand. It is
// declared here, rather than imported from internal/slab, so that
// blockmap stays a leaf package with respect to the allocator — the same
// narrow-interface technique as internal/collaborator.
type Allocator interface {
	AllocateBlock(ctx context.Context) (physical.PBN, error)
}

// Height is the fixed depth of every tree in the forest: a fixed-height
// forest of trees, root -> ... -> leaf, where leaf pages hold real LBN
// mappings and every other level holds PBN pointers to the next level
// down.
const Height = 3

// ReferenceTracker lets the forest tell the recovery journal that a
// page's dirtying transaction must not be reaped yet. Acquire is called
// when a page's RecoveryLock advances to a new, not-yet-durable sequence
// number; the same sequence is released once the page cache's write hook
// observes that page reach disk. A nil tracker (the default) disables
// this bookkeeping entirely, e.g. for tests that don't wire a journal.
type ReferenceTracker interface {
	Acquire(seq physical.SequenceNumber)
	Release(seq physical.SequenceNumber)
}

// Forest is the logical-to-physical block map: Roots independent trees of
// fixed Height, addressed by (lbn / EntriesPerPage) mod Roots at the top
// level. This generalizes torua's ShardRegistry — a
// map keyed by shard ID behind an RWMutex with copy-out accessors — to a
// PBN-keyed page table behind the page cache's own locking, with the
// tree-of-tables shape taken from zchee-go-qcow2's L1/L2 table structure.
type Forest struct {
	cache     *pagecache.Cache
	allocator Allocator
	nonce     physical.Nonce
	roots     []physical.PBN // one root page PBN per root tree; 0 means "not yet allocated"
	tracker   ReferenceTracker
}

// NewForest constructs a forest with the given number of root trees. Root
// page PBNs are filled in lazily by Update as logical blocks in each
// root's range are first written: reads of a never-allocated region
// report Unmapped without touching the allocator.
func NewForest(cache *pagecache.Cache, allocator Allocator, nonce physical.Nonce, roots int) *Forest {
	return &Forest{
		cache:     cache,
		allocator: allocator,
		nonce:     nonce,
		roots:     make([]physical.PBN, roots),
	}
}

// SetReferenceTracker installs t as the forest's recovery-journal
// reference tracker. Called once, during engine construction, after the
// journal that owns the tracked sequence numbers exists.
func (f *Forest) SetReferenceTracker(t ReferenceTracker) {
	f.tracker = t
}

// advanceRecoveryLock bumps header's RecoveryLock to journalSeq if it is
// newer, acquiring the new sequence's journal reference before releasing
// the old one so the page is never left unprotected between the two
// calls.
func (f *Forest) advanceRecoveryLock(header *Header, journalSeq physical.SequenceNumber) {
	if journalSeq <= header.RecoveryLock {
		return
	}
	old := header.RecoveryLock
	header.RecoveryLock = journalSeq
	if f.tracker == nil {
		return
	}
	f.tracker.Acquire(journalSeq)
	if old != 0 {
		f.tracker.Release(old)
	}
}

// SetRoot installs a known root page PBN, e.g. while replaying the
// superblock's recorded root table at load time.
func (f *Forest) SetRoot(index int, pbn physical.PBN) {
	f.roots[index] = pbn
}

// Root returns the root page PBN for tree index, or 0 if unallocated.
func (f *Forest) Root(index int) physical.PBN { return f.roots[index] }

// levelSpan returns the number of logical blocks spanned by a single
// entry at the given tree level, where level 0 is the leaf level.
func levelSpan(level int) uint64 {
	span := uint64(1)
	for i := 0; i < level; i++ {
		span *= uint64(EntriesPerPage)
	}
	return span
}

// treeIndices decomposes an LBN into (root index, per-level entry
// indices from the root down to the leaf). Leaf pages are interleaved
// across root trees (root = (lbn / EntriesPerPage) mod roots), so each
// run of EntriesPerPage consecutive LBNs stays on one leaf page; within
// a tree, the decomposition is a plain base-E positional breakdown.
func treeIndices(lbn physical.LBN, roots int) (rootIndex int, levels []int) {
	pageIndex := uint64(lbn) / uint64(EntriesPerPage)
	rootIndex = int(pageIndex % uint64(roots))
	treeRelative := (pageIndex/uint64(roots))*uint64(EntriesPerPage) + uint64(lbn)%uint64(EntriesPerPage)

	levels = make([]int, Height)
	remaining := treeRelative
	for level := Height - 1; level >= 0; level-- {
		s := levelSpan(level)
		levels[Height-1-level] = int(remaining / s)
		remaining %= s
	}
	return rootIndex, levels
}

// Lookup resolves an LBN to its current mapping entry. An unallocated
// root, or any Unmapped interior pointer along the path, short-circuits
// to physical.MappingEntry{} (Unmapped) without touching the cache for
// levels that don't exist yet — the tree is sparse by design.
func (f *Forest) Lookup(ctx context.Context, lbn physical.LBN) (physical.MappingEntry, error) {
	rootIndex, levels := treeIndices(lbn, len(f.roots))
	if rootIndex < 0 || rootIndex >= len(f.roots) {
		return physical.MappingEntry{}, fmt.Errorf("blockmap: lbn %d out of range for %d roots", lbn, len(f.roots))
	}
	pagePBN := f.roots[rootIndex]
	if pagePBN == 0 {
		return physical.MappingEntry{}, nil
	}

	for depth := 0; depth < Height; depth++ {
		page, err := f.loadPage(ctx, pagePBN)
		if err != nil {
			return physical.MappingEntry{}, err
		}
		entry := page.Entries[levels[depth]]
		if depth == Height-1 {
			return entry, nil
		}
		if !entry.IsMapped() {
			return physical.MappingEntry{}, nil
		}
		pagePBN = entry.PBN()
	}
	return physical.MappingEntry{}, nil
}

// Update installs newEntry as the mapping for lbn, allocating any
// interior pages along the path that do not yet exist. The caller
// supplies journalSeq, the recovery-journal sequence number that must
// cover this update, so the recovery lock of each page this update
// writes can be advanced: that journal sequence must not be reaped until
// every block-map page it dirtied has been written back.
func (f *Forest) Update(ctx context.Context, lbn physical.LBN, newEntry physical.MappingEntry, journalSeq physical.SequenceNumber) (old physical.MappingEntry, err error) {
	rootIndex, levels := treeIndices(lbn, len(f.roots))
	if rootIndex < 0 || rootIndex >= len(f.roots) {
		return physical.MappingEntry{}, fmt.Errorf("blockmap: lbn %d out of range for %d roots", lbn, len(f.roots))
	}

	if f.roots[rootIndex] == 0 {
		pbn, aerr := f.allocator.AllocateBlock(ctx)
		if aerr != nil {
			return physical.MappingEntry{}, aerr
		}
		f.roots[rootIndex] = pbn
	}

	pagePBN := f.roots[rootIndex]
	for depth := 0; depth < Height-1; depth++ {
		info, perr := f.cache.Get(ctx, pagePBN)
		if perr != nil {
			return physical.MappingEntry{}, perr
		}
		page, derr := DecodePage(info.Data)
		if derr != nil {
			f.cache.Release(info)
			return physical.MappingEntry{}, derr
		}

		idx := levels[depth]
		entry := page.Entries[idx]
		if !entry.IsMapped() {
			childPBN, aerr := f.allocator.AllocateBlock(ctx)
			if aerr != nil {
				f.cache.Release(info)
				return physical.MappingEntry{}, aerr
			}
			entry, err = physical.NewMappingEntry(childPBN, physical.MappingStateUncompressed)
			if err != nil {
				f.cache.Release(info)
				return physical.MappingEntry{}, err
			}
			page.Entries[idx] = entry
			page.Header.Initialized = true
			f.advanceRecoveryLock(&page.Header, journalSeq)
			copy(info.Data, page.Encode())
			f.cache.MarkDirty(info, journalSeq)
		}
		f.cache.Release(info)
		pagePBN = entry.PBN()
	}

	leafInfo, perr := f.cache.Get(ctx, pagePBN)
	if perr != nil {
		return physical.MappingEntry{}, perr
	}
	leafPage, derr := DecodePage(leafInfo.Data)
	if derr != nil {
		f.cache.Release(leafInfo)
		return physical.MappingEntry{}, derr
	}

	leafIdx := levels[Height-1]
	old = leafPage.Entries[leafIdx]
	leafPage.Entries[leafIdx] = newEntry
	leafPage.Header.Initialized = true
	f.advanceRecoveryLock(&leafPage.Header, journalSeq)
	copy(leafInfo.Data, leafPage.Encode())
	f.cache.MarkDirty(leafInfo, journalSeq)
	f.cache.Release(leafInfo)

	return old, nil
}

// FindBlockMapPBN returns the physical block backing the tree page
// reached from root tree rootIndex by following pathFromRoot, one entry
// index per level (an empty path names the root page itself), or 0 if
// that page has not yet been allocated. Mirrors the
// find_block_map_pbn operation used by the recovery path to enumerate
// which pages must be scrubbed.
func (f *Forest) FindBlockMapPBN(ctx context.Context, rootIndex int, pathFromRoot []int) (physical.PBN, error) {
	if rootIndex < 0 || rootIndex >= len(f.roots) {
		return 0, fmt.Errorf("blockmap: root index %d out of range", rootIndex)
	}
	pagePBN := f.roots[rootIndex]
	if pagePBN == 0 {
		return 0, nil
	}
	for _, idx := range pathFromRoot {
		page, err := f.loadPage(ctx, pagePBN)
		if err != nil {
			return 0, err
		}
		entry := page.Entries[idx]
		if !entry.IsMapped() {
			return 0, nil
		}
		pagePBN = entry.PBN()
	}
	return pagePBN, nil
}

// loadPage fetches and decodes the page at pbn, releasing the cache pin
// before returning — callers that need to mutate and re-dirty the page
// use cache.Get directly instead (see Update).
func (f *Forest) loadPage(ctx context.Context, pbn physical.PBN) (*Page, error) {
	info, err := f.cache.Get(ctx, pbn)
	if err != nil {
		return nil, err
	}
	defer f.cache.Release(info)
	return DecodePage(info.Data)
}
