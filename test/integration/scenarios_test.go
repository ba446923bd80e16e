// Package integration drives a real *vdo.Engine end to end, the way a
// caller of cmd/vdoctl would, rather than exercising one subsystem in
// isolation the way each package's own _test.go files do.
package integration

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/dreamware/vdostore/internal/collaborator"
	"github.com/dreamware/vdostore/internal/config"
	"github.com/dreamware/vdostore/internal/packer"
	"github.com/dreamware/vdostore/internal/physical"
	"github.com/dreamware/vdostore/internal/vdo"
)

// testConfig returns a small, fast-to-format configuration plus the
// collaborator instances a test needs to hold onto itself: Load, and a
// simulated crash, both require reusing the exact same data/dedupe
// instances a prior New or Load used.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.SlabCount = 4
	cfg.SlabSize = 64
	cfg.JournalSlotCount = 16
	cfg.BlockMapCacheCapacity = 8
	return cfg
}

func block(fill byte) []byte {
	b := make([]byte, physical.BlockSize)
	for i := range b {
		b[i] = fill
	}
	return b
}

// Scenario 1: writing identical content to two distinct logical blocks
// deduplicates onto one physical block instead of allocating two.
func TestDuplicateWriteDedupesOntoOnePhysicalBlock(t *testing.T) {
	cfg := testConfig()
	data := collaborator.NewMemoryIOSubmitter()
	e, err := vdo.New(context.Background(), cfg, data, collaborator.NewMemoryDedupeIndex(),
		collaborator.FixedRatioCompressor{Ratio: 2, MinCompress: 4096}, collaborator.Sha256Hasher{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	e.Start(ctx)
	t.Cleanup(e.Close)

	payload := block(0x7a)
	req1, err := e.Write(ctx, physical.LBN(1), payload)
	if err != nil {
		t.Fatalf("first Write: %v", err)
	}
	req2, err := e.Write(ctx, physical.LBN(2), payload)
	if err != nil {
		t.Fatalf("second Write: %v", err)
	}

	if req1.NewMapping.PBN() != req2.NewMapping.PBN() {
		t.Fatalf("duplicate writes landed on different pbns: %d vs %d", req1.NewMapping.PBN(), req2.NewMapping.PBN())
	}
	if req1.NewMapping.State() != physical.MappingStateUncompressed || req2.NewMapping.State() != physical.MappingStateUncompressed {
		t.Fatalf("expected both mappings Uncompressed, got %v and %v", req1.NewMapping.State(), req2.NewMapping.State())
	}

	_, got1, err := e.Read(ctx, physical.LBN(1))
	if err != nil {
		t.Fatalf("Read(1): %v", err)
	}
	_, got2, err := e.Read(ctx, physical.LBN(2))
	if err != nil {
		t.Fatalf("Read(2): %v", err)
	}
	if !bytes.Equal(got1, payload) || !bytes.Equal(got2, payload) {
		t.Fatal("deduped reads did not return the written payload")
	}
}

// Scenario 2: a discard unmaps a logical block outright rather than
// allocating a new physical block for a zero pattern. The freed
// physical block is then available for reuse by an unrelated write.
func TestDiscardUnmapsRatherThanAllocatingZeroBlock(t *testing.T) {
	cfg := testConfig()
	data := collaborator.NewMemoryIOSubmitter()
	e, err := vdo.New(context.Background(), cfg, data, collaborator.NewMemoryDedupeIndex(),
		collaborator.FixedRatioCompressor{Ratio: 2, MinCompress: 4096}, collaborator.Sha256Hasher{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	e.Start(ctx)
	t.Cleanup(e.Close)

	if _, err := e.Write(ctx, physical.LBN(3), block(0x11)); err != nil {
		t.Fatalf("Write lbn 3: %v", err)
	}

	if _, err := e.Discard(ctx, physical.LBN(3)); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	_, got, err := e.Read(ctx, physical.LBN(3))
	if err != nil {
		t.Fatalf("Read after Discard: %v", err)
	}
	if !bytes.Equal(got, make([]byte, physical.BlockSize)) {
		t.Fatal("lbn 3 did not read back as the zero block after Discard")
	}

	// A second Discard of the same, already-unmapped lbn is a no-op, not
	// an error.
	if _, err := e.Discard(ctx, physical.LBN(3)); err != nil {
		t.Fatalf("second Discard of an unmapped lbn: %v", err)
	}
}

// Scenario 3: a crash after the recovery journal commits an entry but
// before the block-map page holding it reaches disk is repaired by
// replaying the journal on the next Load. This is simulated by never
// calling Suspend (which is what flushes dirty block-map pages) before
// reopening the same backing data with Load.
func TestCrashBeforeBlockMapWritebackRecoversOnLoad(t *testing.T) {
	cfg := testConfig()
	data := collaborator.NewMemoryIOSubmitter()
	dedupe := collaborator.NewMemoryDedupeIndex()
	compressor := collaborator.FixedRatioCompressor{Ratio: 2, MinCompress: 4096}
	hasher := collaborator.Sha256Hasher{}
	ctx := context.Background()

	e, err := vdo.New(ctx, cfg, data, dedupe, compressor, hasher)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Start(ctx)

	payload := block(0x99)
	if _, err := e.Write(ctx, physical.LBN(5), payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// No Suspend/Close: the block-map page cache's dirty pages are never
	// written back to data. Only the journal entry is durable. Load must
	// still recover the mapping by replaying it.
	loaded, err := vdo.Load(ctx, cfg, data, dedupe, compressor, hasher)
	if err != nil {
		t.Fatalf("Load after crash: %v", err)
	}
	loaded.Start(ctx)
	t.Cleanup(loaded.Close)

	_, got, err := loaded.Read(ctx, physical.LBN(5))
	if err != nil {
		t.Fatalf("Read after Load: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("replayed journal did not recover the pre-crash mapping")
	}
}

// Scenario 4: four compressed fragments whose sizes sum to exactly one
// bin's capacity share a single physical block, each keeping its own
// compressed-slot mapping. Exercised directly against internal/packer
// with sequential Attempt calls: going through the full engine would
// require four logical writes to race each other through
// vio.Pipeline.tryPack, whose own comment documents that a single
// unfilled bin is flushed out immediately after the one call that
// offered it — a simplification standing in for a dedicated flusher
// zone that batches concurrent arrivals. Calling Attempt directly here
// reproduces the packing decision deterministically instead of relying
// on goroutine scheduling to win that race.
func TestFourCompressedFragmentsShareOnePhysicalBlock(t *testing.T) {
	const capacity = 900 + 1100 + 1200 + 900

	var mu sync.Mutex
	written := map[physical.PBN][]byte{}
	allocator := &sequentialTestAllocator{}
	writer := writerFunc(func(ctx context.Context, pbn physical.PBN, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		stored := make([]byte, len(data))
		copy(stored, data)
		written[pbn] = stored
		return nil
	})

	results := map[uint64]packer.Result{}
	complete := func(req *packer.Request, result packer.Result, err error) {
		if err != nil {
			t.Fatalf("packer completion for request %d: %v", req.ID, err)
		}
		mu.Lock()
		results[req.ID] = result
		mu.Unlock()
	}

	p := packer.New(capacity, allocator, writer, complete)

	sizes := []int{900, 1100, 1200, 900}
	for i, size := range sizes {
		req := &packer.Request{ID: uint64(i + 1), Data: make([]byte, size), State: packer.StateCompressing}
		for b := range req.Data {
			req.Data[b] = byte(i + 1)
		}
		if err := p.Attempt(context.Background(), req); err != nil {
			t.Fatalf("Attempt %d: %v", i, err)
		}
	}

	if len(results) != 4 {
		t.Fatalf("got %d completions, want 4", len(results))
	}
	var pbn physical.PBN
	seenSlots := map[int]bool{}
	for i := range sizes {
		res, ok := results[uint64(i+1)]
		if !ok {
			t.Fatalf("no completion recorded for request %d", i+1)
		}
		if !res.Compressed {
			t.Fatalf("request %d was not packed", i+1)
		}
		if i == 0 {
			pbn = res.PBN
		} else if res.PBN != pbn {
			t.Fatalf("request %d landed on pbn %d, want %d (same bin as the others)", i+1, res.PBN, pbn)
		}
		if seenSlots[res.Slot] {
			t.Fatalf("slot %d assigned to more than one request", res.Slot)
		}
		seenSlots[res.Slot] = true
	}
	if p.BinCount() != 0 {
		t.Fatalf("got %d open bins after the bin filled, want 0", p.BinCount())
	}
}

type sequentialTestAllocator struct {
	mu   sync.Mutex
	next physical.PBN
}

func (a *sequentialTestAllocator) AllocateBlock(ctx context.Context) (physical.PBN, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return a.next, nil
}

type writerFunc func(ctx context.Context, pbn physical.PBN, data []byte) error

func (f writerFunc) SubmitWrite(ctx context.Context, pbn physical.PBN, data []byte) error {
	return f(ctx, pbn, data)
}

// Scenario 5: a small journal (8 slots) serializing 32 concurrent
// writes to distinct logical blocks must apply back-pressure rather
// than corrupt or drop any of them; every write eventually succeeds and
// every block reads back exactly what was written.
func TestSmallJournalBackpressureUnderConcurrentWrites(t *testing.T) {
	cfg := testConfig()
	cfg.JournalSlotCount = 8
	cfg.SlabCount = 8
	cfg.SlabSize = 64

	data := collaborator.NewMemoryIOSubmitter()
	e, err := vdo.New(context.Background(), cfg, data, collaborator.NewMemoryDedupeIndex(),
		collaborator.FixedRatioCompressor{Ratio: 2, MinCompress: 4096}, collaborator.Sha256Hasher{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	e.Start(ctx)
	t.Cleanup(e.Close)

	const writers = 32
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Write(ctx, physical.LBN(i), block(byte(i))); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Write under journal back-pressure failed: %v", err)
	}

	for i := 0; i < writers; i++ {
		_, got, err := e.Read(ctx, physical.LBN(i))
		if err != nil {
			t.Fatalf("Read(%d): %v", i, err)
		}
		if !bytes.Equal(got, block(byte(i))) {
			t.Fatalf("lbn %d read back the wrong content after concurrent writes", i)
		}
	}
}

// Scenario 6: after a crash that leaves every slab marked unrecovered,
// Load's scrub pass reconciles reference counts well enough that both
// the pre-crash data survives and the freed block from a pre-crash
// overwrite is available for reuse, rather than being leaked or
// double-freed.
func TestSlabScrubbingAfterCrashReconcilesReferences(t *testing.T) {
	cfg := testConfig()
	data := collaborator.NewMemoryIOSubmitter()
	dedupe := collaborator.NewMemoryDedupeIndex()
	compressor := collaborator.FixedRatioCompressor{Ratio: 2, MinCompress: 4096}
	hasher := collaborator.Sha256Hasher{}
	ctx := context.Background()

	e, err := vdo.New(ctx, cfg, data, dedupe, compressor, hasher)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Start(ctx)

	survivor := block(0xaa)
	if _, err := e.Write(ctx, physical.LBN(10), survivor); err != nil {
		t.Fatalf("Write survivor: %v", err)
	}

	// Overwrite lbn 11 twice: the first physical block it held should be
	// released. Then discard lbn 12 outright after writing it, releasing
	// its block too. Both released blocks must be scrubbed back to a
	// free reference count, not left stuck at their last live count.
	if _, err := e.Write(ctx, physical.LBN(11), block(0xbb)); err != nil {
		t.Fatalf("Write 11 (first): %v", err)
	}
	if _, err := e.Write(ctx, physical.LBN(11), block(0xcc)); err != nil {
		t.Fatalf("Write 11 (second): %v", err)
	}
	if _, err := e.Write(ctx, physical.LBN(12), block(0xdd)); err != nil {
		t.Fatalf("Write 12: %v", err)
	}
	if _, err := e.Discard(ctx, physical.LBN(12)); err != nil {
		t.Fatalf("Discard 12: %v", err)
	}

	// No Suspend/Close: every slab in the reopened engine starts
	// Unrecovered and must be scrubbed by Load before it can be trusted.
	loaded, err := vdo.Load(ctx, cfg, data, dedupe, compressor, hasher)
	if err != nil {
		t.Fatalf("Load after crash: %v", err)
	}
	loaded.Start(ctx)
	t.Cleanup(loaded.Close)

	_, got, err := loaded.Read(ctx, physical.LBN(10))
	if err != nil {
		t.Fatalf("Read(10) after Load: %v", err)
	}
	if !bytes.Equal(got, survivor) {
		t.Fatal("survivor block did not read back correctly after scrub")
	}

	_, got11, err := loaded.Read(ctx, physical.LBN(11))
	if err != nil {
		t.Fatalf("Read(11) after Load: %v", err)
	}
	if !bytes.Equal(got11, block(0xcc)) {
		t.Fatal("lbn 11 did not read back its last write after scrub")
	}

	_, got12, err := loaded.Read(ctx, physical.LBN(12))
	if err != nil {
		t.Fatalf("Read(12) after Load: %v", err)
	}
	if !bytes.Equal(got12, make([]byte, physical.BlockSize)) {
		t.Fatal("discarded lbn 12 did not read back as the zero block after scrub")
	}

	// If the scrub had leaked the references freed by the overwrite and
	// the discard, the depot would eventually run out of space; exercise
	// enough fresh writes to make that visible instead of leaving it
	// untested.
	for i := 0; i < int(cfg.SlabSize); i++ {
		if _, err := loaded.Write(ctx, physical.LBN(100+i), block(byte(i))); err != nil {
			t.Fatalf("fresh write %d after scrub: %v", i, err)
		}
	}
}
