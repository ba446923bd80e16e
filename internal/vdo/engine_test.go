package vdo

import (
	"context"
	"testing"

	"github.com/dreamware/vdostore/internal/collaborator"
	"github.com/dreamware/vdostore/internal/config"
	"github.com/dreamware/vdostore/internal/physical"
)

func testEngine(t *testing.T) (*Engine, *collaborator.MemoryIOSubmitter) {
	t.Helper()
	cfg := config.Default()
	cfg.SlabCount = 2
	cfg.SlabSize = 64
	cfg.JournalSlotCount = 16
	cfg.BlockMapCacheCapacity = 8

	data := collaborator.NewMemoryIOSubmitter()
	dedupe := collaborator.NewMemoryDedupeIndex()
	compressor := collaborator.FixedRatioCompressor{Ratio: 2, MinCompress: 512}
	hasher := collaborator.Sha256Hasher{}

	e, err := New(context.Background(), cfg, data, dedupe, compressor, hasher)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Start(context.Background())
	t.Cleanup(e.Close)
	return e, data
}

func TestNewPersistsSuperblock(t *testing.T) {
	e, data := testEngine(t)

	raw, err := data.SubmitRead(context.Background(), 0)
	if err != nil {
		t.Fatalf("SubmitRead(0): %v", err)
	}
	allZero := true
	for _, b := range raw {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatal("superblock block is still zeroed after New")
	}

	sb := e.Superblock()
	if sb.SlabCount != 2 {
		t.Fatalf("SlabCount = %d, want 2", sb.SlabCount)
	}
	if sb.BlockMapOrigin != 0 {
		t.Fatalf("BlockMapOrigin = %d, want 0 (lazily allocated from slab space)", sb.BlockMapOrigin)
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	payload := make([]byte, physical.BlockSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	if _, err := e.Write(ctx, physical.LBN(0), payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, got, err := e.Read(ctx, physical.LBN(0))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("Read returned %d bytes, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d: got %d, want %d", i, got[i], payload[i])
		}
	}
}

func TestDuplicateWriteDedupes(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	payload := make([]byte, physical.BlockSize)
	for i := range payload {
		payload[i] = 0x42
	}

	req0, err := e.Write(ctx, physical.LBN(0), payload)
	if err != nil {
		t.Fatalf("first Write: %v", err)
	}
	req1, err := e.Write(ctx, physical.LBN(1), payload)
	if err != nil {
		t.Fatalf("second Write: %v", err)
	}
	if req0.NewMapping.PBN() != req1.NewMapping.PBN() {
		t.Fatalf("duplicate write mapped to pbn %d, want the first write's pbn %d", req1.NewMapping.PBN(), req0.NewMapping.PBN())
	}

	before := e.Stats().Snapshot()

	_, got0, err := e.Read(ctx, physical.LBN(0))
	if err != nil {
		t.Fatalf("Read(0): %v", err)
	}
	_, got1, err := e.Read(ctx, physical.LBN(1))
	if err != nil {
		t.Fatalf("Read(1): %v", err)
	}
	if string(got0) != string(got1) {
		t.Fatal("two writes of identical content read back as different data")
	}
	_ = before
}

func TestWriteRefusedAfterSuspend(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	if err := e.Suspend(ctx); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	if _, err := e.Write(ctx, physical.LBN(0), make([]byte, physical.BlockSize)); err == nil {
		t.Fatal("Write succeeded on a suspended engine")
	}

	if err := e.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := e.Write(ctx, physical.LBN(0), make([]byte, physical.BlockSize)); err != nil {
		t.Fatalf("Write after Resume: %v", err)
	}
}

func TestEnterReadOnlyBlocksWritesNotReads(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	if _, err := e.Write(ctx, physical.LBN(0), make([]byte, physical.BlockSize)); err != nil {
		t.Fatalf("Write before read-only: %v", err)
	}

	e.EnterReadOnly()

	if _, err := e.Write(ctx, physical.LBN(1), make([]byte, physical.BlockSize)); err == nil {
		t.Fatal("Write succeeded after EnterReadOnly")
	}
	if _, _, err := e.Read(ctx, physical.LBN(0)); err != nil {
		t.Fatalf("Read refused after EnterReadOnly: %v", err)
	}
}

func TestGrowIncreasesSlabCount(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	before := e.depot.SlabCount()
	if err := e.Grow(ctx, 1); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	after := e.depot.SlabCount()
	if after != before+1 {
		t.Fatalf("SlabCount after Grow = %d, want %d", after, before+1)
	}
	if _, ok := e.slabJournals[after-1]; !ok {
		t.Fatal("Grow did not wire a slab journal for the newly added slab")
	}
}

func TestLoadRecoversFromPersistedState(t *testing.T) {
	cfg := config.Default()
	cfg.SlabCount = 2
	cfg.SlabSize = 64
	cfg.JournalSlotCount = 16
	cfg.BlockMapCacheCapacity = 8

	data := collaborator.NewMemoryIOSubmitter()
	dedupe := collaborator.NewMemoryDedupeIndex()
	compressor := collaborator.FixedRatioCompressor{Ratio: 2, MinCompress: 512}
	hasher := collaborator.Sha256Hasher{}
	ctx := context.Background()

	created, err := New(ctx, cfg, data, dedupe, compressor, hasher)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	created.Start(ctx)

	payload := make([]byte, physical.BlockSize)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	if _, err := created.Write(ctx, physical.LBN(0), payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := created.Suspend(ctx); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	created.Close()

	loaded, err := Load(ctx, cfg, data, dedupe, compressor, hasher)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	loaded.Start(ctx)
	t.Cleanup(loaded.Close)

	if loaded.Superblock().SlabCount != created.Superblock().SlabCount {
		t.Fatalf("loaded SlabCount = %d, want %d", loaded.Superblock().SlabCount, created.Superblock().SlabCount)
	}

	_, got, err := loaded.Read(ctx, physical.LBN(0))
	if err != nil {
		t.Fatalf("Read after Load: %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d after Load: got %d, want %d", i, got[i], payload[i])
		}
	}
}
