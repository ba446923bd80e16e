package slab

import "testing"

func TestIncrementFromFreeThenDecrementFreesBlock(t *testing.T) {
	s := NewSlab(0, 100, 8)
	if s.FreeBlockCount() != 8 {
		t.Fatalf("got free %d, want 8", s.FreeBlockCount())
	}

	count, err := s.Increment(102)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if count != 1 {
		t.Fatalf("got count %d, want 1", count)
	}
	if s.FreeBlockCount() != 7 {
		t.Fatalf("got free %d, want 7", s.FreeBlockCount())
	}

	count, err = s.Decrement(102)
	if err != nil {
		t.Fatalf("Decrement: %v", err)
	}
	if count != 0 {
		t.Fatalf("got count %d, want 0", count)
	}
	if s.FreeBlockCount() != 8 {
		t.Fatalf("got free %d, want 8 after decrement to zero", s.FreeBlockCount())
	}
}

func TestMakeProvisionalThenIncrementBecomesRealCount(t *testing.T) {
	s := NewSlab(0, 100, 4)
	if err := s.MakeProvisional(101); err != nil {
		t.Fatalf("MakeProvisional: %v", err)
	}
	if s.FreeBlockCount() != 3 {
		t.Fatalf("got free %d, want 3", s.FreeBlockCount())
	}
	count, err := s.ReferenceCount(101)
	if err != nil || count != ProvisionalReference {
		t.Fatalf("got (%d, %v), want (%d, nil)", count, err, ProvisionalReference)
	}

	newCount, err := s.Increment(101)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if newCount != 1 {
		t.Fatalf("got %d, want 1 after resolving provisional", newCount)
	}
}

func TestMakeProvisionalOnNonFreeBlockFails(t *testing.T) {
	s := NewSlab(0, 100, 4)
	if _, err := s.Increment(100); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if err := s.MakeProvisional(100); err == nil {
		t.Fatal("expected error making an already-referenced block provisional")
	}
}

func TestDecrementAlreadyFreeBlockFails(t *testing.T) {
	s := NewSlab(0, 100, 4)
	if _, err := s.Decrement(100); err == nil {
		t.Fatal("expected error decrementing a free block")
	}
}

func TestBlockIndexOutOfRangeFails(t *testing.T) {
	s := NewSlab(0, 100, 4)
	if _, err := s.Increment(50); err == nil {
		t.Fatal("expected error for pbn below slab origin")
	}
	if _, err := s.Increment(104); err == nil {
		t.Fatal("expected error for pbn at/past slab end")
	}
}

func TestRecalculateFreeCountMatchesManualScan(t *testing.T) {
	s := NewSlab(0, 100, 4)
	s.RefCounts[0] = 3
	s.RefCounts[2] = ProvisionalReference
	s.RecalculateFreeCount()
	if s.FreeBlockCount() != 2 {
		t.Fatalf("got free %d, want 2", s.FreeBlockCount())
	}
}

func TestFindFreeBlockReturnsFalseWhenFull(t *testing.T) {
	s := NewSlab(0, 100, 2)
	if _, err := s.Increment(100); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if _, err := s.Increment(101); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if _, ok := s.FindFreeBlock(); ok {
		t.Fatal("expected no free block in a full slab")
	}
}
