package vdoerrors

import "testing"

func TestResultSticky(t *testing.T) {
	var r Result
	if r.HasError() {
		t.Fatal("fresh result should not have an error")
	}

	r.Set(ErrNoSpace)
	if r.Err() != ErrNoSpace {
		t.Fatalf("got %v, want ErrNoSpace", r.Err())
	}

	// Later successes (nil) and later failures must not override the
	// first recorded error.
	r.Set(nil)
	r.Set(ErrOutOfRange)
	if r.Err() != ErrNoSpace {
		t.Fatalf("sticky result was overwritten: got %v", r.Err())
	}
}

func TestWrapPreservesSentinel(t *testing.T) {
	wrapped := Wrap(ErrCorruptJournal, "replaying slab 3")
	if !Is(wrapped, ErrCorruptJournal) {
		t.Fatal("wrapped error should still match the sentinel via Is")
	}

	if Wrap(nil, "no-op") != nil {
		t.Fatal("wrapping nil should return nil")
	}
}
