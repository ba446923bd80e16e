package packer

import (
	"context"
	"sync"
	"testing"

	"github.com/dreamware/vdostore/internal/physical"
)

type sequentialAllocator struct {
	mu   sync.Mutex
	next physical.PBN
}

func (a *sequentialAllocator) AllocateBlock(ctx context.Context) (physical.PBN, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return a.next, nil
}

type fakeWriter struct {
	mu     sync.Mutex
	writes map[physical.PBN][]byte
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{writes: make(map[physical.PBN][]byte)}
}

func (w *fakeWriter) SubmitWrite(ctx context.Context, pbn physical.PBN, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	w.writes[pbn] = stored
	return nil
}

type completion struct {
	req    *Request
	result Result
	err    error
}

func newRecorder() (CompleteFunc, *[]completion, *sync.Mutex) {
	var mu sync.Mutex
	var results []completion
	return func(req *Request, result Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, completion{req, result, err})
	}, &results, &mu
}

func TestAttemptRejectsNonCompressingRequest(t *testing.T) {
	complete, _, _ := newRecorder()
	p := New(physical.BlockSize, &sequentialAllocator{}, newFakeWriter(), complete)

	req := &Request{ID: 1, Data: make([]byte, 10), State: StateUncompressed}
	if err := p.Attempt(context.Background(), req); err == nil {
		t.Fatal("expected an error for a non-Compressing request")
	}
}

func TestAttemptFillsAndWritesOutFullBin(t *testing.T) {
	complete, results, mu := newRecorder()
	writer := newFakeWriter()
	p := New(10, &sequentialAllocator{}, writer, complete)

	reqA := &Request{ID: 1, Data: make([]byte, 6), State: StateCompressing}
	reqB := &Request{ID: 2, Data: make([]byte, 4), State: StateCompressing}

	if err := p.Attempt(context.Background(), reqA); err != nil {
		t.Fatalf("Attempt A: %v", err)
	}
	if p.BinCount() != 1 {
		t.Fatalf("got %d bins, want 1 after first fragment", p.BinCount())
	}
	if err := p.Attempt(context.Background(), reqB); err != nil {
		t.Fatalf("Attempt B: %v", err)
	}
	if p.BinCount() != 0 {
		t.Fatalf("got %d bins, want 0 once the bin filled and wrote out", p.BinCount())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*results) != 2 {
		t.Fatalf("got %d completions, want 2", len(*results))
	}
	for _, c := range *results {
		if c.err != nil {
			t.Fatalf("unexpected completion error: %v", c.err)
		}
		if !c.result.Compressed {
			t.Fatalf("got uncompressed result for a two-request bin")
		}
	}
	if (*results)[0].result.PBN != (*results)[1].result.PBN {
		t.Fatalf("agent and client should share the same written pbn")
	}
	if (*results)[0].result.Slot == (*results)[1].result.Slot {
		t.Fatalf("agent and client must have distinct slots")
	}
}

func TestFlushWritesNonEmptyBinsAndClearsThem(t *testing.T) {
	complete, results, mu := newRecorder()
	p := New(physical.BlockSize, &sequentialAllocator{}, newFakeWriter(), complete)

	req := &Request{ID: 1, Data: make([]byte, 100), State: StateCompressing}
	if err := p.Attempt(context.Background(), req); err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if p.BinCount() != 1 {
		t.Fatalf("got %d bins before flush, want 1", p.BinCount())
	}

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if p.BinCount() != 0 {
		t.Fatalf("got %d bins after flush, want 0", p.BinCount())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*results) != 1 {
		t.Fatalf("got %d completions, want 1", len(*results))
	}
	if (*results)[0].result.Compressed {
		t.Fatal("a lone fragment must complete as uncompressed, not written out")
	}
}

func TestRemoveLockHolderMovesRequestToCanceledBin(t *testing.T) {
	complete, _, _ := newRecorder()
	p := New(10, &sequentialAllocator{}, newFakeWriter(), complete)

	reqA := &Request{ID: 1, Data: make([]byte, 4), State: StateCompressing}
	reqB := &Request{ID: 2, Data: make([]byte, 4), State: StateCompressing}
	if err := p.Attempt(context.Background(), reqA); err != nil {
		t.Fatalf("Attempt A: %v", err)
	}
	if err := p.Attempt(context.Background(), reqB); err != nil {
		t.Fatalf("Attempt B: %v", err)
	}

	p.RemoveLockHolder(reqA)
	if reqA.bin != p.canceledBin {
		t.Fatal("canceled request should have moved into the dedicated canceled bin")
	}

	// Canceling it again, now that it lives in the canceled bin, should
	// just mark that bin canceled rather than move it anywhere else.
	p.RemoveLockHolder(reqA)
	if !p.canceledBin.canceled {
		t.Fatal("expected the canceled bin to be marked canceled")
	}
}

func TestWriteOutEncodesRecoverablePerSlotFragments(t *testing.T) {
	complete, results, mu := newRecorder()
	writer := newFakeWriter()
	p := New(10, &sequentialAllocator{}, writer, complete)

	fragments := [][]byte{{1, 2, 3}, {4, 5}, {6, 7, 8, 9, 10}}
	for i, data := range fragments {
		req := &Request{ID: uint64(i + 1), Data: data, State: StateCompressing}
		if err := p.Attempt(context.Background(), req); err != nil {
			t.Fatalf("Attempt %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*results) != len(fragments) {
		t.Fatalf("got %d completions, want %d", len(*results), len(fragments))
	}

	pbn := (*results)[0].result.PBN
	block := writer.writes[pbn]
	for i, want := range fragments {
		slot := (*results)[i].result.Slot
		got, err := DecodeCompressedFragment(block, slot)
		if err != nil {
			t.Fatalf("DecodeCompressedFragment(slot %d): %v", slot, err)
		}
		if string(got) != string(want) {
			t.Fatalf("slot %d decoded to %v, want %v", slot, got, want)
		}
	}
}

func TestAttemptRejectsOversizedFragment(t *testing.T) {
	complete, _, _ := newRecorder()
	p := New(10, &sequentialAllocator{}, newFakeWriter(), complete)

	req := &Request{ID: 1, Data: make([]byte, 20), State: StateCompressing}
	if err := p.Attempt(context.Background(), req); err == nil {
		t.Fatal("expected an error for a fragment larger than bin capacity")
	}
}
