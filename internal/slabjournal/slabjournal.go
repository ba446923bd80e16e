// Package slabjournal implements the per-slab journal of reference-count
// changes: a circular, threshold-governed log that lets a slab's
// ref-counts be reconstructed after a crash without re-scanning the
// whole slab, and the idempotent replay ("modify") operation that keeps
// that reconstruction crash-safe.
package slabjournal

import (
	"context"
	"fmt"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/dreamware/vdostore/internal/physical"
	"github.com/dreamware/vdostore/internal/slab"
	"github.com/dreamware/vdostore/internal/waitqueue"
)

// RefOp is the kind of reference-count change one journal entry records.
type RefOp int

const (
	DataIncrement RefOp = iota
	DataDecrement
	BlockMapIncrement
	BlockMapDecrement
)

func (op RefOp) String() string {
	switch op {
	case DataIncrement:
		return "data-increment"
	case DataDecrement:
		return "data-decrement"
	case BlockMapIncrement:
		return "block-map-increment"
	case BlockMapDecrement:
		return "block-map-decrement"
	default:
		return fmt.Sprintf("refop(%d)", int(op))
	}
}

func (op RefOp) isIncrement() bool {
	return op == DataIncrement || op == BlockMapIncrement
}

// Entry is one reference-count change recorded in a slab journal.
type Entry struct {
	PBN  physical.PBN
	Op   RefOp
	Lock physical.JournalPoint // the recovery-journal point this change is tied to
}

// Thresholds configures when a slab journal pushes a tail block, stalls
// new appenders, and marks its slab as requiring a post-crash scrub.
// Depth is measured in unflushed entries.
type Thresholds struct {
	Flushing  int
	Blocking  int
	Scrubbing int
}

// DefaultThresholds picks a reasonable default ratio: flush at 3/4
// capacity, block at capacity, and require scrubbing once more than
// capacity has been buffered without a flush.
func DefaultThresholds(capacity int) Thresholds {
	return Thresholds{
		Flushing:  capacity * 3 / 4,
		Blocking:  capacity,
		Scrubbing: capacity + capacity/4,
	}
}

// Journal is the in-memory view of one slab's circular on-disk journal.
// Entries accumulate here until Flush applies them to the slab and
// advances the committed point; FlushFunc is the caller-supplied hook
// that actually durably writes the tail block (internal/journal's
// recovery-journal plumbing, or a test double).
type Journal struct {
	mu         sync.Mutex
	slabNumber int
	thresholds Thresholds
	entries    []Entry
	committed  physical.JournalPoint
	blocked    *waitqueue.Queue
	flushFunc  func(ctx context.Context, entries []Entry) error
}

// New constructs a slab journal. flushFunc is called by Flush with the
// pending entries; a nil flushFunc is valid for tests that drive Apply
// directly without a backing recovery journal.
func New(slabNumber int, thresholds Thresholds, flushFunc func(ctx context.Context, entries []Entry) error) *Journal {
	return &Journal{
		slabNumber: slabNumber,
		thresholds: thresholds,
		blocked:    waitqueue.New(),
		flushFunc:  flushFunc,
	}
}

// Depth returns the number of entries buffered since the last flush.
func (j *Journal) Depth() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// RequiresScrubbing reports whether this slab journal currently buffers
// at least its scrubbing threshold of unflushed entries — i.e. whether, after a
// crash at this point, the slab cannot be trusted to reconstruct its
// ref-counts from the journal alone and needs a full scrub.
func (j *Journal) RequiresScrubbing() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries) >= j.thresholds.Scrubbing
}

// AddEntry appends a reference-change entry, pushing a flush if the
// journal has reached its flushing threshold and blocking the caller
// (via ctx cancellation or wake-up) if it has reached the blocking
// threshold. This is the back-pressure path distinct from the recovery
// journal's own commit_completion/reap_completion stalls.
func (j *Journal) AddEntry(ctx context.Context, entry Entry) error {
	for {
		j.mu.Lock()
		if len(j.entries) < j.thresholds.Blocking {
			j.entries = append(j.entries, entry)
			shouldFlush := len(j.entries) >= j.thresholds.Flushing
			j.mu.Unlock()
			if shouldFlush {
				if err := j.Flush(ctx); err != nil {
					return err
				}
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			j.mu.Unlock()
			return err
		}
		waiter := j.blocked.Enqueue()
		j.mu.Unlock()

		// Matches internal/pagecache's park-then-recheck loop: no
		// preemption of an in-progress wait, per the threading model's
		// "no stack-saved continuations" rule.
		waiter.Wait()
	}
}

// Flush hands the currently buffered entries to flushFunc (the tail-block
// write), then clears the buffer and wakes anyone stalled at the
// blocking threshold. A nil flushFunc just clears the buffer, for tests
// that only care about threshold bookkeeping.
func (j *Journal) Flush(ctx context.Context) error {
	j.mu.Lock()
	pending := j.entries
	j.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if j.flushFunc != nil {
		if err := j.flushFunc(ctx, pending); err != nil {
			return pkgerrors.Wrap(err, "slabjournal: flush")
		}
	}

	j.mu.Lock()
	j.entries = nil
	j.mu.Unlock()
	j.blocked.NotifyAll()
	return nil
}

// Apply replays entry against depot, idempotently: if the journal's
// committed point is already at or past entry.Lock, the change is a no-op.
// Committed points only ever advance.
func (j *Journal) Apply(depot *slab.Depot, entry Entry) error {
	j.mu.Lock()
	if entry.Lock.IsValid() && !j.committed.Before(entry.Lock) {
		j.mu.Unlock()
		return nil
	}
	if entry.Lock.IsValid() {
		j.committed = entry.Lock
	}
	j.mu.Unlock()

	var err error
	if entry.Op.isIncrement() {
		_, err = depot.Increment(entry.PBN)
	} else {
		_, err = depot.Decrement(entry.PBN)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "slabjournal: slab %d replay of pbn %d", j.slabNumber, entry.PBN)
	}
	return nil
}

// CommittedPoint returns the most recent journal point this slab journal
// has applied.
func (j *Journal) CommittedPoint() physical.JournalPoint {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committed
}
