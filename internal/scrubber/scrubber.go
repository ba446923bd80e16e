// Package scrubber replays slab journals for every slab left Unrecovered
// or RequiresScrubbing by a crash, in priority order, before the depot
// will serve allocations from them. Journal replay is its only repair
// path: it never reads a slab's data blocks to rebuild ref-counts.
//
// The priority-ordered "keep working through a queue, let an urgent item
// jump ahead" technique is grounded on torua's HealthMonitor.Start
// polling loop (internal/coordinator/health_monitor.go): a goroutine that
// repeatedly drains a unit of work and reacts to its outcome, generalized
// here from "poll node health" to "pop the highest-priority slab and
// scrub it" using internal/priority's heap instead of a timer tick.
package scrubber

import (
	"context"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/dreamware/vdostore/internal/physical"
	"github.com/dreamware/vdostore/internal/priority"
	"github.com/dreamware/vdostore/internal/slab"
	"github.com/dreamware/vdostore/internal/slabjournal"
	"github.com/dreamware/vdostore/internal/vdoerrors"
)

// highPriorityBoost is added to a slab's base priority when it has been
// explicitly requested (e.g. a dedupe query or an allocation blocked on
// it), so that request jumps the regular scrub queue: the high-priority
// queue always preempts the regular one.
const highPriorityBoost = 1 << 20

// EntrySource supplies the journal entries to replay for a given slab,
// in on-disk order from head to tail. It is the seam between the
// scrubber and whatever actually reads slab-journal blocks off the
// device (internal/journal's recovery path, or a test double).
type EntrySource interface {
	ReadEntries(ctx context.Context, slabNumber int) ([]slabjournal.Entry, error)
}

// Scrubber drives Unrecovered/RequiresScrubbing slabs in a depot back to
// Rebuilt, in priority order.
type Scrubber struct {
	mu       sync.Mutex
	depot    *slab.Depot
	source   EntrySource
	journals map[int]*slabjournal.Journal
	boosted  map[int]bool
}

// New constructs a scrubber over depot. journals maps slab number to its
// in-memory slab journal (for applying idempotent, committed-point-aware
// replay via Journal.Apply).
func New(depot *slab.Depot, source EntrySource, journals map[int]*slabjournal.Journal) *Scrubber {
	return &Scrubber{
		depot:    depot,
		source:   source,
		journals: journals,
		boosted:  make(map[int]bool),
	}
}

// RequestPriority marks a slab for high-priority scrubbing, e.g. because
// an allocation or dedupe query is blocked waiting on it.
func (s *Scrubber) RequestPriority(slabNumber int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boosted[slabNumber] = true
}

func (s *Scrubber) priorityFor(sl *slab.Slab) int {
	s.mu.Lock()
	boosted := s.boosted[sl.Number]
	s.mu.Unlock()
	// Smaller slab numbers scrub first among equal-urgency slabs, purely
	// for deterministic ordering; within that, RequiresScrubbing slabs
	// scrub before merely-Unrecovered ones. Both kinds are repaired by
	// the same journal replay in ScrubOne.
	base := -sl.Number
	if sl.State() == slab.StateRequiresScrubbing {
		base += 1 << 10
	}
	if boosted {
		base += highPriorityBoost
	}
	return base
}

// ScrubAll scrubs every slab in the depot that is not already Rebuilt,
// in priority order, stopping at the first unrecoverable error.
func (s *Scrubber) ScrubAll(ctx context.Context) error {
	pending := s.depot.RecoverSlabs()
	if len(pending) == 0 {
		return nil
	}

	heap := priority.NewHeap[*slab.Slab](s.priorityFor)
	for _, sl := range pending {
		heap.Push(sl)
	}

	for {
		sl, ok := heap.Pop()
		if !ok {
			return nil
		}
		if err := s.ScrubOne(ctx, sl); err != nil {
			return err
		}
	}
}

// ScrubOne replays a single slab's journal entries into its ref-counts
// and marks it Rebuilt on success.
func (s *Scrubber) ScrubOne(ctx context.Context, sl *slab.Slab) error {
	sl.SetState(slab.StateReplaying)

	entries, err := s.source.ReadEntries(ctx, sl.Number)
	if err != nil {
		return pkgerrors.Wrapf(err, "scrubber: slab %d: reading journal", sl.Number)
	}

	journal := s.journals[sl.Number]
	for _, entry := range entries {
		if err := s.validateEntry(sl, entry); err != nil {
			return err
		}
		if journal != nil {
			if err := journal.Apply(s.depot, entry); err != nil {
				return pkgerrors.Wrapf(err, "scrubber: slab %d", sl.Number)
			}
			continue
		}
		if err := applyDirect(s.depot, entry); err != nil {
			return pkgerrors.Wrapf(err, "scrubber: slab %d", sl.Number)
		}
	}

	sl.RecalculateFreeCount()
	sl.SetState(slab.StateRebuilt)
	return nil
}

// validateEntry rejects an entry naming a block outside the slab it was
// replayed for, reporting it as ErrCorruptJournal: an out-of-range SBN
// can only mean a corrupt slab journal.
func (s *Scrubber) validateEntry(sl *slab.Slab, entry slabjournal.Entry) error {
	if entry.PBN < sl.Origin || entry.PBN >= sl.Origin+physical.PBN(sl.BlockCount) {
		return vdoerrors.Wrapf(vdoerrors.ErrCorruptJournal, "scrubber: slab %d entry names out-of-range pbn %d", sl.Number, entry.PBN)
	}
	return nil
}

// applyDirect replays an entry against depot without any slab-journal
// committed-point bookkeeping, used when the scrubber has no in-memory
// Journal registered for a slab (e.g. a slab recovered before its
// Journal object has been constructed).
func applyDirect(depot *slab.Depot, entry slabjournal.Entry) error {
	var err error
	switch entry.Op {
	case slabjournal.DataIncrement, slabjournal.BlockMapIncrement:
		_, err = depot.Increment(entry.PBN)
	default:
		_, err = depot.Decrement(entry.PBN)
	}
	return err
}
