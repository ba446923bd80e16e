package vdo

import (
	"github.com/dreamware/vdostore/internal/journal"
	"github.com/dreamware/vdostore/internal/lockcounter"
	"github.com/dreamware/vdostore/internal/physical"
)

// journalReferenceTracker implements blockmap.ReferenceTracker over the
// recovery journal's own block-map reference counter, finally giving
// Journal.AcquireBlockMapReference/ReleaseBlockMapReference a caller: the
// forest acquires a sequence number's reference the moment a page is
// dirtied for it, and the page cache's write hook releases it once that
// page is durably written back.
//
// Every caller uses logical-zone slot 0, since journal.New always builds
// its lock counter with a single logical-zone slot regardless of the
// engine's configured logical-zone count.
type journalReferenceTracker struct {
	journal *journal.Journal
}

func (t journalReferenceTracker) Acquire(seq physical.SequenceNumber) {
	t.journal.AcquireBlockMapReference(seq, lockcounter.KindLogical, 0)
}

func (t journalReferenceTracker) Release(seq physical.SequenceNumber) {
	t.journal.ReleaseBlockMapReference(seq, lockcounter.KindLogical, 0)
}
