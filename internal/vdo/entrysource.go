package vdo

import (
	"context"
	"fmt"

	"github.com/dreamware/vdostore/internal/journal"
	"github.com/dreamware/vdostore/internal/physical"
	"github.com/dreamware/vdostore/internal/slab"
	"github.com/dreamware/vdostore/internal/slabjournal"
)

// recoveryEntrySource implements scrubber.EntrySource by replaying the
// recovery journal and filtering it down to the entries that touch one
// slab's block range. This engine keeps no separately persisted
// on-disk slab-journal format; the recovery journal already durably
// records every reference-count change, so scrubbing a slab after a
// crash replays the same log recovery.Recover does, scoped to that
// slab's PBNs instead of the whole device.
type recoveryEntrySource struct {
	reader    journal.Reader
	origin    physical.PBN
	slotCount uint32
	depot     *slab.Depot
}

// ReadEntries returns, in ascending journal order, every increment or
// decrement a replay of the recovery journal implies for slabNumber's
// block range.
func (s *recoveryEntrySource) ReadEntries(ctx context.Context, slabNumber int) ([]slabjournal.Entry, error) {
	slabs := s.depot.Slabs()
	if slabNumber < 0 || slabNumber >= len(slabs) {
		return nil, fmt.Errorf("vdo: slab %d out of range", slabNumber)
	}
	target := slabs[slabNumber]
	low := target.Origin
	high := target.Origin + physical.PBN(target.BlockCount)

	replayed, err := journal.Replay(ctx, s.reader, s.origin, s.slotCount)
	if err != nil {
		return nil, err
	}

	var out []slabjournal.Entry
	for _, re := range replayed {
		switch {
		case re.Entry.IncRef && re.Entry.NewMapping.IsMapped():
			pbn := re.Entry.NewMapping.PBN()
			if pbn >= low && pbn < high {
				out = append(out, slabjournal.Entry{PBN: pbn, Op: slabjournal.DataIncrement, Lock: re.Point})
			}
		case !re.Entry.IncRef && re.Entry.OldMapping.IsMapped():
			pbn := re.Entry.OldMapping.PBN()
			if pbn >= low && pbn < high {
				out = append(out, slabjournal.Entry{PBN: pbn, Op: slabjournal.DataDecrement, Lock: re.Point})
			}
		}
	}
	return out, nil
}
