package journal

import (
	"context"

	"github.com/dreamware/vdostore/internal/physical"
	"github.com/dreamware/vdostore/internal/vdoerrors"
)

// Reader is the narrow contract Replay needs to scan journal blocks off
// disk. Satisfied by internal/collaborator.IOSubmitter (or a test
// double) — the same interface New's Writer adapts from, minus the
// write/flush methods Replay never calls.
type Reader interface {
	SubmitRead(ctx context.Context, pbn physical.PBN) ([]byte, error)
}

// ReplayEntry pairs a decoded Entry with the journal point it occupied,
// so a caller replaying into the block map can apply reference-count
// changes in ascending journal-point order.
type ReplayEntry struct {
	Point physical.JournalPoint
	Entry Entry
}

// Replay scans all slotCount on-disk blocks starting at origin and
// returns every entry found, in ascending journal-point order. A slot
// that has never been written (bad magic) is silently skipped — a
// fresh journal has no prior occupant for any slot. A slot whose stored
// sequence number does not map back to the slot it was read from (the
// block a torn, mid-write crash left behind) is reported as
// ErrCorruptJournal rather than silently believed, since this engine
// has no other header field recording "is this write complete."
func Replay(ctx context.Context, r Reader, origin physical.PBN, slotCount uint32) ([]ReplayEntry, error) {
	type block struct {
		header  BlockHeader
		entries []Entry
	}
	blocks := make([]block, 0, slotCount)

	for slot := uint32(0); slot < slotCount; slot++ {
		buf, err := r.SubmitRead(ctx, origin+physical.PBN(slot))
		if err != nil {
			return nil, vdoerrors.Wrapf(err, "journal: replay: reading slot %d", slot)
		}
		header, entries, err := DecodeBlock(buf)
		if err != nil {
			if vdoerrors.Is(err, vdoerrors.ErrCorruptJournal) && header.Magic != BlockMagic {
				continue // never written
			}
			return nil, err
		}
		if uint32(header.Sequence)&(slotCount-1) != slot {
			return nil, vdoerrors.Wrapf(vdoerrors.ErrCorruptJournal,
				"journal: replay: block at slot %d claims sequence %d, which maps to a different slot", slot, header.Sequence)
		}
		blocks = append(blocks, block{header: header, entries: entries})
	}

	// Ascending sequence order, by straightforward insertion since
	// slotCount is small (tens to low hundreds of blocks).
	for i := 1; i < len(blocks); i++ {
		for j := i; j > 0 && blocks[j].header.Sequence < blocks[j-1].header.Sequence; j-- {
			blocks[j], blocks[j-1] = blocks[j-1], blocks[j]
		}
	}

	var out []ReplayEntry
	for _, b := range blocks {
		for i, e := range b.entries {
			out = append(out, ReplayEntry{
				Point: physical.JournalPoint{Sequence: b.header.Sequence, EntryIndex: uint16(i)},
				Entry: e,
			})
		}
	}
	return out, nil
}
