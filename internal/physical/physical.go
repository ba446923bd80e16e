// Package physical defines the basic addressing and mapping types shared by
// every other package in the metadata engine: logical and physical block
// numbers, the packed mapping entry, and the journal point used to order
// recovery-journal entries.
package physical

import "fmt"

// BlockSize is the fixed size, in bytes, of every block on the backing
// device and of every in-memory page. All metadata in this engine is
// block-aligned.
const BlockSize = 4096

// LBN is a logical block number: the address the consumer of the device
// exposes reads and writes against.
type LBN uint64

// PBN is a physical block number: an address on the backing device.
type PBN uint64

// PBNInvalid marks the absence of a physical location, e.g. a tree page
// that has never been allocated.
const PBNInvalid PBN = ^PBN(0)

// Nonce distinguishes one instance of the backing store from another, so a
// stale metadata block left over from a previous format can be detected on
// load.
type Nonce uint64

// SequenceNumber identifies a recovery-journal block. It increases
// monotonically and, in practice, never wraps.
type SequenceNumber uint64

// MappingState is the 4-bit state packed alongside a PBN in a mapping
// entry. Sixteen states fit in 4 bits; two are non-compressed states
// (Unmapped, Uncompressed) and the remaining fourteen each name one
// compressed fragment slot in a packed physical block.
type MappingState uint8

const (
	// MappingStateUnmapped is the zero value and represents the zero
	// block: no data has ever been written, or the block was unmapped by
	// a discard.
	MappingStateUnmapped MappingState = iota
	// MappingStateUncompressed points at a PBN holding one full,
	// uncompressed 4 KiB data block.
	MappingStateUncompressed
	// MappingStateCompressedSlot0 is the first of fourteen compressed
	// fragment slots. States CompressedSlot0..CompressedSlot13 are
	// consecutive so that Slot() can recover the index with simple
	// arithmetic.
	MappingStateCompressedSlot0
)

// CompressedSlotCount is the number of compressed fragments that can share
// a single physical block: 16 total 4-bit states minus the 2 non-compressed
// states.
const CompressedSlotCount = 14

// MappingStateCompressedSlotMax is the last valid compressed-slot state.
const MappingStateCompressedSlotMax = MappingStateCompressedSlot0 + CompressedSlotCount - 1

// maxPackedPBN is the largest PBN that fits in the 36 bits left over once
// the 4-bit state is packed into a 5-byte (40-bit) mapping entry. 2^36
// blocks of 4 KiB each addresses 256 TiB, which comfortably covers any
// backing device this engine is meant to sit in front of.
const maxPackedPBN = PBN(1<<36 - 1)

// MappingEntry is the packed, 5-byte on-page representation of a logical
// block's mapping: a physical block number plus the state describing how
// to interpret it.
type MappingEntry struct {
	pbn   PBN
	state MappingState
}

// UnmappedEntry is the default mapping entry: every logical block starts
// out unmapped.
var UnmappedEntry = MappingEntry{}

// NewMappingEntry builds a mapping entry, rejecting a PBN that is mapped
// (state != Unmapped) but wider than the packed representation allows.
func NewMappingEntry(pbn PBN, state MappingState) (MappingEntry, error) {
	if state > MappingStateCompressedSlotMax {
		return MappingEntry{}, fmt.Errorf("invalid mapping state %d", state)
	}
	if state != MappingStateUnmapped && pbn > maxPackedPBN {
		return MappingEntry{}, fmt.Errorf("pbn %d exceeds packed mapping entry width", pbn)
	}
	return MappingEntry{pbn: pbn, state: state}, nil
}

// PBN returns the physical block number named by the entry. For an
// Unmapped entry this is meaningless and callers should check IsMapped
// first.
func (e MappingEntry) PBN() PBN { return e.pbn }

// State returns the mapping state.
func (e MappingEntry) State() MappingState { return e.state }

// IsMapped reports whether the entry names any physical block at all.
func (e MappingEntry) IsMapped() bool { return e.state != MappingStateUnmapped }

// IsCompressed reports whether the entry points into a packed compressed
// block rather than at a full uncompressed data block.
func (e MappingEntry) IsCompressed() bool {
	return e.state >= MappingStateCompressedSlot0 && e.state <= MappingStateCompressedSlotMax
}

// Slot returns the compressed fragment index (0..13) and true if the entry
// is compressed; otherwise it returns (0, false).
func (e MappingEntry) Slot() (int, bool) {
	if !e.IsCompressed() {
		return 0, false
	}
	return int(e.state - MappingStateCompressedSlot0), true
}

// Equal reports whether two mapping entries have identical PBN and state.
func (e MappingEntry) Equal(other MappingEntry) bool {
	return e.pbn == other.pbn && e.state == other.state
}

func (e MappingEntry) String() string {
	switch {
	case !e.IsMapped():
		return "unmapped"
	case e.IsCompressed():
		slot, _ := e.Slot()
		return fmt.Sprintf("pbn=%d compressed-slot=%d", e.pbn, slot)
	default:
		return fmt.Sprintf("pbn=%d uncompressed", e.pbn)
	}
}

// Encode packs the entry into its 5-byte, little-endian on-page
// representation: 36 bits of PBN followed by a 4-bit state nibble.
func (e MappingEntry) Encode() [5]byte {
	var buf [5]byte
	v := uint64(e.pbn) & uint64(maxPackedPBN)
	v |= uint64(e.state&0xF) << 36
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	buf[4] = byte(v >> 32)
	return buf
}

// DecodeMappingEntry unpacks a 5-byte on-page representation.
func DecodeMappingEntry(buf [5]byte) MappingEntry {
	v := uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 | uint64(buf[4])<<32
	pbn := PBN(v & uint64(maxPackedPBN))
	state := MappingState((v >> 36) & 0xF)
	return MappingEntry{pbn: pbn, state: state}
}

// JournalPoint identifies a single recovery-journal entry: the sequence
// number of the journal block it was appended to, plus its index within
// that block's entry array.
type JournalPoint struct {
	Sequence   SequenceNumber
	EntryIndex uint16
}

// Before reports whether p happened strictly before other in journal
// order.
func (p JournalPoint) Before(other JournalPoint) bool {
	if p.Sequence != other.Sequence {
		return p.Sequence < other.Sequence
	}
	return p.EntryIndex < other.EntryIndex
}

// IsValid reports whether the point names a real entry, as opposed to the
// zero-value "no point yet" sentinel.
//
// Sequence 0 is reserved and never assigned to an on-disk journal block:
// every recovery journal starts numbering its blocks at sequence 1 (see
// internal/journal.New). That makes the sequence, not the entry index,
// the sole discriminator here: {Sequence: 0, EntryIndex: n} can only be
// the unset sentinel for any n, so validity never has to consider
// EntryIndex at all.
func (p JournalPoint) IsValid() bool { return p.Sequence != 0 }

func (p JournalPoint) String() string {
	return fmt.Sprintf("%d.%d", p.Sequence, p.EntryIndex)
}
