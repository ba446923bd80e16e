// Package superblock encodes and decodes the engine's fixed-PBN super
// block: format magic, release version, nonce, UUID, a fixed
// partition layout, and enough recovery-journal / block-map / slab-depot
// state to bootstrap recovery without scanning the whole device.
//
// Grounded directly on hellin-go-ext4's superblock.go: a fixed-layout
// struct decoded with encoding/binary, a magic-number self-check, and a
// package-level sentinel error for "not this format" — generalized from
// ext4's single monolithic struct to this engine's smaller, versioned
// layout plus an explicit read-only latch bit persisted across restarts.
package superblock

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dreamware/vdostore/internal/physical"
)

// Magic identifies this format on disk.
const Magic uint32 = 0x564f4445 // "VODE"

// Version is the current on-disk layout version this package writes and
// the minimum version it will read.
const Version uint32 = 1

// ErrBadMagic is returned when a loaded region does not start with Magic.
var ErrBadMagic = fmt.Errorf("superblock: bad magic")

// ErrUnsupportedVersion is returned when a loaded region's version is
// newer than this package understands.
var ErrUnsupportedVersion = fmt.Errorf("superblock: unsupported version")

// UUIDSize is the width, in bytes, of the volume UUID field.
const UUIDSize = 16

// layout is the fixed-width, little-endian on-disk encoding of a
// Superblock. Every field is a fixed-size integer or byte array so a
// single encoding/binary.Read/Write round-trips the whole thing,
// matching hellin-go-ext4's approach.
type layout struct {
	Magic   uint32
	Version uint32
	Nonce   uint64
	UUID    [UUIDSize]byte

	// Partition layout: fixed starting PBNs for each on-disk region.
	JournalOrigin physical.PBN
	JournalBlocks uint64
	BlockMapOrigin physical.PBN
	BlockMapRootCount uint32
	SlabDepotOrigin physical.PBN
	SlabSize       uint32
	SlabCount      uint32

	// Recovery-journal bootstrap state.
	JournalHead              physical.SequenceNumber
	JournalTail              physical.SequenceNumber
	LogicalBlocksUsed        uint64
	BlockMapDataBlocksUsed   uint64

	// A one-way latch; once set it is never cleared by this format.
	ReadOnly uint8

	_ [7]byte // reserved; widens the trailing flag byte to eight bytes
}

// Superblock is the in-memory, typed form of the on-disk layout above.
type Superblock struct {
	Nonce physical.Nonce
	UUID  [UUIDSize]byte

	JournalOrigin     physical.PBN
	JournalBlocks     uint64
	BlockMapOrigin    physical.PBN
	BlockMapRootCount uint32
	SlabDepotOrigin   physical.PBN
	SlabSize          uint32
	SlabCount         uint32

	JournalHead            physical.SequenceNumber
	JournalTail            physical.SequenceNumber
	LogicalBlocksUsed      uint64
	BlockMapDataBlocksUsed uint64

	ReadOnly bool
}

// EncodedSize is the fixed number of bytes Encode always produces and
// Decode always expects, independent of the owning Superblock's values.
const EncodedSize = 4 + 4 + 8 + UUIDSize + 8 + 8 + 8 + 4 + 8 + 4 + 4 + 8 + 8 + 8 + 8 + 1 + 7

// Encode serializes sb into its fixed-width on-disk representation.
func Encode(sb Superblock) []byte {
	l := layout{
		Magic:                  Magic,
		Version:                Version,
		Nonce:                  uint64(sb.Nonce),
		UUID:                   sb.UUID,
		JournalOrigin:          sb.JournalOrigin,
		JournalBlocks:          sb.JournalBlocks,
		BlockMapOrigin:         sb.BlockMapOrigin,
		BlockMapRootCount:      sb.BlockMapRootCount,
		SlabDepotOrigin:        sb.SlabDepotOrigin,
		SlabSize:               sb.SlabSize,
		SlabCount:              sb.SlabCount,
		JournalHead:            sb.JournalHead,
		JournalTail:            sb.JournalTail,
		LogicalBlocksUsed:      sb.LogicalBlocksUsed,
		BlockMapDataBlocksUsed: sb.BlockMapDataBlocksUsed,
	}
	if sb.ReadOnly {
		l.ReadOnly = 1
	}

	buf := &bytes.Buffer{}
	buf.Grow(EncodedSize)
	// binary.Write never fails against a bytes.Buffer with a fixed-size
	// struct of only fixed-width fields.
	_ = binary.Write(buf, binary.LittleEndian, l)
	return buf.Bytes()
}

// Decode parses a fixed-width on-disk region produced by Encode. It
// returns ErrBadMagic if the region doesn't start with Magic, and
// ErrUnsupportedVersion if its version is newer than this package
// understands.
func Decode(data []byte) (Superblock, error) {
	var l layout
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &l); err != nil {
		return Superblock{}, fmt.Errorf("superblock: decode: %w", err)
	}
	if l.Magic != Magic {
		return Superblock{}, ErrBadMagic
	}
	if l.Version > Version {
		return Superblock{}, ErrUnsupportedVersion
	}

	return Superblock{
		Nonce:                  physical.Nonce(l.Nonce),
		UUID:                   l.UUID,
		JournalOrigin:          l.JournalOrigin,
		JournalBlocks:          l.JournalBlocks,
		BlockMapOrigin:         l.BlockMapOrigin,
		BlockMapRootCount:      l.BlockMapRootCount,
		SlabDepotOrigin:        l.SlabDepotOrigin,
		SlabSize:               l.SlabSize,
		SlabCount:              l.SlabCount,
		JournalHead:            l.JournalHead,
		JournalTail:            l.JournalTail,
		LogicalBlocksUsed:      l.LogicalBlocksUsed,
		BlockMapDataBlocksUsed: l.BlockMapDataBlocksUsed,
		ReadOnly:               l.ReadOnly != 0,
	}, nil
}
