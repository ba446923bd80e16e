// Package blockmap implements the logical-to-physical block map: a
// forest of fixed-fanout trees, its on-page layout, and tree traversal
// (lookup, update, find_block_map_pbn).
//
// The on-page layout is a fixed header (signature, version, self PBN,
// nonce, recovery-lock sequence number, initialized flag) followed by a
// dense array of 5-byte packed mapping entries. The
// field-by-field binary layout technique is grounded on
// hellin-go-ext4/superblock.go's fixed-offset struct encoding.
package blockmap

import (
	"encoding/binary"
	"fmt"

	"github.com/dreamware/vdostore/internal/physical"
)

// PageSignature identifies a block as a block-map page, distinguishing it
// from other metadata block types sharing the same device.
const PageSignature uint64 = 0x564F_4C4D_4150_5F31 // "VOLMAP_1" in ASCII hex

// PageVersion is the on-page format version.
const PageVersion uint32 = 1

// headerSize is the encoded size, in bytes, of Header.
const headerSize = 8 + 4 + 8 + 8 + 8 + 1 // sig + version + pbn + nonce + recoveryLock + initialized

// EntrySize is the packed size of one physical.MappingEntry on a page.
const EntrySize = 5

// EntriesPerPage is the number of mapping entries that fit on one
// block-map page after the header.
const EntriesPerPage = (physical.BlockSize - headerSize) / EntrySize

// Header is the fixed, block-map-specific prefix of every page.
type Header struct {
	Signature    uint64
	Version      uint32
	PBN          physical.PBN
	Nonce        physical.Nonce
	RecoveryLock physical.SequenceNumber // recovery-journal sequence this page must not be reaped before
	Initialized  bool
}

// Page is the decoded, in-memory form of one block-map page: an interior
// page's entries hold PBN pointers to child pages wrapped in mapping
// entries with state Uncompressed; a leaf page's entries are the real
// logical-block mappings.
type Page struct {
	Header  Header
	Entries [EntriesPerPage]physical.MappingEntry
}

// NewEmptyPage returns a structurally valid, all-Unmapped page for pbn,
// stamped with nonce but not yet marked initialized. This is what a
// lazily-allocated tree page looks like before its first write.
func NewEmptyPage(pbn physical.PBN, nonce physical.Nonce) *Page {
	return &Page{
		Header: Header{
			Signature: PageSignature,
			Version:   PageVersion,
			PBN:       pbn,
			Nonce:     nonce,
		},
	}
}

// Encode packs the page into a physical.BlockSize-byte block, little-endian.
func (p *Page) Encode() []byte {
	buf := make([]byte, physical.BlockSize)
	binary.LittleEndian.PutUint64(buf[0:8], p.Header.Signature)
	binary.LittleEndian.PutUint32(buf[8:12], p.Header.Version)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(p.Header.PBN))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(p.Header.Nonce))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(p.Header.RecoveryLock))
	if p.Header.Initialized {
		buf[36] = 1
	}
	off := headerSize
	for i := 0; i < EntriesPerPage; i++ {
		encoded := p.Entries[i].Encode()
		copy(buf[off:off+EntrySize], encoded[:])
		off += EntrySize
	}
	return buf
}

// DecodePage unpacks a physical.BlockSize-byte block into a Page. It does
// not itself validate the header against an expected PBN/nonce — that
// validation is the cache's ReadHook's job, so DecodePage stays a pure
// codec whose only error is a buffer of the wrong length.
func DecodePage(buf []byte) (*Page, error) {
	if len(buf) != physical.BlockSize {
		return nil, fmt.Errorf("blockmap: page buffer has length %d, want %d", len(buf), physical.BlockSize)
	}
	p := &Page{
		Header: Header{
			Signature:    binary.LittleEndian.Uint64(buf[0:8]),
			Version:      binary.LittleEndian.Uint32(buf[8:12]),
			PBN:          physical.PBN(binary.LittleEndian.Uint64(buf[12:20])),
			Nonce:        physical.Nonce(binary.LittleEndian.Uint64(buf[20:28])),
			RecoveryLock: physical.SequenceNumber(binary.LittleEndian.Uint64(buf[28:36])),
			Initialized:  buf[36] != 0,
		},
	}
	off := headerSize
	for i := 0; i < EntriesPerPage; i++ {
		var raw [5]byte
		copy(raw[:], buf[off:off+EntrySize])
		p.Entries[i] = physical.DecodeMappingEntry(raw)
		off += EntrySize
	}
	return p, nil
}

// IsStructurallyEmpty reports whether every entry on the page is Unmapped
// and the header carries no signature/version — i.e. this looks like a
// block that was never formatted as a block-map page, which the read hook
// silently reformats rather than rejecting.
func (p *Page) IsStructurallyEmpty() bool {
	if p.Header.Signature != 0 || p.Header.Version != 0 {
		return false
	}
	for _, e := range p.Entries {
		if e.IsMapped() {
			return false
		}
	}
	return true
}

// Validate checks the header's self-identifying fields against the
// expected PBN and nonce: a hard mismatch on a page that has been written
// at least once is a BadPage
// error; a page with signature 0 (never formatted) is not an error here —
// callers reformat it instead.
func (p *Page) Validate(expectedPBN physical.PBN, expectedNonce physical.Nonce) error {
	if p.Header.Signature == 0 && p.Header.Version == 0 {
		return nil // structurally empty; caller reformats
	}
	if p.Header.Signature != PageSignature {
		return fmt.Errorf("blockmap: page %d has bad signature %#x", expectedPBN, p.Header.Signature)
	}
	if p.Header.PBN != expectedPBN {
		return fmt.Errorf("blockmap: page claims pbn %d, expected %d", p.Header.PBN, expectedPBN)
	}
	if p.Header.Nonce != expectedNonce {
		return fmt.Errorf("blockmap: page %d has stale nonce %d, expected %d", expectedPBN, p.Header.Nonce, expectedNonce)
	}
	return nil
}
