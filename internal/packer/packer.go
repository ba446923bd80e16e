// Package packer batches compressed fragments from multiple requests into
// shared physical blocks. A bin accumulates fragments until it is full or
// flushed; the request whose fragment is written first is the bin's agent,
// the rest are clients who copy into the agent's buffer and ride along.
//
// The sorted-by-free-space bin list and "insertion almost always touches
// just one entry" design follows
// miretskiy-rollingstone/simulator/leveled_compaction.go's incremental
// re-scoring of compaction candidates after each pick, adapted here from
// scoring LSM levels to scoring packer bins by remaining free space.
package packer

import (
	"context"
	"encoding/binary"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/vdostore/internal/physical"
	"github.com/dreamware/vdostore/internal/vdoerrors"
)

// CompressedBlockVersion is the on-page format version stamped into
// every finalized bin's block.
const CompressedBlockVersion uint32 = 1

// compressedBlockHeaderSize is the encoded size, in bytes, of a
// finalized bin's fixed header: a version, a reserved word, and one
// uint16 byte-length per compressed-fragment slot.
const compressedBlockHeaderSize = 4 + 4 + physical.CompressedSlotCount*2

// encodeCompressedBlock lays out a finalized bin's on-disk block: the
// fixed header (version, reserved, one size per slot) followed by each
// request's fragment data back to back in slot order, so slot k begins
// at header + Σ_{i<k} sizes[i]. capacity is the byte budget for the
// concatenated fragment data, matching the Packer's own bin capacity.
func encodeCompressedBlock(fragments [][]byte, capacity int) []byte {
	block := make([]byte, compressedBlockHeaderSize+capacity)
	binary.LittleEndian.PutUint32(block[0:4], CompressedBlockVersion)
	offset := compressedBlockHeaderSize
	for i, frag := range fragments {
		if i >= physical.CompressedSlotCount {
			break
		}
		binary.LittleEndian.PutUint16(block[8+i*2:8+i*2+2], uint16(len(frag)))
		copy(block[offset:offset+len(frag)], frag)
		offset += len(frag)
	}
	return block
}

// DecodeCompressedFragment extracts one slot's fragment from a
// finalized bin's block, using its header's sizes array to locate the
// slot's offset: header + Σ_{i<slot} sizes[i].
func DecodeCompressedFragment(block []byte, slot int) ([]byte, error) {
	if slot < 0 || slot >= physical.CompressedSlotCount {
		return nil, vdoerrors.Wrapf(vdoerrors.ErrInvalidFragment, "packer: slot %d out of range", slot)
	}
	if len(block) < compressedBlockHeaderSize {
		return nil, vdoerrors.Wrapf(vdoerrors.ErrInvalidFragment, "packer: block of %d bytes too small for a compressed-block header", len(block))
	}
	offset := compressedBlockHeaderSize
	for i := 0; i < slot; i++ {
		offset += int(binary.LittleEndian.Uint16(block[8+i*2 : 8+i*2+2]))
	}
	size := int(binary.LittleEndian.Uint16(block[8+slot*2 : 8+slot*2+2]))
	if offset+size > len(block) {
		return nil, vdoerrors.Wrapf(vdoerrors.ErrInvalidFragment, "packer: slot %d bounds [%d,%d) exceed block length %d", slot, offset, offset+size, len(block))
	}
	out := make([]byte, size)
	copy(out, block[offset:offset+size])
	return out, nil
}

// CompressionState is the subset of a request's compression life cycle the
// packer cares about. A request must be Compressing to be offered to
// attempt.
type CompressionState int

const (
	// StateCompressing is the only state attempt accepts: the request's
	// fragment has been produced and is ready to be packed.
	StateCompressing CompressionState = iota
	// StateWriting means the request's slot has been assigned and it is
	// waiting for its bin's agent to finish the physical write.
	StateWriting
	// StateUncompressed means packing was abandoned; the request should
	// proceed as an ordinary full-block write.
	StateUncompressed
)

// Writer is the narrow contract for durably writing a finalized bin's
// block, satisfied by internal/collaborator.IOSubmitter or a test double.
type Writer interface {
	SubmitWrite(ctx context.Context, pbn physical.PBN, data []byte) error
}

// Allocator supplies a fresh physical block for a bin's write-out.
type Allocator interface {
	AllocateBlock(ctx context.Context) (physical.PBN, error)
}

// Request is one caller's compressed fragment waiting to be packed. Data
// must already be sized to fit in the remainder of some bin; the packer
// never splits or re-compresses a fragment.
type Request struct {
	ID    uint64
	Data  []byte
	State CompressionState

	bin  *bin
	slot int
}

// Result is delivered to every request once its bin's write-out
// completes (or packing was abandoned for it).
type Result struct {
	Compressed bool
	PBN        physical.PBN
	Slot       int
}

// CompleteFunc is called exactly once per request, from whatever
// goroutine finishes its bin (or decides not to pack it). Implementations
// should enqueue a continuation rather than do blocking work, per the
// no-preemption zone model.
type CompleteFunc func(req *Request, result Result, err error)

type bin struct {
	freeSpace int
	requests  []*Request
	canceled  bool
}

func newBin(capacity int) *bin {
	return &bin{freeSpace: capacity}
}

func (b *bin) full() bool { return b.freeSpace == 0 }

// Packer packs compressed fragments into physical.BlockSize blocks. All
// exported methods are safe for concurrent use, but in the engine's normal
// configuration only the single packer-zone thread calls them.
type Packer struct {
	mu sync.Mutex

	capacity  int
	allocator Allocator
	writer    Writer
	complete  CompleteFunc

	bins        []*bin // sorted ascending by freeSpace
	canceledBin *bin
}

// New constructs a packer whose bins hold up to capacity bytes of fragment
// data each (ordinarily physical.BlockSize less the compressed-block
// header, so a finalized bin fills exactly one block).
func New(capacity int, allocator Allocator, writer Writer, complete CompleteFunc) *Packer {
	return &Packer{
		capacity:    capacity,
		allocator:   allocator,
		writer:      writer,
		complete:    complete,
		canceledBin: newBin(capacity),
	}
}

// insertSorted inserts b into p.bins keeping ascending freeSpace order.
// Since a single attempt call only ever changes one bin's freeSpace (or
// appends a brand new, maximally-free bin), this is almost always an O(1)
// shift of a handful of neighbors rather than a full re-sort.
func (p *Packer) insertSorted(b *bin) {
	idx, _ := slices.BinarySearchFunc(p.bins, b.freeSpace, func(candidate *bin, freeSpace int) int {
		return candidate.freeSpace - freeSpace
	})
	p.bins = slices.Insert(p.bins, idx, b)
}

func (p *Packer) removeBin(target *bin) {
	if idx := slices.Index(p.bins, target); idx >= 0 {
		p.bins = slices.Delete(p.bins, idx, idx+1)
	}
}

// Attempt offers req to the packer: it asserts req is Compressing, selects
// a bin by first-fit on the sorted free-space list (equivalent to
// best-fit), assigns req a slot in that bin, and writes the bin out if it
// is now full or if no bin has room and writing the fullest bin still
// saves at least req's worth of space. If no bin can take it and nothing
// is written out, Attempt rejects the request so the caller can fall back
// to an uncompressed write.
func (p *Packer) Attempt(ctx context.Context, req *Request) error {
	if req.State != StateCompressing {
		return vdoerrors.Wrapf(vdoerrors.ErrBadConfiguration, "packer: request %d is not Compressing", req.ID)
	}
	size := len(req.Data)
	if size == 0 || size > p.capacity {
		return vdoerrors.Wrapf(vdoerrors.ErrBadConfiguration, "packer: request %d has invalid fragment size %d", req.ID, size)
	}

	p.mu.Lock()
	// First-fit on the ascending-free-space list, skipping any bin that
	// has already filled all fourteen compressed slots even though it
	// still has free byte space.
	idx := -1
	for i, b := range p.bins {
		if b.freeSpace >= size && len(b.requests) < physical.CompressedSlotCount {
			idx = i
			break
		}
	}

	var target *bin
	var toWrite *bin
	switch {
	case idx >= 0:
		target = p.bins[idx]
		p.removeBin(target)
	case len(p.bins) > 0 && p.bins[len(p.bins)-1].freeSpace < size:
		// No bin fits. Writing the fullest (least free-space) bin out
		// saves req's worth of space only if that bin actually holds
		// more than one fragment; a single-fragment bin gains nothing
		// from being forced out early, so let it keep waiting and turn req
		// away instead.
		fullest := p.bins[0]
		if len(fullest.requests) <= 1 || p.capacity-fullest.freeSpace < size {
			req.State = StateUncompressed
			p.mu.Unlock()
			p.complete(req, Result{Compressed: false}, nil)
			return nil
		}
		toWrite = fullest
		p.removeBin(fullest)
		target = newBin(p.capacity)
	default:
		target = newBin(p.capacity)
	}

	req.bin = target
	req.slot = len(target.requests)
	req.State = StateWriting
	target.requests = append(target.requests, req)
	target.freeSpace -= size

	finalize := target.full()
	if finalize {
		toWrite = target
	} else {
		p.insertSorted(target)
	}
	p.mu.Unlock()

	if toWrite != nil {
		return p.writeOut(ctx, toWrite)
	}
	return nil
}

// RemoveLockHolder extracts a canceled request from whatever bin holds it.
// If that bin is not the dedicated canceled-bin, the request is moved into
// the canceled-bin so a subsequent canceling caller can still rendezvous
// with it there.
func (p *Packer) RemoveLockHolder(req *Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	owner := req.bin
	if owner == nil {
		return
	}
	if owner == p.canceledBin {
		owner.canceled = true
		return
	}

	for i, r := range owner.requests {
		if r == req {
			owner.requests = append(owner.requests[:i], owner.requests[i+1:]...)
			break
		}
	}
	owner.freeSpace += len(req.Data)
	if len(owner.requests) == 0 {
		p.removeBin(owner)
	} else {
		p.removeBin(owner)
		p.insertSorted(owner)
	}

	req.bin = p.canceledBin
	req.slot = len(p.canceledBin.requests)
	p.canceledBin.requests = append(p.canceledBin.requests, req)
	p.canceledBin.canceled = true
}

// Flush writes every non-empty bin. It is called by the admin packer
// drain (Pipeline.FlushPacker) and by the pipeline's tryPack; the packer
// keeps no generation of its own.
func (p *Packer) Flush(ctx context.Context) error {
	p.mu.Lock()
	toWrite := p.bins
	p.bins = nil
	p.mu.Unlock()

	for _, b := range toWrite {
		if len(b.requests) == 0 {
			continue
		}
		if err := p.writeOut(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// writeOut finalizes a bin: if it holds only one fragment, packing saved
// no space, so that request proceeds uncompressed instead. Otherwise the
// agent (the bin's first request) writes the assembled block and every
// request, including the agent, is completed with its assigned slot.
func (p *Packer) writeOut(ctx context.Context, b *bin) error {
	if len(b.requests) == 0 {
		return nil
	}
	if len(b.requests) == 1 {
		req := b.requests[0]
		req.State = StateUncompressed
		p.complete(req, Result{Compressed: false}, nil)
		return nil
	}

	fragments := make([][]byte, len(b.requests))
	for i, r := range b.requests {
		fragments[i] = r.Data
	}
	block := encodeCompressedBlock(fragments, p.capacity)

	pbn, err := p.allocator.AllocateBlock(ctx)
	if err != nil {
		err = pkgerrors.Wrapf(err, "packer: allocating block for bin of %d requests", len(b.requests))
		for _, r := range b.requests {
			p.complete(r, Result{}, err)
		}
		return err
	}
	if err := p.writer.SubmitWrite(ctx, pbn, block); err != nil {
		err = pkgerrors.Wrapf(err, "packer: writing bin at pbn %d", pbn)
		for _, r := range b.requests {
			p.complete(r, Result{}, err)
		}
		return err
	}

	for _, r := range b.requests {
		p.complete(r, Result{Compressed: true, PBN: pbn, Slot: r.slot}, nil)
	}
	return nil
}

// BinCount returns the number of open (non-canceled, non-empty) bins,
// for tests and stats readouts.
func (p *Packer) BinCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bins)
}
