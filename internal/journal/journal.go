// Package journal implements the recovery journal: the circular,
// on-disk log of logical-block mapping changes that lets the block map
// and slab reference counts be reconstructed after a crash.
//
// The on-disk block header layout follows hellin-go-ext4/superblock.go's
// fixed-field-with-magic convention; the in-memory tail block and its
// wait queue generalize torua's ShardRegistry locking discipline (map +
// mutex + explicit copy-out) to a block carrying its own waiters.
package journal

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dreamware/vdostore/internal/lockcounter"
	"github.com/dreamware/vdostore/internal/physical"
	"github.com/dreamware/vdostore/internal/vdoerrors"
	"github.com/dreamware/vdostore/internal/waitqueue"
)

// BlockMagic identifies a recovery-journal block on disk.
const BlockMagic uint32 = 0x564F_4A52 // "VOJR"

// blockHeaderSize is the encoded size of BlockHeader.
const blockHeaderSize = 4 + 1 + 8 + 2 // magic + checkByte + sequence + entryCount

// entryWireSize is the encoded size of one Entry: LBN + old mapping (5B)
// + new mapping (5B) + a 1-byte flag for whether this entry also implies
// a ref-count increment.
const entryWireSize = 8 + 5 + 5 + 1

// EntriesPerBlock is the number of entries that fit in one journal block
// after the header.
const EntriesPerBlock = (physical.BlockSize - blockHeaderSize) / entryWireSize

// BlockHeader is the fixed, self-describing prefix of every on-disk
// journal block.
type BlockHeader struct {
	Magic      uint32
	CheckByte  byte                    // distinguishes generations sharing the same block(seq) slot
	Sequence   physical.SequenceNumber // this block's sequence number
	EntryCount uint16
}

// Entry is one recovery-journal entry: a single logical-block mapping
// change, recorded so it can be replayed into the block map (and, via
// IncRef, into slab reference counts) after a crash.
type Entry struct {
	LBN        physical.LBN
	OldMapping physical.MappingEntry
	NewMapping physical.MappingEntry
	IncRef     bool
}

// EncodeBlock packs header and entries into a physical.BlockSize-byte
// block, little-endian, matching hellin-go-ext4's fixed-offset encoding
// style.
func EncodeBlock(header BlockHeader, entries []Entry) ([]byte, error) {
	if len(entries) > EntriesPerBlock {
		return nil, fmt.Errorf("journal: %d entries exceeds %d per block", len(entries), EntriesPerBlock)
	}
	buf := make([]byte, physical.BlockSize)
	binary.LittleEndian.PutUint32(buf[0:4], header.Magic)
	buf[4] = header.CheckByte
	binary.LittleEndian.PutUint64(buf[5:13], uint64(header.Sequence))
	binary.LittleEndian.PutUint16(buf[13:15], uint16(len(entries)))

	off := blockHeaderSize
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(e.LBN))
		old := e.OldMapping.Encode()
		copy(buf[off+8:off+13], old[:])
		next := e.NewMapping.Encode()
		copy(buf[off+13:off+18], next[:])
		if e.IncRef {
			buf[off+18] = 1
		}
		off += entryWireSize
	}
	return buf, nil
}

// DecodeBlock unpacks a journal block, validating the header's magic and
// entry-count bound. A mismatch is reported as ErrCorruptJournal so
// callers (scrub, recovery) can apply the same validation rule
// uniformly.
func DecodeBlock(buf []byte) (BlockHeader, []Entry, error) {
	if len(buf) != physical.BlockSize {
		return BlockHeader{}, nil, fmt.Errorf("journal: block buffer has length %d, want %d", len(buf), physical.BlockSize)
	}
	header := BlockHeader{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		CheckByte:  buf[4],
		Sequence:   physical.SequenceNumber(binary.LittleEndian.Uint64(buf[5:13])),
		EntryCount: binary.LittleEndian.Uint16(buf[13:15]),
	}
	if header.Magic != BlockMagic {
		return header, nil, vdoerrors.Wrapf(vdoerrors.ErrCorruptJournal, "journal: block %d has bad magic %#x", header.Sequence, header.Magic)
	}
	if int(header.EntryCount) > EntriesPerBlock {
		return header, nil, vdoerrors.Wrapf(vdoerrors.ErrCorruptJournal, "journal: block %d claims %d entries, max %d", header.Sequence, header.EntryCount, EntriesPerBlock)
	}

	entries := make([]Entry, header.EntryCount)
	off := blockHeaderSize
	for i := range entries {
		lbn := physical.LBN(binary.LittleEndian.Uint64(buf[off : off+8]))
		var oldRaw, newRaw [5]byte
		copy(oldRaw[:], buf[off+8:off+13])
		copy(newRaw[:], buf[off+13:off+18])
		entries[i] = Entry{
			LBN:        lbn,
			OldMapping: physical.DecodeMappingEntry(oldRaw),
			NewMapping: physical.DecodeMappingEntry(newRaw),
			IncRef:     buf[off+18] != 0,
		}
		off += entryWireSize
	}
	return header, entries, nil
}

// Writer is the narrow contract the journal needs to durably persist a
// committed block, satisfied by internal/collaborator.IOSubmitter (or a
// test double).
type Writer interface {
	SubmitWrite(ctx context.Context, pbn physical.PBN, data []byte) error
	SubmitFlush(ctx context.Context) error
}

// tailBlock is one in-memory block awaiting commit: entries accumulate
// here until it is filled or flushed explicitly.
type tailBlock struct {
	sequence physical.SequenceNumber
	entries  []Entry
	waiters  *waitqueue.Queue
}

// Journal is the recovery journal: S on-disk block slots addressed by
// block(seq) = seq mod S, backed by a single in-memory tail block (there
// is no pool of further tail blocks: the next one is created only when
// the current one commits) and a lock-counter tracking, per block, how
// many zones still hold a reference to it.
type Journal struct {
	mu sync.Mutex

	writer     Writer
	origin     physical.PBN // PBN of journal block slot 0
	slotCount  uint32       // S; must be a power of two
	generation byte         // current check-byte generation, bumped on wraparound

	head   physical.SequenceNumber // oldest block not yet fully reaped
	active physical.SequenceNumber // block currently receiving entries

	tail  *tailBlock
	locks *lockcounter.LockCounter

	reapCompletion *waitqueue.Queue // appenders stalled: on-disk space exhausted

	asyncUnsafe bool // skip the barrier flush between commit and block-map write-back
}

// New constructs a recovery journal of slotCount blocks (must be a power
// of two) starting at origin, backed by writer for durable commits.
func New(writer Writer, origin physical.PBN, slotCount uint32) (*Journal, error) {
	if slotCount == 0 || slotCount&(slotCount-1) != 0 {
		return nil, fmt.Errorf("journal: slot count %d is not a power of two", slotCount)
	}
	j := &Journal{
		writer:         writer,
		origin:         origin,
		slotCount:      slotCount,
		// Sequence numbers start at 1, never 0: physical.JournalPoint
		// relies on 0 being unreachable to use it as the zero-value "no
		// point yet" sentinel in IsValid.
		head:           1,
		active:         1,
		locks:          lockcounter.New(int(slotCount), 1, 1),
		reapCompletion: waitqueue.New(),
	}
	j.tail = &tailBlock{sequence: j.active, waiters: waitqueue.New()}
	j.locks.SetListener(j.onBlockDrained)
	return j, nil
}

// SetAsyncUnsafe controls whether commitTail issues a barrier flush
// after writing a block. Leaving this false is the safe default: a
// crash between write and flush could lose an acknowledged commit.
// Setting it true trades that durability for lower write latency.
func (j *Journal) SetAsyncUnsafe(unsafe bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.asyncUnsafe = unsafe
}

// blockPBN returns the physical block number backing sequence number seq.
func (j *Journal) blockPBN(seq physical.SequenceNumber) physical.PBN {
	return j.origin + physical.PBN(uint64(seq)&uint64(j.slotCount-1))
}

// slotIsStillOccupiedLocked reports whether the on-disk slot seq would
// use is still locked by the generation that occupied it slotCount
// sequence numbers ago. Before the journal has wrapped even once, no
// slot has a prior occupant, so this is always false early in the
// journal's life. Caller holds j.mu.
func (j *Journal) slotIsStillOccupiedLocked(seq physical.SequenceNumber) bool {
	if seq <= physical.SequenceNumber(j.slotCount) {
		return false
	}
	return j.locks.IsLocked(int(seq & physical.SequenceNumber(j.slotCount-1)))
}

// Head returns the oldest active sequence number.
func (j *Journal) Head() physical.SequenceNumber {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head
}

// Active returns the sequence number currently receiving entries.
func (j *Journal) Active() physical.SequenceNumber {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.active
}

// AddEntry appends entry to the active in-memory tail block, acquiring a
// journal-zone lock on its sequence number, and returns the JournalPoint
// it was recorded at. If waitDurable is true, the call blocks until the
// block has committed to disk; otherwise it returns as soon as the entry
// is buffered (the caller accepts eventual, not immediate, durability).
func (j *Journal) AddEntry(ctx context.Context, entry Entry, waitDurable bool) (physical.JournalPoint, error) {
	j.mu.Lock()
	for len(j.tail.entries) == 0 && j.slotIsStillOccupiedLocked(j.tail.sequence) {
		// The slot this new sequence number needs is still held by an
		// older generation's block: the on-disk ring is full. Stall
		// until reaping frees it rather than overwrite a block recovery
		// still needs.
		j.mu.Unlock()
		j.reapCompletion.Enqueue().Wait()
		j.mu.Lock()
	}

	block := j.tail
	point := physical.JournalPoint{Sequence: block.sequence, EntryIndex: uint16(len(block.entries))}
	if len(block.entries) == 0 {
		// One journal-zone reference per sequence number, held from its
		// first entry until the block commits for the last time.
		j.locks.Acquire(int(block.sequence&physical.SequenceNumber(j.slotCount-1)), lockcounter.KindJournal, 0)
	}
	block.entries = append(block.entries, entry)

	full := len(block.entries) >= EntriesPerBlock
	var waiter *waitqueue.Waiter
	if waitDurable {
		waiter = block.waiters.Enqueue()
	}
	j.mu.Unlock()

	if full {
		if err := j.commitTail(ctx); err != nil {
			return point, err
		}
	}
	if waitDurable {
		waiter.Wait()
	}
	return point, nil
}

// Flush commits the current tail block even if it is not yet full.
func (j *Journal) Flush(ctx context.Context) error {
	return j.commitTail(ctx)
}

// commitTail writes the current tail block to disk, advances active/tail
// bookkeeping, and wakes any waiters attached to the committed block.
func (j *Journal) commitTail(ctx context.Context) error {
	j.mu.Lock()
	block := j.tail
	if block == nil || len(block.entries) == 0 {
		j.mu.Unlock()
		return nil
	}
	j.mu.Unlock()

	header := BlockHeader{Magic: BlockMagic, CheckByte: j.generationFor(block.sequence), Sequence: block.sequence, EntryCount: uint16(len(block.entries))}
	data, err := EncodeBlock(header, block.entries)
	if err != nil {
		return err
	}
	if err := j.writer.SubmitWrite(ctx, j.blockPBN(block.sequence), data); err != nil {
		return err
	}
	j.mu.Lock()
	skipFlush := j.asyncUnsafe
	j.mu.Unlock()
	if !skipFlush {
		if err := j.writer.SubmitFlush(ctx); err != nil {
			return err
		}
	}

	j.mu.Lock()
	j.active = block.sequence + 1
	if j.active-j.head >= physical.SequenceNumber(j.slotCount) {
		j.generation++
	}
	j.tail = &tailBlock{sequence: j.active, waiters: waitqueue.New()}
	j.mu.Unlock()

	block.waiters.NotifyAll()
	// The journal-zone lock acquired with the block's first entry is
	// released once the block has committed for the last time; since this engine commits a
	// sequence number exactly once, release it now.
	j.locks.Release(int(block.sequence&physical.SequenceNumber(j.slotCount-1)), lockcounter.KindJournal, 0)
	return nil
}

// generationFor computes the check byte for a sequence number, so that a
// stale block left over from S commits ago can be told apart from the
// current occupant of the same slot.
func (j *Journal) generationFor(seq physical.SequenceNumber) byte {
	return byte(uint64(seq) / uint64(j.slotCount))
}

// AcquireBlockMapReference records that a block-map page update depends
// on sequence seq not being reaped yet (the write hook releases this
// after the page is durable). kind/zoneIndex identify which
// logical or physical zone is holding the reference.
func (j *Journal) AcquireBlockMapReference(seq physical.SequenceNumber, kind lockcounter.Kind, zoneIndex int) {
	j.locks.Acquire(int(seq&physical.SequenceNumber(j.slotCount-1)), kind, zoneIndex)
}

// ReleaseBlockMapReference releases a previously acquired reference.
func (j *Journal) ReleaseBlockMapReference(seq physical.SequenceNumber, kind lockcounter.Kind, zoneIndex int) {
	j.locks.Release(int(seq&physical.SequenceNumber(j.slotCount-1)), kind, zoneIndex)
}

// onBlockDrained is the lock-counter listener: once a block's holding
// count reaches zero, head advances past it (and any other now-empty
// blocks immediately after it), freeing journal space.
func (j *Journal) onBlockDrained(blockIndex int) {
	j.mu.Lock()
	for j.head < j.active {
		idx := int(j.head & physical.SequenceNumber(j.slotCount-1))
		if j.locks.IsLocked(idx) {
			break
		}
		j.head++
	}
	j.mu.Unlock()
	j.reapCompletion.NotifyAll()
}

// WaitForReapCompletion parks the caller until head next advances, for
// an appender stalled because on-disk space is exhausted.
func (j *Journal) WaitForReapCompletion() {
	j.reapCompletion.Enqueue().Wait()
}
