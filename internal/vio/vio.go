// Package vio implements the request pipeline: the per-request state
// machine (data_vio) that threads a read or write through its stages. A
// write takes the LBN lock, looks up the old mapping in the block map,
// hashes and queries dedupe, then dedupes, packs or allocates, journals
// the change, updates the block map, and releases the old reference.
//
// Each stage is tagged with the AsyncOperation it represents, following
// torua's per-shard statistics/state-field pattern
// (internal/shard/shard.go) generalized from "CRUD on a shard" to
// "multi-stage async operation with a sticky error and an explicit,
// re-enqueueable continuation" — here the continuation is just the next
// line of Go, since this pipeline drives its stages synchronously rather
// than bouncing callbacks across internal/zone threads; a production
// build would enqueue each stage onto its owning zone instead.
package vio

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pkgerrors "github.com/pkg/errors"

	"github.com/dreamware/vdostore/internal/collaborator"
	"github.com/dreamware/vdostore/internal/journal"
	"github.com/dreamware/vdostore/internal/packer"
	"github.com/dreamware/vdostore/internal/physical"
)

// AsyncOperation names one stage of the request pipeline, the closed set
// of stages tracked for tracing.
type AsyncOperation string

const (
	AcknowledgeWrite        AsyncOperation = "AcknowledgeWrite"
	AcquireHashLock         AsyncOperation = "AcquireHashLock"
	AttemptLBNLock          AsyncOperation = "AttemptLBNLock"
	LockDuplicatePBN        AsyncOperation = "LockDuplicatePBN"
	CheckForDuplication     AsyncOperation = "CheckForDuplication"
	Compress                AsyncOperation = "Compress"
	FindBlockMapSlot        AsyncOperation = "FindBlockMapSlot"
	GetMappedBlockForRead   AsyncOperation = "GetMappedBlockForRead"
	GetMappedBlockForDedupe AsyncOperation = "GetMappedBlockForDedupe"
	GetMappedBlockForWrite  AsyncOperation = "GetMappedBlockForWrite"
	Hash                    AsyncOperation = "Hash"
	JournalIncrement        AsyncOperation = "JournalIncrement"
	JournalDecrement        AsyncOperation = "JournalDecrement"
	JournalMappingIncrement AsyncOperation = "JournalMappingIncrement"
	JournalUnmappingDecrement AsyncOperation = "JournalUnmappingDecrement"
	AttemptPacking          AsyncOperation = "AttemptPacking"
	PutMappedBlockForWrite  AsyncOperation = "PutMappedBlockForWrite"
	ReadData                AsyncOperation = "ReadData"
	UpdateDedupeIndex       AsyncOperation = "UpdateDedupeIndex"
	VerifyDuplication       AsyncOperation = "VerifyDuplication"
	WriteData               AsyncOperation = "WriteData"
)

// OperationKind is the kind of I/O a DataVIO represents.
type OperationKind int

const (
	OpRead OperationKind = iota
	OpWrite
	OpReadModifyWrite
	OpDiscard
)

// TraceEvent records one AsyncOperation transition, in the order it
// happened.
type TraceEvent struct {
	Tag AsyncOperation
}

// Trace is a bounded, append-only record of a DataVIO's stage
// transitions, used for debugging. It is a debugging aid rather than a
// hard requirement, so it is disabled by default; construct one and
// attach it to opt in.
type Trace struct {
	mu     sync.Mutex
	events []TraceEvent
	max    int
}

// NewTrace returns a trace that keeps at most the last max events.
func NewTrace(max int) *Trace {
	return &Trace{max: max}
}

func (t *Trace) record(tag AsyncOperation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, TraceEvent{Tag: tag})
	if len(t.events) > t.max {
		t.events = t.events[len(t.events)-t.max:]
	}
}

// Events returns a copy of the recorded events, oldest first.
func (t *Trace) Events() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEvent, len(t.events))
	copy(out, t.events)
	return out
}

// DataVIO is one in-flight logical read or write, carrying everything the
// pipeline's stages need: locks, buffers, mapping state, and the
// journal point it was recorded at.
type DataVIO struct {
	ID     uint64
	Op     OperationKind
	LBN    physical.LBN
	Buffer []byte

	OldMapping physical.MappingEntry
	NewMapping physical.MappingEntry

	PackerRequest *packer.Request
	JournalPoint  physical.JournalPoint
	CurrentTag    AsyncOperation
	Trace         *Trace
}

func (req *DataVIO) mark(tag AsyncOperation) {
	req.CurrentTag = tag
	if req.Trace != nil {
		req.Trace.record(tag)
	}
}

// BlockMap is the narrow contract the pipeline needs from the block-map
// forest: look up a logical block's current mapping, and durably record a
// new one.
type BlockMap interface {
	Lookup(ctx context.Context, lbn physical.LBN) (physical.MappingEntry, error)
	Update(ctx context.Context, lbn physical.LBN, newEntry physical.MappingEntry, journalSeq physical.SequenceNumber) (physical.MappingEntry, error)
}

// Allocator supplies a fresh, provisionally-referenced physical block.
type Allocator interface {
	AllocateBlock(ctx context.Context) (physical.PBN, error)
}

// RefCounts confirms or releases a physical block's reference count.
type RefCounts interface {
	Increment(pbn physical.PBN) (byte, error)
	Decrement(pbn physical.PBN) (byte, error)
}

// JournalWriter durably records a mapping change before the block map and
// reference counts are allowed to reflect it.
type JournalWriter interface {
	AddEntry(ctx context.Context, entry journal.Entry, waitDurable bool) (physical.JournalPoint, error)
}

// Packer is the narrow contract the pipeline needs from the compressed
// block packer.
type Packer interface {
	Attempt(ctx context.Context, req *packer.Request) error
	RemoveLockHolder(req *packer.Request)
	Flush(ctx context.Context) error
}

type packerCompletion struct {
	result packer.Result
	err    error
}

// Pipeline wires every collaborator the request pipeline needs and
// exposes the two operations a consumer of the virtual device issues:
// Read and Write.
type Pipeline struct {
	lbnLocks   *LBNLockTable
	blockMap   BlockMap
	allocator  Allocator
	refCounts  RefCounts
	journal    JournalWriter
	packerZone Packer
	dedupe     collaborator.DedupeIndex
	compressor collaborator.Compressor
	hasher     collaborator.Hasher
	data       collaborator.IOSubmitter

	nextID uint64

	enableTracing bool
	traceDepth    int

	packerWaiters sync.Map // *packer.Request -> chan packerCompletion
}

// Config bundles every collaborator a Pipeline needs. Dedupe, Compressor,
// Hasher and the packer fields may be left nil/zero to run with that
// stage disabled (e.g. a minimal configuration that never dedupes or
// compresses); leaving PackerCapacity at zero disables packing.
type Config struct {
	BlockMap  BlockMap
	Allocator Allocator
	RefCounts RefCounts
	Journal   JournalWriter

	PackerCapacity  int
	PackerAllocator packer.Allocator
	PackerWriter    packer.Writer

	Dedupe        collaborator.DedupeIndex
	Compressor    collaborator.Compressor
	Hasher        collaborator.Hasher
	Data          collaborator.IOSubmitter
	EnableTracing bool
	TraceDepth    int
}

// NewPipeline constructs a request pipeline from cfg. The packer (if
// configured) is owned by the returned Pipeline, which registers itself
// as the packer's completion callback so Write can block on exactly its
// own request's result.
func NewPipeline(cfg Config) *Pipeline {
	depth := cfg.TraceDepth
	if depth <= 0 {
		depth = 71 // bounded depth: at most 71 trace events retained per request
	}
	p := &Pipeline{
		lbnLocks:      NewLBNLockTable(),
		blockMap:      cfg.BlockMap,
		allocator:     cfg.Allocator,
		refCounts:     cfg.RefCounts,
		journal:       cfg.Journal,
		dedupe:        cfg.Dedupe,
		compressor:    cfg.Compressor,
		hasher:        cfg.Hasher,
		data:          cfg.Data,
		enableTracing: cfg.EnableTracing,
		traceDepth:    depth,
	}
	if cfg.PackerCapacity > 0 && cfg.PackerAllocator != nil && cfg.PackerWriter != nil {
		p.packerZone = packer.New(cfg.PackerCapacity, cfg.PackerAllocator, cfg.PackerWriter, p.onPackerComplete)
	}
	return p
}

// FlushPacker forces out every bin currently held by the pipeline's
// packer, or returns nil if this pipeline was configured without one.
// Used by the admin state machine's packer drain phase.
func (p *Pipeline) FlushPacker(ctx context.Context) error {
	if p.packerZone == nil {
		return nil
	}
	return p.packerZone.Flush(ctx)
}

func (p *Pipeline) newDataVIO(op OperationKind, lbn physical.LBN, buffer []byte) *DataVIO {
	id := atomic.AddUint64(&p.nextID, 1)
	var trace *Trace
	if p.enableTracing {
		trace = NewTrace(p.traceDepth)
	}
	return &DataVIO{ID: id, Op: op, LBN: lbn, Buffer: buffer, Trace: trace}
}

// onPackerComplete is the single CompleteFunc handed to the packer: it
// resolves whichever channel Attempt registered for the completed
// request, however long that took.
func (p *Pipeline) onPackerComplete(req *packer.Request, result packer.Result, err error) {
	if v, ok := p.packerWaiters.Load(req); ok {
		v.(chan packerCompletion) <- packerCompletion{result: result, err: err}
		p.packerWaiters.Delete(req)
	}
}

// tryPack offers fragment to the packer on req's behalf and blocks for a
// result. If the bin holding fragment does not fill (and so does not
// write out) during Attempt itself, tryPack forces an explicit Flush
// rather than wait on unrelated future fragments — a simplification of
// the single-call pipeline standing in for a dedicated flusher zone that
// would otherwise batch across concurrently arriving requests.
func (p *Pipeline) tryPack(ctx context.Context, req *DataVIO, fragment []byte) (packer.Result, error) {
	preq := &packer.Request{ID: req.ID, Data: fragment, State: packer.StateCompressing}
	req.PackerRequest = preq
	ch := make(chan packerCompletion, 1)
	p.packerWaiters.Store(preq, ch)

	if err := p.packerZone.Attempt(ctx, preq); err != nil {
		p.packerWaiters.Delete(preq)
		return packer.Result{}, err
	}

	select {
	case c := <-ch:
		return c.result, c.err
	default:
	}

	if err := p.packerZone.Flush(ctx); err != nil {
		p.packerWaiters.Delete(preq)
		return packer.Result{}, err
	}

	select {
	case c := <-ch:
		return c.result, c.err
	default:
		p.packerWaiters.Delete(preq)
		return packer.Result{}, fmt.Errorf("vio: packer request %d did not resolve after flush", req.ID)
	}
}

// Write performs the write path: lock, look up the old mapping, hash and
// query dedupe, allocate-or-dedupe-or-pack, journal, update the block
// map, and release old references.
func (p *Pipeline) Write(ctx context.Context, lbn physical.LBN, data []byte) (*DataVIO, error) {
	if len(data) != physical.BlockSize {
		return nil, fmt.Errorf("vio: write buffer is %d bytes, want %d", len(data), physical.BlockSize)
	}
	req := p.newDataVIO(OpWrite, lbn, data)

	req.mark(AttemptLBNLock)
	p.lbnLocks.Acquire(lbn, req, func(holder *DataVIO) {
		// A write already in flight for this LBN may be sitting in the
		// packer; cancel it out so this waiter is never blocked
		// indefinitely on an unrelated packer bin filling.
		if holder != nil && holder.PackerRequest != nil && p.packerZone != nil {
			p.packerZone.RemoveLockHolder(holder.PackerRequest)
		}
	})
	defer p.lbnLocks.Release(lbn)

	req.mark(FindBlockMapSlot)
	old, err := p.blockMap.Lookup(ctx, lbn)
	if err != nil {
		return req, pkgerrors.Wrapf(err, "vio: looking up lbn %d", lbn)
	}
	req.OldMapping = old

	var name collaborator.ChunkName
	if p.hasher != nil {
		req.mark(Hash)
		name = p.hasher.Hash(data)
	}

	newMapping := physical.UnmappedEntry
	deduped := false
	if p.dedupe != nil {
		req.mark(AcquireHashLock)
		req.mark(CheckForDuplication)
		if advice, derr := p.dedupe.Query(ctx, name); derr == nil {
			req.mark(LockDuplicatePBN)
			req.mark(VerifyDuplication)
			if existing, rerr := p.data.SubmitRead(ctx, advice.PBN); rerr == nil && bytes.Equal(existing, data) {
				if _, ierr := p.refCounts.Increment(advice.PBN); ierr != nil {
					return req, pkgerrors.Wrapf(ierr, "vio: confirming dedupe reference at pbn %d", advice.PBN)
				}
				newMapping, err = physical.NewMappingEntry(advice.PBN, physical.MappingStateUncompressed)
				if err != nil {
					return req, err
				}
				deduped = true
			}
		}
	}

	if !deduped {
		compressed := false
		var fragment []byte
		if p.compressor != nil {
			req.mark(Compress)
			if out, ok, cerr := p.compressor.Compress(data); cerr == nil && ok {
				fragment, compressed = out, true
			}
		}

		if compressed && p.packerZone != nil {
			req.mark(AttemptPacking)
			result, perr := p.tryPack(ctx, req, fragment)
			if perr != nil {
				return req, pkgerrors.Wrapf(perr, "vio: packing lbn %d", lbn)
			}
			if result.Compressed {
				newMapping, err = physical.NewMappingEntry(result.PBN, physical.MappingStateCompressedSlot0+physical.MappingState(result.Slot))
				if err != nil {
					return req, err
				}
				if _, ierr := p.refCounts.Increment(result.PBN); ierr != nil {
					return req, pkgerrors.Wrapf(ierr, "vio: confirming packed reference at pbn %d", result.PBN)
				}
			} else {
				compressed = false
			}
		}

		if !newMapping.IsMapped() {
			req.mark(WriteData)
			pbn, aerr := p.allocator.AllocateBlock(ctx)
			if aerr != nil {
				return req, pkgerrors.Wrapf(aerr, "vio: allocating block for lbn %d", lbn)
			}
			if werr := p.data.SubmitWrite(ctx, pbn, data); werr != nil {
				return req, pkgerrors.Wrapf(werr, "vio: writing data block at pbn %d", pbn)
			}
			newMapping, err = physical.NewMappingEntry(pbn, physical.MappingStateUncompressed)
			if err != nil {
				return req, err
			}
			if _, ierr := p.refCounts.Increment(pbn); ierr != nil {
				return req, pkgerrors.Wrapf(ierr, "vio: confirming reference at pbn %d", pbn)
			}
		}
	}
	req.NewMapping = newMapping

	req.mark(JournalMappingIncrement)
	point, jerr := p.journal.AddEntry(ctx, journal.Entry{LBN: lbn, OldMapping: old, NewMapping: newMapping, IncRef: true}, true)
	if jerr != nil {
		return req, pkgerrors.Wrapf(jerr, "vio: journaling lbn %d", lbn)
	}
	req.JournalPoint = point

	req.mark(PutMappedBlockForWrite)
	if _, err := p.blockMap.Update(ctx, lbn, newMapping, point.Sequence); err != nil {
		return req, pkgerrors.Wrapf(err, "vio: updating block map for lbn %d", lbn)
	}

	if old.IsMapped() {
		req.mark(JournalDecrement)
		if _, derr := p.refCounts.Decrement(old.PBN()); derr != nil {
			return req, pkgerrors.Wrapf(derr, "vio: releasing old mapping for lbn %d", lbn)
		}
	}

	if p.dedupe != nil && !deduped {
		req.mark(UpdateDedupeIndex)
		_, _ = p.dedupe.Post(ctx, name, collaborator.Advice{PBN: newMapping.PBN()})
	}

	req.mark(AcknowledgeWrite)
	return req, nil
}

// Discard unmaps lbn: it journals and applies an unmapping entry without
// touching the hasher, dedupe index, compressor or packer, then releases
// whatever physical block lbn used to reference. The physical block
// itself is left untouched — discarding only removes the logical
// mapping, it does not zero or reclaim the data until refcount reaches
// zero through Decrement.
func (p *Pipeline) Discard(ctx context.Context, lbn physical.LBN) (*DataVIO, error) {
	req := p.newDataVIO(OpDiscard, lbn, nil)

	req.mark(AttemptLBNLock)
	p.lbnLocks.Acquire(lbn, req, func(holder *DataVIO) {
		if holder != nil && holder.PackerRequest != nil && p.packerZone != nil {
			p.packerZone.RemoveLockHolder(holder.PackerRequest)
		}
	})
	defer p.lbnLocks.Release(lbn)

	req.mark(FindBlockMapSlot)
	old, err := p.blockMap.Lookup(ctx, lbn)
	if err != nil {
		return req, pkgerrors.Wrapf(err, "vio: looking up lbn %d", lbn)
	}
	req.OldMapping = old
	req.NewMapping = physical.UnmappedEntry

	if !old.IsMapped() {
		// Already unmapped: nothing to journal or release.
		return req, nil
	}

	req.mark(JournalUnmappingDecrement)
	point, jerr := p.journal.AddEntry(ctx, journal.Entry{LBN: lbn, OldMapping: old, NewMapping: physical.UnmappedEntry, IncRef: false}, true)
	if jerr != nil {
		return req, pkgerrors.Wrapf(jerr, "vio: journaling discard of lbn %d", lbn)
	}
	req.JournalPoint = point

	req.mark(PutMappedBlockForWrite)
	if _, err := p.blockMap.Update(ctx, lbn, physical.UnmappedEntry, point.Sequence); err != nil {
		return req, pkgerrors.Wrapf(err, "vio: updating block map for discard of lbn %d", lbn)
	}

	req.mark(JournalDecrement)
	if _, derr := p.refCounts.Decrement(old.PBN()); derr != nil {
		return req, pkgerrors.Wrapf(derr, "vio: releasing discarded mapping for lbn %d", lbn)
	}

	req.mark(AcknowledgeWrite)
	return req, nil
}

// Read performs the read path: lock (with the read short-circuit
// against an already-allocated in-flight writer), look up the mapping,
// and fetch the data.
func (p *Pipeline) Read(ctx context.Context, lbn physical.LBN) (*DataVIO, []byte, error) {
	req := p.newDataVIO(OpRead, lbn, nil)

	req.mark(AttemptLBNLock)
	var shortCircuit []byte
	p.lbnLocks.Acquire(lbn, req, func(holder *DataVIO) {
		if holder != nil && holder.Op == OpWrite && holder.Buffer != nil {
			shortCircuit = append([]byte(nil), holder.Buffer...)
		}
	})
	if shortCircuit != nil {
		p.lbnLocks.Release(lbn)
		return req, shortCircuit, nil
	}
	defer p.lbnLocks.Release(lbn)

	req.mark(FindBlockMapSlot)
	mapping, err := p.blockMap.Lookup(ctx, lbn)
	if err != nil {
		return req, nil, pkgerrors.Wrapf(err, "vio: looking up lbn %d", lbn)
	}
	req.OldMapping = mapping

	if !mapping.IsMapped() {
		return req, make([]byte, physical.BlockSize), nil
	}

	req.mark(GetMappedBlockForRead)
	raw, rerr := p.data.SubmitRead(ctx, mapping.PBN())
	if rerr != nil {
		return req, nil, pkgerrors.Wrapf(rerr, "vio: reading pbn %d", mapping.PBN())
	}

	if slot, ok := mapping.Slot(); ok {
		req.mark(ReadData)
		fragment, ferr := packer.DecodeCompressedFragment(raw, slot)
		if ferr != nil {
			return req, nil, pkgerrors.Wrapf(ferr, "vio: extracting slot %d from pbn %d", slot, mapping.PBN())
		}
		data, derr := p.compressor.Decompress(fragment, physical.BlockSize)
		if derr != nil {
			return req, nil, pkgerrors.Wrapf(derr, "vio: decompressing pbn %d slot %d", mapping.PBN(), slot)
		}
		return req, data, nil
	}
	return req, raw, nil
}
