// Package vdo wires every collaborator package in this module into a
// single running engine: it picks the on-disk partition layout, builds
// the depot, recovery journal, block-map page cache and forest, the
// scrubber, the request pipeline, and registers each with the admin
// state machine in the fixed drain order the admin package expects.
//
// Grounded on torua's cmd/coordinator/main.go and cmd/node/main.go: a
// single constructor wires every collaborator together and returns one
// object exposing the operations the rest of the program needs,
// generalized here from "one coordinator, one node" to "one metadata
// engine, many internal subsystems."
package vdo

import (
	"context"
	"crypto/rand"
	"encoding/binary"

	"github.com/dreamware/vdostore/internal/admin"
	"github.com/dreamware/vdostore/internal/blockmap"
	"github.com/dreamware/vdostore/internal/collaborator"
	"github.com/dreamware/vdostore/internal/config"
	"github.com/dreamware/vdostore/internal/journal"
	"github.com/dreamware/vdostore/internal/pagecache"
	"github.com/dreamware/vdostore/internal/physical"
	"github.com/dreamware/vdostore/internal/recovery"
	"github.com/dreamware/vdostore/internal/scrubber"
	"github.com/dreamware/vdostore/internal/slab"
	"github.com/dreamware/vdostore/internal/slabjournal"
	"github.com/dreamware/vdostore/internal/stats"
	"github.com/dreamware/vdostore/internal/superblock"
	"github.com/dreamware/vdostore/internal/vdoerrors"
	"github.com/dreamware/vdostore/internal/vio"
	"github.com/dreamware/vdostore/internal/zone"
)

// Engine owns every subsystem of one running virtual device: the
// superblock, the slab depot, the recovery journal, the block-map
// forest and its page cache, the scrubber, the request pipeline, and
// the admin lifecycle state machine that coordinates suspending,
// resuming and growing all of them together.
type Engine struct {
	cfg        config.Config
	superblock superblock.Superblock
	data       collaborator.IOSubmitter

	admin         *admin.Admin
	stats         *stats.Stats
	statsRegistry *stats.Registry

	depot        *slab.Depot
	journal      *journal.Journal
	cache        *pagecache.Cache
	forest       *blockmap.Forest
	slabJournals map[int]*slabjournal.Journal
	scrubber     *scrubber.Scrubber
	pipeline     *vio.Pipeline

	zones   *zone.Map
	zoneIDs []zone.ID
}

// journalBlockOrigin is the fixed PBN where the recovery journal starts,
// immediately after the superblock at PBN 0.
const journalBlockOrigin physical.PBN = 1

// New formats a fresh engine: it generates a new nonce and UUID, lays
// out the journal and slab depot immediately following the superblock
// block, grows the depot to cfg.SlabCount slabs (all of them Rebuilt,
// since a freshly formatted slab has nothing to recover), and persists
// the resulting superblock before returning.
func New(ctx context.Context, cfg config.Config, data collaborator.IOSubmitter, dedupe collaborator.DedupeIndex, compressor collaborator.Compressor, hasher collaborator.Hasher) (*Engine, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, vdoerrors.Wrap(err, "vdo: generating nonce")
	}
	uuid, err := randomUUID()
	if err != nil {
		return nil, vdoerrors.Wrap(err, "vdo: generating uuid")
	}

	sb := superblock.Superblock{
		Nonce: nonce,
		UUID:  uuid,

		JournalOrigin: journalBlockOrigin,
		JournalBlocks: uint64(cfg.JournalSlotCount),
		// Block-map tree pages are allocated lazily from the slab
		// depot's own address space rather than a dedicated region, so
		// there is no fixed origin to record for them; the field is
		// kept for on-disk format compatibility and left at its zero
		// value.
		BlockMapOrigin:    0,
		BlockMapRootCount: uint32(cfg.BlockMapRoots),
		SlabDepotOrigin:   journalBlockOrigin + physical.PBN(cfg.JournalSlotCount),
		SlabSize:          cfg.SlabSize,
		SlabCount:         uint32(cfg.SlabCount),

		JournalHead: 1,
		JournalTail: 1,
	}

	e, err := build(cfg, data, dedupe, compressor, hasher, sb, true)
	if err != nil {
		return nil, err
	}
	if err := e.persistSuperblock(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Load reconstructs an engine from a superblock previously written by
// New, then replays the recovery journal and scrubs every slab the
// depot still marks unrecovered. The zone counts, packer capacity,
// tracing and cache-capacity knobs come from cfg; the on-disk layout
// (slab size/count, block-map root count, journal slot count) comes
// from the persisted superblock, since those dimensions cannot change
// without reformatting.
func Load(ctx context.Context, cfg config.Config, data collaborator.IOSubmitter, dedupe collaborator.DedupeIndex, compressor collaborator.Compressor, hasher collaborator.Hasher) (*Engine, error) {
	raw, err := data.SubmitRead(ctx, 0)
	if err != nil {
		return nil, vdoerrors.Wrap(err, "vdo: reading superblock")
	}
	sb, err := superblock.Decode(raw)
	if err != nil {
		return nil, vdoerrors.Wrap(err, "vdo: decoding superblock")
	}

	effective := cfg
	effective.SlabSize = sb.SlabSize
	effective.SlabCount = int(sb.SlabCount)
	effective.BlockMapRoots = int(sb.BlockMapRootCount)
	effective.JournalSlotCount = uint32(sb.JournalBlocks)

	e, err := build(effective, data, dedupe, compressor, hasher, sb, false)
	if err != nil {
		return nil, err
	}
	if err := e.Recover(ctx); err != nil {
		return nil, err
	}
	if sb.ReadOnly {
		e.admin.EnterReadOnly()
	}
	return e, nil
}

// build assembles every subsystem shared by New and Load. freshFormat
// selects whether newly created slabs start Rebuilt (nothing to
// recover) or Unrecovered (recovery/scrubbing will reconcile them).
func build(cfg config.Config, data collaborator.IOSubmitter, dedupe collaborator.DedupeIndex, compressor collaborator.Compressor, hasher collaborator.Hasher, sb superblock.Superblock, freshFormat bool) (*Engine, error) {
	st := stats.New()
	registry := stats.NewRegistry(st)

	depot := slab.NewDepot(sb.SlabSize, sb.SlabDepotOrigin)
	depot.Grow(int(sb.SlabCount))
	if !freshFormat {
		for _, s := range depot.Slabs() {
			s.SetState(slab.StateUnrecovered)
		}
	}

	jrn, err := journal.New(data, sb.JournalOrigin, cfg.JournalSlotCount)
	if err != nil {
		return nil, vdoerrors.Wrap(err, "vdo: constructing recovery journal")
	}
	jrn.SetAsyncUnsafe(cfg.AsyncUnsafe)
	tracker := journalReferenceTracker{journal: jrn}

	cacheCapacity := cfg.BlockMapCacheCapacity
	if cacheCapacity < 1 {
		cacheCapacity = 1
	}
	nonce := sb.Nonce
	cache := pagecache.New(cacheCapacity, ioBackend{data: data}, pageReadHook(nonce), pageWriteHook(tracker))

	forest := blockmap.NewForest(cache, depot, nonce, cfg.BlockMapRoots)
	forest.SetReferenceTracker(tracker)

	slabJournals := make(map[int]*slabjournal.Journal, depot.SlabCount())
	thresholds := slabjournal.DefaultThresholds(int(sb.SlabSize))
	for _, s := range depot.Slabs() {
		// flushFunc is nil: this engine keeps no separate on-disk
		// slab-journal block format of its own. The recovery journal
		// is already the durable record of every reference-count
		// change; a slab journal here exists only for its in-memory
		// threshold/back-pressure bookkeeping and Apply's idempotent
		// replay, fed by recoveryEntrySource at scrub time.
		slabJournals[s.Number] = slabjournal.New(s.Number, thresholds, nil)
	}

	source := &recoveryEntrySource{
		reader:    data,
		origin:    sb.JournalOrigin,
		slotCount: cfg.JournalSlotCount,
		depot:     depot,
	}
	scr := scrubber.New(depot, source, slabJournals)

	pipeline := vio.NewPipeline(vio.Config{
		BlockMap:        forest,
		Allocator:       depot,
		RefCounts:       depot,
		Journal:         jrn,
		PackerCapacity:  cfg.PackerCapacity,
		PackerAllocator: depot,
		PackerWriter:    data,
		Dedupe:          dedupe,
		Compressor:      compressor,
		Hasher:          hasher,
		Data:            data,
		EnableTracing:   cfg.EnableTracing,
		TraceDepth:      cfg.TraceDepth,
	})

	adm := admin.New()
	adm.Register(&depotComponent{
		depot: depot,
		stats: st,
		onGrow: func(added []*slab.Slab) {
			for _, s := range added {
				slabJournals[s.Number] = slabjournal.New(s.Number, thresholds, nil)
			}
		},
	})
	adm.Register(&journalComponent{journal: jrn})
	adm.Register(&blockMapComponent{cache: cache})
	adm.Register(&logicalZonesComponent{pipeline: pipeline})
	adm.Register(&packerComponent{pipeline: pipeline})
	adm.Register(&flusherComponent{data: data})

	zones, zoneIDs := newZoneMap(cfg)

	return &Engine{
		cfg:           cfg,
		superblock:    sb,
		data:          data,
		admin:         adm,
		stats:         st,
		statsRegistry: registry,
		depot:         depot,
		journal:       jrn,
		cache:         cache,
		forest:        forest,
		slabJournals:  slabJournals,
		scrubber:      scr,
		pipeline:      pipeline,
		zones:         zones,
		zoneIDs:       zoneIDs,
	}, nil
}

// newZoneMap builds the fixed singleton zones (admin, journal, packer,
// flusher) plus cfg's configured count of logical, physical and
// hash-lock zones, returning the map unstarted alongside every ID it
// will need started.
func newZoneMap(cfg config.Config) (*zone.Map, []zone.ID) {
	ids := []zone.ID{
		{Kind: zone.KindAdmin},
		{Kind: zone.KindJournal},
		{Kind: zone.KindPacker},
		{Kind: zone.KindFlusher},
	}
	for i := 0; i < cfg.LogicalZones; i++ {
		ids = append(ids, zone.ID{Kind: zone.KindLogical, Index: i})
	}
	for i := 0; i < cfg.PhysicalZones; i++ {
		ids = append(ids, zone.ID{Kind: zone.KindPhysical, Index: i})
	}
	for i := 0; i < cfg.HashLockZones; i++ {
		ids = append(ids, zone.ID{Kind: zone.KindHashLock, Index: i})
	}
	return zone.NewMap(), ids
}

// pageReadHook returns the page cache ReadHook that reformats a
// never-written block-map page and validates an already-formatted one
// against the engine's nonce.
func pageReadHook(nonce physical.Nonce) pagecache.ReadHook {
	return func(pbn physical.PBN, data []byte) error {
		page, err := blockmap.DecodePage(data)
		if err != nil {
			return err
		}
		if page.IsStructurallyEmpty() {
			copy(data, blockmap.NewEmptyPage(pbn, nonce).Encode())
			return nil
		}
		return page.Validate(pbn, nonce)
	}
}

// pageWriteHook returns the page cache WriteHook that releases the
// journal reference a dirty block-map page was holding, right before
// that page reaches disk.
func pageWriteHook(tracker journalReferenceTracker) pagecache.WriteHook {
	return func(pbn physical.PBN, data []byte) error {
		page, err := blockmap.DecodePage(data)
		if err != nil {
			return err
		}
		if page.Header.RecoveryLock != 0 {
			tracker.Release(page.Header.RecoveryLock)
		}
		return nil
	}
}

// randomNonce returns a cryptographically random Nonce distinguishing
// this format instance from any other that might share the same
// backing device.
func randomNonce() (physical.Nonce, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return physical.Nonce(binary.LittleEndian.Uint64(buf[:])), nil
}

// randomUUID returns a random 16-byte volume identifier. It is not
// RFC-4122 formatted (no version/variant bits are stamped) since nothing
// in this engine parses it as anything but an opaque, compared-for-
// equality identifier.
func randomUUID() ([superblock.UUIDSize]byte, error) {
	var uuid [superblock.UUIDSize]byte
	_, err := rand.Read(uuid[:])
	return uuid, err
}

// persistSuperblock writes e.superblock to its fixed block 0.
func (e *Engine) persistSuperblock(ctx context.Context) error {
	block := make([]byte, physical.BlockSize)
	copy(block, superblock.Encode(e.superblock))
	return e.data.SubmitWrite(ctx, 0, block)
}

// Start launches every configured zone's goroutine. It must be called
// before Write or Read, which assume the engine's zones are running
// even though the pipeline itself still drives each request's stages
// synchronously to completion on the caller's own goroutine.
func (e *Engine) Start(ctx context.Context) {
	for _, id := range e.zoneIDs {
		e.zones.Start(ctx, id)
	}
}

// Recover replays the recovery journal into the block map and slab
// reference counts, then scrubs every slab the depot still marks as
// requiring recovery.
func (e *Engine) Recover(ctx context.Context) error {
	return recovery.Recover(ctx, recovery.Config{
		JournalReader:    e.data,
		JournalOrigin:    e.superblock.JournalOrigin,
		JournalSlotCount: e.cfg.JournalSlotCount,
		BlockMap:         e.forest,
		RefCounts:        e.depot,
		Scrubber:         e.scrubber,
		Stats:            e.stats,
	})
}

// Write performs a logical write, refusing it up front if the admin
// state machine has latched read-only or is not currently accepting
// work.
func (e *Engine) Write(ctx context.Context, lbn physical.LBN, data []byte) (*vio.DataVIO, error) {
	if err := e.admin.CheckWrite(); err != nil {
		e.countError(err)
		return nil, err
	}
	req, err := e.pipeline.Write(ctx, lbn, data)
	e.countError(err)
	return req, err
}

// Read performs a logical read, refusing it if the admin state machine
// is not currently accepting work (read-only mode does not block reads).
func (e *Engine) Read(ctx context.Context, lbn physical.LBN) (*vio.DataVIO, []byte, error) {
	if err := e.admin.AcceptingWork(); err != nil {
		e.countError(err)
		return nil, nil, err
	}
	req, data, err := e.pipeline.Read(ctx, lbn)
	e.countError(err)
	return req, data, err
}

// Discard unmaps a logical block, subject to the same write-gating as
// Write.
func (e *Engine) Discard(ctx context.Context, lbn physical.LBN) (*vio.DataVIO, error) {
	if err := e.admin.CheckWrite(); err != nil {
		e.countError(err)
		return nil, err
	}
	req, err := e.pipeline.Discard(ctx, lbn)
	e.countError(err)
	return req, err
}

// countError increments the matching taxonomy counter in Stats for a
// non-nil, recognized sentinel; an unrecognized error (a raw I/O
// failure from the backend, not one of the taxonomy's own sentinels) is
// counted as IoError.
func (e *Engine) countError(err error) {
	if err == nil {
		return
	}
	switch {
	case vdoerrors.Is(err, vdoerrors.ErrNoSpace):
		e.stats.CountError(&e.stats.Errors.NoSpace)
	case vdoerrors.Is(err, vdoerrors.ErrOutOfRange):
		e.stats.CountError(&e.stats.Errors.OutOfRange)
	case vdoerrors.Is(err, vdoerrors.ErrBadPage):
		e.stats.CountError(&e.stats.Errors.BadPage)
	case vdoerrors.Is(err, vdoerrors.ErrBadMapping):
		e.stats.CountError(&e.stats.Errors.BadMapping)
	case vdoerrors.Is(err, vdoerrors.ErrInvalidFragment):
		e.stats.CountError(&e.stats.Errors.InvalidFragment)
	case vdoerrors.Is(err, vdoerrors.ErrCorruptJournal):
		e.stats.CountError(&e.stats.Errors.CorruptJournal)
	case vdoerrors.Is(err, vdoerrors.ErrReadOnly):
		e.stats.CountError(&e.stats.Errors.ReadOnly)
	case vdoerrors.Is(err, vdoerrors.ErrShuttingDown):
		e.stats.CountError(&e.stats.Errors.ShuttingDown)
	case vdoerrors.Is(err, vdoerrors.ErrBadConfiguration):
		e.stats.CountError(&e.stats.Errors.BadConfiguration)
	case vdoerrors.Is(err, vdoerrors.ErrTimeout):
		e.stats.CountError(&e.stats.Errors.Timeout)
	default:
		e.stats.CountError(&e.stats.Errors.IoError)
	}
}

// Suspend drains every subsystem in the fixed admin phase order,
// refusing new work for the duration.
func (e *Engine) Suspend(ctx context.Context) error {
	return e.admin.Suspend(ctx)
}

// Resume reverses Suspend, restoring normal operation.
func (e *Engine) Resume(ctx context.Context) error {
	return e.admin.Resume(ctx)
}

// Grow suspends the engine, appends newSlabCount fresh slabs to the
// depot, wires a slab journal for each one, and resumes.
func (e *Engine) Grow(ctx context.Context, newSlabCount int) error {
	return e.admin.Grow(ctx, newSlabCount)
}

// EnterReadOnly latches the engine into read-only mode. This is a
// manually invoked operational hook rather than something triggered
// automatically by an I/O failure: no subsystem in this engine
// implements admin.ReadOnlyListener to call it on its own, so an
// operator (or a supervising process watching for repeated I/O errors)
// decides when the device has become unreliable enough to stop
// accepting writes.
func (e *Engine) EnterReadOnly() {
	e.admin.EnterReadOnly()
}

// Stats returns the engine's live statistics counters.
func (e *Engine) Stats() *stats.Stats { return e.stats }

// StatsRegistry returns the Prometheus registry wrapping Stats, for a
// caller (cmd/vdoctl) to attach to an HTTP scrape endpoint.
func (e *Engine) StatsRegistry() *stats.Registry { return e.statsRegistry }

// Admin returns the engine's lifecycle state machine, for a caller that
// needs State/ReadOnly/DrainKind beyond the Suspend/Resume/Grow
// convenience methods above.
func (e *Engine) Admin() *admin.Admin { return e.admin }

// Superblock returns a copy of the engine's current superblock.
func (e *Engine) Superblock() superblock.Superblock { return e.superblock }

// Close stops every running zone goroutine. It does not flush or drain
// anything; callers that want a clean shutdown should Suspend first.
func (e *Engine) Close() {
	e.zones.StopAll()
}
