// Package stats holds the engine's statistics schema: plain integer
// counters owned by the zone that updates them and read with an
// atomic load from anywhere else, plus atomic error counters for the
// taxonomy in internal/vdoerrors. A Registry (prometheus.go)
// exports a snapshot as Prometheus gauges.
package stats

import (
	"sync/atomic"

	"github.com/dreamware/vdostore/internal/physical"
)

// BlockAllocator covers the slab depot's view of free space.
type BlockAllocator struct {
	BlocksAllocated int64
	BlocksFree      int64
}

// Journal covers recovery-journal throughput and its current window.
type Journal struct {
	EntriesAdded     int64
	BlocksCommitted  int64
	Head             int64 // physical.SequenceNumber, stored as int64 for atomic ops
	Tail             int64
}

// Packer covers compressed-fragment bin-packing activity.
type Packer struct {
	FragmentsWritten int64
	BlocksWritten    int64
	FlushCount       int64
	BinsAborted      int64 // single-fragment bins that fell back to uncompressed
}

// SlabJournal covers per-slab journal entry traffic and reaping.
type SlabJournal struct {
	EntriesAdded int64
	BlocksReaped int64
}

// SlabSummary covers the depot-wide scrubbing progress.
type SlabSummary struct {
	SlabsScrubbed   int64
	SlabsUnrecovered int64
}

// RefCounts covers the live reference-count population.
type RefCounts struct {
	BlocksInUse        int64
	ProvisionalRefs int64
}

// BlockMap covers the forest page cache.
type BlockMap struct {
	CacheHits   int64
	CacheMisses int64
	DirtyPages  int64
}

// HashLock covers dedupe-index traffic.
type HashLock struct {
	DedupeQueries int64
	DedupeHits    int64
	DedupeTimeouts int64
}

// Errors is one atomic counter per sentinel in internal/vdoerrors,
// incremented wherever that sentinel is returned on a live request path.
type Errors struct {
	NoSpace           int64
	OutOfRange        int64
	BadPage           int64
	BadMapping        int64
	InvalidFragment   int64
	CorruptJournal    int64
	ReadOnly          int64
	ShuttingDown      int64
	BadConfiguration  int64
	Timeout           int64
	IoError           int64
}

// Stats is the full statistics readout: block-allocator,
// journal, packer, slab-journal, slab-summary, ref-counts, block-map,
// hash-lock, and error counters. All fields are updated exclusively
// through the Add*/Set* methods below, which use sync/atomic throughout
// so a concurrent Snapshot never observes a torn value.
type Stats struct {
	BlockAllocator BlockAllocator
	Journal        Journal
	Packer         Packer
	SlabJournal    SlabJournal
	SlabSummary    SlabSummary
	RefCounts      RefCounts
	BlockMap       BlockMap
	HashLock       HashLock
	Errors         Errors
}

// New returns a zeroed Stats ready for use.
func New() *Stats { return &Stats{} }

// AddBlocksAllocated records newly allocated blocks, and SetBlocksFree
// publishes the depot's current free count (a gauge, not a running total,
// since slabs are both consumed and reaped).
func (s *Stats) AddBlocksAllocated(n int64) { atomic.AddInt64(&s.BlockAllocator.BlocksAllocated, n) }
func (s *Stats) SetBlocksFree(n int64)      { atomic.StoreInt64(&s.BlockAllocator.BlocksFree, n) }

func (s *Stats) AddJournalEntry()                     { atomic.AddInt64(&s.Journal.EntriesAdded, 1) }
func (s *Stats) AddJournalBlockCommitted()            { atomic.AddInt64(&s.Journal.BlocksCommitted, 1) }
func (s *Stats) SetJournalWindow(head, tail physical.SequenceNumber) {
	atomic.StoreInt64(&s.Journal.Head, int64(head))
	atomic.StoreInt64(&s.Journal.Tail, int64(tail))
}

func (s *Stats) AddPackerFragmentWritten() { atomic.AddInt64(&s.Packer.FragmentsWritten, 1) }
func (s *Stats) AddPackerBlockWritten()    { atomic.AddInt64(&s.Packer.BlocksWritten, 1) }
func (s *Stats) AddPackerFlush()           { atomic.AddInt64(&s.Packer.FlushCount, 1) }
func (s *Stats) AddPackerBinAborted()      { atomic.AddInt64(&s.Packer.BinsAborted, 1) }

func (s *Stats) AddSlabJournalEntry()  { atomic.AddInt64(&s.SlabJournal.EntriesAdded, 1) }
func (s *Stats) AddSlabJournalReaped() { atomic.AddInt64(&s.SlabJournal.BlocksReaped, 1) }

func (s *Stats) AddSlabScrubbed()        { atomic.AddInt64(&s.SlabSummary.SlabsScrubbed, 1) }
func (s *Stats) SetSlabsUnrecovered(n int64) { atomic.StoreInt64(&s.SlabSummary.SlabsUnrecovered, n) }

func (s *Stats) SetBlocksInUse(n int64)      { atomic.StoreInt64(&s.RefCounts.BlocksInUse, n) }
func (s *Stats) SetProvisionalRefs(n int64) { atomic.StoreInt64(&s.RefCounts.ProvisionalRefs, n) }

func (s *Stats) AddBlockMapCacheHit()  { atomic.AddInt64(&s.BlockMap.CacheHits, 1) }
func (s *Stats) AddBlockMapCacheMiss() { atomic.AddInt64(&s.BlockMap.CacheMisses, 1) }
func (s *Stats) SetDirtyPages(n int64) { atomic.StoreInt64(&s.BlockMap.DirtyPages, n) }

func (s *Stats) AddDedupeQuery()   { atomic.AddInt64(&s.HashLock.DedupeQueries, 1) }
func (s *Stats) AddDedupeHit()     { atomic.AddInt64(&s.HashLock.DedupeHits, 1) }
func (s *Stats) AddDedupeTimeout() { atomic.AddInt64(&s.HashLock.DedupeTimeouts, 1) }

// CountError increments the counter matching err's sentinel from
// internal/vdoerrors, identified by the caller rather than by
// errors.Is-ing every sentinel here, since the mapping from sentinel to
// field is exactly the taxonomy's closed set.
func (s *Stats) CountError(field *int64) { atomic.AddInt64(field, 1) }

// Snapshot is a point-in-time, non-atomic copy of Stats safe to read
// field-by-field (e.g. to render or export) without further locking.
type Snapshot Stats

// Snapshot atomically loads every field of s into a plain copy.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		BlockAllocator: BlockAllocator{
			BlocksAllocated: atomic.LoadInt64(&s.BlockAllocator.BlocksAllocated),
			BlocksFree:      atomic.LoadInt64(&s.BlockAllocator.BlocksFree),
		},
		Journal: Journal{
			EntriesAdded:    atomic.LoadInt64(&s.Journal.EntriesAdded),
			BlocksCommitted: atomic.LoadInt64(&s.Journal.BlocksCommitted),
			Head:            atomic.LoadInt64(&s.Journal.Head),
			Tail:            atomic.LoadInt64(&s.Journal.Tail),
		},
		Packer: Packer{
			FragmentsWritten: atomic.LoadInt64(&s.Packer.FragmentsWritten),
			BlocksWritten:    atomic.LoadInt64(&s.Packer.BlocksWritten),
			FlushCount:       atomic.LoadInt64(&s.Packer.FlushCount),
			BinsAborted:      atomic.LoadInt64(&s.Packer.BinsAborted),
		},
		SlabJournal: SlabJournal{
			EntriesAdded: atomic.LoadInt64(&s.SlabJournal.EntriesAdded),
			BlocksReaped: atomic.LoadInt64(&s.SlabJournal.BlocksReaped),
		},
		SlabSummary: SlabSummary{
			SlabsScrubbed:    atomic.LoadInt64(&s.SlabSummary.SlabsScrubbed),
			SlabsUnrecovered: atomic.LoadInt64(&s.SlabSummary.SlabsUnrecovered),
		},
		RefCounts: RefCounts{
			BlocksInUse:     atomic.LoadInt64(&s.RefCounts.BlocksInUse),
			ProvisionalRefs: atomic.LoadInt64(&s.RefCounts.ProvisionalRefs),
		},
		BlockMap: BlockMap{
			CacheHits:   atomic.LoadInt64(&s.BlockMap.CacheHits),
			CacheMisses: atomic.LoadInt64(&s.BlockMap.CacheMisses),
			DirtyPages:  atomic.LoadInt64(&s.BlockMap.DirtyPages),
		},
		HashLock: HashLock{
			DedupeQueries:  atomic.LoadInt64(&s.HashLock.DedupeQueries),
			DedupeHits:     atomic.LoadInt64(&s.HashLock.DedupeHits),
			DedupeTimeouts: atomic.LoadInt64(&s.HashLock.DedupeTimeouts),
		},
		Errors: Errors{
			NoSpace:          atomic.LoadInt64(&s.Errors.NoSpace),
			OutOfRange:       atomic.LoadInt64(&s.Errors.OutOfRange),
			BadPage:          atomic.LoadInt64(&s.Errors.BadPage),
			BadMapping:       atomic.LoadInt64(&s.Errors.BadMapping),
			InvalidFragment:  atomic.LoadInt64(&s.Errors.InvalidFragment),
			CorruptJournal:   atomic.LoadInt64(&s.Errors.CorruptJournal),
			ReadOnly:         atomic.LoadInt64(&s.Errors.ReadOnly),
			ShuttingDown:     atomic.LoadInt64(&s.Errors.ShuttingDown),
			BadConfiguration: atomic.LoadInt64(&s.Errors.BadConfiguration),
			Timeout:          atomic.LoadInt64(&s.Errors.Timeout),
			IoError:          atomic.LoadInt64(&s.Errors.IoError),
		},
	}
}
