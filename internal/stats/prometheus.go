package stats

import "github.com/prometheus/client_golang/prometheus"

// Registry exports a Stats snapshot as Prometheus gauges, following
// miretskiy-rollingstone's cmd/server/prometheus.go pattern: a fixed
// struct of pre-registered gauges plus a single Refresh call that sets
// every one of them from the latest snapshot, generalized from "one
// struct of simulator metrics" to this package's larger statistics
// schema.
type Registry struct {
	stats *Stats

	blocksAllocated prometheus.Gauge
	blocksFree      prometheus.Gauge

	journalEntries   prometheus.Gauge
	journalCommitted prometheus.Gauge
	journalHead      prometheus.Gauge
	journalTail      prometheus.Gauge

	packerFragments prometheus.Gauge
	packerBlocks    prometheus.Gauge
	packerFlushes   prometheus.Gauge
	packerAborted   prometheus.Gauge

	slabJournalEntries prometheus.Gauge
	slabJournalReaped  prometheus.Gauge

	slabsScrubbed    prometheus.Gauge
	slabsUnrecovered prometheus.Gauge

	blocksInUse     prometheus.Gauge
	provisionalRefs prometheus.Gauge

	blockMapHits   prometheus.Gauge
	blockMapMisses prometheus.Gauge
	dirtyPages     prometheus.Gauge

	dedupeQueries  prometheus.Gauge
	dedupeHits     prometheus.Gauge
	dedupeTimeouts prometheus.Gauge

	errors *prometheus.GaugeVec
}

// NewRegistry builds a Registry wired to stats. Call Register to attach
// it to a prometheus.Registerer, and Refresh periodically (or before
// each scrape) to publish the latest values.
func NewRegistry(s *Stats) *Registry {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: "vdo_" + name, Help: help})
	}
	return &Registry{
		stats: s,

		blocksAllocated: gauge("blocks_allocated", "Physical blocks allocated by the slab depot"),
		blocksFree:      gauge("blocks_free", "Physical blocks still free across all slabs"),

		journalEntries:   gauge("journal_entries_added", "Recovery-journal entries appended"),
		journalCommitted: gauge("journal_blocks_committed", "Recovery-journal blocks committed to disk"),
		journalHead:      gauge("journal_head", "Current recovery-journal head sequence number"),
		journalTail:      gauge("journal_tail", "Current recovery-journal tail sequence number"),

		packerFragments: gauge("packer_fragments_written", "Compressed fragments written via the packer"),
		packerBlocks:    gauge("packer_blocks_written", "Physical blocks written by the packer"),
		packerFlushes:   gauge("packer_flushes", "Packer flush operations performed"),
		packerAborted:   gauge("packer_bins_aborted", "Single-fragment bins that fell back to uncompressed"),

		slabJournalEntries: gauge("slab_journal_entries_added", "Slab-journal entries appended"),
		slabJournalReaped:  gauge("slab_journal_blocks_reaped", "Slab-journal blocks reaped"),

		slabsScrubbed:    gauge("slabs_scrubbed", "Slabs rebuilt by the scrubber since startup"),
		slabsUnrecovered: gauge("slabs_unrecovered", "Slabs still awaiting scrubbing"),

		blocksInUse:     gauge("ref_counts_blocks_in_use", "Physical blocks with a non-zero reference count"),
		provisionalRefs: gauge("ref_counts_provisional", "Physical blocks currently holding a provisional reference"),

		blockMapHits:   gauge("block_map_cache_hits", "Block-map page-cache hits"),
		blockMapMisses: gauge("block_map_cache_misses", "Block-map page-cache misses"),
		dirtyPages:     gauge("block_map_dirty_pages", "Block-map pages currently dirty"),

		dedupeQueries:  gauge("dedupe_queries", "Dedupe-index queries issued"),
		dedupeHits:     gauge("dedupe_hits", "Dedupe-index queries returning usable advice"),
		dedupeTimeouts: gauge("dedupe_timeouts", "Dedupe-index queries that timed out"),

		errors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vdo_errors_total",
			Help: "Cumulative count of each error-taxonomy sentinel returned on a live path",
		}, []string{"kind"}),
	}
}

// Register attaches every metric to r so it appears on that registerer's
// scrape output (typically prometheus.DefaultRegisterer).
func (reg *Registry) Register(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		reg.blocksAllocated, reg.blocksFree,
		reg.journalEntries, reg.journalCommitted, reg.journalHead, reg.journalTail,
		reg.packerFragments, reg.packerBlocks, reg.packerFlushes, reg.packerAborted,
		reg.slabJournalEntries, reg.slabJournalReaped,
		reg.slabsScrubbed, reg.slabsUnrecovered,
		reg.blocksInUse, reg.provisionalRefs,
		reg.blockMapHits, reg.blockMapMisses, reg.dirtyPages,
		reg.dedupeQueries, reg.dedupeHits, reg.dedupeTimeouts,
		reg.errors,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Refresh sets every gauge from a fresh Stats snapshot. Safe to call
// concurrently with the stats-owning zones updating their counters;
// each field read is an independent atomic load.
func (reg *Registry) Refresh() {
	snap := reg.stats.Snapshot()

	reg.blocksAllocated.Set(float64(snap.BlockAllocator.BlocksAllocated))
	reg.blocksFree.Set(float64(snap.BlockAllocator.BlocksFree))

	reg.journalEntries.Set(float64(snap.Journal.EntriesAdded))
	reg.journalCommitted.Set(float64(snap.Journal.BlocksCommitted))
	reg.journalHead.Set(float64(snap.Journal.Head))
	reg.journalTail.Set(float64(snap.Journal.Tail))

	reg.packerFragments.Set(float64(snap.Packer.FragmentsWritten))
	reg.packerBlocks.Set(float64(snap.Packer.BlocksWritten))
	reg.packerFlushes.Set(float64(snap.Packer.FlushCount))
	reg.packerAborted.Set(float64(snap.Packer.BinsAborted))

	reg.slabJournalEntries.Set(float64(snap.SlabJournal.EntriesAdded))
	reg.slabJournalReaped.Set(float64(snap.SlabJournal.BlocksReaped))

	reg.slabsScrubbed.Set(float64(snap.SlabSummary.SlabsScrubbed))
	reg.slabsUnrecovered.Set(float64(snap.SlabSummary.SlabsUnrecovered))

	reg.blocksInUse.Set(float64(snap.RefCounts.BlocksInUse))
	reg.provisionalRefs.Set(float64(snap.RefCounts.ProvisionalRefs))

	reg.blockMapHits.Set(float64(snap.BlockMap.CacheHits))
	reg.blockMapMisses.Set(float64(snap.BlockMap.CacheMisses))
	reg.dirtyPages.Set(float64(snap.BlockMap.DirtyPages))

	reg.dedupeQueries.Set(float64(snap.HashLock.DedupeQueries))
	reg.dedupeHits.Set(float64(snap.HashLock.DedupeHits))
	reg.dedupeTimeouts.Set(float64(snap.HashLock.DedupeTimeouts))

	reg.errors.WithLabelValues("no_space").Set(float64(snap.Errors.NoSpace))
	reg.errors.WithLabelValues("out_of_range").Set(float64(snap.Errors.OutOfRange))
	reg.errors.WithLabelValues("bad_page").Set(float64(snap.Errors.BadPage))
	reg.errors.WithLabelValues("bad_mapping").Set(float64(snap.Errors.BadMapping))
	reg.errors.WithLabelValues("invalid_fragment").Set(float64(snap.Errors.InvalidFragment))
	reg.errors.WithLabelValues("corrupt_journal").Set(float64(snap.Errors.CorruptJournal))
	reg.errors.WithLabelValues("read_only").Set(float64(snap.Errors.ReadOnly))
	reg.errors.WithLabelValues("shutting_down").Set(float64(snap.Errors.ShuttingDown))
	reg.errors.WithLabelValues("bad_configuration").Set(float64(snap.Errors.BadConfiguration))
	reg.errors.WithLabelValues("timeout").Set(float64(snap.Errors.Timeout))
	reg.errors.WithLabelValues("io_error").Set(float64(snap.Errors.IoError))
}
