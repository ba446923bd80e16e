package vdo

import (
	"context"

	"github.com/dreamware/vdostore/internal/admin"
	"github.com/dreamware/vdostore/internal/collaborator"
	"github.com/dreamware/vdostore/internal/journal"
	"github.com/dreamware/vdostore/internal/pagecache"
	"github.com/dreamware/vdostore/internal/slab"
	"github.com/dreamware/vdostore/internal/stats"
	"github.com/dreamware/vdostore/internal/vio"
)

// depotComponent registers the slab depot under admin.Depot. Slab
// reference counts live only in memory, reconstructed by the scrubber
// from the recovery journal after a crash, so there is no durable state
// of the depot's own to flush on drain; it also implements admin.Grower
// so Admin.Grow can extend the depot while the system is suspended.
type depotComponent struct {
	depot  *slab.Depot
	stats  *stats.Stats
	onGrow func(added []*slab.Slab)
}

func (c *depotComponent) Kind() admin.ComponentKind { return admin.Depot }

func (c *depotComponent) InitiateDrain(ctx context.Context) error  { return nil }
func (c *depotComponent) InitiateResume(ctx context.Context) error { return nil }

// Grow appends newSlabCount fresh slabs to the depot and, if the engine
// registered a callback, lets it wire each new slab into the scrubber's
// per-slab journal map before the system resumes.
func (c *depotComponent) Grow(ctx context.Context, newSlabCount int) error {
	added := c.depot.Grow(newSlabCount)
	if c.stats != nil {
		var free int64
		for _, s := range c.depot.Slabs() {
			free += int64(s.FreeBlockCount())
		}
		c.stats.SetBlocksFree(free)
	}
	if c.onGrow != nil {
		c.onGrow(added)
	}
	return nil
}

// journalComponent registers the recovery journal under admin.Journal.
// Draining it means forcing out whatever partial tail block is still
// buffered so every acknowledged write is durable before the system
// suspends.
type journalComponent struct {
	journal *journal.Journal
}

func (c *journalComponent) Kind() admin.ComponentKind { return admin.Journal }

func (c *journalComponent) InitiateDrain(ctx context.Context) error {
	return c.journal.Flush(ctx)
}

func (c *journalComponent) InitiateResume(ctx context.Context) error { return nil }

// blockMapComponent registers the block map's page cache under
// admin.BlockMap. Draining it writes back every dirty tree page and
// waits for any load or write-back already in flight to settle.
type blockMapComponent struct {
	cache *pagecache.Cache
}

func (c *blockMapComponent) Kind() admin.ComponentKind { return admin.BlockMap }

func (c *blockMapComponent) InitiateDrain(ctx context.Context) error {
	return c.cache.Drain(ctx)
}

func (c *blockMapComponent) InitiateResume(ctx context.Context) error { return nil }

// logicalZonesComponent registers the request pipeline under
// admin.LogicalZones. The pipeline drives Read and Write synchronously
// to completion rather than bouncing continuations across goroutines, so
// by the time a caller's Write or Read has returned there is nothing of
// that request left to drain; InitiateDrain is a deliberate no-op.
type logicalZonesComponent struct {
	pipeline *vio.Pipeline
}

func (c *logicalZonesComponent) Kind() admin.ComponentKind { return admin.LogicalZones }

func (c *logicalZonesComponent) InitiateDrain(ctx context.Context) error  { return nil }
func (c *logicalZonesComponent) InitiateResume(ctx context.Context) error { return nil }

// packerComponent registers the pipeline's packer under admin.Packer.
// Draining it forces out every partially filled bin so no compressed
// fragment is left unwritten across a suspend.
type packerComponent struct {
	pipeline *vio.Pipeline
}

func (c *packerComponent) Kind() admin.ComponentKind { return admin.Packer }

func (c *packerComponent) InitiateDrain(ctx context.Context) error {
	return c.pipeline.FlushPacker(ctx)
}

func (c *packerComponent) InitiateResume(ctx context.Context) error { return nil }

// flusherComponent registers the backing device's write barrier under
// admin.Flusher, the last phase of every drain: by the time it runs,
// the journal, block map and packer have already written everything
// they hold, so one final flush is enough to make it all durable.
type flusherComponent struct {
	data collaborator.IOSubmitter
}

func (c *flusherComponent) Kind() admin.ComponentKind { return admin.Flusher }

func (c *flusherComponent) InitiateDrain(ctx context.Context) error {
	return c.data.SubmitFlush(ctx)
}

func (c *flusherComponent) InitiateResume(ctx context.Context) error { return nil }
