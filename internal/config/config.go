// Package config loads the engine's typed configuration from a YAML
// file and exposes it for flag overrides, following
// talyz-systemd_exporter's kingpin-flag convention
// (systemd/systemd.go's package-level `kingpin.Flag(...).Default(...)`
// declarations), generalized from "flags are the only configuration
// source" to "a YAML file provides defaults, flags may override them."
package config

import (
	"os"
	"strconv"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/vdostore/internal/vdoerrors"
)

// Config is the full set of values needed to construct an engine
// instance: zone counts, on-disk layout dimensions, and packer/tracing
// knobs.
type Config struct {
	// Zone counts: Lg logical zones, Lp physical zones, Lh hash-lock
	// zones. Admin, journal, packer and flusher are always exactly one
	// each and are not configurable.
	LogicalZones  int `yaml:"logical_zones"`
	PhysicalZones int `yaml:"physical_zones"`
	HashLockZones int `yaml:"hash_lock_zones"`

	// On-disk layout.
	JournalSlotCount uint32 `yaml:"journal_slot_count"`
	SlabSize         uint32 `yaml:"slab_size"`
	SlabCount        int    `yaml:"slab_count"`
	BlockMapRoots    int    `yaml:"block_map_roots"`

	// Packer.
	PackerCapacity int `yaml:"packer_capacity"`

	// Block-map page cache: number of resident tree pages.
	BlockMapCacheCapacity int `yaml:"block_map_cache_capacity"`

	// AsyncUnsafe skips the recovery journal's barrier flush between a
	// block commit and the following block-map write-back, trading
	// durability for lower write latency. Never enable this outside a
	// benchmark: a crash in the window it opens can lose an
	// already-acknowledged write.
	AsyncUnsafe bool `yaml:"async_unsafe"`

	// Tracing: omitted from a production build unless telemetry is a
	// hard requirement, so it defaults off.
	EnableTracing bool `yaml:"enable_tracing"`
	TraceDepth    int  `yaml:"trace_depth"`

	// Serving surface (cmd/vdoctl, outside the core engine).
	StatsAddr string `yaml:"stats_addr"`
}

// Default returns the configuration this package falls back to when no
// YAML file or flag supplies a value.
func Default() Config {
	return Config{
		LogicalZones:          1,
		PhysicalZones:         1,
		HashLockZones:         1,
		JournalSlotCount:      256,
		SlabSize:              2048,
		SlabCount:             16,
		BlockMapRoots:         1,
		PackerCapacity:        physicalBlockSizeDefault,
		BlockMapCacheCapacity: 256,
		AsyncUnsafe:           false,
		EnableTracing:         false,
		TraceDepth:            71, // bounded depth: at most 71 events retained per request
		StatsAddr:             ":9100",
	}
}

// physicalBlockSizeDefault is the packer's default byte budget per bin:
// one 4096-byte physical block less the compressed-block header (a
// version, a reserved word and fourteen uint16 slot sizes), so header
// plus fragment data fill exactly the one block a finalized bin is
// written into.
const physicalBlockSizeDefault = 4096 - (4 + 4 + 14*2)

// Load reads a YAML file at path and overlays it onto Default(); a
// field the file omits keeps its default rather than being zeroed.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, vdoerrors.Wrapf(err, "config: reading %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, vdoerrors.Wrapf(err, "config: parsing %s", path)
	}
	return cfg, nil
}

// BindFlags registers one kingpin flag per Config field on app, seeded
// with cfg's current values as defaults and bound to cfg's fields, so
// callers read the final values from cfg after app.Parse /
// kingpin.MustParse. Flags
// follow talyz-systemd_exporter's "collector.foo"-style dotted naming,
// adapted to this engine's own vocabulary.
func BindFlags(app *kingpin.Application, cfg *Config) {
	app.Flag("zones.logical", "Number of logical zones.").Default(strconv.Itoa(cfg.LogicalZones)).IntVar(&cfg.LogicalZones)
	app.Flag("zones.physical", "Number of physical zones.").Default(strconv.Itoa(cfg.PhysicalZones)).IntVar(&cfg.PhysicalZones)
	app.Flag("zones.hash-lock", "Number of hash-lock zones.").Default(strconv.Itoa(cfg.HashLockZones)).IntVar(&cfg.HashLockZones)

	app.Flag("journal.slot-count", "Recovery-journal on-disk slot count (power of two).").Default(strconv.Itoa(int(cfg.JournalSlotCount))).Uint32Var(&cfg.JournalSlotCount)
	app.Flag("slab.size", "Blocks per slab.").Default(strconv.Itoa(int(cfg.SlabSize))).Uint32Var(&cfg.SlabSize)
	app.Flag("slab.count", "Initial slab count.").Default(strconv.Itoa(cfg.SlabCount)).IntVar(&cfg.SlabCount)
	app.Flag("block-map.roots", "Number of block-map forest roots.").Default(strconv.Itoa(cfg.BlockMapRoots)).IntVar(&cfg.BlockMapRoots)

	app.Flag("packer.capacity", "Bytes of free space in a freshly opened packer bin.").Default(strconv.Itoa(cfg.PackerCapacity)).IntVar(&cfg.PackerCapacity)

	app.Flag("block-map.cache-capacity", "Number of block-map tree pages kept resident.").Default(strconv.Itoa(cfg.BlockMapCacheCapacity)).IntVar(&cfg.BlockMapCacheCapacity)

	app.Flag("journal.async-unsafe", "Skip the journal's barrier flush before block-map write-back (unsafe).").BoolVar(&cfg.AsyncUnsafe)

	app.Flag("trace.enable", "Record a bounded per-request trace (off unless telemetry is required).").BoolVar(&cfg.EnableTracing)
	app.Flag("trace.depth", "Maximum trace events retained per request.").Default(strconv.Itoa(cfg.TraceDepth)).IntVar(&cfg.TraceDepth)

	app.Flag("stats.addr", "Listen address for the statistics/admin HTTP surface.").Default(cfg.StatsAddr).StringVar(&cfg.StatsAddr)
}

