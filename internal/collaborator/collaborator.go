// Package collaborator defines the narrow-contract interfaces for the
// external systems treated as out of scope for the metadata engine
// itself — content hashing, the deduplication index, the compressor, and
// the block device I/O submitter — plus in-memory implementations used by
// tests and by the example CLI.
//
// The interfaces are deliberately small, following torua's
// storage.Store pattern (a minimal interface, a single in-memory
// implementation guarded by a mutex, values copied in and out to prevent
// aliasing bugs).
package collaborator

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/vdostore/internal/physical"
)

// ChunkName is the content-hash identity of a 4 KiB block, as computed by
// whatever hashing scheme sits above this engine. The engine never
// computes or interprets the bytes; it only uses ChunkName as an opaque
// key into the dedupe index.
type ChunkName [32]byte

// Advice is what the dedupe index hands back for a previously seen chunk
// name: the physical block that might hold matching data. It is advisory
// only, and is always re-verified against the real block contents before
// being trusted.
type Advice struct {
	PBN physical.PBN
}

// Hasher is the narrow contract for naming a block's content. Content
// hashing itself is out of scope for the engine; the pipeline only
// ever treats a ChunkName as an opaque dedupe-index key.
type Hasher interface {
	Hash(data []byte) ChunkName
}

// Sha256Hasher is a Hasher backed by crypto/sha256, used by the example
// CLI and by tests that want a real, collision-resistant name rather than
// a canned one.
type Sha256Hasher struct{}

// Hash returns the sha256 digest of data as a ChunkName.
func (Sha256Hasher) Hash(data []byte) ChunkName {
	return ChunkName(sha256.Sum256(data))
}

// ErrNoAdvice is returned by Query when the index has no entry for a name.
var ErrNoAdvice = errors.New("collaborator: no dedupe advice for name")

// DedupeIndex is the narrow contract the request pipeline uses to ask
// "have we seen this data before?" and to record newly written data for
// future lookups. A timeout talking to the index degrades to "no advice",
// never to a request failure.
type DedupeIndex interface {
	// Query returns advice for name, or ErrNoAdvice if the index has
	// none. Any other error should be treated as a timeout: the caller
	// proceeds as if ErrNoAdvice had been returned.
	Query(ctx context.Context, name ChunkName) (Advice, error)
	// Post records that name now resolves to advice, for future
	// queries. It returns whether the index actually recorded it
	// (indexes are permitted to drop posts under load).
	Post(ctx context.Context, name ChunkName, advice Advice) (bool, error)
	// Update revises a previously posted name's advice, e.g. after
	// dedupe determined the old target no longer holds the data.
	Update(ctx context.Context, name ChunkName, advice Advice) error
}

// Compressor is the narrow contract for the LZ-family compressor. It
// returns the compressed bytes and true, or false if the input did not
// compress (the "Incompressible" result); the caller owns deciding how
// to represent that in the data_vio.
type Compressor interface {
	Compress(input []byte) (compressed []byte, ok bool, err error)
	// Decompress reverses Compress, given the original, uncompressed
	// size (recorded by the caller alongside the mapping entry, since a
	// compressed fragment's on-page representation carries no length
	// field of its own).
	Decompress(compressed []byte, originalSize int) (data []byte, err error)
}

// IOSubmitter is the narrow contract for submitting I/O against the
// backing device. Implementations must preserve submission order per
// caller, which the in-memory implementation below achieves trivially
// since it performs I/O synchronously under its own lock.
type IOSubmitter interface {
	SubmitRead(ctx context.Context, pbn physical.PBN) ([]byte, error)
	SubmitWrite(ctx context.Context, pbn physical.PBN, data []byte) error
	SubmitFlush(ctx context.Context) error
}

// MemoryIOSubmitter is an in-memory IOSubmitter backed by a map of blocks,
// used by tests and by the vdoctl example CLI's non-persistent mode. It
// also satisfies pagecache.Backend's method set, so it can back a page
// cache directly without an adapter.
type MemoryIOSubmitter struct {
	mu     sync.RWMutex
	blocks map[physical.PBN][]byte
}

// NewMemoryIOSubmitter returns an empty in-memory backing store. Reads of
// blocks that were never written return a zeroed 4 KiB block, matching a
// freshly formatted device.
func NewMemoryIOSubmitter() *MemoryIOSubmitter {
	return &MemoryIOSubmitter{blocks: make(map[physical.PBN][]byte)}
}

// SubmitRead returns a copy of the stored block, or a zeroed block if pbn
// was never written.
func (m *MemoryIOSubmitter) SubmitRead(ctx context.Context, pbn physical.PBN) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blocks[pbn]
	if !ok {
		return make([]byte, physical.BlockSize), nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// SubmitWrite stores a copy of data at pbn.
func (m *MemoryIOSubmitter) SubmitWrite(ctx context.Context, pbn physical.PBN, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	m.blocks[pbn] = stored
	return nil
}

// SubmitFlush is a no-op: every write above is already durable the moment
// it returns, so there is nothing left to order.
func (m *MemoryIOSubmitter) SubmitFlush(ctx context.Context) error { return nil }

// ReadBlock, WriteBlock and Flush adapt MemoryIOSubmitter to
// pagecache.Backend without importing that package here, keeping
// collaborator a leaf package.
func (m *MemoryIOSubmitter) ReadBlock(ctx context.Context, pbn physical.PBN) ([]byte, error) {
	return m.SubmitRead(ctx, pbn)
}

func (m *MemoryIOSubmitter) WriteBlock(ctx context.Context, pbn physical.PBN, data []byte) error {
	return m.SubmitWrite(ctx, pbn, data)
}

func (m *MemoryIOSubmitter) Flush(ctx context.Context) error { return m.SubmitFlush(ctx) }

// MemoryDedupeIndex is an in-memory DedupeIndex, guarded by a mutex and
// returning copies, in the same style as MemoryIOSubmitter.
type MemoryDedupeIndex struct {
	mu     sync.RWMutex
	byName map[ChunkName]Advice
}

// NewMemoryDedupeIndex returns an empty in-memory dedupe index.
func NewMemoryDedupeIndex() *MemoryDedupeIndex {
	return &MemoryDedupeIndex{byName: make(map[ChunkName]Advice)}
}

func (d *MemoryDedupeIndex) Query(ctx context.Context, name ChunkName) (Advice, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	advice, ok := d.byName[name]
	if !ok {
		return Advice{}, ErrNoAdvice
	}
	return advice, nil
}

func (d *MemoryDedupeIndex) Post(ctx context.Context, name ChunkName, advice Advice) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byName[name] = advice
	return true, nil
}

func (d *MemoryDedupeIndex) Update(ctx context.Context, name ChunkName, advice Advice) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byName[name] = advice
	return nil
}

// FixedRatioCompressor is a deterministic Compressor test double: it
// "compresses" input to roughly len(input)/ratio bytes, or reports
// Incompressible if the result would not be smaller than a configured
// floor. It does not implement any real compression algorithm — the
// compressor itself is out of scope for this engine, which only needs a
// stand-in that behaves consistently.
type FixedRatioCompressor struct {
	Ratio       int
	MinCompress int
}

// Compress implements Compressor by truncating input to its ratio-scaled
// size. Ratio <= 1 or an input too small to benefit reports Incompressible.
func (c FixedRatioCompressor) Compress(input []byte) ([]byte, bool, error) {
	if c.Ratio <= 1 {
		return nil, false, nil
	}
	size := len(input) / c.Ratio
	if size <= 0 || len(input)-size < c.MinCompress {
		return nil, false, nil
	}
	out := make([]byte, size)
	copy(out, input[:size])
	return out, true, nil
}

// Decompress pads compressed back out to originalSize with zero bytes.
// Since Compress above discards the truncated tail, this does not
// reconstruct the original content byte-for-byte; it exists only so
// callers exercising the read path have something to call, consistent
// with this type never claiming to be a real codec.
func (c FixedRatioCompressor) Decompress(compressed []byte, originalSize int) ([]byte, error) {
	if originalSize < len(compressed) {
		return nil, fmt.Errorf("collaborator: originalSize %d smaller than compressed length %d", originalSize, len(compressed))
	}
	out := make([]byte, originalSize)
	copy(out, compressed)
	return out, nil
}
