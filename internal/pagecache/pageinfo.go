// Package pagecache implements the block-map tree page cache: a
// fixed-capacity, PBN-keyed cache with read/write hooks, LRU-with-
// busy-exclusion eviction, and at most one concurrent load per PBN.
//
// The cache itself knows nothing about block-map semantics; it is handed a
// Backend to do raw block I/O and two hooks (ReadHook, WriteHook) that let
// the block-map package validate pages on load and stamp them
// "initialized" plus release journal locks before write-back. This
// mirrors torua's ShardRegistry /
// MemoryStore pattern (a mutex-guarded map with copy-out accessors),
// generalized to add the busy/eviction/state-machine behavior a page cache
// needs that a plain key-value map does not.
package pagecache

import (
	"container/list"

	"github.com/dreamware/vdostore/internal/physical"
	"github.com/dreamware/vdostore/internal/waitqueue"
)

// State is the lifecycle state of a cached page.
type State int

const (
	// StateFree means the slot holds no page.
	StateFree State = iota
	// StateIncoming means a load from the backend is in flight.
	StateIncoming
	// StateOutgoing means a write-back to the backend is in flight.
	StateOutgoing
	// StateResident means the page is loaded and clean.
	StateResident
	// StateDirty means the page has been modified since it was last
	// written back.
	StateDirty
	// StateFailed means the last load or write-back failed; the entry
	// must not be handed out again until explicitly reset.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateIncoming:
		return "incoming"
	case StateOutgoing:
		return "outgoing"
	case StateResident:
		return "resident"
	case StateDirty:
		return "dirty"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PageInfo is one cache slot: the owning PBN, its data, its state, a busy
// count of in-progress operations pinning it, a FIFO of requesters waiting
// on the in-flight load or write, and an opaque per-page client context —
// for the block map, the earliest recovery-journal sequence number that
// must not be reaped until this page is durably written back.
type PageInfo struct {
	PBN     physical.PBN
	Data    []byte
	State   State
	busy    int
	waiters *waitqueue.Queue
	elem    *list.Element // position in the cache's LRU list
	Context interface{}
}

func newPageInfo() *PageInfo {
	return &PageInfo{
		State:   StateFree,
		waiters: waitqueue.New(),
	}
}

// Busy reports whether any operation currently holds a pin on this page.
func (p *PageInfo) Busy() bool { return p.busy > 0 }
