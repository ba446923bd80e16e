package pagecache

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/dreamware/vdostore/internal/physical"
)

// Backend performs raw block I/O on behalf of the cache. It is satisfied
// by the I/O submitter collaborator; tests use an in-memory
// implementation.
type Backend interface {
	ReadBlock(ctx context.Context, pbn physical.PBN) ([]byte, error)
	WriteBlock(ctx context.Context, pbn physical.PBN, data []byte) error
	// Flush issues a barrier ordering all prior writes before any
	// subsequent one, per the device contract.
	Flush(ctx context.Context) error
}

// ReadHook is called after a page is loaded from the backend and before it
// is handed to any waiter. It may rewrite data in place (e.g. reformat a
// structurally empty page) and returns an error to fail the load: a hard
// mismatch fails the request with BadPage.
type ReadHook func(pbn physical.PBN, data []byte) error

// WriteHook is called on a dirty page immediately before it is written
// back, so the owner can stamp metadata (e.g. mark the page initialized)
// and release any journal-block reference it was holding.
type WriteHook func(pbn physical.PBN, data []byte) error

// Cache is a fixed-capacity, PBN-keyed page cache with LRU-with-busy-
// exclusion eviction and at most one concurrent load per PBN.
type Cache struct {
	mu        sync.Mutex
	backend   Backend
	readHook  ReadHook
	writeHook WriteHook
	capacity  int

	byPBN map[physical.PBN]*PageInfo
	lru   *list.List // front = most recently used, back = least recently used
}

// New returns a cache of the given capacity (number of resident pages)
// backed by backend. readHook and writeHook may be nil.
func New(capacity int, backend Backend, readHook ReadHook, writeHook WriteHook) *Cache {
	if capacity < 1 {
		panic("pagecache: capacity must be at least 1")
	}
	return &Cache{
		backend:   backend,
		readHook:  readHook,
		writeHook: writeHook,
		capacity:  capacity,
		byPBN:     make(map[physical.PBN]*PageInfo),
		lru:       list.New(),
	}
}

// Get fetches the page for pbn, loading it from the backend if it is not
// resident, and pins it (Busy() is true) until Release is called. Multiple
// concurrent Get calls for the same PBN share a single load; later callers
// block until the first completes.
func (c *Cache) Get(ctx context.Context, pbn physical.PBN) (*PageInfo, error) {
	for {
		c.mu.Lock()
		page, present := c.byPBN[pbn]
		if present {
			switch page.State {
			case StateIncoming, StateOutgoing:
				waiter := page.waiters.Enqueue()
				c.mu.Unlock()
				waiter.Wait()
				continue
			case StateFailed:
				c.mu.Unlock()
				return nil, fmt.Errorf("pagecache: page %d is in failed state", pbn)
			default:
				c.pin(page)
				c.mu.Unlock()
				return page, nil
			}
		}

		page = c.allocateSlotLocked(pbn)
		page.State = StateIncoming
		c.pin(page)
		c.mu.Unlock()

		data, err := c.backend.ReadBlock(ctx, pbn)
		if err == nil && c.readHook != nil {
			err = c.readHook(pbn, data)
		}

		c.mu.Lock()
		if err != nil {
			page.State = StateFailed
			waiters := page.waiters
			c.unpinLocked(page)
			c.mu.Unlock()
			waiters.NotifyAll()
			return nil, err
		}
		page.Data = data
		page.State = StateResident
		waiters := page.waiters
		c.mu.Unlock()
		waiters.NotifyAll()
		return page, nil
	}
}

// allocateSlotLocked finds room for a new page, evicting the LRU
// non-busy entry if the cache is at capacity. Caller holds c.mu.
func (c *Cache) allocateSlotLocked(pbn physical.PBN) *PageInfo {
	if len(c.byPBN) >= c.capacity {
		c.evictOneLocked()
	}
	page := newPageInfo()
	page.PBN = pbn
	page.elem = c.lru.PushFront(page)
	c.byPBN[pbn] = page
	return page
}

// evictOneLocked removes the least-recently-used non-busy entry. If that
// entry is dirty, it is written back synchronously before being evicted;
// the caller already holds c.mu, which is dropped and reacquired around
// the write-back I/O.
func (c *Cache) evictOneLocked() {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		page := e.Value.(*PageInfo)
		if page.Busy() || page.State == StateIncoming || page.State == StateOutgoing {
			continue
		}
		if page.State == StateDirty {
			// writeBackLocked removes the page once its write-back
			// finishes, which completes this eviction.
			c.writeBackLocked(page)
			return
		}
		c.removeLocked(page)
		return
	}
	// Nothing evictable right now; callers will simply exceed capacity
	// by one until something frees up. This favors correctness (never
	// blocking forever with no progress path) over a hard capacity cap.
}

// writeBackLocked writes a dirty page back to the backend, holding c.mu
// released during the actual I/O so other cache operations can proceed.
func (c *Cache) writeBackLocked(page *PageInfo) {
	page.State = StateOutgoing
	data := page.Data
	pbn := page.PBN
	c.mu.Unlock()

	var err error
	if c.writeHook != nil {
		err = c.writeHook(pbn, data)
	}
	if err == nil {
		err = c.backend.WriteBlock(context.Background(), pbn, data)
	}

	c.mu.Lock()
	if err != nil {
		page.State = StateFailed
	} else {
		page.State = StateResident
	}
	page.waiters.NotifyAll()
	c.removeLocked(page)
}

func (c *Cache) removeLocked(page *PageInfo) {
	c.lru.Remove(page.elem)
	delete(c.byPBN, page.PBN)
}

func (c *Cache) pin(page *PageInfo) {
	page.busy++
	c.lru.MoveToFront(page.elem)
}

func (c *Cache) unpinLocked(page *PageInfo) {
	if page.busy > 0 {
		page.busy--
	}
}

// Release unpins a page previously returned by Get.
func (c *Cache) Release(page *PageInfo) {
	c.mu.Lock()
	c.unpinLocked(page)
	c.mu.Unlock()
}

// MarkDirty transitions page to Dirty and records the opaque client
// context (for the block map: the earliest recovery-journal sequence
// number it must not let be reaped before write-back).
func (c *Cache) MarkDirty(page *PageInfo, clientContext interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	page.State = StateDirty
	page.Context = clientContext
}

// FlushDirty issues a barrier flush against the backend, then writes back
// every currently dirty, non-busy page. A barrier is issued before each
// batch of writes to preserve journal ordering.
func (c *Cache) FlushDirty(ctx context.Context) error {
	c.mu.Lock()
	var dirty []*PageInfo
	for e := c.lru.Front(); e != nil; e = e.Next() {
		page := e.Value.(*PageInfo)
		if page.State == StateDirty && !page.Busy() {
			dirty = append(dirty, page)
		}
	}
	c.mu.Unlock()

	if len(dirty) == 0 {
		return nil
	}
	if err := c.backend.Flush(ctx); err != nil {
		return err
	}
	for _, page := range dirty {
		c.mu.Lock()
		if page.State != StateDirty || page.Busy() {
			c.mu.Unlock()
			continue
		}
		page.State = StateOutgoing
		data := page.Data
		pbn := page.PBN
		c.mu.Unlock()

		var err error
		if c.writeHook != nil {
			err = c.writeHook(pbn, data)
		}
		if err == nil {
			err = c.backend.WriteBlock(ctx, pbn, data)
		}

		c.mu.Lock()
		if err != nil {
			page.State = StateFailed
			page.waiters.NotifyAll()
			c.mu.Unlock()
			return err
		}
		page.State = StateResident
		page.waiters.NotifyAll()
		c.mu.Unlock()
	}
	return nil
}

// Drain flushes every dirty page and waits for any in-flight load or
// write-back to settle: it first flushes dirty-list bands, then awaits
// outstanding reads and writes.
func (c *Cache) Drain(ctx context.Context) error {
	if err := c.FlushDirty(ctx); err != nil {
		return err
	}
	for {
		c.mu.Lock()
		inflight := false
		for e := c.lru.Front(); e != nil; e = e.Next() {
			page := e.Value.(*PageInfo)
			if page.State == StateIncoming || page.State == StateOutgoing {
				waiter := page.waiters.Enqueue()
				c.mu.Unlock()
				waiter.Wait()
				inflight = true
				break
			}
		}
		if !inflight {
			c.mu.Unlock()
			return nil
		}
	}
}

// Len returns the number of pages currently resident in the cache.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byPBN)
}
