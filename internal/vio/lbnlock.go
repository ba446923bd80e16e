package vio

import (
	"sync"

	"github.com/dreamware/vdostore/internal/physical"
	"github.com/dreamware/vdostore/internal/waitqueue"
)

// heldLock is one LBN's current holder plus whoever is queued behind it.
type heldLock struct {
	owner   *DataVIO
	waiters *waitqueue.Queue
}

// LBNLockTable serializes concurrent operations against the same logical
// block number. Only one DataVIO may hold an LBN's lock at a time; others
// queue in arrival order, so updates to a single LBN are always
// serialized.
//
// Grounded on torua's internal/shard/shard.go: a mutex-guarded map keyed
// by an identifier, generalized here from "shard ID -> shard state" to
// "LBN -> current lock holder."
type LBNLockTable struct {
	mu    sync.Mutex
	locks map[physical.LBN]*heldLock
}

// NewLBNLockTable returns an empty lock table.
func NewLBNLockTable() *LBNLockTable {
	return &LBNLockTable{locks: make(map[physical.LBN]*heldLock)}
}

// Acquire blocks until req holds lbn's lock. If lbn is already held,
// onContended is invoked (before blocking) with the current holder, so
// the caller can apply its own contention policy — e.g. canceling the
// holder out of the packer to avoid an indefinite wait. onContended may
// be nil.
func (t *LBNLockTable) Acquire(lbn physical.LBN, req *DataVIO, onContended func(holder *DataVIO)) {
	t.mu.Lock()
	held, exists := t.locks[lbn]
	if !exists {
		t.locks[lbn] = &heldLock{owner: req, waiters: waitqueue.New()}
		t.mu.Unlock()
		return
	}
	holder := held.owner
	waiter := held.waiters.Enqueue()
	t.mu.Unlock()

	if onContended != nil {
		onContended(holder)
	}
	waiter.Wait()

	t.mu.Lock()
	held.owner = req
	t.mu.Unlock()
}

// Holder returns the DataVIO currently holding lbn's lock, or nil if it
// is unheld. The pipeline does not call it: a contending Read learns the
// holder through Acquire's onContended callback and still waits for the
// lock.
func (t *LBNLockTable) Holder(lbn physical.LBN) *DataVIO {
	t.mu.Lock()
	defer t.mu.Unlock()
	held, ok := t.locks[lbn]
	if !ok {
		return nil
	}
	return held.owner
}

// Release hands lbn's lock to the next waiter, if any, or removes the
// entry entirely if the lock is now uncontended.
func (t *LBNLockTable) Release(lbn physical.LBN) {
	t.mu.Lock()
	held, ok := t.locks[lbn]
	if !ok {
		t.mu.Unlock()
		return
	}
	if held.waiters.Empty() {
		delete(t.locks, lbn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	held.waiters.NotifyNext()
}
