// Package zone implements the engine's threading model: one goroutine per
// named responsibility ("zone"), each draining its own FIFO callback
// queue to completion with no preemption between callbacks. Work crosses
// zones exclusively by enqueueing a callback onto the target zone's
// queue — there is no shared-state call between zone goroutines.
//
// The one-goroutine-per-responsibility shape, a ticking-or-signaled loop
// selecting on its own done channel alongside incoming work, follows
// torua's HealthMonitor.Start/Stop pair
// (internal/coordinator/health_monitor.go): a dedicated goroutine, a
// context for external cancellation, and a WaitGroup the owner can block
// on to know the goroutine has actually exited.
package zone

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Kind names a zone's responsibility. Admin, Journal, Packer and Flusher
// are always singletons; Logical, Physical and HashLock are configured in
// counts (Lg, Lp, Lh).
type Kind int

const (
	KindAdmin Kind = iota
	KindJournal
	KindPacker
	KindFlusher
	KindLogical
	KindPhysical
	KindHashLock
)

func (k Kind) String() string {
	switch k {
	case KindAdmin:
		return "admin"
	case KindJournal:
		return "journal"
	case KindPacker:
		return "packer"
	case KindFlusher:
		return "flusher"
	case KindLogical:
		return "logical"
	case KindPhysical:
		return "physical"
	case KindHashLock:
		return "hash-lock"
	default:
		return fmt.Sprintf("zone-kind(%d)", int(k))
	}
}

// ID identifies one zone instance: its kind plus, for the replicated
// kinds, which instance (0..Lg-1, etc).
type ID struct {
	Kind  Kind
	Index int
}

func (id ID) String() string {
	if id.Kind == KindLogical || id.Kind == KindPhysical || id.Kind == KindHashLock {
		return fmt.Sprintf("%s[%d]", id.Kind, id.Index)
	}
	return id.Kind.String()
}

// Callback is one unit of work enqueued onto a zone. It runs to
// completion on that zone's goroutine before the next queued callback
// starts; a callback that needs to wait on I/O must return and arrange
// for its continuation to be re-enqueued later, rather than block.
type Callback func(ctx context.Context)

// defaultQueueDepth bounds how much work can be pending on a single zone
// before Enqueue blocks its caller, providing natural back-pressure.
const defaultQueueDepth = 1024

// zoneState holds one running zone's queue and lifecycle handles.
type zoneState struct {
	id     ID
	queue  chan Callback
	cancel context.CancelFunc
	done   chan struct{}
}

// Map owns a fixed set of zones, started together and drained together.
// Work reaches a zone's goroutine only through Enqueue or TryEnqueue.
// The engine's request pipeline enqueues nothing here: it runs its
// stages on the caller's goroutine.
type Map struct {
	mu    sync.Mutex
	zones map[ID]*zoneState
}

// NewMap returns an empty zone map.
func NewMap() *Map {
	return &Map{zones: make(map[ID]*zoneState)}
}

// Start launches a goroutine for id that repeatedly pops and runs
// callbacks from its queue until ctx is canceled or Stop is called.
// Starting the same id twice is a programming error and panics.
func (m *Map) Start(ctx context.Context, id ID) {
	m.mu.Lock()
	if _, exists := m.zones[id]; exists {
		m.mu.Unlock()
		panic(fmt.Sprintf("zone: %s already started", id))
	}
	zctx, cancel := context.WithCancel(ctx)
	zs := &zoneState{
		id:     id,
		queue:  make(chan Callback, defaultQueueDepth),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.zones[id] = zs
	m.mu.Unlock()

	go m.run(zctx, zs)
}

func (m *Map) run(ctx context.Context, zs *zoneState) {
	defer close(zs.done)
	for {
		select {
		case cb := <-zs.queue:
			cb(ctx)
		case <-ctx.Done():
			log.Printf("zone %s stopping: %v", zs.id, ctx.Err())
			return
		}
	}
}

// Enqueue schedules cb to run on zone id's goroutine. It reports an error
// if id has not been started. Enqueue may block if the zone's queue is
// full, which is the engine's intended back-pressure signal that a zone
// is falling behind.
func (m *Map) Enqueue(id ID, cb Callback) error {
	m.mu.Lock()
	zs, ok := m.zones[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("zone: %s is not running", id)
	}
	zs.queue <- cb
	return nil
}

// TryEnqueue is Enqueue's non-blocking variant: it reports false instead
// of blocking when the target zone's queue is full.
func (m *Map) TryEnqueue(id ID, cb Callback) (bool, error) {
	m.mu.Lock()
	zs, ok := m.zones[id]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("zone: %s is not running", id)
	}
	select {
	case zs.queue <- cb:
		return true, nil
	default:
		return false, nil
	}
}

// Stop cancels id's goroutine and blocks until it has exited.
func (m *Map) Stop(id ID) {
	m.mu.Lock()
	zs, ok := m.zones[id]
	if ok {
		delete(m.zones, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	zs.cancel()
	<-zs.done
}

// StopAll cancels and waits for every running zone.
func (m *Map) StopAll() {
	m.mu.Lock()
	ids := make([]ID, 0, len(m.zones))
	for id := range m.zones {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

// Running reports whether id currently has a running goroutine.
func (m *Map) Running(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.zones[id]
	return ok
}
