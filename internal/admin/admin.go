// Package admin implements the engine's lifecycle state machine: a
// shared enumeration covering Normal/Suspending/Suspended/
// Resuming/Draining/SavingForScrubbing/Scrubbing, a fixed-order phased
// drain across registered components, and a one-way read-only latch
// with a per-listener fan-out.
//
// Grounded on torua's cmd/coordinator/main.go graceful shutdown: a
// signal-triggered drain that stops accepting new work and shuts down
// owned components in order, generalized here from "one HTTP server"
// to "a fixed sequence of named components, each draining on request."
package admin

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/dreamware/vdostore/internal/vdoerrors"
	"github.com/dreamware/vdostore/internal/vdolog"
)

// State is one value of the admin lifecycle enumeration.
type State int

const (
	Normal State = iota
	Suspending
	Suspended
	Resuming
	Draining
	SavingForScrubbing
	Scrubbing
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Suspending:
		return "suspending"
	case Suspended:
		return "suspended"
	case Resuming:
		return "resuming"
	case Draining:
		return "draining"
	case SavingForScrubbing:
		return "saving-for-scrubbing"
	case Scrubbing:
		return "scrubbing"
	default:
		return fmt.Sprintf("admin.State(%d)", int(s))
	}
}

// ComponentKind names one of the fixed phases admin operations traverse,
// in order: depot, journal, block-map, logical zones, packer, flusher.
type ComponentKind int

const (
	Depot ComponentKind = iota
	Journal
	BlockMap
	LogicalZones
	Packer
	Flusher
)

func (k ComponentKind) String() string {
	switch k {
	case Depot:
		return "depot"
	case Journal:
		return "journal"
	case BlockMap:
		return "block-map"
	case LogicalZones:
		return "logical-zones"
	case Packer:
		return "packer"
	case Flusher:
		return "flusher"
	default:
		return fmt.Sprintf("admin.ComponentKind(%d)", int(k))
	}
}

// drainOrder is the fixed phase order. Every admin operation (suspend,
// resume, grow) traverses components in exactly this sequence.
var drainOrder = []ComponentKind{Depot, Journal, BlockMap, LogicalZones, Packer, Flusher}

// Component is what a subsystem registers with the admin state machine
// so it can participate in a phased drain or resume. InitiateDrain must
// not return until the component's in-flight work has been flushed to
// durable state or otherwise quiesced; InitiateResume must not return
// until the component is ready to accept new work again.
type Component interface {
	Kind() ComponentKind
	InitiateDrain(ctx context.Context) error
	InitiateResume(ctx context.Context) error
}

// ReadOnlyListener is notified exactly once when the system latches into
// read-only mode. No component of this engine registers itself as a
// listener; the fan-out reaches only what callers pass to
// RegisterReadOnlyListener.
type ReadOnlyListener interface {
	EnterReadOnly()
}

// Admin owns the lifecycle state, the registered components, and the
// one-way read-only latch.
type Admin struct {
	mu         sync.Mutex
	state      State
	drainKind  ComponentKind // meaningful only while state == Draining
	components map[ComponentKind]Component
	readOnly   bool
	listeners  []ReadOnlyListener
	log        *log.Logger
}

// New returns an Admin in the Normal state with no components
// registered. Register components with Register before calling Suspend,
// Resume, or Grow.
func New() *Admin {
	return &Admin{
		components: make(map[ComponentKind]Component),
		log:        vdolog.New("admin"),
	}
}

// Register adds a component to the fixed drain/resume traversal. Calling
// Register twice for the same kind replaces the prior registration.
func (a *Admin) Register(c Component) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.components[c.Kind()] = c
}

// RegisterReadOnlyListener adds l to the fan-out notified when the
// system latches into read-only mode.
func (a *Admin) RegisterReadOnlyListener(l ReadOnlyListener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, l)
}

// State returns the current lifecycle state.
func (a *Admin) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// AcceptingWork reports whether the pipeline should admit a new request.
// New work is refused with ErrShuttingDown while suspending, suspended,
// draining, or scrubbing.
func (a *Admin) AcceptingWork() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case Normal, Resuming:
		return nil
	default:
		return vdoerrors.ErrShuttingDown
	}
}

// Suspend drains every registered component in the fixed phase order
// (depot, journal, block-map, logical zones, packer, flusher), refusing
// new work for the duration. If any phase's drain fails, Suspend stops
// at that phase, leaves the state at Draining for the failed kind, and
// returns the error — a partially drained admin is left for the caller
// to inspect via State/DrainKind rather than silently reset to Normal.
func (a *Admin) Suspend(ctx context.Context) error {
	a.mu.Lock()
	if a.state != Normal {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("admin: cannot suspend from state %s", state)
	}
	a.state = Suspending
	a.mu.Unlock()

	for _, kind := range drainOrder {
		a.mu.Lock()
		a.state = Draining
		a.drainKind = kind
		component := a.components[kind]
		a.mu.Unlock()

		if component == nil {
			continue
		}
		a.log.Printf("draining %s", kind)
		if err := component.InitiateDrain(ctx); err != nil {
			return vdoerrors.Wrapf(err, "admin: drain %s", kind)
		}
	}

	a.mu.Lock()
	a.state = Suspended
	a.mu.Unlock()
	a.log.Printf("suspended")
	return nil
}

// Resume reverses Suspend: it walks the same fixed phase order, calling
// InitiateResume on each registered component, and returns to Normal.
func (a *Admin) Resume(ctx context.Context) error {
	a.mu.Lock()
	if a.state != Suspended {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("admin: cannot resume from state %s", state)
	}
	a.state = Resuming
	a.mu.Unlock()

	for _, kind := range drainOrder {
		a.mu.Lock()
		component := a.components[kind]
		a.mu.Unlock()

		if component == nil {
			continue
		}
		if err := component.InitiateResume(ctx); err != nil {
			return vdoerrors.Wrapf(err, "admin: resume %s", kind)
		}
	}

	a.mu.Lock()
	a.state = Normal
	a.mu.Unlock()
	a.log.Printf("resumed")
	return nil
}

// DrainKind returns the component kind currently being drained, valid
// only while State() == Draining.
func (a *Admin) DrainKind() ComponentKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.drainKind
}

// EnterReadOnly latches the system into read-only mode and fans the
// notification out to every registered listener, exactly once. The
// latch is one-way: once set, it never clears.
func (a *Admin) EnterReadOnly() {
	a.mu.Lock()
	if a.readOnly {
		a.mu.Unlock()
		return
	}
	a.readOnly = true
	listeners := append([]ReadOnlyListener(nil), a.listeners...)
	a.mu.Unlock()

	a.log.Printf("entering read-only mode")
	for _, l := range listeners {
		l.EnterReadOnly()
	}
}

// ReadOnly reports whether the system has latched into read-only mode.
func (a *Admin) ReadOnly() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readOnly
}

// Grower is implemented by the depot component to support the Grow
// admin operation.
type Grower interface {
	Grow(ctx context.Context, newSlabCount int) error
}

// Grow suspends the system, grows the depot component registered under
// Depot, and resumes. It returns an error without resuming if the depot
// either isn't registered or doesn't implement Grower, or if Suspend
// itself fails; it always attempts Resume after a successful grow call,
// even if that call returned an error, so the system doesn't stay
// suspended over a growth failure.
func (a *Admin) Grow(ctx context.Context, newSlabCount int) error {
	a.mu.Lock()
	component := a.components[Depot]
	a.mu.Unlock()

	grower, ok := component.(Grower)
	if !ok {
		return fmt.Errorf("admin: depot component does not support Grow")
	}

	if err := a.Suspend(ctx); err != nil {
		return vdoerrors.Wrapf(err, "admin: grow suspend")
	}

	growErr := grower.Grow(ctx, newSlabCount)
	if resumeErr := a.Resume(ctx); resumeErr != nil {
		if growErr != nil {
			return vdoerrors.Wrapf(growErr, "admin: grow failed, and resume also failed: %v", resumeErr)
		}
		return vdoerrors.Wrapf(resumeErr, "admin: grow resume")
	}
	if growErr != nil {
		return vdoerrors.Wrapf(growErr, "admin: grow")
	}
	return nil
}

// CheckWrite returns ErrReadOnly if the system has latched read-only,
// and ErrShuttingDown if new work is currently refused. Callers on the
// write path should check this before doing any allocation or I/O.
func (a *Admin) CheckWrite() error {
	if a.ReadOnly() {
		return vdoerrors.ErrReadOnly
	}
	return a.AcceptingWork()
}
