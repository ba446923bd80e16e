// Package vdoerrors defines the sticky error taxonomy shared across the
// metadata engine and a small helper for propagating "first error wins"
// results through a multi-stage request.
package vdoerrors

import (
	stderrors "errors"

	pkgerrors "github.com/pkg/errors"
)

// Sentinel errors for the taxonomy. Collaborator-boundary errors (dedupe
// index, compressor, I/O submitter) are wrapped with github.com/pkg/errors
// so callers can still match these sentinels with errors.Is while keeping
// the original failure context.
var (
	// ErrNoSpace is returned when the slab depot has no free block to
	// allocate.
	ErrNoSpace = stderrors.New("vdo: no space")
	// ErrOutOfRange is returned for an address or index outside its
	// valid domain (bad LBN, bad slab-block number, bad compressed
	// slot).
	ErrOutOfRange = stderrors.New("vdo: out of range")
	// ErrBadPage is returned when a loaded block-map page fails its
	// nonce/PBN/page-number self-check.
	ErrBadPage = stderrors.New("vdo: bad page")
	// ErrBadMapping is returned when a mapping entry is structurally
	// invalid (e.g. a compressed state with no matching fragment).
	ErrBadMapping = stderrors.New("vdo: bad mapping")
	// ErrInvalidFragment is returned when a compressed block's fragment
	// table does not fit within the block.
	ErrInvalidFragment = stderrors.New("vdo: invalid compressed fragment")
	// ErrCorruptJournal is returned when a slab-journal or recovery-
	// journal block fails header validation during replay.
	ErrCorruptJournal = stderrors.New("vdo: corrupt journal")
	// ErrReadOnly is returned for any write attempted after the system
	// has latched into read-only mode.
	ErrReadOnly = stderrors.New("vdo: read-only mode")
	// ErrShuttingDown is returned for new work submitted while the admin
	// state machine is draining.
	ErrShuttingDown = stderrors.New("vdo: shutting down")
	// ErrBadConfiguration is returned for an internally inconsistent or
	// out-of-bounds configuration value.
	ErrBadConfiguration = stderrors.New("vdo: bad configuration")
	// ErrTimeout is returned only by dedupe-index queries; callers treat
	// it as "no advice", never as a request failure.
	ErrTimeout = stderrors.New("vdo: timeout")
)

// Is is errors.Is, re-exported so callers need only import this package
// when matching the taxonomy above.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// Wrap attaches a message to err using github.com/pkg/errors, preserving
// err for Is/As. Used at collaborator boundaries.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, message)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrapf(err, format, args...)
}

// Result holds the first non-nil error assigned to it and ignores every
// subsequent assignment. A stage inspects Err() at entry; if it is
// already set, the stage must skip its own work.
type Result struct {
	err error
}

// Set records err as the sticky result if, and only if, no error has been
// recorded yet. It is safe to call Set repeatedly with nil; nil never
// overwrites a previously recorded error.
func (r *Result) Set(err error) {
	if err == nil || r.err != nil {
		return
	}
	r.err = err
}

// Err returns the sticky result, or nil if no stage has failed.
func (r *Result) Err() error { return r.err }

// HasError reports whether a failure has already been recorded.
func (r *Result) HasError() bool { return r.err != nil }
