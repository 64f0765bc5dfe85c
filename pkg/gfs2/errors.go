package gfs2

import "errors"

// Sentinel error kinds matching the error taxonomy. Every failure raised
// anywhere in the module wraps exactly one of these with
// fmt.Errorf("%w: ...", kind) so callers can recover the kind with
// errors.Is regardless of the specific message. They live in this leaf
// package (rather than in pkg/session, which depends on this package for
// Generation) so every other package can depend on them without a cycle.
var (
	// ErrIO marks a read, write, or fsync that returned short or errored.
	// Always fatal to the current operation.
	ErrIO = errors.New("i/o failure")

	// ErrMalformed marks a magic mismatch, unknown type, decoded length
	// outside bounds, or an address outside the device. Walkers log and
	// skip the affected subtree; planners and restorers treat it as fatal.
	ErrMalformed = errors.New("malformed metadata")

	// ErrConstraint marks an invalid lock table, non-positive journal
	// count, out-of-range RG size, or a device too small for the
	// requested journals. Always caught before any write.
	ErrConstraint = errors.New("constraint violation")

	// ErrVersion marks an archive format_version newer than this reader
	// understands.
	ErrVersion = errors.New("version mismatch")

	// ErrResourceExhaustion marks an allocation failure.
	ErrResourceExhaustion = errors.New("resource exhaustion")
)
