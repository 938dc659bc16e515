package rdy

import "errors"

// Sentinel errors returned by the core. Nothing in this package panics
// on caller-reachable paths.
var (
	// ErrInvalidMaxInFlight is returned by NewReaderRdy when maxInFlight
	// is not a positive integer.
	ErrInvalidMaxInFlight = errors.New("rdy: maxInFlight must be positive")

	// ErrUnknownConnection is returned by RemoveConnection when the
	// given Conn was never added, or was already removed.
	ErrUnknownConnection = errors.New("rdy: connection not tracked by this reader")

	// ErrAlreadyClosed is returned by operations submitted after Close
	// has been called.
	ErrAlreadyClosed = errors.New("rdy: reader is closed")
)
