package bridge

import "errors"

var (
	// ErrDuplicateDescriptor is returned when a descriptor is registered
	// while an open descriptor with the same number already exists.
	ErrDuplicateDescriptor = errors.New("bridge: descriptor already registered")

	// ErrClosed is returned by calls made after the message loop stopped.
	ErrClosed = errors.New("bridge: message loop stopped")
)
