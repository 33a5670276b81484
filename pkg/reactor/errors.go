package reactor

import "errors"

// Reactor errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed reactor.
	ErrClosed = errors.New("reactor: closed")

	// ErrInvalidDuration is returned for negative timer delays or intervals.
	ErrInvalidDuration = errors.New("reactor: invalid duration")
)
