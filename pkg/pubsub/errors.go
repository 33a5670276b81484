package pubsub

import "errors"

// Package-level sentinel errors for pub/sub operations.
var (
	// ErrNotConnected is returned when an operation needs a resolved
	// publisher and none is known.
	ErrNotConnected = errors.New("pubsub: not connected to publisher")

	// ErrNotOpen is returned when an operation needs an open component.
	ErrNotOpen = errors.New("pubsub: not open")

	// ErrAlreadyOpen is returned by a second Open.
	ErrAlreadyOpen = errors.New("pubsub: already open")

	// ErrQueueInactive is returned when data is posted to a deactivated
	// work queue.
	ErrQueueInactive = errors.New("pubsub: queue inactive")

	// ErrNoReactor is returned when a component is built without a reactor.
	ErrNoReactor = errors.New("pubsub: no reactor")

	// ErrUnknownKind is returned for a service kind outside the registry.
	ErrUnknownKind = errors.New("pubsub: unknown service kind")

	// ErrInvalidSubType is returned for a sub-type that cannot be part of a
	// service type.
	ErrInvalidSubType = errors.New("pubsub: invalid sub-type")

	// ErrMissingHeartbeatPort is returned when a resolved publisher does
	// not advertise a usable heartbeat port.
	ErrMissingHeartbeatPort = errors.New("pubsub: missing heartbeat port")
)
