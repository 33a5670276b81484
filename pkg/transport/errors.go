package transport

import "errors"

var (
	// ErrClosed is returned by operations on a stopped socket or server.
	ErrClosed = errors.New("transport: closed")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("transport: already started")

	// ErrNoHandler is returned by NewUDP without a Handler.
	ErrNoHandler = errors.New("transport: handler required")

	// ErrInvalidAddress wraps address resolution failures.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrMessageTooLarge is returned for datagrams over MaxDatagramSize and
	// frames over MaxFrameSize.
	ErrMessageTooLarge = errors.New("transport: message too large")

	// ErrUnknownTransport is returned by ParseMode.
	ErrUnknownTransport = errors.New("transport: unknown transport")
)
