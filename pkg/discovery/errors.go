package discovery

import "errors"

// Package-level sentinel errors for discovery operations.
var (
	// ErrClosed is returned when an operation is attempted on a closed daemon
	// binding.
	ErrClosed = errors.New("discovery: closed")

	// ErrNotRunning is returned when an operation requires a running
	// transaction, or when a service reference has been deallocated.
	ErrNotRunning = errors.New("discovery: not running")

	// ErrNotPublished is returned when updating the record of a service that
	// is not registered.
	ErrNotPublished = errors.New("discovery: not published")

	// ErrNameConflict is returned when the requested service name is already
	// in use on the network.
	ErrNameConflict = errors.New("discovery: name conflict")

	// ErrTXTEntryTooLong is returned when key+"="+value exceeds 255 bytes.
	ErrTXTEntryTooLong = errors.New("discovery: TXT entry too long (max 255 bytes)")

	// ErrInvalidTXTKey is returned for an empty TXT key or one containing '='.
	ErrInvalidTXTKey = errors.New("discovery: invalid TXT key")

	// ErrInvalidTXTRecord is returned when a TXT record has invalid framing.
	ErrInvalidTXTRecord = errors.New("discovery: invalid TXT record format")

	// ErrInvalidServiceType is returned for malformed service types.
	ErrInvalidServiceType = errors.New("discovery: invalid service type")

	// ErrInvalidName is returned for an empty or over-long instance name.
	ErrInvalidName = errors.New("discovery: invalid service name")

	// ErrServiceNotFound is returned when a requested service is not found.
	ErrServiceNotFound = errors.New("discovery: service not found")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("discovery: operation timed out")

	// ErrNoDaemon is returned when a component is built without a daemon
	// binding.
	ErrNoDaemon = errors.New("discovery: no daemon")

	// ErrNoMonitor is returned when a transaction is built without a monitor.
	ErrNoMonitor = errors.New("discovery: no monitor")
)
