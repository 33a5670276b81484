package discovery

import (
	"context"
	"net"
)

// DefaultDomain is the mDNS domain used when none is configured.
const DefaultDomain = "local."

// Descriptor identifies the readiness source of a ServiceRef. It plays the
// role of the socket descriptor a DNS-SD client library hands out.
type Descriptor int

// InvalidDescriptor is reported by a Transaction that is not running.
const InvalidDescriptor Descriptor = -1

// ServiceRef is an outstanding request to the DNS-SD daemon.
//
// Replies are queued by the binding and delivered one at a time through
// ProcessResult, which invokes the callback passed to the Daemon call that
// created the reference. Ready delivers a value whenever at least one reply
// is waiting.
type ServiceRef interface {
	// Descriptor returns the identifier of this reference.
	Descriptor() Descriptor

	// Ready signals that a reply is waiting.
	Ready() <-chan struct{}

	// ProcessResult delivers one queued reply. If none is queued it waits
	// until one arrives or ctx is done. A ctx that is already done turns
	// ProcessResult into a poll.
	ProcessResult(ctx context.Context) error

	// UpdateRecord replaces the TXT record of a registration.
	UpdateRecord(text []byte) error

	// Deallocate releases the request. Queued replies are discarded and no
	// callback runs afterwards.
	Deallocate()
}

// RegisterRequest describes a service registration.
type RegisterRequest struct {
	Name      string
	Type      string
	Domain    string
	Interface uint32
	Port      uint16

	// Text is the framed TXT record (see EncodeTXT).
	Text []byte

	// NoRename asks the daemon to fail instead of renaming on conflict.
	NoRename bool
}

// RegisterReply reports the outcome of a registration. On success Name,
// Type and Domain carry the values the daemon settled on.
type RegisterReply struct {
	Err    error
	Name   string
	Type   string
	Domain string
}

// BrowseRequest describes a browse for one service type.
type BrowseRequest struct {
	Type      string
	Domain    string
	Interface uint32
}

// BrowseReply reports one instance appearing (Added) or disappearing.
// MoreComing is set when further replies are already queued.
type BrowseReply struct {
	Err        error
	Added      bool
	MoreComing bool
	Name       string
	Type       string
	Domain     string
	Interface  uint32
}

// ResolveRequest identifies the instance to resolve.
type ResolveRequest struct {
	Name      string
	Type      string
	Domain    string
	Interface uint32
}

// ResolveReply carries the connection details of a resolved instance.
type ResolveReply struct {
	Err       error
	FullName  string
	Host      string
	Port      uint16
	Text      []byte
	Interface uint32

	// Addrs holds host addresses when the binding learned them.
	Addrs []net.IP
}

// RegisterCallback receives registration replies.
type RegisterCallback func(RegisterReply)

// BrowseCallback receives browse replies.
type BrowseCallback func(BrowseReply)

// ResolveCallback receives resolve replies.
type ResolveCallback func(ResolveReply)

// Daemon is the binding to a DNS-SD implementation.
//
// Each call either fails synchronously or returns a ServiceRef whose replies
// invoke the callback from within ServiceRef.ProcessResult.
type Daemon interface {
	Register(req RegisterRequest, cb RegisterCallback) (ServiceRef, error)
	Browse(req BrowseRequest, cb BrowseCallback) (ServiceRef, error)
	Resolve(req ResolveRequest, cb ResolveCallback) (ServiceRef, error)
}
