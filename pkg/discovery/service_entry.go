package discovery

import (
	"context"
	"fmt"
	"time"
	"weak"

	"github.com/backkem/sidecar/pkg/signal"
	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
)

// DefaultResolveTimeout bounds a blocking Resolve.
const DefaultResolveTimeout = 5 * time.Second

// ServiceEntryConfig holds configuration shared by the entries a Browser
// creates.
type ServiceEntryConfig struct {
	// Daemon is the DNS-SD binding. Required.
	Daemon Daemon

	// Monitor drives reply processing. Required.
	Monitor Monitor

	// Net maps interface indices to names. If nil, the host network stack
	// is used.
	Net transport.Net

	// ResolveTimeout bounds a blocking Resolve.
	// If zero, DefaultResolveTimeout is used.
	ResolveTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// ServiceEntry is one service instance seen by a Browser. Resolve obtains
// its host, port and TXT record.
type ServiceEntry struct {
	Transaction

	daemon         Daemon
	net            transport.Net
	resolveTimeout time.Duration

	name   string
	typ    string
	domain string
	iface  uint32

	resolved       *ResolvedEntry
	resolvedSignal signal.Signal[*ServiceEntry]
	log            logging.LeveledLogger
}

// NewServiceEntry creates an unresolved entry.
func NewServiceEntry(config ServiceEntryConfig, name, typ, domain string, iface uint32) (*ServiceEntry, error) {
	if config.Daemon == nil {
		return nil, fmt.Errorf("service entry: %w", ErrNoDaemon)
	}
	if config.Monitor == nil {
		return nil, fmt.Errorf("service entry: %w", ErrNoMonitor)
	}
	if config.ResolveTimeout == 0 {
		config.ResolveTimeout = DefaultResolveTimeout
	}

	e := &ServiceEntry{
		daemon:         config.Daemon,
		net:            config.Net,
		resolveTimeout: config.ResolveTimeout,
		name:           name,
		typ:            typ,
		domain:         domain,
		iface:          iface,
	}

	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("zeroconf-service-entry")
	}
	e.Transaction = newTransaction(config.Monitor, e.log)

	return e, nil
}

// Name returns the instance name.
func (e *ServiceEntry) Name() string { return e.name }

// Type returns the service type.
func (e *ServiceEntry) Type() string { return e.typ }

// Domain returns the domain the instance was found in.
func (e *ServiceEntry) Domain() string { return e.domain }

// Interface returns the index of the interface the instance was seen on.
func (e *ServiceEntry) Interface() uint32 { return e.iface }

// InterfaceName returns the name of the interface the instance was seen
// on, or "" when it cannot be determined.
func (e *ServiceEntry) InterfaceName() string {
	if e.iface == 0 {
		return ""
	}

	n := e.net
	if n == nil {
		sn, err := stdnet.NewNet()
		if err != nil {
			return ""
		}
		n = sn
	}

	ifc, err := n.InterfaceByIndex(int(e.iface))
	if err != nil {
		return ""
	}
	return ifc.Name
}

// IsResolved reports whether a ResolvedEntry is held.
func (e *ServiceEntry) IsResolved() bool {
	return e.resolved != nil
}

// ResolvedEntry returns the last resolved details, or nil.
func (e *ServiceEntry) ResolvedEntry() *ResolvedEntry {
	return e.resolved
}

// OnResolved connects fn to the resolved signal. It fires once per resolve
// attempt; IsResolved tells whether the attempt succeeded.
func (e *ServiceEntry) OnResolved(fn func(*ServiceEntry)) *signal.Connection {
	return e.resolvedSignal.Connect(fn)
}

// Resolve asks the daemon for the instance's connection details,
// discarding any held ones. With blocking set the reply is processed before
// Resolve returns, waiting at most the resolve timeout.
func (e *ServiceEntry) Resolve(blocking bool) error {
	if e.IsRunning() {
		e.Stop()
	}
	e.resolved = nil

	if e.log != nil {
		e.log.Debugf("resolving %s.%s%s interface %d blocking=%v", e.name, e.typ, e.domain, e.iface, blocking)
	}

	wp := weak.Make(e)
	ref, err := e.daemon.Resolve(ResolveRequest{
		Name:      e.name,
		Type:      e.typ,
		Domain:    e.domain,
		Interface: e.iface,
	}, func(reply ResolveReply) {
		if e := wp.Value(); e != nil {
			e.processResponse(reply)
		}
	})
	if err != nil {
		if e.log != nil {
			e.log.Errorf("failed to resolve %s: %v", e.name, err)
		}
		return fmt.Errorf("service entry: resolve %q: %w", e.name, err)
	}

	if !blocking {
		e.started(ref, true)
		return nil
	}

	e.started(ref, false)
	ctx, cancel := context.WithTimeout(context.Background(), e.resolveTimeout)
	defer cancel()

	if err := e.pump(ctx); err != nil {
		e.Stop()
		return fmt.Errorf("service entry: resolve %q: %w", e.name, err)
	}
	return nil
}

func (e *ServiceEntry) processResponse(reply ResolveReply) {
	e.finish()

	if reply.Err != nil {
		if e.log != nil {
			e.log.Warnf("resolve of %s failed: %v", e.name, reply.Err)
		}
		e.resolved = nil
	} else {
		entry, err := NewResolvedEntry(reply.FullName, reply.Host, reply.Port, reply.Text, reply.Addrs...)
		if err != nil && e.log != nil {
			e.log.Warnf("TXT record of %s: %v", e.name, err)
		}
		if e.log != nil {
			e.log.Debugf("resolved %s to %s:%d", e.name, entry.Host(), entry.Port())
		}
		e.resolved = entry
	}

	e.resolvedSignal.Emit(e)
}
